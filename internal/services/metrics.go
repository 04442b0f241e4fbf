package services

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 任务结果标签
const (
	OutcomeAcked        = "acked"
	OutcomeRetried      = "retried"
	OutcomeDeadLettered = "dead_lettered"
)

// Metrics 导入和问答的 Prometheus 指标
type Metrics struct {
	jobsTotal         *prometheus.CounterVec
	chunksTotal       prometheus.Counter
	chatRequestsTotal *prometheus.CounterVec
	ingestionStage    *prometheus.HistogramVec
	chatStage         *prometheus.HistogramVec
	inflightJobs      prometheus.Gauge
}

// NewMetrics 在给定的注册表上注册指标，reg 为空时使用独立注册表
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		jobsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docqa_ingestion_jobs_total",
				Help: "Ingestion jobs finished, by outcome",
			},
			[]string{"outcome"},
		),
		chunksTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "docqa_ingestion_chunks_total",
			Help: "Chunks embedded and written to the vector index",
		}),
		chatRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docqa_chat_requests_total",
				Help: "Chat requests, by outcome",
			},
			[]string{"outcome"},
		),
		ingestionStage: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "docqa_ingestion_stage_seconds",
				Help:    "Duration of ingestion stages",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"stage"},
		),
		chatStage: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "docqa_chat_stage_seconds",
				Help:    "Duration of chat request states",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"state"},
		),
		inflightJobs: factory.NewGauge(prometheus.GaugeOpts{
			Name: "docqa_ingestion_inflight_jobs",
			Help: "Jobs currently being processed by this worker pool",
		}),
	}
}

// RecordJob 记录任务结果
func (m *Metrics) RecordJob(outcome string) {
	if m == nil {
		return
	}
	m.jobsTotal.WithLabelValues(outcome).Inc()
}

// RecordChunks 记录写入的分块数
func (m *Metrics) RecordChunks(n int) {
	if m == nil {
		return
	}
	m.chunksTotal.Add(float64(n))
}

// ObserveIngestionStage 记录导入阶段耗时
func (m *Metrics) ObserveIngestionStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.ingestionStage.WithLabelValues(stage).Observe(d.Seconds())
}

// ObserveChatState 记录问答状态耗时
func (m *Metrics) ObserveChatState(state string, d time.Duration) {
	if m == nil {
		return
	}
	m.chatStage.WithLabelValues(state).Observe(d.Seconds())
}

// RecordChat 记录问答结果
func (m *Metrics) RecordChat(outcome string) {
	if m == nil {
		return
	}
	m.chatRequestsTotal.WithLabelValues(outcome).Inc()
}

// JobStarted 进行中任务数加一
func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.inflightJobs.Inc()
}

// JobFinished 进行中任务数减一
func (m *Metrics) JobFinished() {
	if m == nil {
		return
	}
	m.inflightJobs.Dec()
}
