package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/aihub/docqa/internal/errors"
	"github.com/aihub/docqa/internal/knowledge"
	"github.com/aihub/docqa/internal/logger"
)

// ChatState 问答请求状态
type ChatState string

const (
	ChatReceived          ChatState = "RECEIVED"
	ChatEmbeddingQuery    ChatState = "EMBEDDING_QUERY"
	ChatRetrieving        ChatState = "RETRIEVING"
	ChatAssemblingContext ChatState = "ASSEMBLING_CONTEXT"
	ChatGenerating        ChatState = "GENERATING"
	ChatComplete          ChatState = "COMPLETE"
	ChatFailed            ChatState = "FAILED"
)

// ChatExchange 一次问答的结果
type ChatExchange struct {
	RequestID string                  `json:"request_id"`
	Query     string                  `json:"query"`
	Answer    string                  `json:"answer"`
	Sources   []knowledge.ScoredEntry `json:"sources"`
}

// RetrievalTuning 可热更新的检索参数
type RetrievalTuning struct {
	TopK int
	// MinScore 大于 0 时丢弃低于该分数的结果
	MinScore float64
}

// Validate 校验参数
func (t RetrievalTuning) Validate() error {
	if t.TopK <= 0 {
		return apperrors.NewConfigurationError(apperrors.ErrCodeConfiguration,
			fmt.Sprintf("top_k must be positive, got %d", t.TopK))
	}
	if t.MinScore < 0 {
		return apperrors.NewConfigurationError(apperrors.ErrCodeConfiguration,
			fmt.Sprintf("min_score must not be negative, got %v", t.MinScore))
	}
	return nil
}

// RetrievalOptions 问答服务参数
type RetrievalOptions struct {
	Tuning RetrievalTuning
	// ExpectedModel 导入时使用的向量模型，非空时必须与查询使用的一致
	ExpectedModel   string
	RequestTimeout  time.Duration
	EmbedTimeout    time.Duration
	QueryTimeout    time.Duration
	GenerateTimeout time.Duration
	Retry           RetryPolicy
}

// RetrievalService 查询向量化、检索、拼接上下文并生成回答
type RetrievalService struct {
	embedder  knowledge.Embedder
	store     knowledge.VectorStore
	generator knowledge.Generator
	assembler *ContextAssembler
	metrics   *Metrics
	log       *zap.Logger
	opts      RetrievalOptions
	tuning    atomic.Pointer[RetrievalTuning]

	indexBreaker      *CircuitBreaker
	generationBreaker *CircuitBreaker
}

// NewRetrievalService 创建问答服务，模型或维度与索引不一致时拒绝启动
func NewRetrievalService(
	embedder knowledge.Embedder,
	store knowledge.VectorStore,
	generator knowledge.Generator,
	assembler *ContextAssembler,
	metrics *Metrics,
	log *zap.Logger,
	opts RetrievalOptions,
) (*RetrievalService, error) {
	if opts.ExpectedModel != "" && embedder.Model() != opts.ExpectedModel {
		return nil, apperrors.NewConfigurationError(apperrors.ErrCodeEmbeddingModelDiff,
			fmt.Sprintf("query embedder uses model %s but documents were indexed with %s", embedder.Model(), opts.ExpectedModel))
	}
	if embedder.Dimensions() != store.Dimensions() {
		return nil, apperrors.NewConfigurationError(apperrors.ErrCodeEmbeddingModelDiff,
			fmt.Sprintf("embedder produces %d dimensions but the index expects %d", embedder.Dimensions(), store.Dimensions()))
	}
	if opts.Tuning.TopK == 0 {
		opts.Tuning.TopK = 3
	}
	if err := opts.Tuning.Validate(); err != nil {
		return nil, err
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 2 * time.Minute
	}
	if opts.Retry.Attempts <= 0 {
		opts.Retry = RetryPolicy{Attempts: 2, Backoff: 200 * time.Millisecond, MaxBackoff: 2 * time.Second}
	}
	if assembler == nil {
		assembler = NewContextAssembler("")
	}

	s := &RetrievalService{
		embedder:          embedder,
		store:             store,
		generator:         generator,
		assembler:         assembler,
		metrics:           metrics,
		log:               logger.OrNop(log),
		opts:              opts,
		indexBreaker:      NewCircuitBreaker("vector_index", 5, 1, 30*time.Second),
		generationBreaker: NewCircuitBreaker("generation", 5, 1, 30*time.Second),
	}
	tuning := opts.Tuning
	s.tuning.Store(&tuning)
	return s, nil
}

// Tuning 当前检索参数
func (s *RetrievalService) Tuning() RetrievalTuning {
	return *s.tuning.Load()
}

// UpdateTuning 热更新检索参数，进行中的请求不受影响
func (s *RetrievalService) UpdateTuning(t RetrievalTuning) error {
	if err := t.Validate(); err != nil {
		return err
	}
	s.tuning.Store(&t)
	s.log.Info("retrieval tuning updated", zap.Int("top_k", t.TopK), zap.Float64("min_score", t.MinScore))
	return nil
}

// Breakers 熔断器状态
func (s *RetrievalService) Breakers() map[string]interface{} {
	return map[string]interface{}{
		"vector_index": s.indexBreaker.GetStats(),
		"generation":   s.generationBreaker.GetStats(),
	}
}

// exchange 记录一次请求的状态流转
type exchange struct {
	s         *RetrievalService
	requestID string
	log       *zap.Logger
	state     ChatState
	entered   time.Time
}

func (e *exchange) to(next ChatState) {
	e.s.metrics.ObserveChatState(string(e.state), time.Since(e.entered))
	e.log.Debug("chat state", zap.String("from", string(e.state)), zap.String("to", string(next)))
	e.state = next
	e.entered = time.Now()
}

// fail 进入 FAILED，返回给调用方的是不含内部细节的错误
func (e *exchange) fail(ctx context.Context, err error) error {
	failedIn := e.state
	e.to(ChatFailed)

	var out *apperrors.AppError
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded) || apperrors.HasCode(err, apperrors.ErrCodeTimeout):
		out = apperrors.NewTransientError(apperrors.ErrCodeTimeout, "chat request timed out").WithCause(err)
	case apperrors.IsAppError(err):
		out = apperrors.GetAppError(err)
	default:
		out = apperrors.NewSystemError(apperrors.ErrCodeInternalServer, "Failed to process chat").WithCause(err)
	}

	out.WithRequestID(e.requestID)
	e.s.metrics.RecordChat(string(out.Code))
	e.log.Error("chat request failed",
		zap.String("state", string(failedIn)),
		zap.String("code", string(out.Code)),
		zap.Error(err))
	return out
}

// Answer 回答问题。空问题在任何外部调用之前被拒绝
func (s *RetrievalService) Answer(ctx context.Context, query string) (*ChatExchange, error) {
	requestID := RequestIDFrom(ctx)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	log := s.log.With(zap.String("request_id", requestID))

	query = strings.TrimSpace(query)
	if query == "" {
		s.metrics.RecordChat(string(apperrors.ErrCodeEmptyQuery))
		return nil, apperrors.NewUserRequestError(apperrors.ErrCodeEmptyQuery, "Missing query message").WithRequestID(requestID)
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()

	tuning := s.Tuning()
	ex := &exchange{s: s, requestID: requestID, log: log, state: ChatReceived, entered: time.Now()}

	ex.to(ChatEmbeddingQuery)
	var vector []float32
	err := withRetry(ctx, s.opts.Retry, func(ctx context.Context) error {
		return callWithTimeout(ctx, s.opts.EmbedTimeout, func(ctx context.Context) error {
			var err error
			vector, err = s.embedder.Embed(ctx, query)
			return err
		})
	})
	if err != nil {
		return nil, ex.fail(ctx, err)
	}

	ex.to(ChatRetrieving)
	var results []knowledge.ScoredEntry
	err = withRetry(ctx, s.opts.Retry, func(ctx context.Context) error {
		return s.indexBreaker.Call(func() error {
			return callWithTimeout(ctx, s.opts.QueryTimeout, func(ctx context.Context) error {
				var err error
				results, err = s.store.Query(ctx, vector, tuning.TopK)
				return err
			})
		})
	})
	if err != nil {
		return nil, ex.fail(ctx, err)
	}
	results, err = s.matchModel(results, log)
	if err != nil {
		return nil, ex.fail(ctx, err)
	}
	results = applyMinScore(results, tuning.MinScore)
	log.Debug("retrieved chunks", zap.Int("count", len(results)))

	ex.to(ChatAssemblingContext)
	systemPrompt := s.assembler.Assemble(results)

	ex.to(ChatGenerating)
	var answer string
	err = s.generationBreaker.Call(func() error {
		return callWithTimeout(ctx, s.opts.GenerateTimeout, func(ctx context.Context) error {
			var err error
			answer, err = s.generator.Generate(ctx, systemPrompt, query)
			return err
		})
	})
	if err != nil {
		return nil, ex.fail(ctx, err)
	}

	ex.to(ChatComplete)
	s.metrics.RecordChat("complete")
	log.Info("chat answered", zap.Int("sources", len(results)))

	if results == nil {
		results = []knowledge.ScoredEntry{}
	}
	return &ChatExchange{RequestID: requestID, Query: query, Answer: answer, Sources: results}, nil
}

// matchModel 丢弃用其它向量模型写入的条目。未标注模型的旧条目保留，
// 检索结果全部来自其它模型时返回 EMBEDDING_MODEL_MISMATCH
func (s *RetrievalService) matchModel(results []knowledge.ScoredEntry, log *zap.Logger) ([]knowledge.ScoredEntry, error) {
	want := s.embedder.Model()
	kept := results[:0]
	var foreign string
	for _, r := range results {
		model, ok := r.Metadata[knowledge.MetaEmbeddingModel].(string)
		if ok && model != "" && model != want {
			foreign = model
			continue
		}
		kept = append(kept, r)
	}
	if foreign == "" {
		return results, nil
	}
	log.Warn("retrieved entries indexed with a different embedding model",
		zap.String("query_model", want),
		zap.String("index_model", foreign),
		zap.Int("dropped", len(results)-len(kept)))
	if len(kept) == 0 {
		return nil, apperrors.NewConfigurationError(apperrors.ErrCodeEmbeddingModelDiff,
			fmt.Sprintf("query embedder uses model %s but documents were indexed with %s", want, foreign))
	}
	return kept, nil
}

func applyMinScore(results []knowledge.ScoredEntry, minScore float64) []knowledge.ScoredEntry {
	if minScore <= 0 {
		return results
	}
	kept := results[:0]
	for _, r := range results {
		if r.Score >= minScore {
			kept = append(kept, r)
		}
	}
	return kept
}

// callWithTimeout 超时映射为 TIMEOUT
func callWithTimeout(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := fn(callCtx)
	if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && !apperrors.HasCode(err, apperrors.ErrCodeTimeout) {
		return apperrors.NewTransientError(apperrors.ErrCodeTimeout, "dependency call timed out").WithCause(err)
	}
	return err
}

type requestIDKey struct{}

// WithRequestID 把请求ID放入 ctx
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFrom 取出请求ID
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
