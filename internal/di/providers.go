package di

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/dig"
	"go.uber.org/zap"

	"github.com/aihub/docqa/internal/config"
	apperrors "github.com/aihub/docqa/internal/errors"
	"github.com/aihub/docqa/internal/knowledge"
	"github.com/aihub/docqa/internal/queue"
	"github.com/aihub/docqa/internal/services"
	"github.com/aihub/docqa/internal/storage"
)

// startupTimeout 启动阶段连接外部依赖的超时
const startupTimeout = 30 * time.Second

// MetricsHandler /metrics 输出
type MetricsHandler http.Handler

// RegisterProviders 注册所有依赖提供者
func RegisterProviders(container *dig.Container, cfg *config.Config, log *zap.Logger, cleanup *Cleanup) error {
	if log == nil {
		log = zap.NewNop()
	}
	p := &providers{cfg: cfg, log: log, cleanup: cleanup}

	constructors := []interface{}{
		func() *config.Config { return cfg },
		func() *zap.Logger { return log },
		p.registry,
		p.metricsHandler,
		services.NewMetrics,
		p.redisClient,
		p.fileStore,
		p.queue,
		p.statusStore,
		p.embedder,
		p.generator,
		p.vectorStore,
		p.chunker,
		p.loader,
		p.pipeline,
		p.workerPool,
		p.intake,
		p.retrieval,
		p.health,
	}
	for _, constructor := range constructors {
		if err := container.Provide(constructor); err != nil {
			return err
		}
	}
	return nil
}

type providers struct {
	cfg     *config.Config
	log     *zap.Logger
	cleanup *Cleanup
}

// registry 进程级注册表，附带 Go 运行时指标
func (p *providers) registry() (*prometheus.Registry, prometheus.Registerer) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg, reg
}

func (p *providers) metricsHandler(reg *prometheus.Registry) MetricsHandler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// redisClient 创建客户端不会建立连接，只有被使用时才会拨号
func (p *providers) redisClient() redis.UniversalClient {
	client := redis.NewClient(&redis.Options{
		Addr:     p.cfg.Redis.Addr(),
		Password: p.cfg.Redis.Password,
		DB:       p.cfg.Redis.DB,
	})
	p.cleanup.Add(client.Close)
	return client
}

func (p *providers) fileStore() (storage.FileStore, error) {
	sc := p.cfg.Storage
	switch sc.Provider {
	case "", "local":
		return storage.NewLocalStore(sc.BasePath)
	case "minio":
		ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
		defer cancel()
		return storage.NewMinIOStore(ctx, storage.MinIOOptions{
			Endpoint:  sc.Endpoint,
			AccessKey: sc.AccessKey,
			SecretKey: sc.SecretKey,
			Bucket:    sc.Bucket,
			UseSSL:    sc.UseSSL,
			Logger:    p.log,
		})
	default:
		return nil, unknownProvider("storage.provider", sc.Provider)
	}
}

func (p *providers) queue(client redis.UniversalClient) (queue.Queue, error) {
	qc := p.cfg.Queue
	var (
		q   queue.Queue
		err error
	)
	switch qc.Provider {
	case "", "memory":
		q = queue.NewMemoryQueue()
	case "redis":
		q, err = queue.NewRedisQueue(client, queue.RedisOptions{
			Name:              qc.Name,
			VisibilityTimeout: qc.VisibilityTimeout,
			PollInterval:      qc.PollInterval,
			Logger:            p.log,
		})
	case "kafka":
		kc := p.cfg.Kafka
		q, err = queue.NewKafkaQueue(queue.KafkaOptions{
			Brokers:         kc.Brokers,
			Topic:           kc.Topic,
			GroupID:         kc.GroupID,
			DeadLetterTopic: kc.DeadLetterTopic,
			Logger:          p.log,
		})
	default:
		return nil, unknownProvider("queue.provider", qc.Provider)
	}
	if err != nil {
		return nil, err
	}
	p.cleanup.Add(q.Close)
	return q, nil
}

func (p *providers) statusStore(client redis.UniversalClient) (services.JobStatusStore, error) {
	switch p.cfg.Status.Provider {
	case "", "memory":
		return services.NewMemoryStatusStore(), nil
	case "redis":
		return services.NewRedisStatusStore(client, p.cfg.Status.TTL), nil
	default:
		return nil, unknownProvider("status.provider", p.cfg.Status.Provider)
	}
}

func (p *providers) embedder() (knowledge.Embedder, error) {
	ec := p.cfg.Embedding
	switch ec.Provider {
	case "openai":
		return knowledge.NewOpenAIEmbedder(knowledge.OpenAIEmbedderOptions{
			APIKey:         ec.APIKey,
			BaseURL:        ec.BaseURL,
			Model:          ec.Model,
			Dimensions:     ec.Dimensions,
			MaxConcurrency: ec.MaxConcurrency,
			Timeout:        ec.Timeout,
		})
	case "hashing":
		return knowledge.NewHashingEmbedder(ec.Dimensions), nil
	default:
		return nil, unknownProvider("embedding.provider", ec.Provider)
	}
}

func (p *providers) generator() (knowledge.Generator, error) {
	gc := p.cfg.Generation
	return knowledge.NewOpenAIGenerator(knowledge.OpenAIGeneratorOptions{
		APIKey:      gc.APIKey,
		BaseURL:     gc.BaseURL,
		Model:       gc.Model,
		Temperature: gc.Temperature,
		MaxTokens:   gc.MaxTokens,
		Timeout:     gc.Timeout,
	})
}

// vectorStore 按配置创建索引，并在启动时校验集合
func (p *providers) vectorStore() (knowledge.VectorStore, error) {
	vc := p.cfg.VectorStore
	metric, err := knowledge.ParseMetric(vc.Metric)
	if err != nil {
		return nil, err
	}
	dims := p.cfg.Embedding.Dimensions

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	var store knowledge.VectorStore
	switch vc.Provider {
	case "", "memory":
		store, err = knowledge.NewMemoryVectorStore(dims, metric)
	case "bolt":
		store, err = knowledge.NewBoltVectorStore(knowledge.BoltOptions{
			Path:             vc.Bolt.Path,
			Collection:       vc.Collection,
			VectorSize:       dims,
			Metric:           metric,
			CreateCollection: vc.CreateCollection,
		})
	case "qdrant":
		store, err = knowledge.NewQdrantVectorStore(knowledge.QdrantOptions{
			Endpoint:         vc.Qdrant.URL,
			APIKey:           vc.Qdrant.APIKey,
			Collection:       vc.Collection,
			VectorSize:       dims,
			Metric:           metric,
			CreateCollection: vc.CreateCollection,
		})
	case "milvus":
		store, err = knowledge.NewMilvusVectorStore(ctx, knowledge.MilvusOptions{
			Address:          vc.Milvus.Address,
			Username:         vc.Milvus.Username,
			Password:         vc.Milvus.Password,
			Database:         vc.Milvus.Database,
			UseTLS:           vc.Milvus.TLS,
			Collection:       vc.Collection,
			VectorSize:       dims,
			Metric:           metric,
			CreateCollection: vc.CreateCollection,
			Logger:           p.log,
		})
	case "elasticsearch":
		store, err = knowledge.NewElasticsearchVectorStore(knowledge.ElasticsearchOptions{
			Addresses:        vc.Elasticsearch.Addresses,
			Username:         vc.Elasticsearch.Username,
			Password:         vc.Elasticsearch.Password,
			APIKey:           vc.Elasticsearch.APIKey,
			Index:            vc.Collection,
			VectorSize:       dims,
			Metric:           metric,
			CreateCollection: vc.CreateCollection,
		})
	default:
		return nil, unknownProvider("vector_store.provider", vc.Provider)
	}
	if err != nil {
		return nil, err
	}
	p.cleanup.Add(store.Close)

	if err := store.Ensure(ctx); err != nil {
		return nil, err
	}
	p.log.Info("Vector index ready",
		zap.String("provider", vc.Provider),
		zap.String("collection", vc.Collection),
		zap.Int("dimensions", dims),
		zap.String("metric", string(metric)))
	return store, nil
}

func (p *providers) chunker() (*knowledge.Chunker, error) {
	return knowledge.NewChunker(p.cfg.Chunking.ChunkSize, p.cfg.Chunking.ChunkOverlap)
}

func (p *providers) loader(files storage.FileStore) knowledge.Loader {
	return knowledge.NewDocumentLoader(files, knowledge.NewFileParserManager(), p.log)
}

func (p *providers) pipeline(
	loader knowledge.Loader,
	chunker *knowledge.Chunker,
	embedder knowledge.Embedder,
	store knowledge.VectorStore,
	metrics *services.Metrics,
) (*services.IngestionPipeline, error) {
	wc := p.cfg.Worker
	return services.NewIngestionPipeline(loader, chunker, embedder, store, metrics, p.log, services.IngestionPipelineOptions{
		BatchSize:        p.cfg.Embedding.BatchSize,
		EmbedParallelism: wc.EmbedParallelism,
		LoadTimeout:      wc.LoadTimeout,
		EmbedTimeout:     wc.EmbedTimeout,
		UpsertTimeout:    wc.UpsertTimeout,
	})
}

func (p *providers) workerPool(
	q queue.Queue,
	pipeline *services.IngestionPipeline,
	statuses services.JobStatusStore,
	metrics *services.Metrics,
) *services.WorkerPool {
	wc := p.cfg.Worker
	return services.NewWorkerPool(q, pipeline, statuses, metrics, p.log, services.WorkerPoolOptions{
		Concurrency:     wc.Concurrency,
		MaxAttempts:     wc.MaxAttempts,
		RetryBackoff:    wc.RetryBackoff,
		MaxRetryBackoff: wc.MaxRetryBackoff,
		JobTimeout:      wc.JobTimeout,
	})
}

func (p *providers) intake(files storage.FileStore, q queue.Queue, statuses services.JobStatusStore) *services.IntakeService {
	return services.NewIntakeService(files, q, statuses, p.log, services.IntakeOptions{
		MaxBytes:     p.cfg.Server.MaxUploadMB << 20,
		AllowedTypes: p.cfg.Server.AllowedTypes,
	})
}

func (p *providers) retrieval(
	embedder knowledge.Embedder,
	store knowledge.VectorStore,
	generator knowledge.Generator,
	metrics *services.Metrics,
) (*services.RetrievalService, error) {
	rc := p.cfg.Retrieval
	opts := services.RetrievalOptions{
		Tuning:          services.RetrievalTuning{TopK: rc.TopK, MinScore: rc.MinScore},
		RequestTimeout:  rc.RequestTimeout,
		EmbedTimeout:    rc.EmbedTimeout,
		QueryTimeout:    rc.QueryTimeout,
		GenerateTimeout: rc.GenerateTimeout,
	}
	return services.NewRetrievalService(embedder, store, generator,
		services.NewContextAssembler(rc.SystemPrompt), metrics, p.log, opts)
}

func (p *providers) health(
	files storage.FileStore,
	store knowledge.VectorStore,
	embedder knowledge.Embedder,
	q queue.Queue,
	client redis.UniversalClient,
) *services.HealthChecker {
	checker := services.NewHealthChecker(3 * time.Second)
	checker.Register("vector_index", store.Ping)
	checker.Register("storage", files.Ready)
	checker.Register("queue", func(ctx context.Context) error {
		_, err := q.Stats(ctx)
		return err
	})
	checker.Register("embedder", services.ReadyCheck("embedder", embedder.Ready))
	if p.cfg.Queue.Provider == "redis" || p.cfg.Status.Provider == "redis" {
		checker.Register("redis", func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})
	}
	return checker
}

func unknownProvider(key, value string) error {
	return apperrors.NewConfigurationError(apperrors.ErrCodeConfiguration,
		fmt.Sprintf("unknown %s %q", key, value))
}
