package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	apperrors "github.com/aihub/docqa/internal/errors"
	"github.com/aihub/docqa/internal/logger"
)

type Config struct {
	Server      ServerConfig
	Log         LogConfig
	Redis       RedisConfig
	Kafka       KafkaConfig
	Queue       QueueConfig
	Storage     StorageConfig
	Chunking    ChunkingConfig
	Embedding   EmbeddingConfig
	Generation  GenerationConfig
	VectorStore VectorStoreConfig
	Worker      WorkerConfig
	Retrieval   RetrievalConfig
	Status      StatusConfig
}

type ServerConfig struct {
	Port         string
	Env          string
	MaxUploadMB  int64
	AllowedTypes []string
	CORSOrigins  []string
}

type LogConfig struct {
	Level string
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// Addr Redis连接地址
func (c RedisConfig) Addr() string {
	return net.JoinHostPort(c.Host, c.Port)
}

type KafkaConfig struct {
	Brokers         []string
	Topic           string
	GroupID         string
	DeadLetterTopic string
}

type QueueConfig struct {
	Provider          string // memory, redis, kafka
	Name              string
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
}

type StorageConfig struct {
	Provider  string // local, minio
	BasePath  string
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type ChunkingConfig struct {
	ChunkSize    int
	ChunkOverlap int
}

type EmbeddingConfig struct {
	Provider       string // openai, hashing
	BaseURL        string
	APIKey         string
	Model          string
	Dimensions     int
	BatchSize      int
	MaxConcurrency int
	Timeout        time.Duration
}

type GenerationConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float32
	MaxTokens   int
	Timeout     time.Duration
}

type VectorStoreConfig struct {
	Provider         string // memory, bolt, qdrant, milvus, elasticsearch
	Collection       string
	Metric           string // cosine, dot
	CreateCollection bool
	Qdrant           QdrantConfig
	Milvus           MilvusConfig
	Elasticsearch    ElasticsearchConfig
	Bolt             BoltConfig
}

type QdrantConfig struct {
	URL    string
	APIKey string
}

type MilvusConfig struct {
	Address  string
	Username string
	Password string
	Database string
	TLS      bool
}

type ElasticsearchConfig struct {
	Addresses []string
	Username  string
	Password  string
	APIKey    string
}

type BoltConfig struct {
	Path string
}

type WorkerConfig struct {
	Embedded bool
	// MetricsPort 独立 worker 进程暴露 /metrics 的端口
	MetricsPort      string
	Concurrency      int
	MaxAttempts      int
	RetryBackoff     time.Duration
	MaxRetryBackoff  time.Duration
	JobTimeout       time.Duration
	LoadTimeout      time.Duration
	EmbedTimeout     time.Duration
	UpsertTimeout    time.Duration
	EmbedParallelism int
}

type RetrievalConfig struct {
	TopK            int
	MinScore        float64
	RequestTimeout  time.Duration
	EmbedTimeout    time.Duration
	QueryTimeout    time.Duration
	GenerateTimeout time.Duration
	SystemPrompt    string
}

type StatusConfig struct {
	Provider string // memory, redis
	TTL      time.Duration
}

// Loader 基于独立viper实例的配置加载器
type Loader struct {
	v    *viper.Viper
	path string
}

// NewLoader 创建配置加载器，path为空时在当前目录和 ./config 下查找 config.yaml
func NewLoader(path string) *Loader {
	return &Loader{v: viper.New(), path: path}
}

// Load 读取默认值、配置文件和环境变量并校验
func (l *Loader) Load() (*Config, error) {
	v := l.v
	setDefaults(v)

	if l.path != "" {
		v.SetConfigFile(l.path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if l.path != "" || !errors.As(err, &notFound) {
			return nil, apperrors.NewConfigurationError(apperrors.ErrCodeConfiguration, "failed to read config file").WithCause(err)
		}
	}

	// 读取环境变量
	v.SetEnvPrefix("DOCQA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	applyEnvOverrides(v)

	cfg := build(v)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Watch 监听配置文件变化，新配置通过校验后回调
func (l *Loader) Watch(onChange func(*Config)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		logger.Info("配置文件已变更", zap.String("file", e.Name), zap.String("op", e.Op.String()))
		cfg := build(l.v)
		if err := cfg.Validate(); err != nil {
			logger.Warn("新配置校验失败，保持原配置", zap.Error(err))
			return
		}
		onChange(cfg)
	})
	l.v.WatchConfig()
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.max_upload_mb", 15)
	v.SetDefault("server.allowed_types", []string{".pdf", ".txt", ".md", ".docx", ".xlsx"})
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("log.level", "info")

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", "6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "file-upload-queue")
	v.SetDefault("kafka.group_id", "docqa-ingestion-workers")
	v.SetDefault("kafka.dead_letter_topic", "")

	v.SetDefault("queue.provider", "redis")
	v.SetDefault("queue.name", "file-upload-queue")
	v.SetDefault("queue.visibility_timeout", "15m")
	v.SetDefault("queue.poll_interval", "500ms")

	v.SetDefault("storage.provider", "local")
	v.SetDefault("storage.base_path", "./uploads")
	v.SetDefault("storage.bucket", "docqa-uploads")
	v.SetDefault("storage.use_ssl", false)

	// 分块配置默认值
	v.SetDefault("chunking.chunk_size", 1000)
	v.SetDefault("chunking.chunk_overlap", 200)

	v.SetDefault("embedding.provider", "openai")
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.dimensions", 1536)
	v.SetDefault("embedding.batch_size", 64)
	v.SetDefault("embedding.max_concurrency", 16)
	v.SetDefault("embedding.timeout", "60s")

	v.SetDefault("generation.model", "gpt-4.1")
	v.SetDefault("generation.temperature", 0.2)
	v.SetDefault("generation.max_tokens", 1024)
	v.SetDefault("generation.timeout", "90s")

	// metric 不设默认值，必须显式配置
	v.SetDefault("vector_store.provider", "qdrant")
	v.SetDefault("vector_store.collection", "langchainjs-testing")
	v.SetDefault("vector_store.create_collection", true)
	v.SetDefault("vector_store.qdrant.url", "http://localhost:6333")
	v.SetDefault("vector_store.milvus.address", "localhost:19530")
	v.SetDefault("vector_store.milvus.database", "default")
	v.SetDefault("vector_store.elasticsearch.addresses", []string{"http://localhost:9200"})
	v.SetDefault("vector_store.bolt.path", "./data/vectors.db")

	// 工作池配置默认值
	v.SetDefault("worker.embedded", false)
	v.SetDefault("worker.metrics_port", "9100")
	v.SetDefault("worker.concurrency", 100)
	v.SetDefault("worker.max_attempts", 3)
	v.SetDefault("worker.retry_backoff", "2s")
	v.SetDefault("worker.max_retry_backoff", "1m")
	v.SetDefault("worker.job_timeout", "10m")
	v.SetDefault("worker.load_timeout", "2m")
	v.SetDefault("worker.embed_timeout", "2m")
	v.SetDefault("worker.upsert_timeout", "1m")
	v.SetDefault("worker.embed_parallelism", 4)

	v.SetDefault("retrieval.top_k", 3)
	v.SetDefault("retrieval.min_score", 0.0)
	v.SetDefault("retrieval.request_timeout", "2m")
	v.SetDefault("retrieval.embed_timeout", "20s")
	v.SetDefault("retrieval.query_timeout", "10s")
	v.SetDefault("retrieval.generate_timeout", "90s")
	v.SetDefault("retrieval.system_prompt", "")

	v.SetDefault("status.provider", "redis")
	v.SetDefault("status.ttl", "168h")
}

// applyEnvOverrides 兼容常用的非前缀环境变量
func applyEnvOverrides(v *viper.Viper) {
	if port := os.Getenv("PORT"); port != "" {
		v.Set("server.port", port)
	}
	if env := os.Getenv("ENV"); env != "" {
		v.Set("server.env", env)
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		v.Set("log.level", level)
	}
	if redisHost := os.Getenv("REDIS_HOST"); redisHost != "" {
		v.Set("redis.host", redisHost)
	}
	if redisPort := os.Getenv("REDIS_PORT"); redisPort != "" {
		v.Set("redis.port", redisPort)
	}
	if redisPassword := os.Getenv("REDIS_PASSWORD"); redisPassword != "" {
		v.Set("redis.password", redisPassword)
	}
	if kafkaBrokers := os.Getenv("KAFKA_BROKERS"); kafkaBrokers != "" {
		v.Set("kafka.brokers", splitList(kafkaBrokers))
	}
	if openaiKey := os.Getenv("OPENAI_API_KEY"); openaiKey != "" {
		if v.GetString("embedding.api_key") == "" {
			v.Set("embedding.api_key", openaiKey)
		}
		if v.GetString("generation.api_key") == "" {
			v.Set("generation.api_key", openaiKey)
		}
	}
	if qdrantURL := os.Getenv("QDRANT_URL"); qdrantURL != "" {
		v.Set("vector_store.qdrant.url", qdrantURL)
	}
	if qdrantKey := os.Getenv("QDRANT_API_KEY"); qdrantKey != "" {
		v.Set("vector_store.qdrant.api_key", qdrantKey)
	}
	if milvusAddress := os.Getenv("MILVUS_ADDRESS"); milvusAddress != "" {
		v.Set("vector_store.milvus.address", milvusAddress)
	}
	if esAddresses := os.Getenv("ELASTICSEARCH_ADDRESSES"); esAddresses != "" {
		v.Set("vector_store.elasticsearch.addresses", splitList(esAddresses))
	}
	// MinIO配置从环境变量读取
	if minioEndpoint := os.Getenv("MINIO_ENDPOINT"); minioEndpoint != "" {
		v.Set("storage.endpoint", minioEndpoint)
		v.Set("storage.provider", "minio")
	}
	if minioAccessKey := os.Getenv("MINIO_ACCESS_KEY"); minioAccessKey != "" {
		v.Set("storage.access_key", minioAccessKey)
	}
	if minioSecretKey := os.Getenv("MINIO_SECRET_KEY"); minioSecretKey != "" {
		v.Set("storage.secret_key", minioSecretKey)
	}
	if minioBucket := os.Getenv("MINIO_BUCKET"); minioBucket != "" {
		v.Set("storage.bucket", minioBucket)
	}
}

// splitList 支持逗号分隔的列表
func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func build(v *viper.Viper) *Config {
	return &Config{
		Server: ServerConfig{
			Port:         v.GetString("server.port"),
			Env:          v.GetString("server.env"),
			MaxUploadMB:  v.GetInt64("server.max_upload_mb"),
			AllowedTypes: v.GetStringSlice("server.allowed_types"),
			CORSOrigins:  v.GetStringSlice("server.cors_origins"),
		},
		Log: LogConfig{Level: v.GetString("log.level")},
		Redis: RedisConfig{
			Host:     v.GetString("redis.host"),
			Port:     v.GetString("redis.port"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Kafka: KafkaConfig{
			Brokers:         v.GetStringSlice("kafka.brokers"),
			Topic:           v.GetString("kafka.topic"),
			GroupID:         v.GetString("kafka.group_id"),
			DeadLetterTopic: v.GetString("kafka.dead_letter_topic"),
		},
		Queue: QueueConfig{
			Provider:          strings.ToLower(v.GetString("queue.provider")),
			Name:              v.GetString("queue.name"),
			VisibilityTimeout: v.GetDuration("queue.visibility_timeout"),
			PollInterval:      v.GetDuration("queue.poll_interval"),
		},
		Storage: StorageConfig{
			Provider:  strings.ToLower(v.GetString("storage.provider")),
			BasePath:  v.GetString("storage.base_path"),
			Endpoint:  v.GetString("storage.endpoint"),
			AccessKey: v.GetString("storage.access_key"),
			SecretKey: v.GetString("storage.secret_key"),
			Bucket:    v.GetString("storage.bucket"),
			UseSSL:    v.GetBool("storage.use_ssl"),
		},
		Chunking: ChunkingConfig{
			ChunkSize:    v.GetInt("chunking.chunk_size"),
			ChunkOverlap: v.GetInt("chunking.chunk_overlap"),
		},
		Embedding: EmbeddingConfig{
			Provider:       strings.ToLower(v.GetString("embedding.provider")),
			BaseURL:        v.GetString("embedding.base_url"),
			APIKey:         v.GetString("embedding.api_key"),
			Model:          v.GetString("embedding.model"),
			Dimensions:     v.GetInt("embedding.dimensions"),
			BatchSize:      v.GetInt("embedding.batch_size"),
			MaxConcurrency: v.GetInt("embedding.max_concurrency"),
			Timeout:        v.GetDuration("embedding.timeout"),
		},
		Generation: GenerationConfig{
			BaseURL:     v.GetString("generation.base_url"),
			APIKey:      v.GetString("generation.api_key"),
			Model:       v.GetString("generation.model"),
			Temperature: float32(v.GetFloat64("generation.temperature")),
			MaxTokens:   v.GetInt("generation.max_tokens"),
			Timeout:     v.GetDuration("generation.timeout"),
		},
		VectorStore: VectorStoreConfig{
			Provider:         strings.ToLower(v.GetString("vector_store.provider")),
			Collection:       v.GetString("vector_store.collection"),
			Metric:           strings.ToLower(v.GetString("vector_store.metric")),
			CreateCollection: v.GetBool("vector_store.create_collection"),
			Qdrant: QdrantConfig{
				URL:    v.GetString("vector_store.qdrant.url"),
				APIKey: v.GetString("vector_store.qdrant.api_key"),
			},
			Milvus: MilvusConfig{
				Address:  v.GetString("vector_store.milvus.address"),
				Username: v.GetString("vector_store.milvus.username"),
				Password: v.GetString("vector_store.milvus.password"),
				Database: v.GetString("vector_store.milvus.database"),
				TLS:      v.GetBool("vector_store.milvus.tls"),
			},
			Elasticsearch: ElasticsearchConfig{
				Addresses: v.GetStringSlice("vector_store.elasticsearch.addresses"),
				Username:  v.GetString("vector_store.elasticsearch.username"),
				Password:  v.GetString("vector_store.elasticsearch.password"),
				APIKey:    v.GetString("vector_store.elasticsearch.api_key"),
			},
			Bolt: BoltConfig{Path: v.GetString("vector_store.bolt.path")},
		},
		Worker: WorkerConfig{
			Embedded:         v.GetBool("worker.embedded"),
			MetricsPort:      v.GetString("worker.metrics_port"),
			Concurrency:      v.GetInt("worker.concurrency"),
			MaxAttempts:      v.GetInt("worker.max_attempts"),
			RetryBackoff:     v.GetDuration("worker.retry_backoff"),
			MaxRetryBackoff:  v.GetDuration("worker.max_retry_backoff"),
			JobTimeout:       v.GetDuration("worker.job_timeout"),
			LoadTimeout:      v.GetDuration("worker.load_timeout"),
			EmbedTimeout:     v.GetDuration("worker.embed_timeout"),
			UpsertTimeout:    v.GetDuration("worker.upsert_timeout"),
			EmbedParallelism: v.GetInt("worker.embed_parallelism"),
		},
		Retrieval: RetrievalConfig{
			TopK:            v.GetInt("retrieval.top_k"),
			MinScore:        v.GetFloat64("retrieval.min_score"),
			RequestTimeout:  v.GetDuration("retrieval.request_timeout"),
			EmbedTimeout:    v.GetDuration("retrieval.embed_timeout"),
			QueryTimeout:    v.GetDuration("retrieval.query_timeout"),
			GenerateTimeout: v.GetDuration("retrieval.generate_timeout"),
			SystemPrompt:    v.GetString("retrieval.system_prompt"),
		},
		Status: StatusConfig{
			Provider: strings.ToLower(v.GetString("status.provider")),
			TTL:      v.GetDuration("status.ttl"),
		},
	}
}

// Validate 校验配置，所有问题合并为一个配置错误返回
func (c *Config) Validate() error {
	var problems []string
	addf := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Chunking.ChunkSize <= 0 {
		addf("chunking.chunk_size must be positive, got %d", c.Chunking.ChunkSize)
	}
	if c.Chunking.ChunkOverlap < 0 {
		addf("chunking.chunk_overlap must not be negative, got %d", c.Chunking.ChunkOverlap)
	}
	if c.Chunking.ChunkSize > 0 && c.Chunking.ChunkOverlap >= c.Chunking.ChunkSize {
		addf("chunking.chunk_overlap (%d) must be smaller than chunking.chunk_size (%d)", c.Chunking.ChunkOverlap, c.Chunking.ChunkSize)
	}

	switch c.Embedding.Provider {
	case "openai", "hashing":
	default:
		addf("embedding.provider %q is not supported", c.Embedding.Provider)
	}
	if c.Embedding.Model == "" {
		addf("embedding.model is required")
	}
	if c.Embedding.Dimensions <= 0 {
		addf("embedding.dimensions must be positive, got %d", c.Embedding.Dimensions)
	}
	if c.Generation.Model == "" {
		addf("generation.model is required")
	}

	switch c.VectorStore.Provider {
	case "memory", "bolt", "qdrant", "milvus", "elasticsearch":
	default:
		addf("vector_store.provider %q is not supported", c.VectorStore.Provider)
	}
	switch c.VectorStore.Metric {
	case "cosine", "dot":
	case "":
		addf("vector_store.metric must be set explicitly (cosine or dot)")
	default:
		addf("vector_store.metric %q is not supported (cosine or dot)", c.VectorStore.Metric)
	}
	if c.VectorStore.Collection == "" {
		addf("vector_store.collection is required")
	}

	switch c.Queue.Provider {
	case "memory", "redis", "kafka":
	default:
		addf("queue.provider %q is not supported", c.Queue.Provider)
	}
	if c.Queue.Name == "" {
		addf("queue.name is required")
	}
	if c.Queue.Provider == "redis" && c.Queue.VisibilityTimeout <= c.Worker.JobTimeout {
		addf("queue.visibility_timeout (%s) must exceed worker.job_timeout (%s)", c.Queue.VisibilityTimeout, c.Worker.JobTimeout)
	}
	if c.Queue.Provider == "kafka" && len(c.Kafka.Brokers) == 0 {
		addf("kafka.brokers is required for the kafka queue")
	}
	if c.Queue.Provider == "memory" && !c.Worker.Embedded {
		addf("queue.provider memory requires worker.embedded=true")
	}

	switch c.Storage.Provider {
	case "local":
		if c.Storage.BasePath == "" {
			addf("storage.base_path is required for local storage")
		}
	case "minio":
		if c.Storage.Endpoint == "" || c.Storage.Bucket == "" {
			addf("storage.endpoint and storage.bucket are required for minio storage")
		}
	default:
		addf("storage.provider %q is not supported", c.Storage.Provider)
	}

	switch c.Status.Provider {
	case "memory", "redis":
	default:
		addf("status.provider %q is not supported", c.Status.Provider)
	}

	if c.Worker.Concurrency <= 0 {
		addf("worker.concurrency must be positive, got %d", c.Worker.Concurrency)
	}
	if c.Worker.MaxAttempts < 1 {
		addf("worker.max_attempts must be at least 1, got %d", c.Worker.MaxAttempts)
	}
	if c.Worker.JobTimeout <= 0 {
		addf("worker.job_timeout must be positive")
	}
	if !c.Worker.Embedded && c.Worker.MetricsPort == c.Server.Port {
		addf("worker.metrics_port (%s) must differ from server.port", c.Worker.MetricsPort)
	}

	if c.Retrieval.TopK <= 0 {
		addf("retrieval.top_k must be positive, got %d", c.Retrieval.TopK)
	}
	if c.Retrieval.MinScore < 0 {
		addf("retrieval.min_score must not be negative")
	}
	if c.Retrieval.RequestTimeout <= 0 {
		addf("retrieval.request_timeout must be positive")
	}

	if len(problems) == 0 {
		return nil
	}
	return apperrors.NewConfigurationError(apperrors.ErrCodeConfiguration,
		"invalid configuration: "+strings.Join(problems, "; ")).WithDetails(problems)
}
