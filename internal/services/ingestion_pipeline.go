package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/aihub/docqa/internal/errors"
	"github.com/aihub/docqa/internal/knowledge"
	"github.com/aihub/docqa/internal/logger"
	"github.com/aihub/docqa/internal/queue"
)

// 导入阶段
const (
	StageLoad   = "load"
	StageChunk  = "chunk"
	StageEmbed  = "embed"
	StageUpsert = "upsert"
)

// IngestionPipelineOptions 导入流水线参数
type IngestionPipelineOptions struct {
	BatchSize        int
	EmbedParallelism int
	LoadTimeout      time.Duration
	EmbedTimeout     time.Duration
	UpsertTimeout    time.Duration
}

// IngestionResult 一次导入的结果
type IngestionResult struct {
	DocumentID string
	Chunks     int
}

// IngestionPipeline 加载、分块、向量化、写入索引
type IngestionPipeline struct {
	loader   knowledge.Loader
	chunker  *knowledge.Chunker
	embedder knowledge.Embedder
	store    knowledge.VectorStore
	metrics  *Metrics
	log      *zap.Logger
	opts     IngestionPipelineOptions
}

// NewIngestionPipeline 创建导入流水线，向量维度不一致时返回配置错误
func NewIngestionPipeline(
	loader knowledge.Loader,
	chunker *knowledge.Chunker,
	embedder knowledge.Embedder,
	store knowledge.VectorStore,
	metrics *Metrics,
	log *zap.Logger,
	opts IngestionPipelineOptions,
) (*IngestionPipeline, error) {
	if embedder.Dimensions() != store.Dimensions() {
		return nil, apperrors.NewConfigurationError(apperrors.ErrCodeEmbeddingModelDiff,
			fmt.Sprintf("embedder %s produces %d dimensions but the index expects %d",
				embedder.Model(), embedder.Dimensions(), store.Dimensions()))
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 64
	}
	if opts.EmbedParallelism <= 0 {
		opts.EmbedParallelism = 4
	}
	return &IngestionPipeline{
		loader:   loader,
		chunker:  chunker,
		embedder: embedder,
		store:    store,
		metrics:  metrics,
		log:      logger.OrNop(log),
		opts:     opts,
	}, nil
}

// stage 在独立超时下执行一个阶段，超时统一映射为 TIMEOUT
func (p *IngestionPipeline) stage(ctx context.Context, name string, timeout time.Duration, fn func(ctx context.Context) error) error {
	start := time.Now()
	stageCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	err := fn(stageCtx)
	p.metrics.ObserveIngestionStage(name, time.Since(start))
	if err != nil && errors.Is(stageCtx.Err(), context.DeadlineExceeded) && !apperrors.HasCode(err, apperrors.ErrCodeTimeout) {
		return apperrors.NewTransientError(apperrors.ErrCodeTimeout, name+" timed out").WithCause(err)
	}
	return err
}

// Process 处理一个任务。整篇文档作为一个单元写入，重试时整体重做
func (p *IngestionPipeline) Process(ctx context.Context, job queue.IngestionJob) (*IngestionResult, error) {
	log := p.log.With(zap.String("job_id", job.ID), zap.String("document_id", job.DocumentID))

	var text string
	err := p.stage(ctx, StageLoad, p.opts.LoadTimeout, func(ctx context.Context) error {
		var err error
		text, err = p.loader.Load(ctx, job.SourcePath, job.OriginalFilename)
		return err
	})
	if err != nil {
		return nil, err
	}

	start := time.Now()
	chunks := p.chunker.Chunk(job.DocumentID, text, map[string]interface{}{
		knowledge.MetaSource:     job.OriginalFilename,
		knowledge.MetaSourcePath: job.SourcePath,
		knowledge.MetaJobID:      job.ID,
	})
	p.metrics.ObserveIngestionStage(StageChunk, time.Since(start))
	if len(chunks) == 0 {
		return nil, apperrors.NewPermanentError(apperrors.ErrCodeEmptyDocument,
			fmt.Sprintf("no text extracted from %s", job.OriginalFilename))
	}
	log.Debug("document chunked", zap.Int("chunks", len(chunks)), zap.Int("chars", len([]rune(text))))

	entries, err := p.embed(ctx, chunks)
	if err != nil {
		return nil, err
	}

	err = p.stage(ctx, StageUpsert, p.opts.UpsertTimeout, func(ctx context.Context) error {
		return p.store.Upsert(ctx, entries)
	})
	if err != nil {
		return nil, err
	}

	p.metrics.RecordChunks(len(entries))
	return &IngestionResult{DocumentID: job.DocumentID, Chunks: len(entries)}, nil
}

// embed 分批并发向量化，结果按分块顺序返回
func (p *IngestionPipeline) embed(ctx context.Context, chunks []knowledge.DocumentChunk) ([]knowledge.IndexEntry, error) {
	entries := make([]knowledge.IndexEntry, len(chunks))
	model := p.embedder.Model()
	expected := p.store.Dimensions()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.EmbedParallelism)
	for start := 0; start < len(chunks); start += p.opts.BatchSize {
		end := min(start+p.opts.BatchSize, len(chunks))
		batch := chunks[start:end]
		offset := start
		g.Go(func() error {
			var vectors [][]float32
			err := p.stage(gctx, StageEmbed, p.opts.EmbedTimeout, func(ctx context.Context) error {
				texts := make([]string, len(batch))
				for i, c := range batch {
					texts[i] = c.Text
				}
				var err error
				vectors, err = p.embedder.EmbedBatch(ctx, texts)
				return err
			})
			if err != nil {
				return err
			}
			if len(vectors) != len(batch) {
				return apperrors.NewPermanentError(apperrors.ErrCodeEmbeddingFailed,
					fmt.Sprintf("embedder returned %d vectors for %d chunks", len(vectors), len(batch)))
			}
			for i, vec := range vectors {
				if len(vec) != expected {
					return apperrors.DimensionMismatch(expected, len(vec))
				}
				entries[offset+i] = knowledge.NewIndexEntry(batch[i], vec, model)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return entries, nil
}
