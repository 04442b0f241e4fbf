package knowledge

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/aihub/docqa/internal/errors"
)

func sampleEntries() []IndexEntry {
	return []IndexEntry{
		{ID: EntryID("doc", 0), Vector: []float32{1, 0, 0}, Text: "x axis", Metadata: map[string]interface{}{MetaDocumentID: "doc", MetaChunkIndex: 0}},
		{ID: EntryID("doc", 1), Vector: []float32{0, 1, 0}, Text: "y axis", Metadata: map[string]interface{}{MetaDocumentID: "doc", MetaChunkIndex: 1}},
		{ID: EntryID("doc", 2), Vector: []float32{0.9, 0.1, 0}, Text: "mostly x", Metadata: map[string]interface{}{MetaDocumentID: "doc", MetaChunkIndex: 2}},
	}
}

func TestEntryID_Deterministic(t *testing.T) {
	assert.Equal(t, EntryID("doc", 3), EntryID("doc", 3))
	assert.NotEqual(t, EntryID("doc", 3), EntryID("doc", 4))
	assert.NotEqual(t, EntryID("doc-a", 3), EntryID("doc-b", 3))
}

func TestParseMetric(t *testing.T) {
	m, err := ParseMetric("Cosine")
	require.NoError(t, err)
	assert.Equal(t, MetricCosine, m)

	m, err = ParseMetric("dot")
	require.NoError(t, err)
	assert.Equal(t, MetricDot, m)

	_, err = ParseMetric("")
	assert.Equal(t, apperrors.ErrorTypeConfiguration, apperrors.TypeOf(err))
}

func TestNewIndexEntry_TracesBackToChunk(t *testing.T) {
	chunk := DocumentChunk{DocumentID: "doc", ChunkIndex: 4, Text: "hello", CharStart: 10, CharEnd: 15,
		SourceMetadata: map[string]interface{}{MetaSource: "a.pdf"}}
	entry := NewIndexEntry(chunk, []float32{1, 2}, "model-x")

	assert.Equal(t, EntryID("doc", 4), entry.ID)
	assert.Equal(t, "hello", entry.Text)
	assert.Equal(t, "doc", entry.Metadata[MetaDocumentID])
	assert.Equal(t, 4, entry.Metadata[MetaChunkIndex])
	assert.Equal(t, "a.pdf", entry.Metadata[MetaSource])
	assert.Equal(t, "model-x", entry.Metadata[MetaEmbeddingModel])
	// 不修改分块自身的元数据
	assert.NotContains(t, chunk.SourceMetadata, MetaDocumentID)
}

func TestMemoryVectorStore_QueryOrderAndFewerThanK(t *testing.T) {
	store, err := NewMemoryVectorStore(3, MetricCosine)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, sampleEntries()[:1]))
	results, err := store.Query(ctx, []float32{1, 0, 0}, 3)
	require.NoError(t, err)
	assert.Len(t, results, 1)

	require.NoError(t, store.Upsert(ctx, sampleEntries()))
	results, err = store.Query(ctx, []float32{1, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "x axis", results[0].Text)
	assert.Equal(t, "mostly x", results[1].Text)
	assert.GreaterOrEqual(t, results[0].Score, results[1].Score)
}

func TestMemoryVectorStore_UpsertOverwrites(t *testing.T) {
	store, err := NewMemoryVectorStore(3, MetricDot)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, sampleEntries()))
	require.NoError(t, store.Upsert(ctx, sampleEntries()))
	assert.Equal(t, 3, store.(*memoryVectorStore).Len())
}

func TestMemoryVectorStore_DimensionMismatch(t *testing.T) {
	store, err := NewMemoryVectorStore(4, MetricCosine)
	require.NoError(t, err)

	err = store.Upsert(context.Background(), sampleEntries())
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeDimensionMismatch))
	assert.Equal(t, 0, store.(*memoryVectorStore).Len())

	_, err = store.Query(context.Background(), []float32{1}, 1)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeDimensionMismatch))
}

func TestBoltVectorStore_PersistsAndQueries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vectors.db")
	ctx := context.Background()

	store, err := NewBoltVectorStore(BoltOptions{Path: path, Collection: "docs", VectorSize: 3, Metric: MetricCosine, CreateCollection: true})
	require.NoError(t, err)
	require.NoError(t, store.Ensure(ctx))
	require.NoError(t, store.Upsert(ctx, sampleEntries()))
	require.NoError(t, store.Upsert(ctx, sampleEntries()))
	require.NoError(t, store.Close())

	reopened, err := NewBoltVectorStore(BoltOptions{Path: path, Collection: "docs", VectorSize: 3, Metric: MetricCosine})
	require.NoError(t, err)
	defer reopened.Close()
	require.NoError(t, reopened.Ensure(ctx))

	results, err := reopened.Query(ctx, []float32{0, 1, 0}, 10)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "y axis", results[0].Text)
	assert.Equal(t, "doc", results[0].Metadata[MetaDocumentID])
}

func TestBoltVectorStore_EnsureRejectsMismatchAndMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vectors.db")
	ctx := context.Background()

	missing, err := NewBoltVectorStore(BoltOptions{Path: path, Collection: "docs", VectorSize: 3, Metric: MetricCosine})
	require.NoError(t, err)
	err = missing.Ensure(ctx)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeMissingCollection))

	require.NoError(t, func() error {
		// 同一个文件只能被一个句柄打开
		if err := missing.Close(); err != nil {
			return err
		}
		created, err := NewBoltVectorStore(BoltOptions{Path: path, Collection: "docs", VectorSize: 3, Metric: MetricCosine, CreateCollection: true})
		if err != nil {
			return err
		}
		defer created.Close()
		return created.Ensure(ctx)
	}())

	wrongDim, err := NewBoltVectorStore(BoltOptions{Path: path, Collection: "docs", VectorSize: 8, Metric: MetricCosine})
	require.NoError(t, err)
	defer wrongDim.Close()
	err = wrongDim.Ensure(ctx)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrorTypeConfiguration, apperrors.TypeOf(err))
}

func TestBoltVectorStore_PingChecksBucket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vectors.db")
	ctx := context.Background()

	store, err := NewBoltVectorStore(BoltOptions{Path: path, Collection: "docs", VectorSize: 3, Metric: MetricCosine, CreateCollection: true})
	require.NoError(t, err)
	defer store.Close()

	assert.True(t, apperrors.HasCode(store.Ping(ctx), apperrors.ErrCodeMissingCollection))
	require.NoError(t, store.Ensure(ctx))
	assert.NoError(t, store.Ping(ctx))
}
