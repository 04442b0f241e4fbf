package knowledge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/aihub/docqa/internal/errors"
)

type fakeElastic struct {
	mu          sync.Mutex
	bulkLines   []string
	bulkFailure int
	created     bool
	dims        int
	similarity  string
}

func (f *fakeElastic) serve(t *testing.T) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")
		f.mu.Lock()
		defer f.mu.Unlock()

		switch {
		case r.Method == http.MethodHead && r.URL.Path == "/chunks":
			if !f.created {
				w.WriteHeader(http.StatusNotFound)
			}
		case r.Method == http.MethodPut && r.URL.Path == "/chunks":
			var body map[string]interface{}
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			vector := body["mappings"].(map[string]interface{})["properties"].(map[string]interface{})["vector"].(map[string]interface{})
			assert.Equal(t, "dense_vector", vector["type"])
			assert.Equal(t, float64(3), vector["dims"])
			assert.Equal(t, "cosine", vector["similarity"])
			f.created = true
			_, _ = w.Write([]byte(`{"acknowledged": true}`))
		case r.Method == http.MethodGet && r.URL.Path == "/chunks/_mapping":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"chunks": map[string]interface{}{"mappings": map[string]interface{}{"properties": map[string]interface{}{
					"vector": map[string]interface{}{"type": "dense_vector", "dims": f.dims, "similarity": f.similarity},
				}}},
			})
		case r.URL.Path == "/chunks/_bulk":
			scanner := bufio.NewScanner(r.Body)
			scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
			for scanner.Scan() {
				f.bulkLines = append(f.bulkLines, scanner.Text())
			}
			if f.bulkFailure != 0 {
				_, _ = fmt.Fprintf(w, `{"errors": true, "items": [{"index": {"status": %d, "error": {"type": "x"}}}]}`, f.bulkFailure)
				return
			}
			_, _ = w.Write([]byte(`{"errors": false, "items": []}`))
		case r.URL.Path == "/chunks/_search":
			_, _ = w.Write([]byte(`{"hits": {"hits": [
				{"_id": "a", "_score": 0.95, "_source": {"content": "first", "metadata": {"document_id": "doc"}}}
			]}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestElastic(t *testing.T, fake *fakeElastic) VectorStore {
	srv := fake.serve(t)
	store, err := NewElasticsearchVectorStore(ElasticsearchOptions{
		Addresses:        []string{srv.URL},
		Index:            "chunks",
		VectorSize:       3,
		Metric:           MetricCosine,
		CreateCollection: true,
	})
	require.NoError(t, err)
	return store
}

func TestElasticVectorStore_EnsureCreatesIndex(t *testing.T) {
	fake := &fakeElastic{}
	store := newTestElastic(t, fake)

	require.NoError(t, store.Ensure(context.Background()))
	assert.True(t, fake.created)
}

func TestElasticVectorStore_UpsertWritesBulkActions(t *testing.T) {
	fake := &fakeElastic{created: true}
	store := newTestElastic(t, fake)

	require.NoError(t, store.Upsert(context.Background(), sampleEntries()))
	require.Len(t, fake.bulkLines, 6)
	assert.True(t, strings.Contains(fake.bulkLines[0], EntryID("doc", 0)))
	assert.Contains(t, fake.bulkLines[1], `"content":"x axis"`)
}

func TestElasticVectorStore_QueryConvertsScore(t *testing.T) {
	store := newTestElastic(t, &fakeElastic{created: true})

	results, err := store.Query(context.Background(), []float32{1, 0, 0}, 3)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "first", results[0].Text)
	assert.InDelta(t, 0.9, results[0].Score, 1e-9)
	assert.Equal(t, "doc", results[0].Metadata[MetaDocumentID])
}

func TestElasticVectorStore_DimensionMismatch(t *testing.T) {
	store := newTestElastic(t, &fakeElastic{created: true})
	_, err := store.Query(context.Background(), []float32{1}, 3)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeDimensionMismatch))
}

func TestElasticVectorStore_BulkItemFailure(t *testing.T) {
	store := newTestElastic(t, &fakeElastic{created: true, bulkFailure: http.StatusServiceUnavailable})
	err := store.Upsert(context.Background(), sampleEntries())
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeIndexUnavailable))

	store = newTestElastic(t, &fakeElastic{created: true, bulkFailure: http.StatusBadRequest})
	err = store.Upsert(context.Background(), sampleEntries())
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrorTypePermanent, apperrors.TypeOf(err))
}

func TestElasticVectorStore_EnsureVerifiesExistingMapping(t *testing.T) {
	store := newTestElastic(t, &fakeElastic{created: true, dims: 3, similarity: "cosine"})
	require.NoError(t, store.Ensure(context.Background()))

	store = newTestElastic(t, &fakeElastic{created: true, dims: 768, similarity: "cosine"})
	err := store.Ensure(context.Background())
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeDimensionMismatch))
}

func TestElasticVectorStore_EnsureSimilarityMismatch(t *testing.T) {
	store := newTestElastic(t, &fakeElastic{created: true, dims: 3, similarity: "dot_product"})

	err := store.Ensure(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrorTypeConfiguration, apperrors.TypeOf(err))
	assert.Contains(t, err.Error(), "dot_product")
}

func TestElasticVectorStore_Ping(t *testing.T) {
	store := newTestElastic(t, &fakeElastic{created: true})
	assert.NoError(t, store.Ping(context.Background()))

	store = newTestElastic(t, &fakeElastic{})
	err := store.Ping(context.Background())
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeMissingCollection))
}
