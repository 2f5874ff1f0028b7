package semantic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubEmbedder struct {
	vector []float32
	calls  int
}

func (s *stubEmbedder) Embed(_ context.Context, _, _ string) ([]float32, error) {
	s.calls++
	return s.vector, nil
}

// fakeVectorBackend emulates the Qdrant HTTP surface: collection lifecycle,
// point upsert, and search.
type fakeVectorBackend struct {
	mu          sync.Mutex
	collections map[string]bool
	points      map[string][]map[string]any
}

func newFakeVectorBackend() *fakeVectorBackend {
	return &fakeVectorBackend{
		collections: make(map[string]bool),
		points:      make(map[string][]map[string]any),
	}
}

func (f *fakeVectorBackend) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		var body map[string]any
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&body)
		}

		switch {
		case r.Method == http.MethodGet:
			// GET /collections/{name}
			name := r.URL.Path[len("/collections/"):]
			if !f.collections[name] {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodPut && len(r.URL.Path) > len("/collections/") && r.URL.Path[len(r.URL.Path)-7:] == "/points":
			name := r.URL.Path[len("/collections/") : len(r.URL.Path)-7]
			pts, _ := body["points"].([]any)
			for _, p := range pts {
				f.points[name] = append(f.points[name], p.(map[string]any))
			}
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodPut:
			name := r.URL.Path[len("/collections/"):]
			f.collections[name] = true
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodPost:
			// POST /collections/{name}/points/search
			name := r.URL.Path[len("/collections/") : len(r.URL.Path)-len("/points/search")]
			results := make([]map[string]any, 0, len(f.points[name]))
			for _, p := range f.points[name] {
				results = append(results, map[string]any{
					"id":      p["id"],
					"score":   0.93,
					"payload": p["payload"],
				})
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"result": results})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}
}

func TestRemoteIndexUpsertCreatesCollectionAndWrites(t *testing.T) {
	backend := newFakeVectorBackend()
	srv := httptest.NewServer(backend.handler())
	t.Cleanup(srv.Close)

	embedder := &stubEmbedder{vector: []float32{0.1, 0.2, 0.3}}
	idx := NewRemoteIndex(srv.URL, "", embedder, "embed-model", nil)
	ctx := context.Background()

	err := idx.Upsert(ctx, Document{
		ID:       "doc-1",
		Kind:     KindLearning,
		Content:  "cache invalidation needs version stamps",
		Metadata: map[string]string{"mission_id": "m-1"},
	})
	require.NoError(t, err)

	assert.True(t, backend.collections["overseer_learning"])
	require.Len(t, backend.points["overseer_learning"], 1)
	assert.Equal(t, 1, embedder.calls)

	// The collection exists now; a second write skips the ensure round trip.
	require.NoError(t, idx.Upsert(ctx, Document{ID: "doc-2", Kind: KindLearning, Content: "more"}))
	assert.Len(t, backend.points["overseer_learning"], 2)
}

func TestRemoteIndexSearchReturnsScoredDocuments(t *testing.T) {
	backend := newFakeVectorBackend()
	srv := httptest.NewServer(backend.handler())
	t.Cleanup(srv.Close)

	embedder := &stubEmbedder{vector: []float32{0.4, 0.5}}
	idx := NewRemoteIndex(srv.URL, "", embedder, "embed-model", nil)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, Document{
		ID:       "doc-1",
		Kind:     KindKnowledge,
		Content:  "sqlite locks the whole database on write",
		Metadata: map[string]string{"source": "incident-7"},
	}))

	results, err := idx.Search(ctx, KindKnowledge, "sqlite write locking", 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "doc-1", results[0].Document.ID)
	assert.Equal(t, KindKnowledge, results[0].Document.Kind)
	assert.Equal(t, "sqlite locks the whole database on write", results[0].Document.Content)
	assert.Equal(t, "incident-7", results[0].Document.Metadata["source"])
	assert.InDelta(t, 0.93, results[0].Score, 0.001)
}

func TestRemoteIndexRejectsEmptyDocument(t *testing.T) {
	idx := NewRemoteIndex("http://127.0.0.1:1", "", &stubEmbedder{vector: []float32{0.1}}, "", nil)
	err := idx.Upsert(context.Background(), Document{Kind: KindLearning})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestStoreUsesRemotePrimary(t *testing.T) {
	backend := newFakeVectorBackend()
	srv := httptest.NewServer(backend.handler())
	t.Cleanup(srv.Close)

	idx := NewRemoteIndex(srv.URL, "", &stubEmbedder{vector: []float32{0.6}}, "", nil)
	store := NewStore(idx, nil)
	t.Cleanup(store.Close)
	ctx := context.Background()

	done, err := store.Upsert(ctx, Document{ID: "doc-1", Kind: KindLesson, Content: "retry with backoff on rate limits"})
	require.NoError(t, err)
	outcome := <-done
	require.True(t, outcome.Ok(), "remote write should land: %v", outcome.Err)

	results, err := store.Search(ctx, KindLesson, "rate limit retry", 3)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "doc-1", results[0].Document.ID)
}
