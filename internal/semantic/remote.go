package semantic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/overseer/overseer/internal/common/logger"
)

// Embedder turns text into a vector. The LLM provider's embeddings endpoint
// satisfies this.
type Embedder interface {
	Embed(ctx context.Context, model, text string) ([]float32, error)
}

const (
	remoteTimeout  = 10 * time.Second
	remoteDistance = "Cosine"
)

// RemoteIndex is a vector index over a Qdrant-compatible HTTP backend. Each
// Kind maps to its own collection; collections are created lazily on first
// write, sized to the embedder's output.
type RemoteIndex struct {
	baseURL  string
	apiKey   string
	embedder Embedder
	model    string
	http     *http.Client
	log      *logger.Logger

	mu      sync.Mutex
	ensured map[Kind]bool
}

// NewRemoteIndex creates an index against the backend at baseURL. model is
// passed to the embedder for every call.
func NewRemoteIndex(baseURL, apiKey string, embedder Embedder, model string, log *logger.Logger) *RemoteIndex {
	if log == nil {
		log = logger.Default()
	}
	return &RemoteIndex{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		embedder: embedder,
		model:    model,
		http:     &http.Client{Timeout: remoteTimeout},
		log:      log.Component("semantic-remote"),
		ensured:  make(map[Kind]bool),
	}
}

func collectionFor(kind Kind) string {
	return "overseer_" + string(kind)
}

// Upsert embeds the document and writes it to the kind's collection.
func (r *RemoteIndex) Upsert(ctx context.Context, doc Document) error {
	if doc.ID == "" || doc.Content == "" {
		return fmt.Errorf("%w: missing id or content", ErrValidation)
	}

	vector, err := r.embedder.Embed(ctx, r.model, doc.Content)
	if err != nil {
		return fmt.Errorf("embedding document %s: %w", doc.ID, err)
	}
	if err := r.ensureCollection(ctx, doc.Kind, len(vector)); err != nil {
		return err
	}

	payload := map[string]any{
		"content": doc.Content,
		"kind":    string(doc.Kind),
	}
	for k, v := range doc.Metadata {
		payload["meta_"+k] = v
	}
	body := map[string]any{
		"points": []map[string]any{{
			"id":      doc.ID,
			"vector":  vector,
			"payload": payload,
		}},
	}
	url := fmt.Sprintf("%s/collections/%s/points", r.baseURL, collectionFor(doc.Kind))
	status, err := r.send(ctx, http.MethodPut, url, body, nil)
	if err != nil {
		return err
	}
	if status == http.StatusBadRequest || status == http.StatusUnprocessableEntity {
		return fmt.Errorf("%w: backend status %d", ErrValidation, status)
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("vector upsert returned status %d", status)
	}
	return nil
}

// Search embeds the query and returns the top matches from the kind's
// collection, highest score first.
func (r *RemoteIndex) Search(ctx context.Context, kind Kind, query string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 10
	}
	vector, err := r.embedder.Embed(ctx, r.model, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	body := map[string]any{"vector": vector, "limit": limit, "with_payload": true}
	url := fmt.Sprintf("%s/collections/%s/points/search", r.baseURL, collectionFor(kind))

	var parsed struct {
		Result []struct {
			ID      any            `json:"id"`
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	status, err := r.send(ctx, http.MethodPost, url, body, &parsed)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		// Nothing indexed for this kind yet.
		return nil, nil
	}
	if status < 200 || status >= 300 {
		return nil, fmt.Errorf("vector search returned status %d", status)
	}

	results := make([]SearchResult, 0, len(parsed.Result))
	for _, hit := range parsed.Result {
		doc := Document{
			ID:   fmt.Sprintf("%v", hit.ID),
			Kind: kind,
		}
		if content, ok := hit.Payload["content"].(string); ok {
			doc.Content = content
		}
		for k, v := range hit.Payload {
			if name, found := strings.CutPrefix(k, "meta_"); found {
				if s, ok := v.(string); ok {
					if doc.Metadata == nil {
						doc.Metadata = make(map[string]string)
					}
					doc.Metadata[name] = s
				}
			}
		}
		results = append(results, SearchResult{Document: doc, Score: hit.Score})
	}
	return results, nil
}

// ensureCollection creates the kind's collection once per process lifetime.
func (r *RemoteIndex) ensureCollection(ctx context.Context, kind Kind, vectorSize int) error {
	r.mu.Lock()
	done := r.ensured[kind]
	r.mu.Unlock()
	if done {
		return nil
	}

	url := fmt.Sprintf("%s/collections/%s", r.baseURL, collectionFor(kind))
	status, err := r.send(ctx, http.MethodGet, url, nil, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		body := map[string]any{
			"vectors": map[string]any{"size": vectorSize, "distance": remoteDistance},
		}
		status, err = r.send(ctx, http.MethodPut, url, body, nil)
		if err != nil {
			return err
		}
		if status < 200 || status >= 300 {
			return fmt.Errorf("creating collection %s: status %d", collectionFor(kind), status)
		}
		r.log.Info("created vector collection",
			zap.String("collection", collectionFor(kind)),
			zap.Int("vector_size", vectorSize))
	}

	r.mu.Lock()
	r.ensured[kind] = true
	r.mu.Unlock()
	return nil
}

// send issues one request and decodes the body into out when provided.
// Non-2xx statuses are returned to the caller, not turned into errors here.
func (r *RemoteIndex) send(ctx context.Context, method, url string, body any, out any) (int, error) {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.apiKey != "" {
		req.Header.Set("api-key", r.apiKey)
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("vector backend request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if out != nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to decode vector backend response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
