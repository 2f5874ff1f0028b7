package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overseer/overseer/internal/agent"
	"github.com/overseer/overseer/internal/common/config"
	"github.com/overseer/overseer/internal/router"
	"github.com/overseer/overseer/internal/semantic"
)

func testConfig() *config.Config {
	return &config.Config{
		Database: config.DatabaseConfig{Path: ":memory:"},
		Queue: config.QueueConfig{
			MaxSize:              100,
			TimeoutCheckInterval: 5000,
			DispatchInterval:     1000,
		},
		Oracle: config.OracleConfig{
			SpawnTriggers: config.SpawnTriggers{
				QueueGrowthRate:       5.0,
				QueueDepthThreshold:   5,
				IdleAgentMinimum:      1,
				TaskComplexityBacklog: 3,
			},
			TickInterval:     60,
			MaxSpawnsPerTick: 3,
		},
	}
}

// fakeProvider serves the OpenAI-compatible endpoints the core talks to.
func fakeProvider(t *testing.T, routeReply string) (*httptest.Server, *atomic.Int64, *atomic.Int64) {
	t.Helper()
	var completions, embeddings atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/chat/completions":
			completions.Add(1)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"choices": []map[string]any{
					{"message": map[string]any{"role": "assistant", "content": routeReply}},
				},
				"usage": map[string]any{"prompt_tokens": 10, "completion_tokens": 20},
			})
		case "/v1/embeddings":
			embeddings.Add(1)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"data": []map[string]any{{"embedding": []float32{0.1, 0.2, 0.3}}},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &completions, &embeddings
}

func TestNewWiresConfiguredLLMProvider(t *testing.T) {
	srv, completions, _ := fakeProvider(t,
		`{"recommended_role":"tester","recommended_model":"haiku","should_spawn":false,"should_decompose":false,"confidence":0.9,"reasoning":"test heavy"}`)

	cfg := testConfig()
	cfg.LLM.Provider = "openai"
	cfg.LLM.BaseURL = srv.URL
	cfg.LLM.Model = "router-model"

	o, err := New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { o.Stop(context.Background()) })

	decision := o.Router.Route(context.Background(), router.RouteRequest{Task: "cover the parser with tests"})
	assert.Equal(t, agent.RoleTester, decision.RecommendedRole)
	assert.Equal(t, agent.TierHaiku, decision.RecommendedModel)
	assert.Equal(t, int64(1), completions.Load(), "routing must hit the configured provider")

	plan := o.Decomposer.Decompose(context.Background(), "implement the importer feature and test it", "")
	require.NotNil(t, plan)
	assert.Greater(t, completions.Load(), int64(1), "decomposition must consult the provider too")
}

func TestNewWithoutProviderStaysHeuristic(t *testing.T) {
	o, err := New(testConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { o.Stop(context.Background()) })

	decision := o.Router.Route(context.Background(), router.RouteRequest{Task: "implement the exporter"})
	assert.Equal(t, agent.RoleCoder, decision.RecommendedRole)
}

func TestNewWiresVectorBackend(t *testing.T) {
	llmSrv, _, embeddings := fakeProvider(t, `{}`)

	var upserts atomic.Int64
	vectorSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet:
			w.WriteHeader(http.StatusNotFound)
		case r.Method == http.MethodPut && len(r.URL.Path) >= 7 && r.URL.Path[len(r.URL.Path)-7:] == "/points":
			upserts.Add(1)
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodPut:
			w.WriteHeader(http.StatusOK)
		default:
			_ = json.NewEncoder(w).Encode(map[string]any{"result": []any{}})
		}
	}))
	t.Cleanup(vectorSrv.Close)

	cfg := testConfig()
	cfg.LLM.BaseURL = llmSrv.URL
	cfg.Semantic.URL = vectorSrv.URL
	cfg.Semantic.EmbeddingModel = "embed-model"

	o, err := New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { o.Stop(context.Background()) })

	done, err := o.Index.Upsert(context.Background(), semantic.Document{
		ID:      "doc-1",
		Kind:    semantic.KindLearning,
		Content: "stagger the cron jobs to avoid the thundering herd",
	})
	require.NoError(t, err)
	outcome := <-done
	require.True(t, outcome.Ok(), "write should reach the vector backend: %v", outcome.Err)
	assert.Equal(t, int64(1), upserts.Load())
	assert.GreaterOrEqual(t, embeddings.Load(), int64(1))
}

func TestNewVectorURLWithoutEmbedderStaysLexical(t *testing.T) {
	cfg := testConfig()
	cfg.Semantic.URL = "http://127.0.0.1:1"

	o, err := New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { o.Stop(context.Background()) })

	// No embedder exists, so writes stay in the lexical mirror and searches
	// never touch the unreachable backend.
	done, err := o.Index.Upsert(context.Background(), semantic.Document{
		ID:      "doc-1",
		Kind:    semantic.KindLearning,
		Content: "lexical only",
	})
	require.NoError(t, err)
	outcome := <-done
	assert.True(t, outcome.Ok())

	results, err := o.Index.Search(context.Background(), semantic.KindLearning, "lexical", 3)
	require.NoError(t, err)
	assert.NotEmpty(t, results)
}
