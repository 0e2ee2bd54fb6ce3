package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/modelgate/pkg/backend"
	"github.com/pario-ai/modelgate/pkg/breaker"
	"github.com/pario-ai/modelgate/pkg/cache"
	"github.com/pario-ai/modelgate/pkg/cache/memory"
	"github.com/pario-ai/modelgate/pkg/config"
	"github.com/pario-ai/modelgate/pkg/gateway"
	"github.com/pario-ai/modelgate/pkg/models"
	"github.com/pario-ai/modelgate/pkg/router"
	"github.com/pario-ai/modelgate/pkg/telemetry"
)

type upstream struct {
	*httptest.Server
	calls  atomic.Int32
	status atomic.Int32
}

func newUpstream(t *testing.T, reply string) *upstream {
	t.Helper()
	u := &upstream{}
	u.status.Store(http.StatusOK)
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.calls.Add(1)
		if code := int(u.status.Load()); code != http.StatusOK {
			w.WriteHeader(code)
			w.Write([]byte(`{"error":"upstream down"}`))
			return
		}
		json.NewEncoder(w).Encode(models.ChatCompletionResponse{
			Model: "upstream",
			Choices: []models.Choice{
				{Message: models.ChatMessage{Role: "assistant", Content: reply}, FinishReason: "stop"},
			},
			Usage: &models.Usage{PromptTokens: 3, CompletionTokens: 4, TotalTokens: 7},
		})
	}))
	t.Cleanup(u.Close)
	return u
}

type testEnv struct {
	srv       *Server
	primary   *upstream
	secondary *upstream
	breakers  *breaker.Registry
	metrics   *telemetry.Metrics
	emitter   *telemetry.Async
}

func setupServer(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	primary := newUpstream(t, "from primary")
	secondary := newUpstream(t, "from secondary")

	cfg := config.Default()
	cfg.Models = []models.ModelDescriptor{
		{ID: "primary", Provider: models.ProviderOpenAI, URL: primary.URL, Timeout: time.Second, MaxAttempts: 1, Fallback: []string{"secondary"}},
		{ID: "secondary", Provider: models.ProviderOpenAI, URL: secondary.URL, Timeout: time.Second, MaxAttempts: 1},
	}
	cfg.Routing.DefaultModel = "primary"
	cfg.Breaker.FailureThreshold = 2

	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(reg)
	metrics.TrackModels(cfg.ModelIDs())
	emitter := telemetry.NewAsync([]telemetry.Sink{telemetry.NewPrometheusSink(metrics)})
	t.Cleanup(func() { emitter.Close() })

	breakers := breaker.NewRegistry(cfg.Breaker, cfg.ModelIDs(), breaker.WithTransitionHook(emitter.BreakerTransition))
	r := router.New(cfg, breakers, backend.NewHTTPInvoker(nil))
	layer := cache.New(memory.New(memory.Options{Capacity: 100, Shards: 4, TTL: cfg.Cache.TTL}), cfg.Cache.TTL)
	gw := gateway.New(cfg, r, gateway.WithCache(layer), gateway.WithEmitter(emitter))

	opts = append([]Option{WithGatherer(reg)}, opts...)
	return &testEnv{
		srv:       New(cfg, gw, breakers, opts...),
		primary:   primary,
		secondary: secondary,
		breakers:  breakers,
		metrics:   metrics,
		emitter:   emitter,
	}
}

func postChat(t *testing.T, srv http.Handler, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func TestChat(t *testing.T) {
	env := setupServer(t)

	w := postChat(t, env.srv, `{"message":"Hello","model":"primary","conversation_id":"c1"}`, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "miss", w.Header().Get("X-Modelgate-Cache"))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	var resp models.ChatResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "from primary", resp.Response)
	assert.Equal(t, "primary", resp.ModelUsed)
	assert.Equal(t, 7, resp.TokensUsed)
	assert.Equal(t, "c1", resp.ConversationID)
	assert.False(t, resp.Cached)

	w = postChat(t, env.srv, `{"message":"Hello","model":"primary"}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hit", w.Header().Get("X-Modelgate-Cache"))
	assert.Equal(t, int32(1), env.primary.calls.Load(), "second request served from cache")
}

func TestChatEchoesRequestID(t *testing.T) {
	env := setupServer(t)
	w := postChat(t, env.srv, `{"message":"Hello"}`, map[string]string{"X-Request-ID": "edge-42"})
	assert.Equal(t, "edge-42", w.Header().Get("X-Request-ID"))
}

func TestChatFallsBackAndOpensBreaker(t *testing.T) {
	env := setupServer(t)
	env.primary.status.Store(http.StatusServiceUnavailable)

	for i, msg := range []string{"one", "two", "three"} {
		w := postChat(t, env.srv, `{"message":"`+msg+`","model":"primary"}`, nil)
		require.Equal(t, http.StatusOK, w.Code, "request %d: %s", i, w.Body.String())

		var resp models.ChatResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "secondary", resp.ModelUsed)
		assert.Equal(t, 1, resp.FallbackDepth)
	}
	assert.Equal(t, int32(2), env.primary.calls.Load(), "breaker opened after two failures")

	snap, _ := env.breakers.Snapshot("primary")
	assert.Equal(t, breaker.Open, snap.State)
}

func TestChatExhausted(t *testing.T) {
	env := setupServer(t)
	env.primary.status.Store(http.StatusInternalServerError)
	env.secondary.status.Store(http.StatusBadRequest)

	w := postChat(t, env.srv, `{"message":"Hello","model":"primary"}`, nil)
	require.Equal(t, http.StatusBadGateway, w.Code)

	var resp models.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, string(models.KindExhausted), resp.Error)
	assert.NotEmpty(t, resp.RequestID)
	require.Len(t, resp.Attempts, 2)
	assert.Equal(t, models.KindBackendUnavailable, resp.Attempts[0].Kind)
	assert.Equal(t, models.KindBackendRejected, resp.Attempts[1].Kind)
	assert.Equal(t, "backend_unavailable (status 500)", resp.Attempts[0].Reason)
	assert.Equal(t, "backend_rejected (status 400)", resp.Attempts[1].Reason)
	assert.NotContains(t, w.Body.String(), "upstream down")
	assert.NotContains(t, w.Body.String(), env.primary.URL)
}

func TestChatValidation(t *testing.T) {
	env := setupServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"empty message", `{"message":""}`},
		{"unknown model", `{"message":"hi","model":"nope"}`},
		{"temperature", `{"message":"hi","temperature":3}`},
		{"max tokens", `{"message":"hi","max_tokens":100000}`},
		{"malformed", `{"message":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postChat(t, env.srv, tt.body, nil)
			require.Equal(t, http.StatusBadRequest, w.Code)

			var resp models.ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, string(models.KindInvalidRequest), resp.Error)
		})
	}
	assert.Zero(t, env.primary.calls.Load())
}

func TestChatMethodNotAllowed(t *testing.T) {
	env := setupServer(t)
	w := httptest.NewRecorder()
	env.srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/chat", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestReady(t *testing.T) {
	env := setupServer(t)

	w := httptest.NewRecorder()
	env.srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	for _, id := range []string{"primary", "secondary"} {
		for i := 0; i < 2; i++ {
			p, err := env.breakers.Allow(id)
			require.NoError(t, err)
			p.Failure()
		}
	}
	w = httptest.NewRecorder()
	env.srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHealth(t *testing.T) {
	env := setupServer(t,
		WithHealthCheck("redis", func(context.Context) error { return errors.New("connection refused") }),
	)

	w := httptest.NewRecorder()
	env.srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Status       string             `json:"status"`
		Models       []breaker.Snapshot `json:"models"`
		Cache        *models.CacheStats `json:"cache"`
		Dependencies map[string]string  `json:"dependencies"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
	require.Len(t, resp.Models, 2)
	assert.Equal(t, "primary", resp.Models[0].Model)
	assert.Equal(t, "closed", resp.Models[0].StateName)
	assert.NotNil(t, resp.Cache)
	assert.Equal(t, "connection refused", resp.Dependencies["redis"])
}

func TestModels(t *testing.T) {
	env := setupServer(t)
	w := httptest.NewRecorder()
	env.srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/models", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "api_key")

	var resp struct {
		DefaultModel string `json:"default_model"`
		Models       []struct {
			ID    string `json:"id"`
			State string `json:"state"`
		} `json:"models"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "primary", resp.DefaultModel)
	require.Len(t, resp.Models, 2)
	assert.Equal(t, "closed", resp.Models[1].State)
}

func TestMetrics(t *testing.T) {
	env := setupServer(t)
	postChat(t, env.srv, `{"message":"Hello"}`, nil)
	require.NoError(t, env.emitter.Close())

	w := httptest.NewRecorder()
	env.srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `modelgate_requests_total{model="primary",outcome="success"} 1`)
}

func TestCallerFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/api/v1/chat", nil)
	assert.Equal(t, anonymousCaller, callerFromRequest(r).ID)

	r.Header.Set("X-Caller-ID", "svc")
	assert.Equal(t, "svc", callerFromRequest(r).ID)

	r.Header.Set("X-Consumer-Username", "alice")
	r.Header.Set("X-RateLimit-Remaining-Minute", "42")
	c := callerFromRequest(r)
	assert.Equal(t, "alice", c.ID)
	assert.Equal(t, "42", c.Quota["minute"])
}
