// Package server exposes the gateway over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/pario-ai/modelgate/pkg/breaker"
	"github.com/pario-ai/modelgate/pkg/config"
	"github.com/pario-ai/modelgate/pkg/gateway"
	"github.com/pario-ai/modelgate/pkg/models"
	"github.com/pario-ai/modelgate/pkg/router"
	"github.com/pario-ai/modelgate/pkg/validate"
)

const (
	maxBodyBytes      = 4 << 20
	quotaHeaderPrefix = "X-Ratelimit-Remaining-"
	anonymousCaller   = "anonymous"
)

// HealthCheck probes an external dependency such as the shared cache.
type HealthCheck func(ctx context.Context) error

// Server is the modelgate HTTP API.
type Server struct {
	cfg      *config.Config
	gw       *gateway.Gateway
	breakers *breaker.Registry
	gatherer prometheus.Gatherer
	checks   map[string]HealthCheck
	logger   zerolog.Logger
	mux      *http.ServeMux
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the access and error logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithGatherer serves metrics from g on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithHealthCheck adds a named dependency to /health.
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(s *Server) { s.checks[name] = check }
}

// New creates a Server wired with all dependencies.
func New(cfg *config.Config, gw *gateway.Gateway, breakers *breaker.Registry, opts ...Option) *Server {
	s := &Server{
		cfg:      cfg,
		gw:       gw,
		breakers: breakers,
		gatherer: prometheus.DefaultGatherer,
		checks:   map[string]HealthCheck{},
		logger:   zerolog.Nop(),
		mux:      http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mux.HandleFunc("/api/v1/chat", s.handleChat)
	s.mux.HandleFunc("/api/v1/models", s.handleModels)
	s.mux.HandleFunc("/ready", s.handleReady)
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return s
}

// ServeHTTP implements http.Handler. Every response carries X-Request-ID
// and produces one access log line.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set("X-Request-ID", requestID)
	r = r.WithContext(withRequestID(r.Context(), requestID))

	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(rec, r)

	s.logger.Info().
		Str("request_id", requestID).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("status", rec.status).
		Dur("duration", time.Since(start)).
		Msg("http request")
}

// ListenAndServe starts the server with graceful shutdown support.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.Listen).Msg("modelgate listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFrom(r.Context())
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", requestID, nil)
		return
	}

	var raw models.RawChatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&raw); err != nil {
		writeJSONError(w, http.StatusBadRequest, string(models.KindInvalidRequest), "invalid request body", requestID, nil)
		return
	}

	res, err := s.gw.Handle(r.Context(), raw, callerFromRequest(r), requestID)
	if err != nil {
		s.writeGatewayError(w, r, err, requestID)
		return
	}

	cacheStatus := "miss"
	if res.Response.Cached {
		cacheStatus = "hit"
	}
	w.Header().Set("X-Modelgate-Cache", cacheStatus)
	writeJSON(w, http.StatusOK, res.Response)
}

func (s *Server) writeGatewayError(w http.ResponseWriter, r *http.Request, err error, requestID string) {
	var exhausted *router.ExhaustedError
	switch {
	case errors.Is(err, validate.ErrInvalidRequest):
		writeJSONError(w, http.StatusBadRequest, string(models.KindInvalidRequest), err.Error(), requestID, nil)
	case errors.As(err, &exhausted):
		code := http.StatusBadGateway
		if exhausted.DeadlineExceeded {
			code = http.StatusGatewayTimeout
		}
		writeJSONError(w, code, string(models.KindExhausted), "no model could serve the request", requestID, reports(exhausted.Attempts))
	case r.Context().Err() != nil:
		// The client is gone; the status is only visible in the access log.
		writeJSONError(w, http.StatusServiceUnavailable, string(models.KindCanceled), "request canceled", requestID, nil)
	default:
		s.logger.Error().Err(err).Str("request_id", requestID).Msg("chat request failed")
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "internal error", requestID, nil)
	}
}

type modelView struct {
	models.ModelDescriptor
	State string `json:"state"`
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", requestIDFrom(r.Context()), nil)
		return
	}
	views := make([]modelView, 0, len(s.cfg.Models))
	for _, m := range s.cfg.Models {
		v := modelView{ModelDescriptor: m, State: breaker.Closed.String()}
		if snap, ok := s.breakers.Snapshot(m.ID); ok {
			v.State = snap.StateName
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"default_model":   s.cfg.Routing.DefaultModel,
		"allow_any_model": s.cfg.Routing.AllowAnyModel,
		"models":          views,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.breakers.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type healthResponse struct {
	Status       string             `json:"status"`
	Timestamp    time.Time          `json:"timestamp"`
	Models       []breaker.Snapshot `json:"models"`
	Cache        *models.CacheStats `json:"cache,omitempty"`
	Dependencies map[string]string  `json:"dependencies,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Models:    s.breakers.Snapshots(),
	}
	if !s.breakers.Ready() {
		resp.Status = "degraded"
	}
	if s.gw.CacheEnabled() {
		stats := s.gw.CacheStats()
		resp.Cache = &stats
	}
	if len(s.checks) > 0 {
		resp.Dependencies = make(map[string]string, len(s.checks))
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		for name, check := range s.checks {
			if err := check(ctx); err != nil {
				resp.Dependencies[name] = err.Error()
				resp.Status = "degraded"
				continue
			}
			resp.Dependencies[name] = "ok"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// callerFromRequest reads the identity and quota context set by the edge proxy.
func callerFromRequest(r *http.Request) models.Caller {
	c := models.Caller{ID: anonymousCaller}
	for _, h := range []string{"X-Consumer-Username", "X-Consumer-ID", "X-Caller-ID"} {
		if v := strings.TrimSpace(r.Header.Get(h)); v != "" {
			c.ID = v
			break
		}
	}
	for name, values := range r.Header {
		if !strings.HasPrefix(name, quotaHeaderPrefix) || len(values) == 0 {
			continue
		}
		if c.Quota == nil {
			c.Quota = map[string]string{}
		}
		c.Quota[strings.ToLower(strings.TrimPrefix(name, quotaHeaderPrefix))] = values[0]
	}
	return c
}

func reports(attempts []models.Attempt) []models.AttemptReport {
	out := make([]models.AttemptReport, 0, len(attempts))
	for _, a := range attempts {
		out = append(out, models.AttemptReport{Model: a.Model, Kind: a.Kind, Reason: a.Reason()})
	}
	return out
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, code int, kind, message, requestID string, attempts []models.AttemptReport) {
	writeJSON(w, code, models.ErrorResponse{
		Error:     kind,
		Message:   message,
		Timestamp: time.Now().UTC(),
		RequestID: requestID,
		Attempts:  attempts,
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

type requestIDKey struct{}

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
