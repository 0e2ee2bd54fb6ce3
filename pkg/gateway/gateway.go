// Package gateway runs a chat request through validation, the response
// cache and the fallback router, and reports the outcome to telemetry.
package gateway

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/pario-ai/modelgate/pkg/cache"
	"github.com/pario-ai/modelgate/pkg/config"
	"github.com/pario-ai/modelgate/pkg/models"
	"github.com/pario-ai/modelgate/pkg/router"
	"github.com/pario-ai/modelgate/pkg/telemetry"
	"github.com/pario-ai/modelgate/pkg/validate"
)

// Gateway wires the request pipeline together.
type Gateway struct {
	cfg       *config.Config
	validator *validate.Validator
	cache     *cache.Layer
	router    *router.Router
	emitter   telemetry.Emitter
	logger    zerolog.Logger
	now       func() time.Time
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithCache enables the response cache.
func WithCache(c *cache.Layer) Option {
	return func(g *Gateway) { g.cache = c }
}

// WithEmitter sets the telemetry emitter.
func WithEmitter(e telemetry.Emitter) Option {
	return func(g *Gateway) { g.emitter = e }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// WithClock overrides the clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// New creates a Gateway. Without WithCache every request goes to the router.
func New(cfg *config.Config, r *router.Router, opts ...Option) *Gateway {
	g := &Gateway{
		cfg:       cfg,
		validator: validate.New(cfg),
		router:    r,
		emitter:   telemetry.Nop{},
		logger:    zerolog.Nop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Result is a served request.
type Result struct {
	Response models.ChatResponse
	Outcome  models.InvocationOutcome
}

// Handle validates raw and serves it from the cache or the router. Errors
// wrap validate.ErrInvalidRequest, router.ErrAllCandidatesExhausted or the
// context's error; the outcome is reported to telemetry in every case.
func (g *Gateway) Handle(ctx context.Context, raw models.RawChatRequest, caller models.Caller, requestID string) (*Result, error) {
	start := g.now()

	req, err := g.validator.Validate(raw, caller, requestID)
	if err != nil {
		g.emitter.Record(models.InvocationOutcome{
			RequestID:      requestID,
			Caller:         caller.ID,
			RequestedModel: raw.Model,
			FallbackDepth:  -1,
			ErrorKind:      models.KindInvalidRequest,
			Latency:        g.now().Sub(start),
			CompletedAt:    g.now(),
		})
		return nil, err
	}

	var fingerprint string
	if g.cache != nil {
		fingerprint = cache.Fingerprint(req, g.cfg.Cache.Scope == config.ScopeCaller)
		if entry, ok := g.cache.Lookup(ctx, fingerprint); ok {
			g.logger.Debug().Str("request_id", req.RequestID).Str("model_used", entry.ModelUsed).Msg("cache hit")
			outcome := models.InvocationOutcome{
				RequestID:      req.RequestID,
				Caller:         req.Caller.ID,
				RequestedModel: req.Model,
				ModelUsed:      entry.ModelUsed,
				Response:       entry.Response,
				Usage:          entry.Usage,
				CacheHit:       true,
				Latency:        g.now().Sub(start),
				CompletedAt:    g.now(),
			}
			g.emitter.Record(outcome)
			return &Result{Response: g.response(req, outcome), Outcome: outcome}, nil
		}
	}

	outcome, err := g.router.Route(ctx, req)
	outcome.Latency = g.now().Sub(start)
	g.emitter.Record(*outcome)
	if err != nil {
		return &Result{Outcome: *outcome}, err
	}

	if g.cache != nil {
		g.cache.Store(ctx, fingerprint, models.CacheEntry{
			Response:  outcome.Response,
			ModelUsed: outcome.ModelUsed,
			Usage:     outcome.Usage,
		})
	}
	return &Result{Response: g.response(req, *outcome), Outcome: *outcome}, nil
}

func (g *Gateway) response(req models.ChatRequest, o models.InvocationOutcome) models.ChatResponse {
	depth := o.FallbackDepth
	if depth < 0 {
		depth = 0
	}
	return models.ChatResponse{
		Response:       o.Response,
		ModelUsed:      o.ModelUsed,
		TokensUsed:     o.Usage.TotalTokens,
		ProcessingTime: o.Latency.Seconds(),
		ConversationID: req.ConversationID,
		Timestamp:      o.CompletedAt.UTC(),
		Cached:         o.CacheHit,
		FallbackDepth:  depth,
	}
}

// CacheStats reports response cache counters, or zero when caching is off.
func (g *Gateway) CacheStats() models.CacheStats {
	if g.cache == nil {
		return models.CacheStats{}
	}
	return g.cache.Stats()
}

// CacheEnabled reports whether a response cache is configured.
func (g *Gateway) CacheEnabled() bool {
	return g.cache != nil
}
