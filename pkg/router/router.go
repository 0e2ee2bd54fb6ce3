// Package router walks a request's candidate models in order, consulting
// each model's circuit breaker and retrying transient backend failures.
package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/pario-ai/modelgate/pkg/backend"
	"github.com/pario-ai/modelgate/pkg/breaker"
	"github.com/pario-ai/modelgate/pkg/config"
	"github.com/pario-ai/modelgate/pkg/models"
)

// ErrAllCandidatesExhausted is wrapped by ExhaustedError.
var ErrAllCandidatesExhausted = errors.New("all candidates exhausted")

// ExhaustedError reports that no candidate produced a response.
type ExhaustedError struct {
	Attempts []models.Attempt
	// DeadlineExceeded is set when routing stopped because the request
	// timeout ran out.
	DeadlineExceeded bool
}

func (e *ExhaustedError) Error() string {
	msg := fmt.Sprintf("%s after %d attempts", ErrAllCandidatesExhausted, len(e.Attempts))
	if e.DeadlineExceeded {
		msg += " (request deadline exceeded)"
	}
	return msg
}

func (e *ExhaustedError) Unwrap() error { return ErrAllCandidatesExhausted }

// Router resolves requested models to ordered candidate chains and serves
// requests from the first healthy candidate.
type Router struct {
	cfg      *config.Config
	breakers *breaker.Registry
	invoker  backend.Invoker
	logger   zerolog.Logger
	now      func() time.Time
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the router's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// WithClock overrides the clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// New creates a Router from the given configuration.
func New(cfg *config.Config, breakers *breaker.Registry, invoker backend.Invoker, opts ...Option) *Router {
	r := &Router{
		cfg:      cfg,
		breakers: breakers,
		invoker:  invoker,
		logger:   zerolog.Nop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the ordered candidates for req: the requested model, then
// the request's fallback override if present, otherwise the model's
// configured fallback chain. An empty non-nil override means no fallback.
// Duplicates keep their first position.
func (r *Router) Resolve(req models.ChatRequest) ([]models.ModelDescriptor, error) {
	primary, ok := r.cfg.Lookup(req.Model)
	if !ok {
		return nil, fmt.Errorf("unknown model %q", req.Model)
	}

	chain := primary.Fallback
	if req.Fallback != nil {
		chain = req.Fallback
	}

	seen := map[string]bool{primary.ID: true}
	candidates := []models.ModelDescriptor{primary}
	for _, id := range chain {
		if seen[id] {
			continue
		}
		seen[id] = true
		desc, ok := r.cfg.Lookup(id)
		if !ok {
			return nil, fmt.Errorf("fallback %q: unknown model", id)
		}
		candidates = append(candidates, desc)
	}
	return candidates, nil
}

// Route serves req from the first candidate that answers. The returned
// outcome is never nil; on failure it carries the attempts made and the
// error is an *ExhaustedError or the caller's context error.
func (r *Router) Route(ctx context.Context, req models.ChatRequest) (*models.InvocationOutcome, error) {
	start := r.now()
	out := &models.InvocationOutcome{
		RequestID:      req.RequestID,
		Caller:         req.Caller.ID,
		RequestedModel: req.Model,
		FallbackDepth:  -1,
	}
	finish := func() {
		out.Latency = r.now().Sub(start)
		out.CompletedAt = r.now()
	}

	candidates, err := r.Resolve(req)
	if err != nil {
		out.ErrorKind = models.KindInvalidRequest
		finish()
		return out, err
	}

	routeCtx := ctx
	if d := r.cfg.Routing.RequestTimeout; d > 0 {
		var cancel context.CancelFunc
		routeCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	for depth, desc := range candidates {
		if routeCtx.Err() != nil {
			break
		}

		permit, err := r.breakers.Allow(r.cfg.BreakerKey(desc.ID))
		if err != nil {
			kind := models.KindCircuitOpen
			if !errors.Is(err, breaker.ErrCircuitOpen) {
				kind = models.KindBackendUnavailable
			}
			r.logger.Debug().Str("request_id", req.RequestID).Str("model", desc.ID).Err(err).Msg("candidate not admitted, skipping")
			out.Attempts = append(out.Attempts, models.Attempt{Model: desc.ID, Kind: kind, Err: err})
			continue
		}

		res, attempt := r.invoke(ctx, routeCtx, permit, desc, req)
		out.Attempts = append(out.Attempts, attempt)
		if res != nil {
			out.ModelUsed = desc.ID
			out.Response = res.Text
			out.Usage = res.Usage
			out.FallbackDepth = depth
			finish()
			return out, nil
		}
		if attempt.Kind == models.KindCanceled {
			out.ErrorKind = models.KindCanceled
			finish()
			return out, fmt.Errorf("route %s: %w", req.RequestID, ctx.Err())
		}
	}

	if ctx.Err() != nil {
		out.ErrorKind = models.KindCanceled
		finish()
		return out, fmt.Errorf("route %s: %w", req.RequestID, ctx.Err())
	}

	out.ErrorKind = models.KindExhausted
	finish()
	return out, &ExhaustedError{
		Attempts:         out.Attempts,
		DeadlineExceeded: errors.Is(routeCtx.Err(), context.DeadlineExceeded),
	}
}

// invoke calls one candidate, retrying transient failures up to the
// descriptor's attempt limit, and settles the permit exactly once. Every
// failure that reaches the backend counts against its breaker; rejected
// calls are not retried.
func (r *Router) invoke(ctx, routeCtx context.Context, permit *breaker.Permit, desc models.ModelDescriptor, req models.ChatRequest) (*backend.Result, models.Attempt) {
	attempt := models.Attempt{Model: desc.ID}
	start := r.now()

	maxAttempts := desc.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for call := 1; call <= maxAttempts; call++ {
		attempt.Calls = call
		res, err := r.call(routeCtx, desc, req)
		if err == nil {
			permit.Success()
			attempt.Kind = models.KindNone
			attempt.Err = nil
			attempt.Status = 0
			attempt.Duration = r.now().Sub(start)
			return res, attempt
		}
		attempt.Err = err
		attempt.Status = backend.StatusOf(err)

		if routeCtx.Err() != nil {
			// The request ended, not the backend.
			permit.Release()
			attempt.Kind = models.KindTimeout
			if ctx.Err() != nil {
				attempt.Kind = models.KindCanceled
			}
			attempt.Duration = r.now().Sub(start)
			return nil, attempt
		}

		kind := backend.KindOf(err)
		if kind == models.KindCanceled {
			kind = models.KindBackendUnavailable
		}
		attempt.Kind = kind

		r.logger.Warn().
			Str("request_id", req.RequestID).
			Str("model", desc.ID).
			Str("kind", string(kind)).
			Int("call", call).
			Err(err).
			Msg("backend call failed")

		if !kind.Retryable() {
			break
		}
	}

	permit.Failure()
	attempt.Duration = r.now().Sub(start)
	return nil, attempt
}

// call runs one backend call under the descriptor's per-call timeout.
func (r *Router) call(ctx context.Context, desc models.ModelDescriptor, req models.ChatRequest) (*backend.Result, error) {
	if desc.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, desc.Timeout)
		defer cancel()
	}
	return r.invoker.Invoke(ctx, desc, req)
}
