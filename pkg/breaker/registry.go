package breaker

import (
	"errors"
	"fmt"
	"time"

	"github.com/pario-ai/modelgate/pkg/config"
)

// ErrUnknownModel is returned by Allow for a model without a breaker.
var ErrUnknownModel = errors.New("no breaker for model")

// Registry owns the breaker of every configured model for the life of the
// process. The set is fixed at construction and read without locking.
type Registry struct {
	cfg  config.BreakerConfig
	now  func() time.Time
	hook TransitionHook

	breakers   map[string]*Breaker
	configured []string
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithTransitionHook registers a hook called on every state change.
func WithTransitionHook(h TransitionHook) Option {
	return func(r *Registry) { r.hook = h }
}

// NewRegistry creates a closed breaker for each configured model.
func NewRegistry(cfg config.BreakerConfig, modelIDs []string, opts ...Option) *Registry {
	r := &Registry{
		cfg:      cfg,
		now:      time.Now,
		breakers: make(map[string]*Breaker, len(modelIDs)),
	}
	for _, opt := range opts {
		opt(r)
	}
	for _, id := range modelIDs {
		if _, ok := r.breakers[id]; ok {
			continue
		}
		r.breakers[id] = newBreaker(id, cfg, r.now, r.hook)
		r.configured = append(r.configured, id)
	}
	return r
}

// Breaker returns the breaker for model, or nil when it is not configured.
func (r *Registry) Breaker(model string) *Breaker {
	return r.breakers[model]
}

// Allow admits a call to model or fails with ErrCircuitOpen.
func (r *Registry) Allow(model string) (*Permit, error) {
	b := r.Breaker(model)
	if b == nil {
		return nil, fmt.Errorf("%w %q", ErrUnknownModel, model)
	}
	return b.Allow()
}

// Snapshot returns the state of model's breaker, if it exists.
func (r *Registry) Snapshot(model string) (Snapshot, bool) {
	b := r.Breaker(model)
	if b == nil {
		return Snapshot{}, false
	}
	return b.Snapshot(), true
}

// Snapshots lists every breaker in declaration order.
func (r *Registry) Snapshots() []Snapshot {
	out := make([]Snapshot, 0, len(r.configured))
	for _, id := range r.configured {
		out = append(out, r.breakers[id].Snapshot())
	}
	return out
}

// Models returns the ids of the configured breakers in declaration order.
func (r *Registry) Models() []string {
	return append([]string(nil), r.configured...)
}

// Ready reports whether at least one configured model can take a call.
func (r *Registry) Ready() bool {
	for _, id := range r.configured {
		if r.breakers[id].available() {
			return true
		}
	}
	return false
}
