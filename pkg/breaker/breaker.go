// Package breaker keeps one circuit breaker per model and gates calls to
// models that keep failing.
package breaker

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pario-ai/modelgate/pkg/config"
)

// ErrCircuitOpen is returned by Allow when a model may not be called.
var ErrCircuitOpen = errors.New("circuit open")

// State is a breaker state.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// TransitionHook observes state changes. It runs under the breaker lock, so
// a model's transitions arrive in the order they happened; it must not block
// or call back into the breaker.
type TransitionHook func(model string, from, to State)

// Snapshot is a point-in-time copy of a breaker's state.
type Snapshot struct {
	Model               string        `json:"model"`
	State               State         `json:"-"`
	StateName           string        `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastTransition      time.Time     `json:"last_transition"`
	NextProbe           time.Time     `json:"next_probe,omitempty"`
	RecoveryWindow      time.Duration `json:"recovery_window"`
}

// Breaker is the state machine for a single model.
type Breaker struct {
	model string
	cfg   config.BreakerConfig
	now   func() time.Time
	hook  TransitionHook

	mu             sync.Mutex
	state          State
	failures       int
	window         time.Duration
	lastTransition time.Time
	nextProbe      time.Time
	probing        bool
}

func newBreaker(model string, cfg config.BreakerConfig, now func() time.Time, hook TransitionHook) *Breaker {
	return &Breaker{
		model:          model,
		cfg:            cfg,
		now:            now,
		hook:           hook,
		window:         cfg.RecoveryWindow,
		lastTransition: now(),
	}
}

// setState must be called with mu held.
func (b *Breaker) setState(to State, at time.Time) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.lastTransition = at
	if b.hook != nil {
		b.hook(b.model, from, to)
	}
}

// Allow admits a call or fails with ErrCircuitOpen. An open breaker whose
// recovery window has passed moves to half-open and admits one probe.
func (b *Breaker) Allow() (*Permit, error) {
	b.mu.Lock()
	now := b.now()

	if b.state == Open {
		if now.Before(b.nextProbe) {
			b.mu.Unlock()
			return nil, ErrCircuitOpen
		}
		b.setState(HalfOpen, now)
	}

	var permit *Permit
	var err error
	switch {
	case b.state == HalfOpen && b.probing:
		err = ErrCircuitOpen
	case b.state == HalfOpen:
		b.probing = true
		permit = &Permit{b: b, probe: true}
	default:
		permit = &Permit{b: b}
	}
	b.mu.Unlock()
	return permit, err
}

func (b *Breaker) onSuccess(probe bool) {
	b.mu.Lock()
	switch b.state {
	case Closed:
		b.failures = 0
	case HalfOpen:
		if probe {
			b.probing = false
			b.failures = 0
			b.window = b.cfg.RecoveryWindow
			b.nextProbe = time.Time{}
			b.setState(Closed, b.now())
		}
	}
	// Open, or a non-probe result while half-open: ignored.
	b.mu.Unlock()
}

func (b *Breaker) onFailure(probe bool) {
	b.mu.Lock()
	now := b.now()
	switch b.state {
	case Closed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.window = b.cfg.RecoveryWindow
			b.nextProbe = now.Add(b.window)
			b.setState(Open, now)
		}
	case HalfOpen:
		if probe {
			b.probing = false
			b.failures++
			b.window = b.nextWindow()
			b.nextProbe = now.Add(b.window)
			b.setState(Open, now)
		}
	}
	b.mu.Unlock()
}

func (b *Breaker) onRelease(probe bool) {
	if !probe {
		return
	}
	b.mu.Lock()
	if b.state == HalfOpen {
		b.probing = false
	}
	b.mu.Unlock()
}

// nextWindow must be called with mu held.
func (b *Breaker) nextWindow() time.Duration {
	mult := b.cfg.BackoffMultiplier
	if mult < 1 {
		mult = 1
	}
	next := time.Duration(float64(b.window) * mult)
	if limit := b.cfg.MaxRecoveryWindow; limit > 0 && next > limit {
		next = limit
	}
	return next
}

// Snapshot returns a copy of the current state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Model:               b.model,
		State:               b.state,
		StateName:           b.state.String(),
		ConsecutiveFailures: b.failures,
		LastTransition:      b.lastTransition,
		NextProbe:           b.nextProbe,
		RecoveryWindow:      b.window,
	}
}

// available reports whether the breaker is not open, counting an open
// breaker whose recovery window has passed as probe-eligible.
func (b *Breaker) available() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open {
		return !b.now().Before(b.nextProbe)
	}
	return true
}

// Permit is an admitted call. Exactly one of Success, Failure or Release
// takes effect; later calls are no-ops.
type Permit struct {
	b     *Breaker
	probe bool
	done  atomic.Bool
}

// Probe reports whether this permit is the half-open trial call.
func (p *Permit) Probe() bool { return p.probe }

// Success reports that the model answered.
func (p *Permit) Success() {
	if p.done.CompareAndSwap(false, true) {
		p.b.onSuccess(p.probe)
	}
}

// Failure reports that the model failed.
func (p *Permit) Failure() {
	if p.done.CompareAndSwap(false, true) {
		p.b.onFailure(p.probe)
	}
}

// Release returns the permit without a health signal, e.g. when the caller
// went away before the call completed.
func (p *Permit) Release() {
	if p.done.CompareAndSwap(false, true) {
		p.b.onRelease(p.probe)
	}
}
