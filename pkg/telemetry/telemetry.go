// Package telemetry fans request outcomes and breaker transitions out to
// metrics, logs and the outcome store without blocking the request path.
package telemetry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/pario-ai/modelgate/pkg/breaker"
	"github.com/pario-ai/modelgate/pkg/models"
)

const (
	defaultBufferSize = 1024
	sinkTimeout       = 5 * time.Second
)

// Emitter accepts telemetry events. Implementations never block the caller.
type Emitter interface {
	Record(outcome models.InvocationOutcome)
	BreakerTransition(model string, from, to breaker.State)
}

// Transition is a breaker state change.
type Transition struct {
	Model string
	From  breaker.State
	To    breaker.State
	At    time.Time
}

// Sink consumes events on the emitter's worker goroutine.
type Sink interface {
	Outcome(ctx context.Context, outcome models.InvocationOutcome) error
	Transition(ctx context.Context, t Transition) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Record(models.InvocationOutcome) {}

func (Nop) BreakerTransition(string, breaker.State, breaker.State) {}

type event struct {
	outcome    *models.InvocationOutcome
	transition *Transition
}

// Async is an Emitter backed by a bounded queue and a single worker.
type Async struct {
	sinks  []Sink
	logger zerolog.Logger
	onDrop func()

	mu      sync.RWMutex
	closed  bool
	queue   chan event
	done    chan struct{}
	dropped atomic.Uint64
}

// Option configures an Async emitter.
type Option func(*Async)

// WithBufferSize sets the queue capacity.
func WithBufferSize(n int) Option {
	return func(a *Async) {
		if n > 0 {
			a.queue = make(chan event, n)
		}
	}
}

// WithLogger sets the logger used for sink failures.
func WithLogger(l zerolog.Logger) Option {
	return func(a *Async) { a.logger = l }
}

// WithDropHook registers a function called for every dropped event.
func WithDropHook(fn func()) Option {
	return func(a *Async) { a.onDrop = fn }
}

// NewAsync starts an emitter delivering to sinks in order.
func NewAsync(sinks []Sink, opts ...Option) *Async {
	a := &Async{
		sinks:  sinks,
		logger: zerolog.Nop(),
		queue:  make(chan event, defaultBufferSize),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	go a.run()
	return a
}

// Record enqueues an outcome, dropping it when the queue is full.
func (a *Async) Record(outcome models.InvocationOutcome) {
	a.enqueue(event{outcome: &outcome})
}

// BreakerTransition enqueues a breaker state change.
func (a *Async) BreakerTransition(model string, from, to breaker.State) {
	a.enqueue(event{transition: &Transition{Model: model, From: from, To: to, At: time.Now()}})
}

func (a *Async) enqueue(ev event) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.drop()
		return
	}
	select {
	case a.queue <- ev:
	default:
		a.drop()
	}
}

func (a *Async) drop() {
	a.dropped.Add(1)
	if a.onDrop != nil {
		a.onDrop()
	}
}

// Dropped returns how many events were discarded.
func (a *Async) Dropped() uint64 {
	return a.dropped.Load()
}

// Close stops accepting events and waits for queued ones to be delivered.
func (a *Async) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()

	<-a.done
	return nil
}

func (a *Async) run() {
	defer close(a.done)
	for ev := range a.queue {
		for _, s := range a.sinks {
			a.deliver(s, ev)
		}
	}
}

func (a *Async) deliver(s Sink, ev event) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error().Str("sink", fmt.Sprintf("%T", s)).Interface("panic", r).Msg("telemetry sink panicked")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()

	var err error
	if ev.outcome != nil {
		err = s.Outcome(ctx, *ev.outcome)
	} else if ev.transition != nil {
		err = s.Transition(ctx, *ev.transition)
	}
	if err != nil {
		a.logger.Warn().Err(err).Str("sink", fmt.Sprintf("%T", s)).Msg("telemetry sink failed")
	}
}
