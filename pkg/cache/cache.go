// Package cache maps request fingerprints to previously produced responses.
// The Layer fronts an in-process LRU with an optional shared second tier;
// it is advisory and never fails a request.
package cache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/pario-ai/modelgate/pkg/cache/memory"
	"github.com/pario-ai/modelgate/pkg/models"
)

// Store is a second-tier cache backend shared beyond this process.
type Store interface {
	Get(ctx context.Context, fingerprint string) (models.CacheEntry, bool, error)
	Put(ctx context.Context, entry models.CacheEntry, ttl time.Duration) error
}

// Layer is the response cache used by the gateway.
type Layer struct {
	l1        *memory.Cache
	l2        Store
	ttl       time.Duration
	l2Timeout time.Duration
	now       func() time.Time
	logger    zerolog.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// Option configures a Layer.
type Option func(*Layer)

// WithStore adds a second tier consulted on L1 misses.
func WithStore(s Store, timeout time.Duration) Option {
	return func(l *Layer) {
		l.l2 = s
		l.l2Timeout = timeout
	}
}

// WithLogger sets the logger used for downgraded store errors.
func WithLogger(logger zerolog.Logger) Option {
	return func(l *Layer) { l.logger = logger }
}

// WithClock overrides the clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Layer) { l.now = now }
}

// New creates a Layer over l1. ttl must match the one l1 was built with.
func New(l1 *memory.Cache, ttl time.Duration, opts ...Option) *Layer {
	l := &Layer{
		l1:        l1,
		ttl:       ttl,
		l2Timeout: 250 * time.Millisecond,
		now:       time.Now,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Lookup returns the cached entry for fingerprint. Expired entries and
// second-tier errors are misses.
func (l *Layer) Lookup(ctx context.Context, fingerprint string) (models.CacheEntry, bool) {
	if entry, ok := l.l1.Get(fingerprint); ok {
		l.hits.Add(1)
		return entry, true
	}

	if l.l2 != nil {
		getCtx, cancel := context.WithTimeout(ctx, l.l2Timeout)
		entry, ok, err := l.l2.Get(getCtx, fingerprint)
		cancel()
		switch {
		case err != nil:
			l.logger.Warn().Err(err).Str("fingerprint", fingerprint).Msg("cache lookup failed, treating as miss")
		case ok && !entry.Expired(l.now(), l.ttl):
			l.l1.Set(fingerprint, entry)
			l.hits.Add(1)
			return entry, true
		}
	}

	l.misses.Add(1)
	return models.CacheEntry{}, false
}

// Store records entry under fingerprint in every tier. The second-tier write
// is detached from ctx so a departing caller does not drop it.
func (l *Layer) Store(ctx context.Context, fingerprint string, entry models.CacheEntry) {
	entry.Fingerprint = fingerprint
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = l.now()
	}
	l.l1.Set(fingerprint, entry)

	if l.l2 == nil {
		return
	}
	putCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.l2Timeout)
	defer cancel()
	if err := l.l2.Put(putCtx, entry, l.ttl); err != nil {
		l.logger.Warn().Err(err).Str("fingerprint", fingerprint).Msg("cache store failed")
	}
}

// Stats reports layer-level hits and misses plus L1 occupancy.
func (l *Layer) Stats() models.CacheStats {
	s := l.l1.Stats()
	s.Hits = l.hits.Load()
	s.Misses = l.misses.Load()
	return s
}
