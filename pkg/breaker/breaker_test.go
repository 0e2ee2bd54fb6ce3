package breaker

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/modelgate/pkg/config"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func testConfig() config.BreakerConfig {
	return config.BreakerConfig{
		FailureThreshold:  3,
		RecoveryWindow:    10 * time.Second,
		MaxRecoveryWindow: 30 * time.Second,
		BackoffMultiplier: 2,
	}
}

type recorded struct {
	model    string
	from, to State
}

func newTestRegistry(t *testing.T, models ...string) (*Registry, *clock, *[]recorded) {
	t.Helper()
	c := &clock{t: time.Unix(10000, 0)}
	var mu sync.Mutex
	var transitions []recorded
	r := NewRegistry(testConfig(), models,
		WithClock(c.Now),
		WithTransitionHook(func(model string, from, to State) {
			mu.Lock()
			transitions = append(transitions, recorded{model, from, to})
			mu.Unlock()
		}),
	)
	return r, c, &transitions
}

func fail(t *testing.T, r *Registry, model string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		p, err := r.Allow(model)
		require.NoError(t, err)
		p.Failure()
	}
}

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	r, _, transitions := newTestRegistry(t, "primary")

	fail(t, r, "primary", 2)
	snap, _ := r.Snapshot("primary")
	assert.Equal(t, Closed, snap.State)
	assert.Equal(t, 2, snap.ConsecutiveFailures)

	fail(t, r, "primary", 1)
	snap, _ = r.Snapshot("primary")
	assert.Equal(t, Open, snap.State)

	for i := 0; i < 3; i++ {
		_, err := r.Allow("primary")
		assert.ErrorIs(t, err, ErrCircuitOpen)
	}
	assert.Equal(t, []recorded{{"primary", Closed, Open}}, *transitions)
}

func TestSuccessResetsConsecutiveFailures(t *testing.T) {
	r, _, _ := newTestRegistry(t, "primary")

	fail(t, r, "primary", 2)
	p, err := r.Allow("primary")
	require.NoError(t, err)
	p.Success()
	fail(t, r, "primary", 2)

	snap, _ := r.Snapshot("primary")
	assert.Equal(t, Closed, snap.State, "isolated failures must not trip the breaker")
	assert.Equal(t, 2, snap.ConsecutiveFailures)
}

func TestHalfOpenAllowsExactlyOneProbe(t *testing.T) {
	r, c, _ := newTestRegistry(t, "primary")
	fail(t, r, "primary", 3)

	c.Advance(9 * time.Second)
	_, err := r.Allow("primary")
	assert.ErrorIs(t, err, ErrCircuitOpen, "window has not elapsed")

	c.Advance(time.Second)
	probe, err := r.Allow("primary")
	require.NoError(t, err)
	assert.True(t, probe.Probe())

	_, err = r.Allow("primary")
	assert.ErrorIs(t, err, ErrCircuitOpen, "second call while probe in flight")

	snap, _ := r.Snapshot("primary")
	assert.Equal(t, HalfOpen, snap.State)
}

func TestProbeSuccessCloses(t *testing.T) {
	r, c, transitions := newTestRegistry(t, "primary")
	fail(t, r, "primary", 3)
	c.Advance(10 * time.Second)

	probe, err := r.Allow("primary")
	require.NoError(t, err)
	probe.Success()

	snap, _ := r.Snapshot("primary")
	assert.Equal(t, Closed, snap.State)
	assert.Zero(t, snap.ConsecutiveFailures)
	assert.Equal(t, 10*time.Second, snap.RecoveryWindow)

	p, err := r.Allow("primary")
	require.NoError(t, err)
	assert.False(t, p.Probe())

	assert.Equal(t, []recorded{
		{"primary", Closed, Open},
		{"primary", Open, HalfOpen},
		{"primary", HalfOpen, Closed},
	}, *transitions)
}

func TestProbeFailureReopensWithBackoff(t *testing.T) {
	r, c, _ := newTestRegistry(t, "primary")
	fail(t, r, "primary", 3)

	windows := []time.Duration{20 * time.Second, 30 * time.Second, 30 * time.Second}
	wait := 10 * time.Second
	for _, want := range windows {
		c.Advance(wait)
		probe, err := r.Allow("primary")
		require.NoError(t, err)
		probe.Failure()

		snap, _ := r.Snapshot("primary")
		require.Equal(t, Open, snap.State)
		assert.Equal(t, want, snap.RecoveryWindow)

		c.Advance(want - time.Second)
		_, err = r.Allow("primary")
		assert.ErrorIs(t, err, ErrCircuitOpen)
		wait = time.Second
	}
}

func TestReleasedProbeFreesSlot(t *testing.T) {
	r, c, _ := newTestRegistry(t, "primary")
	fail(t, r, "primary", 3)
	c.Advance(10 * time.Second)

	probe, err := r.Allow("primary")
	require.NoError(t, err)
	probe.Release()

	snap, _ := r.Snapshot("primary")
	assert.Equal(t, HalfOpen, snap.State)

	again, err := r.Allow("primary")
	require.NoError(t, err)
	assert.True(t, again.Probe())
}

func TestPermitSignalsOnce(t *testing.T) {
	r, _, _ := newTestRegistry(t, "primary")
	p, err := r.Allow("primary")
	require.NoError(t, err)
	p.Failure()
	p.Failure()
	p.Failure()

	snap, _ := r.Snapshot("primary")
	assert.Equal(t, 1, snap.ConsecutiveFailures)
}

func TestLateResultsIgnoredWhileOpen(t *testing.T) {
	r, _, _ := newTestRegistry(t, "primary")
	late, err := r.Allow("primary")
	require.NoError(t, err)

	fail(t, r, "primary", 3)
	late.Success()

	snap, _ := r.Snapshot("primary")
	assert.Equal(t, Open, snap.State)
}

func TestModelsAreIndependent(t *testing.T) {
	r, _, _ := newTestRegistry(t, "a", "b")
	fail(t, r, "a", 3)

	_, err := r.Allow("a")
	assert.ErrorIs(t, err, ErrCircuitOpen)
	_, err = r.Allow("b")
	assert.NoError(t, err)
}

func TestConcurrentFailuresAreCounted(t *testing.T) {
	cfg := testConfig()
	cfg.FailureThreshold = 1000
	r := NewRegistry(cfg, []string{"primary"})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				p, err := r.Allow("primary")
				if err == nil {
					p.Failure()
				}
			}
		}()
	}
	wg.Wait()

	snap, _ := r.Snapshot("primary")
	assert.Equal(t, 500, snap.ConsecutiveFailures)
}

func TestRegistrySnapshotsAndReady(t *testing.T) {
	r, c, _ := newTestRegistry(t, "b", "a")

	var ids []string
	for _, s := range r.Snapshots() {
		ids = append(ids, s.Model)
	}
	assert.Equal(t, []string{"b", "a"}, ids)
	assert.Equal(t, []string{"b", "a"}, r.Models())

	assert.True(t, r.Ready())
	fail(t, r, "a", 3)
	assert.True(t, r.Ready())
	fail(t, r, "b", 3)
	assert.False(t, r.Ready(), "all configured breakers open")

	c.Advance(10 * time.Second)
	assert.True(t, r.Ready(), "probe-eligible breaker counts as ready")
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "closed", Closed.String())
	assert.Equal(t, "open", Open.String())
	assert.Equal(t, "half_open", HalfOpen.String())
}

func TestUnknownModelGetsNoBreaker(t *testing.T) {
	r, _, _ := newTestRegistry(t, "primary")

	for i := 0; i < 100; i++ {
		_, err := r.Allow(fmt.Sprintf("passthrough-%d", i))
		assert.ErrorIs(t, err, ErrUnknownModel)
	}
	assert.Len(t, r.Snapshots(), 1)
	_, ok := r.Snapshot("passthrough-0")
	assert.False(t, ok)
}

func TestTransitionsReachHookInOrder(t *testing.T) {
	cfg := testConfig()
	cfg.FailureThreshold = 1
	cfg.RecoveryWindow = time.Nanosecond
	cfg.MaxRecoveryWindow = time.Nanosecond

	var (
		mu  sync.Mutex
		got []recorded
	)
	r := NewRegistry(cfg, []string{"primary"}, WithTransitionHook(func(model string, from, to State) {
		mu.Lock()
		got = append(got, recorded{model, from, to})
		mu.Unlock()
	}))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				p, err := r.Allow("primary")
				if err != nil {
					continue
				}
				if (i+j)%2 == 0 {
					p.Success()
				} else {
					p.Failure()
				}
			}
		}(i)
	}
	wg.Wait()

	require.NotEmpty(t, got)
	assert.Equal(t, Closed, got[0].from)
	for i := 1; i < len(got); i++ {
		require.Equal(t, got[i-1].to, got[i].from, "transition %d does not follow %d", i, i-1)
	}
	snap, _ := r.Snapshot("primary")
	assert.Equal(t, got[len(got)-1].to, snap.State)
}
