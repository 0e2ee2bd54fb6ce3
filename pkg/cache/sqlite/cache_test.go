package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pario-ai/modelgate/pkg/models"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "cache_test.db")
	c, err := New(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func testEntry(fp string, at time.Time) models.CacheEntry {
	return models.CacheEntry{
		Fingerprint: fp,
		Response:    "Hi there",
		ModelUsed:   "secondary",
		Usage:       models.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5},
		CreatedAt:   at,
	}
}

func TestPutAndGet(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	if err := c.Put(ctx, testEntry("fp1", time.Now()), time.Hour); err != nil {
		t.Fatal(err)
	}

	got, ok, err := c.Get(ctx, "fp1")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected cache hit")
	}
	if got.Response != "Hi there" || got.ModelUsed != "secondary" || got.Usage.TotalTokens != 5 {
		t.Errorf("unexpected entry: %+v", got)
	}

	_, ok, err = c.Get(ctx, "fp2")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("expected cache miss for unknown fingerprint")
	}
}

func TestTTLExpiration(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)
	now := time.Unix(5000, 0)
	c.now = func() time.Time { return now }

	if err := c.Put(ctx, testEntry("fp", now), time.Minute); err != nil {
		t.Fatal(err)
	}

	now = now.Add(time.Minute)
	_, ok, err := c.Get(ctx, "fp")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("expected cache miss after TTL expiration")
	}
}

func TestStatsAndClearExpired(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)
	now := time.Unix(5000, 0)
	c.now = func() time.Time { return now }

	_ = c.Put(ctx, testEntry("old", now.Add(-2*time.Hour)), time.Hour)
	_ = c.Put(ctx, testEntry("fresh", now), time.Hour)

	stats, err := c.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Entries != 2 || stats.Expired != 1 {
		t.Errorf("expected 2 entries with 1 expired, got %+v", stats)
	}

	n, err := c.Clear(ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 expired entry cleared, got %d", n)
	}
	if _, ok, _ := c.Get(ctx, "fresh"); !ok {
		t.Error("fresh entry should survive clearing expired entries")
	}
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	_ = c.Put(ctx, testEntry("h1", time.Now()), time.Hour)
	_ = c.Put(ctx, testEntry("h2", time.Now()), time.Hour)

	if _, err := c.Clear(ctx, false); err != nil {
		t.Fatal(err)
	}

	stats, _ := c.Stats(ctx)
	if stats.Entries != 0 {
		t.Errorf("expected 0 entries after clear, got %d", stats.Entries)
	}
}
