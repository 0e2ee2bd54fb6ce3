package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sqlitecache "github.com/pario-ai/modelgate/pkg/cache/sqlite"
	"github.com/pario-ai/modelgate/pkg/config"
	"github.com/pario-ai/modelgate/pkg/models"
)

func TestClearCacheSQLite(t *testing.T) {
	cfg := config.Default()
	cfg.DBPath = filepath.Join(t.TempDir(), "modelgate.db")
	cfg.Cache.Backend = "sqlite"
	ctx := context.Background()

	c, err := sqlitecache.New(cfg.DBPath)
	require.NoError(t, err)
	require.NoError(t, c.Put(ctx, models.CacheEntry{Fingerprint: "fresh", Response: "a", CreatedAt: time.Now()}, time.Hour))
	require.NoError(t, c.Put(ctx, models.CacheEntry{Fingerprint: "old", Response: "b", CreatedAt: time.Now().Add(-2 * time.Hour)}, time.Hour))
	require.NoError(t, c.Close())

	n, err := clearCache(ctx, cfg, true)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = clearCache(ctx, cfg, false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestClearCacheMemoryBackend(t *testing.T) {
	cfg := config.Default()
	_, err := clearCache(context.Background(), cfg, false)
	assert.ErrorContains(t, err, "lives in the server process")
}
