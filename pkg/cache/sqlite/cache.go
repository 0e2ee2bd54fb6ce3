package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pario-ai/modelgate/pkg/models"
)

// Cache is a persistent second-tier response cache backed by SQLite.
type Cache struct {
	db  *sql.DB
	now func() time.Time
}

const createCacheTable = `
CREATE TABLE IF NOT EXISTS cache_entries (
	fingerprint TEXT PRIMARY KEY,
	response TEXT NOT NULL,
	model_used TEXT NOT NULL,
	prompt_tokens INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cache_expires ON cache_entries(expires_at);
`

// New opens the cache database at dbPath and creates the schema.
func New(dbPath string) (*Cache, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}

	if _, err := db.Exec(createCacheTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}

	return &Cache{db: db, now: time.Now}, nil
}

// Get retrieves a cached entry. Expired rows are reported as a miss.
func (c *Cache) Get(ctx context.Context, fingerprint string) (models.CacheEntry, bool, error) {
	var (
		e         models.CacheEntry
		createdAt int64
		expiresAt int64
	)
	err := c.db.QueryRowContext(ctx,
		`SELECT response, model_used, prompt_tokens, completion_tokens, total_tokens, created_at, expires_at
		 FROM cache_entries WHERE fingerprint = ?`,
		fingerprint,
	).Scan(&e.Response, &e.ModelUsed, &e.Usage.PromptTokens, &e.Usage.CompletionTokens, &e.Usage.TotalTokens, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.CacheEntry{}, false, nil
	}
	if err != nil {
		return models.CacheEntry{}, false, fmt.Errorf("cache get: %w", err)
	}

	if c.now().UnixNano() >= expiresAt {
		return models.CacheEntry{}, false, nil
	}

	e.Fingerprint = fingerprint
	e.CreatedAt = time.Unix(0, createdAt)
	return e, true, nil
}

// Put stores an entry that expires ttl after its creation time.
func (c *Cache) Put(ctx context.Context, entry models.CacheEntry, ttl time.Duration) error {
	created := entry.CreatedAt
	if created.IsZero() {
		created = c.now()
	}
	_, err := c.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO cache_entries
		 (fingerprint, response, model_used, prompt_tokens, completion_tokens, total_tokens, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Fingerprint, entry.Response, entry.ModelUsed,
		entry.Usage.PromptTokens, entry.Usage.CompletionTokens, entry.Usage.TotalTokens,
		created.UnixNano(), created.Add(ttl).UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

// Stats returns entry counts. Hits and misses are tracked by the cache layer.
func (c *Cache) Stats(ctx context.Context) (models.CacheStats, error) {
	var count, expired int64
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN expires_at <= ? THEN 1 ELSE 0 END), 0) FROM cache_entries`,
		c.now().UnixNano(),
	).Scan(&count, &expired)
	if err != nil {
		return models.CacheStats{}, fmt.Errorf("cache stats: %w", err)
	}
	return models.CacheStats{Entries: count, Expired: expired}, nil
}

// Clear removes cache entries. If expiredOnly is true, only expired entries are removed.
func (c *Cache) Clear(ctx context.Context, expiredOnly bool) (int64, error) {
	var (
		res sql.Result
		err error
	)
	if expiredOnly {
		res, err = c.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE expires_at <= ?`, c.now().UnixNano())
	} else {
		res, err = c.db.ExecContext(ctx, `DELETE FROM cache_entries`)
	}
	if err != nil {
		return 0, fmt.Errorf("cache clear: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Close releases the database connection.
func (c *Cache) Close() error {
	return c.db.Close()
}
