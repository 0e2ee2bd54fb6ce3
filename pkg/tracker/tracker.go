package tracker

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pario-ai/modelgate/pkg/models"
)

// Tracker records and queries request outcomes.
type Tracker interface {
	// Record stores an outcome record.
	Record(ctx context.Context, rec models.OutcomeRecord) error
	// QueryByCaller returns a caller's outcome records since a given time, newest first.
	QueryByCaller(ctx context.Context, caller string, since time.Time) ([]models.OutcomeRecord, error)
	// Summary aggregates outcomes per serving model since a given time.
	Summary(ctx context.Context, since time.Time) ([]models.ModelSummary, error)
	// Prune deletes records created before cutoff.
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
	// Close releases resources.
	Close() error
}

// SQLiteTracker implements Tracker with a SQLite database.
type SQLiteTracker struct {
	db *sql.DB
}

const createTable = `
CREATE TABLE IF NOT EXISTS outcomes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id TEXT NOT NULL,
	caller TEXT NOT NULL,
	requested_model TEXT NOT NULL,
	model_used TEXT NOT NULL,
	fallback_depth INTEGER NOT NULL,
	cache_hit INTEGER NOT NULL,
	error_kind TEXT NOT NULL,
	latency_ms INTEGER NOT NULL,
	prompt_tokens INTEGER NOT NULL,
	completion_tokens INTEGER NOT NULL,
	total_tokens INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_outcomes_caller_time ON outcomes(caller, created_at);
CREATE INDEX IF NOT EXISTS idx_outcomes_time ON outcomes(created_at);
`

// New creates a SQLiteTracker and runs auto-migration.
func New(dbPath string) (*SQLiteTracker, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open tracker db: %w", err)
	}

	if _, err := db.Exec(createTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate tracker db: %w", err)
	}

	return &SQLiteTracker{db: db}, nil
}

// Record stores an outcome record.
func (t *SQLiteTracker) Record(ctx context.Context, rec models.OutcomeRecord) error {
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO outcomes (request_id, caller, requested_model, model_used, fallback_depth, cache_hit,
			error_kind, latency_ms, prompt_tokens, completion_tokens, total_tokens, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RequestID, rec.Caller, rec.RequestedModel, rec.ModelUsed, rec.FallbackDepth, rec.CacheHit,
		string(rec.ErrorKind), rec.LatencyMs, rec.PromptTokens, rec.CompletionTokens, rec.TotalTokens,
		created.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	return nil
}

// QueryByCaller returns a caller's outcome records since a given time.
func (t *SQLiteTracker) QueryByCaller(ctx context.Context, caller string, since time.Time) ([]models.OutcomeRecord, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT id, request_id, caller, requested_model, model_used, fallback_depth, cache_hit, error_kind,
			latency_ms, prompt_tokens, completion_tokens, total_tokens, created_at
		 FROM outcomes WHERE caller = ? AND created_at >= ? ORDER BY created_at DESC, id DESC`,
		caller, nanos(since),
	)
	if err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}
	defer rows.Close()

	var records []models.OutcomeRecord
	for rows.Next() {
		var (
			r       models.OutcomeRecord
			kind    string
			created int64
		)
		if err := rows.Scan(&r.ID, &r.RequestID, &r.Caller, &r.RequestedModel, &r.ModelUsed, &r.FallbackDepth,
			&r.CacheHit, &kind, &r.LatencyMs, &r.PromptTokens, &r.CompletionTokens, &r.TotalTokens, &created); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		r.ErrorKind = models.ErrorKind(kind)
		r.CreatedAt = time.Unix(0, created)
		records = append(records, r)
	}
	return records, rows.Err()
}

// Summary aggregates outcomes since a given time, grouped by the model that
// served the request, or the requested model when none did.
func (t *SQLiteTracker) Summary(ctx context.Context, since time.Time) ([]models.ModelSummary, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT CASE WHEN model_used != '' THEN model_used ELSE requested_model END AS model,
			COUNT(*),
			SUM(CASE WHEN error_kind = '' THEN 1 ELSE 0 END),
			SUM(CASE WHEN error_kind != '' THEN 1 ELSE 0 END),
			SUM(cache_hit),
			AVG(latency_ms),
			SUM(total_tokens)
		 FROM outcomes WHERE created_at >= ?
		 GROUP BY model ORDER BY model`,
		nanos(since),
	)
	if err != nil {
		return nil, fmt.Errorf("summary: %w", err)
	}
	defer rows.Close()

	var summaries []models.ModelSummary
	for rows.Next() {
		var s models.ModelSummary
		if err := rows.Scan(&s.Model, &s.RequestCount, &s.Successes, &s.Failures, &s.CacheHits, &s.AvgLatencyMs, &s.TotalTokens); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

// Prune deletes records created before cutoff and returns how many were removed.
func (t *SQLiteTracker) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := t.db.ExecContext(ctx, `DELETE FROM outcomes WHERE created_at < ?`, nanos(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune outcomes: %w", err)
	}
	return res.RowsAffected()
}

// nanos converts t for storage; the zero time maps to 0.
func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

// Close releases the database connection.
func (t *SQLiteTracker) Close() error {
	return t.db.Close()
}
