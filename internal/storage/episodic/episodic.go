// Package episodic stores the self-improvement learner's rolling
// PromptRecord history in a local SQLite database, giving
// query-by-recency and per-tool aggregation that flat JSONL does not
// provide cheaply.
package episodic

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Outcome is the result classification of a synthesized task.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomePartial Outcome = "partial"
	OutcomeFailure Outcome = "failure"
)

// PromptRecord is one entry in the rolling history.
type PromptRecord struct {
	ID             int64
	Prompt         string
	Context        string
	Outcome        Outcome
	Quality        float64
	Tokens         int
	ResponseTimeMS int64
	Timestamp      time.Time
}

// ToolStat summarizes a tool's recent context-specific success rate, used
// to rank tools when synthesizing the next self-improvement task.
type ToolStat struct {
	Context     string
	SuccessRate float64
	Samples     int
}

// Store persists PromptRecords in a local SQLite database.
type Store struct {
	db *sql.DB
}

// Open creates or opens the episodic store at path, creating its schema if
// absent.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("episodic: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers on one handle

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("episodic: create schema: %w", err)
	}
	return &Store{db: db}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS prompt_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	prompt TEXT NOT NULL,
	context TEXT NOT NULL,
	outcome TEXT NOT NULL,
	quality REAL NOT NULL,
	tokens INTEGER NOT NULL,
	response_time_ms INTEGER NOT NULL,
	timestamp TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_prompt_records_timestamp ON prompt_records(timestamp);
CREATE INDEX IF NOT EXISTS idx_prompt_records_context ON prompt_records(context);
`

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Record inserts a PromptRecord.
func (s *Store) Record(ctx context.Context, r PromptRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO prompt_records (prompt, context, outcome, quality, tokens, response_time_ms, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.Prompt, r.Context, string(r.Outcome), r.Quality, r.Tokens, r.ResponseTimeMS, r.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("episodic: record: %w", err)
	}
	return nil
}

// Recent returns the n most recent records, newest first.
func (s *Store) Recent(ctx context.Context, n int) ([]PromptRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, prompt, context, outcome, quality, tokens, response_time_ms, timestamp
		 FROM prompt_records ORDER BY timestamp DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("episodic: recent: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]PromptRecord, error) {
	var out []PromptRecord
	for rows.Next() {
		var r PromptRecord
		var outcome, ts string
		if err := rows.Scan(&r.ID, &r.Prompt, &r.Context, &outcome, &r.Quality, &r.Tokens, &r.ResponseTimeMS, &ts); err != nil {
			return nil, fmt.Errorf("episodic: scan: %w", err)
		}
		r.Outcome = Outcome(outcome)
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("episodic: parse timestamp: %w", err)
		}
		r.Timestamp = parsed
		out = append(out, r)
	}
	return out, rows.Err()
}

// ToolSuccessRates takes the store's `window` most recent records, groups
// them by tool name (stored as the record's context field), and ranks the
// groups by the fraction classified OutcomeSuccess, highest first.
func (s *Store) ToolSuccessRates(ctx context.Context, window int) ([]ToolStat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT context,
		       AVG(CASE WHEN outcome = ? THEN 1.0 ELSE 0.0 END) AS success_rate,
		       COUNT(*) AS samples
		FROM (
			SELECT context, outcome
			FROM prompt_records
			ORDER BY timestamp DESC
			LIMIT ?
		)
		GROUP BY context
		ORDER BY success_rate DESC
	`, string(OutcomeSuccess), window)
	if err != nil {
		return nil, fmt.Errorf("episodic: tool success rates: %w", err)
	}
	defer rows.Close()

	var out []ToolStat
	for rows.Next() {
		var t ToolStat
		if err := rows.Scan(&t.Context, &t.SuccessRate, &t.Samples); err != nil {
			return nil, fmt.Errorf("episodic: scan tool stat: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
