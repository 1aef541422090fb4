// Package sqlite implements confluence.Journal on pure-Go SQLite.
// Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/nevindra/confluence"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// Option configures a Journal.
type Option func(*Journal)

// WithLogger sets a structured logger for the journal. When set, every
// write and query is logged at debug level with its timing.
func WithLogger(l *slog.Logger) Option {
	return func(j *Journal) { j.logger = l }
}

// Journal records finished runs in a local SQLite file.
type Journal struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ confluence.Journal = (*Journal)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New opens the journal at dbPath (":memory:" for a private in-memory one).
// A single shared connection serializes all writers, so concurrent runs
// never hit SQLITE_BUSY.
func New(dbPath string, opts ...Option) (*Journal, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1)
	j := &Journal{db: db, logger: nopLogger}
	for _, o := range opts {
		o(j)
	}
	j.logger.Debug("journal: opened", "path", dbPath)
	return j, nil
}

// Init creates the runs table and its index. It is idempotent.
func (j *Journal) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			prompt TEXT NOT NULL,
			state TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			responses INTEGER NOT NULL DEFAULT 0,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			started_at INTEGER NOT NULL,
			ended_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_conversation ON runs(conversation_id, started_at)`,
	}
	for _, stmt := range stmts {
		if _, err := j.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("journal: init: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// RecordRun inserts rec, replacing an earlier record with the same id.
func (j *Journal) RecordRun(ctx context.Context, rec confluence.RunRecord) error {
	start := time.Now()
	_, err := j.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO runs
			(id, conversation_id, prompt, state, error, responses, input_tokens, output_tokens, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ConversationID, rec.Prompt, rec.State, rec.Error, rec.Responses,
		rec.Usage.InputTokens, rec.Usage.OutputTokens,
		rec.StartedAt.UnixMilli(), rec.EndedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("journal: record run %s: %w", rec.ID, err)
	}
	j.logger.Debug("journal: run recorded", "id", rec.ID, "state", rec.State, "duration", time.Since(start))
	return nil
}

// ListRuns returns the most recent runs, newest first. An empty
// conversationID lists every conversation; limit <= 0 means no limit.
func (j *Journal) ListRuns(ctx context.Context, conversationID string, limit int) ([]confluence.RunRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `SELECT id, conversation_id, prompt, state, error, responses, input_tokens, output_tokens, started_at, ended_at
		FROM runs`
	args := []any{}
	if conversationID != "" {
		query += ` WHERE conversation_id = ?`
		args = append(args, conversationID)
	}
	query += ` ORDER BY started_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	start := time.Now()
	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("journal: list runs: %w", err)
	}
	defer rows.Close()

	var out []confluence.RunRecord
	for rows.Next() {
		var (
			rec            confluence.RunRecord
			started, ended int64
		)
		if err := rows.Scan(&rec.ID, &rec.ConversationID, &rec.Prompt, &rec.State, &rec.Error,
			&rec.Responses, &rec.Usage.InputTokens, &rec.Usage.OutputTokens, &started, &ended); err != nil {
			return nil, fmt.Errorf("journal: scan run: %w", err)
		}
		rec.StartedAt = time.UnixMilli(started)
		rec.EndedAt = time.UnixMilli(ended)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: list runs: %w", err)
	}
	j.logger.Debug("journal: runs listed", "conversation", conversationID, "count", len(out), "duration", time.Since(start))
	return out, nil
}
