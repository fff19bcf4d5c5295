package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Timestamps are stored as INTEGER unix nanoseconds so that ordering and
// cutoff comparisons are plain integer comparisons.

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("db: not found")
	// ErrAlreadyClaimed is returned by ClaimTask when the task is no
	// longer pending. Workers treat it as "another worker got it".
	ErrAlreadyClaimed = errors.New("db: task already claimed")
	// ErrBadTransition is returned for disallowed status transitions,
	// e.g. cancelling a completed task.
	ErrBadTransition = errors.New("db: status transition not allowed")
)

// Config configures the database.
type Config struct {
	DSN         string
	ReaderCount int // number of read-only connections, default 4
}

// DB wraps the pool with kira's domain operations.
type DB struct {
	pool *Pool
}

// New opens the database at cfg.DSN.
func New(cfg Config) (*DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.New: empty DSN")
	}
	readers := cfg.ReaderCount
	if readers <= 0 {
		readers = 4
	}
	pool, err := NewPool(cfg.DSN, readers)
	if err != nil {
		return nil, fmt.Errorf("db.New: %w", err)
	}
	return &DB{pool: pool}, nil
}

func (d *DB) Close() error {
	return d.pool.Close()
}

// Tx runs fn in a writable transaction.
func (d *DB) Tx(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error {
	return d.pool.Tx(ctx, fn)
}

// Rx runs fn in a read-only transaction.
func (d *DB) Rx(ctx context.Context, fn func(ctx context.Context, rx *Rx) error) error {
	return d.pool.Rx(ctx, fn)
}

// Migrate creates the schema.
func (d *DB) Migrate(ctx context.Context) error {
	return d.pool.Tx(ctx, func(ctx context.Context, tx *Tx) error {
		if _, err := tx.Exec(schema); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		return nil
	})
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	username TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS boards (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	owner_id TEXT NOT NULL REFERENCES users(id),
	settings_json TEXT NOT NULL DEFAULT '{}',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS board_members (
	board_id TEXT NOT NULL REFERENCES boards(id) ON DELETE CASCADE,
	user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	role TEXT NOT NULL DEFAULT 'member',
	PRIMARY KEY (board_id, user_id)
);

CREATE TABLE IF NOT EXISTS columns (
	id TEXT PRIMARY KEY,
	board_id TEXT NOT NULL REFERENCES boards(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	position INTEGER NOT NULL DEFAULT 0,
	color TEXT NOT NULL DEFAULT '#6366f1',
	agent_type TEXT NOT NULL DEFAULT '',
	agent_skill TEXT NOT NULL DEFAULT '',
	agent_model TEXT NOT NULL DEFAULT 'smart',
	auto_run INTEGER NOT NULL DEFAULT 0,
	on_success_column_id TEXT NOT NULL DEFAULT '',
	on_failure_column_id TEXT NOT NULL DEFAULT '',
	max_loop_count INTEGER NOT NULL DEFAULT 3,
	prompt_template TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_columns_board ON columns(board_id, position);

CREATE TABLE IF NOT EXISTS cards (
	id TEXT PRIMARY KEY,
	column_id TEXT NOT NULL REFERENCES columns(id),
	board_id TEXT NOT NULL REFERENCES boards(id) ON DELETE CASCADE,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	position INTEGER NOT NULL DEFAULT 0,
	assignee_id TEXT NOT NULL DEFAULT '',
	priority TEXT NOT NULL DEFAULT 'medium',
	labels TEXT NOT NULL DEFAULT '[]',
	agent_status TEXT NOT NULL DEFAULT ''
		CHECK (agent_status IN ('', 'pending', 'running', 'completed', 'failed')),
	created_by TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cards_column ON cards(column_id, position);

CREATE TABLE IF NOT EXISTS card_comments (
	id TEXT PRIMARY KEY,
	card_id TEXT NOT NULL REFERENCES cards(id) ON DELETE CASCADE,
	user_id TEXT NOT NULL DEFAULT '',
	content TEXT NOT NULL,
	is_agent_output INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_comments_card ON card_comments(card_id);

CREATE TABLE IF NOT EXISTS workers (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	hostname TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'online'
		CHECK (status IN ('online', 'stale', 'offline')),
	version TEXT NOT NULL DEFAULT '',
	capabilities_json TEXT NOT NULL DEFAULT '["agent"]',
	capacity INTEGER NOT NULL DEFAULT 3,
	last_heartbeat INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	UNIQUE(user_id)
);

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	task_type TEXT NOT NULL CHECK (task_type IN (
		'agent_run', 'board_plan', 'card_gen',
		'jira_import', 'jira_push', 'jira_sync',
		'gitlab_create_project', 'gitlab_push'
	)),
	board_id TEXT NOT NULL REFERENCES boards(id) ON DELETE CASCADE,
	card_id TEXT NOT NULL DEFAULT '',
	created_by TEXT NOT NULL DEFAULT '',
	assigned_to TEXT NOT NULL DEFAULT '',
	claimed_by_worker TEXT NOT NULL DEFAULT '',
	agent_type TEXT NOT NULL DEFAULT '',
	agent_skill TEXT NOT NULL DEFAULT '',
	agent_model TEXT NOT NULL DEFAULT 'smart',
	prompt_text TEXT NOT NULL DEFAULT '',
	payload_json TEXT NOT NULL DEFAULT '{}',
	status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN (
		'pending', 'claimed', 'running', 'completed', 'failed', 'cancelled'
	)),
	priority INTEGER NOT NULL DEFAULT 0,
	source_column_id TEXT NOT NULL DEFAULT '',
	target_column_id TEXT NOT NULL DEFAULT '',
	failure_column_id TEXT NOT NULL DEFAULT '',
	loop_count INTEGER NOT NULL DEFAULT 0,
	max_loop_count INTEGER NOT NULL DEFAULT 3,
	output_text TEXT NOT NULL DEFAULT '',
	error_summary TEXT NOT NULL DEFAULT '',
	result_data_json TEXT NOT NULL DEFAULT '{}',
	output_comment_id TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	claimed_at INTEGER,
	started_at INTEGER,
	completed_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_tasks_poll ON tasks(assigned_to, status)
	WHERE status IN ('pending', 'claimed');
CREATE INDEX IF NOT EXISTS idx_tasks_board ON tasks(board_id, status);
CREATE INDEX IF NOT EXISTS idx_tasks_card ON tasks(card_id) WHERE card_id != '';
`

// nanos converts a time to its stored representation.
func nanos(t time.Time) int64 { return t.UnixNano() }

// fromNanos converts a stored timestamp back to a time.
func fromNanos(n int64) time.Time { return time.Unix(0, n) }

// nullTime scans an optional INTEGER timestamp.
func nullTime(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
