package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/istota/istota/internal/clock"
)

// Store wraps the sqlite database. All writes are single transactions;
// concurrent writers are serialized by sqlite itself.
type Store struct {
	db          *sql.DB
	clock       clock.Clock
	maxAttempts int // retry budget applied to tasks that do not set one
}

// Open opens (and migrates) the database at path. Pass ":memory:" for tests.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection avoids table-lock contention between the pool's
	// workers; statements are short-held.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, clock: clock.Real{}, maxAttempts: DefaultMaxAttempts}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// SetClock replaces the time source (tests only).
func (s *Store) SetClock(c clock.Clock) { s.clock = c }

// SetDefaultMaxAttempts overrides the retry budget given to tasks created
// without one. Values below 1 are ignored.
func (s *Store) SetDefaultMaxAttempts(n int) {
	if n > 0 {
		s.maxAttempts = n
	}
}

func (s *Store) now() time.Time { return s.clock.Now().UTC() }

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id                  INTEGER PRIMARY KEY AUTOINCREMENT,
	source_type         TEXT    NOT NULL,
	queue               TEXT    NOT NULL DEFAULT 'foreground',
	priority            INTEGER NOT NULL DEFAULT 5,
	user_id             TEXT    NOT NULL,
	conversation_token  TEXT    NOT NULL DEFAULT '',
	parent_task_id      INTEGER NOT NULL DEFAULT 0,
	prompt              TEXT    NOT NULL DEFAULT '',
	command             TEXT    NOT NULL DEFAULT '',
	attachments         TEXT    NOT NULL DEFAULT '[]',
	status              TEXT    NOT NULL DEFAULT 'pending',
	created_at          TEXT    NOT NULL,
	updated_at          TEXT    NOT NULL,
	locked_at           TEXT,
	started_at          TEXT,
	completed_at        TEXT,
	confirmed_at        TEXT,
	locked_by           TEXT    NOT NULL DEFAULT '',
	worker_pid          INTEGER NOT NULL DEFAULT 0,
	attempt_count       INTEGER NOT NULL DEFAULT 0,
	max_attempts        INTEGER NOT NULL DEFAULT 3,
	cancel_requested    INTEGER NOT NULL DEFAULT 0,
	scheduled_for       TEXT,
	result              TEXT    NOT NULL DEFAULT '',
	actions_taken       TEXT    NOT NULL DEFAULT '[]',
	error               TEXT    NOT NULL DEFAULT '',
	confirmation_prompt TEXT    NOT NULL DEFAULT '',
	output_target       TEXT    NOT NULL DEFAULT '',
	talk_message_id     TEXT    NOT NULL DEFAULT '',
	talk_response_id    TEXT    NOT NULL DEFAULT '',
	reply_to_talk_id    TEXT    NOT NULL DEFAULT '',
	reply_to_content    TEXT    NOT NULL DEFAULT '',
	heartbeat_silent    INTEGER NOT NULL DEFAULT 0,
	scheduled_job_id    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_tasks_claim
	ON tasks(status, queue, user_id, priority, created_at);
CREATE INDEX IF NOT EXISTS idx_tasks_conversation
	ON tasks(conversation_token, created_at);

CREATE TABLE IF NOT EXISTS scheduled_jobs (
	id                   INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id              TEXT    NOT NULL,
	name                 TEXT    NOT NULL,
	cron_expression      TEXT    NOT NULL,
	prompt               TEXT    NOT NULL DEFAULT '',
	command              TEXT    NOT NULL DEFAULT '',
	conversation_token   TEXT    NOT NULL DEFAULT '',
	output_target        TEXT    NOT NULL DEFAULT '',
	enabled              INTEGER NOT NULL DEFAULT 1,
	silent_unless_action INTEGER NOT NULL DEFAULT 0,
	once                 INTEGER NOT NULL DEFAULT 0,
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	last_run_at          TEXT,
	last_success_at      TEXT,
	last_error           TEXT    NOT NULL DEFAULT '',
	created_at           TEXT    NOT NULL,
	UNIQUE(user_id, name)
);

CREATE TABLE IF NOT EXISTS poller_state (
	poller     TEXT NOT NULL,
	key        TEXT NOT NULL,
	cursor     TEXT NOT NULL DEFAULT '{}',
	updated_at TEXT NOT NULL,
	PRIMARY KEY (poller, key)
);

CREATE TABLE IF NOT EXISTS user_resources (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id       TEXT NOT NULL,
	resource_type TEXT NOT NULL,
	resource_path TEXT NOT NULL,
	permissions   TEXT NOT NULL DEFAULT 'read',
	display_name  TEXT NOT NULL DEFAULT '',
	UNIQUE(user_id, resource_type, resource_path)
);

CREATE TABLE IF NOT EXISTS processed_emails (
	email_id     TEXT PRIMARY KEY,
	user_id      TEXT NOT NULL,
	message_id   TEXT NOT NULL DEFAULT '',
	in_reply_to  TEXT NOT NULL DEFAULT '',
	references_  TEXT NOT NULL DEFAULT '',
	processed_at TEXT NOT NULL
);
`

func (s *Store) migrate() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// timeLayout is RFC 3339 with fixed-width nanoseconds. Fixed width keeps the
// stored strings lexicographically ordered, which the claim protocol's SQL
// comparisons rely on.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// fmtTime serializes a timestamp for storage (UTC).
func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseTimePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil
	}
	return &t
}
