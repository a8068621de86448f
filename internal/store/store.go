package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a mutation is invalid for the row's
	// current state.
	ErrConflict = errors.New("conflict")
)

// Store provides durable access to conversations, transcript versions,
// annotations, memories and audio payloads. The job queue shares the same
// database handle via DB().
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path with WAL enabled and
// initializes the schema. Use "file::memory:?cache=shared" for tests.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite allows a single writer; serializing through one connection
	// avoids SQLITE_BUSY churn under concurrent workers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &Store{db: db}, nil
}

// DB exposes the underlying handle so the job queue can live in the same
// database file.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func initSchema(db *sql.DB) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id            TEXT PRIMARY KEY,
			device_id     TEXT NOT NULL,
			user_id       TEXT NOT NULL,
			state         TEXT NOT NULL,
			close_cause   TEXT NOT NULL DEFAULT '',
			started_at    INTEGER NOT NULL,
			ended_at      INTEGER,
			chunk_count   INTEGER NOT NULL DEFAULT 0,
			voiced_chunks INTEGER NOT NULL DEFAULT 0,
			last_error    TEXT NOT NULL DEFAULT '',
			failed_stage  TEXT NOT NULL DEFAULT '',
			deleted_at    INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_device ON conversations(device_id)`,
		`CREATE TABLE IF NOT EXISTS audio_chunks (
			conversation_id TEXT NOT NULL,
			sequence        INTEGER NOT NULL,
			captured_at     INTEGER NOT NULL,
			device_id       TEXT NOT NULL,
			pcm             BLOB NOT NULL,
			voiced          INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (conversation_id, sequence)
		)`,
		`CREATE TABLE IF NOT EXISTS audio_artifacts (
			conversation_id TEXT PRIMARY KEY,
			wav             BLOB NOT NULL,
			sample_rate     INTEGER NOT NULL,
			created_at      INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS transcript_versions (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			text            TEXT NOT NULL,
			segments        TEXT NOT NULL DEFAULT '[]',
			active          INTEGER NOT NULL DEFAULT 0,
			anomaly         TEXT NOT NULL DEFAULT 'unknown',
			created_at      INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_versions_conversation ON transcript_versions(conversation_id)`,
		`CREATE TABLE IF NOT EXISTS annotations (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			version_id   TEXT NOT NULL,
			decision     TEXT NOT NULL,
			annotated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS memories (
			id                     TEXT PRIMARY KEY,
			user_id                TEXT NOT NULL,
			text                   TEXT NOT NULL,
			embedding              BLOB NOT NULL,
			source_conversation_id TEXT NOT NULL,
			status                 TEXT NOT NULL,
			created_at             INTEGER NOT NULL,
			updated_at             INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_user ON memories(user_id, status)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id               TEXT PRIMARY KEY,
			stage            TEXT NOT NULL,
			conversation_id  TEXT NOT NULL,
			payload          TEXT NOT NULL DEFAULT '{}',
			status           TEXT NOT NULL,
			attempt_count    INTEGER NOT NULL DEFAULT 0,
			last_error       TEXT NOT NULL DEFAULT '',
			owner_worker_id  TEXT NOT NULL DEFAULT '',
			lease_expires_at INTEGER,
			not_before       INTEGER NOT NULL,
			enqueued_at      INTEGER NOT NULL,
			updated_at       INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_lease ON jobs(status, stage, not_before, enqueued_at)`,
		`CREATE TABLE IF NOT EXISTS job_events (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id      TEXT NOT NULL,
			stage       TEXT NOT NULL,
			from_status TEXT NOT NULL,
			to_status   TEXT NOT NULL,
			worker_id   TEXT NOT NULL DEFAULT '',
			detail      TEXT NOT NULL DEFAULT '',
			created_at  INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_job_events_job ON job_events(job_id)`,
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("exec schema: %w", err)
		}
	}
	return nil
}

func unixOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func timeFromUnix(ts int64) time.Time {
	return time.Unix(ts, 0).UTC()
}

func timePtrFromNull(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := timeFromUnix(v.Int64)
	return &t
}
