// Package store provides SQLite-backed persistence for stimulus runs.
package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"

	"github.com/audiolab/stimrun/internal/domain"

	_ "modernc.org/sqlite"
)

// schemaV1 defines the initial database schema.
const schemaV1 = `
CREATE TABLE IF NOT EXISTS runs (
	run_id         TEXT PRIMARY KEY,
	subject        TEXT NOT NULL,
	run            TEXT NOT NULL,
	paradigm       TEXT NOT NULL,
	seed           TEXT NOT NULL DEFAULT '0',
	status         TEXT NOT NULL DEFAULT 'running',
	planned_trials INTEGER NOT NULL DEFAULT 0,
	result_json    TEXT NOT NULL DEFAULT '',
	checksum       TEXT NOT NULL DEFAULT '',
	error          TEXT NOT NULL DEFAULT '',
	started_at     INTEGER NOT NULL DEFAULT 0,
	ended_at       INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_runs_subject ON runs(subject, started_at);

CREATE TABLE IF NOT EXISTS run_trials (
	run_id            TEXT NOT NULL,
	trial_index       INTEGER NOT NULL,
	trial_type        TEXT NOT NULL,
	stimulus_sec      REAL NOT NULL,
	jitter_sec        REAL NOT NULL,
	total_sec         REAL NOT NULL,
	reaction_time_sec REAL,
	PRIMARY KEY (run_id, trial_index),
	FOREIGN KEY (run_id) REFERENCES runs(run_id)
);

CREATE TABLE IF NOT EXISTS run_events (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id       TEXT NOT NULL,
	seq_no       INTEGER NOT NULL,
	trial_index  INTEGER NOT NULL DEFAULT 0,
	state        TEXT NOT NULL,
	event_type   TEXT NOT NULL,
	payload_json TEXT NOT NULL DEFAULT '{}',
	created_at   INTEGER NOT NULL,
	UNIQUE(run_id, seq_no)
);
CREATE INDEX IF NOT EXISTS idx_run_events_seq ON run_events(run_id, seq_no);
`

// NewDB opens a SQLite database at the given path with recommended pragmas
// and runs the V1 schema migration.
func NewDB(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, domain.WrapRunError(domain.ErrStoreInit.Code, "open database", err)
	}

	// Limit connections to 1 for SQLite (WAL allows concurrent reads but single writer).
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, domain.WrapRunError(domain.ErrStoreInit.Code, "migrate schema", err)
	}

	return db, nil
}

func migrate(db *sql.DB) error {
	_, err := db.ExecContext(context.Background(), schemaV1)
	return err
}

// Checksum returns the hex SHA-256 of data.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
