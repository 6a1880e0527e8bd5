// Package storage owns the embedded SQLite database and durable logs.
package storage

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// schema is the full engine schema. Bootstrap is idempotent; there is no
// migration history to manage.
const schema = `
CREATE TABLE IF NOT EXISTS workflows (
	workflow_id         TEXT PRIMARY KEY,
	state               TEXT NOT NULL,
	created_at          INTEGER NOT NULL,
	updated_at          INTEGER NOT NULL,
	resolved_at         INTEGER,
	resume_published_at INTEGER,
	definition_json     TEXT NOT NULL,
	resume_seq          INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS workflow_tasks (
	workflow_id          TEXT NOT NULL,
	task_id              TEXT NOT NULL,
	kind                 TEXT NOT NULL,
	description          TEXT,
	state                TEXT NOT NULL,
	input_json           TEXT,
	result_json          TEXT,
	created_at           INTEGER NOT NULL,
	updated_at           INTEGER NOT NULL,
	resolved_at          INTEGER,
	resolved_by          TEXT,
	discord_channel_id   TEXT,
	discord_message_id   TEXT,
	discord_from_user_id TEXT,
	timeout_at           INTEGER,
	PRIMARY KEY (workflow_id, task_id)
);

CREATE INDEX IF NOT EXISTS idx_tasks_workflow_state
	ON workflow_tasks (workflow_id, state);
CREATE INDEX IF NOT EXISTS idx_tasks_kind_channel_state
	ON workflow_tasks (kind, discord_channel_id, state);
CREATE INDEX IF NOT EXISTS idx_tasks_timeout_state
	ON workflow_tasks (timeout_at, state);
`

// Open opens (and bootstraps) the engine database at path. The returned
// handle is capped at one connection: the engine is single-writer and every
// mutation serializes through it.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA foreign_keys = ON`,
		`PRAGMA busy_timeout = 5000`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap schema: %w", err)
	}
	return db, nil
}
