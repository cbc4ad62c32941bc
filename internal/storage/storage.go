// Package storage owns the embedded SQLite database for ravend.
//
// All knowledge state (scopes, facts, team questions, learning
// objectives) lives in one database file. Domain packages run their
// queries through the *sql.DB exposed here; this package owns opening,
// pragmas, and schema migration.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite handle.
type DB struct {
	sql *sql.DB
}

// Config holds SQLite settings.
type Config struct {
	// Path is the database file, or ":memory:" for tests.
	Path string
	// BusyTimeout is how long SQLite waits on a locked database.
	BusyTimeout time.Duration
}

// Open opens (creating if needed) the ravend database and applies the
// schema. The returned DB is safe for concurrent use.
func Open(cfg Config) (*DB, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("storage: database path is required")
	}
	busyTimeout := cfg.BusyTimeout
	if busyTimeout == 0 {
		busyTimeout = 5 * time.Second
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeout.Milliseconds()),
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("storage: pragma %q: %w", p, err)
		}
	}

	s := &DB{sql: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: migration: %w", err)
	}

	return s, nil
}

// SQL returns the underlying database handle.
func (d *DB) SQL() *sql.DB {
	return d.sql
}

// Ping verifies connectivity for health checks.
func (d *DB) Ping(ctx context.Context) error {
	return d.sql.PingContext(ctx)
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.sql.Close()
}

func (d *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS scopes (
		id               TEXT PRIMARY KEY,
		team_id          TEXT NOT NULL,
		parent_scope_id  TEXT REFERENCES scopes(id) ON DELETE CASCADE,
		type             TEXT NOT NULL CHECK (type IN ('team','project','private')),
		owner_id         TEXT,
		coupled_scope_id TEXT,
		name             TEXT NOT NULL,
		description      TEXT NOT NULL DEFAULT '',
		summary          TEXT,
		created_at       TEXT NOT NULL DEFAULT (datetime('now'))
	);

	-- One root per team.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_scopes_team_root
		ON scopes(team_id) WHERE type = 'team';
	CREATE INDEX IF NOT EXISTS idx_scopes_parent ON scopes(parent_scope_id);
	CREATE INDEX IF NOT EXISTS idx_scopes_team ON scopes(team_id);

	-- Private scope coupling: (owner, public scope) -> private scope.
	-- The primary key is the upsert target for GetOrCreatePrivateScope.
	CREATE TABLE IF NOT EXISTS scope_couplings (
		owner_id         TEXT NOT NULL,
		coupled_scope_id TEXT NOT NULL REFERENCES scopes(id) ON DELETE CASCADE,
		private_scope_id TEXT NOT NULL REFERENCES scopes(id) ON DELETE CASCADE,
		PRIMARY KEY (owner_id, coupled_scope_id)
	);

	CREATE TABLE IF NOT EXISTS facts (
		id               TEXT PRIMARY KEY,
		team_id          TEXT NOT NULL,
		scope_id         TEXT NOT NULL REFERENCES scopes(id) ON DELETE CASCADE,
		content          TEXT NOT NULL,
		entity_type      TEXT,
		entity_name      TEXT,
		attribute        TEXT,
		value            TEXT,
		category         TEXT,
		entity_key       TEXT,
		confidence_score REAL NOT NULL DEFAULT 1.0,
		source_type      TEXT NOT NULL,
		source_id        TEXT,
		source_quote     TEXT,
		source_url       TEXT,
		created_by       TEXT NOT NULL,
		valid_from       TEXT NOT NULL DEFAULT (datetime('now')),
		valid_until      TEXT,
		-- Deferred: supersession marks the old row with the new row's
		-- ID before the new row is inserted, inside one transaction.
		superseded_by    TEXT REFERENCES facts(id) DEFERRABLE INITIALLY DEFERRED
	);

	CREATE INDEX IF NOT EXISTS idx_facts_scope ON facts(scope_id);
	-- At most one current fact per structured key in a scope.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_facts_current_key
		ON facts(scope_id, entity_key)
		WHERE entity_key IS NOT NULL AND superseded_by IS NULL AND valid_until IS NULL;

	CREATE TABLE IF NOT EXISTS learning_objectives (
		id              TEXT PRIMARY KEY,
		team_id         TEXT NOT NULL,
		scope_id        TEXT REFERENCES scopes(id) ON DELETE CASCADE,
		title           TEXT NOT NULL,
		description     TEXT NOT NULL DEFAULT '',
		status          TEXT NOT NULL DEFAULT 'active'
			CHECK (status IN ('active','paused','completed')),
		assigned_to     TEXT,
		max_questions   INTEGER NOT NULL DEFAULT 5,
		questions_asked INTEGER NOT NULL DEFAULT 0,
		created_at      TEXT NOT NULL DEFAULT (datetime('now')),
		updated_at      TEXT NOT NULL DEFAULT (datetime('now'))
	);

	CREATE INDEX IF NOT EXISTS idx_objectives_team ON learning_objectives(team_id);

	CREATE TABLE IF NOT EXISTS team_questions (
		id                    TEXT PRIMARY KEY,
		team_id               TEXT NOT NULL,
		scope_id              TEXT REFERENCES scopes(id) ON DELETE CASCADE,
		asked_by              TEXT NOT NULL,
		asked_by_raven        INTEGER NOT NULL DEFAULT 0,
		question              TEXT NOT NULL,
		ai_answer             TEXT,
		ai_confidence         REAL NOT NULL DEFAULT 0,
		status                TEXT NOT NULL DEFAULT 'open'
			CHECK (status IN ('open','answered','closed')),
		answer                TEXT,
		answered_by           TEXT,
		rejection_reason      TEXT,
		parent_question_id    TEXT REFERENCES team_questions(id),
		learning_objective_id TEXT REFERENCES learning_objectives(id),
		created_at            TEXT NOT NULL DEFAULT (datetime('now')),
		updated_at            TEXT NOT NULL DEFAULT (datetime('now'))
	);

	CREATE INDEX IF NOT EXISTS idx_questions_team ON team_questions(team_id);
	CREATE INDEX IF NOT EXISTS idx_questions_objective
		ON team_questions(learning_objective_id);
	CREATE INDEX IF NOT EXISTS idx_questions_parent
		ON team_questions(parent_question_id);
	`

	if _, err := d.sql.Exec(schema); err != nil {
		return err
	}
	return nil
}
