package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNoMigrations is returned when there is nothing to roll back.
var ErrNoMigrations = errors.New("store: no migrations to roll back")

// Migration is one schema step.
type Migration struct {
	Version     int
	Description string
	Up          string
	Down        string
}

var migrations = []Migration{
	{
		Version:     1,
		Description: "Documents and viewer sessions",
		Up:          migrationV1Up,
		Down:        migrationV1Down,
	},
	{
		Version:     2,
		Description: "Per-session log and violation history",
		Up:          migrationV2Up,
		Down:        migrationV2Down,
	},
	{
		Version:     3,
		Description: "Last known reader location",
		Up:          migrationV3Up,
		Down:        migrationV3Down,
	},
}

const migrationV1Up = `
CREATE TABLE IF NOT EXISTS documents (
    document_id          TEXT PRIMARY KEY,
    owner_id             TEXT NOT NULL,
    title                TEXT NOT NULL,
    description          TEXT,
    classification       TEXT NOT NULL,
    permissions          TEXT NOT NULL,
    policies             TEXT NOT NULL,
    identity_requirement TEXT NOT NULL,
    otp_hash             BLOB NOT NULL,
    locked               INTEGER NOT NULL DEFAULT 0,
    locked_reason        TEXT,
    locked_at            INTEGER,
    created_at           INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_documents_owner ON documents(owner_id);

CREATE TABLE IF NOT EXISTS sessions (
    token                TEXT PRIMARY KEY,
    session_id           TEXT NOT NULL UNIQUE,
    document_id          TEXT NOT NULL REFERENCES documents(document_id) ON DELETE CASCADE,
    viewer_id            TEXT NOT NULL,
    viewer               TEXT NOT NULL,
    started_at           INTEGER NOT NULL,
    expires_at           INTEGER NOT NULL,
    active               INTEGER NOT NULL,
    heartbeat_ms         INTEGER NOT NULL,
    focus_lost           INTEGER NOT NULL DEFAULT 0,
    tamper_hash          TEXT NOT NULL,
    identity_verified    INTEGER NOT NULL DEFAULT 0,
    identity_name        TEXT,
    identity_phone       TEXT,
    identity_photo       BLOB,
    identity_verified_at INTEGER,
    revoked_reason       TEXT
);

CREATE INDEX IF NOT EXISTS idx_sessions_document ON sessions(document_id);
`

const migrationV1Down = `
DROP INDEX IF EXISTS idx_sessions_document;
DROP TABLE IF EXISTS sessions;
DROP INDEX IF EXISTS idx_documents_owner;
DROP TABLE IF EXISTS documents;
`

const migrationV2Up = `
CREATE TABLE IF NOT EXISTS session_logs (
    seq         INTEGER PRIMARY KEY AUTOINCREMENT,
    id          TEXT NOT NULL UNIQUE,
    token       TEXT NOT NULL REFERENCES sessions(token) ON DELETE CASCADE,
    event       TEXT NOT NULL,
    context     TEXT,
    created_at  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_session_logs_token ON session_logs(token, seq);

CREATE TABLE IF NOT EXISTS session_violations (
    seq         INTEGER PRIMARY KEY AUTOINCREMENT,
    id          TEXT NOT NULL,
    token       TEXT NOT NULL REFERENCES sessions(token) ON DELETE CASCADE,
    code        TEXT NOT NULL,
    message     TEXT NOT NULL,
    occurred_at INTEGER NOT NULL,
    photo       BLOB
);

CREATE INDEX IF NOT EXISTS idx_session_violations_token ON session_violations(token, seq);
`

const migrationV2Down = `
DROP INDEX IF EXISTS idx_session_violations_token;
DROP TABLE IF EXISTS session_violations;
DROP INDEX IF EXISTS idx_session_logs_token;
DROP TABLE IF EXISTS session_logs;
`

const migrationV3Up = `
ALTER TABLE sessions ADD COLUMN last_location TEXT;
`

const migrationV3Down = `
ALTER TABLE sessions DROP COLUMN last_location;
`

// MigrateDB applies all pending migrations.
func MigrateDB(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER PRIMARY KEY,
			applied_at  INTEGER NOT NULL,
			description TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	current, err := currentVersion(db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction for migration %d: %w", m.Version, err)
		}
		if _, err := tx.Exec(m.Up); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Description, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
			m.Version, time.Now().UnixNano(), m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

func currentVersion(db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&v); err != nil {
		return 0, fmt.Errorf("get current version: %w", err)
	}
	return v, nil
}

// RollbackMigration reverts the last applied migration.
func RollbackMigration(db *sql.DB) error {
	current, err := currentVersion(db)
	if err != nil {
		return err
	}
	if current == 0 {
		return ErrNoMigrations
	}

	var m *Migration
	for i := range migrations {
		if migrations[i].Version == current {
			m = &migrations[i]
			break
		}
	}
	if m == nil {
		return fmt.Errorf("migration %d not found", current)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if _, err := tx.Exec(m.Down); err != nil {
		tx.Rollback()
		return fmt.Errorf("rollback migration %d: %w", current, err)
	}
	if _, err := tx.Exec("DELETE FROM schema_migrations WHERE version = ?", current); err != nil {
		tx.Rollback()
		return fmt.Errorf("remove migration record: %w", err)
	}
	return tx.Commit()
}

// MigrationStatus reports applied and pending migrations.
type MigrationStatus struct {
	CurrentVersion int
	LatestVersion  int
	Pending        []Migration
}

// GetMigrationStatus returns the migration state of db.
func GetMigrationStatus(db *sql.DB) (*MigrationStatus, error) {
	status := &MigrationStatus{LatestVersion: migrations[len(migrations)-1].Version}

	current, err := currentVersion(db)
	if err != nil {
		// Table might not exist yet.
		status.Pending = migrations
		return status, nil
	}
	status.CurrentVersion = current
	for _, m := range migrations {
		if m.Version > current {
			status.Pending = append(status.Pending, m)
		}
	}
	return status, nil
}

// ValidateSchema checks that every expected table exists.
func ValidateSchema(db *sql.DB) error {
	for _, table := range []string{"documents", "sessions", "session_logs", "session_violations", "schema_migrations"} {
		var count int
		err := db.QueryRow(
			"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?",
			table,
		).Scan(&count)
		if err != nil {
			return fmt.Errorf("check table %s: %w", table, err)
		}
		if count == 0 {
			return fmt.Errorf("missing required table: %s", table)
		}
	}
	return nil
}
