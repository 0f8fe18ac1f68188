package ledger

import (
	"database/sql"
	"fmt"
)

// CurrentSchemaVersion defines the current schema version for migration
// support.
const CurrentSchemaVersion = 2

// initializeSchemaWithMigrations ensures the database schema is at the
// current version.
func initializeSchemaWithMigrations(db *sql.DB) error {
	currentVersion, err := getSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}

	// Empty database: create fresh schema at the current version.
	if currentVersion == 0 {
		return createSchema(db)
	}

	if currentVersion == CurrentSchemaVersion {
		return nil
	}

	return runMigrations(db, currentVersion, CurrentSchemaVersion)
}

func createSchema(db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS step_progress (
			identity_id   TEXT NOT NULL,
			quest_id      TEXT NOT NULL,
			step_id       TEXT NOT NULL,
			is_completed  INTEGER NOT NULL DEFAULT 0,
			completed_at  TIMESTAMP,
			attempt_count INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (identity_id, quest_id, step_id)
		)`,
		`CREATE TABLE IF NOT EXISTS quest_progress (
			identity_id     TEXT NOT NULL,
			quest_id        TEXT NOT NULL,
			completed_steps INTEGER NOT NULL DEFAULT 0,
			total_steps     INTEGER NOT NULL DEFAULT 0,
			status          TEXT NOT NULL DEFAULT 'pending',
			started_at      TIMESTAMP,
			completed_at    TIMESTAMP,
			PRIMARY KEY (identity_id, quest_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_step_progress_completed
			ON step_progress (identity_id, quest_id, is_completed)`,
	}

	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}

	return setSchemaVersion(db, CurrentSchemaVersion)
}

func runMigrations(db *sql.DB, fromVersion, toVersion int) error {
	for version := fromVersion + 1; version <= toVersion; version++ {
		if err := runMigration(db, version); err != nil {
			return fmt.Errorf("migration to version %d failed: %w", version, err)
		}
		if err := setSchemaVersion(db, version); err != nil {
			return fmt.Errorf("failed to update schema version to %d: %w", version, err)
		}
	}
	return nil
}

func runMigration(db *sql.DB, version int) error {
	switch version {
	case 2:
		return migrateToVersion2(db)
	default:
		return fmt.Errorf("unknown migration version: %d", version)
	}
}

// migrateToVersion2 adds the recount index used by MarkStepComplete.
func migrateToVersion2(db *sql.DB) error {
	_, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_step_progress_completed
		ON step_progress (identity_id, quest_id, is_completed)`)
	if err != nil {
		return fmt.Errorf("failed to create recount index: %w", err)
	}
	return nil
}

func getSchemaVersion(db *sql.DB) (int, error) {
	// The schema_version table may not exist yet on a fresh database.
	var exists int
	err := db.QueryRow(
		`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'`,
	).Scan(&exists)
	if err != nil {
		return 0, fmt.Errorf("failed to check schema_version table: %w", err)
	}
	if exists == 0 {
		return 0, nil
	}

	var version sql.NullInt64
	err = db.QueryRow(`SELECT MAX(version) FROM schema_version`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}

func setSchemaVersion(db *sql.DB, version int) error {
	if _, err := db.Exec(`DELETE FROM schema_version`); err != nil {
		return fmt.Errorf("failed to clear schema version: %w", err)
	}
	if _, err := db.Exec(`INSERT INTO schema_version (version) VALUES (?)`, version); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	return nil
}
