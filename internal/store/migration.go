package store

import (
	"database/sql"
	"errors"
	"fmt"
)

const currentSchemaVersion = 2

// RunMigrations brings the SQLite schema up to currentSchemaVersion.
func (s *SQLiteStore) RunMigrations() error {
	version, err := s.getSchemaVersion()
	if err != nil {
		return err
	}

	if version < 1 {
		if err := s.migrateToV1(); err != nil {
			return fmt.Errorf("migration to v1 failed: %w", err)
		}
	}

	if version < 2 {
		if err := s.migrateToV2(); err != nil {
			return fmt.Errorf("migration to v2 failed: %w", err)
		}
	}

	return nil
}

// getSchemaVersion returns the current schema version, 0 for an empty database.
func (s *SQLiteStore) getSchemaVersion() (int, error) {
	var tableName string
	err := s.db.QueryRow(`
		SELECT name FROM sqlite_master
		WHERE type='table' AND name='stixwb_schema_version'
	`).Scan(&tableName)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	var version int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM stixwb_schema_version").Scan(&version); err != nil {
		return 0, err
	}
	return version, nil
}

// migrateToV1 creates the revision table.
func (s *SQLiteStore) migrateToV1() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS stixwb_schema_version (
			version INTEGER PRIMARY KEY
		)`,

		// One row per (id, modified) revision
		`CREATE TABLE IF NOT EXISTS objects (
			stix_id TEXT NOT NULL,
			modified_key TEXT NOT NULL,
			document JSON NOT NULL,
			workspace JSON,
			PRIMARY KEY (stix_id, modified_key)
		)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return err
		}
	}

	_, err := s.db.Exec("INSERT OR REPLACE INTO stixwb_schema_version (version) VALUES (?)", 1)
	return err
}

// migrateToV2 adds the stix_type column and its index for typed queries.
func (s *SQLiteStore) migrateToV2() error {
	if !s.columnExists("objects", "stix_type") {
		if _, err := s.db.Exec(`ALTER TABLE objects ADD COLUMN stix_type TEXT NOT NULL DEFAULT ''`); err != nil {
			return err
		}
	}

	// Backfill rows written before the column existed
	if _, err := s.db.Exec(`
		UPDATE objects SET stix_type = json_extract(document, '$.type')
		WHERE stix_type = ''
	`); err != nil {
		return err
	}

	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_objects_type ON objects(stix_type)`); err != nil {
		return err
	}

	_, err := s.db.Exec("INSERT OR REPLACE INTO stixwb_schema_version (version) VALUES (?)", 2)
	return err
}

// columnExists checks if a column exists in a table
func (s *SQLiteStore) columnExists(table, column string) bool {
	var count int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM pragma_table_info(?)
		WHERE name = ?
	`, table, column).Scan(&count)
	return err == nil && count > 0
}
