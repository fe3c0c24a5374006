package store

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/jmoiron/sqlx"
)

// schemaVersion is the current expected schema version.
const schemaVersion = 2

// migration represents a single schema migration step.
type migration struct {
	Version     int
	Description string
	SQL         string
}

// migrations is the ordered list of schema migrations.
// Each migration is applied exactly once, tracked in the schema_version table.
var migrations = []migration{
	{
		Version:     1,
		Description: "base schema: messages, files, kv",
		SQL: `
		CREATE TABLE IF NOT EXISTS messages (
			update_id      INTEGER PRIMARY KEY,
			message_id     TEXT NOT NULL,
			direction      TEXT NOT NULL,
			kind           TEXT NOT NULL,
			text           TEXT DEFAULT '',
			file_unique_id TEXT DEFAULT '',
			payload        TEXT NOT NULL,
			date           INTEGER NOT NULL,
			received_at    INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_date ON messages(date);
		CREATE INDEX IF NOT EXISTS idx_messages_direction ON messages(direction, update_id);

		CREATE TABLE IF NOT EXISTS files (
			file_unique_id TEXT PRIMARY KEY,
			file_name      TEXT NOT NULL,
			mime_type      TEXT DEFAULT '',
			file_size      INTEGER DEFAULT 0,
			storage_ref    TEXT NOT NULL,
			message_id     TEXT DEFAULT '',
			first_seen     INTEGER NOT NULL,
			last_seen      INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS kv (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		);
		`,
	},
	{
		Version:     2,
		Description: "v2: scheduled tasks",
		SQL: `
		CREATE TABLE IF NOT EXISTS tasks (
			id          TEXT PRIMARY KEY,
			schedule    TEXT NOT NULL,
			command     TEXT NOT NULL,
			description TEXT DEFAULT '',
			enabled     INTEGER NOT NULL DEFAULT 1,
			last_run    INTEGER,
			last_result TEXT DEFAULT '',
			created_at  INTEGER NOT NULL
		);
		`,
	},
}

// RunMigrations applies all pending schema migrations.
func RunMigrations(db *sqlx.DB, logger *slog.Logger) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version     INTEGER PRIMARY KEY,
			description TEXT,
			applied_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	current, err := GetSchemaVersion(db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		logger.Info("applying migration", "version", m.Version, "description", m.Description)

		tx, err := db.Beginx()
		if err != nil {
			return fmt.Errorf("begin migration v%d: %w", m.Version, err)
		}
		for _, stmt := range splitSQL(m.SQL) {
			if _, err := tx.Exec(stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("migration v%d statement failed: %w\nSQL: %s", m.Version, err, truncate(stmt, 200))
			}
		}
		if _, err := tx.Exec(
			"INSERT OR REPLACE INTO schema_version (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.Version, err)
		}
		logger.Info("migration applied", "version", m.Version)
	}
	return nil
}

// GetSchemaVersion returns the highest applied migration, or 0 on a fresh database.
func GetSchemaVersion(db *sqlx.DB) (int, error) {
	var exists int
	if err := db.Get(&exists,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'"); err != nil {
		return 0, fmt.Errorf("check schema_version: %w", err)
	}
	if exists == 0 {
		return 0, nil
	}
	var v int
	if err := db.Get(&v, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
		return 0, fmt.Errorf("query schema version: %w", err)
	}
	return v, nil
}

// splitSQL splits a multi-statement SQL string on semicolons.
func splitSQL(sql string) []string {
	var out []string
	for _, s := range strings.Split(sql, ";") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
