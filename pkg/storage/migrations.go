package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
)

// Migration represents a database schema migration
type Migration struct {
	SQL         string
	Description string
	Version     int
}

// migrations is the registry of all database migrations in order.
// Each version is applied once, in its own transaction.
var migrations = []Migration{
	{
		Version:     1,
		Description: "Initial schema with dns_events, domain_classifications and system_events",
		SQL:         initialSchema,
	},
	{
		Version:     2,
		Description: "Add devices and per-client traffic statistics",
		SQL: `
			CREATE TABLE IF NOT EXISTS devices (
				ip_address TEXT PRIMARY KEY,
				first_seen DATETIME NOT NULL,
				last_seen DATETIME NOT NULL
			);

			CREATE TABLE IF NOT EXISTS traffic_stats (
				client_ip TEXT NOT NULL,
				domain TEXT NOT NULL,
				count INTEGER NOT NULL DEFAULT 0,
				last_accessed DATETIME NOT NULL,
				PRIMARY KEY (client_ip, domain)
			);
		`,
	},
	{
		Version:     3,
		Description: "Add composite indexes for dashboard queries",
		SQL: `
			-- Speeds up: SELECT ... FROM dns_events WHERE client_ip = ? ORDER BY timestamp DESC
			CREATE INDEX IF NOT EXISTS idx_dns_events_client_timestamp ON dns_events(client_ip, timestamp);

			-- Speeds up: top domains grouping
			CREATE INDEX IF NOT EXISTS idx_dns_events_domain_id ON dns_events(domain, id);

			-- Speeds up: retention sweep of traffic_stats
			CREATE INDEX IF NOT EXISTS idx_traffic_stats_last_accessed ON traffic_stats(last_accessed);
		`,
	},
}

// getMigrations returns all migrations sorted by version
func getMigrations() []Migration {
	result := make([]Migration, len(migrations))
	copy(result, migrations)

	sort.Slice(result, func(i, j int) bool {
		return result[i].Version < result[j].Version
	})

	return result
}

// getCurrentVersion returns the current schema version from the database.
// Returns 0 if schema_version table doesn't exist (fresh database)
func getCurrentVersion(db *sql.DB) (int, error) {
	var exists int
	err := db.QueryRow(`
		SELECT 1 FROM sqlite_master
		WHERE type='table' AND name='schema_version'
	`).Scan(&exists)

	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	} else if err != nil {
		return 0, fmt.Errorf("failed to check schema_version table: %w", err)
	}

	var version int
	err = db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to query schema version: %w", err)
	}

	return version, nil
}

// applyMigration applies a single migration within a transaction
func applyMigration(db *sql.DB, migration Migration) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err = tx.Exec(migration.SQL); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO schema_version (version, applied_at)
		VALUES (?, CURRENT_TIMESTAMP)
	`, migration.Version)
	if err != nil {
		return fmt.Errorf("failed to record migration version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}

	return nil
}

// runMigrations applies all pending migrations in order. A failure leaves
// the database at the last successfully applied version.
func runMigrations(db *sql.DB) error {
	currentVersion, err := getCurrentVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}

	for _, migration := range getMigrations() {
		if migration.Version <= currentVersion {
			continue
		}
		if err := applyMigration(db, migration); err != nil {
			return fmt.Errorf(
				"failed to apply migration v%d (%s): %w",
				migration.Version,
				migration.Description,
				err,
			)
		}
	}

	return nil
}
