package storage

import (
	"crypto/md5"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migration is a single versioned schema change.
type Migration struct {
	Version  string
	Filename string
	Content  string
	Checksum string
}

// MigrationRunner applies the embedded schema migrations to a sqlite database.
type MigrationRunner struct {
	db *sql.DB
}

func NewMigrationRunner(db *sql.DB) *MigrationRunner {
	return &MigrationRunner{db: db}
}

// Migrate applies all pending migrations. Already-applied versions are
// verified against their recorded checksum and skipped.
func (mr *MigrationRunner) Migrate() error {
	// WAL mode: the lifecycle manager and both monitor loops share this db.
	if _, err := mr.db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if err := mr.createMigrationsTable(); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	migrations, err := mr.loadMigrations()
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	for _, migration := range migrations {
		if err := mr.applyMigration(migration); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", migration.Version, err)
		}
	}

	return nil
}

func (mr *MigrationRunner) createMigrationsTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		checksum TEXT NOT NULL,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)
	`
	_, err := mr.db.Exec(query)
	return err
}

func (mr *MigrationRunner) loadMigrations() ([]Migration, error) {
	var migrations []Migration

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		content, err := fs.ReadFile(migrationsFS, filepath.Join("migrations", entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read migration file %s: %w", entry.Name(), err)
		}

		// "001_initial_schema.sql" -> version "001"
		version := strings.Split(entry.Name(), "_")[0]

		migrations = append(migrations, Migration{
			Version:  version,
			Filename: entry.Name(),
			Content:  string(content),
			Checksum: fmt.Sprintf("%x", md5.Sum(content)),
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})

	return migrations, nil
}

func (mr *MigrationRunner) applyMigration(migration Migration) error {
	var existingChecksum string
	err := mr.db.QueryRow(
		"SELECT checksum FROM schema_migrations WHERE version = ?",
		migration.Version,
	).Scan(&existingChecksum)

	if err == nil {
		if existingChecksum != migration.Checksum {
			return fmt.Errorf(
				"checksum mismatch for migration %s: expected %s, got %s",
				migration.Version,
				existingChecksum,
				migration.Checksum,
			)
		}
		return nil
	}

	if err != sql.ErrNoRows {
		return fmt.Errorf("failed to check migration status: %w", err)
	}

	if _, err := mr.db.Exec(migration.Content); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	_, err = mr.db.Exec(
		"INSERT INTO schema_migrations (version, checksum) VALUES (?, ?)",
		migration.Version,
		migration.Checksum,
	)
	if err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	return nil
}
