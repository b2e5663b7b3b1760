// Package database provides the durable SQLite-backed store of
// transcriptions and peer cursors.
package database

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB wraps a sql.DB connection configured for memo-node's access pattern.
type DB struct {
	*sql.DB
}

// Open creates or opens a SQLite database at path with WAL mode enabled and
// brings its schema up to date.
func Open(path string) (*DB, error) {
	if err := ensureParentDir(path); err != nil {
		return nil, err
	}

	sqlDB, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// SQLite performs best with a single writer connection; the Store's own
	// mutex (see store.go) documents the same single-writer invariant at the
	// call site rather than relying on the pool limit alone.
	sqlDB.SetMaxOpenConns(1)

	db := &DB{DB: sqlDB}
	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	slog.Info("database opened", "path", path)
	return db, nil
}

func ensureParentDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("creating storage directory: %w", err)
	}
	return nil
}

func sqliteDSN(path string) string {
	return fmt.Sprintf("file:%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(on)", path)
}

// migration is one embedded, numbered SQL file: migrations/0001_init.sql has
// version 1. Schema progress is tracked with SQLite's own PRAGMA
// user_version rather than a bookkeeping table, so there is nothing to
// upsert or query beyond the connection already open.
type migration struct {
	version int
	name    string
	sql     string
}

// migrate brings the database's schema up to the newest embedded migration.
// It reads the current user_version, applies every migration numbered above
// it in order inside its own transaction, and advances user_version to match
// as the last statement of that same transaction — so a crash mid-migration
// never leaves the version pragma ahead of what was actually committed.
func (db *DB) migrate() error {
	current, err := db.userVersion()
	if err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	pending, err := loadMigrations(current)
	if err != nil {
		return err
	}

	for _, m := range pending {
		if err := db.applyMigration(m); err != nil {
			return err
		}
		current = m.version
	}

	if len(pending) > 0 {
		slog.Info("schema migrated", "version", current, "applied", len(pending))
	}
	return nil
}

func (db *DB) userVersion() (int, error) {
	var version int
	if err := db.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		return 0, err
	}
	return version, nil
}

func (db *DB) applyMigration(m migration) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("beginning migration %d: %w", m.version, err)
	}

	if _, err := tx.Exec(m.sql); err != nil {
		tx.Rollback()
		return fmt.Errorf("applying migration %d (%s): %w", m.version, m.name, err)
	}

	// PRAGMA statements don't accept bind parameters; m.version comes from
	// the embedded migration filename, never from external input.
	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, m.version)); err != nil {
		tx.Rollback()
		return fmt.Errorf("advancing schema version to %d: %w", m.version, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing migration %d: %w", m.version, err)
	}

	slog.Debug("applied schema migration", "version", m.version, "file", m.name)
	return nil
}

// loadMigrations returns every embedded migration numbered strictly above
// after, sorted ascending by version.
func loadMigrations(after int) ([]migration, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("reading migrations directory: %w", err)
	}

	var pending []migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := migrationVersion(entry.Name())
		if err != nil {
			return nil, fmt.Errorf("parsing migration filename %s: %w", entry.Name(), err)
		}
		if version <= after {
			continue
		}

		content, err := migrationsFS.ReadFile(filepath.Join("migrations", entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		pending = append(pending, migration{version: version, name: entry.Name(), sql: string(content)})
	}

	sort.Slice(pending, func(i, j int) bool { return pending[i].version < pending[j].version })
	return pending, nil
}

// migrationVersion parses the leading "NNNN" of a "NNNN_description.sql"
// filename into its integer version number.
func migrationVersion(filename string) (int, error) {
	prefix, _, ok := strings.Cut(filename, "_")
	if !ok {
		return 0, fmt.Errorf("expected NNNN_description.sql, got %q", filename)
	}
	return strconv.Atoi(prefix)
}
