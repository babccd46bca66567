// Package store provides database access for the telclaude kernel.
//
// The store is the single shared mutable state between components: sessions,
// approvals, identity links, rate buckets, circuit states, cron jobs, pending
// auth messages and memory entries all live in one SQLite file under the
// kernel data directory. Every cross-component mutation goes through it.
package store

import (
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Layout is the on-disk shape of the kernel data directory.
//
//	<root>/db/kernel.db
//	<root>/media/inbox
//	<root>/media/outbox
//	<root>/logs
//
// The root is created with mode 0700 and the database file with 0600 so that
// secrets at rest are not readable by other local users.
type Layout struct {
	Root string
}

// DBPath returns the path of the SQLite database file.
func (l Layout) DBPath() string { return filepath.Join(l.Root, "db", "kernel.db") }

// MediaInbox returns the directory incoming media is written to.
func (l Layout) MediaInbox() string { return filepath.Join(l.Root, "media", "inbox") }

// MediaOutbox returns the directory outgoing media is staged in.
func (l Layout) MediaOutbox() string { return filepath.Join(l.Root, "media", "outbox") }

// LogDir returns the log directory.
func (l Layout) LogDir() string { return filepath.Join(l.Root, "logs") }

// Prepare creates the directory tree with restrictive permissions. Existing
// directories are left alone; permissions are verified, never loosened.
func (l Layout) Prepare() error {
	dirs := []string{
		l.Root,
		filepath.Join(l.Root, "db"),
		l.MediaInbox(),
		l.MediaOutbox(),
		l.LogDir(),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create data dir %s: %w", dir, err)
		}
	}
	info, err := os.Lstat(l.Root)
	if err != nil {
		return fmt.Errorf("stat data dir: %w", err)
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("data dir %s is a symlink; refusing", l.Root)
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		return fmt.Errorf("data dir %s has mode %o; expected 0700", l.Root, perm)
	}
	return nil
}

// Store wraps the database connection.
type Store struct {
	db *sql.DB
}

// New creates a new Store at dbPath and runs migrations.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows one writer at a time. Keep a single shared connection so
	// concurrent callers are serialized by database/sql instead of fighting
	// for write locks across multiple underlying connections. Linearizable
	// one-shot consumption (approvals, link codes, cron claims) relies on
	// this.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -64000",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	store := &Store{db: db}
	if err := store.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := tightenFileMode(dbPath); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// Open prepares the layout and opens the store inside it.
func Open(layout Layout) (*Store, error) {
	if err := layout.Prepare(); err != nil {
		return nil, err
	}
	return New(layout.DBPath())
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection for component stores.
func (s *Store) DB() *sql.DB {
	return s.db
}

// NowMS returns the current wall clock in milliseconds since the Unix epoch,
// the timestamp representation used by every kernel table.
func NowMS() int64 { return time.Now().UnixMilli() }

// tightenFileMode chmods the database file to 0600 when it is looser. It
// never follows symlinks and never widens permissions.
func tightenFileMode(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("database path %s is a symlink; refusing", path)
	}
	if info.Mode().Perm()&0o077 != 0 {
		if err := os.Chmod(path, 0o600); err != nil {
			return fmt.Errorf("chmod %s: %w", path, err)
		}
	}
	return nil
}

// runMigrations applies all pending migrations.
func (s *Store) runMigrations() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			description TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var currentVersion int
	err = s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("failed to read migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	seenVersions := make(map[int]string, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		parts := strings.SplitN(entry.Name(), "_", 2)
		if len(parts) < 2 {
			continue
		}
		var version int
		if _, err := fmt.Sscanf(parts[0], "%d", &version); err != nil {
			continue
		}
		if prev, exists := seenVersions[version]; exists {
			return fmt.Errorf("duplicate migration version %04d: %q and %q", version, prev, entry.Name())
		}
		seenVersions[version] = entry.Name()
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		var version int
		var description string
		name := entry.Name()
		parts := strings.SplitN(name, "_", 2)
		if len(parts) < 2 {
			continue
		}
		if _, err := fmt.Sscanf(parts[0], "%d", &version); err != nil {
			continue
		}
		description = strings.TrimSuffix(parts[1], ".sql")

		if version <= currentVersion {
			continue
		}

		content, err := migrationsFS.ReadFile(filepath.Join("migrations", entry.Name()))
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", version, err)
		}
		_, err = tx.Exec(
			"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
			version, time.Now(), description,
		)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", version, err)
		}

		slog.Info("applied migration", "version", fmt.Sprintf("%04d", version), "description", description)
	}

	return nil
}
