package database

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("record not found")

// ErrNoTransaction is returned when commit/rollback is called with no
// transaction open.
var ErrNoTransaction = errors.New("no transaction in progress")

// schemaVersion is the target schema version written to schema_meta.
const schemaVersion = 4

// dbtx is the subset of database/sql shared by *sql.DB and *sql.Tx.
// Ledger operations route through it so they transparently join an
// explicitly opened transaction.
type dbtx interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// Ledger wraps a single SQLite connection and records everything the
// manager knows about models, versions, files, images and downloads.
// All operations are serialized through an internal mutex; the connection
// pool is pinned to one connection so WAL writers never contend.
type Ledger struct {
	mu sync.Mutex
	db *sql.DB
	tx *sql.Tx // open explicit transaction, nil otherwise
}

// Open initializes the SQLite database at path, applies the connection
// pragmas and runs schema migration.
func Open(path string) (*Ledger, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "/" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database at %s: %w", path, err)
	}
	// Single connection: the mutex above is the real serialization point.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			log.WithError(err).Warnf("Failed to apply %q", pragma)
		}
	}

	l := &Ledger{db: db}
	if err := l.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Infof("Database opened successfully at %s", path)
	return l, nil
}

// Close safely closes the database connection. An open transaction is
// rolled back first.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	log.Info("Closing database...")
	if l.tx != nil {
		if err := l.tx.Rollback(); err != nil {
			log.WithError(err).Warn("Failed to roll back open transaction on close")
		}
		l.tx = nil
	}
	return l.db.Close()
}

// q returns the active transaction when one is open, otherwise the
// connection itself. Callers must hold l.mu.
func (l *Ledger) q() dbtx {
	if l.tx != nil {
		return l.tx
	}
	return l.db
}

// migrate brings the schema up to schemaVersion. Version 0 databases are
// rebuilt from scratch; older versioned databases are altered in place.
func (l *Ledger) migrate() error {
	if _, err := l.db.Exec(`CREATE TABLE IF NOT EXISTS schema_meta (key TEXT PRIMARY KEY, value TEXT)`); err != nil {
		return fmt.Errorf("creating schema_meta: %w", err)
	}

	current := 0
	var raw string
	err := l.db.QueryRow(`SELECT value FROM schema_meta WHERE key = 'schema_version'`).Scan(&raw)
	switch {
	case err == nil:
		if n, convErr := strconv.Atoi(raw); convErr == nil {
			current = n
		}
	case errors.Is(err, sql.ErrNoRows):
		// fresh database
	default:
		return fmt.Errorf("reading schema version: %w", err)
	}

	if current >= schemaVersion {
		return nil
	}

	if current == 0 {
		for _, tbl := range []string{"downloads", "downloaded_models", "models", "versions", "files", "images"} {
			if _, err := l.db.Exec("DROP TABLE IF EXISTS " + tbl); err != nil {
				log.WithError(err).Warnf("Failed to drop table %s during migration", tbl)
			}
		}
		for _, stmt := range []string{
			`CREATE TABLE IF NOT EXISTS models (
				model_id INTEGER PRIMARY KEY,
				name TEXT,
				type TEXT,
				base_model TEXT,
				creator TEXT,
				url TEXT,
				description TEXT,
				tags TEXT,
				published_at TEXT,
				updated_at TEXT,
				metadata TEXT
			)`,
			`CREATE TABLE IF NOT EXISTS versions (
				version_id INTEGER PRIMARY KEY,
				model_id INTEGER,
				name TEXT,
				base_model TEXT,
				published_at TEXT,
				updated_at TEXT,
				trained_words TEXT,
				metadata TEXT,
				FOREIGN KEY(model_id) REFERENCES models(model_id)
			)`,
			`CREATE TABLE IF NOT EXISTS files (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				version_id INTEGER,
				name TEXT,
				type TEXT,
				size REAL,
				download_url TEXT,
				format TEXT,
				sha256 TEXT,
				path TEXT,
				FOREIGN KEY(version_id) REFERENCES versions(version_id)
			)`,
			`CREATE TABLE IF NOT EXISTS images (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				model_id INTEGER,
				version_id INTEGER,
				url TEXT,
				local_path TEXT,
				position INTEGER,
				is_gif INTEGER,
				FOREIGN KEY(model_id) REFERENCES models(model_id),
				FOREIGN KEY(version_id) REFERENCES versions(version_id)
			)`,
			`CREATE TABLE IF NOT EXISTS downloads (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				model_id INTEGER,
				model_name TEXT,
				model_type TEXT,
				version TEXT,
				version_id INTEGER,
				main_tag TEXT,
				download_date TEXT,
				original_file_name TEXT,
				file_path TEXT,
				file_size REAL,
				status TEXT,
				file_sha256 TEXT,
				restored INTEGER DEFAULT 0
			)`,
		} {
			if _, err := l.db.Exec(stmt); err != nil {
				return fmt.Errorf("creating schema: %w", err)
			}
		}
	} else {
		if current < 4 {
			// restored column arrived in v4
			if _, err := l.db.Exec(`ALTER TABLE downloads ADD COLUMN restored INTEGER DEFAULT 0`); err != nil {
				log.WithError(err).Warn("Failed to add restored column (may already exist)")
			}
		}
	}

	if _, err := l.db.Exec(
		`INSERT OR REPLACE INTO schema_meta (key, value) VALUES ('schema_version', ?)`,
		strconv.Itoa(schemaVersion),
	); err != nil {
		return fmt.Errorf("writing schema version: %w", err)
	}
	log.Debugf("Schema migrated to version %d (was %d)", schemaVersion, current)
	return nil
}

// BeginTransaction opens an explicit transaction. All subsequent ledger
// writes join it until CommitTransaction or RollbackTransaction is called.
func (l *Ledger) BeginTransaction() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.tx != nil {
		return errors.New("transaction already in progress")
	}
	tx, err := l.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	l.tx = tx
	return nil
}

// CommitTransaction commits the open transaction.
func (l *Ledger) CommitTransaction() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.tx == nil {
		return ErrNoTransaction
	}
	err := l.tx.Commit()
	l.tx = nil
	if err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// RollbackTransaction rolls back the open transaction, discarding every
// write made since BeginTransaction.
func (l *Ledger) RollbackTransaction() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.tx == nil {
		return ErrNoTransaction
	}
	err := l.tx.Rollback()
	l.tx = nil
	if err != nil {
		return fmt.Errorf("rolling back transaction: %w", err)
	}
	return nil
}
