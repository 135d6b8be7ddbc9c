// Package db provides the local durable store: a SQLite database holding
// named collections of JSON records.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/singleflight"
	_ "modernc.org/sqlite"
)

// FileName is the database file created inside a data directory.
const FileName = "syncd.db"

// DB wraps the sql.DB with syncd-specific configuration.
type DB struct {
	*sql.DB
}

// Open opens a SQLite database in dataDir.
// The database is opened with:
// - WAL mode so readers don't block the drain writer
// - a single connection, SQLite has one writer
// - a busy timeout for the WAL checkpointer
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dataDir, FileName))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return &DB{db}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}

// Opener owns the live store handles of a process. Opening the same data
// directory again returns the same handle; concurrent first opens share a
// single open and migration.
type Opener struct {
	group singleflight.Group

	mu     sync.Mutex
	stores map[string]*SQLStore
}

// NewOpener creates an Opener with no open stores.
func NewOpener() *Opener {
	return &Opener{stores: make(map[string]*SQLStore)}
}

// Open returns the store for dataDir, opening and migrating it on first use.
func (o *Opener) Open(dataDir string) (*SQLStore, error) {
	dir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory: %w", err)
	}

	if s := o.lookup(dir); s != nil {
		return s, nil
	}

	v, err, _ := o.group.Do(dir, func() (interface{}, error) {
		if s := o.lookup(dir); s != nil {
			return s, nil
		}

		db, err := Open(dir)
		if err != nil {
			return nil, err
		}
		if err := Migrate(db.DB); err != nil {
			db.Close()
			return nil, err
		}

		s := newSQLStore(db, func() { o.forget(dir) })
		o.mu.Lock()
		o.stores[dir] = s
		o.mu.Unlock()
		return s, nil
	})
	if err != nil {
		return nil, storageErr("open store", err)
	}
	return v.(*SQLStore), nil
}

// Close closes every store opened through o.
func (o *Opener) Close() error {
	o.mu.Lock()
	stores := make([]*SQLStore, 0, len(o.stores))
	for _, s := range o.stores {
		stores = append(stores, s)
	}
	o.mu.Unlock()

	var firstErr error
	for _, s := range stores {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (o *Opener) lookup(dir string) *SQLStore {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stores[dir]
}

func (o *Opener) forget(dir string) {
	o.mu.Lock()
	delete(o.stores, dir)
	o.mu.Unlock()
}
