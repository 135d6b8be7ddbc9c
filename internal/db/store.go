package db

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/dentaldesk/syncd/internal/errors"
)

// Collection names of the sync store.
const (
	ActionQueue    = "actionQueue"
	SyncConflicts  = "syncConflicts"
	CachedEntities = "cachedEntities"
	ConflictLog    = "conflictLog"
)

// Record is one stored value.
type Record struct {
	Key       string
	Value     json.RawMessage
	UpdatedAt time.Time
}

// Decode unmarshals the record value into dst.
func (r Record) Decode(dst interface{}) error {
	if err := json.Unmarshal(r.Value, dst); err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "decode record "+r.Key, err)
	}
	return nil
}

// Records is the key-value contract shared by a store and its transactions.
// Every failure other than NotFound is a retryable StorageUnavailable.
type Records interface {
	// Get decodes the value at key into dst, or fails with NotFound.
	Get(ctx context.Context, collection, key string, dst interface{}) error
	// GetAll returns a collection in first-insertion order.
	GetAll(ctx context.Context, collection string) ([]Record, error)
	// Put upserts value at key. An existing key keeps its position.
	Put(ctx context.Context, collection, key string, value interface{}) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, collection, key string) error
	// Clear removes every record of a collection.
	Clear(ctx context.Context, collection string) error
}

// Store is the local durable store.
type Store interface {
	Records
	// WithTx runs fn atomically. fn must only use the Records it is given.
	WithTx(ctx context.Context, fn func(tx Records) error) error
	Close() error
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

const (
	getQuery    = `SELECT value FROM records WHERE collection = ? AND key = ?`
	getAllQuery = `SELECT key, value, updated_at FROM records WHERE collection = ? ORDER BY id`
	putQuery    = `
	INSERT INTO records (collection, key, value, updated_at) VALUES (?, ?, ?, ?)
	ON CONFLICT(collection, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`
	deleteQuery = `DELETE FROM records WHERE collection = ? AND key = ?`
	clearQuery  = `DELETE FROM records WHERE collection = ?`
)

// SQLStore is a Store backed by SQLite.
type SQLStore struct {
	db      *DB
	onClose func()

	// Prepared statements for the non-transactional path.
	stmtCache sync.Map // map[string]*sql.Stmt

	closeOnce sync.Once
	closeErr  error
}

var _ Store = (*SQLStore)(nil)

func newSQLStore(db *DB, onClose func()) *SQLStore {
	return &SQLStore{db: db, onClose: onClose}
}

// NewSQLStore opens and migrates a standalone store in dataDir. Prefer an
// Opener when several components share a data directory.
func NewSQLStore(dataDir string) (*SQLStore, error) {
	db, err := Open(dataDir)
	if err != nil {
		return nil, storageErr("open store", err)
	}
	if err := Migrate(db.DB); err != nil {
		db.Close()
		return nil, err
	}
	return newSQLStore(db, nil), nil
}

// DB exposes the underlying connection.
func (s *SQLStore) DB() *DB {
	return s.db
}

// prepareStmt gets or creates a prepared statement from cache.
func (s *SQLStore) prepareStmt(ctx context.Context, query string) (*sql.Stmt, error) {
	if stmt, ok := s.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := s.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	actual, loaded := s.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// Get implements Records.
func (s *SQLStore) Get(ctx context.Context, collection, key string, dst interface{}) error {
	stmt, err := s.prepareStmt(ctx, getQuery)
	if err != nil {
		return storageErr("get "+collection, err)
	}
	return scanGet(stmt.QueryRowContext(ctx, collection, key), collection, key, dst)
}

// GetAll implements Records.
func (s *SQLStore) GetAll(ctx context.Context, collection string) ([]Record, error) {
	stmt, err := s.prepareStmt(ctx, getAllQuery)
	if err != nil {
		return nil, storageErr("list "+collection, err)
	}
	rows, err := stmt.QueryContext(ctx, collection)
	if err != nil {
		return nil, storageErr("list "+collection, err)
	}
	return scanAll(rows, collection)
}

// Put implements Records.
func (s *SQLStore) Put(ctx context.Context, collection, key string, value interface{}) error {
	data, err := encode(collection, key, value)
	if err != nil {
		return err
	}
	stmt, err := s.prepareStmt(ctx, putQuery)
	if err != nil {
		return storageErr("put "+collection, err)
	}
	if _, err := stmt.ExecContext(ctx, collection, key, data, time.Now().UnixMilli()); err != nil {
		return storageErr("put "+collection, err)
	}
	return nil
}

// Delete implements Records.
func (s *SQLStore) Delete(ctx context.Context, collection, key string) error {
	stmt, err := s.prepareStmt(ctx, deleteQuery)
	if err != nil {
		return storageErr("delete "+collection, err)
	}
	if _, err := stmt.ExecContext(ctx, collection, key); err != nil {
		return storageErr("delete "+collection, err)
	}
	return nil
}

// Clear implements Records.
func (s *SQLStore) Clear(ctx context.Context, collection string) error {
	stmt, err := s.prepareStmt(ctx, clearQuery)
	if err != nil {
		return storageErr("clear "+collection, err)
	}
	if _, err := stmt.ExecContext(ctx, collection); err != nil {
		return storageErr("clear "+collection, err)
	}
	return nil
}

// WithTx implements Store. The store has a single connection, so fn must not
// call back into s.
func (s *SQLStore) WithTx(ctx context.Context, fn func(tx Records) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin transaction", err)
	}
	defer tx.Rollback()

	if err := fn(txRecords{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit transaction", err)
	}
	return nil
}

// Close closes cached statements and the database. Calling it twice is safe.
func (s *SQLStore) Close() error {
	s.closeOnce.Do(func() {
		s.stmtCache.Range(func(key, value interface{}) bool {
			value.(*sql.Stmt).Close()
			return true
		})
		s.closeErr = s.db.Close()
		if s.onClose != nil {
			s.onClose()
		}
	})
	return s.closeErr
}

// txRecords runs Records operations inside a transaction.
type txRecords struct {
	q querier
}

func (t txRecords) Get(ctx context.Context, collection, key string, dst interface{}) error {
	return scanGet(t.q.QueryRowContext(ctx, getQuery, collection, key), collection, key, dst)
}

func (t txRecords) GetAll(ctx context.Context, collection string) ([]Record, error) {
	rows, err := t.q.QueryContext(ctx, getAllQuery, collection)
	if err != nil {
		return nil, storageErr("list "+collection, err)
	}
	return scanAll(rows, collection)
}

func (t txRecords) Put(ctx context.Context, collection, key string, value interface{}) error {
	data, err := encode(collection, key, value)
	if err != nil {
		return err
	}
	if _, err := t.q.ExecContext(ctx, putQuery, collection, key, data, time.Now().UnixMilli()); err != nil {
		return storageErr("put "+collection, err)
	}
	return nil
}

func (t txRecords) Delete(ctx context.Context, collection, key string) error {
	if _, err := t.q.ExecContext(ctx, deleteQuery, collection, key); err != nil {
		return storageErr("delete "+collection, err)
	}
	return nil
}

func (t txRecords) Clear(ctx context.Context, collection string) error {
	if _, err := t.q.ExecContext(ctx, clearQuery, collection); err != nil {
		return storageErr("clear "+collection, err)
	}
	return nil
}

func scanGet(row *sql.Row, collection, key string, dst interface{}) error {
	var value string
	if err := row.Scan(&value); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return apperrors.Newf(apperrors.ErrNotFound, "%s/%s not found", collection, key)
		}
		return storageErr("get "+collection, err)
	}
	if dst == nil {
		return nil
	}
	return Record{Key: key, Value: json.RawMessage(value)}.Decode(dst)
}

func scanAll(rows *sql.Rows, collection string) ([]Record, error) {
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			r         Record
			value     string
			updatedAt int64
		)
		if err := rows.Scan(&r.Key, &value, &updatedAt); err != nil {
			return nil, storageErr("scan "+collection, err)
		}
		r.Value = json.RawMessage(value)
		r.UpdatedAt = time.UnixMilli(updatedAt)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list "+collection, err)
	}
	return records, nil
}

func encode(collection, key string, value interface{}) (string, error) {
	if collection == "" || key == "" {
		return "", apperrors.New(apperrors.ErrInvalid, "collection and key are required")
	}
	data, err := json.Marshal(value)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrInvalid, "encode "+collection+"/"+key, err)
	}
	return string(data), nil
}

// storageErr wraps err as StorageUnavailable unless it already carries a code.
func storageErr(op string, err error) error {
	var appErr *apperrors.AppError
	if stderrors.As(err, &appErr) {
		return err
	}
	return apperrors.Wrap(apperrors.ErrStorageUnavailable, op, err)
}
