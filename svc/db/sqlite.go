package db

import (
	"context"
	"database/sql"
	"strings"
	"sync/atomic"
	"time"

	"audiopaste/pkg/domain"

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

var ErrCircuitOpen = errors.New("database circuit breaker open")

const (
	circuitClosed   = 0
	circuitOpen     = 1
	circuitHalfOpen = 2
	maxFailures     = 5
	cooldownSeconds = 30
)

const (
	defaultMaxOpenConns = 100
	defaultMaxIdleConns = 10
	defaultQueryTimeout = 5 * time.Second
)

// SQLite is the durable metadata store: one row per clip record, keyed by
// the content-addressed key. All mutations are single statements, so a
// record is never observably partially written.
type SQLite struct {
	db            *sql.DB
	failures      int32
	circuitState  int32
	circuitOpened int64
	queryTimeout  time.Duration
}

func (s *SQLite) DB() *sql.DB {
	return s.db
}

func NewSQLite(path string) (*SQLite, error) {
	return NewSQLiteWithConfig(path, defaultMaxOpenConns, defaultMaxIdleConns, defaultQueryTimeout)
}

func NewSQLiteWithConfig(path string, maxOpenConns, maxIdleConns int, queryTimeout time.Duration) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open db")
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(1 * time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, errors.Wrap(err, "failed to ping db")
	}
	s := &SQLite{
		db:           db,
		queryTimeout: queryTimeout,
	}
	if err := s.migrate(); err != nil {
		return nil, errors.Wrap(err, "migration failed")
	}
	return s, nil
}

func (s *SQLite) checkCircuit() error {
	state := atomic.LoadInt32(&s.circuitState)
	switch state {
	case circuitClosed:
		return nil
	case circuitOpen:
		opened := atomic.LoadInt64(&s.circuitOpened)
		if time.Now().Unix()-opened >= cooldownSeconds {
			if atomic.CompareAndSwapInt32(&s.circuitState, circuitOpen, circuitHalfOpen) {
				return nil
			}
		}
		return ErrCircuitOpen
	case circuitHalfOpen:
		return nil
	default:
		return nil
	}
}

func (s *SQLite) recordError(err error) {
	if err == nil {
		atomic.StoreInt32(&s.failures, 0)
		atomic.StoreInt32(&s.circuitState, circuitClosed)
		return
	}
	if errors.Is(err, sql.ErrNoRows) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return
	}
	failures := atomic.AddInt32(&s.failures, 1)
	if atomic.LoadInt32(&s.circuitState) == circuitHalfOpen {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
		atomic.StoreInt32(&s.failures, 0)
		return
	}
	if failures >= maxFailures && atomic.LoadInt32(&s.circuitState) == circuitClosed {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
	}
}

func (s *SQLite) migrate() error {
	_, err := s.db.Exec("PRAGMA journal_mode=WAL")
	if err != nil {
		return errors.Wrap(err, "enable WAL mode")
	}
	_, err = s.db.Exec("PRAGMA busy_timeout = 5000")
	if err != nil {
		return errors.Wrap(err, "set busy timeout")
	}
	_, err = s.db.Exec("PRAGMA synchronous=FULL")
	if err != nil {
		return errors.Wrap(err, "set synchronous mode")
	}
	query := `
	CREATE TABLE IF NOT EXISTS pastes (
		key TEXT PRIMARY KEY,
		digest TEXT NOT NULL,
		blob_path TEXT NOT NULL,
		owner_token TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL,
		soft_deleted INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_owner_created ON pastes(owner_token, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_expires_at ON pastes(expires_at);
	`
	_, err = s.db.Exec(query)
	return err
}

// Insert creates the metadata record. It fails with ErrDuplicateKey if a
// record already exists for that key; the caller is expected to have resolved
// truncated-hash collisions before calling.
func (s *SQLite) Insert(ctx context.Context, r *domain.PasteRecord) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `
	INSERT INTO pastes (key, digest, blob_path, owner_token, created_at, expires_at, soft_deleted)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(queryCtx, q,
		r.Key, r.Digest, r.BlobPath, r.OwnerToken, r.CreatedAt, r.ExpiresAt, boolToInt(r.SoftDeleted),
	)
	if isUniqueViolation(err) {
		return domain.ErrDuplicateKey
	}
	s.recordError(err)
	return errors.Wrap(err, "db insert")
}

func (s *SQLite) GetByKey(ctx context.Context, key string) (*domain.PasteRecord, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `
	SELECT key, digest, blob_path, owner_token, created_at, expires_at, soft_deleted
	FROM pastes WHERE key = ?
	`
	r, err := scanRecord(s.db.QueryRowContext(queryCtx, q, key))
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "db get")
	}
	return r, nil
}

// ListByOwner returns every record for an owner token, newest first,
// including retired ones. Accessibility filtering belongs to the caller.
func (s *SQLite) ListByOwner(ctx context.Context, ownerToken string) ([]*domain.PasteRecord, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `
	SELECT key, digest, blob_path, owner_token, created_at, expires_at, soft_deleted
	FROM pastes WHERE owner_token = ? ORDER BY created_at DESC
	`
	rows, err := s.db.QueryContext(queryCtx, q, ownerToken)
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "db list by owner")
	}
	defer rows.Close()
	return collectRecords(rows)
}

// maxKeysPerQuery keeps each IN (...) statement well under SQLite's bind
// variable cap (999 by default), so bulk validation never fails on batch size.
const maxKeysPerQuery = 500

// GetManyByKeys returns the records for the given key set. Unknown keys are
// simply absent from the result. Large sets are looked up in chunks.
func (s *SQLite) GetManyByKeys(ctx context.Context, keys []string) ([]*domain.PasteRecord, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	if len(keys) > maxKeysPerQuery {
		var recs []*domain.PasteRecord
		for start := 0; start < len(keys); start += maxKeysPerQuery {
			end := start + maxKeysPerQuery
			if end > len(keys) {
				end = len(keys)
			}
			chunk, err := s.GetManyByKeys(ctx, keys[start:end])
			if err != nil {
				return nil, err
			}
			recs = append(recs, chunk...)
		}
		return recs, nil
	}
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	placeholders := strings.Repeat("?,", len(keys))
	placeholders = placeholders[:len(placeholders)-1]
	q := `
	SELECT key, digest, blob_path, owner_token, created_at, expires_at, soft_deleted
	FROM pastes WHERE key IN (` + placeholders + `)`
	args := make([]interface{}, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	rows, err := s.db.QueryContext(queryCtx, q, args...)
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "db get many")
	}
	defer rows.Close()
	return collectRecords(rows)
}

// MarkSoftDeleted flips soft_deleted to true. The transition is monotonic
// and the call is idempotent; marking an unknown key is a no-op.
func (s *SQLite) MarkSoftDeleted(ctx context.Context, key string) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `UPDATE pastes SET soft_deleted = 1 WHERE key = ?`
	_, err := s.db.ExecContext(queryCtx, q, key)
	s.recordError(err)
	return errors.Wrap(err, "db mark soft deleted")
}

// DeleteRecord permanently removes a record. Garbage collection only.
func (s *SQLite) DeleteRecord(ctx context.Context, key string) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `DELETE FROM pastes WHERE key = ?`
	_, err := s.db.ExecContext(queryCtx, q, key)
	s.recordError(err)
	return errors.Wrap(err, "db delete record")
}

// ListExpiredOrDeleted returns up to limit records that are soft-deleted or
// expired as of now. Bounded so the collector never holds the store for long.
func (s *SQLite) ListExpiredOrDeleted(ctx context.Context, now time.Time, limit int) ([]*domain.PasteRecord, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `
	SELECT key, digest, blob_path, owner_token, created_at, expires_at, soft_deleted
	FROM pastes WHERE soft_deleted = 1 OR expires_at < ?
	LIMIT ?
	`
	rows, err := s.db.QueryContext(queryCtx, q, now, limit)
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "db list expired")
	}
	defer rows.Close()
	return collectRecords(rows)
}

// ListBlobPaths returns every storage location still referenced by any
// record, retired or not. Used by the orphan sweep as the keep set.
func (s *SQLite) ListBlobPaths(ctx context.Context) ([]string, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(queryCtx, `SELECT blob_path FROM pastes`)
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "db list blob paths")
	}
	defer rows.Close()
	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, errors.Wrap(err, "scan blob path")
		}
		paths = append(paths, p)
	}
	return paths, errors.Wrap(rows.Err(), "iterate blob paths")
}

func (s *SQLite) Exists(ctx context.Context, key string) (bool, error) {
	if err := s.checkCircuit(); err != nil {
		return false, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var exists int
	q := `SELECT 1 FROM pastes WHERE key = ? LIMIT 1`
	err := s.db.QueryRowContext(queryCtx, q, key).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	s.recordError(err)
	if err != nil {
		return false, errors.Wrap(err, "exists check failed")
	}
	return exists == 1, nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*domain.PasteRecord, error) {
	var r domain.PasteRecord
	var softDeleted int
	err := row.Scan(&r.Key, &r.Digest, &r.BlobPath, &r.OwnerToken, &r.CreatedAt, &r.ExpiresAt, &softDeleted)
	if err != nil {
		return nil, err
	}
	r.SoftDeleted = softDeleted != 0
	return &r, nil
}

func collectRecords(rows *sql.Rows) ([]*domain.PasteRecord, error) {
	var recs []*domain.PasteRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan record")
		}
		recs = append(recs, r)
	}
	return recs, errors.Wrap(rows.Err(), "iterate records")
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint &&
			(sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
				sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique)
	}
	return false
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
