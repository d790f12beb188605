package swcache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS buckets (
		seq        INTEGER PRIMARY KEY AUTOINCREMENT,
		name       TEXT NOT NULL UNIQUE,
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS entries (
		bucket    TEXT NOT NULL,
		identity  TEXT NOT NULL,
		payload   BLOB NOT NULL,
		stored_at INTEGER NOT NULL,
		PRIMARY KEY (bucket, identity)
	)`,
}

// sqliteStorage keeps buckets in a single SQLite file. One connection
// serializes writers.
type sqliteStorage struct {
	db     *sql.DB
	closed atomic.Bool
}

// NewSQLiteStorage opens (or creates) the database at path.
func NewSQLiteStorage(path string) (Storage, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	if dir := filepath.Dir(cleanPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}

	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	for _, stmt := range sqliteSchema {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}
	return &sqliteStorage{db: db}, nil
}

func (s *sqliteStorage) Open(ctx context.Context, name string) (Bucket, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO buckets (name, created_at) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`,
		name, time.Now().Unix())
	if err != nil {
		return nil, fmt.Errorf("sqlite open %q: %w", name, err)
	}
	return &sqliteBucket{s: s, name: name}, nil
}

func (s *sqliteStorage) Has(ctx context.Context, name string) (bool, error) {
	if s.closed.Load() {
		return false, ErrClosed
	}
	return s.hasBucket(ctx, s.db, name)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *sqliteStorage) hasBucket(ctx context.Context, q queryer, name string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM buckets WHERE name = ?`, name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sqlite has %q: %w", name, err)
	}
	return true, nil
}

func (s *sqliteStorage) Keys(ctx context.Context) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	return s.queryStrings(ctx, `SELECT name FROM buckets ORDER BY seq`)
}

func (s *sqliteStorage) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *sqliteStorage) Delete(ctx context.Context, name string) (bool, error) {
	if s.closed.Load() {
		return false, ErrClosed
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE bucket = ?`, name); err != nil {
		return false, fmt.Errorf("sqlite delete %q: %w", name, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM buckets WHERE name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("sqlite delete %q: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStorage) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

type sqliteBucket struct {
	s    *sqliteStorage
	name string
}

func (b *sqliteBucket) Name() string { return b.name }

func (b *sqliteBucket) Match(ctx context.Context, req *Request) (*Response, bool, error) {
	if b.s.closed.Load() {
		return nil, false, ErrClosed
	}
	var payload []byte
	err := b.s.db.QueryRowContext(ctx,
		`SELECT payload FROM entries WHERE bucket = ? AND identity = ?`,
		b.name, req.Identity()).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("sqlite get %q: %w", req.Identity(), err)
	}
	resp, err := decodeEnvelope(payload)
	if err != nil {
		return nil, false, fmt.Errorf("decode cached payload %q: %w", req.Identity(), err)
	}
	return resp, true, nil
}

func (b *sqliteBucket) Put(ctx context.Context, req *Request, resp *Response) error {
	return b.PutAll(ctx, []Entry{{Key: req.Identity(), Response: resp}})
}

func (b *sqliteBucket) PutAll(ctx context.Context, entries []Entry) error {
	if b.s.closed.Load() {
		return ErrClosed
	}
	now := time.Now().UTC()
	tx, err := b.s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	ok, err := b.s.hasBucket(ctx, tx, b.name)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("bucket %q: deleted", b.name)
	}
	for _, e := range entries {
		data, err := encodeEnvelope(e.Response, now)
		if err != nil {
			return fmt.Errorf("encode cached payload %q: %w", e.Key, err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO entries (bucket, identity, payload, stored_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT(bucket, identity) DO UPDATE SET
			    payload = excluded.payload,
			    stored_at = excluded.stored_at`,
			b.name, e.Key, data, now.Unix())
		if err != nil {
			return fmt.Errorf("sqlite put %q: %w", e.Key, err)
		}
	}
	return tx.Commit()
}

func (b *sqliteBucket) Delete(ctx context.Context, req *Request) (bool, error) {
	if b.s.closed.Load() {
		return false, ErrClosed
	}
	res, err := b.s.db.ExecContext(ctx,
		`DELETE FROM entries WHERE bucket = ? AND identity = ?`, b.name, req.Identity())
	if err != nil {
		return false, fmt.Errorf("sqlite delete %q: %w", req.Identity(), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (b *sqliteBucket) Keys(ctx context.Context) ([]string, error) {
	if b.s.closed.Load() {
		return nil, ErrClosed
	}
	return b.s.queryStrings(ctx, `SELECT identity FROM entries WHERE bucket = ? ORDER BY rowid`, b.name)
}
