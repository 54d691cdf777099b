package loevent

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

var sqliteSchema = []string{`
	CREATE TABLE IF NOT EXISTS queue_records (
		id    INTEGER PRIMARY KEY AUTOINCREMENT,
		store TEXT NOT NULL,
		value BLOB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS queue_records_store ON queue_records (store, id)`,
	`CREATE TABLE IF NOT EXISTS keyed_records (
		store TEXT NOT NULL,
		key   TEXT NOT NULL,
		value BLOB NOT NULL,
		PRIMARY KEY (store, key)
	)`,
}

// sqliteBackend stores records in a single SQLite file. The AUTOINCREMENT
// primary key gives queue records their order.
type sqliteBackend struct {
	path string

	mu     sync.Mutex
	db     *sql.DB
	closed bool
}

func newSQLiteBackend(path string) *sqliteBackend {
	return &sqliteBackend{path: path}
}

func (b *sqliteBackend) Name() string {
	return BackendSQLite
}

func (b *sqliteBackend) Open(ctx context.Context, name string) (Store, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	if b.db == nil {
		if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
		db, err := sql.Open("sqlite", b.path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite at %s: %w", b.path, err)
		}
		// One connection serializes transactions and avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
		for _, stmt := range sqliteSchema {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("migrate sqlite at %s: %w", b.path, err)
			}
		}
		b.db = db
	}

	return &sqliteStore{db: b.db, name: name}, nil
}

func (b *sqliteBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	b.closed = true

	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

type sqliteStore struct {
	db   *sql.DB
	name string
}

func (s *sqliteStore) Add(ctx context.Context, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO queue_records (store, value) VALUES (?, ?)`, s.name, value)
	if err != nil {
		return fmt.Errorf("failed to insert record into %s: %w", s.name, err)
	}
	return nil
}

func (s *sqliteStore) Pop(ctx context.Context) ([]byte, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		id    int64
		value []byte
	)
	err = tx.QueryRowContext(ctx,
		`SELECT id, value FROM queue_records WHERE store = ? ORDER BY id LIMIT 1`, s.name,
	).Scan(&id, &value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM queue_records WHERE id = ?`, id); err != nil {
		return nil, false, fmt.Errorf("failed to delete record %d from %s: %w", id, s.name, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}

	return value, true, nil
}

func (s *sqliteStore) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue_records WHERE store = ?`, s.name,
	).Scan(&count)
	return count, err
}

func (s *sqliteStore) Scan(ctx context.Context, fn func([]byte) error) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT value FROM queue_records WHERE store = ? ORDER BY id`, s.name)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	// Collect first: fn may touch the store and the pool has one connection.
	var values [][]byte
	for rows.Next() {
		var value []byte
		if err := rows.Scan(&value); err != nil {
			return err
		}
		values = append(values, value)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	_ = rows.Close()

	for _, value := range values {
		if err := fn(value); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqliteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM keyed_records WHERE store = ? AND key = ?`, s.name, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (s *sqliteStore) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO keyed_records (store, key, value) VALUES (?, ?, ?)
		ON CONFLICT (store, key) DO UPDATE SET value = excluded.value`,
		s.name, key, value)
	if err != nil {
		return fmt.Errorf("failed to write %s/%s: %w", s.name, key, err)
	}
	return nil
}
