package loevent

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
)

// Storage backend names accepted as a queue type.
const (
	BackendAuto   = "auto"
	BackendBadger = "badger"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Backend opens named stores. Opening may be slow or fail (missing
// directory, unreachable server), so callers open stores asynchronously and
// retry.
type Backend interface {
	// Name returns the backend name, e.g. "badger".
	Name() string

	// Open returns the store with the given name, creating it if needed.
	Open(ctx context.Context, name string) (Store, error)

	// Close releases the backend and every store opened from it.
	Close() error
}

// Store is one named record store. Queue records are kept in insertion
// order; keyed records are independent of them.
type Store interface {
	// Add appends a queue record.
	Add(ctx context.Context, value []byte) error

	// Pop reads the oldest queue record and deletes it in one step.
	// ok is false when the queue is empty.
	Pop(ctx context.Context) (value []byte, ok bool, err error)

	// Count returns the number of queue records.
	Count(ctx context.Context) (int, error)

	// Scan calls fn for each queue record, oldest first, without removing
	// anything.
	Scan(ctx context.Context, fn func(value []byte) error) error

	// Get reads a keyed record. ok is false when the key is absent.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	// Put writes a keyed record.
	Put(ctx context.Context, key string, value []byte) error
}

// StorageConfig selects and configures a Backend.
type StorageConfig struct {
	// QueueType is one of the Backend* names. Empty means BackendAuto.
	QueueType string

	// Dir holds the on-disk backends' files.
	Dir string

	// RedisAddr is the address of the redis server for BackendRedis.
	RedisAddr string

	Logger *slog.Logger
}

// NewBackend returns the backend named by cfg.QueueType. Nothing is opened
// until the first call to Open.
//
// BackendAuto walks the fallback ladder badger, sqlite, memory and settles
// on the first rung that opens successfully.
func NewBackend(cfg StorageConfig) (Backend, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	switch cfg.QueueType {
	case BackendBadger:
		return newBadgerBackend(filepath.Join(cfg.Dir, "badger")), nil
	case BackendSQLite:
		return newSQLiteBackend(filepath.Join(cfg.Dir, "loevent.db")), nil
	case BackendRedis:
		return newRedisBackend(cfg.RedisAddr), nil
	case BackendMemory:
		return NewMemoryBackend(), nil
	case "", BackendAuto:
		return &ladderBackend{
			rungs: []Backend{
				newBadgerBackend(filepath.Join(cfg.Dir, "badger")),
				newSQLiteBackend(filepath.Join(cfg.Dir, "loevent.db")),
				NewMemoryBackend(),
			},
			logger: logger,
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.QueueType)
	}
}

// ladderBackend tries each rung in priority order and keeps the first one
// that opens. The memory rung never fails, so Open always succeeds
// eventually.
type ladderBackend struct {
	mu       sync.Mutex
	rungs    []Backend
	selected Backend
	logger   *slog.Logger
}

func (l *ladderBackend) Name() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.selected != nil {
		return l.selected.Name()
	}
	return BackendAuto
}

func (l *ladderBackend) Open(ctx context.Context, name string) (Store, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.selected != nil {
		return l.selected.Open(ctx, name)
	}

	var lastErr error
	for _, rung := range l.rungs {
		store, err := rung.Open(ctx, name)
		if err != nil {
			l.logger.Warn("storage backend unavailable, falling back",
				"backend", rung.Name(),
				"error", err,
			)
			_ = rung.Close()
			lastErr = err
			continue
		}
		l.selected = rung
		l.logger.Debug("storage backend selected", "backend", rung.Name())
		return store, nil
	}
	return nil, fmt.Errorf("no storage backend available: %w", lastErr)
}

func (l *ladderBackend) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.selected != nil {
		return l.selected.Close()
	}
	return nil
}
