package loevent

import (
	"context"
	"sync"
)

// MemoryBackend keeps records in process memory. It is not durable and is
// the last rung of the fallback ladder; tests use it directly.
type MemoryBackend struct {
	mu     sync.Mutex
	stores map[string]*memoryStore
}

// NewMemoryBackend returns an empty MemoryBackend. Reopening a name returns
// the same store, so records survive a queue being recreated within the
// process.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{stores: make(map[string]*memoryStore)}
}

func (b *MemoryBackend) Name() string {
	return BackendMemory
}

func (b *MemoryBackend) Open(_ context.Context, name string) (Store, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.stores[name]
	if !ok {
		s = &memoryStore{kv: make(map[string][]byte)}
		b.stores[name] = s
	}
	return s, nil
}

func (b *MemoryBackend) Close() error {
	return nil
}

type memoryStore struct {
	mu      sync.Mutex
	records [][]byte
	kv      map[string][]byte
}

func (s *memoryStore) Add(_ context.Context, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, clone(value))
	return nil
}

func (s *memoryStore) Pop(_ context.Context) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.records) == 0 {
		return nil, false, nil
	}
	value := s.records[0]
	s.records[0] = nil // release for GC
	s.records = s.records[1:]
	return value, true, nil
}

func (s *memoryStore) Count(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records), nil
}

func (s *memoryStore) Scan(ctx context.Context, fn func([]byte) error) error {
	s.mu.Lock()
	snapshot := make([][]byte, len(s.records))
	copy(snapshot, s.records)
	s.mu.Unlock()

	for _, value := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(value); err != nil {
			return err
		}
	}
	return nil
}

func (s *memoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.kv[key]
	return clone(value), ok, nil
}

func (s *memoryStore) Put(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kv[key] = clone(value)
	return nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
