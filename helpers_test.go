package loevent

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeClock is a manually advanced Clock.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []fakeWaiter
}

type fakeWaiter struct {
	deadline time.Time
	ch       chan time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.waiters = append(c.waiters, fakeWaiter{deadline: c.now.Add(d), ch: ch})
	return ch
}

// Advance moves the clock forward and fires every waiter that is due.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
	remaining := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.deadline.After(c.now) {
			w.ch <- c.now
			continue
		}
		remaining = append(remaining, w)
	}
	c.waiters = remaining
}

// WaitForWaiters blocks until at least n After calls are pending.
func (c *fakeClock) WaitForWaiters(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		count := len(c.waiters)
		c.mu.Unlock()
		if count >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d clock waiters", n)
}

var errInjected = errors.New("injected storage fault")

// faultyBackend wraps a MemoryBackend and fails a configurable number of
// operations.
type faultyBackend struct {
	*MemoryBackend
	openFailures atomic.Int32
	addFailures  atomic.Int32
	popFailures  atomic.Int32
	opens        atomic.Int32
}

func newFaultyBackend() *faultyBackend {
	return &faultyBackend{MemoryBackend: NewMemoryBackend()}
}

func (b *faultyBackend) Open(ctx context.Context, name string) (Store, error) {
	b.opens.Add(1)
	if b.openFailures.Add(-1) >= 0 {
		return nil, errInjected
	}
	store, err := b.MemoryBackend.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &faultyStore{Store: store, backend: b}, nil
}

type faultyStore struct {
	Store
	backend *faultyBackend
}

func (s *faultyStore) Add(ctx context.Context, value []byte) error {
	if s.backend.addFailures.Add(-1) >= 0 {
		return errInjected
	}
	return s.Store.Add(ctx, value)
}

func (s *faultyStore) Pop(ctx context.Context) ([]byte, bool, error) {
	if s.backend.popFailures.Add(-1) >= 0 {
		return nil, false, errInjected
	}
	return s.Store.Pop(ctx)
}

// eventually polls cond until it holds or the timeout passes.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", msg)
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}
