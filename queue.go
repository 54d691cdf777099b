package loevent

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultRetryDelay is the fixed delay between attempts of a failed storage
// step.
const DefaultRetryDelay = time.Second

// finalFlushTimeout bounds the best-effort flush performed by Close.
const finalFlushTimeout = 5 * time.Second

// QueueOptions configures a Queue.
type QueueOptions struct {
	// Logger receives storage warnings. Defaults to a discarding logger.
	Logger *slog.Logger

	// Clock drives retry delays. Defaults to RealClock.
	Clock Clock

	// RetryDelay is the wait before retrying a failed storage step.
	// Defaults to DefaultRetryDelay.
	RetryDelay time.Duration
}

// Queue is a durable single-consumer FIFO of items.
//
// Producers call Enqueue, which never blocks on storage: items go to an
// in-memory buffer and a background goroutine flushes them to the store in
// order. Until the store has been opened the buffer is authoritative. When
// the consumer is already waiting in NextItem and the queue is empty, the
// item is handed over directly without touching storage.
//
// Storage steps (flushing one item, popping one record) are serialized by
// ioMu so an item can never be observed out of order while it moves from
// the buffer to the store.
type Queue[T any] struct {
	name       string
	backend    Backend
	codec      Codec[T]
	logger     *slog.Logger
	clock      Clock
	retryDelay time.Duration

	ioMu sync.Mutex

	mu     sync.Mutex
	store  Store
	head   []T // items returned by the consumer, served before everything else
	buffer []T // items not yet flushed to the store
	waiter chan T
	closed bool

	flush  chan struct{}
	ready  chan struct{} // closed once the store is open
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewQueue creates a queue named name backed by backend and starts opening
// its store in the background. A nil backend gives a purely in-memory
// queue.
func NewQueue[T any](name string, backend Backend, codec Codec[T], opts QueueOptions) *Queue[T] {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Clock == nil {
		opts.Clock = RealClock()
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue[T]{
		name:       name,
		backend:    backend,
		codec:      codec,
		logger:     opts.Logger.With("queue", name),
		clock:      opts.Clock,
		retryDelay: opts.RetryDelay,
		flush:      make(chan struct{}, 1),
		ready:      make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	if backend == nil {
		close(q.done)
		return q
	}

	go q.run()
	return q
}

// Name returns the queue name.
func (q *Queue[T]) Name() string {
	return q.name
}

// Ready reports whether the durable store has been opened.
func (q *Queue[T]) Ready() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.store != nil
}

// WaitReady blocks until the durable store is open. It returns ErrClosed if
// the queue has no backend or is closed first.
func (q *Queue[T]) WaitReady(ctx context.Context) error {
	select {
	case <-q.ready:
		return nil
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue adds an item to the tail of the queue. It never blocks and never
// fails; items enqueued after Close are discarded.
func (q *Queue[T]) Enqueue(item T) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		q.logger.Warn("enqueue on closed queue, item discarded")
		return
	}

	if q.handOff(item) {
		return
	}

	q.buffer = append(q.buffer, item)
	if q.store != nil {
		q.signalFlush()
	}
}

// Requeue returns an item the consumer could not deliver. It becomes the
// next item NextItem returns, ahead of older stored records.
func (q *Queue[T]) Requeue(item T) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		q.logger.Warn("requeue on closed queue, item discarded")
		return
	}

	if q.handOff(item) {
		return
	}

	q.head = append([]T{item}, q.head...)
}

// handOff passes item to a waiting consumer. Must hold q.mu.
func (q *Queue[T]) handOff(item T) bool {
	if q.waiter == nil {
		return false
	}
	waiter := q.waiter
	q.waiter = nil
	waiter <- item // buffered, never blocks
	return true
}

// NextItem removes and returns the next item, blocking until one is
// available or ctx is done.
//
// Items are served in this order: returned items, then (once the store is
// open) the oldest durable record, then the in-memory buffer. Only one
// caller may wait at a time; a second concurrent waiter gets
// ErrConcurrentConsumer.
func (q *Queue[T]) NextItem(ctx context.Context) (T, error) {
	var zero T

	for {
		item, ok, wait, err := q.take(ctx)
		if err != nil {
			return zero, err
		}
		if ok {
			return item, nil
		}
		if wait == nil {
			// Storage step failed; retry after the fixed delay.
			if err := q.sleep(ctx); err != nil {
				return zero, err
			}
			continue
		}

		select {
		case item := <-wait:
			return item, nil
		case <-ctx.Done():
			return zero, q.abandonWait(wait, ctx.Err())
		case <-q.ctx.Done():
			return zero, q.abandonWait(wait, ErrClosed)
		}
	}
}

// take performs one non-blocking attempt to obtain an item. When nothing is
// available it registers and returns a wait channel. A nil channel with no
// item and no error means a storage read failed and should be retried.
func (q *Queue[T]) take(ctx context.Context) (item T, ok bool, wait chan T, err error) {
	q.ioMu.Lock()
	defer q.ioMu.Unlock()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return item, false, nil, ErrClosed
	}
	if len(q.head) > 0 {
		item = q.head[0]
		q.head = q.head[1:]
		q.mu.Unlock()
		return item, true, nil, nil
	}
	store := q.store
	q.mu.Unlock()

	if store != nil {
		for {
			data, found, err := store.Pop(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return item, false, nil, ctx.Err()
				}
				q.logger.Warn("storage read failed, will retry",
					"error", err,
					"retry_delay", q.retryDelay,
				)
				return item, false, nil, nil
			}
			if !found {
				break
			}
			decoded, err := q.codec.Decode(data)
			if err != nil {
				q.logger.Error("dropping undecodable record", "error", err)
				continue
			}
			return decoded, true, nil, nil
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.buffer) > 0 {
		item = q.buffer[0]
		var empty T
		q.buffer[0] = empty // release for GC
		q.buffer = q.buffer[1:]
		return item, true, nil, nil
	}

	if q.waiter != nil {
		return item, false, nil, ErrConcurrentConsumer
	}
	q.waiter = make(chan T, 1)
	return item, false, q.waiter, nil
}

// abandonWait deregisters the wait channel. If a producer already handed an
// item over, the item is put back at the head so it is not lost.
func (q *Queue[T]) abandonWait(wait chan T, cause error) error {
	q.mu.Lock()
	if q.waiter == wait {
		q.waiter = nil
		q.mu.Unlock()
		return cause
	}
	q.mu.Unlock()

	item := <-wait
	q.mu.Lock()
	q.head = append([]T{item}, q.head...)
	q.mu.Unlock()
	return cause
}

// Count returns the number of pending items. Before the store is open this
// is the in-memory length; afterwards it is the durable record count plus
// returned items, which excludes items still waiting to be flushed.
func (q *Queue[T]) Count(ctx context.Context) (int, error) {
	q.mu.Lock()
	store := q.store
	head := len(q.head)
	buffered := len(q.buffer)
	q.mu.Unlock()

	if store == nil {
		return head + buffered, nil
	}

	n, err := store.Count(ctx)
	if err != nil {
		return 0, err
	}
	return n + head, nil
}

// Pending returns the number of items not yet consumed, wherever they are
// held: returned, buffered in memory, or stored.
func (q *Queue[T]) Pending(ctx context.Context) (int, error) {
	q.mu.Lock()
	store := q.store
	held := len(q.head) + len(q.buffer)
	q.mu.Unlock()

	if store == nil {
		return held, nil
	}

	n, err := store.Count(ctx)
	if err != nil {
		return 0, err
	}
	return n + held, nil
}

// Close stops the background goroutine after a best-effort flush of the
// buffer. Pending waiters return ErrClosed.
func (q *Queue[T]) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.closed = true
	q.mu.Unlock()

	q.cancel()
	<-q.done
	return nil
}

// run opens the store, then flushes the buffer whenever signalled.
func (q *Queue[T]) run() {
	defer close(q.done)

	store, err := q.openStore()
	if err != nil {
		return
	}

	q.mu.Lock()
	q.store = store
	pending := len(q.buffer)
	q.mu.Unlock()
	close(q.ready)

	q.logger.Debug("queue storage ready",
		"backend", q.backend.Name(),
		"buffered", pending,
	)

	// Drain whatever accumulated before the store was ready.
	q.signalFlush()

	for {
		select {
		case <-q.flush:
			q.flushWithRetry()
		case <-q.ctx.Done():
			q.finalFlush()
			return
		}
	}
}

// openStore opens the queue's store, retrying at the fixed delay until it
// succeeds or the queue is closed.
func (q *Queue[T]) openStore() (Store, error) {
	for {
		store, err := q.backend.Open(q.ctx, q.name)
		if err == nil {
			return store, nil
		}
		if q.ctx.Err() != nil {
			return nil, q.ctx.Err()
		}
		q.logger.Warn("storage open failed, will retry",
			"backend", q.backend.Name(),
			"error", err,
			"retry_delay", q.retryDelay,
		)
		if err := q.sleep(q.ctx); err != nil {
			return nil, err
		}
	}
}

func (q *Queue[T]) flushWithRetry() {
	for {
		err := q.flushOnce(q.ctx)
		if err == nil || q.ctx.Err() != nil {
			return
		}
		q.logger.Warn("storage write failed, will retry",
			"error", err,
			"retry_delay", q.retryDelay,
		)
		if q.sleep(q.ctx) != nil {
			return
		}
	}
}

// finalFlush makes one pass at persisting the buffer after Close.
func (q *Queue[T]) finalFlush() {
	ctx, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
	defer cancel()

	if err := q.flushOnce(ctx); err != nil {
		q.mu.Lock()
		remaining := len(q.buffer)
		q.mu.Unlock()
		q.logger.Warn("final flush failed, buffered items lost",
			"error", err,
			"remaining", remaining,
		)
	}
}

// flushOnce moves buffered items to the store, oldest first, until the
// buffer is empty or a write fails. A failed item goes back to the head of
// the buffer.
func (q *Queue[T]) flushOnce(ctx context.Context) error {
	for {
		q.ioMu.Lock()
		q.mu.Lock()
		if len(q.buffer) == 0 || q.store == nil {
			q.mu.Unlock()
			q.ioMu.Unlock()
			return nil
		}
		store := q.store
		item := q.buffer[0]
		var empty T
		q.buffer[0] = empty
		q.buffer = q.buffer[1:]
		q.mu.Unlock()

		data, err := q.codec.Encode(item)
		if err != nil {
			q.ioMu.Unlock()
			q.logger.Error("dropping unencodable item", "error", err)
			continue
		}

		if err := store.Add(ctx, data); err != nil {
			q.mu.Lock()
			q.buffer = append([]T{item}, q.buffer...)
			q.mu.Unlock()
			q.ioMu.Unlock()
			return err
		}
		q.ioMu.Unlock()
	}
}

// signalFlush wakes the flush goroutine without blocking.
func (q *Queue[T]) signalFlush() {
	select {
	case q.flush <- struct{}{}:
	default:
	}
}

// sleep waits out the retry delay, returning early if ctx is done or the
// queue is closed.
func (q *Queue[T]) sleep(ctx context.Context) error {
	select {
	case <-q.clock.After(q.retryDelay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.ctx.Done():
		return ErrClosed
	}
}
