package loevent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// redisBackend is the simple key/value rung: each queue is a redis list
// (RPUSH to append, LPOP to take the oldest) and keyed records are plain
// string keys.
type redisBackend struct {
	addr string

	mu     sync.Mutex
	client *redis.Client
	closed bool
}

func newRedisBackend(addr string) *redisBackend {
	return &redisBackend{addr: addr}
}

func (b *redisBackend) Name() string {
	return BackendRedis
}

func (b *redisBackend) Open(ctx context.Context, name string) (Store, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	if b.client == nil {
		b.client = redis.NewClient(&redis.Options{Addr: b.addr})
	}
	if err := b.client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis at %s: %w", b.addr, err)
	}

	// loevent:<len>:<name>: keeps names containing colons apart.
	base := string(appendStore([]byte("loevent:"), name))
	return &redisStore{
		client:   b.client,
		queueKey: base + "queue",
		kvPrefix: base + "kv:",
	}, nil
}

func (b *redisBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	b.closed = true

	if b.client == nil {
		return nil
	}
	return b.client.Close()
}

type redisStore struct {
	client   *redis.Client
	queueKey string
	kvPrefix string
}

func (s *redisStore) Add(ctx context.Context, value []byte) error {
	if err := s.client.RPush(ctx, s.queueKey, value).Err(); err != nil {
		return fmt.Errorf("failed to push record to %s: %w", s.queueKey, err)
	}
	return nil
}

func (s *redisStore) Pop(ctx context.Context) ([]byte, bool, error) {
	value, err := s.client.LPop(ctx, s.queueKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (s *redisStore) Count(ctx context.Context) (int, error) {
	n, err := s.client.LLen(ctx, s.queueKey).Result()
	return int(n), err
}

func (s *redisStore) Scan(ctx context.Context, fn func([]byte) error) error {
	values, err := s.client.LRange(ctx, s.queueKey, 0, -1).Result()
	if err != nil {
		return err
	}
	for _, v := range values {
		if err := fn([]byte(v)); err != nil {
			return err
		}
	}
	return nil
}

func (s *redisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := s.client.Get(ctx, s.kvPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (s *redisStore) Put(ctx context.Context, key string, value []byte) error {
	return s.client.Set(ctx, s.kvPrefix+key, value, 0).Err()
}
