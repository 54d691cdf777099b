package loevent

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ulidSource provides monotonic ULID generation.
// ULIDs generated within the same millisecond are still strictly ordered,
// which is what gives queue records their insertion order.
type ulidSource struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
	last    ulid.ULID
}

func newULIDSource() *ulidSource {
	return &ulidSource{
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// New generates a new ULID with the given timestamp. If the timestamp is
// behind the last generated ULID (clock stepped backwards) the previous
// timestamp is reused so ordering is never violated.
func (s *ulidSource) New(t time.Time) ulid.ULID {
	s.mu.Lock()
	defer s.mu.Unlock()

	ms := ulid.Timestamp(t)
	if ms < s.last.Time() {
		ms = s.last.Time()
	}
	id := ulid.MustNew(ms, s.entropy)
	s.last = id
	return id
}

// Now generates a new ULID with the current timestamp.
func (s *ulidSource) Now() ulid.ULID {
	return s.New(time.Now())
}
