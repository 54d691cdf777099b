package loevent

import (
	"context"
	"time"
)

// Clock abstracts the time operations used by the queue, the disabler and
// the websocket logger so that retry windows and reconnect delays can be
// driven deterministically in tests.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once d has
	// elapsed. If d <= 0 the channel receives immediately.
	After(d time.Duration) <-chan time.Time
}

// RealClock returns a Clock backed by the time package.
func RealClock() Clock {
	return realClock{}
}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// sleep waits for d on clk, returning early with the context error if ctx
// is cancelled first.
func sleep(ctx context.Context, clk Clock, d time.Duration) error {
	select {
	case <-clk.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
