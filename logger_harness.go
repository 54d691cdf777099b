package loevent

import (
	"context"
	"encoding/json"
	"sync"
)

// HarnessLogger records everything it receives so tests and embedding
// applications can inspect the pipeline's output. Results for successive
// Send calls can be scripted.
type HarnessLogger struct {
	mu       sync.Mutex
	payloads []string
	fields   []string
	results  []SendResult
	initErr  error
	inits    int
	changed  chan struct{}
}

// NewHarnessLogger returns an empty HarnessLogger.
func NewHarnessLogger() *HarnessLogger {
	return &HarnessLogger{changed: make(chan struct{})}
}

// Script queues results returned by the next Send calls, in order. Once the
// script is exhausted Send returns OK.
func (h *HarnessLogger) Script(results ...SendResult) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.results = append(h.results, results...)
}

// FailInit makes Init return err.
func (h *HarnessLogger) FailInit(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.initErr = err
}

func (h *HarnessLogger) Init(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.inits++
	return h.initErr
}

// Send records payload when the scripted result is OK.
func (h *HarnessLogger) Send(_ context.Context, payload string) SendResult {
	h.mu.Lock()
	defer h.mu.Unlock()

	result := OK()
	if len(h.results) > 0 {
		result = h.results[0]
		h.results = h.results[1:]
	}
	if result.Status == SendOK {
		h.payloads = append(h.payloads, payload)
		h.notify()
	}
	return result
}

func (h *HarnessLogger) SetField(_ context.Context, payload string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fields = append(h.fields, payload)
	h.notify()
	return nil
}

// notify wakes Wait callers. Must hold h.mu.
func (h *HarnessLogger) notify() {
	close(h.changed)
	h.changed = make(chan struct{})
}

// Payloads returns the accepted payloads in arrival order.
func (h *HarnessLogger) Payloads() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.payloads...)
}

// Fields returns the received lock_fields payloads in arrival order.
func (h *HarnessLogger) Fields() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.fields...)
}

// Events decodes the accepted payloads.
func (h *HarnessLogger) Events() ([]Event, error) {
	payloads := h.Payloads()
	events := make([]Event, 0, len(payloads))
	for _, p := range payloads {
		var e Event
		if err := json.Unmarshal([]byte(p), &e); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, nil
}

// Inits returns how many times Init was called.
func (h *HarnessLogger) Inits() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.inits
}

// Wait blocks until at least n payloads have been accepted or ctx is done.
func (h *HarnessLogger) Wait(ctx context.Context, n int) error {
	for {
		h.mu.Lock()
		if len(h.payloads) >= n {
			h.mu.Unlock()
			return nil
		}
		changed := h.changed
		h.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
