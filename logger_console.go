package loevent

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
)

// ConsoleLogger writes each payload as one line. It is meant for debugging.
type ConsoleLogger struct {
	mu sync.Mutex
	w  io.Writer
}

// NewConsoleLogger returns a ConsoleLogger writing to w, or to stdout when
// w is nil.
func NewConsoleLogger(w io.Writer) *ConsoleLogger {
	if w == nil {
		w = os.Stdout
	}
	return &ConsoleLogger{w: w}
}

func (c *ConsoleLogger) Send(_ context.Context, payload string) SendResult {
	if err := c.writeLine(payload); err != nil {
		return Failed(err)
	}
	return OK()
}

// SetField prints the lock_fields message like any other payload.
func (c *ConsoleLogger) SetField(_ context.Context, payload string) error {
	return c.writeLine(payload)
}

func (c *ConsoleLogger) writeLine(payload string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintln(c.w, payload)
	return err
}
