package loevent

import (
	"context"
	"encoding/json"
	"io"
)

// ExportFormat defines the output format for exported queue contents.
type ExportFormat int

const (
	// JSON exports items as a JSON array.
	JSON ExportFormat = iota
	// JSONLines exports one JSON document per line.
	JSONLines
)

// Export writes every pending item to w without consuming anything: returned
// items first, then durable records, then items still buffered in memory.
// The context can be used to cancel long-running exports.
func (q *Queue[T]) Export(ctx context.Context, w io.Writer, format ExportFormat) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	items, err := q.snapshot(ctx)
	if err != nil {
		return err
	}

	switch format {
	case JSONLines:
		return exportJSONLines(w, items)
	default:
		return exportJSON(w, items)
	}
}

// snapshot collects pending items in delivery order. ioMu keeps the flush
// goroutine from moving items between the buffer and the store meanwhile.
func (q *Queue[T]) snapshot(ctx context.Context) ([]T, error) {
	q.ioMu.Lock()
	defer q.ioMu.Unlock()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrClosed
	}
	items := append([]T(nil), q.head...)
	store := q.store
	buffered := append([]T(nil), q.buffer...)
	q.mu.Unlock()

	if store != nil {
		err := store.Scan(ctx, func(data []byte) error {
			item, err := q.codec.Decode(data)
			if err != nil {
				q.logger.Warn("skipping undecodable record in export", "error", err)
				return nil
			}
			items = append(items, item)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	return append(items, buffered...), nil
}

// exportJSON writes items as a JSON array.
func exportJSON[T any](w io.Writer, items []T) error {
	if items == nil {
		items = []T{}
	}
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(items)
}

// exportJSONLines writes one compact JSON document per item.
func exportJSONLines[T any](w io.Writer, items []T) error {
	encoder := json.NewEncoder(w)
	for _, item := range items {
		if err := encoder.Encode(item); err != nil {
			return err
		}
	}
	return nil
}
