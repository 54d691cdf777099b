package loevent

import "errors"

var (
	// ErrClosed is returned when operating on a closed queue, store or pipeline.
	ErrClosed = errors.New("loevent: closed")

	// ErrMissingSource is returned by New when the source is empty.
	ErrMissingSource = errors.New("loevent: source must be a non-empty string")

	// ErrMissingVersion is returned by New when the version is empty.
	ErrMissingVersion = errors.New("loevent: version must be a non-empty string")

	// ErrUnknownDebugLevel is returned by New for an unrecognized debug level.
	ErrUnknownDebugLevel = errors.New("loevent: unknown debug level")

	// ErrUnknownBackend is returned when a queue type names no storage backend.
	ErrUnknownBackend = errors.New("loevent: unknown storage backend")

	// ErrConcurrentConsumer is returned when a second consumer waits on a queue.
	ErrConcurrentConsumer = errors.New("loevent: queue already has a waiting consumer")

	// ErrAlreadyRunning is returned when Go is called more than once.
	ErrAlreadyRunning = errors.New("loevent: dequeue loop already running")

	// ErrInitFailed is returned by WaitReady when logger initialization failed.
	ErrInitFailed = errors.New("loevent: logger initialization failed")
)
