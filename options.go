package loevent

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"
)

// DebugLevel controls the pipeline's own diagnostic logging.
type DebugLevel string

const (
	// DebugNone disables diagnostic logging.
	DebugNone DebugLevel = "none"
	// DebugSimple logs lifecycle and warnings.
	DebugSimple DebugLevel = "simple"
	// DebugExtended additionally logs debug detail.
	DebugExtended DebugLevel = "extended"
)

// Debug destinations.
const (
	DebugDestConsole = "console" // stderr
	DebugDestStdout  = "stdout"
	DebugDestNone    = "none"
)

// Options configures a Pipeline.
type Options struct {
	// DebugLevel is one of DebugNone, DebugSimple, DebugExtended.
	DebugLevel DebugLevel

	// DebugDest is DebugDestConsole, DebugDestStdout or DebugDestNone.
	// DebugWriter, when set, takes precedence.
	DebugDest   string
	DebugWriter io.Writer

	// UseDisabler engages the blocklist policy engine.
	UseDisabler bool

	// QueueType selects the storage backend (see NewBackend).
	QueueType string

	// SendBrowserInfo emits a BROWSER_INFO event after initialization.
	SendBrowserInfo bool

	// VerboseEvents logs every enqueued and dispatched event at debug level.
	VerboseEvents bool

	// Metadata tasks are compiled once and locked for the session.
	Metadata []MetadataTask

	// QueueName names the pipeline's queue and disabler stores.
	QueueName string

	// StorageDir holds the on-disk backends' files.
	StorageDir string

	// RedisAddr is used when QueueType is BackendRedis.
	RedisAddr string

	// Backend, when set, is used instead of one built from QueueType. The
	// pipeline does not close a provided backend.
	Backend Backend

	// Logger, when set, replaces the logger built from the debug options.
	Logger *slog.Logger

	// Clock defaults to RealClock.
	Clock Clock

	// RetryDelay is the fixed delay for storage retries and for redelivery
	// to a failing logger.
	RetryDelay time.Duration

	// MaxSendAttempts, when positive, bounds delivery attempts of one event
	// to one logger; the event is then given up for that logger. Zero
	// retries until the logger accepts it.
	MaxSendAttempts int
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() Options {
	return Options{
		DebugLevel:  DebugNone,
		DebugDest:   DebugDestConsole,
		UseDisabler: true,
		QueueType:   BackendAuto,
		QueueName:   "loevent",
		StorageDir:  defaultStorageDir(),
		RetryDelay:  DefaultRetryDelay,
	}
}

// withDefaults fills zero fields from DefaultOptions.
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.DebugLevel == "" {
		o.DebugLevel = d.DebugLevel
	}
	if o.DebugDest == "" {
		o.DebugDest = d.DebugDest
	}
	if o.QueueType == "" {
		o.QueueType = d.QueueType
	}
	if o.QueueName == "" {
		o.QueueName = d.QueueName
	}
	if o.StorageDir == "" {
		o.StorageDir = d.StorageDir
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = d.RetryDelay
	}
	if o.MaxSendAttempts < 0 {
		o.MaxSendAttempts = 0
	}
	if o.Clock == nil {
		o.Clock = RealClock()
	}
	return o
}

// newLogger builds the diagnostic logger from the debug options.
func (o Options) newLogger() (*slog.Logger, error) {
	var level slog.Level
	switch o.DebugLevel {
	case DebugNone:
		if o.Logger != nil {
			return o.Logger, nil
		}
		return slog.New(slog.DiscardHandler), nil
	case DebugSimple:
		level = slog.LevelInfo
	case DebugExtended:
		level = slog.LevelDebug
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDebugLevel, o.DebugLevel)
	}

	if o.Logger != nil {
		return o.Logger, nil
	}

	w := o.DebugWriter
	if w == nil {
		switch o.DebugDest {
		case DebugDestConsole:
			w = os.Stderr
		case DebugDestStdout:
			w = os.Stdout
		case DebugDestNone:
			return slog.New(slog.DiscardHandler), nil
		default:
			return nil, fmt.Errorf("loevent: unknown debug destination %q", o.DebugDest)
		}
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), nil
}

func defaultStorageDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return dir + string(os.PathSeparator) + "loevent"
	}
	return os.TempDir() + string(os.PathSeparator) + "loevent"
}
