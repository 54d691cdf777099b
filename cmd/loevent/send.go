package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/asungur/loevent"
)

// pipelineFlags are the flags shared by commands that touch a queue.
type pipelineFlags struct {
	configPath string
	queueType  string
	queueName  string
	storageDir string
	redisAddr  string
	debugLevel string
}

func (f *pipelineFlags) add(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&f.configPath, "config", "", "YAML config file")
	flagSet.StringVar(&f.queueType, "queue-type", "", "storage backend: auto, badger, sqlite, redis, memory")
	flagSet.StringVar(&f.queueName, "queue-name", "", "queue name")
	flagSet.StringVar(&f.storageDir, "storage-dir", "", "directory for on-disk queues")
	flagSet.StringVar(&f.redisAddr, "redis-addr", "", "redis address for the redis backend")
	flagSet.StringVar(&f.debugLevel, "debug", "", "diagnostic logging: none, simple, extended")
}

// load reads the config file, if any, and applies flags set on the command
// line over it.
func (f *pipelineFlags) load(flagSet *pflag.FlagSet) (loevent.Config, error) {
	var cfg loevent.Config
	if f.configPath != "" {
		var err error
		cfg, err = loevent.LoadConfig(f.configPath)
		if err != nil {
			return cfg, err
		}
	}
	if flagSet.Changed("queue-type") {
		cfg.QueueType = f.queueType
	}
	if flagSet.Changed("queue-name") {
		cfg.QueueName = f.queueName
	}
	if flagSet.Changed("storage-dir") {
		cfg.StorageDir = f.storageDir
	}
	if flagSet.Changed("redis-addr") {
		cfg.RedisAddr = f.redisAddr
	}
	if flagSet.Changed("debug") {
		cfg.DebugLevel = f.debugLevel
	}
	return cfg, nil
}

func runSend(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	var (
		common    pipelineFlags
		source    string
		version   string
		url       string
		console   bool
		eventType string
		linger    time.Duration
	)

	flagSet := pflag.NewFlagSet("send", pflag.ContinueOnError)
	common.add(flagSet)
	flagSet.StringVar(&source, "source", "", "event source (overrides config)")
	flagSet.StringVar(&version, "version", "", "source version (overrides config)")
	flagSet.StringVar(&url, "url", "", "websocket URL to deliver to (overrides config)")
	flagSet.BoolVar(&console, "console", false, "also print delivered events to stdout")
	flagSet.StringVar(&eventType, "type", "line", "event type for lines without an \"event\" field")
	flagSet.DurationVar(&linger, "linger", 2*time.Second, "how long to wait for delivery after input ends")

	if help, err := parseFlags(flagSet, args); help || err != nil {
		return err
	}

	cfg, err := common.load(flagSet)
	if err != nil {
		return err
	}
	if source != "" {
		cfg.Source = source
	}
	if version != "" {
		cfg.Version = version
	}
	if url != "" {
		cfg.Websocket.URL = url
	}

	opts := cfg.Options()
	logger, err := commandLogger(opts.DebugLevel)
	if err != nil {
		return err
	}
	opts.Logger = logger

	backend, err := loevent.NewBackend(loevent.StorageConfig{
		QueueType: opts.QueueType,
		Dir:       opts.StorageDir,
		RedisAddr: opts.RedisAddr,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	defer backend.Close()
	opts.Backend = backend

	var loggers []loevent.Logger
	var socket *loevent.WebsocketLogger
	if cfg.Websocket.URL != "" {
		socket = loevent.NewWebsocketLogger(cfg.Websocket.URL, loevent.WebsocketOptions{
			Backend:        backend,
			QueueName:      cfg.Websocket.QueueName,
			ReconnectDelay: time.Duration(cfg.Websocket.ReconnectDelay),
			Logger:         logger,
		})
		loggers = append(loggers, socket)
	}
	if console || socket == nil {
		loggers = append(loggers, loevent.NewConsoleLogger(stdout))
	}

	pipeline, err := loevent.New(cfg.Source, cfg.Version, loggers, opts)
	if err != nil {
		return err
	}
	defer pipeline.Close()

	if err := pipeline.Go(); err != nil {
		return err
	}

	sent, err := readEvents(stdin, eventType, pipeline.LogEvent)
	if err != nil {
		return err
	}
	logger.Info("input consumed", "events", sent)

	drainCtx, cancel := context.WithTimeout(ctx, linger)
	defer cancel()
	if err := pipeline.WaitReady(drainCtx); err != nil {
		return fmt.Errorf("pipeline not ready: %w", err)
	}
	waitDrained(drainCtx, pipeline, socket)
	return nil
}

// readEvents parses one JSON object per line and hands each to logEvent.
// Blank lines are skipped. The event type is taken from the "event" field
// when present.
func readEvents(r io.Reader, defaultType string, logEvent func(string, loevent.Event)) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	count := 0
	for line := 1; scanner.Scan(); line++ {
		data := scanner.Bytes()
		if len(data) == 0 {
			continue
		}

		var event loevent.Event
		if err := json.Unmarshal(data, &event); err != nil {
			return count, fmt.Errorf("line %d: %w", line, err)
		}

		eventType := event.Type()
		if eventType == "" {
			eventType = defaultType
		}
		logEvent(eventType, event)
		count++
	}
	return count, scanner.Err()
}

// waitDrained polls until nothing has been pending in the pipeline or the
// websocket logger for two consecutive polls, or ctx ends. Whatever is left
// stays queued for the next run.
func waitDrained(ctx context.Context, pipeline *loevent.Pipeline, socket *loevent.WebsocketLogger) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	idle := 0
	for {
		pending, err := pipeline.Pending(ctx)
		if err == nil && pending == 0 && socket != nil {
			pending, err = socket.Pending(ctx)
		}
		if err == nil && pending == 0 {
			idle++
		} else {
			idle = 0
		}
		if idle >= 2 {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// commandLogger builds the command's own logger. Warnings are always shown.
func commandLogger(level loevent.DebugLevel) (*slog.Logger, error) {
	var handlerLevel slog.Level
	switch level {
	case loevent.DebugNone, "":
		handlerLevel = slog.LevelWarn
	case loevent.DebugSimple:
		handlerLevel = slog.LevelInfo
	case loevent.DebugExtended:
		handlerLevel = slog.LevelDebug
	default:
		return nil, fmt.Errorf("%w: %q", loevent.ErrUnknownDebugLevel, level)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: handlerLevel})), nil
}
