package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/pflag"

	"github.com/asungur/loevent"
)

// defaultWebsocketQueue is the websocket logger's queue name when the
// config does not set one.
const defaultWebsocketQueue = "websocket"

func runDump(ctx context.Context, args []string, stdout io.Writer) error {
	var (
		common    pipelineFlags
		format    string
		timeout   time.Duration
		websocket bool
	)

	flagSet := pflag.NewFlagSet("dump", pflag.ContinueOnError)
	common.add(flagSet)
	flagSet.StringVar(&format, "format", "json", "output format: json or jsonl")
	flagSet.DurationVar(&timeout, "timeout", 10*time.Second, "how long to wait for the store to open")
	flagSet.BoolVar(&websocket, "websocket", false, "dump the websocket logger's backlog of serialized payloads")

	if help, err := parseFlags(flagSet, args); help || err != nil {
		return err
	}

	exportFormat, err := parseExportFormat(format)
	if err != nil {
		return err
	}

	cfg, err := common.load(flagSet)
	if err != nil {
		return err
	}
	opts := cfg.Options()

	logger, err := commandLogger(opts.DebugLevel)
	if err != nil {
		return err
	}

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

	d := dumper{backend: backend, logger: logger, timeout: timeout, format: exportFormat}
	if !websocket {
		return dumpQueue(ctx, d, opts.QueueName, loevent.Codec[loevent.Event](loevent.EventCodec{}), stdout)
	}

	name := cfg.Websocket.QueueName
	if flagSet.Changed("queue-name") {
		name = common.queueName
	}
	if name == "" {
		name = defaultWebsocketQueue
	}
	return dumpQueue(ctx, d, name, loevent.Codec[json.RawMessage](payloadCodec{}), stdout)
}

type dumper struct {
	backend loevent.Backend
	logger  *slog.Logger
	timeout time.Duration
	format  loevent.ExportFormat
}

func dumpQueue[T any](ctx context.Context, d dumper, name string, codec loevent.Codec[T], w io.Writer) error {
	queue := loevent.NewQueue(name, d.backend, codec, loevent.QueueOptions{
		Logger: d.logger,
	})
	defer queue.Close()

	readyCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := queue.WaitReady(readyCtx); err != nil {
		return fmt.Errorf("open queue %s: %w", name, err)
	}

	return queue.Export(ctx, w, d.format)
}

// payloadCodec reads the websocket logger's records, which are serialized
// JSON payloads stored verbatim, so they export as documents rather than
// quoted strings.
type payloadCodec struct{}

func (payloadCodec) Encode(m json.RawMessage) ([]byte, error) {
	return m, nil
}

func (payloadCodec) Decode(data []byte) (json.RawMessage, error) {
	if !json.Valid(data) {
		return nil, errors.New("payload is not JSON")
	}
	return json.RawMessage(append([]byte(nil), data...)), nil
}

func parseExportFormat(s string) (loevent.ExportFormat, error) {
	switch s {
	case "json":
		return loevent.JSON, nil
	case "jsonl", "jsonlines":
		return loevent.JSONLines, nil
	default:
		return 0, fmt.Errorf("unknown format %q", s)
	}
}
