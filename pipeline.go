package loevent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// State is the pipeline's initialization state.
type State int

const (
	NotStarted State = iota
	InProgress
	LoggersReady
	Ready
	Error
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "NOT_STARTED"
	case InProgress:
		return "IN_PROGRESS"
	case LoggersReady:
		return "LOGGERS_READY"
	case Ready:
		return "READY"
	case Error:
		return "ERROR"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Pipeline accepts events, queues them durably, and delivers them to its
// loggers.
//
// Startup runs on an ordered task runner: disabler load, logger Init,
// source/version field lock, metadata compilation and lock, and finally the
// switch to Ready requested by Go. Field locks requested later travel
// through the event queue so they keep their position relative to events.
type Pipeline struct {
	source  string
	version string
	opts    Options
	logger  *slog.Logger
	clock   Clock

	backend     Backend
	ownsBackend bool
	queue       *Queue[Event]
	disabler    *Disabler
	loggers     []registeredLogger
	runner      *taskRunner

	mu      sync.Mutex
	state   State
	started bool
	closed  bool
	settled chan struct{} // closed on Ready or Error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New validates its arguments, builds the queue and disabler, and starts
// the initialization sequence in the background. Events may be logged
// immediately; they accumulate until Go is called.
func New(source, version string, loggers []Logger, opts Options) (*Pipeline, error) {
	if source == "" {
		return nil, ErrMissingSource
	}
	if version == "" {
		return nil, ErrMissingVersion
	}

	opts = opts.withDefaults()
	logger, err := opts.newLogger()
	if err != nil {
		return nil, err
	}
	logger = logger.With("source", source)

	backend, ownsBackend := opts.Backend, false
	if backend == nil {
		backend, err = NewBackend(StorageConfig{
			QueueType: opts.QueueType,
			Dir:       opts.StorageDir,
			RedisAddr: opts.RedisAddr,
			Logger:    logger,
		})
		if err != nil {
			return nil, err
		}
		ownsBackend = true
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		source:      source,
		version:     version,
		opts:        opts,
		logger:      logger,
		clock:       opts.Clock,
		backend:     backend,
		ownsBackend: ownsBackend,
		queue: NewQueue(opts.QueueName, backend, Codec[Event](EventCodec{}), QueueOptions{
			Logger:     logger,
			Clock:      opts.Clock,
			RetryDelay: opts.RetryDelay,
		}),
		loggers: register(loggers),
		state:   InProgress,
		settled: make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	if opts.UseDisabler {
		p.disabler = NewDisabler(backend, opts.QueueName, DisablerOptions{
			Logger: logger,
			Clock:  opts.Clock,
		})
	}

	p.runner = newTaskRunner(ctx, logger)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runner.run()
	}()

	if p.disabler != nil {
		p.runner.submit(p.initDisabler)
	}
	p.runner.submit(p.initLoggers)
	p.runner.submit(p.lockSourceFields)
	p.runner.submit(p.lockMetadata)
	if opts.SendBrowserInfo {
		p.runner.submit(func(context.Context) error {
			p.LogEvent(EventBrowserInfo, Event(RuntimeInfo()))
			return nil
		})
	}

	logger.Debug("pipeline initializing", "version", version, "loggers", len(p.loggers))
	return p, nil
}

// State returns the current initialization state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Pipeline) setState(s State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = s
	p.logger.Debug("pipeline state changed", "state", s)
	if s == Ready || s == Error {
		select {
		case <-p.settled:
		default:
			close(p.settled)
		}
	}
}

// Go asks the pipeline to start delivering once initialization completes.
// It returns immediately. Only the first call starts the dequeue loop; later
// calls return ErrAlreadyRunning. If initialization failed, the pipeline
// stays in Error and nothing is delivered.
func (p *Pipeline) Go() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	if p.started {
		return ErrAlreadyRunning
	}
	p.started = true

	p.runner.submit(func(context.Context) error {
		p.setState(Ready)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.dequeueLoop()
		}()
		return nil
	})
	return nil
}

// WaitReady blocks until the pipeline is Ready, returning ErrInitFailed if
// it ended in Error instead.
func (p *Pipeline) WaitReady(ctx context.Context) error {
	select {
	case <-p.settled:
	case <-ctx.Done():
		return ctx.Err()
	}
	if p.State() == Error {
		return ErrInitFailed
	}
	return nil
}

// LogEvent stamps event with eventType and timestamps and queues it. It
// never blocks and never fails. When the disabler is dropping events the
// call does nothing.
func (p *Pipeline) LogEvent(eventType string, event Event) {
	if p.disabler != nil && !p.disabler.StoreEvents() {
		return
	}
	stamped := stampEvent(eventType, event, p.clock.Now())
	if p.opts.VerboseEvents {
		p.logger.Debug("event queued", "event", eventType)
	}
	p.queue.Enqueue(stamped)
}

// SetFieldSet locks data for every subsequent event. Each call reaches
// every FieldSetter logger once, in call order. Before the pipeline is Ready
// the lock runs on the task runner behind initialization; afterwards it is
// queued like an event, so it keeps its place relative to events logged
// around it.
func (p *Pipeline) SetFieldSet(data map[string]any) {
	event := lockFieldsEvent(data, p.clock.Now())

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == Ready {
		p.queue.Enqueue(event)
		return
	}
	p.runner.submit(func(ctx context.Context) error {
		payload, err := event.Marshal()
		if err != nil {
			p.logger.Error("field lock not serializable", "error", err)
			return nil
		}
		p.setFields(ctx, payload)
		return nil
	})
}

// Pending returns the number of queued events not yet dispatched.
func (p *Pipeline) Pending(ctx context.Context) (int, error) {
	return p.queue.Pending(ctx)
}

// Disabler returns the pipeline's disabler, or nil when not in use.
func (p *Pipeline) Disabler() *Disabler {
	return p.disabler
}

// Close stops delivery, the queue, closable loggers, and the backend if the
// pipeline created it.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()

	var errs []error
	if err := p.queue.Close(); err != nil {
		errs = append(errs, err)
	}
	for _, l := range p.loggers {
		if c, ok := l.logger.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", l.name, err))
			}
		}
	}
	if p.ownsBackend {
		if err := p.backend.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Pipeline) initDisabler(ctx context.Context) error {
	if err := p.disabler.Init(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Storage faults are not fatal: keep the defaults.
		p.logger.Warn("disabler state unavailable, transmitting", "error", err)
	}
	return nil
}

// initLoggers runs every Init concurrently. Any failure moves the pipeline
// to Error and halts the task runner.
func (p *Pipeline) initLoggers(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	for _, l := range p.loggers {
		initializer, ok := l.logger.(Initializer)
		if !ok {
			continue
		}
		group.Go(func() error {
			if err := initializer.Init(groupCtx); err != nil {
				return fmt.Errorf("init %s: %w", l.name, err)
			}
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		p.logger.Error("logger initialization failed", "error", err)
		p.setState(Error)
		return err
	}
	p.setState(LoggersReady)
	return nil
}

func (p *Pipeline) lockSourceFields(ctx context.Context) error {
	payload, err := lockFieldsEvent(map[string]any{
		"source":  p.source,
		"version": p.version,
	}, p.clock.Now()).Marshal()
	if err != nil {
		return err
	}

	for _, l := range p.loggers {
		var err error
		switch {
		case l.caps.Preauth:
			err = l.logger.(Preauther).Preauth(ctx, payload)
		case l.caps.SetField:
			err = l.logger.(FieldSetter).SetField(ctx, payload)
		}
		if err != nil {
			p.logger.Warn("source field lock failed", "logger", l.name, "error", err)
		}
	}
	return nil
}

func (p *Pipeline) lockMetadata(ctx context.Context) error {
	if len(p.opts.Metadata) == 0 {
		return nil
	}

	fields := CompileMetadata(ctx, p.opts.Metadata, p.logger)
	payload, err := lockFieldsEvent(fields, p.clock.Now()).Marshal()
	if err != nil {
		p.logger.Error("metadata not serializable", "error", err)
		return nil
	}

	for _, l := range p.loggers {
		var err error
		switch {
		case l.caps.Postauth:
			err = l.logger.(Postauther).Postauth(ctx, payload)
		case l.caps.SetField:
			err = l.logger.(FieldSetter).SetField(ctx, payload)
		}
		if err != nil {
			p.logger.Warn("metadata field lock failed", "logger", l.name, "error", err)
		}
	}
	return nil
}

// dequeueLoop is the single consumer of the queue.
func (p *Pipeline) dequeueLoop() {
	ctx := p.ctx
	for {
		if ctx.Err() != nil {
			return
		}

		if !p.streaming() {
			resumed, err := p.disabler.Retry(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				p.logger.Warn("disabler retry failed", "error", err)
				continue
			}
			if !resumed {
				p.logger.Warn("transmission permanently blocked")
				<-ctx.Done()
				return
			}
			continue
		}

		event, err := p.queue.NextItem(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrClosed) {
				return
			}
			p.logger.Error("dequeue failed", "error", err)
			continue
		}

		// The policy may have changed while waiting.
		if !p.streaming() {
			p.queue.Requeue(event)
			continue
		}

		p.dispatch(ctx, event)
	}
}

func (p *Pipeline) streaming() bool {
	return p.disabler == nil || p.disabler.StreamEvents()
}

// dispatch serializes event and fans it out. Lock messages go to SetField;
// other events go to Send. A logger whose Send fails is retried after the
// retry delay, without resending to loggers that already accepted the
// event, until it succeeds or MaxSendAttempts (when set) is reached. A
// logger that reports a block has not accepted the event either: if the
// block leaves events stored but not streamed, the event goes back to the
// head of the queue and is redelivered to every logger once the block
// lifts; if streaming continues, that logger is retried like a failure.
func (p *Pipeline) dispatch(ctx context.Context, event Event) {
	payload, err := event.Marshal()
	if err != nil {
		p.logger.Error("dropping unserializable event", "event", event.Type(), "error", err)
		return
	}
	if p.opts.VerboseEvents {
		p.logger.Debug("event dispatched", "payload", payload)
	}

	if event.Type() == EventLockFields {
		p.setFields(ctx, payload)
		return
	}

	pending := p.loggers
	for attempt := 1; ; attempt++ {
		var failed, blocked []registeredLogger
		for _, l := range pending {
			result := l.logger.Send(ctx, payload)
			switch result.Status {
			case SendBlocked:
				p.handleBlock(ctx, l, result.Block)
				blocked = append(blocked, l)
			case SendFailed:
				p.logger.Warn("send failed",
					"logger", l.name,
					"attempt", attempt,
					"error", result.Err,
				)
				failed = append(failed, l)
			}
		}

		if len(blocked) > 0 && !p.streaming() {
			if p.disabler.StoreEvents() {
				p.queue.Requeue(event)
			} else {
				p.logger.Debug("event dropped by block", "event", event.Type())
			}
			return
		}
		failed = append(failed, blocked...)
		if len(failed) == 0 {
			return
		}
		if p.opts.MaxSendAttempts > 0 && attempt >= p.opts.MaxSendAttempts {
			for _, l := range failed {
				p.logger.Error("giving up on event for logger",
					"logger", l.name,
					"event", event.Type(),
					"attempts", attempt,
				)
			}
			return
		}
		if sleep(ctx, p.clock, p.opts.RetryDelay) != nil {
			return
		}
		pending = failed
	}
}

func (p *Pipeline) setFields(ctx context.Context, payload string) {
	for _, l := range p.loggers {
		if !l.caps.SetField {
			continue
		}
		if err := l.logger.(FieldSetter).SetField(ctx, payload); err != nil {
			p.logger.Warn("field lock failed", "logger", l.name, "error", err)
		}
	}
}

func (p *Pipeline) handleBlock(ctx context.Context, l registeredLogger, sig BlockSignal) {
	if p.disabler == nil {
		p.logger.Warn("block signal ignored, disabler not in use", "logger", l.name, "signal", sig)
		return
	}
	if err := p.disabler.HandleBlockError(ctx, sig); err != nil {
		p.logger.Warn("block state not persisted", "error", err)
	}
}
