package loevent

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultReconnectDelay is the wait between a dropped connection and the
// next dial.
const DefaultReconnectDelay = time.Second

// SocketState is the connection state of a WebsocketLogger.
type SocketState int

const (
	SocketConnecting SocketState = iota
	SocketOpen
	SocketClosing
	SocketClosed
)

func (s SocketState) String() string {
	switch s {
	case SocketConnecting:
		return "CONNECTING"
	case SocketOpen:
		return "OPEN"
	case SocketClosing:
		return "CLOSING"
	default:
		return "CLOSED"
	}
}

// WebsocketOptions configures a WebsocketLogger.
type WebsocketOptions struct {
	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer

	// Header is sent with every handshake.
	Header http.Header

	// Backend persists the logger's private queue. Nil keeps it in memory.
	Backend Backend

	// QueueName names the private queue. Defaults to "websocket".
	QueueName string

	// ReconnectDelay defaults to DefaultReconnectDelay.
	ReconnectDelay time.Duration

	// Jitter resolves the named time limits of inbound blocklist messages.
	// Defaults to DefaultJitterRanges.
	Jitter *JitterRanges

	Logger *slog.Logger
	Clock  Clock
}

// WebsocketLogger sends payloads as text frames over a websocket.
//
// Payloads go through a private Queue so nothing is lost while the socket
// is down; a background goroutine dials, replays the preauth and postauth
// lock messages, then drains the queue in order. When the connection drops
// a synthetic warning event is queued and the logger redials after
// ReconnectDelay.
//
// A {"status":"blocklist"} message from the server is turned into a Blocked
// result on the next Send.
type WebsocketLogger struct {
	url            string
	dialer         *websocket.Dialer
	header         http.Header
	reconnectDelay time.Duration
	jitter         JitterRanges
	logger         *slog.Logger
	clock          Clock
	queue          *Queue[string]

	mu           sync.Mutex
	state        SocketState
	conn         *websocket.Conn
	preauth      string
	postauth     string
	preauthSent  bool
	postauthSent bool
	block        *BlockSignal
	started      bool

	// writeMu serializes frames; gorilla connections allow one writer.
	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWebsocketLogger creates a logger for url. Nothing is dialed until Init.
func NewWebsocketLogger(url string, opts WebsocketOptions) *WebsocketLogger {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.QueueName == "" {
		opts.QueueName = "websocket"
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.Jitter == nil {
		ranges := DefaultJitterRanges()
		opts.Jitter = &ranges
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Clock == nil {
		opts.Clock = RealClock()
	}

	logger := opts.Logger.With("logger", "websocket", "url", url)
	ctx, cancel := context.WithCancel(context.Background())
	return &WebsocketLogger{
		url:            url,
		dialer:         opts.Dialer,
		header:         opts.Header,
		reconnectDelay: opts.ReconnectDelay,
		jitter:         *opts.Jitter,
		logger:         logger,
		clock:          opts.Clock,
		queue: NewQueue(opts.QueueName, opts.Backend, Codec[string](StringCodec{}), QueueOptions{
			Logger: logger,
			Clock:  opts.Clock,
		}),
		state:  SocketClosed,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Init starts the connection loop. It does not wait for the first
// connection: an unreachable server only delays delivery.
func (w *WebsocketLogger) Init(context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return nil
	}
	w.started = true
	go w.run()
	return nil
}

// Send queues payload for transmission. If the server has signalled a
// block since the last call, the block is returned instead and the payload
// is not queued.
func (w *WebsocketLogger) Send(_ context.Context, payload string) SendResult {
	w.mu.Lock()
	block := w.block
	w.block = nil
	w.mu.Unlock()

	if block != nil {
		return Blocked(*block)
	}

	w.queue.Enqueue(payload)
	return OK()
}

// SetField queues a lock_fields message in line with ordinary events.
func (w *WebsocketLogger) SetField(_ context.Context, payload string) error {
	w.queue.Enqueue(payload)
	return nil
}

// Preauth sets the message replayed first on every connection and sends it
// now if a connection is open.
func (w *WebsocketLogger) Preauth(_ context.Context, payload string) error {
	w.mu.Lock()
	w.preauth = payload
	w.preauthSent = false
	conn := w.conn
	w.mu.Unlock()

	return w.sendAuth(conn)
}

// Postauth sets the message replayed after the preauth message on every
// connection and sends it now if a connection is open.
func (w *WebsocketLogger) Postauth(_ context.Context, payload string) error {
	w.mu.Lock()
	w.postauth = payload
	w.postauthSent = false
	conn := w.conn
	w.mu.Unlock()

	return w.sendAuth(conn)
}

// State returns the current connection state.
func (w *WebsocketLogger) State() SocketState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Pending returns the number of payloads waiting to be sent.
func (w *WebsocketLogger) Pending(ctx context.Context) (int, error) {
	return w.queue.Pending(ctx)
}

// Close stops the connection loop and the private queue.
func (w *WebsocketLogger) Close() error {
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()

	w.cancel()
	if started {
		<-w.done
	}
	return w.queue.Close()
}

// run dials, serves the connection until it drops, and redials after the
// reconnect delay, until Close.
func (w *WebsocketLogger) run() {
	defer close(w.done)

	for {
		w.setState(SocketConnecting)
		conn, _, err := w.dialer.DialContext(w.ctx, w.url, w.header)
		if err != nil {
			w.setState(SocketClosed)
			if w.ctx.Err() != nil {
				return
			}
			w.warn("websocket connection failed", err)
		} else {
			err = w.serve(conn)
			if w.ctx.Err() != nil {
				return
			}
			w.warn("websocket connection lost", err)
		}

		if sleep(w.ctx, w.clock, w.reconnectDelay) != nil {
			return
		}
	}
}

// serve owns one connection: it replays the auth messages, then writes
// queued payloads until a write fails, the server goes away, or the logger
// is closed. A payload whose write failed goes back to the head of the
// queue.
func (w *WebsocketLogger) serve(conn *websocket.Conn) error {
	w.mu.Lock()
	w.conn = conn
	w.state = SocketOpen
	w.preauthSent = false
	w.postauthSent = false
	w.mu.Unlock()

	w.logger.Debug("websocket connected")

	defer func() {
		w.mu.Lock()
		w.conn = nil
		w.state = SocketClosing
		w.mu.Unlock()

		if w.ctx.Err() != nil {
			w.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			w.writeMu.Unlock()
		}
		_ = conn.Close()
		w.setState(SocketClosed)
	}()

	connCtx, cancel := context.WithCancel(w.ctx)
	defer cancel()

	readErr := make(chan error, 1)
	go func() {
		readErr <- w.readLoop(conn)
		cancel()
	}()

	if err := w.sendAuth(conn); err != nil {
		return err
	}

	for {
		payload, err := w.queue.NextItem(connCtx)
		if err != nil {
			select {
			case rerr := <-readErr:
				return rerr
			default:
				return err
			}
		}

		w.writeMu.Lock()
		err = conn.WriteMessage(websocket.TextMessage, []byte(payload))
		w.writeMu.Unlock()
		if err != nil {
			w.queue.Requeue(payload)
			return err
		}
	}
}

// sendAuth writes the preauth then postauth messages on conn if they are
// set and not yet sent on it. A nil conn is a no-op.
func (w *WebsocketLogger) sendAuth(conn *websocket.Conn) error {
	if conn == nil {
		return nil
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	for _, post := range []bool{false, true} {
		w.mu.Lock()
		if w.conn != conn {
			w.mu.Unlock()
			return nil
		}
		payload, sent := w.preauth, w.preauthSent
		if post {
			payload, sent = w.postauth, w.postauthSent
		}
		w.mu.Unlock()

		if payload == "" || sent {
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
			return err
		}

		w.mu.Lock()
		if post {
			w.postauthSent = true
		} else {
			w.preauthSent = true
		}
		w.mu.Unlock()
	}
	return nil
}

// inboundMessage is a message pushed by the server.
type inboundMessage struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	TimeLimit any    `json:"time_limit"`
	Action    string `json:"action"`
}

// readLoop reads server messages until the connection fails.
func (w *WebsocketLogger) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		w.handleInbound(data)
	}
}

// handleInbound records blocklist messages; anything else is ignored.
func (w *WebsocketLogger) handleInbound(data []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.Status != "blocklist" {
		return
	}

	limit := w.jitter.Minutes
	if msg.TimeLimit != nil {
		parsed, err := w.jitter.Parse(msg.TimeLimit)
		if err != nil {
			w.logger.Warn("blocklist with bad time limit, using minutes range", "error", err)
		} else {
			limit = parsed
		}
	}

	action := ActionMaintain
	if msg.Action != "" {
		parsed, err := ParseAction(msg.Action)
		if err != nil {
			w.logger.Warn("blocklist with bad action, maintaining locally", "error", err)
		} else {
			action = parsed
		}
	}

	w.logger.Warn("server requested blocklist", "action", action, "message", msg.Message)

	w.mu.Lock()
	w.block = &BlockSignal{Message: msg.Message, TimeLimit: limit, Action: action}
	w.mu.Unlock()
}

// warn logs err and queues a warning event describing it.
func (w *WebsocketLogger) warn(message string, err error) {
	w.logger.Warn(message, "error", err, "reconnect_delay", w.reconnectDelay)

	detail := ""
	if err != nil {
		detail = err.Error()
	}
	event := stampEvent(EventWarning, Event{
		"message": message,
		"error":   detail,
		"url":     w.url,
	}, w.clock.Now())
	payload, merr := event.Marshal()
	if merr != nil {
		return
	}
	w.queue.Enqueue(payload)
}

func (w *WebsocketLogger) setState(s SocketState) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = s
}
