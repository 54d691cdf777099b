package loevent

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type wsMessage struct {
	conn    int
	payload string
}

// wsServer is a websocket endpoint recording every frame it receives.
type wsServer struct {
	upgrader websocket.Upgrader
	messages chan wsMessage

	// onConnect runs for each new connection before reading starts.
	onConnect func(n int, conn *websocket.Conn)
	// closeAfter closes connection n after it has received that many frames.
	closeAfter map[int]int

	mu    sync.Mutex
	conns int
}

func newWSServer() *wsServer {
	return &wsServer{
		messages:   make(chan wsMessage, 256),
		closeAfter: make(map[int]int),
	}
}

func (s *wsServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.mu.Lock()
	s.conns++
	n := s.conns
	limit := s.closeAfter[n]
	s.mu.Unlock()

	if s.onConnect != nil {
		s.onConnect(n, conn)
	}

	for received := 0; ; received++ {
		if limit > 0 && received == limit {
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.messages <- wsMessage{conn: n, payload: string(data)}
	}
}

func (s *wsServer) connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns
}

func (s *wsServer) start(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

// next returns the next frame that is not a warning event.
func (s *wsServer) next(t *testing.T) wsMessage {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case m := <-s.messages:
			var e Event
			if json.Unmarshal([]byte(m.payload), &e) == nil && e.Type() == EventWarning {
				continue
			}
			return m
		case <-timeout:
			t.Fatal("timed out waiting for a websocket frame")
			return wsMessage{}
		}
	}
}

func newTestWebsocketLogger(t *testing.T, url string) *WebsocketLogger {
	t.Helper()
	w := NewWebsocketLogger(url, WebsocketOptions{ReconnectDelay: 10 * time.Millisecond})
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func TestWebsocketLoggerSendsAuthThenQueue(t *testing.T) {
	server := newWSServer()
	url := server.start(t)
	ctx := testContext(t)

	w := newTestWebsocketLogger(t, url)
	require.NoError(t, w.Preauth(ctx, "pre"))
	require.NoError(t, w.Postauth(ctx, "post"))
	assert.Equal(t, SendOK, w.Send(ctx, "1").Status)
	assert.Equal(t, SendOK, w.Send(ctx, "2").Status)

	require.NoError(t, w.Init(ctx))

	for _, want := range []string{"pre", "post", "1", "2"} {
		assert.Equal(t, want, server.next(t).payload)
	}
	eventually(t, func() bool { return w.State() == SocketOpen }, "socket open")

	require.NoError(t, w.SetField(ctx, "lock"))
	assert.Equal(t, "lock", server.next(t).payload)
}

func TestWebsocketLoggerReplaysAuthOnReconnect(t *testing.T) {
	server := newWSServer()
	server.closeAfter[1] = 3
	url := server.start(t)
	ctx := testContext(t)

	w := newTestWebsocketLogger(t, url)
	require.NoError(t, w.Preauth(ctx, "pre"))
	require.NoError(t, w.Postauth(ctx, "post"))
	w.Send(ctx, "1")
	require.NoError(t, w.Init(ctx))

	first := []wsMessage{server.next(t), server.next(t), server.next(t)}
	assert.Equal(t, []string{"pre", "post", "1"}, []string{first[0].payload, first[1].payload, first[2].payload})
	assert.Equal(t, 1, first[2].conn)

	// The server hung up; the next connection starts with the auth pair.
	eventually(t, func() bool { return server.connections() >= 2 }, "client reconnected")
	w.Send(ctx, "2")
	var second []string
	for len(second) < 3 {
		m := server.next(t)
		if m.conn == 1 {
			continue
		}
		second = append(second, m.payload)
	}
	assert.Equal(t, []string{"pre", "post", "2"}, second)
}

func TestWebsocketLoggerDeliversAfterOutage(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	require.NoError(t, listener.Close())

	ctx := testContext(t)
	w := newTestWebsocketLogger(t, "ws://"+addr+"/ws")
	require.NoError(t, w.Init(ctx))

	for i := 1; i <= 3; i++ {
		payload, err := Event{"event": "step", "n": i}.Marshal()
		require.NoError(t, err)
		assert.Equal(t, SendOK, w.Send(ctx, payload).Status)
	}

	// At least one failed dial has queued a warning behind the payloads.
	eventually(t, func() bool {
		n, err := w.Pending(ctx)
		return err == nil && n >= 4
	}, "warning queued while offline")

	server := newWSServer()
	listener, err = net.Listen("tcp", addr)
	require.NoError(t, err)
	srv := httptest.NewUnstartedServer(server)
	srv.Listener.Close()
	srv.Listener = listener
	srv.Start()
	t.Cleanup(srv.Close)

	for i := 1; i <= 3; i++ {
		var e Event
		require.NoError(t, json.Unmarshal([]byte(server.next(t).payload), &e))
		assert.Equal(t, "step", e.Type())
		assert.EqualValues(t, i, e["n"])
	}
}

// breakableConn fails the first write after broken is set, closing the
// underlying connection as a reset would.
type breakableConn struct {
	net.Conn
	broken *atomic.Bool
}

func (c *breakableConn) Write(p []byte) (int, error) {
	if c.broken.CompareAndSwap(true, false) {
		_ = c.Conn.Close()
		return 0, errors.New("connection reset by peer")
	}
	return c.Conn.Write(p)
}

func TestWebsocketLoggerRequeuesFailedWrite(t *testing.T) {
	server := newWSServer()
	url := server.start(t)
	ctx := testContext(t)

	var broken atomic.Bool
	dialer := &websocket.Dialer{
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			var d net.Dialer
			conn, err := d.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			return &breakableConn{Conn: conn, broken: &broken}, nil
		},
	}

	w := NewWebsocketLogger(url, WebsocketOptions{Dialer: dialer, ReconnectDelay: 10 * time.Millisecond})
	t.Cleanup(func() { _ = w.Close() })
	require.NoError(t, w.Init(ctx))

	w.Send(ctx, "1")
	first := server.next(t)
	assert.Equal(t, "1", first.payload)
	assert.Equal(t, 1, first.conn)

	// The write of "2" fails; it must be the first frame of the next
	// connection, followed by everything queued behind it.
	broken.Store(true)
	for _, payload := range []string{"2", "3", "4"} {
		assert.Equal(t, SendOK, w.Send(ctx, payload).Status)
	}

	var got []string
	for len(got) < 3 {
		m := server.next(t)
		assert.Equal(t, 2, m.conn)
		got = append(got, m.payload)
	}
	assert.Equal(t, []string{"2", "3", "4"}, got)
	assert.False(t, broken.Load())
}

func TestWebsocketLoggerRaisesBlocklist(t *testing.T) {
	server := newWSServer()
	server.onConnect = func(_ int, conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"status":"blocklist","message":"go away","time_limit":"PERMANENT","action":"DROP"}`))
	}
	url := server.start(t)
	ctx := testContext(t)

	w := newTestWebsocketLogger(t, url)
	require.NoError(t, w.Init(ctx))

	eventually(t, func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		return w.block != nil
	}, "blocklist received")

	result := w.Send(ctx, "ignored")
	require.Equal(t, SendBlocked, result.Status)
	assert.Equal(t, ActionDrop, result.Block.Action)
	assert.True(t, result.Block.TimeLimit.Permanent)
	assert.Equal(t, "go away", result.Block.Message)

	// The signal is raised once.
	assert.Equal(t, SendOK, w.Send(ctx, "next").Status)
}

func TestWebsocketLoggerBlocklistDefaults(t *testing.T) {
	w := newTestWebsocketLogger(t, "ws://127.0.0.1:1/ws")

	w.handleInbound([]byte(`{"status":"ok"}`))
	w.handleInbound([]byte(`not json`))
	assert.Nil(t, w.block)

	w.handleInbound([]byte(`{"status":"blocklist","message":"later"}`))
	require.NotNil(t, w.block)
	assert.Equal(t, ActionMaintain, w.block.Action)
	assert.Equal(t, DefaultJitterRanges().Minutes, w.block.TimeLimit)

	w.handleInbound([]byte(`{"status":"blocklist","time_limit":1500,"action":"transmit"}`))
	assert.Equal(t, ActionTransmit, w.block.Action)
	assert.Equal(t, FixedLimit(1500*time.Millisecond), w.block.TimeLimit)
}

func TestWebsocketLoggerCloseStopsConnection(t *testing.T) {
	server := newWSServer()
	url := server.start(t)
	ctx := testContext(t)

	w := NewWebsocketLogger(url, WebsocketOptions{ReconnectDelay: 10 * time.Millisecond})
	require.NoError(t, w.Init(ctx))
	w.Send(ctx, "hello")
	assert.Equal(t, "hello", server.next(t).payload)

	require.NoError(t, w.Close())
	assert.Equal(t, SocketClosed, w.State())
	assert.Equal(t, "CLOSED", w.State().String())
}
