package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/spf13/pflag"

	"github.com/asungur/loevent"
)

// blocklistMessage is the server push that makes a client stop sending.
type blocklistMessage struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	TimeLimit any    `json:"time_limit,omitempty"`
	Action    string `json:"action,omitempty"`
}

// sink is a websocket endpoint that writes every received frame to out as
// one line. It can push a blocklist message after a number of frames, which
// exercises a client's opt-out handling.
type sink struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	// blockAfter, when positive, pushes block after that many frames on a
	// connection.
	blockAfter int
	block      blocklistMessage

	mu       sync.Mutex
	out      io.Writer
	received int
	conns    int
}

func newSink(out io.Writer, logger *slog.Logger) *sink {
	return &sink{
		out:    out,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// router wires the sink's endpoints.
//
//	GET /health  liveness
//	GET /stats   frame and connection counts
//	GET /ws      websocket endpoint
func (s *sink) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/stats", func(c *gin.Context) {
		s.mu.Lock()
		defer s.mu.Unlock()
		c.JSON(http.StatusOK, gin.H{
			"received":    s.received,
			"connections": s.conns,
		})
	})

	r.GET("/ws", func(c *gin.Context) {
		conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			// Upgrade has already written the HTTP error.
			s.logger.Warn("websocket upgrade failed", "error", err)
			return
		}
		s.serve(conn)
	})

	return r
}

// serve reads frames until the client goes away.
func (s *sink) serve(conn *websocket.Conn) {
	defer conn.Close()

	s.mu.Lock()
	s.conns++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conns--
		s.mu.Unlock()
	}()

	s.logger.Info("client connected", "remote", conn.RemoteAddr().String())

	frames := 0
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("client read failed", "error", err)
			}
			return
		}

		if err := s.record(data); err != nil {
			s.logger.Error("write failed", "error", err)
			return
		}

		frames++
		if s.blockAfter > 0 && frames == s.blockAfter {
			data, err := json.Marshal(s.block)
			if err != nil {
				s.logger.Error("blocklist message not serializable", "error", err)
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Warn("blocklist push failed", "error", err)
				return
			}
			s.logger.Info("blocklist pushed", "action", s.block.Action, "after", frames)
		}
	}
}

func (s *sink) record(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received++
	_, err := fmt.Fprintf(s.out, "%s\n", data)
	return err
}

func runSink(ctx context.Context, args []string, stdout io.Writer) error {
	var (
		addr       string
		debugLevel string
		blockAfter int
		blockLimit string
		blockAct   string
		blockMsg   string
	)

	flagSet := pflag.NewFlagSet("sink", pflag.ContinueOnError)
	flagSet.StringVar(&addr, "addr", ":8080", "listen address")
	flagSet.StringVar(&debugLevel, "debug", "none", "diagnostic logging: none, simple, extended")
	flagSet.IntVar(&blockAfter, "block-after", 0, "push a blocklist message after this many frames per connection (0 disables)")
	flagSet.StringVar(&blockLimit, "block-time-limit", "MINUTES", "time_limit of the blocklist message: MINUTES, DAYS, PERMANENT or milliseconds")
	flagSet.StringVar(&blockAct, "block-action", "MAINTAIN", "action of the blocklist message: TRANSMIT, MAINTAIN, DROP")
	flagSet.StringVar(&blockMsg, "block-message", "blocked by sink", "message of the blocklist message")

	if help, err := parseFlags(flagSet, args); help || err != nil {
		return err
	}

	logger, err := commandLogger(loevent.DebugLevel(debugLevel))
	if err != nil {
		return err
	}

	s := newSink(stdout, logger)
	s.blockAfter = blockAfter
	s.block = blocklistMessage{
		Status:    "blocklist",
		Message:   blockMsg,
		TimeLimit: blockLimit,
		Action:    blockAct,
	}

	server := &http.Server{
		Addr:              addr,
		Handler:           s.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.ListenAndServe()
	}()
	logger.Info("sink listening", "addr", addr)

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
