package loevent

import (
	"context"
	"fmt"
)

// Logger is a destination for serialized events.
//
// A logger may additionally implement Initializer, FieldSetter, Preauther
// and Postauther. The pipeline checks for these once, at registration.
type Logger interface {
	Send(ctx context.Context, payload string) SendResult
}

// Initializer is implemented by loggers that need setup before events flow.
// The pipeline does not become ready until every Init returns.
type Initializer interface {
	Init(ctx context.Context) error
}

// FieldSetter receives lock_fields control messages.
type FieldSetter interface {
	SetField(ctx context.Context, payload string) error
}

// Preauther receives the lock_fields message sent before authentication
// (source and version). A logger with a connection replays it first on
// every new connection.
type Preauther interface {
	Preauth(ctx context.Context, payload string) error
}

// Postauther receives the lock_fields message carrying compiled session
// metadata. It is replayed after the preauth message.
type Postauther interface {
	Postauth(ctx context.Context, payload string) error
}

// Capabilities records which optional interfaces a logger implements.
type Capabilities struct {
	Init     bool
	SetField bool
	Preauth  bool
	Postauth bool
}

// CapabilitiesOf checks l for the optional logger interfaces.
func CapabilitiesOf(l Logger) Capabilities {
	_, init := l.(Initializer)
	_, setField := l.(FieldSetter)
	_, preauth := l.(Preauther)
	_, postauth := l.(Postauther)
	return Capabilities{
		Init:     init,
		SetField: setField,
		Preauth:  preauth,
		Postauth: postauth,
	}
}

// SendStatus tags a SendResult.
type SendStatus int

const (
	// SendOK means the logger accepted the payload.
	SendOK SendStatus = iota
	// SendBlocked means the destination asked the client to stop sending.
	SendBlocked
	// SendFailed means this attempt failed and may be retried.
	SendFailed
)

func (s SendStatus) String() string {
	switch s {
	case SendOK:
		return "ok"
	case SendBlocked:
		return "blocked"
	case SendFailed:
		return "failed"
	default:
		return fmt.Sprintf("SendStatus(%d)", int(s))
	}
}

// SendResult is the outcome of Logger.Send.
type SendResult struct {
	Status SendStatus
	Block  BlockSignal // set when Status is SendBlocked
	Err    error       // set when Status is SendFailed
}

// OK returns a successful SendResult.
func OK() SendResult {
	return SendResult{Status: SendOK}
}

// Blocked returns a SendResult carrying a block signal.
func Blocked(sig BlockSignal) SendResult {
	return SendResult{Status: SendBlocked, Block: sig}
}

// Failed returns a SendResult for a transient failure.
func Failed(err error) SendResult {
	return SendResult{Status: SendFailed, Err: err}
}

// registeredLogger is a logger with its capabilities resolved.
type registeredLogger struct {
	name   string
	logger Logger
	caps   Capabilities
}

func register(loggers []Logger) []registeredLogger {
	out := make([]registeredLogger, 0, len(loggers))
	for i, l := range loggers {
		if l == nil {
			continue
		}
		out = append(out, registeredLogger{
			name:   fmt.Sprintf("%d:%T", i, l),
			logger: l,
			caps:   CapabilitiesOf(l),
		})
	}
	return out
}
