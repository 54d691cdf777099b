package loevent

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sendOnlyLogger struct{}

func (sendOnlyLogger) Send(context.Context, string) SendResult { return OK() }

func TestCapabilitiesOf(t *testing.T) {
	assert.Equal(t, Capabilities{}, CapabilitiesOf(sendOnlyLogger{}))
	assert.Equal(t, Capabilities{SetField: true}, CapabilitiesOf(NewConsoleLogger(&bytes.Buffer{})))
	assert.Equal(t, Capabilities{Init: true, SetField: true}, CapabilitiesOf(NewHarnessLogger()))
	assert.Equal(t,
		Capabilities{Init: true, SetField: true, Preauth: true, Postauth: true},
		CapabilitiesOf(NewWebsocketLogger("ws://127.0.0.1:1/ws", WebsocketOptions{})),
	)
}

func TestRegisterSkipsNilLoggers(t *testing.T) {
	registered := register([]Logger{nil, sendOnlyLogger{}, NewHarnessLogger()})
	require.Len(t, registered, 2)
	assert.Equal(t, "1:loevent.sendOnlyLogger", registered[0].name)
	assert.True(t, registered[1].caps.Init)
}

func TestSendResultConstructors(t *testing.T) {
	assert.Equal(t, SendOK, OK().Status)

	sig := BlockSignal{Message: "stop", Action: ActionDrop}
	blocked := Blocked(sig)
	assert.Equal(t, SendBlocked, blocked.Status)
	assert.Equal(t, sig, blocked.Block)

	err := errors.New("down")
	failed := Failed(err)
	assert.Equal(t, SendFailed, failed.Status)
	assert.ErrorIs(t, failed.Err, err)

	assert.Equal(t, "blocked", SendBlocked.String())
}

func TestConsoleLoggerWritesLines(t *testing.T) {
	var buf bytes.Buffer
	console := NewConsoleLogger(&buf)
	ctx := testContext(t)

	assert.Equal(t, SendOK, console.Send(ctx, `{"event":"a"}`).Status)
	require.NoError(t, console.SetField(ctx, `{"event":"lock_fields"}`))

	assert.Equal(t, "{\"event\":\"a\"}\n{\"event\":\"lock_fields\"}\n", buf.String())
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestConsoleLoggerReportsWriteFailure(t *testing.T) {
	result := NewConsoleLogger(failingWriter{}).Send(testContext(t), "x")
	assert.Equal(t, SendFailed, result.Status)
	assert.EqualError(t, result.Err, "disk full")
}

func TestHarnessLoggerScript(t *testing.T) {
	h := NewHarnessLogger()
	ctx := testContext(t)
	h.Script(Failed(errors.New("flaky")), Blocked(BlockSignal{Action: ActionMaintain}))

	assert.Equal(t, SendFailed, h.Send(ctx, "1").Status)
	assert.Equal(t, SendBlocked, h.Send(ctx, "1").Status)
	assert.Equal(t, SendOK, h.Send(ctx, "1").Status)

	assert.Equal(t, []string{"1"}, h.Payloads(), "only accepted payloads are recorded")
	require.NoError(t, h.Wait(ctx, 1))
}

func TestHarnessLoggerWait(t *testing.T) {
	h := NewHarnessLogger()
	ctx := testContext(t)

	done := make(chan error, 1)
	go func() { done <- h.Wait(ctx, 2) }()

	h.Send(ctx, `{"event":"a"}`)
	h.Send(ctx, `{"event":"b"}`)
	require.NoError(t, <-done)

	events, err := h.Events()
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "b", events[1].Type())

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, h.Wait(cancelled, 10), context.Canceled)
}
