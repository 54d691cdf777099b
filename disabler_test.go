package loevent

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDisabler(t *testing.T, backend Backend, clock Clock) *Disabler {
	t.Helper()
	d := NewDisabler(backend, "test", DisablerOptions{Clock: clock})
	require.NoError(t, d.Init(testContext(t)))
	return d
}

func persistedState(t *testing.T, backend Backend) BlockState {
	t.Helper()
	ctx := testContext(t)
	store, err := backend.Open(ctx, "test_disabler")
	require.NoError(t, err)
	data, ok, err := store.Get(ctx, blockStateKey)
	require.NoError(t, err)
	require.True(t, ok, "block state persisted")

	var state BlockState
	require.NoError(t, json.Unmarshal(data, &state))
	return state
}

func TestDisablerDefaultsToTransmit(t *testing.T) {
	d := newTestDisabler(t, NewMemoryBackend(), newFakeClock())

	assert.True(t, d.StoreEvents())
	assert.True(t, d.StreamEvents())
	assert.Equal(t, ActionTransmit, d.State().Action)
	assert.Nil(t, d.State().Expiration)
}

func TestDisablerActions(t *testing.T) {
	tests := []struct {
		action Action
		store  bool
		stream bool
	}{
		{ActionTransmit, true, true},
		{ActionMaintain, true, false},
		{ActionDrop, false, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.action), func(t *testing.T) {
			d := newTestDisabler(t, nil, newFakeClock())
			require.NoError(t, d.HandleBlockError(testContext(t), BlockSignal{
				Action:    tt.action,
				TimeLimit: FixedLimit(time.Minute),
			}))
			assert.Equal(t, tt.store, d.StoreEvents())
			assert.Equal(t, tt.stream, d.StreamEvents())
		})
	}
}

func TestDisablerDropExpiresAndResumes(t *testing.T) {
	clock := newFakeClock()
	backend := NewMemoryBackend()
	d := newTestDisabler(t, backend, clock)
	ctx := testContext(t)

	start := clock.Now()
	require.NoError(t, d.HandleBlockError(ctx, BlockSignal{
		Message:   "slow down",
		Action:    ActionDrop,
		TimeLimit: FixedLimit(1000 * time.Millisecond),
	}))

	assert.False(t, d.StoreEvents())
	assert.False(t, d.StreamEvents())
	state := persistedState(t, backend)
	assert.Equal(t, ActionDrop, state.Action)
	require.NotNil(t, state.Expiration)
	assert.True(t, state.Expiration.Equal(start.Add(time.Second)))

	type result struct {
		resumed bool
		err     error
	}
	done := make(chan result, 1)
	go func() {
		resumed, err := d.Retry(ctx)
		done <- result{resumed, err}
	}()

	clock.WaitForWaiters(t, 1)
	assert.False(t, d.StoreEvents(), "still blocked before expiry")
	clock.Advance(time.Second)

	r := <-done
	require.NoError(t, r.err)
	assert.True(t, r.resumed)
	assert.True(t, d.StoreEvents())
	assert.True(t, d.StreamEvents())

	state = persistedState(t, backend)
	assert.Equal(t, ActionTransmit, state.Action)
	assert.Nil(t, state.Expiration)
}

func TestDisablerPermanentBlockNeverRetries(t *testing.T) {
	d := newTestDisabler(t, NewMemoryBackend(), newFakeClock())
	ctx := testContext(t)

	require.NoError(t, d.HandleBlockError(ctx, BlockSignal{
		Action:    ActionMaintain,
		TimeLimit: PermanentLimit,
	}))

	resumed, err := d.Retry(ctx)
	require.NoError(t, err)
	assert.False(t, resumed)
	assert.True(t, d.State().Permanent)
	assert.False(t, d.StreamEvents())
}

func TestDisablerRetryFollowsNewerBlock(t *testing.T) {
	clock := newFakeClock()
	d := newTestDisabler(t, nil, clock)
	ctx := testContext(t)

	require.NoError(t, d.HandleBlockError(ctx, BlockSignal{
		Action:    ActionMaintain,
		TimeLimit: FixedLimit(time.Second),
	}))

	done := make(chan bool, 1)
	go func() {
		resumed, _ := d.Retry(ctx)
		done <- resumed
	}()
	clock.WaitForWaiters(t, 1)

	require.NoError(t, d.HandleBlockError(ctx, BlockSignal{
		Action:    ActionMaintain,
		TimeLimit: FixedLimit(time.Minute),
	}))
	clock.Advance(time.Second)

	clock.WaitForWaiters(t, 1)
	assert.False(t, d.StreamEvents(), "newer block still in force")
	clock.Advance(time.Minute)

	assert.True(t, <-done)
	assert.True(t, d.StreamEvents())
}

func TestDisablerStateSurvivesRestart(t *testing.T) {
	clock := newFakeClock()
	backend := NewMemoryBackend()
	ctx := testContext(t)

	first := newTestDisabler(t, backend, clock)
	require.NoError(t, first.HandleBlockError(ctx, BlockSignal{
		Action:    ActionMaintain,
		TimeLimit: FixedLimit(5 * time.Minute),
	}))

	second := newTestDisabler(t, backend, clock)
	assert.Equal(t, first.State().Action, second.State().Action)
	require.NotNil(t, second.State().Expiration)
	assert.True(t, first.State().Expiration.Equal(*second.State().Expiration))
	assert.True(t, second.StoreEvents())
	assert.False(t, second.StreamEvents())
}

func TestDisablerIgnoresCorruptState(t *testing.T) {
	backend := NewMemoryBackend()
	ctx := testContext(t)
	store, err := backend.Open(ctx, "test_disabler")
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, blockStateKey, []byte("{not json")))

	d := newTestDisabler(t, backend, newFakeClock())
	assert.Equal(t, ActionTransmit, d.State().Action)

	require.NoError(t, store.Put(ctx, blockStateKey, []byte(`{"action":"PAUSE"}`)))
	d = newTestDisabler(t, backend, newFakeClock())
	assert.Equal(t, ActionTransmit, d.State().Action)
}

func TestTimeLimitDrawStaysInRange(t *testing.T) {
	limit := DefaultJitterRanges().Minutes
	for range 200 {
		d := limit.draw()
		assert.GreaterOrEqual(t, d, 5*time.Minute)
		assert.LessOrEqual(t, d, 10*time.Minute)
	}
	assert.Equal(t, time.Second, FixedLimit(time.Second).draw())
}

func TestJitterRangesParse(t *testing.T) {
	ranges := DefaultJitterRanges()

	tests := []struct {
		name    string
		in      any
		want    TimeLimit
		wantErr bool
	}{
		{"minutes", "MINUTES", ranges.Minutes, false},
		{"days lower case", "days", ranges.Days, false},
		{"permanent", "PERMANENT", PermanentLimit, false},
		{"json number", float64(1000), FixedLimit(time.Second), false},
		{"numeric string", "250", FixedLimit(250 * time.Millisecond), false},
		{"int", 5, FixedLimit(5 * time.Millisecond), false},
		{"unknown name", "SOMETIMES", TimeLimit{}, true},
		{"wrong type", true, TimeLimit{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ranges.Parse(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseAction(t *testing.T) {
	for in, want := range map[string]Action{
		"TRANSMIT": ActionTransmit,
		"maintain": ActionMaintain,
		" Drop ":   ActionDrop,
	} {
		got, err := ParseAction(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}

	_, err := ParseAction("PAUSE")
	assert.Error(t, err)
}
