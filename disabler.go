package loevent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Action is the transmission policy applied to events.
type Action string

const (
	// ActionTransmit stores and sends events. This is the default.
	ActionTransmit Action = "TRANSMIT"
	// ActionMaintain stores events locally but never sends them.
	ActionMaintain Action = "MAINTAIN"
	// ActionDrop discards events on arrival.
	ActionDrop Action = "DROP"
)

// ParseAction parses an action name case-insensitively.
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToUpper(strings.TrimSpace(s))); a {
	case ActionTransmit, ActionMaintain, ActionDrop:
		return a, nil
	default:
		return "", fmt.Errorf("loevent: unknown block action %q", s)
	}
}

// TimeLimit is how long a block lasts. The duration is drawn uniformly from
// [Min, Max] when the block is applied, so clients blocked at the same
// moment do not all retry at the same moment.
type TimeLimit struct {
	Permanent bool
	Min       time.Duration
	Max       time.Duration
}

// PermanentLimit blocks until the persisted state is cleared by hand.
var PermanentLimit = TimeLimit{Permanent: true}

// FixedLimit returns a TimeLimit of exactly d.
func FixedLimit(d time.Duration) TimeLimit {
	return TimeLimit{Min: d, Max: d}
}

// draw picks a duration from the limit's range.
func (l TimeLimit) draw() time.Duration {
	if l.Max <= l.Min {
		return l.Min
	}
	return l.Min + rand.N(l.Max-l.Min+1)
}

// JitterRanges are the named block windows a server may request.
type JitterRanges struct {
	Minutes TimeLimit
	Days    TimeLimit
}

// DefaultJitterRanges returns the 5-10 minute and 1-2 day windows.
func DefaultJitterRanges() JitterRanges {
	return JitterRanges{
		Minutes: TimeLimit{Min: 5 * time.Minute, Max: 10 * time.Minute},
		Days:    TimeLimit{Min: 24 * time.Hour, Max: 48 * time.Hour},
	}
}

// Parse converts a wire time limit into a TimeLimit. Accepted values are
// "MINUTES", "DAYS", "PERMANENT" and a number of milliseconds, either as a
// JSON number or a numeric string.
func (j JitterRanges) Parse(v any) (TimeLimit, error) {
	switch t := v.(type) {
	case float64:
		return FixedLimit(time.Duration(t) * time.Millisecond), nil
	case int:
		return FixedLimit(time.Duration(t) * time.Millisecond), nil
	case int64:
		return FixedLimit(time.Duration(t) * time.Millisecond), nil
	case string:
		switch strings.ToUpper(t) {
		case "MINUTES":
			return j.Minutes, nil
		case "DAYS":
			return j.Days, nil
		case "PERMANENT":
			return PermanentLimit, nil
		}
		if ms, err := strconv.ParseInt(t, 10, 64); err == nil {
			return FixedLimit(time.Duration(ms) * time.Millisecond), nil
		}
	}
	return TimeLimit{}, fmt.Errorf("loevent: unknown time limit %v", v)
}

// BlockSignal tells the pipeline to change its transmission policy for a
// while. Loggers report it through a Blocked SendResult.
type BlockSignal struct {
	Message   string
	TimeLimit TimeLimit
	Action    Action
}

func (b BlockSignal) String() string {
	return fmt.Sprintf("block %s: %s", b.Action, b.Message)
}

// BlockState is the persisted policy. A nil Expiration with Permanent false
// means no expiry is pending.
type BlockState struct {
	Action     Action     `json:"action"`
	Expiration *time.Time `json:"expiration,omitempty"`
	Permanent  bool       `json:"permanent,omitempty"`
}

func defaultBlockState() BlockState {
	return BlockState{Action: ActionTransmit}
}

// blockStateKey is the keyed record the state is persisted under.
const blockStateKey = "state"

// DisablerOptions configures a Disabler.
type DisablerOptions struct {
	Logger *slog.Logger
	Clock  Clock
}

// Disabler is the opt-out/blocklist policy engine. It decides whether
// events are stored and whether they are transmitted, and persists its
// state so a block survives restarts.
type Disabler struct {
	backend Backend
	name    string
	logger  *slog.Logger
	clock   Clock

	mu    sync.Mutex
	store Store
	state BlockState
}

// NewDisabler creates a Disabler persisting to the store "<name>_disabler"
// of backend. A nil backend keeps the state in memory only. The state is
// TRANSMIT until Init loads a persisted one.
func NewDisabler(backend Backend, name string, opts DisablerOptions) *Disabler {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Clock == nil {
		opts.Clock = RealClock()
	}
	return &Disabler{
		backend: backend,
		name:    name + "_disabler",
		logger:  opts.Logger,
		clock:   opts.Clock,
		state:   defaultBlockState(),
	}
}

// Init opens the backing store and loads the persisted state. A missing
// record leaves the defaults in place.
func (d *Disabler) Init(ctx context.Context) error {
	if d.backend == nil {
		return nil
	}

	store, err := d.backend.Open(ctx, d.name)
	if err != nil {
		return fmt.Errorf("open disabler store: %w", err)
	}

	data, ok, err := store.Get(ctx, blockStateKey)
	if err != nil {
		return fmt.Errorf("load block state: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.store = store
	if !ok {
		return nil
	}

	var state BlockState
	if err := json.Unmarshal(data, &state); err != nil {
		d.logger.Warn("ignoring corrupt block state", "error", err)
		return nil
	}
	if _, err := ParseAction(string(state.Action)); err != nil {
		d.logger.Warn("ignoring block state with unknown action", "action", state.Action)
		return nil
	}
	d.state = state
	d.logger.Debug("block state loaded", "action", state.Action, "expiration", state.Expiration)
	return nil
}

// HandleBlockError applies a block signal and persists the new state.
func (d *Disabler) HandleBlockError(ctx context.Context, sig BlockSignal) error {
	state := BlockState{Action: sig.Action}
	if sig.TimeLimit.Permanent {
		state.Permanent = true
	} else {
		expiration := d.clock.Now().Add(sig.TimeLimit.draw())
		state.Expiration = &expiration
	}

	d.mu.Lock()
	d.state = state
	d.mu.Unlock()

	d.logger.Warn("transmission blocked",
		"action", state.Action,
		"message", sig.Message,
		"permanent", state.Permanent,
		"expiration", state.Expiration,
	)
	return d.persist(ctx, state)
}

// Retry waits for a pending block to expire, then restores the defaults and
// returns true. It returns false immediately for a permanent block. If a new
// block arrives while waiting, Retry waits for that one instead.
func (d *Disabler) Retry(ctx context.Context) (bool, error) {
	for {
		d.mu.Lock()
		state := d.state
		d.mu.Unlock()

		if state.Permanent {
			return false, nil
		}

		if state.Expiration != nil {
			if wait := state.Expiration.Sub(d.clock.Now()); wait > 0 {
				if err := sleep(ctx, d.clock, wait); err != nil {
					return false, err
				}
			}
		}

		d.mu.Lock()
		if !sameState(d.state, state) {
			d.mu.Unlock()
			continue
		}
		d.state = defaultBlockState()
		d.mu.Unlock()

		if state.Action != ActionTransmit || state.Expiration != nil {
			d.logger.Info("block expired, transmission resumed")
		}
		return true, d.persist(ctx, defaultBlockState())
	}
}

// StoreEvents reports whether events may be stored locally.
func (d *Disabler) StoreEvents() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.Action != ActionDrop
}

// StreamEvents reports whether events may be transmitted.
func (d *Disabler) StreamEvents() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.Action == ActionTransmit
}

// State returns a copy of the current state.
func (d *Disabler) State() BlockState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Disabler) persist(ctx context.Context, state BlockState) error {
	d.mu.Lock()
	store := d.store
	d.mu.Unlock()

	if store == nil {
		return nil
	}

	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if err := store.Put(ctx, blockStateKey, data); err != nil {
		return fmt.Errorf("persist block state: %w", err)
	}
	return nil
}

func sameState(a, b BlockState) bool {
	if a.Action != b.Action || a.Permanent != b.Permanent {
		return false
	}
	if a.Expiration == nil || b.Expiration == nil {
		return a.Expiration == b.Expiration
	}
	return a.Expiration.Equal(*b.Expiration)
}
