package loevent

import (
	"encoding/json"
	"time"
)

// Reserved event tags used for control messages.
const (
	// EventLockFields fixes a set of metadata fields for all subsequent
	// events of the session. The fields travel under the "fields" key.
	EventLockFields = "lock_fields"

	// EventWarning is a synthetic diagnostic event describing a delivery
	// problem such as a dropped websocket connection.
	EventWarning = "warning"

	// EventBrowserInfo carries host runtime information. It is only sent
	// when explicitly requested at initialization.
	EventBrowserInfo = "BROWSER_INFO"
)

// isoLayout is RFC 3339 with millisecond precision.
const isoLayout = "2006-01-02T15:04:05.000Z07:00"

// Event is a single telemetry record. Its content is opaque to the pipeline
// apart from the "event" tag and the timestamp fields under "metadata".
type Event map[string]any

// Type returns the event tag, or "" if none is set.
func (e Event) Type() string {
	t, _ := e["event"].(string)
	return t
}

// Metadata returns the metadata sub-record, or nil if absent.
func (e Event) Metadata() map[string]any {
	return asMap(e["metadata"])
}

// Marshal serializes the event into its wire form.
func (e Event) Marshal() (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// stampEvent returns a shallow copy of event tagged with eventType and
// carrying ts, human_ts and iso_ts in its metadata. Metadata already present
// on the event is kept.
func stampEvent(eventType string, event Event, now time.Time) Event {
	stamped := make(Event, len(event)+2)
	for k, v := range event {
		stamped[k] = v
	}
	stamped["event"] = eventType

	meta := make(map[string]any, 3)
	for k, v := range asMap(event["metadata"]) {
		meta[k] = v
	}
	meta["ts"] = now.UnixMilli()
	meta["human_ts"] = now.Local().Format(time.RFC1123)
	meta["iso_ts"] = now.UTC().Format(isoLayout)
	stamped["metadata"] = meta

	return stamped
}

// lockFieldsEvent builds the control event that locks fields for a session.
func lockFieldsEvent(fields map[string]any, now time.Time) Event {
	return stampEvent(EventLockFields, Event{"fields": fields}, now)
}

// asMap converts the map shapes an event may contain after decoding.
func asMap(v any) map[string]any {
	switch m := v.(type) {
	case map[string]any:
		return m
	case Event:
		return m
	default:
		return nil
	}
}
