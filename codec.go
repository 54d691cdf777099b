package loevent

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Codec converts queue items to and from their durable byte form.
type Codec[T any] interface {
	Encode(item T) ([]byte, error)
	Decode(data []byte) (T, error)
}

// encMode uses Core Deterministic Encoding so the same event always yields
// the same bytes.
var encMode cbor.EncMode

// decMode decodes untyped maps as map[string]any so decoded events stay
// compatible with encoding/json.
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("loevent: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("loevent: CBOR decoder initialization failed: " + err.Error())
	}
}

// EventCodec stores events as CBOR.
type EventCodec struct{}

func (EventCodec) Encode(e Event) ([]byte, error) {
	return encMode.Marshal(e)
}

func (EventCodec) Decode(data []byte) (Event, error) {
	var e Event
	if err := decMode.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return e, nil
}

// StringCodec stores already-serialized payloads verbatim.
type StringCodec struct{}

func (StringCodec) Encode(s string) ([]byte, error) {
	return []byte(s), nil
}

func (StringCodec) Decode(data []byte) (string, error) {
	return string(data), nil
}
