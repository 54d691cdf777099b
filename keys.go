package loevent

import (
	"strconv"

	"github.com/oklog/ulid/v2"
)

// Key prefixes for the record types kept in BadgerDB. Store names are
// length-prefixed so the prefix of one store never matches the keys of
// another whose name extends it.
const (
	prefixQueue = "q:" // Queue records: q:<len>:<store>:<ulid>
	prefixKV    = "k:" // Keyed records: k:<len>:<store>:<key>
	ulidLen     = 26
)

// appendStore appends <len>:<store>: to key.
func appendStore(key []byte, store string) []byte {
	key = strconv.AppendInt(key, int64(len(store)), 10)
	key = append(key, ':')
	key = append(key, store...)
	return append(key, ':')
}

// encodeQueueKey creates a queue record key.
// Format: q:<len>:<store>:<ulid>
func encodeQueueKey(store string, id ulid.ULID) []byte {
	key := make([]byte, 0, len(prefixQueue)+len(store)+8+ulidLen)
	key = append(key, encodeQueuePrefix(store)...)
	key = append(key, id.String()...)
	return key
}

// encodeQueuePrefix creates a prefix for scanning all records of a queue.
// Format: q:<len>:<store>:
func encodeQueuePrefix(store string) []byte {
	prefix := make([]byte, 0, len(prefixQueue)+len(store)+8)
	prefix = append(prefix, prefixQueue...)
	return appendStore(prefix, store)
}

// encodeKVKey creates a keyed record key.
// Format: k:<len>:<store>:<key>
func encodeKVKey(store, name string) []byte {
	key := make([]byte, 0, len(prefixKV)+len(store)+8+len(name))
	key = append(key, prefixKV...)
	key = appendStore(key, store)
	key = append(key, name...)
	return key
}
