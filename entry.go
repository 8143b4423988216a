package livecache

import (
	"fmt"

	"github.com/klauspost/compress/s2"
	"github.com/vmihailenco/msgpack/v5"
)

// Compression scheme byte appended to an encoded entry. Payloads below
// compressionThreshold are stored as-is; larger ones go through s2.
const (
	noCompression = 0x0
	s2Compression = 0x1

	compressionThreshold = 1024
)

// CacheEntry is the stored unit: raw response bytes, an absolute expiry, and
// the server-authoritative timestamp used for latest-wins ordering.
// Both times are UNIX timestamps in milliseconds.
type CacheEntry struct {
	Data      []byte `msgpack:"d"`
	ExpireAt  int64  `msgpack:"e"`
	Timestamp int64  `msgpack:"t"`
}

// Expired reports whether the entry's TTL horizon has passed at @p nowMs.
func (e *CacheEntry) Expired(nowMs int64) bool {
	return nowMs > e.ExpireAt
}

// NewerThan reports whether this entry should replace @p other under
// latest-wins. A nil other never wins.
func (e *CacheEntry) NewerThan(other *CacheEntry) bool {
	if other == nil {
		return true
	}
	return e.Timestamp >= other.Timestamp
}

// encodeEntry marshals an entry to msgpack and compresses large payloads.
func encodeEntry(e *CacheEntry) ([]byte, error) {
	b, err := msgpack.Marshal(e)
	if err != nil {
		return nil, err
	}
	if len(b) < compressionThreshold {
		return append(b, noCompression), nil
	}
	compressed := s2.Encode(nil, b)
	if len(compressed)+1 >= len(b)+1 {
		return append(b, noCompression), nil
	}
	return append(compressed, s2Compression), nil
}

// decodeEntry reverses encodeEntry.
func decodeEntry(b []byte) (*CacheEntry, error) {
	if len(b) < 1 {
		return nil, fmt.Errorf("decode entry: %w", ErrCorrupt)
	}
	payload, scheme := b[:len(b)-1], b[len(b)-1]
	switch scheme {
	case noCompression:
	case s2Compression:
		decoded, err := s2.Decode(nil, payload)
		if err != nil {
			return nil, fmt.Errorf("decode entry: %w", err)
		}
		payload = decoded
	default:
		return nil, fmt.Errorf("decode entry: unknown scheme %x: %w", scheme, ErrCorrupt)
	}
	e := &CacheEntry{}
	if err := msgpack.Unmarshal(payload, e); err != nil {
		return nil, fmt.Errorf("decode entry: %w", err)
	}
	return e, nil
}
