package livecache

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTimeout is returned when a bounded wait expires.
	ErrTimeout = errors.New("timeout")
	// ErrNilData rejects caching nil values.
	ErrNilData = errors.New("nil data")
	// ErrInvalidTTL rejects non-positive cache TTLs.
	ErrInvalidTTL = errors.New("invalid ttl")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("client closed")
	// ErrCorrupt marks an undecodable stored entry.
	ErrCorrupt = errors.New("corrupt entry")
	// ErrMisconfigured marks a construction-time configuration error.
	ErrMisconfigured = errors.New("misconfigured")
)

func errMisconfigured(msg string) error {
	return fmt.Errorf("%w: %s", ErrMisconfigured, msg)
}

var getNow = time.Now

// SetNowFunc is a helper function to replace time.Now(), usually used for
// testing.
func SetNowFunc(f func() time.Time) { getNow = f }

func nowMs() int64 { return getNow().UnixMilli() }
