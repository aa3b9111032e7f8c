package core

import (
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// NewID returns a monotonic ULID string. IDs generated within one process
// sort in creation order and never repeat.
func NewID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewRequestID generates the correlation identifier attached to an outbound
// bridge command.
func NewRequestID() string {
	return "req-" + NewID()
}

// NewGameID returns a random game identifier in the UUID form the web client
// and the other SDKs use for challenge game rooms.
func NewGameID() string {
	return uuid.NewString()
}

// NowMillis returns the current Unix time in milliseconds, the timestamp unit
// of lobby payloads.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
