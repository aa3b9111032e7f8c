package bridge

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNoResponse is returned when a request is not answered: the wait
	// timed out, was canceled, or the stream ended first.
	ErrNoResponse = errors.New("no response")
	// ErrClosed is returned by operations on a closed connection.
	ErrClosed = errors.New("connection closed")
	// ErrNoExecutable is wrapped by SpawnError when no bridge path is set.
	ErrNoExecutable = errors.New("no bridge executable configured")

	errEvicted = errors.New("evicted after the stale window")
)

// SpawnError reports that the bridge could not be located or launched.
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("spawn bridge: %v", e.Err)
	}
	return fmt.Sprintf("spawn bridge %s: %v", e.Path, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// WriteError reports a failed write to the bridge's stdin, typically
// because the pipe is closed.
type WriteError struct {
	Err error
}

func (e *WriteError) Error() string { return fmt.Sprintf("write to bridge: %v", e.Err) }

func (e *WriteError) Unwrap() error { return e.Err }

// StopTimeoutError reports that the bridge did not exit within the grace
// period and was killed. The process is gone when this is returned.
type StopTimeoutError struct {
	PID   int
	Grace time.Duration
}

func (e *StopTimeoutError) Error() string {
	return fmt.Sprintf("bridge pid %d did not exit within %s; killed", e.PID, e.Grace)
}
