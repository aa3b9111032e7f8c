package bridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// writeDeadliner is implemented by writers that can interrupt a blocked
// write, such as the *os.File pipe Process hands out for stdin.
type writeDeadliner interface {
	SetWriteDeadline(time.Time) error
}

// LineChannel frames JSON values as newline-terminated lines. Writes are
// safe for concurrent use; ReadLine must only be called from one goroutine.
type LineChannel struct {
	reader *bufio.Reader

	// sem serializes writers. It is a channel so a queued writer can give
	// up when its context ends.
	sem    chan struct{}
	writer io.Writer
	buf    bytes.Buffer
	// broken is set once a line was cut short; the stream cannot be
	// resynchronized after that.
	broken error

	dmu sync.Mutex
	gen uint64
}

// NewLineChannel wraps the bridge's stdout (r) and stdin (w).
func NewLineChannel(r io.Reader, w io.Writer) *LineChannel {
	return &LineChannel{
		reader: bufio.NewReaderSize(r, 64*1024),
		sem:    make(chan struct{}, 1),
		writer: w,
	}
}

// WriteLine encodes v on a single line and writes it with a trailing
// newline. json.RawMessage and []byte values are compacted rather than
// re-encoded.
//
// If ctx ends while WriteLine waits for another writer or for the bridge to
// drain its input, ctx's error is returned. Interrupting a blocked write
// needs a writer with SetWriteDeadline; other writers are only checked
// before the write starts. I/O failures are returned as *WriteError.
func (c *LineChannel) WriteLine(ctx context.Context, v any) error {
	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-c.sem }()
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.broken != nil {
		return &WriteError{Err: c.broken}
	}

	c.buf.Reset()
	switch raw := v.(type) {
	case json.RawMessage:
		if err := json.Compact(&c.buf, raw); err != nil {
			return fmt.Errorf("encode line: %w", err)
		}
	case []byte:
		if err := json.Compact(&c.buf, raw); err != nil {
			return fmt.Errorf("encode line: %w", err)
		}
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode line: %w", err)
		}
		c.buf.Write(data)
	}
	c.buf.WriteByte('\n')

	disarm := c.armDeadline(ctx)
	n, err := c.writer.Write(c.buf.Bytes())
	disarm()
	if err == nil {
		return nil
	}
	if n > 0 {
		c.broken = fmt.Errorf("line cut short after %d of %d bytes: %w", n, c.buf.Len(), err)
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		// Deadlines only ever come from ctx.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return context.DeadlineExceeded
	}
	return &WriteError{Err: err}
}

// armDeadline applies ctx's deadline to the writer and moves it into the
// past if ctx is canceled mid-write. The returned func disarms it.
func (c *LineChannel) armDeadline(ctx context.Context) func() {
	d, ok := c.writer.(writeDeadliner)
	if !ok {
		return func() {}
	}
	c.dmu.Lock()
	c.gen++
	gen := c.gen
	deadline, _ := ctx.Deadline()
	_ = d.SetWriteDeadline(deadline)
	c.dmu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		c.dmu.Lock()
		defer c.dmu.Unlock()
		// A callback that fires after the write finished must not touch
		// the next write's deadline.
		if c.gen == gen {
			_ = d.SetWriteDeadline(time.Unix(1, 0))
		}
	})
	return func() {
		stop()
		c.dmu.Lock()
		c.gen++
		c.dmu.Unlock()
	}
}

// ReadLine blocks until a complete line is available and returns it
// without the line terminator. A final unterminated line is returned before
// the stream's error; at end of stream the error is io.EOF.
func (c *LineChannel) ReadLine() ([]byte, error) {
	line, err := c.reader.ReadBytes('\n')
	if len(line) > 0 {
		line = bytes.TrimRight(line, "\r\n")
		if err == nil || err == io.EOF {
			return line, nil
		}
	}
	if err != nil {
		return nil, err
	}
	return line, nil
}
