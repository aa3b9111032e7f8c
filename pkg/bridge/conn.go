package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rexliu/fedichess/pkg/core"
	"github.com/rexliu/fedichess/pkg/proto"
)

// DefaultStaleAfter is how long a request nobody waits for stays registered.
const DefaultStaleAfter = 30 * time.Second

// ConnOptions tunes a Conn. The zero value is usable.
type ConnOptions struct {
	Logger Logger
	// StaleAfter is how long a request whose caller gave up keeps its
	// identifier reserved. A reply arriving in that window is counted as
	// late and dropped; after it, the identifier is forgotten. A request
	// that was never waited on is forgotten StaleAfter after submission.
	StaleAfter time.Duration
	// NewID generates request identifiers. Defaults to core.NewRequestID.
	NewID func() string
}

// Stats counts what the read loop has seen.
type Stats struct {
	Lines         uint64
	Malformed     uint64
	Responses     uint64
	LateResponses uint64
	Events        uint64
	Discarded     uint64
	Evicted       uint64
}

// Conn correlates commands with responses over a line channel and queues
// everything else the bridge announces. All methods are safe for
// concurrent use.
type Conn struct {
	ch     *LineChannel
	reader io.ReadCloser
	logger Logger
	newID  func() string
	stale  time.Duration

	mu        sync.Mutex
	pending   map[string]*Pending
	closed    bool
	err       error
	lastSweep time.Time

	events    *eventQueue
	done      chan struct{}
	closeOnce sync.Once

	lines, malformed, responses, late, queued, discarded, evicted atomic.Uint64
}

// NewConn starts the read loop over r and sends commands on w. Close
// closes r to stop the loop.
func NewConn(r io.ReadCloser, w io.Writer, opts ConnOptions) *Conn {
	c := &Conn{
		ch:      NewLineChannel(r, w),
		reader:  r,
		logger:  orNop(opts.Logger),
		newID:   opts.NewID,
		stale:   opts.StaleAfter,
		pending: make(map[string]*Pending),
		events:  newEventQueue(),
		done:    make(chan struct{}),
	}
	if c.newID == nil {
		c.newID = core.NewRequestID
	}
	if c.stale <= 0 {
		c.stale = DefaultStaleAfter
	}
	go c.readLoop()
	return c
}

// Submit assigns cmd a fresh request identifier, registers it and writes
// it to the bridge. The returned Pending resolves with the matching
// response.
//
// ctx bounds the write: a bridge that stops reading its input cannot block
// Submit past ctx's deadline. A write cut off by ctx fails with an error
// wrapping ErrNoResponse and ctx's error. Any other failed write is
// returned as *WriteError. Either way nothing stays registered.
//
// The caller should Wait on or Cancel the result. An entry nobody waits on
// is evicted like an abandoned one, StaleAfter after it was submitted.
func (c *Conn) Submit(ctx context.Context, cmd proto.Command) (*Pending, error) {
	id := c.newID()
	line, err := proto.Encode(cmd, id)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	p := &Pending{id: id, cmd: cmd.Name(), conn: c, submittedAt: now, done: make(chan struct{})}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.sweepLocked(now)
	c.pending[id] = p
	c.mu.Unlock()

	// Registered before writing: the reply may arrive before WriteLine
	// returns.
	if err := c.ch.WriteLine(ctx, json.RawMessage(line)); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			err = fmt.Errorf("%w: %s id=%s: write: %w", ErrNoResponse, p.cmd, id, err)
		}
		p.resolve(proto.Response{}, err)
		return nil, err
	}
	c.logger.Debugf("sent %s id=%s", p.cmd, id)
	return p, nil
}

// Call submits cmd and waits for its response until ctx is done.
func (c *Conn) Call(ctx context.Context, cmd proto.Command) (proto.Response, error) {
	p, err := c.Submit(ctx, cmd)
	if err != nil {
		return proto.Response{}, err
	}
	return p.Wait(ctx)
}

// PollEvent returns the oldest queued event, waiting at most timeout for
// one to arrive. A non-positive timeout does not wait.
func (c *Conn) PollEvent(timeout time.Duration) (proto.Event, bool) {
	if timeout <= 0 {
		return c.events.tryPop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	ev, err := c.events.pop(ctx)
	return ev, err == nil
}

// NextEvent blocks until an event is available. It returns ErrClosed once
// the connection has ended and every queued event has been consumed.
func (c *Conn) NextEvent(ctx context.Context) (proto.Event, error) {
	return c.events.pop(ctx)
}

// Events yields queued events in arrival order until ctx is done or the
// connection ends. Each call starts a new pass over the shared queue, so
// concurrent ranges split the events between them.
func (c *Conn) Events(ctx context.Context) iter.Seq[proto.Event] {
	return func(yield func(proto.Event) bool) {
		for {
			ev, err := c.events.pop(ctx)
			if err != nil {
				return
			}
			if !yield(ev) {
				return
			}
		}
	}
}

// QueuedEvents returns the number of events waiting to be consumed.
func (c *Conn) QueuedEvents() int { return c.events.len() }

// PendingRequests returns the number of registered request identifiers,
// abandoned ones included.
func (c *Conn) PendingRequests() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Stats returns a snapshot of the read loop counters.
func (c *Conn) Stats() Stats {
	return Stats{
		Lines:         c.lines.Load(),
		Malformed:     c.malformed.Load(),
		Responses:     c.responses.Load(),
		LateResponses: c.late.Load(),
		Events:        c.queued.Load(),
		Discarded:     c.discarded.Load(),
		Evicted:       c.evicted.Load(),
	}
}

// Close stops the read loop. Outstanding requests fail with ErrNoResponse;
// events already queued stay available. Close does not wait for the loop;
// use Wait for that.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		err = c.reader.Close()
	})
	return err
}

// Wait blocks until the read loop has exited.
func (c *Conn) Wait() { <-c.done }

// Done is closed when the read loop exits.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns why the read loop ended, or nil while it is running.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Conn) readLoop() {
	defer close(c.done)
	for {
		line, err := c.ch.ReadLine()
		if err != nil {
			c.shutdown(err)
			return
		}
		c.handleLine(line)
	}
}

func (c *Conn) handleLine(line []byte) {
	c.lines.Add(1)
	frame, err := proto.Decode(line)
	switch {
	case errors.Is(err, proto.ErrEmpty):
		return
	case err != nil:
		c.malformed.Add(1)
		c.logger.Debugf("discarding malformed line: %.200q", line)
		return
	}

	if frame.HasID && c.deliver(frame) {
		return
	}
	if frame.HasEvent {
		c.events.push(frame.Event())
		c.queued.Add(1)
		return
	}
	c.discarded.Add(1)
	c.logger.Debugf("discarding unmatched line: %.200q", line)
}

// deliver resolves the request frame answers. It reports false when no
// request with that identifier is registered.
func (c *Conn) deliver(frame proto.Frame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked(time.Now())

	p, ok := c.pending[frame.ID]
	if !ok {
		return false
	}
	delete(c.pending, frame.ID)

	if p.abandoned {
		c.late.Add(1)
		c.logger.Debugf("late response for %s id=%s after %s", p.cmd, p.id, time.Since(p.abandonedAt).Round(time.Millisecond))
		return true
	}
	resp, err := frame.Response()
	if err != nil {
		resp = proto.Response{ID: frame.ID, Error: fmt.Sprintf("invalid response: %v", err), Raw: json.RawMessage(frame.Raw)}
	}
	c.responses.Add(1)
	p.resolve(resp, nil)
	return true
}

// sweepLocked forgets requests older than the stale window that nobody is
// waiting for: abandoned ones, counted from when their caller gave up, and
// never-waited ones, counted from submission. It runs at most once per
// second.
func (c *Conn) sweepLocked(now time.Time) {
	if now.Sub(c.lastSweep) < time.Second {
		return
	}
	c.lastSweep = now
	for id, p := range c.pending {
		var idle time.Duration
		switch {
		case p.abandoned:
			idle = now.Sub(p.abandonedAt)
		case !p.waited:
			idle = now.Sub(p.submittedAt)
		default:
			continue
		}
		if idle <= c.stale {
			continue
		}
		delete(c.pending, id)
		c.evicted.Add(1)
		c.logger.Debugf("evicted stale %s id=%s", p.cmd, id)
		p.resolve(proto.Response{}, fmt.Errorf("%w: %s id=%s: %w", ErrNoResponse, p.cmd, id, errEvicted))
	}
}

func (c *Conn) shutdown(cause error) {
	c.mu.Lock()
	if c.closed {
		cause = ErrClosed
	} else if errors.Is(cause, io.EOF) {
		c.logger.Printf("bridge closed its output")
	} else {
		c.logger.Printf("bridge read failed: %v", cause)
	}
	c.closed = true
	c.err = cause
	pending := c.pending
	c.pending = make(map[string]*Pending)
	c.mu.Unlock()

	for _, p := range pending {
		p.resolve(proto.Response{}, fmt.Errorf("%w: %s id=%s: %w", ErrNoResponse, p.cmd, p.id, cause))
	}
	c.events.close()
}

// Pending is a submitted command awaiting its response.
type Pending struct {
	id   string
	cmd  string
	conn *Conn

	once sync.Once
	done chan struct{}
	resp proto.Response
	err  error

	submittedAt time.Time
	// guarded by conn.mu
	waited      bool
	abandoned   bool
	abandonedAt time.Time
}

// ID returns the request identifier sent with the command.
func (p *Pending) ID() string { return p.id }

func (p *Pending) resolve(resp proto.Response, err error) {
	p.once.Do(func() {
		p.resp = resp
		p.err = err
		close(p.done)
	})
}

// Wait blocks until the response arrives, ctx is done, or the connection
// ends. Both of the latter return an error wrapping ErrNoResponse. Giving
// up leaves the identifier reserved for the stale window, so a late reply
// is recognized and dropped.
func (p *Pending) Wait(ctx context.Context) (proto.Response, error) {
	c := p.conn
	c.mu.Lock()
	p.waited = true
	c.mu.Unlock()

	select {
	case <-p.done:
		return p.resp, p.err
	case <-ctx.Done():
	}

	c.mu.Lock()
	if _, ok := c.pending[p.id]; ok && !p.abandoned {
		p.abandoned = true
		p.abandonedAt = time.Now()
	}
	c.mu.Unlock()

	// Delivery happens under conn.mu, so a response that won the race is
	// visible here.
	select {
	case <-p.done:
		return p.resp, p.err
	default:
	}
	return proto.Response{}, fmt.Errorf("%w: %s id=%s: %w", ErrNoResponse, p.cmd, p.id, ctx.Err())
}

// WaitTimeout is Wait with a timeout instead of a context.
func (p *Pending) WaitTimeout(d time.Duration) (proto.Response, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return p.Wait(ctx)
}

// Cancel unregisters the request immediately. A reply arriving later is
// treated as an unmatched line.
func (p *Pending) Cancel() {
	c := p.conn
	c.mu.Lock()
	if cur, ok := c.pending[p.id]; ok && cur == p {
		delete(c.pending, p.id)
	}
	c.mu.Unlock()
	p.resolve(proto.Response{}, fmt.Errorf("%w: %s id=%s: %w", ErrNoResponse, p.cmd, p.id, context.Canceled))
}
