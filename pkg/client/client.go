// Package client is the high-level handle on a FediChess bridge: it owns
// the bridge process, correlates commands with their responses and exposes
// the event stream.
package client

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/rexliu/fedichess/pkg/bridge"
	"github.com/rexliu/fedichess/pkg/config"
	"github.com/rexliu/fedichess/pkg/core"
	"github.com/rexliu/fedichess/pkg/proto"
)

const (
	DefaultRequestTimeout = 10 * time.Second
	DefaultStopGrace      = 2 * time.Second
)

var (
	// ErrNotStarted is returned by operations on a client without a live
	// bridge.
	ErrNotStarted = errors.New("bridge not started")
	// ErrAlreadyStarted is returned by Start while a bridge is running.
	ErrAlreadyStarted = errors.New("bridge already started")
)

// Options configures a Client.
type Options struct {
	Launch bridge.LaunchConfig
	// RequestTimeout bounds every command. Defaults to 10s.
	RequestTimeout time.Duration
	// StopGrace is how long Stop waits after SIGTERM. Defaults to 2s.
	StopGrace time.Duration
	// StaleAfter is passed to the connection; see bridge.ConnOptions.
	StaleAfter time.Duration
}

// OptionsFromConfig maps a profile onto client options. Relative bridge
// paths resolve against profileDir.
func OptionsFromConfig(profileDir string, cfg *config.ProfileConfig) Options {
	return Options{
		Launch: bridge.LaunchConfig{
			Path:    config.ResolvePath(profileDir, cfg.Bridge.Path),
			WorkDir: config.ResolvePath(profileDir, cfg.Bridge.WorkDir),
			Node:    cfg.Bridge.Node,
			Args:    cfg.Bridge.Args,
		},
		RequestTimeout: cfg.Timeouts.Request.Duration,
		StopGrace:      cfg.Timeouts.StopGrace.Duration,
		StaleAfter:     cfg.Timeouts.StaleAfter.Duration,
	}
}

// Result is the outcome of one command. A rejected command has OK false
// and the bridge's Error message. A command that got no answer has OK
// false, Error "no response" and Err wrapping bridge.ErrNoResponse.
type Result struct {
	ID    string
	OK    bool
	Error string
	Peers []string
	Raw   []byte
	Err   error
}

// Client drives one bridge process. Several clients may coexist; each owns
// its own process. All methods are safe for concurrent use.
type Client struct {
	opts   Options
	logger bridge.Logger

	mu   sync.Mutex
	proc *bridge.Process
	conn *bridge.Conn
	// stopping is closed when an in-progress Stop has released the bridge.
	stopping chan struct{}
}

// New returns a client that has not started its bridge yet.
func New(opts Options, logger bridge.Logger) *Client {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = DefaultStopGrace
	}
	if logger == nil {
		logger = bridge.NopLogger{}
	}
	return &Client{opts: opts, logger: logger}
}

// Start launches the bridge and begins reading its output. Launch failures
// are returned as *bridge.SpawnError and are not retried.
func (c *Client) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	for c.stopping != nil {
		stopping := c.stopping
		c.mu.Unlock()
		select {
		case <-stopping:
		case <-ctx.Done():
			return ctx.Err()
		}
		c.mu.Lock()
	}
	defer c.mu.Unlock()
	if c.proc != nil && c.proc.Running() {
		return ErrAlreadyStarted
	}
	if c.proc != nil {
		// The previous bridge died on its own, so releasing it is quick.
		c.release(c.proc, c.conn)
		c.proc, c.conn = nil, nil
	}

	spec, err := bridge.ResolveSpec(c.opts.Launch)
	if err != nil {
		return err
	}
	proc, err := bridge.Start(spec, c.logger)
	if err != nil {
		return err
	}
	c.proc = proc
	c.conn = bridge.NewConn(proc.Stdout(), proc.Stdin(), bridge.ConnOptions{
		Logger:     c.logger,
		StaleAfter: c.opts.StaleAfter,
	})
	return nil
}

// Running reports whether a bridge process is alive.
func (c *Client) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.proc != nil && c.proc.Running()
}

// PID returns the bridge's process ID, or -1 when not started.
func (c *Client) PID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.proc == nil {
		return -1
	}
	return c.proc.PID()
}

// Stats returns the connection counters, or zero values when not started.
func (c *Client) Stats() bridge.Stats {
	conn := c.current()
	if conn == nil {
		return bridge.Stats{}
	}
	return conn.Stats()
}

// PendingRequests returns the number of commands awaiting a response.
func (c *Client) PendingRequests() int {
	conn := c.current()
	if conn == nil {
		return 0
	}
	return conn.PendingRequests()
}

// Stop closes the connection, stops the bridge and waits for the reader to
// exit. In-flight calls fail with ErrNoResponse. The client reads as not
// started as soon as Stop begins, so other methods return at once while
// the bridge is given its grace period. It is safe to call before Start and
// more than once; a concurrent Stop waits for the first to finish. The only
// error reported is a *bridge.StopTimeoutError for a bridge that had to be
// killed.
func (c *Client) Stop() error {
	c.mu.Lock()
	proc, conn := c.proc, c.conn
	c.proc, c.conn = nil, nil
	if proc == nil {
		stopping := c.stopping
		c.mu.Unlock()
		if stopping != nil {
			<-stopping
		}
		return nil
	}
	stopping := make(chan struct{})
	c.stopping = stopping
	c.mu.Unlock()

	err := c.release(proc, conn)

	c.mu.Lock()
	c.stopping = nil
	c.mu.Unlock()
	close(stopping)
	return err
}

func (c *Client) release(proc *bridge.Process, conn *bridge.Conn) error {
	conn.Close()
	err := proc.Stop(c.opts.StopGrace)
	conn.Wait()
	if err != nil {
		c.logger.Printf("stop bridge: %v", err)
	}
	return err
}

func (c *Client) current() *bridge.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// JoinLobby joins the shared lobby room.
func (c *Client) JoinLobby(ctx context.Context) (Result, error) {
	return c.call(ctx, proto.JoinLobby{})
}

// LeaveLobby leaves the lobby room.
func (c *Client) LeaveLobby(ctx context.Context) (Result, error) {
	return c.call(ctx, proto.LeaveLobby{})
}

// JoinGame joins the room for gameID. The bridge rejects an empty ID.
func (c *Client) JoinGame(ctx context.Context, gameID string) (Result, error) {
	return c.call(ctx, proto.JoinGame{GameID: gameID})
}

// LeaveGame leaves the current game room.
func (c *Client) LeaveGame(ctx context.Context) (Result, error) {
	return c.call(ctx, proto.LeaveGame{})
}

// Send broadcasts action with payload to the current room, or to peerID
// only when it is set. payload is marshalled to JSON unless it already is
// raw JSON.
func (c *Client) Send(ctx context.Context, action string, payload any, peerID string) (Result, error) {
	cmd, err := proto.NewSend(action, payload, peerID)
	if err != nil {
		return Result{}, err
	}
	return c.call(ctx, cmd)
}

// Peers asks for the peers in the current room.
func (c *Client) Peers(ctx context.Context) (Result, error) {
	return c.call(ctx, proto.GetPeers{})
}

// GetPeers returns the peers in the current room, or an empty slice when
// the bridge rejects or does not answer the request.
func (c *Client) GetPeers(ctx context.Context) ([]string, error) {
	res, err := c.Peers(ctx)
	if err != nil {
		return nil, err
	}
	if !res.OK || res.Peers == nil {
		return []string{}, nil
	}
	return res.Peers, nil
}

// SendHeartbeat broadcasts a lobby heartbeat.
func (c *Client) SendHeartbeat(ctx context.Context, hb core.Heartbeat) (Result, error) {
	return c.Send(ctx, string(proto.EventHeartbeat), hb, "")
}

// SendChallenge sends challenge to a single peer.
func (c *Client) SendChallenge(ctx context.Context, peerID string, challenge core.Challenge) (Result, error) {
	return c.Send(ctx, string(proto.EventChallenge), challenge, peerID)
}

// PollEvent returns the oldest queued event, waiting at most timeout. A
// non-positive timeout only checks.
func (c *Client) PollEvent(timeout time.Duration) (proto.Event, bool) {
	conn := c.current()
	if conn == nil {
		return proto.Event{}, false
	}
	return conn.PollEvent(timeout)
}

// Events yields events in arrival order until ctx is done or the bridge
// goes away. Ranging again resumes from the shared queue.
func (c *Client) Events(ctx context.Context) iter.Seq[proto.Event] {
	return func(yield func(proto.Event) bool) {
		conn := c.current()
		if conn == nil {
			return
		}
		for ev := range conn.Events(ctx) {
			if !yield(ev) {
				return
			}
		}
	}
}

func (c *Client) call(ctx context.Context, cmd proto.Command) (Result, error) {
	conn := c.current()
	if conn == nil {
		return Result{}, ErrNotStarted
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	pending, err := conn.Submit(ctx, cmd)
	var writeErr *bridge.WriteError
	switch {
	case errors.As(err, &writeErr):
		return Result{Error: writeErr.Error(), Err: err}, err
	case errors.Is(err, bridge.ErrClosed):
		return noResponse("", fmt.Errorf("%w: %s: %w", bridge.ErrNoResponse, cmd.Name(), err)), nil
	case errors.Is(err, bridge.ErrNoResponse):
		// The bridge stopped reading its input before the command fit.
		c.logger.Debugf("%s: %v", cmd.Name(), err)
		return noResponse("", err), nil
	case err != nil:
		return Result{}, err
	}

	resp, err := pending.Wait(ctx)
	if err != nil {
		c.logger.Debugf("%s: %v", cmd.Name(), err)
		return noResponse(pending.ID(), err), nil
	}
	return Result{
		ID:    resp.ID,
		OK:    resp.OK,
		Error: resp.Error,
		Peers: resp.Peers,
		Raw:   resp.Raw,
	}, nil
}

func noResponse(id string, err error) Result {
	return Result{ID: id, Error: "no response", Err: err}
}
