package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"

	"github.com/rexliu/fedichess/pkg/core"
)

// Client issues requests to the daemon over its Unix socket. A Client holds
// one connection; requests on it are serialized.
type Client struct {
	conn net.Conn
}

// Dial connects to the daemon socket.
func Dial(ctx context.Context, socketPath string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", socketPath, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call sends one request and reads its response. A structured failure from
// the daemon is returned as *Error.
func (c *Client) Call(ctx context.Context, method string, params any) (*Response, error) {
	stop := c.watch(ctx)
	defer stop()

	if err := c.send(method, params); err != nil {
		return nil, ctxErr(ctx, err)
	}
	resp, err := c.receive()
	if err != nil {
		return nil, ctxErr(ctx, err)
	}
	if resp.Error != nil {
		return resp, resp.Error
	}
	return resp, nil
}

// Subscribe opens a stream and calls fn with every frame until ctx is
// done, the daemon closes the stream or fn returns an error. The
// connection is consumed by the subscription.
func (c *Client) Subscribe(ctx context.Context, method string, params any, fn func(json.RawMessage) error) error {
	stop := c.watch(ctx)
	defer stop()

	if err := c.send(method, params); err != nil {
		return ctxErr(ctx, err)
	}
	resp, err := c.receive()
	if err != nil {
		return ctxErr(ctx, err)
	}
	if resp.Error != nil {
		return resp.Error
	}
	for {
		frame, err := readFrame(c.conn)
		if err != nil {
			return ctxErr(ctx, err)
		}
		if err := fn(json.RawMessage(frame)); err != nil {
			return err
		}
	}
}

func (c *Client) send(method string, params any) error {
	req := Request{ID: "cli-" + core.NewID(), Type: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encode %s params: %w", method, err)
		}
		req.Params = raw
	}
	return writeJSON(c.conn, req)
}

func (c *Client) receive() (*Response, error) {
	var resp Response
	if err := readJSON(c.conn, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// watch closes the connection when ctx is done so blocked reads return.
func (c *Client) watch(ctx context.Context) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			c.conn.Close()
		case <-done:
		}
	}()
	return func() { close(done) }
}

func ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
