package ipc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func startServer(t *testing.T) (*Server, string) {
	t.Helper()
	// Unix socket paths are length-limited; keep the directory short.
	dir, err := os.MkdirTemp("", "ipc")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	socket := filepath.Join(dir, "d.sock")

	srv := NewServer(nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		srv.Stop()
	})
	srv.Register("echo", func(ctx context.Context, params json.RawMessage) (any, *Error) {
		var body map[string]any
		if err := json.Unmarshal(params, &body); err != nil {
			return nil, Errorf(CodeInvalidRequest, "invalid params", nil)
		}
		return body, nil
	})
	if err := srv.Start(ctx, socket); err != nil {
		t.Fatalf("start: %v", err)
	}
	return srv, socket
}

func dial(t *testing.T, socket string) *Client {
	t.Helper()
	c, err := Dial(context.Background(), socket)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	for _, payload := range [][]byte{[]byte(`{"type":"ping"}`), {}} {
		if err := WriteFrame(&buf, payload); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	first, err := ReadFrame(&buf)
	if err != nil || string(first) != `{"type":"ping"}` {
		t.Fatalf("first frame = %q, %v", first, err)
	}
	second, err := ReadFrame(&buf)
	if err != nil || len(second) != 0 {
		t.Fatalf("second frame = %q, %v", second, err)
	}

	if _, err := ReadFrame(&buf); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF between frames, got %v", err)
	}

	oversized := []byte{0xff, 0xff, 0xff, 0xff}
	if _, err := ReadFrame(bytes.NewReader(oversized)); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
	truncated := []byte{0x05, 0x00, 0x00, 0x00, '{'}
	if _, err := ReadFrame(bytes.NewReader(truncated)); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected io.ErrUnexpectedEOF, got %v", err)
	}
}

func TestServerCall(t *testing.T) {
	_, socket := startServer(t)
	c := dial(t, socket)
	ctx := context.Background()

	resp, err := c.Call(ctx, "echo", map[string]any{"gameId": "g1"})
	if err != nil {
		t.Fatalf("echo: %v", err)
	}
	if !resp.OK || string(resp.Result) != `{"gameId":"g1"}` {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.TraceID == "" {
		t.Fatal("missing trace id")
	}

	_, err = c.Call(ctx, "nope", nil)
	var rpcErr *Error
	if !errors.As(err, &rpcErr) || rpcErr.Code != CodeInvalidRequest {
		t.Fatalf("expected INVALID_REQUEST, got %v", err)
	}

	// The connection survives a failed request.
	_, err = c.Call(ctx, "echo", "not an object")
	if !errors.As(err, &rpcErr) || rpcErr.Message != "invalid params" {
		t.Fatalf("expected invalid params, got %v", err)
	}
}

func TestServerStream(t *testing.T) {
	srv, socket := startServer(t)
	source := make(chan []byte, 4)
	ended := make(chan struct{})
	srv.RegisterStream("subscribe", func(ctx context.Context, _ json.RawMessage) (<-chan []byte, *Error) {
		go func() {
			<-ctx.Done()
			close(ended)
		}()
		return source, nil
	})

	source <- []byte(`{"event":"peerJoin","peerId":"p1"}`)
	source <- []byte(`{"event":"peerLeave","peerId":"p1"}`)

	c := dial(t, socket)
	var got []string
	errStop := errors.New("stop")
	err := c.Subscribe(context.Background(), "subscribe", nil, func(frame json.RawMessage) error {
		got = append(got, string(frame))
		if len(got) == 2 {
			return errStop
		}
		return nil
	})
	if !errors.Is(err, errStop) {
		t.Fatalf("subscribe: %v", err)
	}
	if got[0] != `{"event":"peerJoin","peerId":"p1"}` {
		t.Fatalf("unexpected first frame %s", got[0])
	}

	// Hanging up ends the server side of the stream.
	c.Close()
	select {
	case <-ended:
	case <-time.After(5 * time.Second):
		t.Fatal("stream context not canceled after client hangup")
	}
}

func TestSubscribeCanceledByContext(t *testing.T) {
	srv, socket := startServer(t)
	srv.RegisterStream("subscribe", func(ctx context.Context, _ json.RawMessage) (<-chan []byte, *Error) {
		return make(chan []byte), nil
	})
	c := dial(t, socket)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := c.Subscribe(ctx, "subscribe", nil, func(json.RawMessage) error { return nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestServerStopClosesStreams(t *testing.T) {
	srv, socket := startServer(t)
	srv.RegisterStream("subscribe", func(ctx context.Context, _ json.RawMessage) (<-chan []byte, *Error) {
		return make(chan []byte), nil
	})
	c := dial(t, socket)

	result := make(chan error, 1)
	go func() {
		result <- c.Subscribe(context.Background(), "subscribe", nil, func(json.RawMessage) error { return nil })
	}()
	time.Sleep(50 * time.Millisecond)

	if err := srv.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	select {
	case err := <-result:
		if err == nil {
			t.Fatal("expected subscribe to fail after stop")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("subscription still open after Stop")
	}
}
