package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"sync"

	"github.com/rexliu/fedichess/pkg/core"
)

// HandlerFunc processes RPC params and returns a result or structured error.
type HandlerFunc func(context.Context, json.RawMessage) (any, *Error)

// StreamFunc opens a subscription. The server writes every payload
// received from the channel as a frame until the channel closes, ctx is
// done or the client hangs up. ctx is canceled when the subscription ends.
type StreamFunc func(context.Context, json.RawMessage) (<-chan []byte, *Error)

// Logger is satisfied by logging.Logger; kept minimal to avoid dependency cycles.
type Logger interface {
	Printf(format string, v ...any)
}

// Server listens for IPC requests over Unix sockets.
type Server struct {
	ln       net.Listener
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	streams  map[string]StreamFunc
	conns    map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
	logger   Logger
}

// NewServer constructs an IPC server.
func NewServer(logger Logger) *Server {
	return &Server{
		handlers: make(map[string]HandlerFunc),
		streams:  make(map[string]StreamFunc),
		conns:    make(map[net.Conn]struct{}),
		logger:   logger,
	}
}

// Register installs a handler for a method.
func (s *Server) Register(method string, handler HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = handler
}

// RegisterStream installs a streaming handler for a method. The
// connection is dedicated to the stream once it is accepted.
func (s *Server) RegisterStream(method string, stream StreamFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams[method] = stream
}

// Start begins accepting connections on endpoint.
func (s *Server) Start(ctx context.Context, endpoint string) error {
	if s == nil {
		return errors.New("nil server")
	}
	ln, err := net.Listen("unix", endpoint)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.wg.Add(1)
	go s.acceptLoop(ctx)
	return nil
}

// Addr returns the listening address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || s.isClosed() {
				return
			}
			s.logf("accept error: %v", err)
			continue
		}
		if !s.track(conn) {
			conn.Close()
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	for {
		payload, err := readFrame(conn)
		if err != nil {
			return
		}
		var req Request
		if err := json.Unmarshal(payload, &req); err != nil {
			s.writeError(conn, req.ID, CodeInvalidRequest, "invalid json", nil)
			continue
		}
		traceID := "ipc-" + core.NewID()
		if stream := s.lookupStream(req.Type); stream != nil {
			s.serveStream(ctx, conn, req, traceID, stream)
			return
		}
		handler := s.lookupHandler(req.Type)
		if handler == nil {
			s.writeError(conn, req.ID, CodeInvalidRequest, "unknown method", map[string]any{"method": req.Type, "traceId": traceID})
			continue
		}
		result, rpcErr := handler(ctx, req.Params)
		resp := Response{ID: req.ID, TraceID: traceID}
		if rpcErr != nil {
			resp.Error = rpcErr
		} else {
			raw, err := json.Marshal(result)
			if err != nil {
				s.writeError(conn, req.ID, CodeInternal, err.Error(), map[string]any{"traceId": traceID})
				continue
			}
			resp.OK = true
			resp.Result = raw
		}
		if err := s.writeResponse(conn, resp); err != nil {
			return
		}
	}
}

func (s *Server) serveStream(ctx context.Context, conn net.Conn, req Request, traceID string, stream StreamFunc) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch, rpcErr := stream(ctx, req.Params)
	if rpcErr != nil {
		_ = s.writeResponse(conn, Response{ID: req.ID, TraceID: traceID, Error: rpcErr})
		return
	}
	if err := s.writeResponse(conn, Response{ID: req.ID, OK: true, TraceID: traceID, Result: json.RawMessage(`{"subscribed":true}`)}); err != nil {
		return
	}

	// The client sends nothing more; a read returning means it hung up.
	go func() {
		_, _ = io.Copy(io.Discard, conn)
		cancel()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if err := writeFrame(conn, msg); err != nil {
				return
			}
		}
	}
}

func (s *Server) lookupHandler(method string) HandlerFunc {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handlers[method]
}

func (s *Server) lookupStream(method string) StreamFunc {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.streams[method]
}

func (s *Server) writeResponse(conn net.Conn, resp Response) error {
	return writeJSON(conn, resp)
}

func (s *Server) writeError(conn net.Conn, id, code, msg string, details map[string]any) {
	resp := Response{ID: id, TraceID: "ipc-" + core.NewID()}
	resp.Error = &Error{Code: code, Message: msg, Details: details}
	_ = s.writeResponse(conn, resp)
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

// Stop shuts down the listener, closes open connections and waits for
// their handlers to return.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return err
}

func (s *Server) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func (s *Server) logf(format string, v ...any) {
	if s.logger != nil {
		s.logger.Printf(format, v...)
	} else {
		log.Printf(format, v...)
	}
}

// Errorf helps build protocol errors.
func Errorf(code, message string, details map[string]any) *Error {
	return &Error{Code: code, Message: message, Details: details}
}
