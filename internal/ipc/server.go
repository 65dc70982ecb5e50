// Package ipc implements the local Unix-socket control plane (C6/C7):
// a single-shot request/response server with a registered handler
// table, rate limiting, and connection accounting.
//
// Grounded on the teacher's internal/operator/server.go accept-loop
// shape (stale-socket removal, semaphore-style connection accounting,
// per-connection deadline, dispatch-by-Cmd), generalized from a
// fixed-size semaphore to the spec's exact "condition variable wakes
// stop() when active_connections reaches zero" accounting scheme.
package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sujay-d07/sentineld/internal/metrics"
	"github.com/sujay-d07/sentineld/internal/ratelimit"
)

// HandlerFunc handles one dispatched request and returns either a
// result to be marshaled on success, or a structured error.
type HandlerFunc func(params json.RawMessage) (interface{}, *ErrorObj)

// Config carries the subset of socket configuration the server needs
// (mirrors config.SocketConfig without importing internal/config, to
// keep this package independently testable).
type Config struct {
	Path      string
	Backlog   int
	TimeoutMs int
}

// Server owns the listening Unix socket and the handler table.
type Server struct {
	cfg     Config
	limiter *ratelimit.Limiter
	met     *metrics.Metrics
	log     *zap.Logger

	handlersMu sync.RWMutex
	handlers   map[string]HandlerFunc

	listener net.Listener

	mu      sync.Mutex
	cond    *sync.Cond
	running bool
	active  int

	connectionsServed atomic.Uint64
	connectionsDenied atomic.Uint64
}

// NewServer constructs a Server. Call RegisterHandler for each method
// before Start.
func NewServer(cfg Config, limiter *ratelimit.Limiter, met *metrics.Metrics, log *zap.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		limiter:  limiter,
		met:      met,
		log:      log,
		handlers: make(map[string]HandlerFunc),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// RegisterHandler installs (or replaces) the handler for method.
func (s *Server) RegisterHandler(method string, fn HandlerFunc) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers[method] = fn
}

func (s *Server) lookupHandler(method string) (HandlerFunc, bool) {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	fn, ok := s.handlers[method]
	return fn, ok
}

// Start creates the endpoint (removing any stale socket file, creating
// the parent directory if necessary), binds, sets permissions, and
// launches the accept loop on a dedicated goroutine. It returns once
// the listener is bound.
func (s *Server) Start() error {
	if len(s.cfg.Path) > maxUnixPathLen {
		return fmt.Errorf("ipc: socket path %q exceeds platform limit of %d bytes", s.cfg.Path, maxUnixPathLen)
	}

	dir := filepath.Dir(s.cfg.Path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("ipc: mkdir %q: %w", dir, err)
		}
	}

	if _, err := os.Stat(s.cfg.Path); err == nil {
		if err := os.Remove(s.cfg.Path); err != nil {
			return fmt.Errorf("ipc: removing stale socket %q: %w", s.cfg.Path, err)
		}
	}

	lc := net.ListenConfig{}
	ln, err := lc.Listen(context.Background(), "unix", s.cfg.Path)
	if err != nil {
		return fmt.Errorf("ipc: listen on %q: %w", s.cfg.Path, err)
	}
	if ul, ok := ln.(*net.UnixListener); ok {
		ul.SetUnlinkOnClose(true)
	}
	if err := os.Chmod(s.cfg.Path, 0o666); err != nil {
		_ = ln.Close()
		return fmt.Errorf("ipc: chmod %q: %w", s.cfg.Path, err)
	}

	s.listener = ln
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	go s.acceptLoop()
	return nil
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("ipc accept failed", zap.Error(err))
			continue
		}

		s.mu.Lock()
		s.active++
		s.met.IPCActiveConnections.Set(float64(s.active))
		s.mu.Unlock()

		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer func() {
		_ = conn.Close()
		s.mu.Lock()
		s.active--
		s.met.IPCActiveConnections.Set(float64(s.active))
		if s.active == 0 {
			s.cond.Broadcast()
		}
		s.mu.Unlock()

		if r := recover(); r != nil {
			s.log.Error("ipc handler panic", zap.Any("recover", r), zap.ByteString("stack", debug.Stack()))
		}
	}()

	timeout := time.Duration(s.cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	deadline := time.Now().Add(timeout)
	_ = conn.SetDeadline(deadline)

	resp := s.handleRequest(conn)

	data, err := json.Marshal(resp)
	if err != nil {
		s.log.Error("ipc marshal response failed", zap.Error(err))
		return
	}
	if _, err := conn.Write(data); err != nil {
		s.log.Warn("ipc partial or failed write", zap.Error(err))
	}

	s.connectionsServed.Add(1)
	s.met.IPCRequestsTotal.Inc()
}

func (s *Server) handleRequest(conn net.Conn) Response {
	if !s.limiter.Allow() {
		s.connectionsDenied.Add(1)
		s.met.IPCRequestsDeniedTotal.Inc()
		return errorResponse("", NewError(CodeRateLimited, "rate limit exceeded"))
	}

	limited := io.LimitReader(conn, MaxMessageSize+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return errorResponse("", NewError(CodeParseError, "failed to read request"))
	}
	if len(data) > MaxMessageSize {
		return errorResponse("", NewError(CodeInvalidRequest, "request exceeds maximum message size"))
	}

	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return errorResponse("", NewError(CodeParseError, "malformed request: "+err.Error()))
	}
	if req.Method == "" {
		return errorResponse(req.ID, NewError(CodeInvalidRequest, "missing method"))
	}

	return s.dispatch(req)
}

func (s *Server) dispatch(req Request) Response {
	fn, ok := s.lookupHandler(req.Method)
	if !ok {
		return errorResponse(req.ID, NewError(CodeMethodNotFound, fmt.Sprintf("unknown method %q", req.Method)))
	}

	result, errObj := fn(req.Params)
	if errObj != nil {
		return errorResponse(req.ID, errObj)
	}
	return successResponse(req.ID, result)
}

// Stop flips the running flag, closes the listener (unblocking Accept),
// waits for all in-flight handlers to finish, then removes the socket
// file.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	if s.listener != nil {
		_ = s.listener.Close()
	}

	s.mu.Lock()
	for s.active > 0 {
		s.cond.Wait()
	}
	s.mu.Unlock()

	_ = os.Remove(s.cfg.Path)
}

// ActiveConnections returns the number of in-flight connections.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// ConnectionsServed returns the lifetime count of fully handled
// connections.
func (s *Server) ConnectionsServed() uint64 {
	return s.connectionsServed.Load()
}

// ConnectionsDenied returns the lifetime count of rate-limited requests.
func (s *Server) ConnectionsDenied() uint64 {
	return s.connectionsDenied.Load()
}

const maxUnixPathLen = 104 // conservative cross-platform sockaddr_un budget (macOS: 104, Linux: 108)
