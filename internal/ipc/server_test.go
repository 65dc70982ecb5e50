package ipc

import (
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/sujay-d07/sentineld/internal/metrics"
	"github.com/sujay-d07/sentineld/internal/ratelimit"
)

func newTestServer(t *testing.T, maxPerSec int) (*Server, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.sock")
	s := NewServer(Config{Path: path, Backlog: 8, TimeoutMs: 2000}, ratelimit.New(maxPerSec), metrics.New(), zap.NewNop())
	s.RegisterHandler("ping", func(json.RawMessage) (interface{}, *ErrorObj) {
		return map[string]bool{"pong": true}, nil
	})
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(s.Stop)
	return s, path
}

func roundTrip(t *testing.T, path string, req Request) Response {
	t.Helper()
	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	if _, err := conn.Write(data); err != nil {
		t.Fatalf("write request: %v", err)
	}
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}

	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func TestPingRoundTrip(t *testing.T) {
	_, path := newTestServer(t, 50)
	resp := roundTrip(t, path, Request{Method: "ping", ID: "1"})
	if !resp.Success {
		t.Fatalf("expected success, got %+v", resp)
	}
	if resp.ID != "1" {
		t.Errorf("expected id echoed, got %q", resp.ID)
	}
}

func TestUnknownMethodReturnsMethodNotFound(t *testing.T) {
	_, path := newTestServer(t, 50)
	resp := roundTrip(t, path, Request{Method: "bogus"})
	if resp.Success {
		t.Fatal("expected failure for unknown method")
	}
	if resp.Error.Code != CodeMethodNotFound {
		t.Errorf("expected method-not-found code, got %d", resp.Error.Code)
	}
}

func TestMissingMethodReturnsInvalidRequest(t *testing.T) {
	_, path := newTestServer(t, 50)
	resp := roundTrip(t, path, Request{})
	if resp.Success {
		t.Fatal("expected failure for missing method")
	}
	if resp.Error.Code != CodeInvalidRequest {
		t.Errorf("expected invalid-request code, got %d", resp.Error.Code)
	}
}

func TestRateLimitedRequestDenied(t *testing.T) {
	_, path := newTestServer(t, 1)
	first := roundTrip(t, path, Request{Method: "ping"})
	if !first.Success {
		t.Fatalf("expected first request to succeed, got %+v", first)
	}
	second := roundTrip(t, path, Request{Method: "ping"})
	if second.Success {
		t.Fatal("expected second request to be rate limited")
	}
	if second.Error.Code != CodeRateLimited {
		t.Errorf("expected rate-limited code, got %d", second.Error.Code)
	}
}

func TestStopDrainsActiveConnectionsAndRemovesSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "drain.sock")
	s := NewServer(Config{Path: path, Backlog: 8, TimeoutMs: 2000}, ratelimit.New(50), metrics.New(), zap.NewNop())
	s.RegisterHandler("ping", func(json.RawMessage) (interface{}, *ErrorObj) {
		return map[string]bool{"pong": true}, nil
	})
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	resp := roundTrip(t, path, Request{Method: "ping"})
	if !resp.Success {
		t.Fatalf("expected success before stop, got %+v", resp)
	}

	s.Stop()

	if s.ActiveConnections() != 0 {
		t.Errorf("expected 0 active connections after Stop, got %d", s.ActiveConnections())
	}
	if _, err := net.Dial("unix", path); err == nil {
		t.Error("expected socket file to be removed after Stop")
	}
}

func TestServerIncrementsMetricsOnRealTraffic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.sock")
	met := metrics.New()
	s := NewServer(Config{Path: path, Backlog: 8, TimeoutMs: 2000}, ratelimit.New(1), met, zap.NewNop())
	s.RegisterHandler("ping", func(json.RawMessage) (interface{}, *ErrorObj) {
		return map[string]bool{"pong": true}, nil
	})
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(s.Stop)

	first := roundTrip(t, path, Request{Method: "ping"})
	if !first.Success {
		t.Fatalf("expected first request to succeed, got %+v", first)
	}
	second := roundTrip(t, path, Request{Method: "ping"})
	if second.Success {
		t.Fatal("expected second request to be rate limited")
	}

	if got := testutil.ToFloat64(met.IPCRequestsTotal); got != 1 {
		t.Errorf("expected IPCRequestsTotal=1 after one served request, got %v", got)
	}
	if got := testutil.ToFloat64(met.IPCRequestsDeniedTotal); got != 1 {
		t.Errorf("expected IPCRequestsDeniedTotal=1 after one denied request, got %v", got)
	}
}

func TestStartRejectsOverlongPath(t *testing.T) {
	s := NewServer(Config{Path: "/tmp/" + repeatA(200), Backlog: 8, TimeoutMs: 1000}, ratelimit.New(50), metrics.New(), zap.NewNop())
	if err := s.Start(); err == nil {
		t.Fatal("expected error for overlong socket path")
		s.Stop()
	}
}

func repeatA(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = 'a'
	}
	return string(b)
}
