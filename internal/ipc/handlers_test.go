package ipc

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/sujay-d07/sentineld/internal/alerts"
	"github.com/sujay-d07/sentineld/internal/alertstore"
	"github.com/sujay-d07/sentineld/internal/metrics"
	"github.com/sujay-d07/sentineld/internal/ratelimit"
)

type fakeConfigSource struct {
	reloadErr error
	reloaded  int
}

func (f *fakeConfigSource) GetSerializable() interface{} {
	return map[string]string{"log_level": "1"}
}

func (f *fakeConfigSource) Reload() error {
	f.reloaded++
	return f.reloadErr
}

type fakeAlertSource struct {
	alertsByID map[string]alertstore.Alert
	ackAllN    int
	ackAllErr  error
}

func (f *fakeAlertSource) Query(filter alertstore.Filter) ([]alertstore.Alert, error) {
	var out []alertstore.Alert
	for _, a := range f.alertsByID {
		out = append(out, a)
	}
	return out, nil
}

func (f *fakeAlertSource) Get(id string) (*alertstore.Alert, error) {
	if a, ok := f.alertsByID[id]; ok {
		return &a, nil
	}
	return nil, nil
}

func (f *fakeAlertSource) Acknowledge(id string) (*alertstore.Alert, error) {
	a, ok := f.alertsByID[id]
	if !ok {
		return nil, fmt.Errorf("not found")
	}
	a.Status = alertstore.StatusAcknowledged
	f.alertsByID[id] = a
	return &a, nil
}

func (f *fakeAlertSource) Dismiss(id string) (*alertstore.Alert, error) {
	a, ok := f.alertsByID[id]
	if !ok {
		return nil, fmt.Errorf("not found")
	}
	a.Status = alertstore.StatusDismissed
	f.alertsByID[id] = a
	return &a, nil
}

func (f *fakeAlertSource) AcknowledgeAll() (int, error) {
	return f.ackAllN, f.ackAllErr
}

func (f *fakeAlertSource) Counters() alerts.Counters {
	return alerts.Counters{Total: len(f.alertsByID)}
}

type fakeHealth struct {
	snapshot map[string]interface{}
	err      error
}

func (f *fakeHealth) Health() (map[string]interface{}, error) {
	return f.snapshot, f.err
}

func newHandlerTestServer(t *testing.T) (*Server, string, *fakeConfigSource, *fakeAlertSource) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "handlers.sock")
	s := NewServer(Config{Path: path, Backlog: 8, TimeoutMs: 2000}, ratelimit.New(50), metrics.New(), zap.NewNop())
	cfg := &fakeConfigSource{}
	alertSrc := &fakeAlertSource{alertsByID: map[string]alertstore.Alert{
		"id-1": {ID: "id-1", Status: alertstore.StatusActive, Severity: alertstore.SeverityWarning},
	}}
	health := &fakeHealth{snapshot: map[string]interface{}{"cpu_percent": 12.5}}

	var shutdownCalled bool
	RegisterCoreHandlers(s, cfg, alertSrc, health, func() { shutdownCalled = true }, "sentineld", "test")
	_ = shutdownCalled

	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(s.Stop)
	return s, path, cfg, alertSrc
}

func TestVersionHandler(t *testing.T) {
	_, path, _, _ := newHandlerTestServer(t)
	resp := roundTrip(t, path, Request{Method: "version"})
	if !resp.Success {
		t.Fatalf("expected success, got %+v", resp)
	}
}

func TestConfigGetHandler(t *testing.T) {
	_, path, _, _ := newHandlerTestServer(t)
	resp := roundTrip(t, path, Request{Method: "config.get"})
	if !resp.Success {
		t.Fatalf("expected success, got %+v", resp)
	}
}

func TestConfigReloadHandlerPropagatesError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reload.sock")
	s := NewServer(Config{Path: path, Backlog: 8, TimeoutMs: 2000}, ratelimit.New(50), metrics.New(), zap.NewNop())
	cfg := &fakeConfigSource{reloadErr: fmt.Errorf("bad config")}
	alertSrc := &fakeAlertSource{alertsByID: map[string]alertstore.Alert{}}
	RegisterCoreHandlers(s, cfg, alertSrc, &fakeHealth{}, nil, "sentineld", "test")
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	resp := roundTrip(t, path, Request{Method: "config.reload"})
	if resp.Success {
		t.Fatal("expected failure on config reload error")
	}
	if resp.Error.Code != CodeConfigError {
		t.Errorf("expected config-error code, got %d", resp.Error.Code)
	}
}

func TestAlertsHandlerReturnsCountsAndList(t *testing.T) {
	_, path, _, _ := newHandlerTestServer(t)
	resp := roundTrip(t, path, Request{Method: "alerts"})
	if !resp.Success {
		t.Fatalf("expected success, got %+v", resp)
	}
	result, ok := resp.Result.(map[string]interface{})
	if !ok {
		t.Fatalf("expected object result, got %T", resp.Result)
	}
	if list, ok := result["alerts"].([]interface{}); !ok || len(list) != 1 {
		t.Errorf("expected alerts list with 1 entry, got %v", result["alerts"])
	}
	if count, ok := result["count"].(float64); !ok || count != 1 {
		t.Errorf("expected count 1, got %v", result["count"])
	}
	if counts, ok := result["counts"].(map[string]interface{}); !ok || counts["total"] != float64(1) {
		t.Errorf("expected counts.total 1, got %v", result["counts"])
	}
}

func TestAlertsAcknowledgeByUUID(t *testing.T) {
	_, path, _, alertSrc := newHandlerTestServer(t)
	params, _ := json.Marshal(map[string]string{"uuid": "id-1"})
	resp := roundTrip(t, path, Request{Method: "alerts.acknowledge", Params: params})
	if !resp.Success {
		t.Fatalf("expected success, got %+v", resp)
	}
	if alertSrc.alertsByID["id-1"].Status != alertstore.StatusAcknowledged {
		t.Error("expected underlying alert acknowledged")
	}
}

func TestAlertsAcknowledgeMissingUUIDReturnsInvalidParams(t *testing.T) {
	_, path, _, _ := newHandlerTestServer(t)
	resp := roundTrip(t, path, Request{Method: "alerts.acknowledge"})
	if resp.Success {
		t.Fatal("expected failure with no uuid or all")
	}
	if resp.Error.Code != CodeInvalidParams {
		t.Errorf("expected invalid-params code, got %d", resp.Error.Code)
	}
}

func TestAlertsAcknowledgeUnknownUUIDReturnsNotFound(t *testing.T) {
	_, path, _, _ := newHandlerTestServer(t)
	params, _ := json.Marshal(map[string]string{"uuid": "nonexistent"})
	resp := roundTrip(t, path, Request{Method: "alerts.acknowledge", Params: params})
	if resp.Success {
		t.Fatal("expected failure for unknown uuid")
	}
	if resp.Error.Code != CodeAlertNotFound {
		t.Errorf("expected alert-not-found code, got %d", resp.Error.Code)
	}
}

func TestAlertsDismissRequiresUUID(t *testing.T) {
	_, path, _, _ := newHandlerTestServer(t)
	resp := roundTrip(t, path, Request{Method: "alerts.dismiss"})
	if resp.Success {
		t.Fatal("expected failure with no params")
	}
	if resp.Error.Code != CodeInvalidParams {
		t.Errorf("expected invalid-params code, got %d", resp.Error.Code)
	}
}

func TestHealthHandlerReturnsSnapshot(t *testing.T) {
	_, path, _, _ := newHandlerTestServer(t)
	resp := roundTrip(t, path, Request{Method: "health"})
	if !resp.Success {
		t.Fatalf("expected success, got %+v", resp)
	}
	result, ok := resp.Result.(map[string]interface{})
	if !ok || result["cpu_percent"] != 12.5 {
		t.Errorf("expected snapshot with cpu_percent 12.5, got %v", resp.Result)
	}
}

func TestHealthHandlerNilProviderIsInternalError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nohealth.sock")
	s := NewServer(Config{Path: path, Backlog: 8, TimeoutMs: 2000}, ratelimit.New(50), metrics.New(), zap.NewNop())
	cfg := &fakeConfigSource{}
	alertSrc := &fakeAlertSource{alertsByID: map[string]alertstore.Alert{}}
	RegisterCoreHandlers(s, cfg, alertSrc, nil, nil, "sentineld", "test")
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	resp := roundTrip(t, path, Request{Method: "health"})
	if resp.Success {
		t.Fatal("expected failure with nil health provider")
	}
	if resp.Error.Code != CodeInternalError {
		t.Errorf("expected internal-error code, got %d", resp.Error.Code)
	}
}
