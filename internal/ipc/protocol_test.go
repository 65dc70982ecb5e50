package ipc

import "testing"

func TestSuccessResponseShape(t *testing.T) {
	resp := successResponse("abc", map[string]bool{"pong": true})
	if !resp.Success {
		t.Error("expected Success=true")
	}
	if resp.Error != nil {
		t.Errorf("expected nil error, got %+v", resp.Error)
	}
	if resp.ID != "abc" {
		t.Errorf("expected id echoed back, got %q", resp.ID)
	}
	if resp.Timestamp.IsZero() {
		t.Error("expected non-zero timestamp")
	}
}

func TestErrorResponseShape(t *testing.T) {
	resp := errorResponse("xyz", NewError(CodeMethodNotFound, "unknown method"))
	if resp.Success {
		t.Error("expected Success=false")
	}
	if resp.Error == nil || resp.Error.Code != CodeMethodNotFound {
		t.Errorf("expected method-not-found error, got %+v", resp.Error)
	}
}
