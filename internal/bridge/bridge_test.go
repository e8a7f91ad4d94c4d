package bridge

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestBridge_HandleHealth_NotConnectedReturns503(t *testing.T) {
	b := &Bridge{Log: slog.Default(), Metrics: NewMetrics()}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	b.handleHealth(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if connected, _ := body["connected"].(bool); connected {
		t.Error("expected connected=false")
	}
}

func TestBridge_HandleHealth_ConnectedReturns200(t *testing.T) {
	b := &Bridge{Log: slog.Default(), Metrics: NewMetrics()}
	b.Metrics.SetConnected(true)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	b.handleHealth(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestBridge_Stop_NotRunningIsNoOp(t *testing.T) {
	b := &Bridge{Log: slog.Default()}
	if err := b.Stop(); err != nil {
		t.Fatalf("Stop() on non-running bridge error = %v", err)
	}
}
