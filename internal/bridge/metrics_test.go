package bridge

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics()

	m.IncrMessagesReceived()
	m.IncrMessagesReceived()
	m.IncrMessagesSent()
	m.IncrMessagesFailed()
	m.IncrPuppetsCreated()
	m.IncrRoomsCreated()
	m.SetActiveUsers(3)
	m.SetConnected(true)
	m.SetLicenseValid(true)

	status := m.HealthStatus()
	if status["connected"] != true {
		t.Errorf("HealthStatus()[connected] = %v, want true", status["connected"])
	}
	if status["license_valid"] != true {
		t.Errorf("HealthStatus()[license_valid] = %v, want true", status["license_valid"])
	}
}

func TestMetrics_SetConnectedFalse(t *testing.T) {
	m := NewMetrics()
	m.SetConnected(true)
	m.SetConnected(false)

	status := m.HealthStatus()
	if status["connected"] != false {
		t.Errorf("HealthStatus()[connected] = %v, want false", status["connected"])
	}
}

func TestMetrics_HandlerServesPrometheusFormat(t *testing.T) {
	m := NewMetrics()
	m.IncrMessagesReceived()
	m.IncrMessagesByType("max_to_matrix", "m.text")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	if !strings.Contains(body, "mautrix_max_messages_received_total") {
		t.Errorf("metrics output missing messages_received_total:\n%s", body)
	}
	if !strings.Contains(body, "mautrix_max_uptime_seconds") {
		t.Errorf("metrics output missing uptime_seconds:\n%s", body)
	}
}

func TestMetrics_ObserveLatencies(t *testing.T) {
	m := NewMetrics()
	m.ObserveMaxToMatrixLatency(100_000_000)  // 100ms
	m.ObserveMatrixToMaxLatency(250_000_000) // 250ms

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	if !strings.Contains(body, "mautrix_max_max_to_matrix_latency_seconds") {
		t.Errorf("metrics output missing max_to_matrix latency histogram:\n%s", body)
	}
	if !strings.Contains(body, "mautrix_max_matrix_to_max_latency_seconds") {
		t.Errorf("metrics output missing matrix_to_max latency histogram:\n%s", body)
	}
}
