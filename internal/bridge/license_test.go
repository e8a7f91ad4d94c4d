package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestLicenseChecker_VerifyAtStartup_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body licenseVerifyRequest
		json.NewDecoder(r.Body).Decode(&body)
		if body.LicenseKey != "key" || body.ServerID != "server" || body.Module != "max" {
			t.Errorf("unexpected request body: %+v", body)
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]bool{"valid": true})
	}))
	defer srv.Close()

	m := NewMetrics()
	c := NewLicenseChecker("key", "server", srv.URL, m, slog.Default())

	if err := c.VerifyAtStartup(context.Background()); err != nil {
		t.Fatalf("VerifyAtStartup() error = %v", err)
	}
	if m.HealthStatus()["license_valid"] != true {
		t.Error("expected license_valid metric to be set true")
	}
}

func TestLicenseChecker_VerifyAtStartup_ValidFalseInBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]interface{}{"valid": false, "reason": "license expired"})
	}))
	defer srv.Close()

	m := NewMetrics()
	c := NewLicenseChecker("key", "server", srv.URL, m, slog.Default())

	err := c.VerifyAtStartup(context.Background())
	if err == nil {
		t.Fatal("expected error when license server reports valid=false")
	}
	if m.HealthStatus()["license_valid"] != false {
		t.Error("expected license_valid metric to be set false")
	}
}

func TestLicenseChecker_VerifyAtStartup_MissingCredentials(t *testing.T) {
	m := NewMetrics()
	c := NewLicenseChecker("", "", "http://unused", m, slog.Default())

	if err := c.VerifyAtStartup(context.Background()); err == nil {
		t.Error("expected error when license_key/server_id are empty")
	}
}

func TestLicenseChecker_VerifyAtStartup_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	m := NewMetrics()
	c := NewLicenseChecker("key", "server", srv.URL, m, slog.Default())

	if err := c.VerifyAtStartup(context.Background()); err == nil {
		t.Error("expected error on non-200 license server response")
	}
	if m.HealthStatus()["license_valid"] != false {
		t.Error("expected license_valid metric to be set false")
	}
}
