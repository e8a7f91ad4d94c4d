package bridge

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestASHandler() *ASHandler {
	puppets := NewPuppetManager("example.com", "max_{userid}", "{displayname} (Max)", nil, nil, slog.Default())
	dispatcher := NewDispatcher(nil, nil, puppets, nil, slog.Default())
	return NewASHandler(slog.Default(), "hs-token", dispatcher, puppets)
}

func TestASHandler_Authenticate(t *testing.T) {
	h := newTestASHandler()

	tests := []struct {
		name   string
		setup  func(r *http.Request)
		wantOK bool
	}{
		{"bearer token", func(r *http.Request) { r.Header.Set("Authorization", "Bearer hs-token") }, true},
		{"query token", func(r *http.Request) { q := r.URL.Query(); q.Set("access_token", "hs-token"); r.URL.RawQuery = q.Encode() }, true},
		{"wrong token", func(r *http.Request) { r.Header.Set("Authorization", "Bearer wrong") }, false},
		{"no token", func(r *http.Request) {}, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/users/@max_1:example.com", nil)
			tc.setup(r)
			if got := h.authenticate(r); got != tc.wantOK {
				t.Errorf("authenticate() = %v, want %v", got, tc.wantOK)
			}
		})
	}
}

func TestASHandler_UserQuery_Puppet(t *testing.T) {
	h := newTestASHandler()

	r := httptest.NewRequest("GET", "/users/@max_1:example.com", nil)
	r.Header.Set("Authorization", "Bearer hs-token")
	r.SetPathValue("userId", "@max_1:example.com")
	rec := httptest.NewRecorder()

	h.handleUserQuery(rec, r)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestASHandler_UserQuery_NonPuppet(t *testing.T) {
	h := newTestASHandler()

	r := httptest.NewRequest("GET", "/users/@admin:example.com", nil)
	r.Header.Set("Authorization", "Bearer hs-token")
	r.SetPathValue("userId", "@admin:example.com")
	rec := httptest.NewRecorder()

	h.handleUserQuery(rec, r)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestASHandler_UserQuery_BadToken(t *testing.T) {
	h := newTestASHandler()

	r := httptest.NewRequest("GET", "/users/@max_1:example.com", nil)
	r.Header.Set("Authorization", "Bearer wrong-token")
	rec := httptest.NewRecorder()

	h.handleUserQuery(rec, r)

	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}

func TestASHandler_RoomQuery_AlwaysNotFound(t *testing.T) {
	h := newTestASHandler()

	r := httptest.NewRequest("GET", "/rooms/%23anything:example.com", nil)
	r.Header.Set("Authorization", "Bearer hs-token")
	rec := httptest.NewRecorder()

	h.handleRoomQuery(rec, r)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestASHandler_Ping(t *testing.T) {
	h := newTestASHandler()

	r := httptest.NewRequest("GET", "/_matrix/app/v1/ping", nil)
	rec := httptest.NewRecorder()

	h.handlePing(rec, r)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Errorf("ping body is not valid JSON: %v", err)
	}
}

func TestASHandler_ServeHTTP_RoutesTransactions(t *testing.T) {
	h := newTestASHandler()

	body := `{"events":[]}`
	r := httptest.NewRequest("PUT", "/transactions/txn1?access_token=hs-token", strings.NewReader(body))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, r)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
}
