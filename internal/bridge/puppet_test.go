package bridge

import (
	"log/slog"
	"testing"

	"go.mau.fi/mautrix-max/pkg/max"
)

func newTestPuppetManager() *PuppetManager {
	return NewPuppetManager(
		"example.com",
		"max_{userid}",
		"{displayname} (Max)",
		nil,
		nil,
		slog.Default(),
	)
}

func TestPuppetManager_MaxIDToMatrixID(t *testing.T) {
	pm := newTestPuppetManager()

	tests := []struct {
		maxUserID int64
		expected  string
	}{
		{123456, "@max_123456:example.com"},
		{1, "@max_1:example.com"},
	}

	for _, tc := range tests {
		if got := pm.maxIDToMatrixID(tc.maxUserID); got != tc.expected {
			t.Errorf("maxIDToMatrixID(%d) = %q, want %q", tc.maxUserID, got, tc.expected)
		}
	}
}

func TestPuppetManager_MatrixIDToMaxID(t *testing.T) {
	pm := newTestPuppetManager()

	tests := []struct {
		matrixID string
		wantID   int64
		wantOK   bool
	}{
		{"@max_123456:example.com", 123456, true},
		{"@other_user:example.com", 0, false},
		{"@max_123456:other.com", 0, false},
		{"invalid", 0, false},
		{"", 0, false},
		{"@max_notanumber:example.com", 0, false},
	}

	for _, tc := range tests {
		id, ok := pm.matrixIDToMaxID(tc.matrixID)
		if id != tc.wantID || ok != tc.wantOK {
			t.Errorf("matrixIDToMaxID(%q) = (%d, %v), want (%d, %v)", tc.matrixID, id, ok, tc.wantID, tc.wantOK)
		}
	}
}

func TestPuppetManager_IsPuppet(t *testing.T) {
	pm := newTestPuppetManager()

	if !pm.IsPuppet("@max_42:example.com") {
		t.Error("IsPuppet() = false for a puppet-namespace id, want true")
	}
	if pm.IsPuppet("@admin:example.com") {
		t.Error("IsPuppet() = true for a non-puppet id, want false")
	}
}

func TestPuppetManager_FormatDisplayName(t *testing.T) {
	pm := newTestPuppetManager()

	user := &max.MaxUser{UserID: 7, Name: "Alice", Username: "alice"}
	want := "Alice (Max)"
	if got := pm.formatDisplayName(user); got != want {
		t.Errorf("formatDisplayName() = %q, want %q", got, want)
	}
}

func TestPuppetManager_FindByUsername(t *testing.T) {
	pm := newTestPuppetManager()
	pm.puppets[1] = &Puppet{MaxUserID: 1, Username: "alice", MatrixUserID: "@max_1:example.com"}
	pm.puppets[2] = &Puppet{MaxUserID: 2, Username: "bob", MatrixUserID: "@max_2:example.com"}

	found := pm.FindByUsername("bob")
	if found == nil || found.MaxUserID != 2 {
		t.Fatalf("FindByUsername(bob) = %+v, want puppet 2", found)
	}

	if pm.FindByUsername("nobody") != nil {
		t.Error("FindByUsername(nobody) should return nil for an unknown username")
	}
	if pm.FindByUsername("") != nil {
		t.Error("FindByUsername(\"\") should return nil")
	}
}
