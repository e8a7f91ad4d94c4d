package database

import (
	"context"
	"database/sql"
	"regexp"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func newMockPortalStore(t *testing.T) (*PortalStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &PortalStore{db: db}, mock
}

func TestPortalStore_GetByMaxChatID(t *testing.T) {
	store, mock := newMockPortalStore(t)

	rows := sqlmock.NewRows([]string{"max_chat_id", "mxid", "name", "encrypted", "relay_user_id"}).
		AddRow(int64(100), sql.NullString{String: "!room:example.com", Valid: true}, sql.NullString{String: "Team Chat", Valid: true}, false, sql.NullString{String: "@alice:example.com", Valid: true})

	mock.ExpectQuery(regexp.QuoteMeta("SELECT max_chat_id, mxid, name, encrypted, relay_user_id FROM portal WHERE max_chat_id=")).
		WithArgs(int64(100)).
		WillReturnRows(rows)

	p, err := store.GetByMaxChatID(context.Background(), 100)
	if err != nil {
		t.Fatalf("GetByMaxChatID() error = %v", err)
	}
	if p == nil || p.MXID.String != "!room:example.com" || p.RelayUserID.String != "@alice:example.com" {
		t.Fatalf("unexpected portal row: %+v", p)
	}
}

func TestPortalStore_GetByMXID_NotFound(t *testing.T) {
	store, mock := newMockPortalStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT max_chat_id, mxid, name, encrypted, relay_user_id FROM portal WHERE mxid=")).
		WithArgs("!missing:example.com").
		WillReturnError(sql.ErrNoRows)

	p, err := store.GetByMXID(context.Background(), "!missing:example.com")
	if err != nil {
		t.Fatalf("GetByMXID() error = %v", err)
	}
	if p != nil {
		t.Errorf("expected nil portal for unmapped room, got %+v", p)
	}
}

func TestPortalStore_GetAllWithMXID(t *testing.T) {
	store, mock := newMockPortalStore(t)

	rows := sqlmock.NewRows([]string{"max_chat_id", "mxid", "name", "encrypted", "relay_user_id"}).
		AddRow(int64(1), sql.NullString{String: "!a:example.com", Valid: true}, sql.NullString{}, false, sql.NullString{}).
		AddRow(int64(2), sql.NullString{String: "!b:example.com", Valid: true}, sql.NullString{}, true, sql.NullString{})

	mock.ExpectQuery(regexp.QuoteMeta("WHERE mxid IS NOT NULL")).WillReturnRows(rows)

	portals, err := store.GetAllWithMXID(context.Background())
	if err != nil {
		t.Fatalf("GetAllWithMXID() error = %v", err)
	}
	if len(portals) != 2 {
		t.Fatalf("expected 2 portals, got %d", len(portals))
	}
}
