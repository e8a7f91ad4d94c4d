package database

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func newMockMessageStore(t *testing.T) (*MessageStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewMessageStore(db), mock
}

func TestMessageStore_GetByMaxMsgID_Found(t *testing.T) {
	store, mock := newMockMessageStore(t)

	ts := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT max_chat_id, max_msg_id, mxid, mx_room, timestamp FROM message")).
		WithArgs(int64(1), "max-1").
		WillReturnRows(sqlmock.NewRows([]string{"max_chat_id", "max_msg_id", "mxid", "mx_room", "timestamp"}).
			AddRow(int64(1), "max-1", "$evt:example.com", "!room:example.com", ts))

	m, err := store.GetByMaxMsgID(context.Background(), 1, "max-1")
	if err != nil {
		t.Fatalf("GetByMaxMsgID() error = %v", err)
	}
	if m == nil || m.MXID != "$evt:example.com" {
		t.Fatalf("unexpected message row: %+v", m)
	}
}

func TestMessageStore_GetByMXID_NotFound(t *testing.T) {
	store, mock := newMockMessageStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT max_chat_id, max_msg_id, mxid, mx_room, timestamp FROM message WHERE mxid=")).
		WithArgs("$missing:example.com").
		WillReturnError(sql.ErrNoRows)

	m, err := store.GetByMXID(context.Background(), "$missing:example.com")
	if err != nil {
		t.Fatalf("GetByMXID() error = %v", err)
	}
	if m != nil {
		t.Errorf("expected nil message, got %+v", m)
	}
}

func TestMessageStore_Insert(t *testing.T) {
	store, mock := newMockMessageStore(t)

	ts := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO message")).
		WithArgs(int64(1), "max-1", "$evt:example.com", "!room:example.com", ts).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Insert(context.Background(), &Message{
		MaxChatID: 1, MaxMsgID: "max-1", MXID: "$evt:example.com", MXRoom: "!room:example.com", Timestamp: ts,
	})
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
}

func TestMessageStore_DeleteByMaxMsgID(t *testing.T) {
	store, mock := newMockMessageStore(t)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM message WHERE max_chat_id=")).
		WithArgs(int64(1), "max-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.DeleteByMaxMsgID(context.Background(), 1, "max-1"); err != nil {
		t.Fatalf("DeleteByMaxMsgID() error = %v", err)
	}
}
