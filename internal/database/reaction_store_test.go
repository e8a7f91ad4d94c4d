package database

import (
	"context"
	"database/sql"
	"regexp"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func newMockReactionStore(t *testing.T) (*ReactionStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewReactionStore(db), mock
}

func TestReactionStore_GetByTarget_Found(t *testing.T) {
	store, mock := newMockReactionStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT mxid, max_chat_id, max_msg_id, max_sender_id, reaction FROM reaction")).
		WithArgs(int64(1), "max-1", int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"mxid", "max_chat_id", "max_msg_id", "max_sender_id", "reaction"}).
			AddRow("$react:example.com", int64(1), "max-1", int64(2), "👍"))

	r, err := store.GetByTarget(context.Background(), 1, "max-1", 2)
	if err != nil {
		t.Fatalf("GetByTarget() error = %v", err)
	}
	if r == nil || r.Reaction != "👍" {
		t.Fatalf("unexpected reaction row: %+v", r)
	}
}

func TestReactionStore_GetByMXID_NotFound(t *testing.T) {
	store, mock := newMockReactionStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT mxid, max_chat_id, max_msg_id, max_sender_id, reaction FROM reaction WHERE mxid=")).
		WithArgs("$missing:example.com").
		WillReturnError(sql.ErrNoRows)

	r, err := store.GetByMXID(context.Background(), "$missing:example.com")
	if err != nil {
		t.Fatalf("GetByMXID() error = %v", err)
	}
	if r != nil {
		t.Errorf("expected nil reaction, got %+v", r)
	}
}

func TestReactionStore_Upsert(t *testing.T) {
	store, mock := newMockReactionStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO reaction")).
		WithArgs("$react:example.com", int64(1), "max-1", int64(2), "👍").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Upsert(context.Background(), &Reaction{
		MXID: "$react:example.com", MaxChatID: 1, MaxMsgID: "max-1", MaxSenderID: 2, Reaction: "👍",
	})
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
}

func TestReactionStore_Delete(t *testing.T) {
	store, mock := newMockReactionStore(t)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM reaction WHERE max_chat_id=")).
		WithArgs(int64(1), "max-1", int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.Delete(context.Background(), 1, "max-1", 2); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
}
