package database

import (
	"context"
	"database/sql"
	"regexp"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func newMockPuppetStore(t *testing.T) (*PuppetStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &PuppetStore{db: db}, mock
}

func TestPuppetStore_GetByMaxUserID_Found(t *testing.T) {
	store, mock := newMockPuppetStore(t)

	rows := sqlmock.NewRows([]string{"max_user_id", "name", "username", "avatar_mxc", "name_set", "avatar_set", "is_registered"}).
		AddRow(int64(42), "Alice", "alice", "mxc://example.com/abc", true, true, true)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT max_user_id, name, username, avatar_mxc, name_set, avatar_set, is_registered")).
		WithArgs(int64(42)).
		WillReturnRows(rows)

	p, err := store.GetByMaxUserID(context.Background(), 42)
	if err != nil {
		t.Fatalf("GetByMaxUserID() error = %v", err)
	}
	if p == nil || p.MaxUserID != 42 || p.Name.String != "Alice" {
		t.Fatalf("unexpected puppet row: %+v", p)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPuppetStore_GetByMaxUserID_NotFound(t *testing.T) {
	store, mock := newMockPuppetStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT max_user_id, name, username, avatar_mxc, name_set, avatar_set, is_registered")).
		WithArgs(int64(99)).
		WillReturnError(sql.ErrNoRows)

	p, err := store.GetByMaxUserID(context.Background(), 99)
	if err != nil {
		t.Fatalf("GetByMaxUserID() error = %v", err)
	}
	if p != nil {
		t.Errorf("expected nil puppet for unknown id, got %+v", p)
	}
}

func TestPuppetStore_Upsert(t *testing.T) {
	store, mock := newMockPuppetStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO puppet")).
		WithArgs(int64(7), sql.NullString{String: "Bob", Valid: true}, sql.NullString{String: "bob", Valid: true},
			sql.NullString{}, false, false, true).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Upsert(context.Background(), &Puppet{
		MaxUserID:    7,
		Name:         sql.NullString{String: "Bob", Valid: true},
		Username:     sql.NullString{String: "bob", Valid: true},
		IsRegistered: true,
	})
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
