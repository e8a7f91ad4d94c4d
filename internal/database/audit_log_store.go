package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AuditLogEntry is a single recorded bridge event, used to answer "what
// happened to my login / my message" support questions without grepping logs.
type AuditLogEntry struct {
	ID        int64
	MXID      string
	Event     string
	Detail    sql.NullString
	CreatedAt time.Time
}

type AuditLogStore struct {
	db *sql.DB
}

func NewAuditLogStore(db *sql.DB) *AuditLogStore {
	return &AuditLogStore{db: db}
}

// Record appends one audit entry. Detail is an arbitrary free-text string
// and may be empty.
func (s *AuditLogStore) Record(ctx context.Context, mxid, event, detail string) error {
	var d sql.NullString
	if detail != "" {
		d = sql.NullString{String: detail, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (mxid, event, detail) VALUES ($1, $2, $3)`, mxid, event, d)
	if err != nil {
		return fmt.Errorf("record audit log entry: %w", err)
	}
	return nil
}

// Recent returns the most recent entries for a user, newest first.
func (s *AuditLogStore) Recent(ctx context.Context, mxid string, limit int) ([]*AuditLogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, mxid, event, detail, created_at FROM audit_log
		 WHERE mxid=$1 ORDER BY created_at DESC LIMIT $2`, mxid, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var out []*AuditLogEntry
	for rows.Next() {
		var e AuditLogEntry
		if err := rows.Scan(&e.ID, &e.MXID, &e.Event, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit log entry: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
