package database

import (
	"context"
	"database/sql"
	"fmt"
)

// Portal is the persisted row backing a Max chat <-> Matrix room mapping
// (spec §3, §6).
type Portal struct {
	MaxChatID   int64
	MXID        sql.NullString
	Name        sql.NullString
	Encrypted   bool
	RelayUserID sql.NullString
}

type PortalStore struct {
	db *sql.DB
}

func NewPortalStore(db *sql.DB) *PortalStore {
	return &PortalStore{db: db}
}

func (s *PortalStore) GetByMaxChatID(ctx context.Context, maxChatID int64) (*Portal, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT max_chat_id, mxid, name, encrypted, relay_user_id FROM portal WHERE max_chat_id=$1`,
		maxChatID)
	return scanPortal(row)
}

func (s *PortalStore) GetByMXID(ctx context.Context, mxid string) (*Portal, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT max_chat_id, mxid, name, encrypted, relay_user_id FROM portal WHERE mxid=$1`,
		mxid)
	return scanPortal(row)
}

func scanPortal(row *sql.Row) (*Portal, error) {
	var p Portal
	err := row.Scan(&p.MaxChatID, &p.MXID, &p.Name, &p.Encrypted, &p.RelayUserID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan portal: %w", err)
	}
	return &p, nil
}

// Upsert inserts or updates the portal row, keyed on max_chat_id. Once
// mxid is non-null the caller must never pass a different value — the
// invariant ("once a room id is assigned, it is never mutated") is enforced
// by callers, not by this layer.
func (s *PortalStore) Upsert(ctx context.Context, p *Portal) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO portal (max_chat_id, mxid, name, encrypted, relay_user_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (max_chat_id) DO UPDATE SET
			mxid=EXCLUDED.mxid, name=EXCLUDED.name,
			encrypted=EXCLUDED.encrypted, relay_user_id=EXCLUDED.relay_user_id`,
		p.MaxChatID, p.MXID, p.Name, p.Encrypted, p.RelayUserID)
	if err != nil {
		return fmt.Errorf("upsert portal: %w", err)
	}
	return nil
}

func (s *PortalStore) GetAllWithMXID(ctx context.Context) ([]*Portal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT max_chat_id, mxid, name, encrypted, relay_user_id FROM portal WHERE mxid IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("query portals: %w", err)
	}
	defer rows.Close()

	var out []*Portal
	for rows.Next() {
		var p Portal
		if err := rows.Scan(&p.MaxChatID, &p.MXID, &p.Name, &p.Encrypted, &p.RelayUserID); err != nil {
			return nil, fmt.Errorf("scan portal: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}
