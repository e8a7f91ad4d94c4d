package database

import (
	"context"
	"database/sql"
	"fmt"
)

// Puppet is the persisted row backing a ghost identity for one Max user
// (spec §3, §6).
type Puppet struct {
	MaxUserID    int64
	Name         sql.NullString
	Username     sql.NullString
	AvatarMXC    sql.NullString
	NameSet      bool
	AvatarSet    bool
	IsRegistered bool
}

type PuppetStore struct {
	db *sql.DB
}

func NewPuppetStore(db *sql.DB) *PuppetStore {
	return &PuppetStore{db: db}
}

func (s *PuppetStore) GetByMaxUserID(ctx context.Context, maxUserID int64) (*Puppet, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT max_user_id, name, username, avatar_mxc, name_set, avatar_set, is_registered
		 FROM puppet WHERE max_user_id=$1`, maxUserID)
	return scanPuppet(row)
}

func scanPuppet(row *sql.Row) (*Puppet, error) {
	var p Puppet
	err := row.Scan(&p.MaxUserID, &p.Name, &p.Username, &p.AvatarMXC, &p.NameSet, &p.AvatarSet, &p.IsRegistered)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan puppet: %w", err)
	}
	return &p, nil
}

func (s *PuppetStore) Upsert(ctx context.Context, p *Puppet) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO puppet (max_user_id, name, username, avatar_mxc, name_set, avatar_set, is_registered)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (max_user_id) DO UPDATE SET
			name=EXCLUDED.name, username=EXCLUDED.username, avatar_mxc=EXCLUDED.avatar_mxc,
			name_set=EXCLUDED.name_set, avatar_set=EXCLUDED.avatar_set, is_registered=EXCLUDED.is_registered`,
		p.MaxUserID, p.Name, p.Username, p.AvatarMXC, p.NameSet, p.AvatarSet, p.IsRegistered)
	if err != nil {
		return fmt.Errorf("upsert puppet: %w", err)
	}
	return nil
}
