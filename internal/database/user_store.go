package database

import (
	"context"
	"database/sql"
	"fmt"
)

// User is the persisted row for a Matrix user's Max session (spec §3, §6).
type User struct {
	MXID           string
	MaxUserID      sql.NullInt64
	MaxToken       sql.NullString
	ConnectionMode sql.NullString
	BotToken       sql.NullString
}

type UserStore struct {
	db *sql.DB
}

func NewUserStore(db *sql.DB) *UserStore {
	return &UserStore{db: db}
}

func (s *UserStore) GetByMXID(ctx context.Context, mxid string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT mxid, max_user_id, max_token, connection_mode, bot_token FROM "user" WHERE mxid=$1`, mxid)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*User, error) {
	var u User
	err := row.Scan(&u.MXID, &u.MaxUserID, &u.MaxToken, &u.ConnectionMode, &u.BotToken)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}

func (s *UserStore) Upsert(ctx context.Context, u *User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO "user" (mxid, max_user_id, max_token, connection_mode, bot_token)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (mxid) DO UPDATE SET
			max_user_id=EXCLUDED.max_user_id, max_token=EXCLUDED.max_token,
			connection_mode=EXCLUDED.connection_mode, bot_token=EXCLUDED.bot_token`,
		u.MXID, u.MaxUserID, u.MaxToken, u.ConnectionMode, u.BotToken)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// AllLoggedIn returns every user row with a non-null bot_token or max_token,
// used to reconnect sessions on bridge startup.
func (s *UserStore) AllLoggedIn(ctx context.Context) ([]*User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT mxid, max_user_id, max_token, connection_mode, bot_token FROM "user"
		 WHERE bot_token IS NOT NULL OR max_token IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("query logged-in users: %w", err)
	}
	defer rows.Close()

	var out []*User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.MXID, &u.MaxUserID, &u.MaxToken, &u.ConnectionMode, &u.BotToken); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, &u)
	}
	return out, rows.Err()
}
