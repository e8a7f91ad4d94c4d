package database

import (
	"context"
	"database/sql"
	"fmt"
)

// Reaction is the persisted correlation row between a Max reaction and the
// Matrix reaction event it was bridged to (spec §3, §6).
type Reaction struct {
	MXID       string
	MaxChatID  int64
	MaxMsgID   string
	MaxSenderID int64
	Reaction   string
}

type ReactionStore struct {
	db *sql.DB
}

func NewReactionStore(db *sql.DB) *ReactionStore {
	return &ReactionStore{db: db}
}

func (s *ReactionStore) GetByTarget(ctx context.Context, chatID int64, msgID string, senderID int64) (*Reaction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT mxid, max_chat_id, max_msg_id, max_sender_id, reaction FROM reaction
		 WHERE max_chat_id=$1 AND max_msg_id=$2 AND max_sender_id=$3`, chatID, msgID, senderID)
	return scanReaction(row)
}

func (s *ReactionStore) GetByMXID(ctx context.Context, mxid string) (*Reaction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT mxid, max_chat_id, max_msg_id, max_sender_id, reaction FROM reaction WHERE mxid=$1`, mxid)
	return scanReaction(row)
}

func scanReaction(row *sql.Row) (*Reaction, error) {
	var r Reaction
	err := row.Scan(&r.MXID, &r.MaxChatID, &r.MaxMsgID, &r.MaxSenderID, &r.Reaction)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan reaction: %w", err)
	}
	return &r, nil
}

// Upsert replaces any existing reaction from the same sender on the same
// message — Max only allows one reaction per sender per message, so a
// second react overwrites rather than adds.
func (s *ReactionStore) Upsert(ctx context.Context, r *Reaction) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reaction (mxid, max_chat_id, max_msg_id, max_sender_id, reaction)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (max_chat_id, max_msg_id, max_sender_id) DO UPDATE SET
			mxid=EXCLUDED.mxid, reaction=EXCLUDED.reaction`,
		r.MXID, r.MaxChatID, r.MaxMsgID, r.MaxSenderID, r.Reaction)
	if err != nil {
		return fmt.Errorf("upsert reaction: %w", err)
	}
	return nil
}

func (s *ReactionStore) Delete(ctx context.Context, chatID int64, msgID string, senderID int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM reaction WHERE max_chat_id=$1 AND max_msg_id=$2 AND max_sender_id=$3`,
		chatID, msgID, senderID)
	if err != nil {
		return fmt.Errorf("delete reaction: %w", err)
	}
	return nil
}
