package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Message is the persisted correlation row between a Max message and the
// Matrix event it was bridged to (spec §3, §6).
type Message struct {
	MaxChatID int64
	MaxMsgID  string
	MXID      string
	MXRoom    string
	Timestamp time.Time
}

type MessageStore struct {
	db *sql.DB
}

func NewMessageStore(db *sql.DB) *MessageStore {
	return &MessageStore{db: db}
}

func (s *MessageStore) GetByMaxMsgID(ctx context.Context, chatID int64, msgID string) (*Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT max_chat_id, max_msg_id, mxid, mx_room, timestamp FROM message
		 WHERE max_chat_id=$1 AND max_msg_id=$2`, chatID, msgID)
	return scanMessage(row)
}

func (s *MessageStore) GetByMXID(ctx context.Context, mxid string) (*Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT max_chat_id, max_msg_id, mxid, mx_room, timestamp FROM message WHERE mxid=$1`, mxid)
	return scanMessage(row)
}

func scanMessage(row *sql.Row) (*Message, error) {
	var m Message
	var ts sql.NullTime
	err := row.Scan(&m.MaxChatID, &m.MaxMsgID, &m.MXID, &m.MXRoom, &ts)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	if ts.Valid {
		m.Timestamp = ts.Time
	}
	return &m, nil
}

// Insert records a new correlation row. A duplicate (max_chat_id, max_msg_id)
// pair is silently ignored — the correlation table is append-only and the
// first writer wins, matching the dedup check performed before this is
// ever called.
func (s *MessageStore) Insert(ctx context.Context, m *Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO message (max_chat_id, max_msg_id, mxid, mx_room, timestamp)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (max_chat_id, max_msg_id) DO NOTHING`,
		m.MaxChatID, m.MaxMsgID, m.MXID, m.MXRoom, m.Timestamp)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *MessageStore) DeleteByMaxMsgID(ctx context.Context, chatID int64, msgID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM message WHERE max_chat_id=$1 AND max_msg_id=$2`, chatID, msgID)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}
