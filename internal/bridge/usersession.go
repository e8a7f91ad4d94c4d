package bridge

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.mau.fi/mautrix-max/internal/database"
	"go.mau.fi/mautrix-max/pkg/max"
)

// chatLister is implemented by clients that return a chat list and contact
// map as part of login (currently only UserClient; bot mode discovers chats
// lazily through incoming updates instead).
type chatLister interface {
	Chats() []*max.MaxChat
	Contacts() map[int64]*max.MaxUser
}

// ClientFactory builds a Max client for a given connection mode and stored
// credentials.
type ClientFactory struct {
	APIURL         string
	WSURL          string
	PollingTimeout int
	Log            *slog.Logger
}

func (f *ClientFactory) Build(connectionMode, botToken, maxToken, deviceID string) (max.Client, error) {
	switch connectionMode {
	case "bot":
		if botToken == "" {
			return nil, fmt.Errorf("no bot token configured")
		}
		return max.NewBotClient(botToken, f.APIURL, time.Duration(f.PollingTimeout)*time.Second, f.Log), nil
	case "user":
		if maxToken == "" {
			return nil, fmt.Errorf("no user token configured")
		}
		return max.NewUserClient(f.WSURL, f.APIURL, maxToken, deviceID, f.Log), nil
	default:
		return nil, fmt.Errorf("unknown connection mode %q", connectionMode)
	}
}

// UserSession owns the per-Matrix-user lifecycle: which Max client is
// connected, and dispatching events from it to the right portal (C7).
type UserSession struct {
	MXID           string
	MaxUserID      int64
	MaxToken       string
	ConnectionMode string
	BotToken       string

	client max.Client

	mu       sync.Mutex
	users    *database.UserStore
	portals  *PortalManager
	puppets  *PuppetManager
	factory  *ClientFactory
	log      *slog.Logger
}

// UserSessionManager caches sessions by Matrix user id.
type UserSessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*UserSession
	users    *database.UserStore
	portals  *PortalManager
	puppets  *PuppetManager
	factory  *ClientFactory
	log      *slog.Logger
}

func NewUserSessionManager(users *database.UserStore, portals *PortalManager, puppets *PuppetManager, factory *ClientFactory, log *slog.Logger) *UserSessionManager {
	return &UserSessionManager{
		sessions: make(map[string]*UserSession),
		users:    users,
		portals:  portals,
		puppets:  puppets,
		factory:  factory,
		log:      log,
	}
}

// GetByMXID returns the cached session or loads/creates one from the
// database, without connecting it.
func (m *UserSessionManager) GetByMXID(ctx context.Context, mxid string) (*UserSession, error) {
	m.mu.Lock()
	if s, ok := m.sessions[mxid]; ok {
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	row, err := m.users.GetByMXID(ctx, mxid)
	if err != nil {
		return nil, fmt.Errorf("query user session: %w", err)
	}

	s := &UserSession{MXID: mxid, users: m.users, portals: m.portals, puppets: m.puppets, factory: m.factory, log: m.log}
	if row != nil {
		s.MaxUserID = row.MaxUserID.Int64
		s.MaxToken = row.MaxToken.String
		s.ConnectionMode = row.ConnectionMode.String
		s.BotToken = row.BotToken.String
	}

	m.mu.Lock()
	m.sessions[mxid] = s
	m.mu.Unlock()
	return s, nil
}

// AllLoggedIn loads every session with stored credentials, for reconnecting
// on bridge startup.
func (m *UserSessionManager) AllLoggedIn(ctx context.Context) ([]*UserSession, error) {
	rows, err := m.users.AllLoggedIn(ctx)
	if err != nil {
		return nil, err
	}

	var out []*UserSession
	for _, row := range rows {
		s, err := m.GetByMXID(ctx, row.MXID)
		if err != nil {
			m.log.Error("failed to load logged-in user session", "mxid", row.MXID, "error", err)
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// DisconnectAll disconnects every cached session's client, for bridge
// shutdown.
func (m *UserSessionManager) DisconnectAll(ctx context.Context) {
	m.mu.RLock()
	sessions := make([]*UserSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	for _, s := range sessions {
		s.Disconnect(ctx)
	}
}

func (s *UserSession) IsLoggedIn() bool {
	return s.BotToken != "" || s.MaxToken != ""
}

func (s *UserSession) save(ctx context.Context) error {
	row := &database.User{
		MXID:           s.MXID,
		MaxUserID:      nullInt64(s.MaxUserID),
		MaxToken:       nullString(s.MaxToken),
		ConnectionMode: nullString(s.ConnectionMode),
		BotToken:       nullString(s.BotToken),
	}
	if err := s.users.Upsert(ctx, row); err != nil {
		return fmt.Errorf("save user session: %w", err)
	}
	return nil
}

func nullInt64(v int64) sql.NullInt64 {
	if v == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: v, Valid: true}
}

// LoginBot switches the session into bot mode and connects.
func (s *UserSession) LoginBot(ctx context.Context, token string) error {
	s.mu.Lock()
	s.BotToken = token
	s.ConnectionMode = "bot"
	s.mu.Unlock()

	if err := s.save(ctx); err != nil {
		return err
	}
	return s.Connect(ctx)
}

// LoginUser switches the session into user mode and connects.
func (s *UserSession) LoginUser(ctx context.Context, authToken string, userID int64) error {
	s.mu.Lock()
	s.MaxToken = authToken
	s.MaxUserID = userID
	s.ConnectionMode = "user"
	s.mu.Unlock()

	if err := s.save(ctx); err != nil {
		return err
	}
	return s.Connect(ctx)
}

// Logout disconnects and clears stored credentials.
func (s *UserSession) Logout(ctx context.Context) error {
	s.Disconnect(ctx)

	s.mu.Lock()
	s.MaxToken = ""
	s.BotToken = ""
	s.MaxUserID = 0
	s.ConnectionMode = ""
	s.mu.Unlock()

	return s.save(ctx)
}

// Client returns the connected Max client, or nil if not connected.
func (s *UserSession) Client() max.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

// Connect instantiates and connects the appropriate client for the
// session's connection mode, then launches the chat-sync and contacts-pass
// background tasks on success.
func (s *UserSession) Connect(ctx context.Context) error {
	s.Disconnect(ctx)

	s.mu.Lock()
	deviceID := s.MXID
	client, err := s.factory.Build(s.ConnectionMode, s.BotToken, s.MaxToken, deviceID)
	if err != nil {
		s.mu.Unlock()
		s.log.Warn("no valid credentials for connection mode", "mxid", s.MXID, "mode", s.ConnectionMode, "error", err)
		return err
	}
	client.SetEventHandler(func(ctx context.Context, evt *max.MaxEvent) {
		s.onMaxEvent(ctx, evt)
	})
	s.mu.Unlock()

	if err := client.Connect(ctx); err != nil {
		s.log.Error("failed to connect to max", "mxid", s.MXID, "error", err)
		return fmt.Errorf("connect to max: %w", err)
	}

	s.mu.Lock()
	s.client = client
	if s.MaxUserID == 0 {
		if me := client.Me(); me != nil {
			s.MaxUserID = me.UserID
		}
	}
	s.mu.Unlock()

	if err := s.save(ctx); err != nil {
		s.log.Error("failed to persist user session after connect", "error", err)
	}

	s.log.Info("connected to max", "mxid", s.MXID, "mode", s.ConnectionMode)

	go s.syncChats(context.Background(), client)
	go s.syncContacts(context.Background(), client)

	return nil
}

func (s *UserSession) Disconnect(ctx context.Context) {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.mu.Unlock()

	if client == nil {
		return
	}
	if err := client.Disconnect(ctx); err != nil {
		s.log.Warn("error disconnecting from max", "mxid", s.MXID, "error", err)
	}
}

// syncChats walks the login response's chat list, creating/renaming rooms
// for each chat (step 2 of the connect sequence).
func (s *UserSession) syncChats(ctx context.Context, client max.Client) {
	lister, ok := client.(chatLister)
	if !ok {
		return
	}
	chats := lister.Chats()
	contacts := lister.Contacts()

	for _, chat := range chats {
		if chat.Type == max.ChatDialog && chat.DialogWithUser == nil {
			chat.DialogWithUser = resolveDialogPeer(chat, s.MaxUserID, contacts)
		}

		p, err := s.portals.GetByMaxChatID(ctx, chat.ChatID, true)
		if err != nil {
			s.log.Error("chat sync: failed to load portal", "chat_id", chat.ChatID, "error", err)
			continue
		}

		title := chat.DisplayTitle()
		if p.MXID == "" {
			if _, err := s.portals.ensureRoom(ctx, p, s.MXID, chat); err != nil {
				s.log.Error("chat sync: failed to create room", "chat_id", chat.ChatID, "error", err)
			}
			continue
		}

		if p.Name == "" || p.Name == "Unknown chat" {
			p.mu.Lock()
			p.Name = title
			_ = s.portals.save(ctx, p)
			p.mu.Unlock()
			if err := s.portals.intent.SetRoomName(ctx, p.MXID, title); err != nil {
				s.log.Warn("chat sync: failed to rename room", "chat_id", chat.ChatID, "error", err)
			}
		}
	}
}

// resolveDialogPeer locates the other participant in a 1:1 dialog, whose
// participants field the server sends either as a {userId: lastReadTs}
// object or a bare list of ids, and looks them up in the contacts map to
// build a synthetic peer profile.
func resolveDialogPeer(chat *max.MaxChat, selfID int64, contacts map[int64]*max.MaxUser) *max.MaxUser {
	for userID := range chat.Participants {
		if userID == selfID {
			continue
		}
		if contacts != nil {
			if u, ok := contacts[userID]; ok {
				return u
			}
		}
		return max.NewUserFromID(userID)
	}
	return nil
}

// syncContacts updates every non-self puppet's profile from the contacts
// map (step 3 of the connect sequence).
func (s *UserSession) syncContacts(ctx context.Context, client max.Client) {
	lister, ok := client.(chatLister)
	if !ok {
		return
	}
	for id, contact := range lister.Contacts() {
		if id == s.MaxUserID {
			continue
		}
		downloadAvatar := func(ctx context.Context, url string) ([]byte, string, error) {
			data, err := client.DownloadMedia(ctx, url)
			return data, "", err
		}
		if err := s.puppets.UpdateInfo(ctx, contact, downloadAvatar); err != nil {
			s.log.Warn("contacts sync: failed to update puppet", "max_user_id", id, "error", err)
		}
	}
}

// onMaxEvent routes a decoded event to the right portal handler, applying
// the echo dedup before message_created is handed to the portal (spec
// §4.6's second echo filter: upstream may echo the bridge's own send back
// through the WS).
func (s *UserSession) onMaxEvent(ctx context.Context, evt *max.MaxEvent) {
	if evt.Type == max.EventBotStarted && evt.User != nil {
		if _, err := s.puppets.GetOrCreate(ctx, evt.User); err != nil {
			s.log.Error("failed to create puppet for bot_started", "error", err)
		}
		return
	}

	p, err := s.portals.GetByMaxChatID(ctx, evt.ChatID, true)
	if err != nil {
		s.log.Error("failed to load portal for event", "chat_id", evt.ChatID, "error", err)
		return
	}
	if p == nil {
		return
	}

	switch evt.Type {
	case max.EventMessageCreated:
		if evt.Message != nil && evt.Message.MessageID != "" {
			existing, err := s.portals.messages.GetByMaxMsgID(ctx, evt.ChatID, evt.Message.MessageID)
			if err == nil && existing != nil {
				return
			}
		}
		client := s.Client()
		if client == nil || evt.Message == nil {
			return
		}
		if err := s.portals.HandleMaxMessage(ctx, s.MXID, client, evt.Message); err != nil {
			s.log.Error("failed to handle max message", "error", err)
		}

	case max.EventMessageEdited:
		msgID := evt.MessageID
		newText := evt.NewText
		if msgID == "" && evt.Message != nil {
			msgID = evt.Message.MessageID
			newText = evt.Message.Text()
		}
		if msgID == "" {
			return
		}
		if err := s.portals.HandleMaxEdit(ctx, evt.ChatID, msgID, newText); err != nil {
			s.log.Error("failed to handle max edit", "error", err)
		}

	case max.EventMessageRemoved:
		msgID := evt.MessageID
		if msgID == "" && evt.Message != nil {
			msgID = evt.Message.MessageID
		}
		if msgID == "" {
			return
		}
		if err := s.portals.HandleMaxDelete(ctx, evt.ChatID, msgID); err != nil {
			s.log.Error("failed to handle max delete", "error", err)
		}
	}
}
