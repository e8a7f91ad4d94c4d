package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.mau.fi/mautrix-max/internal/database"
	"go.mau.fi/mautrix-max/internal/message"
	"go.mau.fi/mautrix-max/pkg/max"
)

// portalState is one of the three states a Portal can be in.
type portalState int

const (
	portalShadow portalState = iota // known in the db, no Matrix room yet
	portalMaterializing             // room creation in flight
	portalLive                      // room exists
)

// Portal is the per-chat state machine bridging one Max chat to one Matrix
// room (C6).
type Portal struct {
	MaxChatID   int64
	MXID        string
	Name        string
	Encrypted   bool
	RelayUserID string

	mu    sync.Mutex
	state portalState
}

// PortalManager owns the set of known portals and the dependencies needed
// to materialize and drive them.
type PortalManager struct {
	log      *slog.Logger
	mu       sync.RWMutex
	portals  map[int64]*Portal
	byMXID   map[string]*Portal
	db       *database.PortalStore
	messages *database.MessageStore
	reacts   *database.ReactionStore
	puppets  *PuppetManager
	intent   MatrixClient
	metrics  *Metrics

	mentionsEnabled bool
}

// SetMentionsEnabled toggles the best-effort @mention resolution enrichment
// (bridge.message_handling.mentions in config). Off by default.
func (pm *PortalManager) SetMentionsEnabled(enabled bool) {
	pm.mentionsEnabled = enabled
}

func NewPortalManager(db *database.PortalStore, messages *database.MessageStore, reacts *database.ReactionStore, puppets *PuppetManager, intent MatrixClient, metrics *Metrics, log *slog.Logger) *PortalManager {
	return &PortalManager{
		log:      log,
		portals:  make(map[int64]*Portal),
		byMXID:   make(map[string]*Portal),
		db:       db,
		messages: messages,
		reacts:   reacts,
		puppets:  puppets,
		intent:   intent,
		metrics:  metrics,
	}
}

// GetByMaxChatID returns the cached or persisted portal for a chat,
// optionally creating a fresh shadow portal when create is true and none
// exists.
func (pm *PortalManager) GetByMaxChatID(ctx context.Context, chatID int64, create bool) (*Portal, error) {
	pm.mu.Lock()
	if p, ok := pm.portals[chatID]; ok {
		pm.mu.Unlock()
		return p, nil
	}
	pm.mu.Unlock()

	row, err := pm.db.GetByMaxChatID(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("query portal: %w", err)
	}

	var p *Portal
	if row != nil {
		p = portalFromRow(row)
	} else if create {
		p = &Portal{MaxChatID: chatID, state: portalShadow}
	} else {
		return nil, nil
	}

	pm.mu.Lock()
	pm.portals[chatID] = p
	if p.MXID != "" {
		pm.byMXID[p.MXID] = p
	}
	pm.mu.Unlock()

	return p, nil
}

// GetByMXID returns the portal bridged to a Matrix room, or nil.
func (pm *PortalManager) GetByMXID(ctx context.Context, mxid string) (*Portal, error) {
	pm.mu.RLock()
	if p, ok := pm.byMXID[mxid]; ok {
		pm.mu.RUnlock()
		return p, nil
	}
	pm.mu.RUnlock()

	row, err := pm.db.GetByMXID(ctx, mxid)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, nil
	}
	p := portalFromRow(row)

	pm.mu.Lock()
	pm.portals[p.MaxChatID] = p
	pm.byMXID[mxid] = p
	pm.mu.Unlock()

	return p, nil
}

func portalFromRow(row *database.Portal) *Portal {
	state := portalShadow
	if row.MXID.Valid && row.MXID.String != "" {
		state = portalLive
	}
	return &Portal{
		MaxChatID:   row.MaxChatID,
		MXID:        row.MXID.String,
		Name:        row.Name.String,
		Encrypted:   row.Encrypted,
		RelayUserID: row.RelayUserID.String,
		state:       state,
	}
}

func (pm *PortalManager) save(ctx context.Context, p *Portal) error {
	row := &database.Portal{
		MaxChatID:   p.MaxChatID,
		MXID:        nullString(p.MXID),
		Name:        nullString(p.Name),
		Encrypted:   p.Encrypted,
		RelayUserID: nullString(p.RelayUserID),
	}
	if err := pm.db.Upsert(ctx, row); err != nil {
		return fmt.Errorf("save portal: %w", err)
	}
	return nil
}

// ensureRoom materializes the Matrix room for a chat if it doesn't already
// exist. Materialization is idempotent — the lock holder re-checks state
// after acquiring, so a second caller that raced in sees the already-created
// room instead of creating a duplicate.
func (pm *PortalManager) ensureRoom(ctx context.Context, p *Portal, invitee string, chat *max.MaxChat) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == portalLive && p.MXID != "" {
		return p.MXID, nil
	}

	p.state = portalMaterializing

	name := p.Name
	isDirect := false
	if chat != nil {
		name = chat.DisplayTitle()
		isDirect = chat.Type == max.ChatDialog
	}

	roomID, err := pm.intent.CreateRoom(ctx, &CreateRoomRequest{
		Name:        name,
		IsDirect:    isDirect,
		Invite:      []string{invitee},
		IsEncrypted: p.Encrypted,
	})
	if err != nil {
		p.state = portalShadow
		return "", fmt.Errorf("create matrix room: %w", err)
	}

	p.MXID = roomID
	p.Name = name
	p.RelayUserID = invitee
	p.state = portalLive

	if err := pm.save(ctx, p); err != nil {
		return "", err
	}

	pm.mu.Lock()
	pm.byMXID[roomID] = p
	pm.mu.Unlock()

	pm.log.Info("created matrix room for max chat", "chat_id", p.MaxChatID, "room_id", roomID)
	return roomID, nil
}

// === Upstream: Max -> Matrix ===

// HandleMaxMessage bridges an incoming Max message into the Matrix room,
// creating the room on first contact if necessary.
func (pm *PortalManager) HandleMaxMessage(ctx context.Context, invitee string, client max.Client, msg *max.MaxMessage) error {
	start := time.Now()
	p, err := pm.GetByMaxChatID(ctx, msg.ChatID(), true)
	if err != nil {
		return err
	}

	var chatInfo *max.MaxChat
	if p.MXID == "" {
		chatInfo, _ = client.GetChat(ctx, msg.ChatID())
	}
	roomID, err := pm.ensureRoom(ctx, p, invitee, chatInfo)
	if err != nil {
		return err
	}

	var senderMXID string
	var puppet *Puppet
	if msg.Sender != nil {
		puppet, err = pm.puppets.GetOrCreate(ctx, msg.Sender)
		if err != nil {
			return fmt.Errorf("get sender puppet: %w", err)
		}
		downloadAvatar := func(ctx context.Context, url string) ([]byte, string, error) {
			data, err := client.DownloadMedia(ctx, url)
			return data, "", err
		}
		if err := pm.puppets.UpdateInfo(ctx, msg.Sender, downloadAvatar); err != nil {
			pm.log.Warn("failed to refresh sender puppet profile", "error", err)
		}
		senderMXID = puppet.MatrixUserID
	}

	dl := func(ctx context.Context, url string) ([]byte, string, error) {
		data, err := client.DownloadMedia(ctx, url)
		return data, "", err
	}
	up := func(ctx context.Context, data []byte, mime, filename string) (string, error) {
		return pm.intent.UploadMedia(ctx, data, mime, filename)
	}

	for _, evt := range message.MaxToMatrix(ctx, msg, dl, up) {
		if pm.mentionsEnabled && evt.MsgType == "m.text" {
			pm.resolveMentionsUpstream(evt)
		}

		content := matrixContentFromEvent(evt)

		if replyTo := msg.ReplyTo(); replyTo != "" {
			if target, err := pm.messages.GetByMaxMsgID(ctx, p.MaxChatID, replyTo); err == nil && target != nil {
				content["m.relates_to"] = map[string]interface{}{
					"m.in_reply_to": map[string]interface{}{"event_id": target.MXID},
				}
			}
		}

		sender := senderMXID
		if sender == "" {
			sender = "" // falls back to main intent inside SendMessage impl
		}

		eventID, err := pm.intent.SendMessage(ctx, roomID, sender, content)
		if err != nil {
			if pm.metrics != nil {
				pm.metrics.IncrMessagesFailed()
			}
			return fmt.Errorf("send matrix message: %w", err)
		}

		if msg.MessageID != "" {
			if err := pm.messages.Insert(ctx, &database.Message{
				MaxChatID: p.MaxChatID,
				MaxMsgID:  msg.MessageID,
				MXID:      eventID,
				MXRoom:    roomID,
				Timestamp: time.UnixMilli(msg.Timestamp),
			}); err != nil {
				pm.log.Error("failed to save message correlation", "error", err)
			}
		}
	}

	if pm.metrics != nil {
		pm.metrics.IncrMessagesReceived()
		pm.metrics.ObserveMaxToMatrixLatency(time.Since(start))
	}
	return nil
}

// resolveMentionsUpstream rewrites "@username " tokens in an incoming text
// event into Matrix HTML mention pills when the username resolves to a
// known puppet.
func (pm *PortalManager) resolveMentionsUpstream(evt *message.MaxToMatrixEvent) {
	resolver := func(username string) (string, string) {
		p := pm.puppets.FindByUsername(username)
		if p == nil {
			return "", ""
		}
		return p.MatrixUserID, p.Name
	}
	_, html, mentioned := message.ConvertMaxMentionsToMatrix(evt.Body, resolver)
	if len(mentioned) == 0 {
		return
	}
	evt.FormattedBody = html
}

// resolveMentionsDownstream rewrites Matrix HTML mention pills in an
// outgoing text event into plain "@name " text using the puppet's display
// name, collapsing
// the formatted body back to plain text so MatrixToMax doesn't also run its
// generic link conversion over the pills.
func (pm *PortalManager) resolveMentionsDownstream(ctx context.Context, content *message.MatrixContent) {
	if content.FormattedBody == "" {
		return
	}
	resolver := func(matrixID string) (string, string) {
		p, err := pm.puppets.GetByMatrixID(ctx, matrixID)
		if err != nil || p == nil {
			return "", ""
		}
		return p.Username, p.Name
	}
	plain, mentioned := message.ConvertMatrixMentionsToMax(content.FormattedBody, content.Body, resolver)
	if len(mentioned) == 0 {
		return
	}
	content.Body = plain
	content.FormattedBody = ""
}

func matrixContentFromEvent(evt *message.MaxToMatrixEvent) map[string]interface{} {
	content := map[string]interface{}{
		"msgtype": evt.MsgType,
		"body":    evt.Body,
	}
	if evt.FormattedBody != "" {
		content["format"] = "org.matrix.custom.html"
		content["formatted_body"] = evt.FormattedBody
	}
	if evt.URL != "" {
		content["url"] = evt.URL
	}
	if evt.GeoURI != "" {
		content["geo_uri"] = evt.GeoURI
	}
	if evt.Info != nil {
		content["info"] = evt.Info
	}
	return content
}

// HandleMaxEdit bridges a Max message edit to a Matrix m.replace relation.
// A missing correlation row (the original was never bridged) is silently
// dropped.
func (pm *PortalManager) HandleMaxEdit(ctx context.Context, chatID int64, messageID, newText string) error {
	p, err := pm.GetByMaxChatID(ctx, chatID, false)
	if err != nil || p == nil || p.MXID == "" {
		return nil
	}

	row, err := pm.messages.GetByMaxMsgID(ctx, chatID, messageID)
	if err != nil {
		return fmt.Errorf("look up edited message: %w", err)
	}
	if row == nil {
		return nil
	}

	content := map[string]interface{}{
		"msgtype": "m.text",
		"body":    "* " + newText,
		"m.new_content": map[string]interface{}{
			"msgtype": "m.text",
			"body":    newText,
		},
		"m.relates_to": map[string]interface{}{
			"rel_type": "m.replace",
			"event_id": row.MXID,
		},
	}

	_, err = pm.intent.SendMessage(ctx, p.MXID, "", content)
	return err
}

// HandleMaxDelete bridges a Max message deletion to a Matrix redaction. A
// missing correlation row is silently dropped.
func (pm *PortalManager) HandleMaxDelete(ctx context.Context, chatID int64, messageID string) error {
	p, err := pm.GetByMaxChatID(ctx, chatID, false)
	if err != nil || p == nil || p.MXID == "" {
		return nil
	}

	row, err := pm.messages.GetByMaxMsgID(ctx, chatID, messageID)
	if err != nil {
		return fmt.Errorf("look up deleted message: %w", err)
	}
	if row == nil {
		return nil
	}

	return pm.intent.RedactEvent(ctx, p.MXID, row.MXID, "deleted on max")
}

// === Downstream: Matrix -> Max ===

// MatrixMessageEvent is the subset of an incoming Matrix event this package
// needs to bridge a message downstream.
type MatrixMessageEvent struct {
	EventID        string
	Sender         string
	Content        *message.MatrixContent
	ReplyToEventID string
	ReplaceEventID string // set for m.replace edits
	NewBody        string // new_content.body for m.replace edits
}

// HandleMatrixMessage bridges a Matrix event downstream to Max, skipping
// events sent by the bridge's own ghosts (echo guard) or by a Matrix user
// with no connected Max client.
func (pm *PortalManager) HandleMatrixMessage(ctx context.Context, p *Portal, client max.Client, dl message.Downloader, evt *MatrixMessageEvent) error {
	if pm.puppets.IsPuppet(evt.Sender) {
		return nil
	}
	if client == nil || !client.IsConnected() {
		pm.log.Debug("ignoring matrix message, no connected max client", "sender", evt.Sender)
		return nil
	}

	if evt.ReplaceEventID != "" {
		row, err := pm.messages.GetByMXID(ctx, evt.ReplaceEventID)
		if err != nil || row == nil {
			return err
		}
		return client.EditMessage(ctx, row.MaxMsgID, evt.NewBody)
	}

	if pm.mentionsEnabled && evt.Content.MsgType == "m.text" {
		pm.resolveMentionsDownstream(ctx, evt.Content)
	}

	up := func(ctx context.Context, data []byte, mime, filename string) (string, error) {
		return client.UploadMedia(ctx, data, filename, mime)
	}
	text, attachments := message.MatrixToMax(ctx, evt.Content, dl, up)

	var replyTo string
	if evt.ReplyToEventID != "" {
		if row, err := pm.messages.GetByMXID(ctx, evt.ReplyToEventID); err == nil && row != nil {
			replyTo = row.MaxMsgID
		}
	}

	sent, err := client.SendMessage(ctx, p.MaxChatID, text, replyTo, attachments)
	if err != nil {
		if pm.metrics != nil {
			pm.metrics.IncrMessagesFailed()
		}
		return fmt.Errorf("send max message: %w", err)
	}

	if pm.metrics != nil {
		pm.metrics.IncrMessagesSent()
	}

	if sent != nil && sent.MessageID != "" {
		if err := pm.messages.Insert(ctx, &database.Message{
			MaxChatID: p.MaxChatID,
			MaxMsgID:  sent.MessageID,
			MXID:      evt.EventID,
			MXRoom:    p.MXID,
			Timestamp: time.Now(),
		}); err != nil {
			pm.log.Error("failed to save message correlation", "error", err)
		}
	}
	return nil
}

// HandleMatrixRedaction bridges a Matrix redaction to a Max delete_message
// call, unless it redacts a reaction (handled by HandleMatrixReactionRedaction).
func (pm *PortalManager) HandleMatrixRedaction(ctx context.Context, client max.Client, redactedEventID string) error {
	if client == nil || !client.IsConnected() {
		return nil
	}
	row, err := pm.messages.GetByMXID(ctx, redactedEventID)
	if err != nil {
		return err
	}
	if row == nil {
		return nil
	}
	return client.DeleteMessage(ctx, row.MaxMsgID)
}

// === Reactions ===

// HandleMatrixReaction bridges a Matrix reaction event to Max's add_reaction
// keyed by (chat, target max message id, emoji).
func (pm *PortalManager) HandleMatrixReaction(ctx context.Context, p *Portal, client max.Client, reactionEventID, targetEventID, emoji, senderID string, senderMaxID int64) error {
	if client == nil || !client.IsConnected() {
		return nil
	}
	target, err := pm.messages.GetByMXID(ctx, targetEventID)
	if err != nil || target == nil {
		return err
	}

	if err := client.AddReaction(ctx, p.MaxChatID, target.MaxMsgID, emoji); err != nil {
		return fmt.Errorf("add max reaction: %w", err)
	}

	return pm.reacts.Upsert(ctx, &database.Reaction{
		MXID:        reactionEventID,
		MaxChatID:   p.MaxChatID,
		MaxMsgID:    target.MaxMsgID,
		MaxSenderID: senderMaxID,
		Reaction:    emoji,
	})
}

// HandleMatrixReactionRedaction bridges a Matrix reaction redaction to a Max
// reaction removal — upstream has no dedicated "remove reaction" opcode, so
// this re-sends add_reaction with an empty emoji, the convention the client
// and server both honor for "un-react".
func (pm *PortalManager) HandleMatrixReactionRedaction(ctx context.Context, p *Portal, client max.Client, reactionEventID string) error {
	if client == nil || !client.IsConnected() {
		return nil
	}
	row, err := pm.reacts.GetByMXID(ctx, reactionEventID)
	if err != nil || row == nil {
		return err
	}

	if err := client.AddReaction(ctx, p.MaxChatID, row.MaxMsgID, ""); err != nil {
		return fmt.Errorf("remove max reaction: %w", err)
	}

	return pm.reacts.Delete(ctx, row.MaxChatID, row.MaxMsgID, row.MaxSenderID)
}
