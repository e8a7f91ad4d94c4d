package max

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Opcodes from the protocol-v11 catalogue (spec §4.3, selected/required).
const (
	opHeartbeat      = 1
	opInitSession    = 6
	opStartPhoneAuth = 17
	opCheckCode      = 18
	opLoginByToken   = 19
	opMarkRead       = 50
	opSendMessage    = 64
	opDeleteMessage  = 66
	opEditMessage    = 67
	opReact          = 178
	opQRGenerate     = 288
	opQRPoll         = 289
	opQRConfirm      = 291

	opIncomingMessage = 128
	opIncomingEdit    = 129
	opIncomingDelete  = 130
	opIncomingRead    = 131
	opIncomingTyping  = 132
)

const (
	cmdRequest  = 0
	cmdResponse = 1
	cmdAck      = 2
	cmdError    = 3

	protocolVersion = 11
)

// frame is the wire envelope every message on the socket is shaped as.
type frame struct {
	Ver     int             `json:"ver"`
	Cmd     int             `json:"cmd"`
	Seq     int64           `json:"seq"`
	Opcode  int             `json:"opcode"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type pendingSlot struct {
	ch chan pendingResult
}

type pendingResult struct {
	frame frame
	err   error
}

// UserClient speaks the Max user-mode WebSocket protocol (spec §4.3).
type UserClient struct {
	wsURL      string
	apiURL     string
	authToken  string
	deviceID   string
	log        *slog.Logger
	httpClient *http.Client

	handler EventHandler
	me      atomic.Pointer[MaxUser]

	// loginChats and loginContacts cache the chat list and contact map the
	// server returned with the last LOGIN_BY_TOKEN response, consumed by
	// the initial chat-sync and contacts pass.
	loginChats    atomic.Pointer[[]*MaxChat]
	loginContacts atomic.Pointer[map[int64]*MaxUser]

	conn      *websocket.Conn
	writeMu   sync.Mutex
	seq       int64
	pendingMu sync.Mutex
	pending   map[int64]*pendingSlot

	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex
	closed bool
}

// NewUserClient constructs a user-mode client. authToken may be empty, in
// which case Connect fails fast and the provisioning flow is required (spec
// §4.3 connection sequence, step 4). deviceID should be persisted across
// reconnects and only regenerated on a clean logout. apiURL is the same
// REST base the bot client uses; the user-API opcode catalogue has no
// upload opcode of its own, so media uploads go over the REST endpoint
// using the session's bearer token.
func NewUserClient(wsURL, apiURL, authToken, deviceID string, log *slog.Logger) *UserClient {
	if deviceID == "" {
		deviceID = uuid.NewString()
	}
	return &UserClient{
		wsURL:      wsURL,
		apiURL:     apiURL,
		authToken:  authToken,
		deviceID:   deviceID,
		log:        log,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		pending:    make(map[int64]*pendingSlot),
	}
}

func (c *UserClient) SetEventHandler(h EventHandler) { c.handler = h }
func (c *UserClient) Me() *MaxUser                   { return c.me.Load() }
func (c *UserClient) DeviceID() string               { return c.deviceID }
func (c *UserClient) AuthToken() string               { return c.authToken }

// Chats returns the chat list from the most recent LOGIN_BY_TOKEN response,
// used to seed the initial chat sync. Empty until Connect succeeds.
func (c *UserClient) Chats() []*MaxChat {
	p := c.loginChats.Load()
	if p == nil {
		return nil
	}
	return *p
}

// Contacts returns the contact map (user id -> profile) from the most
// recent LOGIN_BY_TOKEN response, used by the contacts sync pass.
func (c *UserClient) Contacts() map[int64]*MaxUser {
	p := c.loginContacts.Load()
	if p == nil {
		return nil
	}
	return *p
}

// decodeContactsMap normalizes the contacts payload, which the server sends
// either as a JSON object keyed by user id or as a JSON array of profiles.
func decodeContactsMap(raw json.RawMessage) map[int64]*MaxUser {
	out := make(map[int64]*MaxUser)
	if len(raw) == 0 {
		return out
	}

	var asObject map[string]json.RawMessage
	if err := json.Unmarshal(raw, &asObject); err == nil {
		for _, entry := range asObject {
			if user := decodeUser(entry); user != nil {
				out[user.UserID] = user
			}
		}
		return out
	}

	var asArray []json.RawMessage
	if err := json.Unmarshal(raw, &asArray); err == nil {
		for _, entry := range asArray {
			if user := decodeUser(entry); user != nil {
				out[user.UserID] = user
			}
		}
	}
	return out
}

func (c *UserClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && c.conn != nil
}

// Connect opens the WebSocket, starts the listener before sending any
// request, performs INIT_SESSION then LOGIN_BY_TOKEN, and starts the
// keepalive loop (spec §4.3 connection sequence).
func (c *UserClient) Connect(ctx context.Context) error {
	if c.authToken == "" {
		return &AuthError{Message: "no saved token; provisioning flow required"}
	}

	header := http.Header{}
	header.Set("Origin", "https://web.max.ru")
	header.Set("User-Agent", desktopUserAgent)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsURL, header)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	c.conn = conn

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.closed = false
	c.done = make(chan struct{})

	go c.listen(runCtx)

	if _, err := c.sendAndWait(ctx, opInitSession, sessionDescriptor(c.deviceID), 30*time.Second); err != nil {
		c.teardown()
		return fmt.Errorf("init session: %w", err)
	}

	resp, err := c.sendAndWait(ctx, opLoginByToken, map[string]any{
		"token":      c.authToken,
		"chatsCount": 40,
		"lastLogin":  0,
	}, 30*time.Second)
	if err != nil {
		c.teardown()
		return fmt.Errorf("login by token: %w", err)
	}

	var loginResp struct {
		Token    string          `json:"token"`
		Profile  MaxUser         `json:"profile"`
		Chats    []MaxChat       `json:"chats"`
		Contacts json.RawMessage `json:"contacts"`
	}
	if err := json.Unmarshal(resp.Payload, &loginResp); err == nil {
		if loginResp.Token != "" {
			c.authToken = loginResp.Token
		}
		c.me.Store(&loginResp.Profile)

		chats := make([]*MaxChat, len(loginResp.Chats))
		for i := range loginResp.Chats {
			chats[i] = &loginResp.Chats[i]
		}
		c.loginChats.Store(&chats)
		c.loginContacts.Store(decodeContactsMap(loginResp.Contacts))
	}

	go c.keepalive(runCtx)
	return nil
}

func sessionDescriptor(deviceID string) map[string]any {
	return map[string]any{
		"deviceType": "WEB",
		"locale":     "en",
		"osVersion":  "Linux",
		"appVersion": "25.1.0",
		"screen":     "1920x1080",
		"timezone":   "UTC",
		"deviceId":   deviceID,
	}
}

const desktopUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

func (c *UserClient) teardown() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.conn != nil {
		c.conn.Close()
	}
	c.cancelAllPending(fmt.Errorf("connection closed"))
}

// Disconnect closes the partially- or fully-connected socket, cancels the
// listener, and drains the pending table (spec §4.3, §5).
func (c *UserClient) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.teardown()
	if c.done != nil {
		select {
		case <-c.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (c *UserClient) cancelAllPending(err error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for seq, slot := range c.pending {
		slot.ch <- pendingResult{err: err}
		delete(c.pending, seq)
	}
}

// listen is the single reader goroutine; all frame demultiplexing happens
// here so that seq allocation/pending-table access only ever races against
// the send path (spec §5: "reads happen only in the listener task").
func (c *UserClient) listen(ctx context.Context) {
	defer close(c.done)
	defer c.conn.Close()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.log.Error("websocket read failed", "error", err)
				c.cancelAllPending(fmt.Errorf("websocket read: %w", err))
			}
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.log.Warn("failed to decode frame", "error", err)
			continue
		}
		c.handleFrame(ctx, f)
	}
}

func (c *UserClient) handleFrame(ctx context.Context, f frame) {
	switch f.Cmd {
	case cmdResponse, cmdAck:
		c.completePending(f.Seq, pendingResult{frame: f})
	case cmdError:
		var payload struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		}
		json.Unmarshal(f.Payload, &payload)
		c.completePending(f.Seq, pendingResult{err: &ProtocolError{Code: payload.Code, Message: payload.Message}})
	case cmdRequest:
		c.handleServerRequest(ctx, f)
	}
}

func (c *UserClient) completePending(seq int64, result pendingResult) {
	c.pendingMu.Lock()
	slot, ok := c.pending[seq]
	if ok {
		delete(c.pending, seq)
	}
	c.pendingMu.Unlock()
	if ok {
		slot.ch <- result
	}
}

// handleServerRequest handles cmd=0 frames originating from the server
// (spec §4.3 "server-originated frames").
func (c *UserClient) handleServerRequest(ctx context.Context, f frame) {
	switch f.Opcode {
	case opHeartbeat:
		c.writeFrame(frame{Ver: protocolVersion, Cmd: cmdResponse, Seq: f.Seq, Opcode: f.Opcode})
	case opIncomingMessage:
		// Ack before invoking the handler so a handler failure can't block
		// protocol progress (spec §4.3).
		c.ackIncomingMessage(f)
		if evt := c.decodeIncomingMessage(f.Payload); evt != nil && c.handler != nil {
			c.handler(ctx, evt)
		}
	case opIncomingEdit:
		if evt := c.decodeIncomingEdit(f.Payload); evt != nil && c.handler != nil {
			c.handler(ctx, evt)
		}
	case opIncomingDelete:
		if evt := c.decodeIncomingDelete(f.Payload); evt != nil && c.handler != nil {
			c.handler(ctx, evt)
		}
	case opIncomingRead, opIncomingTyping:
		// No normalized event type is specified for these upstream in the
		// MaxEvent shape; they're presence-only and not wired to a Matrix
		// side effect in this implementation.
	default:
		c.log.Debug("unhandled server-originated opcode", "opcode", f.Opcode)
	}
}

func (c *UserClient) ackIncomingMessage(f frame) {
	var payload struct {
		ChatID    int64  `json:"chatId"`
		MessageID string `json:"messageId"`
	}
	json.Unmarshal(f.Payload, &payload)
	ackPayload, _ := json.Marshal(payload)
	c.writeFrame(frame{Ver: protocolVersion, Cmd: cmdResponse, Seq: f.Seq, Opcode: f.Opcode, Payload: ackPayload})
}

type incomingMessagePayload struct {
	ChatID    int64           `json:"chatId"`
	ChatIDAlt int64           `json:"chat_id"`
	Message   rawUserMessage  `json:"message"`
}

// rawUserMessage mirrors the user-API body shape, tolerant of the decoding
// quirks in spec §4.3: sender as int or object, message id as mid/id/
// messageId, chat id nested or absent.
type rawUserMessage struct {
	MID       string          `json:"mid"`
	ID        string          `json:"id"`
	MessageID string          `json:"messageId"`
	ChatID    int64           `json:"chatId"`
	Timestamp int64           `json:"timestamp"`
	Sender    json.RawMessage `json:"sender"`
	Text      string          `json:"text"`
	Body      json.RawMessage `json:"body"`
	ReplyTo   string          `json:"replyTo"`
}

func messageIDOf(m rawUserMessage) string {
	for _, v := range []string{m.MID, m.ID, m.MessageID} {
		if v != "" {
			return v
		}
	}
	return ""
}

func (c *UserClient) decodeIncomingMessage(payload json.RawMessage) *MaxEvent {
	var p incomingMessagePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		c.log.Warn("failed to decode incoming message", "error", err)
		return nil
	}
	chatID := p.ChatID
	if chatID == 0 {
		chatID = p.ChatIDAlt
	}
	if chatID == 0 {
		chatID = p.Message.ChatID
	}

	msg := &MaxMessage{MessageID: messageIDOf(p.Message), Timestamp: p.Message.Timestamp}
	msg.SetChatID(chatID)
	if len(p.Message.Sender) > 0 {
		msg.Sender = decodeUser(p.Message.Sender)
	}
	msg.BodyText, msg.BodyAttach = decodeUserBody(p.Message.Body, p.Message.Text)
	if p.Message.ReplyTo != "" {
		msg.Link = &MaxLinkedMessage{Type: "reply", MID: p.Message.ReplyTo}
	}

	return &MaxEvent{Type: EventMessageCreated, ChatID: chatID, Message: msg, Timestamp: p.Message.Timestamp}
}

func decodeUserBody(raw json.RawMessage, fallbackText string) (string, []*MaxAttachment) {
	if len(raw) == 0 {
		return fallbackText, nil
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString, nil
	}
	var body struct {
		Text        string          `json:"text"`
		Attachments []rawAttachment `json:"attachments"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return fallbackText, nil
	}
	attachments := make([]*MaxAttachment, 0, len(body.Attachments))
	for _, a := range body.Attachments {
		attachments = append(attachments, a.toAttachment())
	}
	text := body.Text
	if text == "" {
		text = fallbackText
	}
	return text, attachments
}

func (c *UserClient) decodeIncomingEdit(payload json.RawMessage) *MaxEvent {
	var p struct {
		ChatID    int64  `json:"chatId"`
		MessageID string `json:"messageId"`
		MID       string `json:"mid"`
		Text      string `json:"text"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil
	}
	id := p.MessageID
	if id == "" {
		id = p.MID
	}
	return &MaxEvent{Type: EventMessageEdited, ChatID: p.ChatID, MessageID: id, NewText: p.Text}
}

func (c *UserClient) decodeIncomingDelete(payload json.RawMessage) *MaxEvent {
	var p struct {
		ChatID    int64  `json:"chatId"`
		MessageID string `json:"messageId"`
		MID       string `json:"mid"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil
	}
	id := p.MessageID
	if id == "" {
		id = p.MID
	}
	return &MaxEvent{Type: EventMessageRemoved, ChatID: p.ChatID, MessageID: id}
}

// keepalive sends HEARTBEAT every 30s until the run context is cancelled.
func (c *UserClient) keepalive(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.sendAndWait(ctx, opHeartbeat, map[string]any{"interactive": true}, 10*time.Second); err != nil {
				c.log.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

// sendAndWait allocates a seq, registers a pending slot, writes the frame,
// and waits for its completion or timeout (spec §4.3/§5). On timeout the
// slot is removed and a timeout error surfaces.
func (c *UserClient) sendAndWait(ctx context.Context, opcode int, payload any, timeout time.Duration) (*frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	seq := atomic.AddInt64(&c.seq, 1)

	slot := &pendingSlot{ch: make(chan pendingResult, 1)}
	c.pendingMu.Lock()
	c.pending[seq] = slot
	c.pendingMu.Unlock()

	if err := c.writeFrame(frame{Ver: protocolVersion, Cmd: cmdRequest, Seq: seq, Opcode: opcode, Payload: data}); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, seq)
		c.pendingMu.Unlock()
		return nil, err
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case result := <-slot.ch:
		if result.err != nil {
			return nil, result.err
		}
		return &result.frame, nil
	case <-t.C:
		c.pendingMu.Lock()
		delete(c.pending, seq)
		c.pendingMu.Unlock()
		return nil, fmt.Errorf("timed out waiting for opcode %d (seq %d)", opcode, seq)
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, seq)
		c.pendingMu.Unlock()
		return nil, ctx.Err()
	}
}

// writeFrame serializes and writes a frame. writeMu covers the write itself
// so concurrent callers can't interleave partial writes; seq allocation (in
// callers) is a separate atomic increment (spec §5 per-client constraints).
func (c *UserClient) writeFrame(f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *UserClient) SendMessage(ctx context.Context, chatID int64, text string, replyTo string, attachments []*MaxAttachment) (*MaxMessage, error) {
	payload := map[string]any{"chatId": chatID, "text": text}
	if replyTo != "" {
		payload["replyTo"] = replyTo
	}
	if len(attachments) > 0 {
		wire := make([]map[string]any, len(attachments))
		for i, a := range attachments {
			wire[i] = a.WirePayload()
		}
		payload["attachments"] = wire
	}
	resp, err := c.sendAndWait(ctx, opSendMessage, payload, 30*time.Second)
	if err != nil {
		return nil, err
	}
	var out struct {
		ID        string `json:"id"`
		MID       string `json:"mid"`
		Timestamp int64  `json:"timestamp"`
	}
	json.Unmarshal(resp.Payload, &out)
	id := out.ID
	if id == "" {
		id = out.MID
	}
	// Outbound shape asymmetry (spec §4.3): body is echoed locally so the
	// caller can record the correlation before the server re-broadcasts it.
	msg := &MaxMessage{MessageID: id, Timestamp: out.Timestamp, BodyText: text, BodyAttach: attachments}
	msg.SetChatID(chatID)
	return msg, nil
}

func (c *UserClient) EditMessage(ctx context.Context, messageID string, text string) error {
	_, err := c.sendAndWait(ctx, opEditMessage, map[string]any{"messageId": messageID, "text": text}, 30*time.Second)
	return err
}

func (c *UserClient) DeleteMessage(ctx context.Context, messageID string) error {
	_, err := c.sendAndWait(ctx, opDeleteMessage, map[string]any{"messageId": messageID}, 30*time.Second)
	return err
}

func (c *UserClient) GetChat(ctx context.Context, chatID int64) (*MaxChat, error) {
	return nil, &NotFoundError{Resource: "get_chat is not exposed over the user-API opcode catalogue"}
}

func (c *UserClient) GetChatMembers(ctx context.Context, chatID int64) ([]*MaxUser, error) {
	return nil, &NotFoundError{Resource: "get_chat_members is not exposed over the user-API opcode catalogue"}
}

func (c *UserClient) GetUserInfo(ctx context.Context, userID int64) (*MaxUser, error) {
	return NewUserFromID(userID), nil
}

func (c *UserClient) DownloadMedia(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download media: %w", err)
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// UploadMedia requests a pre-signed upload URL over REST (mirroring
// BotClient.UploadMedia; the user-API opcode catalogue has no upload
// opcode) and authenticates with the session's bearer token instead of a
// bot token.
func (c *UserClient) UploadMedia(ctx context.Context, data []byte, filename, mimeType string) (string, error) {
	uploadType := classifyUploadType(mimeType)

	var urlResp struct {
		URL string `json:"url"`
	}
	path := fmt.Sprintf("%s/uploads?type=%s", c.apiURL, uploadType)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, path, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.authToken)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request upload url: %w", err)
	}
	if err := json.NewDecoder(resp.Body).Decode(&urlResp); err != nil {
		resp.Body.Close()
		return "", fmt.Errorf("decode upload url response: %w", err)
	}
	resp.Body.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("data", filename)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(data); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	uploadReq, err := http.NewRequestWithContext(ctx, http.MethodPost, urlResp.URL, &buf)
	if err != nil {
		return "", err
	}
	uploadReq.Header.Set("Content-Type", w.FormDataContentType())
	uploadResp, err := c.httpClient.Do(uploadReq)
	if err != nil {
		return "", fmt.Errorf("upload media: %w", err)
	}
	defer uploadResp.Body.Close()

	var tokResp struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(uploadResp.Body).Decode(&tokResp); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	return tokResp.Token, nil
}

// AddReaction sends REACT. Reaction removal has no dedicated delete opcode
// upstream (spec §9 Open Question); the convention adopted here is to react
// again with an empty emoji string, matching the "react with empty string"
// resolution recorded in the design notes.
func (c *UserClient) AddReaction(ctx context.Context, chatID int64, messageID, emoji string) error {
	_, err := c.sendAndWait(ctx, opReact, map[string]any{
		"chatId": chatID, "messageId": messageID, "reaction": emoji,
	}, 30*time.Second)
	return err
}

func (c *UserClient) MarkAsRead(ctx context.Context, chatID int64, messageID string) error {
	_, err := c.sendAndWait(ctx, opMarkRead, map[string]any{"chatId": chatID, "messageId": messageID}, 30*time.Second)
	return err
}

// StartPhoneAuth begins the phone+SMS login flow: INIT_SESSION must already
// have been sent over this socket (use NewUserClient with an empty auth
// token, then ConnectForAuth). Returns the flow token and expected code length.
func (c *UserClient) StartPhoneAuth(ctx context.Context, phone string) (flowToken string, codeLength int, err error) {
	resp, err := c.sendAndWait(ctx, opStartPhoneAuth, map[string]any{
		"phone": phone, "type": "START_AUTH", "language": "en",
	}, 30*time.Second)
	if err != nil {
		return "", 0, err
	}
	var out struct {
		Token      string `json:"token"`
		CodeLength int    `json:"codeLength"`
	}
	json.Unmarshal(resp.Payload, &out)
	return out.Token, out.CodeLength, nil
}

// CheckAuthCode completes the phone flow, returning the persisted login
// token and numeric user id.
func (c *UserClient) CheckAuthCode(ctx context.Context, flowToken, code string) (loginToken string, userID int64, err error) {
	resp, err := c.sendAndWait(ctx, opCheckCode, map[string]any{
		"token": flowToken, "verifyCode": code, "authTokenType": "CHECK_CODE",
	}, 30*time.Second)
	if err != nil {
		return "", 0, err
	}
	var out struct {
		TokenAttrs struct {
			Login struct {
				Token string `json:"token"`
			} `json:"LOGIN"`
		} `json:"tokenAttrs"`
		Profile MaxUser `json:"profile"`
	}
	json.Unmarshal(resp.Payload, &out)
	c.authToken = out.TokenAttrs.Login.Token
	return c.authToken, out.Profile.UserID, nil
}

// StartQRAuth generates a QR login challenge.
func (c *UserClient) StartQRAuth(ctx context.Context) (trackID, qrLink string, expiresAt int64, err error) {
	resp, err := c.sendAndWait(ctx, opQRGenerate, map[string]any{}, 30*time.Second)
	if err != nil {
		return "", "", 0, err
	}
	var out struct {
		TrackID   string `json:"trackId"`
		QRLink    string `json:"qrLink"`
		ExpiresAt int64  `json:"expiresAt"`
	}
	json.Unmarshal(resp.Payload, &out)
	return out.TrackID, out.QRLink, out.ExpiresAt, nil
}

// PollQRAuth polls once for QR scan completion. Overall caller-side timeout
// defaults to 120s per spec §4.3; this method itself issues a single poll.
func (c *UserClient) PollQRAuth(ctx context.Context, trackID string) (loginAvailable bool, expired bool, err error) {
	resp, err := c.sendAndWait(ctx, opQRPoll, map[string]any{"trackId": trackID}, 10*time.Second)
	if err != nil {
		return false, false, err
	}
	var out struct {
		Status struct {
			LoginAvailable bool  `json:"loginAvailable"`
			ExpiresAt      int64 `json:"expiresAt"`
		} `json:"status"`
	}
	json.Unmarshal(resp.Payload, &out)
	expired = out.Status.ExpiresAt != 0 && out.Status.ExpiresAt < nowUnix()
	return out.Status.LoginAvailable, expired, nil
}

// ConfirmQRAuth finalizes the QR flow once PollQRAuth reports availability.
func (c *UserClient) ConfirmQRAuth(ctx context.Context, trackID string) (loginToken string, userID int64, err error) {
	resp, err := c.sendAndWait(ctx, opQRConfirm, map[string]any{"trackId": trackID}, 30*time.Second)
	if err != nil {
		return "", 0, err
	}
	var out struct {
		TokenAttrs struct {
			Login struct {
				Token string `json:"token"`
			} `json:"LOGIN"`
		} `json:"tokenAttrs"`
		Profile MaxUser `json:"profile"`
	}
	json.Unmarshal(resp.Payload, &out)
	c.authToken = out.TokenAttrs.Login.Token
	return c.authToken, out.Profile.UserID, nil
}

// ConnectForAuth opens a bare WebSocket and performs INIT_SESSION only,
// skipping LOGIN_BY_TOKEN, so phone/QR flows can run before any token
// exists. The caller owns calling Disconnect on failure (spec §4.3: "the
// partially-connected WebSocket must be closed, the listener cancelled, and
// pending slots cancelled").
func (c *UserClient) ConnectForAuth(ctx context.Context) error {
	header := http.Header{}
	header.Set("Origin", "https://web.max.ru")
	header.Set("User-Agent", desktopUserAgent)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsURL, header)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	c.conn = conn

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.closed = false
	c.done = make(chan struct{})
	go c.listen(runCtx)

	if _, err := c.sendAndWait(ctx, opInitSession, sessionDescriptor(c.deviceID), 30*time.Second); err != nil {
		c.teardown()
		return fmt.Errorf("init session: %w", err)
	}
	return nil
}

func nowUnix() int64 {
	return time.Now().Unix()
}
