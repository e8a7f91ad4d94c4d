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
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// BotClient speaks the Max Bot API: token-authenticated REST calls plus a
// long-poll loop for incoming updates (spec §4.2).
type BotClient struct {
	token           string
	apiURL          string
	pollingTimeout  time.Duration
	log             *slog.Logger
	httpClient      *http.Client

	handler EventHandler
	me      atomic.Pointer[MaxUser]

	marker  int64
	cancel  context.CancelFunc
	done    chan struct{}
	mu      sync.Mutex
	closed  bool
}

// NewBotClient constructs a bot-mode client. pollingTimeout is the "timeout"
// query parameter sent with every long-poll request.
func NewBotClient(token, apiURL string, pollingTimeout time.Duration, log *slog.Logger) *BotClient {
	if pollingTimeout <= 0 {
		pollingTimeout = 90 * time.Second
	}
	return &BotClient{
		token:          token,
		apiURL:         strings.TrimRight(apiURL, "/"),
		pollingTimeout: pollingTimeout,
		log:            log,
		httpClient:     &http.Client{Timeout: pollingTimeout + 30*time.Second},
	}
}

func (c *BotClient) SetEventHandler(h EventHandler) { c.handler = h }

func (c *BotClient) Me() *MaxUser { return c.me.Load() }

func (c *BotClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && c.cancel != nil
}

// Connect performs GET /me to establish identity, then starts the long-poll
// loop in its own goroutine.
func (c *BotClient) Connect(ctx context.Context) error {
	var me MaxUser
	if err := c.request(ctx, http.MethodGet, "/me", nil, &me); err != nil {
		return fmt.Errorf("bot connect: %w", err)
	}
	c.me.Store(&me)

	pollCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.cancel = cancel
	c.closed = false
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.pollLoop(pollCtx)
	return nil
}

// Disconnect cancels the long-poll loop and waits for it to exit.
func (c *BotClient) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel := c.cancel
	done := c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// pollLoop repeatedly issues GET /updates?timeout=T[&marker=M]. Failures are
// handled per spec §4.2/§7: cancellation breaks out cleanly, 429 waits
// Retry-After, anything else sleeps 5s and retries. The loop never
// terminates for transient faults.
func (c *BotClient) pollLoop(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		path := fmt.Sprintf("/updates?timeout=%d", int(c.pollingTimeout.Seconds()))
		marker := atomic.LoadInt64(&c.marker)
		if marker != 0 {
			path += fmt.Sprintf("&marker=%d", marker)
		}

		var resp struct {
			Updates []json.RawMessage `json:"updates"`
			Marker  int64             `json:"marker"`
		}
		err := c.request(ctx, http.MethodGet, path, nil, &resp)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var rl *RateLimitError
			if asRateLimit(err, &rl) {
				c.sleep(ctx, time.Duration(rl.RetryAfter)*time.Second)
				continue
			}
			c.log.Error("long-poll request failed", "error", err)
			c.sleep(ctx, 5*time.Second)
			continue
		}

		atomic.StoreInt64(&c.marker, resp.Marker)

		for _, raw := range resp.Updates {
			evt := c.decodeUpdate(raw)
			if evt != nil && c.handler != nil {
				c.handler(ctx, evt)
			}
		}
	}
}

func (c *BotClient) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func asRateLimit(err error, out **RateLimitError) bool {
	rl, ok := err.(*RateLimitError)
	if ok {
		*out = rl
	}
	return ok
}

// rawUpdate models the ambiguous bot-API update shape: mid can be at the top
// level or nested inside the body (spec §4.1/§4.3 decoding quirks).
type rawUpdate struct {
	UpdateType string          `json:"update_type"`
	Timestamp  int64           `json:"timestamp"`
	ChatID     int64           `json:"chat_id"`
	MessageID  string          `json:"message_id"`
	User       json.RawMessage `json:"user"`
	Message    *rawMessage     `json:"message"`
	Text       string          `json:"text"`
}

type rawMessage struct {
	MID       string          `json:"mid"`
	ID        string          `json:"id"`
	Timestamp int64           `json:"timestamp"`
	Sender    json.RawMessage `json:"sender"`
	Body      json.RawMessage `json:"body"`
	Recipient struct {
		ChatID int64 `json:"chat_id"`
	} `json:"recipient"`
	Link *MaxLinkedMessage `json:"link"`
}

func (c *BotClient) decodeUpdate(raw json.RawMessage) *MaxEvent {
	var u rawUpdate
	if err := json.Unmarshal(raw, &u); err != nil {
		c.log.Warn("failed to decode update", "error", err)
		return nil
	}

	evt := &MaxEvent{Timestamp: u.Timestamp, ChatID: u.ChatID}
	switch u.UpdateType {
	case "message_created", "message_chat_created":
		evt.Type = EventMessageCreated
	case "message_edited":
		evt.Type = EventMessageEdited
	case "message_removed", "message_deleted":
		evt.Type = EventMessageRemoved
	case "bot_started":
		evt.Type = EventBotStarted
	case "bot_added":
		evt.Type = EventBotAdded
	case "bot_removed":
		evt.Type = EventBotRemoved
	case "user_added":
		evt.Type = EventUserAdded
	case "user_removed":
		evt.Type = EventUserRemoved
	case "chat_title_changed":
		evt.Type = EventChatTitleChanged
	default:
		evt.Type = EventUnknown
	}

	if len(u.User) > 0 {
		evt.User = decodeUser(u.User)
	}

	if u.Message != nil {
		msg := decodeMessage(u.Message)
		evt.Message = msg
		if evt.ChatID == 0 {
			evt.ChatID = msg.ChatID()
		}
		evt.MessageID = msg.MessageID
	} else if u.MessageID != "" {
		evt.MessageID = u.MessageID
	}
	if u.Text != "" {
		evt.NewText = u.Text
	}
	return evt
}

func decodeUser(raw json.RawMessage) *MaxUser {
	// sender may be a plain integer or an object (spec §4.1 quirk).
	var id int64
	if err := json.Unmarshal(raw, &id); err == nil {
		return NewUserFromID(id)
	}
	var u MaxUser
	var obj struct {
		UserID int64  `json:"user_id"`
		Name   string `json:"name"`
		First  string `json:"first_name"`
		Last   string `json:"last_name"`
		Username string `json:"username"`
		AvatarURL string `json:"avatar_url"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil
	}
	u.UserID = obj.UserID
	u.Username = obj.Username
	u.AvatarURL = obj.AvatarURL
	if obj.Name != "" {
		u.Name = obj.Name
	} else {
		u.Name = strings.TrimSpace(obj.First + " " + obj.Last)
	}
	return &u
}

func decodeMessage(m *rawMessage) *MaxMessage {
	id := m.MID
	if id == "" {
		id = m.ID
	}
	msg := &MaxMessage{
		MessageID: id,
		Timestamp: m.Timestamp,
		Link:      m.Link,
	}
	msg.SetChatID(m.Recipient.ChatID)
	if len(m.Sender) > 0 {
		msg.Sender = decodeUser(m.Sender)
	}
	// Body is sometimes a dict {text, attachments}, sometimes a bare string.
	var asString string
	if err := json.Unmarshal(m.Body, &asString); err == nil {
		msg.BodyText = asString
		return msg
	}
	var body struct {
		Text        string          `json:"text"`
		Attachments []rawAttachment `json:"attachments"`
	}
	if err := json.Unmarshal(m.Body, &body); err == nil {
		msg.BodyText = body.Text
		for _, a := range body.Attachments {
			msg.BodyAttach = append(msg.BodyAttach, a.toAttachment())
		}
	}
	return msg
}

type rawAttachment struct {
	Type    string `json:"type"`
	Payload struct {
		URL      string `json:"url"`
		Token    string `json:"token"`
		Filename string `json:"filename"`
		MimeType string `json:"mime_type"`
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
		Photos struct {
			Original *MaxPhoto `json:"original"`
			Large    *MaxPhoto `json:"large"`
			Medium   *MaxPhoto `json:"medium"`
			Small    *MaxPhoto `json:"small"`
		} `json:"photos"`
	} `json:"payload"`
}

func (a *rawAttachment) toAttachment() *MaxAttachment {
	return &MaxAttachment{
		Type:      ParseAttachmentType(a.Type),
		URL:       a.Payload.URL,
		Filename:  a.Payload.Filename,
		MimeType:  a.Payload.MimeType,
		Original:  a.Payload.Photos.Original,
		Large:     a.Payload.Photos.Large,
		Medium:    a.Payload.Photos.Medium,
		Small:     a.Payload.Photos.Small,
		Latitude:  a.Payload.Latitude,
		Longitude: a.Payload.Longitude,
	}
}

// SendMessage issues POST /messages?chat_id=C.
func (c *BotClient) SendMessage(ctx context.Context, chatID int64, text string, replyTo string, attachments []*MaxAttachment) (*MaxMessage, error) {
	body := map[string]any{"text": text}
	if replyTo != "" {
		body["link"] = map[string]string{"type": "reply", "mid": replyTo}
	}
	if len(attachments) > 0 {
		payloads := make([]map[string]any, len(attachments))
		for i, a := range attachments {
			payloads[i] = a.WirePayload()
		}
		body["attachments"] = payloads
	}
	var resp struct {
		ID        string `json:"id"`
		MID       string `json:"mid"`
		Timestamp int64  `json:"timestamp"`
	}
	path := fmt.Sprintf("/messages?chat_id=%d", chatID)
	if err := c.request(ctx, http.MethodPost, path, body, &resp); err != nil {
		return nil, err
	}
	id := resp.ID
	if id == "" {
		id = resp.MID
	}
	msg := &MaxMessage{MessageID: id, Timestamp: resp.Timestamp, BodyText: text, BodyAttach: attachments}
	msg.SetChatID(chatID)
	return msg, nil
}

func (c *BotClient) EditMessage(ctx context.Context, messageID string, text string) error {
	path := fmt.Sprintf("/messages?message_id=%s", messageID)
	return c.request(ctx, http.MethodPut, path, map[string]any{"text": text}, nil)
}

func (c *BotClient) DeleteMessage(ctx context.Context, messageID string) error {
	path := fmt.Sprintf("/messages?message_id=%s", messageID)
	return c.request(ctx, http.MethodDelete, path, nil, nil)
}

func (c *BotClient) GetChat(ctx context.Context, chatID int64) (*MaxChat, error) {
	var resp struct {
		ChatID       int64          `json:"chat_id"`
		Type         string         `json:"type"`
		Title        string         `json:"title"`
		Participants map[string]int64 `json:"participants"`
	}
	path := fmt.Sprintf("/chats/%d", chatID)
	if err := c.request(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	chat := &MaxChat{ChatID: resp.ChatID, Type: ParseChatType(resp.Type), Title: resp.Title}
	chat.Participants = make(map[int64]int64, len(resp.Participants))
	for k, v := range resp.Participants {
		id, _ := strconv.ParseInt(k, 10, 64)
		chat.Participants[id] = v
	}
	return chat, nil
}

func (c *BotClient) GetChatMembers(ctx context.Context, chatID int64) ([]*MaxUser, error) {
	var resp struct {
		Members []MaxUser `json:"members"`
	}
	path := fmt.Sprintf("/chats/%d/members", chatID)
	if err := c.request(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	out := make([]*MaxUser, len(resp.Members))
	for i := range resp.Members {
		out[i] = &resp.Members[i]
	}
	return out, nil
}

// GetUserInfo has no dedicated bot-API endpoint upstream; per spec §9 Open
// Question, preserve the original's stub behavior rather than synthesizing
// richer data.
func (c *BotClient) GetUserInfo(ctx context.Context, userID int64) (*MaxUser, error) {
	return NewUserFromID(userID), nil
}

// DownloadMedia fetches raw bytes from a Max-hosted URL (no auth header
// required; upload URLs are pre-signed).
func (c *BotClient) DownloadMedia(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, &APIError{Status: resp.StatusCode}
	}
	return io.ReadAll(resp.Body)
}

// UploadMedia is the two-step dance described in spec §4.2: first obtain an
// upload URL for the classified attachment type, then multipart-POST the
// bytes to it. The returned token is what goes into the outbound attachment
// descriptor.
func (c *BotClient) UploadMedia(ctx context.Context, data []byte, filename, mimeType string) (string, error) {
	uploadType := classifyUploadType(mimeType)

	var urlResp struct {
		URL string `json:"url"`
	}
	path := fmt.Sprintf("/uploads?type=%s", uploadType)
	if err := c.request(ctx, http.MethodPost, path, nil, &urlResp); err != nil {
		return "", fmt.Errorf("request upload url: %w", err)
	}

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

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, urlResp.URL, &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload media: %w", err)
	}
	defer resp.Body.Close()

	var tokResp struct {
		Token string          `json:"token"`
		Photos json.RawMessage `json:"photos"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokResp); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	return tokResp.Token, nil
}

func classifyUploadType(mimeType string) string {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return "photo"
	case strings.HasPrefix(mimeType, "video/"):
		return "video"
	case strings.HasPrefix(mimeType, "audio/"):
		return "audio"
	default:
		return "file"
	}
}

// AddReaction and MarkAsRead have no bot-API endpoint; spec §4.2 requires
// them to be no-ops logged at debug level.
func (c *BotClient) AddReaction(ctx context.Context, chatID int64, messageID, emoji string) error {
	c.log.Debug("add_reaction is unsupported on the bot client", "chat_id", chatID, "message_id", messageID)
	return nil
}

func (c *BotClient) MarkAsRead(ctx context.Context, chatID int64, messageID string) error {
	c.log.Debug("mark_as_read is unsupported on the bot client", "chat_id", chatID, "message_id", messageID)
	return nil
}

// request performs an HTTP call against the bot REST API with the error
// mapping required by spec §4.2: 401→AuthError, 404→NotFoundError,
// 429→RateLimitError (honoring Retry-After), ≥400→APIError.
func (c *BotClient) request(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.apiURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	switch resp.StatusCode {
	case 200, 201, 204:
		if out != nil && len(data) > 0 {
			if err := json.Unmarshal(data, out); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
		}
		return nil
	case 401:
		return &AuthError{Message: string(data)}
	case 404:
		return &NotFoundError{Resource: path}
	case 429:
		retryAfter := 5
		if h := resp.Header.Get("Retry-After"); h != "" {
			if v, err := strconv.Atoi(h); err == nil {
				retryAfter = v
			}
		}
		return &RateLimitError{RetryAfter: retryAfter}
	default:
		return &APIError{Status: resp.StatusCode, Body: string(data)}
	}
}
