package max

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestUserClient() *UserClient {
	return NewUserClient("wss://ws.example.com", "https://api.example.com", "", "device-1", slog.Default())
}

func TestUserClient_Connect_NoTokenReturnsAuthError(t *testing.T) {
	c := newTestUserClient()
	err := c.Connect(context.Background())
	if _, ok := err.(*AuthError); !ok {
		t.Fatalf("Connect() error = %v, want *AuthError", err)
	}
}

func TestUserClient_Chats_NilBeforeLogin(t *testing.T) {
	c := newTestUserClient()
	if chats := c.Chats(); chats != nil {
		t.Errorf("expected nil chats before login, got %v", chats)
	}
}

func TestUserClient_Contacts_NilBeforeLogin(t *testing.T) {
	c := newTestUserClient()
	if contacts := c.Contacts(); contacts != nil {
		t.Errorf("expected nil contacts before login, got %v", contacts)
	}
}

func TestSessionDescriptor(t *testing.T) {
	d := sessionDescriptor("device-42")
	if d["deviceId"] != "device-42" || d["deviceType"] != "WEB" {
		t.Errorf("unexpected session descriptor: %+v", d)
	}
}

func TestDecodeContactsMap_ObjectShape(t *testing.T) {
	raw := json.RawMessage(`{"1":{"user_id":1,"name":"Alice"},"2":{"user_id":2,"name":"Bob"}}`)
	m := decodeContactsMap(raw)
	if len(m) != 2 || m[1].Name != "Alice" || m[2].Name != "Bob" {
		t.Fatalf("unexpected contacts map: %+v", m)
	}
}

func TestDecodeContactsMap_ArrayShape(t *testing.T) {
	raw := json.RawMessage(`[{"user_id":1,"name":"Alice"},{"user_id":2,"name":"Bob"}]`)
	m := decodeContactsMap(raw)
	if len(m) != 2 || m[1].Name != "Alice" {
		t.Fatalf("unexpected contacts map: %+v", m)
	}
}

func TestDecodeContactsMap_Empty(t *testing.T) {
	if m := decodeContactsMap(nil); len(m) != 0 {
		t.Errorf("expected empty map, got %+v", m)
	}
}

func TestMessageIDOf_PrefersMIDThenIDThenMessageID(t *testing.T) {
	tests := []struct {
		name string
		m    rawUserMessage
		want string
	}{
		{"mid wins", rawUserMessage{MID: "mid", ID: "id", MessageID: "msgid"}, "mid"},
		{"falls back to id", rawUserMessage{ID: "id", MessageID: "msgid"}, "id"},
		{"falls back to messageId", rawUserMessage{MessageID: "msgid"}, "msgid"},
		{"all empty", rawUserMessage{}, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := messageIDOf(tc.m); got != tc.want {
				t.Errorf("messageIDOf() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestDecodeUserBody_PlainString(t *testing.T) {
	text, atts := decodeUserBody(json.RawMessage(`"hi there"`), "fallback")
	if text != "hi there" || atts != nil {
		t.Fatalf("unexpected decode: text=%q atts=%v", text, atts)
	}
}

func TestDecodeUserBody_EmptyRawUsesFallback(t *testing.T) {
	text, _ := decodeUserBody(nil, "fallback text")
	if text != "fallback text" {
		t.Errorf("text = %q, want fallback", text)
	}
}

func TestDecodeUserBody_StructuredWithAttachments(t *testing.T) {
	raw := json.RawMessage(`{"text":"caption","attachments":[{"type":"video","payload":{"url":"https://example.com/v.mp4"}}]}`)
	text, atts := decodeUserBody(raw, "fallback")
	if text != "caption" || len(atts) != 1 || atts[0].Type != AttachmentVideo {
		t.Fatalf("unexpected decode: text=%q atts=%+v", text, atts)
	}
}

func TestUserClient_DecodeIncomingMessage(t *testing.T) {
	c := newTestUserClient()
	payload := json.RawMessage(`{"chatId":10,"message":{"mid":"m1","timestamp":500,"text":"hello"}}`)

	evt := c.decodeIncomingMessage(payload)
	if evt == nil || evt.Type != EventMessageCreated || evt.ChatID != 10 || evt.Message.MessageID != "m1" {
		t.Fatalf("unexpected event: %+v", evt)
	}
}

func TestUserClient_DecodeIncomingMessage_ChatIDFallsBackToSnakeCaseThenNested(t *testing.T) {
	c := newTestUserClient()
	payload := json.RawMessage(`{"chat_id":20,"message":{"mid":"m2","text":"hi"}}`)

	evt := c.decodeIncomingMessage(payload)
	if evt == nil || evt.ChatID != 20 {
		t.Fatalf("expected chat_id fallback, got %+v", evt)
	}

	nested := c.decodeIncomingMessage(json.RawMessage(`{"message":{"mid":"m3","chatId":30,"text":"hi"}}`))
	if nested == nil || nested.ChatID != 30 {
		t.Fatalf("expected nested chatId fallback, got %+v", nested)
	}
}

func TestUserClient_DecodeIncomingEdit(t *testing.T) {
	c := newTestUserClient()
	payload := json.RawMessage(`{"chatId":5,"messageId":"m5","text":"updated"}`)

	evt := c.decodeIncomingEdit(payload)
	if evt == nil || evt.Type != EventMessageEdited || evt.MessageID != "m5" || evt.NewText != "updated" {
		t.Fatalf("unexpected event: %+v", evt)
	}
}

func TestUserClient_UploadMedia_UsesRESTEndpointWithBearerToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path == "/uploads" {
			gotAuth = r.Header.Get("Authorization")
			json.NewEncoder(w).Encode(map[string]string{"url": "http://" + r.Host + "/upload-target"})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"token": "uploaded-tok"})
	}))
	defer srv.Close()

	c := NewUserClient("wss://ws.example.com", srv.URL, "session-token", "device-1", slog.Default())

	token, err := c.UploadMedia(context.Background(), []byte("data"), "pic.png", "image/png")
	if err != nil {
		t.Fatalf("UploadMedia() error = %v", err)
	}
	if token != "uploaded-tok" {
		t.Errorf("token = %q, want uploaded-tok", token)
	}
	if gotAuth != "Bearer session-token" {
		t.Errorf("Authorization header = %q, want Bearer session-token", gotAuth)
	}
}

func TestUserClient_DecodeIncomingDelete(t *testing.T) {
	c := newTestUserClient()
	payload := json.RawMessage(`{"chatId":5,"mid":"m6"}`)

	evt := c.decodeIncomingDelete(payload)
	if evt == nil || evt.Type != EventMessageRemoved || evt.MessageID != "m6" {
		t.Fatalf("unexpected event: %+v", evt)
	}
}
