// Package max contains the wire-level data model and client implementations
// for the Max Messenger bot and user APIs.
package max

import (
	"strconv"
	"strings"
)

// ChatType identifies the kind of Max chat a message or event belongs to.
type ChatType int

const (
	ChatUnknown ChatType = iota
	ChatDialog
	ChatGroup
	ChatChannel
)

func (t ChatType) String() string {
	switch t {
	case ChatDialog:
		return "dialog"
	case ChatGroup:
		return "group"
	case ChatChannel:
		return "channel"
	default:
		return "unknown"
	}
}

func ParseChatType(s string) ChatType {
	switch s {
	case "dialog":
		return ChatDialog
	case "group":
		return ChatGroup
	case "channel":
		return ChatChannel
	default:
		return ChatUnknown
	}
}

// AttachmentType is the kind of media or structured payload carried by a
// MaxMessage. "photo" and "image" are aliases upstream: the bot API calls it
// "image", the user API calls it "photo". Converters accept either string
// when parsing and normalize to AttachmentPhoto.
type AttachmentType int

const (
	AttachmentUnknown AttachmentType = iota
	AttachmentPhoto
	AttachmentFile
	AttachmentSticker
	AttachmentVideo
	AttachmentVoice
	AttachmentAudio
	AttachmentContact
	AttachmentLocation
)

func ParseAttachmentType(s string) AttachmentType {
	switch s {
	case "photo", "image":
		return AttachmentPhoto
	case "file":
		return AttachmentFile
	case "sticker":
		return AttachmentSticker
	case "video":
		return AttachmentVideo
	case "voice":
		return AttachmentVoice
	case "audio":
		return AttachmentAudio
	case "contact":
		return AttachmentContact
	case "location":
		return AttachmentLocation
	default:
		return AttachmentUnknown
	}
}

// AttachmentTypeFromMIME classifies an outgoing attachment by MIME prefix,
// the same way the bot API's upload endpoint expects ("photo"/"video"/
// "audio"/"file"), rather than trying to match the full MIME string.
func AttachmentTypeFromMIME(mime string) AttachmentType {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return AttachmentPhoto
	case strings.HasPrefix(mime, "video/"):
		return AttachmentVideo
	case strings.HasPrefix(mime, "audio/"):
		return AttachmentAudio
	default:
		return AttachmentFile
	}
}

func (t AttachmentType) String() string {
	switch t {
	case AttachmentPhoto:
		return "photo"
	case AttachmentFile:
		return "file"
	case AttachmentSticker:
		return "sticker"
	case AttachmentVideo:
		return "video"
	case AttachmentVoice:
		return "voice"
	case AttachmentAudio:
		return "audio"
	case AttachmentContact:
		return "contact"
	case AttachmentLocation:
		return "location"
	default:
		return "unknown"
	}
}

func (t AttachmentType) IsPhoto() bool { return t == AttachmentPhoto }

// EventType is the normalized shape every Max event is decoded into,
// regardless of which client (bot or user) produced it.
type EventType int

const (
	EventUnknown EventType = iota
	EventMessageCreated
	EventMessageEdited
	EventMessageRemoved
	EventMessageCallback
	EventBotStarted
	EventBotAdded
	EventBotRemoved
	EventUserAdded
	EventUserRemoved
	EventChatTitleChanged
)

// MaxUser is a Max account, either the full profile or a synthesized stub
// built from a bare integer sender id.
type MaxUser struct {
	UserID    int64
	Name      string
	Username  string
	AvatarURL string
}

// DisplayName mirrors the original's display_name property: prefer the full
// name, fall back to username, fall back to the numeric id.
func (u *MaxUser) DisplayName() string {
	if u == nil {
		return ""
	}
	if u.Name != "" {
		return u.Name
	}
	if u.Username != "" {
		return u.Username
	}
	return strconv.FormatInt(u.UserID, 10)
}

// NewUserFromID synthesizes a MaxUser when the wire only supplies a bare
// integer sender id (spec §4.1 event decoding quirk).
func NewUserFromID(id int64) *MaxUser {
	return &MaxUser{UserID: id, Name: strconv.FormatInt(id, 10)}
}

// MaxPhoto is a single rendition of an image attachment.
type MaxPhoto struct {
	URL   string
	Width int
	Height int
}

// MaxAttachment is a single attachment on a MaxMessage.
type MaxAttachment struct {
	Type     AttachmentType
	URL      string
	Filename string
	MimeType string

	// Photo renditions, most specific first; BestPhotoURL walks this list.
	Original *MaxPhoto
	Large    *MaxPhoto
	Medium   *MaxPhoto
	Small    *MaxPhoto
	First    *MaxPhoto

	Latitude  float64
	Longitude float64
}

// BestPhotoURL implements the exact fallback order required by spec §4.1:
// original, large, medium, small, first available, else the bare url field.
func (a *MaxAttachment) BestPhotoURL() string {
	if a == nil {
		return ""
	}
	for _, p := range []*MaxPhoto{a.Original, a.Large, a.Medium, a.Small, a.First} {
		if p != nil && p.URL != "" {
			return p.URL
		}
	}
	return a.URL
}

// WirePayload builds the outgoing attachment envelope sent in a message's
// "attachments" array: {"type": ..., "payload": {"token": <upload token>}}.
// The token is whatever the upload endpoint returned, stashed in URL.
func (a *MaxAttachment) WirePayload() map[string]any {
	return map[string]any{
		"type": a.Type.String(),
		"payload": map[string]any{
			"token": a.URL,
		},
	}
}

// MaxLinkedMessage describes the link field on an outbound or inbound
// message: a reply or a forward of another message id.
type MaxLinkedMessage struct {
	Type string // "reply" or "forward"
	MID  string
}

// MaxMessage is a normalized Max message, bot- and user-API shapes unified.
type MaxMessage struct {
	MessageID   string
	Timestamp   int64
	Sender      *MaxUser
	BodyText    string
	BodyAttach  []*MaxAttachment
	Link        *MaxLinkedMessage
	recipientID int64
}

func (m *MaxMessage) Text() string { return m.BodyText }

func (m *MaxMessage) Attachments() []*MaxAttachment { return m.BodyAttach }

func (m *MaxMessage) ChatID() int64 { return m.recipientID }

func (m *MaxMessage) SetChatID(id int64) { m.recipientID = id }

// ReplyTo returns the linked message id when Link.Type == "reply", else "".
func (m *MaxMessage) ReplyTo() string {
	if m.Link != nil && m.Link.Type == "reply" {
		return m.Link.MID
	}
	return ""
}

// MaxChat is a chat/dialog/group/channel as returned by get_chat or embedded
// in a chat-sync listing.
type MaxChat struct {
	ChatID       int64
	Type         ChatType
	Title        string
	Participants map[int64]int64 // userID -> last-read timestamp

	// DialogWithUser is populated only for ChatDialog chats, synthesized by
	// the user session's chat-sync pass from the participants/contacts maps.
	DialogWithUser *MaxUser
}

// DisplayTitle mirrors the original's display_title property: use the
// explicit title if set, else the dialog peer's display name.
func (c *MaxChat) DisplayTitle() string {
	if c.Title != "" {
		return c.Title
	}
	if c.DialogWithUser != nil {
		return c.DialogWithUser.DisplayName()
	}
	return ""
}

// ReactionPayload carries the emoji and sender of a reaction add/remove
// event.
type ReactionPayload struct {
	Emoji  string
	Sender int64
}

// MaxEvent is the normalized event shape both clients emit; downstream code
// never branches on which client produced it (spec §4.1).
type MaxEvent struct {
	Type      EventType
	ChatID    int64
	Message   *MaxMessage
	User      *MaxUser
	MessageID string // standalone message id for edits/deletes without a body
	NewText   string
	Reaction  *ReactionPayload
	Timestamp int64
}
