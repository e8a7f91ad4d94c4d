package max

import "context"

// EventHandler receives normalized events from either client implementation.
type EventHandler func(ctx context.Context, event *MaxEvent)

// Client is the capability contract both the bot client and the user client
// satisfy. Callers dispatch through this interface and never branch on which
// concrete implementation is in play (spec §9 design note: "model as a
// sealed variant {Bot, User} with a dispatch trait/interface").
//
// Operations the underlying mode doesn't support (AddReaction/MarkAsRead on
// the bot client) are no-ops the caller tolerates, not errors.
type Client interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool

	SendMessage(ctx context.Context, chatID int64, text string, replyTo string, attachments []*MaxAttachment) (*MaxMessage, error)
	EditMessage(ctx context.Context, messageID string, text string) error
	DeleteMessage(ctx context.Context, messageID string) error

	GetChat(ctx context.Context, chatID int64) (*MaxChat, error)
	GetChatMembers(ctx context.Context, chatID int64) ([]*MaxUser, error)
	GetUserInfo(ctx context.Context, userID int64) (*MaxUser, error)

	DownloadMedia(ctx context.Context, url string) ([]byte, error)
	UploadMedia(ctx context.Context, data []byte, filename, mimeType string) (string, error)

	AddReaction(ctx context.Context, chatID int64, messageID, emoji string) error
	MarkAsRead(ctx context.Context, chatID int64, messageID string) error

	// Me returns the connected account's own identity once known, nil before
	// that (populated by INIT_SESSION/LOGIN_BY_TOKEN or bot GET /me).
	Me() *MaxUser

	// SetEventHandler installs the callback invoked for every decoded event.
	// Must be called before Connect.
	SetEventHandler(h EventHandler)
}
