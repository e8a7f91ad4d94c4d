package bridge

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"go.mau.fi/mautrix-max/internal/database"
	"go.mau.fi/mautrix-max/pkg/max"
)

// PuppetManager creates and manages Matrix puppet users that represent Max
// Messenger contacts. Each Max user is mapped to a virtual Matrix user like
// @max_123456:domain.
type PuppetManager struct {
	mu       sync.RWMutex
	puppets  map[int64]*Puppet // keyed by Max user id
	domain   string
	template string // username template, e.g. "max_{userid}"
	dnTempl  string // display name template
	db       *database.PuppetStore
	intent   MatrixClient // bot intent for creating puppet users
	log      *slog.Logger
}

// Puppet represents a virtual Matrix user standing in for a Max contact.
type Puppet struct {
	MaxUserID    int64
	MatrixUserID string
	Name         string
	Username     string
	AvatarURL    string
	AvatarMXC    string
	NameSet      bool
	AvatarSet    bool
	IsRegistered bool
}

// MatrixClient abstracts Matrix homeserver operations needed by the bridge.
// The real implementation wraps the mautrix-go client.
type MatrixClient interface {
	EnsureRegistered(ctx context.Context, userID string) error
	SetDisplayName(ctx context.Context, userID, name string) error
	SetAvatarURL(ctx context.Context, userID, mxcURI string) error
	UploadMedia(ctx context.Context, data []byte, mimeType, fileName string) (string, error)
	DownloadMedia(ctx context.Context, mxcURI string) ([]byte, error)
	SendMessage(ctx context.Context, roomID, senderUserID string, content interface{}) (string, error)
	SendMessageWithTimestamp(ctx context.Context, roomID, senderUserID string, content interface{}, timestamp int64) (string, error)
	CreateRoom(ctx context.Context, req *CreateRoomRequest) (string, error)
	JoinRoom(ctx context.Context, userID, roomID string) error
	LeaveRoom(ctx context.Context, userID, roomID string) error
	InviteToRoom(ctx context.Context, roomID, userID string) error
	KickFromRoom(ctx context.Context, roomID, userID, reason string) error
	RedactEvent(ctx context.Context, roomID, eventID, reason string) error
	SendStateEvent(ctx context.Context, roomID, eventType, stateKey string, content interface{}) error
	SetRoomName(ctx context.Context, roomID, name string) error
	SetRoomAvatar(ctx context.Context, roomID, mxcURI string) error
	SetRoomTopic(ctx context.Context, roomID, topic string) error
	SetTyping(ctx context.Context, roomID, userID string, typing bool, timeoutMs int) error
	SetPresence(ctx context.Context, userID string, online bool) error
	SendReadReceipt(ctx context.Context, roomID, eventID, userID string) error
}

// CreateRoomRequest describes a room to be created.
type CreateRoomRequest struct {
	Name        string
	Topic       string
	IsDirect    bool
	Invite      []string
	AvatarMXC   string
	IsEncrypted bool
}

// NewPuppetManager creates a new PuppetManager.
func NewPuppetManager(domain, usernameTemplate, displaynameTemplate string, db *database.PuppetStore, intent MatrixClient, log *slog.Logger) *PuppetManager {
	return &PuppetManager{
		puppets:  make(map[int64]*Puppet),
		domain:   domain,
		template: usernameTemplate,
		dnTempl:  displaynameTemplate,
		db:       db,
		intent:   intent,
		log:      log,
	}
}

func puppetFromRow(row *database.Puppet, matrixID string) *Puppet {
	return &Puppet{
		MaxUserID:    row.MaxUserID,
		MatrixUserID: matrixID,
		Name:         row.Name.String,
		Username:     row.Username.String,
		AvatarMXC:    row.AvatarMXC.String,
		NameSet:      row.NameSet,
		AvatarSet:    row.AvatarSet,
		IsRegistered: row.IsRegistered,
	}
}

// GetOrCreate returns the cached puppet for a Max user, loading it from the
// database or creating a fresh row if this is the first sighting.
// Registration with the homeserver is lazy and only happens here, on first
// use, not at puppet-struct-creation time.
func (pm *PuppetManager) GetOrCreate(ctx context.Context, user *max.MaxUser) (*Puppet, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if p, ok := pm.puppets[user.UserID]; ok {
		return p, nil
	}

	matrixUserID := pm.maxIDToMatrixID(user.UserID)

	row, err := pm.db.GetByMaxUserID(ctx, user.UserID)
	if err != nil {
		return nil, fmt.Errorf("query puppet from db: %w", err)
	}
	if row != nil {
		p := puppetFromRow(row, matrixUserID)
		pm.puppets[user.UserID] = p
		return p, nil
	}

	p := &Puppet{
		MaxUserID:    user.UserID,
		MatrixUserID: matrixUserID,
		Name:         user.Name,
		Username:     user.Username,
		AvatarURL:    user.AvatarURL,
	}

	if err := pm.ensureRegistered(ctx, p); err != nil {
		return nil, err
	}

	if err := pm.persist(ctx, p); err != nil {
		return nil, err
	}

	pm.puppets[user.UserID] = p
	return p, nil
}

func (pm *PuppetManager) ensureRegistered(ctx context.Context, p *Puppet) error {
	if p.IsRegistered {
		return nil
	}
	if err := pm.intent.EnsureRegistered(ctx, p.MatrixUserID); err != nil {
		return fmt.Errorf("register puppet %s: %w", p.MatrixUserID, err)
	}
	p.IsRegistered = true
	return nil
}

// UpdateInfo diffs the cached name/username against the incoming record and
// issues a display-name set and/or avatar upload+set only when something
// changed, persisting the name_set/avatar_set flags so later calls don't
// re-upload an unchanged avatar. Avatar fetch failures are logged and leave
// avatar_set false, making the avatar eligible for retry on the next sighting.
func (pm *PuppetManager) UpdateInfo(ctx context.Context, user *max.MaxUser, downloadAvatar func(ctx context.Context, url string) ([]byte, string, error)) error {
	p, err := pm.GetOrCreate(ctx, user)
	if err != nil {
		return err
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()

	if err := pm.ensureRegistered(ctx, p); err != nil {
		return err
	}

	changed := false

	displayName := pm.formatDisplayName(user)
	if !p.NameSet || p.Name != user.Name || p.Username != user.Username {
		if err := pm.intent.SetDisplayName(ctx, p.MatrixUserID, displayName); err != nil {
			return fmt.Errorf("update puppet display name: %w", err)
		}
		p.Name = user.Name
		p.Username = user.Username
		p.NameSet = true
		changed = true
	}

	if user.AvatarURL != "" && (!p.AvatarSet || p.AvatarURL != user.AvatarURL) {
		p.AvatarURL = user.AvatarURL
		if downloadAvatar != nil {
			data, mime, err := downloadAvatar(ctx, user.AvatarURL)
			if err != nil {
				pm.log.Warn("failed to download puppet avatar", "max_user_id", user.UserID, "error", err)
			} else {
				mxc, err := pm.intent.UploadMedia(ctx, data, mime, "avatar")
				if err != nil {
					pm.log.Warn("failed to upload puppet avatar", "max_user_id", user.UserID, "error", err)
				} else if err := pm.intent.SetAvatarURL(ctx, p.MatrixUserID, mxc); err != nil {
					pm.log.Warn("failed to set puppet avatar", "max_user_id", user.UserID, "error", err)
				} else {
					p.AvatarMXC = mxc
					p.AvatarSet = true
					changed = true
				}
			}
		}
	}

	if changed {
		if err := pm.persist(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func (pm *PuppetManager) persist(ctx context.Context, p *Puppet) error {
	row := &database.Puppet{
		MaxUserID:    p.MaxUserID,
		Name:         nullString(p.Name),
		Username:     nullString(p.Username),
		AvatarMXC:    nullString(p.AvatarMXC),
		NameSet:      p.NameSet,
		AvatarSet:    p.AvatarSet,
		IsRegistered: p.IsRegistered,
	}
	if err := pm.db.Upsert(ctx, row); err != nil {
		return fmt.Errorf("save puppet to db: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// GetByMaxUserID returns a puppet by Max user id, loading it from the
// database if it is not already cached. Returns nil, nil if no such puppet
// has ever been seen.
func (pm *PuppetManager) GetByMaxUserID(ctx context.Context, maxUserID int64) (*Puppet, error) {
	pm.mu.RLock()
	if p, ok := pm.puppets[maxUserID]; ok {
		pm.mu.RUnlock()
		return p, nil
	}
	pm.mu.RUnlock()

	row, err := pm.db.GetByMaxUserID(ctx, maxUserID)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, nil
	}

	p := puppetFromRow(row, pm.maxIDToMatrixID(maxUserID))

	pm.mu.Lock()
	pm.puppets[maxUserID] = p
	pm.mu.Unlock()

	return p, nil
}

// FindByUsername scans the in-memory puppet cache for a Max username. This
// is a best-effort lookup used only by the optional mention-resolution
// enrichment — it does not fall back to the database, so a puppet that has
// never been seen this run won't resolve.
func (pm *PuppetManager) FindByUsername(username string) *Puppet {
	if username == "" {
		return nil
	}
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	for _, p := range pm.puppets {
		if p.Username == username {
			return p
		}
	}
	return nil
}

// GetByMatrixID returns a puppet by Matrix user ID, or nil if matrixID does
// not belong to the puppet namespace.
func (pm *PuppetManager) GetByMatrixID(ctx context.Context, matrixID string) (*Puppet, error) {
	maxUserID, ok := pm.matrixIDToMaxID(matrixID)
	if !ok {
		return nil, nil
	}
	return pm.GetByMaxUserID(ctx, maxUserID)
}

// maxIDToMatrixID converts a Max user id to a Matrix user id using the
// configured username template (which must contain the literal {userid}
// placeholder).
func (pm *PuppetManager) maxIDToMatrixID(maxUserID int64) string {
	localpart := strings.ReplaceAll(pm.template, "{userid}", strconv.FormatInt(maxUserID, 10))
	return fmt.Sprintf("@%s:%s", localpart, pm.domain)
}

// matrixIDToMaxID extracts a Max user id from a puppet's Matrix user ID.
func (pm *PuppetManager) matrixIDToMaxID(matrixID string) (int64, bool) {
	prefix := "@" + strings.ReplaceAll(pm.template, "{userid}", "")
	suffix := ":" + pm.domain

	if !strings.HasPrefix(matrixID, prefix) || !strings.HasSuffix(matrixID, suffix) {
		return 0, false
	}

	idStr := matrixID[len(prefix) : len(matrixID)-len(suffix)]
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// formatDisplayName formats a puppet's display name using the configured
// template, substituting the literal {displayname}, {username}, and {id}
// tokens.
func (pm *PuppetManager) formatDisplayName(user *max.MaxUser) string {
	name := pm.dnTempl
	name = strings.ReplaceAll(name, "{displayname}", user.DisplayName())
	name = strings.ReplaceAll(name, "{username}", user.Username)
	name = strings.ReplaceAll(name, "{id}", strconv.FormatInt(user.UserID, 10))
	return name
}

// IsPuppet returns true if the Matrix user ID corresponds to a puppet user
// — used by the echo guard to drop Matrix events sent by the bridge's own
// ghosts.
func (pm *PuppetManager) IsPuppet(matrixID string) bool {
	_, ok := pm.matrixIDToMaxID(matrixID)
	return ok
}
