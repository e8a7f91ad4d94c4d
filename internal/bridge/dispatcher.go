package bridge

import (
	"context"
	"log/slog"

	"go.mau.fi/mautrix-max/internal/message"
)

// MatrixEvent represents an incoming Matrix event received via the AS API.
type MatrixEvent struct {
	ID        string
	Type      string // e.g. "m.room.message", "m.room.redaction", "m.reaction"
	RoomID    string
	Sender    string
	Content   map[string]interface{}
	Timestamp int64
	Unsigned  map[string]interface{} // unsigned data (e.g. redacts field)
}

// Dispatcher routes incoming Matrix events to the portal and user session
// that own the room, and hands outgoing attachment transfers to the
// Matrix intent. It replaces a monolithic event router with the
// Portal/UserSession split: a room's traffic is driven by whichever Matrix
// user's session first created it (Portal.RelayUserID).
type Dispatcher struct {
	log      *slog.Logger
	portals  *PortalManager
	sessions *UserSessionManager
	puppets  *PuppetManager
	intent   MatrixClient
}

// NewDispatcher creates a new Dispatcher.
func NewDispatcher(portals *PortalManager, sessions *UserSessionManager, puppets *PuppetManager, intent MatrixClient, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		log:      log,
		portals:  portals,
		sessions: sessions,
		puppets:  puppets,
		intent:   intent,
	}
}

// HandleMatrixEvent processes an incoming Matrix event and forwards it to
// the owning Max session.
func (d *Dispatcher) HandleMatrixEvent(ctx context.Context, evt *MatrixEvent) error {
	// Ignore events from our own puppet ghosts (echo prevention).
	if d.puppets.IsPuppet(evt.Sender) {
		return nil
	}

	portal, err := d.portals.GetByMXID(ctx, evt.RoomID)
	if err != nil {
		return err
	}
	if portal == nil {
		d.log.Debug("ignoring event in unmapped room", "room_id", evt.RoomID)
		return nil
	}
	if portal.RelayUserID == "" {
		d.log.Debug("portal has no owning session, dropping event", "room_id", evt.RoomID)
		return nil
	}

	session, err := d.sessions.GetByMXID(ctx, portal.RelayUserID)
	if err != nil {
		return err
	}
	client := session.Client()

	switch evt.Type {
	case "m.room.message":
		return d.portals.HandleMatrixMessage(ctx, portal, client, d.downloadMedia, d.matrixMessageEvent(evt))
	case "m.room.redaction":
		redactedEventID := firstString(evt.Content["redacts"], evt.Unsigned["redacts"])
		if redactedEventID == "" {
			return nil
		}
		// Try the reaction-redaction path first; it no-ops if the event
		// being redacted isn't a tracked reaction.
		if err := d.portals.HandleMatrixReactionRedaction(ctx, portal, client, redactedEventID); err != nil {
			d.log.Error("failed to handle matrix reaction redaction", "error", err)
		}
		return d.portals.HandleMatrixRedaction(ctx, client, redactedEventID)
	case "m.reaction":
		return d.handleReaction(ctx, portal, session, evt)
	default:
		d.log.Debug("ignoring unsupported matrix event type", "type", evt.Type)
		return nil
	}
}

func (d *Dispatcher) downloadMedia(ctx context.Context, mxcURI string) ([]byte, string, error) {
	data, err := d.intent.DownloadMedia(ctx, mxcURI)
	return data, "", err
}

func (d *Dispatcher) matrixMessageEvent(evt *MatrixEvent) *MatrixMessageEvent {
	content := evt.Content

	mme := &MatrixMessageEvent{
		EventID: evt.ID,
		Sender:  evt.Sender,
		Content: matrixContentFromJSON(content),
	}

	if relatesTo, ok := content["m.relates_to"].(map[string]interface{}); ok {
		if relType, _ := relatesTo["rel_type"].(string); relType == "m.replace" {
			mme.ReplaceEventID, _ = relatesTo["event_id"].(string)
			if newContent, ok := content["m.new_content"].(map[string]interface{}); ok {
				mme.NewBody, _ = newContent["body"].(string)
			}
		}
		if inReplyTo, ok := relatesTo["m.in_reply_to"].(map[string]interface{}); ok {
			mme.ReplyToEventID, _ = inReplyTo["event_id"].(string)
		}
	}

	return mme
}

func matrixContentFromJSON(content map[string]interface{}) *message.MatrixContent {
	mc := &message.MatrixContent{}
	mc.MsgType, _ = content["msgtype"].(string)
	mc.Body, _ = content["body"].(string)
	mc.FormattedBody, _ = content["formatted_body"].(string)
	mc.Format, _ = content["format"].(string)
	mc.URL, _ = content["url"].(string)
	mc.GeoURI, _ = content["geo_uri"].(string)
	if info, ok := content["info"].(map[string]interface{}); ok {
		mc.MimeType, _ = info["mimetype"].(string)
	}
	return mc
}

func (d *Dispatcher) handleReaction(ctx context.Context, portal *Portal, session *UserSession, evt *MatrixEvent) error {
	relatesTo, ok := evt.Content["m.relates_to"].(map[string]interface{})
	if !ok {
		return nil
	}
	targetEventID, _ := relatesTo["event_id"].(string)
	emoji, _ := relatesTo["key"].(string)
	if targetEventID == "" || emoji == "" {
		return nil
	}

	return d.portals.HandleMatrixReaction(ctx, portal, session.Client(), evt.ID, targetEventID, emoji, evt.Sender, session.MaxUserID)
}

func firstString(values ...interface{}) string {
	for _, v := range values {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return ""
}
