// Package message converts between Matrix event content and Max Messenger
// message/attachment payloads (C4).
package message

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.mau.fi/mautrix-max/pkg/max"
)

// Downloader fetches the bytes behind a Matrix mxc:// URI.
type Downloader func(ctx context.Context, mxcURI string) (data []byte, mimeType string, err error)

// Uploader uploads bytes to Matrix and returns an mxc:// URI.
type Uploader func(ctx context.Context, data []byte, mimeType, filename string) (mxcURI string, err error)

// MaxUploader uploads bytes to Max and returns an upload token/URL to embed
// in the outgoing attachment.
type MaxUploader func(ctx context.Context, data []byte, mimeType, filename string) (token string, err error)

// MatrixContent is the subset of Matrix message event content this package
// reads and writes.
type MatrixContent struct {
	MsgType       string // "m.text", "m.notice", "m.emote", "m.location", "m.image", "m.file", "m.video", "m.audio"
	Body          string
	FormattedBody string
	Format        string // "org.matrix.custom.html" when FormattedBody is set
	URL           string // mxc:// URI for media messages
	MimeType      string
	GeoURI        string
}

// MatrixToMax converts a Matrix event's content into Max send parameters:
// plain text plus zero or more attachments. Media is downloaded through dl
// and re-uploaded to Max through up; failures degrade to a text placeholder
// rather than erroring the whole send.
func MatrixToMax(ctx context.Context, content *MatrixContent, dl Downloader, up MaxUploader) (text string, attachments []*max.MaxAttachment) {
	switch content.MsgType {
	case "m.text":
		return htmlToText(content), nil
	case "m.notice":
		return content.Body, nil
	case "m.emote":
		if content.Body == "" {
			return "", nil
		}
		return "* " + content.Body, nil
	case "m.location":
		if content.Body != "" {
			return content.Body, nil
		}
		return "Shared a location", nil
	case "m.image", "m.file", "m.video", "m.audio", "m.sticker":
		return convertMatrixMedia(ctx, content, dl, up)
	default:
		return content.Body, nil
	}
}

func convertMatrixMedia(ctx context.Context, content *MatrixContent, dl Downloader, up MaxUploader) (string, []*max.MaxAttachment) {
	if content.URL == "" || dl == nil || up == nil {
		return fmt.Sprintf("[Media: %s]", content.Body), nil
	}

	data, mime, err := dl(ctx, content.URL)
	if err != nil {
		return fmt.Sprintf("[Media: %s]", content.Body), nil
	}
	if mime == "" {
		mime = content.MimeType
	}

	filename := content.Body
	if filename == "" {
		filename = "file"
	}

	token, err := up(ctx, data, mime, filename)
	if err != nil {
		return fmt.Sprintf("[Media: %s]", content.Body), nil
	}

	attType := max.AttachmentTypeFromMIME(mime)
	att := &max.MaxAttachment{
		Type:     attType,
		URL:      token,
		Filename: filename,
		MimeType: mime,
	}
	return "", []*max.MaxAttachment{att}
}

var (
	reBr     = regexp.MustCompile(`(?i)<br\s*/?>`)
	reBold1  = regexp.MustCompile(`(?is)<b>(.*?)</b>`)
	reBold2  = regexp.MustCompile(`(?is)<strong>(.*?)</strong>`)
	reItal1  = regexp.MustCompile(`(?is)<i>(.*?)</i>`)
	reItal2  = regexp.MustCompile(`(?is)<em>(.*?)</em>`)
	reCode   = regexp.MustCompile(`(?is)<code>(.*?)</code>`)
	rePre    = regexp.MustCompile(`(?is)<pre>(.*?)</pre>`)
	reLink   = regexp.MustCompile(`(?is)<a href="(.*?)">(.*?)</a>`)
	reAnyTag = regexp.MustCompile(`<[^>]+>`)
)

// htmlToText converts a Matrix formatted-body into the plain/markdown-ish
// text Max messages carry: <br> becomes a newline, <b>/<strong> becomes
// *bold*, <i>/<em> becomes _italic_, <code> becomes `code`, <pre> becomes a
// fenced block, <a href> becomes "text (url)", remaining tags are stripped,
// and the four core HTML entities are unescaped.
func htmlToText(content *MatrixContent) string {
	if content.FormattedBody == "" {
		return content.Body
	}

	text := content.FormattedBody
	text = reBr.ReplaceAllString(text, "\n")
	text = reBold1.ReplaceAllString(text, "*$1*")
	text = reBold2.ReplaceAllString(text, "*$1*")
	text = reItal1.ReplaceAllString(text, "_$1_")
	text = reItal2.ReplaceAllString(text, "_$1_")
	text = reCode.ReplaceAllString(text, "`$1`")
	text = rePre.ReplaceAllString(text, "```\n$1\n```")
	text = reLink.ReplaceAllString(text, "$2 ($1)")
	text = reAnyTag.ReplaceAllString(text, "")

	text = strings.NewReplacer(
		"&amp;", "&",
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", `"`,
	).Replace(text)

	return text
}

// MaxToMatrixEvent is one Matrix event to emit for an incoming Max message:
// text first, then one event per attachment.
type MaxToMatrixEvent struct {
	MsgType       string
	Body          string
	FormattedBody string // set only when Body contains a newline
	URL           string // mxc:// URI, set for media events
	GeoURI        string // set for m.location events
	Info          map[string]interface{}
}

// MaxToMatrix converts an incoming Max message into the ordered sequence of
// Matrix events needed to represent it: a text event (if there is text),
// then one event per attachment. up re-uploads attachment bytes to Matrix;
// a re-upload failure degrades that one attachment to a text event instead
// of failing the whole message.
func MaxToMatrix(ctx context.Context, msg *max.MaxMessage, dl Downloader, up Uploader) []*MaxToMatrixEvent {
	var events []*MaxToMatrixEvent

	if text := msg.Text(); text != "" {
		evt := &MaxToMatrixEvent{MsgType: "m.text", Body: text}
		if strings.Contains(text, "\n") {
			lines := strings.Split(text, "\n")
			for i, l := range lines {
				lines[i] = htmlEscape(l)
			}
			evt.FormattedBody = strings.Join(lines, "<br>")
		}
		events = append(events, evt)
	}

	for _, att := range msg.Attachments() {
		events = append(events, convertAttachment(ctx, att, dl, up))
	}

	return events
}

func convertAttachment(ctx context.Context, att *max.MaxAttachment, dl Downloader, up Uploader) *MaxToMatrixEvent {
	sourceURL := att.BestPhotoURL()
	if sourceURL == "" {
		sourceURL = att.URL
	}

	if att.Type == max.AttachmentLocation {
		return &MaxToMatrixEvent{
			MsgType: "m.location",
			Body:    fmt.Sprintf("Location: %f,%f", att.Latitude, att.Longitude),
			GeoURI:  fmt.Sprintf("geo:%f,%f", att.Latitude, att.Longitude),
		}
	}

	if sourceURL == "" || dl == nil || up == nil {
		return degradeToText(att, sourceURL)
	}

	data, mime, err := dl(ctx, sourceURL)
	if err != nil {
		return degradeToText(att, sourceURL)
	}
	if mime == "" {
		mime = att.MimeType
	}

	filename := att.Filename
	if filename == "" {
		filename = "file"
	}

	mxc, err := up(ctx, data, mime, filename)
	if err != nil {
		return degradeToText(att, sourceURL)
	}

	msgType, info := matrixMediaType(att.Type, mime)
	return &MaxToMatrixEvent{MsgType: msgType, Body: filename, URL: mxc, Info: info}
}

func matrixMediaType(t max.AttachmentType, mime string) (string, map[string]interface{}) {
	info := map[string]interface{}{"mimetype": mime}
	switch t {
	case max.AttachmentPhoto:
		return "m.image", info
	case max.AttachmentSticker:
		return "m.sticker", info
	case max.AttachmentVideo:
		return "m.video", info
	case max.AttachmentVoice, max.AttachmentAudio:
		return "m.audio", info
	default:
		return "m.file", info
	}
}

func degradeToText(att *max.MaxAttachment, sourceURL string) *MaxToMatrixEvent {
	kind := att.Type.String()
	return &MaxToMatrixEvent{MsgType: "m.text", Body: fmt.Sprintf("[%s: %s]", kind, sourceURL)}
}

func htmlEscape(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return r.Replace(s)
}
