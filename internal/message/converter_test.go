package message

import (
	"context"
	"errors"
	"testing"

	"go.mau.fi/mautrix-max/pkg/max"
)

func TestMatrixToMax_Text(t *testing.T) {
	content := &MatrixContent{
		MsgType:       "m.text",
		Body:          "hello",
		FormattedBody: "<b>hello</b> <i>world</i>",
	}
	text, atts := MatrixToMax(context.Background(), content, nil, nil)
	if atts != nil {
		t.Errorf("expected no attachments, got %v", atts)
	}
	want := "*hello* _world_"
	if text != want {
		t.Errorf("MatrixToMax() = %q, want %q", text, want)
	}
}

func TestMatrixToMax_PlainTextFallsBackToBody(t *testing.T) {
	content := &MatrixContent{MsgType: "m.text", Body: "plain"}
	text, _ := MatrixToMax(context.Background(), content, nil, nil)
	if text != "plain" {
		t.Errorf("MatrixToMax() = %q, want %q", text, "plain")
	}
}

func TestMatrixToMax_Emote(t *testing.T) {
	content := &MatrixContent{MsgType: "m.emote", Body: "waves"}
	text, _ := MatrixToMax(context.Background(), content, nil, nil)
	if text != "* waves" {
		t.Errorf("MatrixToMax() = %q, want %q", text, "* waves")
	}
}

func TestMatrixToMax_MediaDegradesOnDownloadFailure(t *testing.T) {
	content := &MatrixContent{MsgType: "m.image", Body: "photo.png", URL: "mxc://example.com/abc"}
	dl := func(ctx context.Context, uri string) ([]byte, string, error) {
		return nil, "", errors.New("download failed")
	}
	up := func(ctx context.Context, data []byte, mime, filename string) (string, error) {
		t.Fatal("uploader should not be called when download fails")
		return "", nil
	}
	text, atts := MatrixToMax(context.Background(), content, dl, up)
	if atts != nil {
		t.Errorf("expected no attachments on failure, got %v", atts)
	}
	if text != "[Media: photo.png]" {
		t.Errorf("MatrixToMax() = %q, want degraded placeholder", text)
	}
}

func TestMatrixToMax_MediaSuccess(t *testing.T) {
	content := &MatrixContent{MsgType: "m.file", Body: "doc.pdf", URL: "mxc://example.com/xyz", MimeType: "application/pdf"}
	dl := func(ctx context.Context, uri string) ([]byte, string, error) {
		return []byte("data"), "application/pdf", nil
	}
	up := func(ctx context.Context, data []byte, mime, filename string) (string, error) {
		return "upload-token", nil
	}
	text, atts := MatrixToMax(context.Background(), content, dl, up)
	if text != "" {
		t.Errorf("expected empty text for media message, got %q", text)
	}
	if len(atts) != 1 || atts[0].URL != "upload-token" {
		t.Fatalf("unexpected attachments: %+v", atts)
	}
	if atts[0].Type != max.AttachmentFile {
		t.Errorf("attachment type = %v, want AttachmentFile for application/pdf", atts[0].Type)
	}
}

func TestMatrixToMax_MediaClassifiesByMIMEPrefix(t *testing.T) {
	content := &MatrixContent{MsgType: "m.image", Body: "pic.png", URL: "mxc://example.com/pic", MimeType: "image/png"}
	dl := func(ctx context.Context, uri string) ([]byte, string, error) {
		return []byte("data"), "image/png", nil
	}
	up := func(ctx context.Context, data []byte, mime, filename string) (string, error) {
		return "upload-token", nil
	}
	_, atts := MatrixToMax(context.Background(), content, dl, up)
	if len(atts) != 1 || atts[0].Type != max.AttachmentPhoto {
		t.Fatalf("expected AttachmentPhoto for image/png, got %+v", atts)
	}
}

func TestMaxToMatrix_TextOnly(t *testing.T) {
	msg := maxMessageStub("hello world")
	events := MaxToMatrix(context.Background(), msg, nil, nil)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].MsgType != "m.text" || events[0].Body != "hello world" {
		t.Errorf("unexpected event: %+v", events[0])
	}
}

func TestMaxToMatrix_MultilineGetsFormattedBody(t *testing.T) {
	msg := maxMessageStub("line one\nline two")
	events := MaxToMatrix(context.Background(), msg, nil, nil)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	want := "line one<br>line two"
	if events[0].FormattedBody != want {
		t.Errorf("FormattedBody = %q, want %q", events[0].FormattedBody, want)
	}
}

func TestMaxToMatrix_AttachmentDegradesOnDownloadFailure(t *testing.T) {
	msg := &max.MaxMessage{
		BodyAttach: []*max.MaxAttachment{
			{Type: max.AttachmentPhoto, URL: "http://example.com/p.jpg", Filename: "p.jpg"},
		},
	}
	dl := func(ctx context.Context, uri string) ([]byte, string, error) {
		return nil, "", errors.New("nope")
	}
	up := func(ctx context.Context, data []byte, mime, filename string) (string, error) {
		t.Fatal("uploader should not be called when download fails")
		return "", nil
	}
	events := MaxToMatrix(context.Background(), msg, dl, up)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].MsgType != "m.text" {
		t.Errorf("expected degraded m.text event, got %q", events[0].MsgType)
	}
}

func TestMaxToMatrix_LocationAttachment(t *testing.T) {
	msg := &max.MaxMessage{
		BodyAttach: []*max.MaxAttachment{
			{Type: max.AttachmentLocation, Latitude: 1.5, Longitude: 2.5},
		},
	}
	events := MaxToMatrix(context.Background(), msg, nil, nil)
	if len(events) != 1 || events[0].MsgType != "m.location" {
		t.Fatalf("unexpected events: %+v", events)
	}
	if events[0].GeoURI == "" {
		t.Error("expected GeoURI to be set for location attachment")
	}
}

func TestMaxToMatrix_PhotoAttachmentSuccess(t *testing.T) {
	msg := &max.MaxMessage{
		BodyAttach: []*max.MaxAttachment{
			{Type: max.AttachmentPhoto, URL: "http://example.com/p.jpg", Filename: "p.jpg", MimeType: "image/jpeg"},
		},
	}
	dl := func(ctx context.Context, uri string) ([]byte, string, error) {
		return []byte("bytes"), "image/jpeg", nil
	}
	up := func(ctx context.Context, data []byte, mime, filename string) (string, error) {
		return "mxc://example.com/uploaded", nil
	}
	events := MaxToMatrix(context.Background(), msg, dl, up)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].MsgType != "m.image" || events[0].URL != "mxc://example.com/uploaded" {
		t.Errorf("unexpected event: %+v", events[0])
	}
}

// maxMessageStub builds a *max.MaxMessage carrying only body text, for tests
// that don't care about attachments or sender/id fields.
func maxMessageStub(text string) *max.MaxMessage {
	return &max.MaxMessage{BodyText: text}
}
