package api

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/RichardoC/pana-chat/internal/attachment"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const writeTimeout = 10 * time.Second

const (
	frameSession = "session"
	frameMessage = "message"
	frameUpdate  = "update"
	frameError   = "error"
)

type ClientFrame struct {
	Type        string            `json:"type"`
	Content     string            `json:"content"`
	Attachments []AttachmentFrame `json:"attachments,omitempty"`
}

// AttachmentFrame carries either base64 data (optionally as a data URI) or
// already decoded text. Neither means the upload had no content.
type AttachmentFrame struct {
	Name string  `json:"name"`
	Data *string `json:"data,omitempty"`
	Text *string `json:"text,omitempty"`
}

type ServerFrame struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

func (f AttachmentFrame) toAttachment() attachment.Attachment {
	switch {
	case f.Data != nil:
		raw := *f.Data
		if strings.HasPrefix(raw, "data:") {
			if i := strings.IndexByte(raw, ','); i >= 0 {
				raw = raw[i+1:]
			}
		}
		if raw == "" {
			return attachment.Missing(f.Name)
		}
		data, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return attachment.Failed(f.Name, fmt.Errorf("%w: %w", attachment.ErrDecode, err))
		}
		return attachment.FromBytes(f.Name, data)
	case f.Text != nil:
		return attachment.FromText(f.Name, *f.Text)
	default:
		return attachment.Missing(f.Name)
	}
}

func toAttachments(frames []AttachmentFrame) []attachment.Attachment {
	out := make([]attachment.Attachment, 0, len(frames))
	for _, f := range frames {
		out = append(out, f.toAttachment())
	}
	return out
}

// wsUI writes chat messages to one websocket. Writes are serialized since
// the connection allows a single writer.
type wsUI struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (u *wsUI) Send(_ context.Context, content string) (string, error) {
	id := uuid.NewString()
	return id, u.write(ServerFrame{Type: frameMessage, ID: id, Content: content})
}

func (u *wsUI) Update(_ context.Context, id, content string) error {
	return u.write(ServerFrame{Type: frameUpdate, ID: id, Content: content})
}

func (u *wsUI) write(f ServerFrame) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return u.conn.WriteJSON(f)
}
