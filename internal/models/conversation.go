package models

import "time"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Image is an encoded image carried by a user turn.
type Image struct {
	Name     string `json:"name"`
	MIMEType string `json:"mime_type"`
	DataURI  string `json:"-"`
}

type Turn struct {
	ID        int64     `json:"id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Role      string    `json:"role"` // user or assistant
	Content   string    `json:"content"`
	Images    []Image   `json:"images,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type Session struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}
