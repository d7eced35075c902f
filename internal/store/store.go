// ABOUTME: Store interface and data types for policydesk persistence
// ABOUTME: Defines Chat, Message, Part and StreamRecord plus the Store interface

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateChat is returned when trying to create a chat that already exists
var ErrDuplicateChat = errors.New("chat already exists")

// Visibility values for chats
const (
	VisibilityPrivate = "private"
	VisibilityPublic  = "public"
)

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// PartTypeText is the only part type this service interprets.
// Every other part type is carried through as opaque attachment metadata.
const PartTypeText = "text"

// timeFormat is fixed width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Chat is a conversation thread owned by one user
type Chat struct {
	ID         string
	Title      string
	UserID     string
	Visibility string
	CreatedAt  time.Time
}

// IsReadableBy reports whether userID may read the chat.
// Private chats are only readable by their owner.
func (c *Chat) IsReadableBy(userID string) bool {
	if c.Visibility == VisibilityPrivate {
		return c.UserID == userID
	}
	return true
}

// Part is one element of a message's ordered content.
// Text parts carry Text; any other type keeps its original JSON in Raw.
type Part struct {
	Type string
	Text string
	Raw  json.RawMessage
}

// TextPart builds a text part
func TextPart(text string) Part {
	return Part{Type: PartTypeText, Text: text}
}

// MarshalJSON writes text parts as {"type":"text","text":...} and
// replays non-text parts verbatim.
func (p Part) MarshalJSON() ([]byte, error) {
	if p.Type != PartTypeText && len(p.Raw) > 0 {
		return p.Raw, nil
	}
	return json.Marshal(struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}{Type: p.Type, Text: p.Text})
}

// UnmarshalJSON decodes the type tag and keeps non-text parts opaque.
func (p *Part) UnmarshalJSON(data []byte) error {
	var head struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	p.Type = head.Type
	if head.Type == PartTypeText {
		p.Text = head.Text
		p.Raw = nil
		return nil
	}
	p.Text = ""
	p.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// Message is an immutable chat message
type Message struct {
	ID          string          `json:"id"`
	ChatID      string          `json:"chatId"`
	Role        string          `json:"role"`
	Parts       []Part          `json:"parts"`
	Attachments json.RawMessage `json:"attachments"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// Text joins the message's text parts with a single space.
func (m *Message) Text() string {
	var out []byte
	for _, p := range m.Parts {
		if p.Type != PartTypeText || p.Text == "" {
			continue
		}
		if len(out) > 0 {
			out = append(out, ' ')
		}
		out = append(out, p.Text...)
	}
	return string(out)
}

// attachmentsOrEmpty returns the attachments JSON, defaulting to an empty array
func (m *Message) attachmentsOrEmpty() json.RawMessage {
	if len(m.Attachments) == 0 {
		return json.RawMessage("[]")
	}
	return m.Attachments
}

// StreamRecord marks that a generation for a chat was started
type StreamRecord struct {
	ID        string
	ChatID    string
	CreatedAt time.Time
}

// Store defines the persistence the chat pipeline needs.
// All writes are appends; nothing here updates or deletes existing rows.
type Store interface {
	// Chats
	CreateChat(ctx context.Context, chat *Chat) error
	GetChat(ctx context.Context, id string) (*Chat, error)

	// Messages, returned oldest first
	SaveMessages(ctx context.Context, msgs []*Message) error
	GetMessagesByChatID(ctx context.Context, chatID string) ([]*Message, error)

	// Stream ledger, returned in creation order
	CreateStreamID(ctx context.Context, record *StreamRecord) error
	GetStreamIDsByChatID(ctx context.Context, chatID string) ([]string, error)

	// Close releases any resources held by the store
	Close() error
}
