// Package session holds the conversation data model shared by the runner,
// the stores in internal/db and the server.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Role identifies who authored a message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system" // configuration context only, never produced by the backend
)

// Valid reports whether r is one of the known roles
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Status tracks whether a message is still being streamed
type Status string

const (
	StatusStreaming Status = "streaming"
	StatusComplete  Status = "complete"
	StatusFailed    Status = "failed"
)

// Attachment is web-page metadata attached to an assistant message.
// Individual fields may be empty while a response is still streaming.
type Attachment struct {
	Title       string `json:"title"`
	Thumbnail   string `json:"thumbnail,omitempty"`
	Description string `json:"description,omitempty"`
}

// Empty reports whether no field has been filled in yet
func (a *Attachment) Empty() bool {
	return a == nil || (a.Title == "" && a.Thumbnail == "" && a.Description == "")
}

// Message is a single conversation entry
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	Role           Role        `json:"role"`
	Content        string      `json:"content"`
	Attachment     *Attachment `json:"attachment,omitempty"`
	Status         Status      `json:"status"`
	CreatedAt      time.Time   `json:"created_at"`
}

// NewMessage creates a message stamped with a fresh ID and the current time
func NewMessage(conversationID string, role Role, content string) *Message {
	return &Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Status:         StatusComplete,
		CreatedAt:      time.Now().UTC(),
	}
}

// Finalized reports whether the message will no longer change
func (m *Message) Finalized() bool {
	return m.Status != StatusStreaming
}

// Clone returns a deep copy safe to hand to observers
func (m *Message) Clone() Message {
	c := *m
	if m.Attachment != nil {
		att := *m.Attachment
		c.Attachment = &att
	}
	return c
}

// Conversation is an ordered collection of messages with an optional rolling summary
type Conversation struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Summary   string     `json:"summary,omitempty"`
	Messages  []*Message `json:"messages"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// NewConversation creates an empty conversation
func NewConversation(title string) *Conversation {
	now := time.Now().UTC()
	return &Conversation{
		ID:        uuid.New().String(),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Append adds a message, assigning the conversation ID. Messages created in
// the same clock tick as the previous one are nudged forward so timestamp
// order always matches send order.
func (c *Conversation) Append(m *Message) {
	m.ConversationID = c.ID
	if n := len(c.Messages); n > 0 {
		last := c.Messages[n-1].CreatedAt
		if !m.CreatedAt.After(last) {
			m.CreatedAt = last.Add(time.Microsecond)
		}
	}
	c.Messages = append(c.Messages, m)
	c.UpdatedAt = time.Now().UTC()
}

// Ordered returns the messages sorted by timestamp (stable for ties)
func (c *Conversation) Ordered() []*Message {
	out := make([]*Message, len(c.Messages))
	copy(out, c.Messages)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Last returns the most recent message by timestamp, or nil
func (c *Conversation) Last() *Message {
	ordered := c.Ordered()
	if len(ordered) == 0 {
		return nil
	}
	return ordered[len(ordered)-1]
}

// Info is the list view of a conversation
type Info struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Summary      string    `json:"summary,omitempty"`
	MessageCount int       `json:"message_count"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ErrNotFound is returned when a conversation does not exist
var ErrNotFound = errors.New("conversation not found")

// PersistenceError wraps a storage failure
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Store persists conversations. Insert records a new message; Save flushes the
// conversation row and the current state of every message. Failures are
// reported as *PersistenceError.
type Store interface {
	Create(ctx context.Context, title string) (*Conversation, error)
	Load(ctx context.Context, id string) (*Conversation, error)
	List(ctx context.Context) ([]Info, error)
	Insert(ctx context.Context, msg *Message) error
	Save(ctx context.Context, conv *Conversation) error
	Delete(ctx context.Context, conv *Conversation) error
	Close() error
}
