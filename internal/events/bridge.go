package events

import (
	"time"

	"github.com/neboloop/nebochat/internal/lifecycle"
	"github.com/neboloop/nebochat/internal/logging"
)

// Envelope is the JSON shape of every frame, local or on NATS
type Envelope struct {
	Type           string    `json:"type"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Time           time.Time `json:"time"`
	Data           any       `json:"data,omitempty"`
}

// Publisher is the remote half of a Bridge. *Client satisfies it.
type Publisher interface {
	Publish(subject string, data any) error
}

// Bridge forwards lifecycle events to conversation subscribers and to a
// remote publisher. Either side may be nil.
type Bridge struct {
	local  *Subject
	remote Publisher
	prefix string
}

// NewBridge creates a bridge. prefix is the NATS subject prefix.
func NewBridge(local *Subject, remote Publisher, prefix string) *Bridge {
	return &Bridge{local: local, remote: remote, prefix: prefix}
}

// Attach subscribes the bridge to every event on m
func (b *Bridge) Attach(m *lifecycle.Manager) {
	m.OnAll(b.handle)
}

func (b *Bridge) handle(e lifecycle.Event, data any) {
	env := Envelope{
		Type:           string(e),
		ConversationID: ConversationID(data),
		Time:           time.Now().UTC(),
		Data:           data,
	}

	if b.local != nil && env.ConversationID != "" {
		if err := Emit(b.local, ConversationTopic(env.ConversationID), env); err != nil {
			logging.Warnf("[events] local delivery of %s failed: %v", e, err)
		}
	}
	if b.remote != nil {
		if err := b.remote.Publish(NATSSubject(b.prefix, e), env); err != nil {
			logging.Warnf("[events] publish %s failed: %v", e, err)
		}
	}
}

// ConversationID extracts the conversation a lifecycle payload belongs to
func ConversationID(data any) string {
	switch d := data.(type) {
	case lifecycle.ConversationEventData:
		return d.ConversationID
	case lifecycle.StateEventData:
		return d.ConversationID
	case lifecycle.ResponseEventData:
		return d.ConversationID
	case lifecycle.UnavailableEventData:
		return d.ConversationID
	case lifecycle.SummaryEventData:
		return d.ConversationID
	}
	return ""
}
