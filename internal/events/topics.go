package events

import (
	"strings"

	"github.com/neboloop/nebochat/internal/lifecycle"
)

// Frame types pushed to conversation subscribers besides lifecycle events
const (
	FrameMessage = "message"
	FrameError   = "error"
	FrameDone    = "done"
)

// ConversationTopic is the in-process topic carrying one conversation's frames
func ConversationTopic(conversationID string) string {
	return "conversation." + conversationID
}

// NATSSubject is the subject a lifecycle event is published on
func NATSSubject(prefix string, event lifecycle.Event) string {
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		return string(event)
	}
	return prefix + "." + string(event)
}
