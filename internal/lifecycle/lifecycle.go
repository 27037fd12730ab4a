// Package lifecycle provides event hooks for conversation and response lifecycles.
package lifecycle

import (
	"sync"
	"time"

	"github.com/neboloop/nebochat/internal/logging"
)

// Event types for lifecycle hooks
type Event string

const (
	// Conversation events
	EventConversationOpened  Event = "conversation_opened"
	EventConversationDeleted Event = "conversation_deleted"

	// Coordinator state transitions
	EventStateChanged Event = "state_changed"

	// Response outcomes
	EventResponseComplete   Event = "response_complete"
	EventResponseFailed     Event = "response_failed"
	EventBackendUnavailable Event = "backend_unavailable"

	// Rolling summary
	EventSummaryUpdated Event = "summary_updated"
	EventSummaryFailed  Event = "summary_failed"
)

// AllEvents lists every event the application emits
var AllEvents = []Event{
	EventConversationOpened,
	EventConversationDeleted,
	EventStateChanged,
	EventResponseComplete,
	EventResponseFailed,
	EventBackendUnavailable,
	EventSummaryUpdated,
	EventSummaryFailed,
}

// Handler is a function that handles a lifecycle event
type Handler func(event Event, data any)

// Manager manages lifecycle event subscriptions and dispatching
type Manager struct {
	mu       sync.RWMutex
	handlers map[Event][]Handler
}

// NewManager creates an empty manager
func NewManager() *Manager {
	return &Manager{handlers: make(map[Event][]Handler)}
}

// Global lifecycle manager
var global = NewManager()

// Default returns the process-wide manager
func Default() *Manager {
	return global
}

// On registers a handler for a lifecycle event
func (m *Manager) On(event Event, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[event] = append(m.handlers[event], handler)
}

// OnAll registers a handler for every known event
func (m *Manager) OnAll(handler Handler) {
	for _, e := range AllEvents {
		m.On(e, handler)
	}
}

// Emit dispatches an event to all registered handlers
func (m *Manager) Emit(event Event, data any) {
	if m == nil {
		return
	}
	m.mu.RLock()
	handlers := m.handlers[event]
	m.mu.RUnlock()

	logging.Debugf("[lifecycle] Emitting event: %s", event)
	for _, h := range handlers {
		// Run handlers synchronously (they can spawn goroutines if needed)
		h(event, data)
	}
}

// EmitAsync dispatches an event on a new goroutine
func (m *Manager) EmitAsync(event Event, data any) {
	go m.Emit(event, data)
}

// ConversationEventData contains data for conversation events
type ConversationEventData struct {
	ConversationID string `json:"conversation_id"`
	Title          string `json:"title,omitempty"`
}

// StateEventData describes one coordinator transition
type StateEventData struct {
	ConversationID string `json:"conversation_id"`
	From           string `json:"from"`
	To             string `json:"to"`
}

// ResponseEventData contains data for response outcome events
type ResponseEventData struct {
	ConversationID string        `json:"conversation_id"`
	MessageID      string        `json:"message_id"`
	Provider       string        `json:"provider,omitempty"`
	Mode           string        `json:"mode,omitempty"`
	Duration       time.Duration `json:"duration_ns"`
	Error          string        `json:"error,omitempty"`
}

// UnavailableEventData explains why no request was made
type UnavailableEventData struct {
	ConversationID string `json:"conversation_id"`
	Reason         string `json:"reason"`
	Detail         string `json:"detail,omitempty"`
}

// SummaryEventData contains data for summary events
type SummaryEventData struct {
	ConversationID string `json:"conversation_id"`
	Summary        string `json:"summary,omitempty"`
	Error          string `json:"error,omitempty"`
}

// OnStateChanged registers a typed handler for coordinator transitions
func (m *Manager) OnStateChanged(handler func(data StateEventData)) {
	m.On(EventStateChanged, func(e Event, data any) {
		if d, ok := data.(StateEventData); ok {
			handler(d)
		}
	})
}

// OnSummaryUpdated registers a typed handler for summary refreshes
func (m *Manager) OnSummaryUpdated(handler func(data SummaryEventData)) {
	m.On(EventSummaryUpdated, func(e Event, data any) {
		if d, ok := data.(SummaryEventData); ok {
			handler(d)
		}
	})
}
