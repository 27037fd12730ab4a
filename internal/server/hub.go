package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/neboloop/nebochat/internal/agent/runner"
	"github.com/neboloop/nebochat/internal/agent/session"
	"github.com/neboloop/nebochat/internal/events"
	"github.com/neboloop/nebochat/internal/lifecycle"
	"github.com/neboloop/nebochat/internal/logging"
)

// Hub owns one Runner per open conversation. Runners are created on first
// use and dropped when their conversation is deleted.
type Hub struct {
	deps    Deps
	subject *events.Subject

	mu      sync.Mutex
	runners map[string]*runner.Runner
}

func newHub(deps Deps, subject *events.Subject) *Hub {
	return &Hub{
		deps:    deps,
		subject: subject,
		runners: make(map[string]*runner.Runner),
	}
}

// Create makes and persists an empty conversation
func (h *Hub) Create(ctx context.Context, title string) (*session.Conversation, error) {
	conv, err := h.deps.Store.Create(ctx, title)
	if err != nil {
		return nil, err
	}
	h.deps.Lifecycle.Emit(lifecycle.EventConversationOpened, lifecycle.ConversationEventData{
		ConversationID: conv.ID,
		Title:          conv.Title,
	})
	return conv, nil
}

// Open returns the runner for id, loading the conversation on first use
func (h *Hub) Open(ctx context.Context, id string) (*runner.Runner, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if r, ok := h.runners[id]; ok {
		return r, nil
	}

	conv, err := h.deps.Store.Load(ctx, id)
	if err != nil {
		return nil, err
	}

	r := runner.New(h.deps.Config, conv, h.deps.Store, h.deps.Backend, h.deps.Registry,
		runner.WithLifecycle(h.deps.Lifecycle),
		runner.WithMetrics(h.deps.Metrics),
		runner.WithBudgeter(h.deps.Budgeter),
		runner.WithObserver(h.observer(conv.ID)),
	)
	h.runners[id] = r
	h.deps.Lifecycle.Emit(lifecycle.EventConversationOpened, lifecycle.ConversationEventData{
		ConversationID: conv.ID,
		Title:          conv.Title,
	})
	logging.Debugf("[hub] opened conversation %s (%d messages)", conv.ID, len(conv.Messages))
	return r, nil
}

// Delete removes a conversation. A conversation with a response in flight
// cannot be deleted. The open runner is closed first so callers still
// holding it get runner.ErrClosed instead of writing the conversation back.
func (h *Hub) Delete(ctx context.Context, id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var conv *session.Conversation
	if r, ok := h.runners[id]; ok {
		if err := r.Close(); err != nil {
			return err
		}
		conv = r.Conversation()
		delete(h.runners, id)
	} else {
		loaded, err := h.deps.Store.Load(ctx, id)
		if err != nil {
			return err
		}
		conv = loaded
	}

	if err := h.deps.Store.Delete(ctx, conv); err != nil {
		return err
	}
	h.deps.Lifecycle.Emit(lifecycle.EventConversationDeleted, lifecycle.ConversationEventData{
		ConversationID: conv.ID,
		Title:          conv.Title,
	})
	return nil
}

// Len reports how many runners are open
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.runners)
}

// observer pushes assistant message snapshots to conversation subscribers
func (h *Hub) observer(conversationID string) runner.UpdateObserver {
	topic := events.ConversationTopic(conversationID)
	return func(msg session.Message) {
		err := events.Emit(h.subject, topic, events.Envelope{
			Type:           events.FrameMessage,
			ConversationID: conversationID,
			Time:           time.Now().UTC(),
			Data:           msg,
		})
		if err != nil {
			logging.Warnf("[hub] dropped snapshot for %s: %v", conversationID, err)
		}
	}
}

// publish sends a frame to every subscriber of a conversation
func (h *Hub) publish(conversationID, frameType string, data any) {
	err := events.Emit(h.subject, events.ConversationTopic(conversationID), events.Envelope{
		Type:           frameType,
		ConversationID: conversationID,
		Time:           time.Now().UTC(),
		Data:           data,
	})
	if err != nil {
		logging.Warnf("[hub] dropped %s frame for %s: %v", frameType, conversationID, err)
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, session.ErrNotFound)
}
