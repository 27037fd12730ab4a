package db

import (
	"context"
	"sort"
	"sync"

	"github.com/neboloop/nebochat/internal/agent/session"
)

// MemoryStore keeps conversations in process memory. Nothing survives a
// restart; it backs tests and the "memory" storage driver.
type MemoryStore struct {
	mu    sync.RWMutex
	convs map[string]*session.Conversation
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{convs: make(map[string]*session.Conversation)}
}

func (s *MemoryStore) Create(ctx context.Context, title string) (*session.Conversation, error) {
	conv := session.NewConversation(title)
	s.mu.Lock()
	s.convs[conv.ID] = cloneConversation(conv)
	s.mu.Unlock()
	return conv, nil
}

func (s *MemoryStore) Load(ctx context.Context, id string) (*session.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.convs[id]
	if !ok {
		return nil, session.ErrNotFound
	}
	return cloneConversation(conv), nil
}

func (s *MemoryStore) List(ctx context.Context) ([]session.Info, error) {
	s.mu.RLock()
	out := make([]session.Info, 0, len(s.convs))
	for _, c := range s.convs {
		out = append(out, session.Info{
			ID:           c.ID,
			Title:        c.Title,
			Summary:      c.Summary,
			MessageCount: len(c.Messages),
			UpdatedAt:    c.UpdatedAt,
		})
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *MemoryStore) Insert(ctx context.Context, msg *session.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[msg.ConversationID]
	if !ok {
		return &session.PersistenceError{Op: "insert", Err: session.ErrNotFound}
	}
	clone := msg.Clone()
	for i, m := range conv.Messages {
		if m.ID == msg.ID {
			conv.Messages[i] = &clone
			return nil
		}
	}
	conv.Messages = append(conv.Messages, &clone)
	return nil
}

func (s *MemoryStore) Save(ctx context.Context, conv *session.Conversation) error {
	s.mu.Lock()
	s.convs[conv.ID] = cloneConversation(conv)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, conv *session.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.convs[conv.ID]; !ok {
		return session.ErrNotFound
	}
	delete(s.convs, conv.ID)
	return nil
}

func (s *MemoryStore) Close() error { return nil }

func cloneConversation(c *session.Conversation) *session.Conversation {
	out := *c
	out.Messages = make([]*session.Message, len(c.Messages))
	for i, m := range c.Messages {
		clone := m.Clone()
		out.Messages[i] = &clone
	}
	return &out
}
