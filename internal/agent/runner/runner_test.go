package runner

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/neboloop/nebochat/internal/agent/ai"
	"github.com/neboloop/nebochat/internal/agent/config"
	"github.com/neboloop/nebochat/internal/agent/session"
	"github.com/neboloop/nebochat/internal/agent/tools"
	"github.com/neboloop/nebochat/internal/lifecycle"
)

// scriptFunc produces the events of one Stream call
type scriptFunc func(req *ai.ChatRequest) []ai.StreamEvent

// mockProvider implements ai.Provider for testing. Each Stream call plays the
// next script; the last one repeats.
type mockProvider struct {
	mu          sync.Mutex
	id          string
	unavailable *ai.Availability
	scripts     []scriptFunc
	err         error
	requests    []*ai.ChatRequest
	prewarmed   chan struct{}
}

func (m *mockProvider) ID() string {
	if m.id == "" {
		return "mock"
	}
	return m.id
}

func (m *mockProvider) Availability(ctx context.Context) ai.Availability {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable != nil {
		return *m.unavailable
	}
	return ai.Ready()
}

func (m *mockProvider) Prewarm(ctx context.Context) {
	if m.prewarmed != nil {
		close(m.prewarmed)
	}
}

func (m *mockProvider) Stream(ctx context.Context, req *ai.ChatRequest) (<-chan ai.StreamEvent, error) {
	m.mu.Lock()
	call := len(m.requests)
	m.requests = append(m.requests, req)
	err := m.err
	var script scriptFunc
	if len(m.scripts) > 0 {
		script = m.scripts[min(call, len(m.scripts)-1)]
	}
	m.mu.Unlock()

	if err != nil {
		return nil, err
	}

	var events []ai.StreamEvent
	if script != nil {
		events = script(req)
	}

	ch := make(chan ai.StreamEvent)
	go func() {
		defer close(ch)
		for _, event := range events {
			select {
			case <-ctx.Done():
				return
			case ch <- event:
			}
		}
	}()
	return ch, nil
}

func (m *mockProvider) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *mockProvider) request(i int) *ai.ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[i]
}

// text plays chunks as text deltas followed by done
func text(chunks ...string) scriptFunc {
	return func(*ai.ChatRequest) []ai.StreamEvent {
		events := make([]ai.StreamEvent, 0, len(chunks)+1)
		for _, c := range chunks {
			events = append(events, ai.StreamEvent{Type: ai.EventTypeText, Text: c})
		}
		return append(events, ai.StreamEvent{Type: ai.EventTypeDone})
	}
}

func failWith(err error) scriptFunc {
	return func(*ai.ChatRequest) []ai.StreamEvent {
		return []ai.StreamEvent{{Type: ai.EventTypeError, Error: err}}
	}
}

func toolCall(id, name, input string) scriptFunc {
	return func(*ai.ChatRequest) []ai.StreamEvent {
		return []ai.StreamEvent{
			{Type: ai.EventTypeToolCall, ToolCall: &ai.ToolCall{ID: id, Name: name, Input: json.RawMessage(input)}},
			{Type: ai.EventTypeDone},
		}
	}
}

// fakeStore records persistence calls
type fakeStore struct {
	mu       sync.Mutex
	inserted []session.Message
	saves    int
	summary  []string // summary at each save
	saveErr  error
}

func (s *fakeStore) Create(ctx context.Context, title string) (*session.Conversation, error) {
	return session.NewConversation(title), nil
}

func (s *fakeStore) Load(ctx context.Context, id string) (*session.Conversation, error) {
	return nil, session.ErrNotFound
}

func (s *fakeStore) List(ctx context.Context) ([]session.Info, error) { return nil, nil }

func (s *fakeStore) Insert(ctx context.Context, msg *session.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserted = append(s.inserted, msg.Clone())
	return nil
}

func (s *fakeStore) Save(ctx context.Context, conv *session.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	s.summary = append(s.summary, conv.Summary)
	return s.saveErr
}

func (s *fakeStore) Delete(ctx context.Context, conv *session.Conversation) error { return nil }
func (s *fakeStore) Close() error                                                  { return nil }

func (s *fakeStore) calls() (inserts, saves int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inserted), s.saves
}

// eventLog captures lifecycle events in order
type eventLog struct {
	mu     sync.Mutex
	events []lifecycle.Event
	data   []any
}

func newEventLog() (*eventLog, *lifecycle.Manager) {
	l := &eventLog{}
	m := lifecycle.NewManager()
	m.OnAll(func(e lifecycle.Event, data any) {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.events = append(l.events, e)
		l.data = append(l.data, data)
	})
	return l, m
}

func (l *eventLog) index(e lifecycle.Event) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, got := range l.events {
		if got == e {
			return i
		}
	}
	return -1
}

func (l *eventLog) states() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for i, e := range l.events {
		if e == lifecycle.EventStateChanged {
			out = append(out, l.data[i].(lifecycle.StateEventData).To)
		}
	}
	return out
}

func newTestRunner(t *testing.T, p *mockProvider, store session.Store, registry *tools.Registry, opts ...Option) *Runner {
	t.Helper()
	cfg := config.DefaultConfig()
	backend := NewProviderBackend(p, registry, cfg.Generation, nil)
	conv := session.NewConversation("test")
	return New(cfg, conv, store, backend, registry, opts...)
}

func TestSendFullModeReply(t *testing.T) {
	p := &mockProvider{scripts: []scriptFunc{
		text(`{"role":"assistant","content":"I`, `'m fine, thank you!"`, `,"metadata":null}`),
		text("Small talk about how the assistant is doing."),
	}}
	store := &fakeStore{}
	var mu sync.Mutex
	var seen []string
	r := newTestRunner(t, p, store, nil, WithObserver(func(m session.Message) {
		mu.Lock()
		seen = append(seen, m.Content)
		mu.Unlock()
	}))

	reply, err := r.Send(context.Background(), "Hello, how are you?")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if reply.Content != "I'm fine, thank you!" {
		t.Errorf("content = %q", reply.Content)
	}
	if reply.Attachment != nil {
		t.Errorf("unexpected attachment %+v", reply.Attachment)
	}
	if reply.Status != session.StatusComplete {
		t.Errorf("status = %s", reply.Status)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) < 3 || seen[0] != Placeholder || seen[1] != "I" {
		t.Errorf("observer saw %q, want placeholder then cumulative content", seen)
	}

	// the full history was sent, tagged by role
	prompt := p.request(0).Messages[0].Content
	if !strings.Contains(prompt, "user: Hello, how are you?") {
		t.Errorf("prompt missing tagged history: %q", prompt)
	}
	if p.request(0).ResponseFormat == nil {
		t.Error("reply request should carry the response schema")
	}
	if p.request(1).ResponseFormat != nil {
		t.Error("summary request should be plain text")
	}
	if got := r.Conversation().Summary; got != "Small talk about how the assistant is doing." {
		t.Errorf("summary = %q", got)
	}
}

func TestSendOrdering(t *testing.T) {
	p := &mockProvider{scripts: []scriptFunc{
		text(`{"role":"assistant","content":"Hi","metadata":null}`),
		text("Greetings."),
	}}
	store := &fakeStore{}
	log, lm := newEventLog()
	r := newTestRunner(t, p, store, nil, WithLifecycle(lm))

	reply, err := r.Send(context.Background(), "hi")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	ordered := r.Conversation().Ordered()
	if len(ordered) != 2 {
		t.Fatalf("got %d messages, want 2", len(ordered))
	}
	if ordered[0].Role != session.RoleUser || ordered[1].ID != reply.ID {
		t.Errorf("order = %s, %s", ordered[0].Role, ordered[1].Role)
	}
	if ordered[1].CreatedAt.Before(ordered[0].CreatedAt) {
		t.Error("assistant message predates user message")
	}

	// the user message was persisted before any request was made
	store.mu.Lock()
	first := store.inserted[0]
	firstSummary := store.summary[0]
	lastSummary := store.summary[len(store.summary)-1]
	store.mu.Unlock()
	if first.Role != session.RoleUser {
		t.Errorf("first insert was %s", first.Role)
	}
	if firstSummary != "" || lastSummary != "Greetings." {
		t.Errorf("summaries saved = %q .. %q", firstSummary, lastSummary)
	}

	// summary follows finalization
	complete := log.index(lifecycle.EventResponseComplete)
	updated := log.index(lifecycle.EventSummaryUpdated)
	if complete < 0 || updated < 0 || updated < complete {
		t.Errorf("response_complete at %d, summary_updated at %d", complete, updated)
	}

	want := []string{"requesting", "streaming", "completed", "requesting", "streaming", "completed"}
	if got := log.states(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("states = %v, want %v", got, want)
	}
}

func TestSendWithWebAnalyserAttachment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><head><title>Example Domain</title></head></html>"))
	}))
	defer srv.Close()

	registry := tools.NewRegistry()
	registry.Register(tools.NewWebAnalyser(tools.WebConfig{AllowPrivateNetworks: true}))

	var toolResult string
	p := &mockProvider{scripts: []scriptFunc{
		toolCall("call-1", tools.WebAnalyserName, `{"url":"`+srv.URL+`"}`),
		func(req *ai.ChatRequest) []ai.StreamEvent {
			last := req.Messages[len(req.Messages)-1]
			if len(last.ToolResults) == 1 {
				toolResult = last.ToolResults[0].Content
			}
			return text(`{"role":"assistant","content":"That page is Example Domain.","metadata":` + toolResult + `}`)(req)
		},
		text("Looking at example.com."),
	}}

	r := newTestRunner(t, p, &fakeStore{}, registry)
	reply, err := r.Send(context.Background(), "check "+srv.URL)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	var meta ai.WebPageMetadata
	if err := json.Unmarshal([]byte(toolResult), &meta); err != nil {
		t.Fatalf("tool result %q is not metadata: %v", toolResult, err)
	}
	if meta.Title != "Example Domain" || meta.Thumbnail != nil || meta.Description != nil {
		t.Errorf("tool result = %+v", meta)
	}

	if reply.Attachment == nil || reply.Attachment.Title != "Example Domain" {
		t.Fatalf("attachment = %+v", reply.Attachment)
	}
	if reply.Attachment.Thumbnail != "" || reply.Attachment.Description != "" {
		t.Errorf("unexpected optional fields: %+v", reply.Attachment)
	}

	// the resumed round carries the tool call and its result in the same context
	resumed := p.request(1)
	if len(resumed.Messages) != 3 {
		t.Fatalf("resumed request has %d messages, want 3", len(resumed.Messages))
	}
	if resumed.Messages[1].Role != "assistant" || len(resumed.Messages[1].ToolCalls) != 1 {
		t.Errorf("assistant tool-call turn missing: %+v", resumed.Messages[1])
	}
	if resumed.Messages[2].ToolResults[0].ToolCallID != "call-1" {
		t.Errorf("tool result not matched to call: %+v", resumed.Messages[2])
	}
}

func TestSendWithInvalidURL(t *testing.T) {
	registry := tools.NewRegistry()
	registry.Register(tools.NewWebAnalyser(tools.WebConfig{}))

	var diagnostic ai.ToolResult
	p := &mockProvider{scripts: []scriptFunc{
		toolCall("call-1", tools.WebAnalyserName, `{"url":"not a url"}`),
		func(req *ai.ChatRequest) []ai.StreamEvent {
			diagnostic = req.Messages[len(req.Messages)-1].ToolResults[0]
			return text(`{"role":"assistant","content":"That doesn't look like a link.","metadata":null}`)(req)
		},
		text("A malformed link."),
	}}

	r := newTestRunner(t, p, &fakeStore{}, registry)
	reply, err := r.Send(context.Background(), "check not a url")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !diagnostic.IsError || !strings.HasPrefix(diagnostic.Content, "Error:") {
		t.Errorf("diagnostic = %+v", diagnostic)
	}
	if reply.Attachment != nil {
		t.Errorf("unexpected attachment %+v", reply.Attachment)
	}
	if reply.Content != "That doesn't look like a link." {
		t.Errorf("content = %q", reply.Content)
	}
}

func TestSendUnavailable(t *testing.T) {
	p := &mockProvider{unavailable: &ai.Availability{Reason: ai.ReasonModelNotReady, Detail: "model not pulled"}}
	store := &fakeStore{}
	log, lm := newEventLog()
	r := newTestRunner(t, p, store, nil, WithLifecycle(lm))

	reply, err := r.Send(context.Background(), "hello")
	var unavailable *UnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("err = %v, want *UnavailableError", err)
	}
	if unavailable.Availability.Reason != ai.ReasonModelNotReady {
		t.Errorf("reason = %s", unavailable.Availability.Reason)
	}
	if reply != nil {
		t.Error("expected no reply")
	}
	if n := len(r.Conversation().Messages); n != 0 {
		t.Errorf("conversation has %d messages, want 0", n)
	}
	if inserts, saves := store.calls(); inserts != 0 || saves != 0 {
		t.Errorf("persistence calls: %d inserts, %d saves", inserts, saves)
	}
	if p.callCount() != 0 {
		t.Errorf("provider called %d times", p.callCount())
	}
	if log.index(lifecycle.EventBackendUnavailable) < 0 {
		t.Error("backend_unavailable not emitted")
	}
}

func TestSendGuardrailViolation(t *testing.T) {
	p := &mockProvider{scripts: []scriptFunc{
		failWith(&ai.ProviderError{Type: "invalid_request_error", Message: "Output blocked by content filtering policy"}),
		text("A request the model declined."),
	}}
	store := &fakeStore{}
	log, lm := newEventLog()
	r := newTestRunner(t, p, store, nil, WithLifecycle(lm))

	reply, err := r.Send(context.Background(), "something disallowed")
	if !errors.Is(err, ai.ErrGuardrailViolation) {
		t.Fatalf("err = %v, want guardrail violation", err)
	}
	if reply == nil {
		t.Fatal("expected the failed message to be returned")
	}
	if reply.Status != session.StatusFailed || !strings.Contains(reply.Content, "guardrails") {
		t.Errorf("reply = %s %q", reply.Status, reply.Content)
	}
	if len(r.Conversation().Messages) != 2 {
		t.Errorf("failed reply should stay in the conversation")
	}

	// persisted after the failure, and the summary still refreshed
	if _, saves := store.calls(); saves < 2 {
		t.Errorf("saves = %d", saves)
	}
	if log.index(lifecycle.EventResponseFailed) < 0 {
		t.Error("response_failed not emitted")
	}
	if log.index(lifecycle.EventSummaryUpdated) < log.index(lifecycle.EventResponseFailed) {
		t.Error("summary not refreshed after failure")
	}
	if r.Conversation().Summary != "A request the model declined." {
		t.Errorf("summary = %q", r.Conversation().Summary)
	}
}

func TestSendStartErrorIsRecorded(t *testing.T) {
	p := &mockProvider{err: &ai.ProviderError{Status: 400, Message: "prompt is too long: 210000 tokens > 200000 maximum"}}
	r := newTestRunner(t, p, &fakeStore{}, nil)

	reply, err := r.Send(context.Background(), "hello")
	if !errors.Is(err, ai.ErrContextOverflow) {
		t.Fatalf("err = %v, want context overflow", err)
	}
	if reply == nil || !strings.Contains(reply.Content, "Context overflow") {
		t.Errorf("reply = %+v", reply)
	}
	if r.State() != StateFailed {
		t.Errorf("state = %s", r.State())
	}
}

func TestSendCancelled(t *testing.T) {
	release := make(chan struct{})
	p := &mockProvider{scripts: []scriptFunc{
		func(*ai.ChatRequest) []ai.StreamEvent {
			<-release
			return []ai.StreamEvent{{Type: ai.EventTypeText, Text: `{"role":"assistant","content":"late"}`}}
		},
	}}
	store := &fakeStore{}
	r := newTestRunner(t, p, store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
		close(release)
	}()

	reply, err := r.Send(ctx, "hello")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if reply.Content != "Response cancelled." || reply.Status != session.StatusFailed {
		t.Errorf("reply = %s %q", reply.Status, reply.Content)
	}
	if p.callCount() != 1 {
		t.Errorf("summary should be skipped after cancellation, provider called %d times", p.callCount())
	}
	if _, saves := store.calls(); saves < 2 {
		t.Errorf("cancelled reply not persisted, saves = %d", saves)
	}
}

func TestSendRejectsConcurrentAndEmpty(t *testing.T) {
	release := make(chan struct{})
	p := &mockProvider{scripts: []scriptFunc{
		func(*ai.ChatRequest) []ai.StreamEvent {
			<-release
			return text(`{"role":"assistant","content":"ok","metadata":null}`)(nil)
		},
		text("ok"),
	}}
	r := newTestRunner(t, p, &fakeStore{}, nil)

	if _, err := r.Send(context.Background(), "   "); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("err = %v, want ErrEmptyMessage", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := r.Send(context.Background(), "first")
		done <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !r.Busy() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := r.Send(context.Background(), "second"); !errors.Is(err, ErrBusy) {
		t.Errorf("err = %v, want ErrBusy", err)
	}
	close(release)

	if err := <-done; err != nil {
		t.Fatalf("first send: %v", err)
	}
	if n := len(r.Conversation().Messages); n != 2 {
		t.Errorf("got %d messages, want 2", n)
	}
}

func TestCloseRejectsSends(t *testing.T) {
	release := make(chan struct{})
	p := &mockProvider{scripts: []scriptFunc{
		func(*ai.ChatRequest) []ai.StreamEvent {
			<-release
			return text(`{"role":"assistant","content":"ok","metadata":null}`)(nil)
		},
		text("Trip planning."),
	}}
	store := &fakeStore{}
	r := newTestRunner(t, p, store, nil)

	done := make(chan error, 1)
	go func() {
		_, err := r.Send(context.Background(), "first")
		done <- err
	}()
	deadline := time.Now().Add(2 * time.Second)
	for !r.Busy() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := r.Close(); !errors.Is(err, ErrBusy) {
		t.Errorf("close while sending: err = %v, want ErrBusy", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first send: %v", err)
	}

	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !r.Closed() {
		t.Error("runner not marked closed")
	}
	inserts, saves := store.calls()

	if _, err := r.Send(context.Background(), "after delete"); !errors.Is(err, ErrClosed) {
		t.Errorf("send: err = %v, want ErrClosed", err)
	}
	if _, err := r.RefreshSummary(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("summary: err = %v, want ErrClosed", err)
	}
	if i, s := store.calls(); i != inserts || s != saves {
		t.Errorf("closed runner wrote to the store: inserts %d->%d saves %d->%d", inserts, i, saves, s)
	}
	if err := r.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestRefreshSummaryReturnsSummary(t *testing.T) {
	p := &mockProvider{scripts: []scriptFunc{text("Summary: Trip ", "planning.")}}
	r := newTestRunner(t, p, &fakeStore{}, nil)

	summary, err := r.RefreshSummary(context.Background())
	if err != nil {
		t.Fatalf("RefreshSummary: %v", err)
	}
	if summary != "Trip planning." {
		t.Errorf("summary = %q", summary)
	}
}

func TestPrewarm(t *testing.T) {
	p := &mockProvider{prewarmed: make(chan struct{})}
	r := newTestRunner(t, p, nil, nil)
	r.Prewarm(context.Background())

	select {
	case <-p.prewarmed:
	case <-time.After(2 * time.Second):
		t.Fatal("prewarm not forwarded to the provider")
	}
}
