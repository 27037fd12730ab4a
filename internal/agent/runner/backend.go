package runner

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/neboloop/nebochat/internal/agent/ai"
	"github.com/neboloop/nebochat/internal/agent/config"
	"github.com/neboloop/nebochat/internal/agent/tools"
	"github.com/neboloop/nebochat/internal/logging"
	"github.com/neboloop/nebochat/internal/metrics"
)

var errToolLimit = errors.New("model kept calling tools past the round limit")

// Snapshot is the cumulative output of a generation so far
type Snapshot struct {
	Text    string          // raw text of the current round
	Partial json.RawMessage // repaired partial document when a schema was requested
	Err     error
}

// Backend is a language model the coordinator can talk to
type Backend interface {
	Name() string
	Availability(ctx context.Context) ai.Availability
	// OpenSession binds instructions and tools for the lifetime of a conversation
	OpenSession(instructions string, tools []ai.ToolDefinition) GenerationSession
}

// GenerationSession produces streaming generations for one conversation
type GenerationSession interface {
	// StreamStructured streams snapshots for prompt. A nil schema requests
	// plain text. The channel closes when the generation ends; a failure is
	// delivered as a final snapshot with Err set.
	StreamStructured(ctx context.Context, prompt string, schema *ai.ResponseSchema) (<-chan Snapshot, error)
	Prewarm(ctx context.Context)
}

// ProviderBackend adapts an ai.Provider, running tool calls against a
// registry until the model produces its answer.
type ProviderBackend struct {
	provider ai.Provider
	registry *tools.Registry
	gen      config.GenerationConfig
	metrics  *metrics.Metrics
}

// NewProviderBackend creates a backend. registry and m may be nil.
func NewProviderBackend(provider ai.Provider, registry *tools.Registry, gen config.GenerationConfig, m *metrics.Metrics) *ProviderBackend {
	return &ProviderBackend{provider: provider, registry: registry, gen: gen, metrics: m}
}

func (b *ProviderBackend) Name() string { return b.provider.ID() }

func (b *ProviderBackend) Availability(ctx context.Context) ai.Availability {
	return b.provider.Availability(ctx)
}

func (b *ProviderBackend) OpenSession(instructions string, defs []ai.ToolDefinition) GenerationSession {
	return &providerSession{backend: b, instructions: instructions, tools: defs}
}

type providerSession struct {
	backend      *ProviderBackend
	instructions string
	tools        []ai.ToolDefinition
}

func (s *providerSession) Prewarm(ctx context.Context) {
	s.backend.provider.Prewarm(ctx)
}

func (s *providerSession) StreamStructured(ctx context.Context, prompt string, schema *ai.ResponseSchema) (<-chan Snapshot, error) {
	msgs := []ai.Message{{Role: "user", Content: prompt}}

	events, err := s.backend.provider.Stream(ctx, s.request(msgs, schema, 0))
	if err != nil {
		return nil, ai.Classify(err)
	}

	out := make(chan Snapshot)
	go s.run(ctx, msgs, schema, events, out)
	return out, nil
}

// request builds the chat request for a round. Tools are withheld once the
// round limit is reached so the model has to answer.
func (s *providerSession) request(msgs []ai.Message, schema *ai.ResponseSchema, round int) *ai.ChatRequest {
	req := &ai.ChatRequest{
		Messages:       msgs,
		System:         s.instructions,
		MaxTokens:      s.backend.gen.MaxTokens,
		Temperature:    s.backend.gen.Temperature,
		ResponseFormat: schema,
	}
	if round < s.backend.gen.MaxToolRounds {
		req.Tools = s.tools
	}
	return req
}

func (s *providerSession) run(ctx context.Context, msgs []ai.Message, schema *ai.ResponseSchema, events <-chan ai.StreamEvent, out chan<- Snapshot) {
	defer close(out)

	send := func(snap Snapshot) bool {
		select {
		case out <- snap:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for round := 0; ; round++ {
		var (
			text      strings.Builder
			calls     []ai.ToolCall
			streamErr error
			partial   bool
		)

	consume:
		for ev := range events {
			switch ev.Type {
			case ai.EventTypeText:
				if ev.Text == "" {
					continue
				}
				text.WriteString(ev.Text)
				snap := s.snapshot(text.String(), schema)
				partial = partial || snap.Partial != nil
				if !send(snap) {
					drain(events)
					return
				}
			case ai.EventTypeToolCall:
				if ev.ToolCall != nil {
					calls = append(calls, *ev.ToolCall)
				}
			case ai.EventTypeError:
				streamErr = ev.Error
				break consume
			case ai.EventTypeDone:
				break consume
			}
		}
		drain(events)

		if streamErr != nil {
			send(Snapshot{Text: text.String(), Err: ai.Classify(streamErr)})
			return
		}
		if ctx.Err() != nil {
			return
		}

		if len(calls) == 0 {
			// Models without native structured output sometimes answer in prose
			if schema != nil && !partial && strings.TrimSpace(text.String()) != "" {
				send(Snapshot{Text: text.String(), Partial: plainReply(text.String())})
			}
			return
		}

		var results []ai.ToolResult
		switch limit := s.backend.gen.MaxToolRounds; {
		case round < limit:
			results = s.executeTools(ctx, calls)
		case round == limit:
			// tools were withheld; refuse once and let the model answer
			results = refuseTools(calls)
		default:
			send(Snapshot{Text: text.String(), Err: ai.Classify(errToolLimit)})
			return
		}
		msgs = append(msgs,
			ai.Message{Role: "assistant", Content: text.String(), ToolCalls: calls},
			ai.Message{Role: "tool", ToolResults: results},
		)

		var err error
		events, err = s.backend.provider.Stream(ctx, s.request(msgs, schema, round+1))
		if err != nil {
			send(Snapshot{Err: ai.Classify(err)})
			return
		}
	}
}

func (s *providerSession) snapshot(text string, schema *ai.ResponseSchema) Snapshot {
	snap := Snapshot{Text: text}
	if schema != nil {
		if doc, _ := ai.RepairPartialJSON(text); doc != "" {
			snap.Partial = json.RawMessage(doc)
		}
	}
	return snap
}

func (s *providerSession) executeTools(ctx context.Context, calls []ai.ToolCall) []ai.ToolResult {
	results := make([]ai.ToolResult, 0, len(calls))
	for i := range calls {
		call := &calls[i]

		var res *tools.ToolResult
		if s.backend.registry != nil {
			res = s.backend.registry.Execute(ctx, call)
		} else {
			res = &tools.ToolResult{Content: "Error: no tools are available", IsError: true}
		}
		logging.Debugf("[runner] tool %s (%s) error=%v", call.Name, call.ID, res.IsError)
		s.backend.metrics.RecordToolCall(call.Name, res.IsError)

		results = append(results, ai.ToolResult{
			ToolCallID: call.ID,
			Name:       call.Name,
			Content:    res.Content,
			IsError:    res.IsError,
		})
	}
	return results
}

func refuseTools(calls []ai.ToolCall) []ai.ToolResult {
	results := make([]ai.ToolResult, 0, len(calls))
	for _, call := range calls {
		results = append(results, ai.ToolResult{
			ToolCallID: call.ID,
			Name:       call.Name,
			Content:    "Error: tool call limit reached. Answer with the information you already have.",
			IsError:    true,
		})
	}
	return results
}

// plainReply wraps free text in the structured reply shape
func plainReply(text string) json.RawMessage {
	doc, _ := json.Marshal(ai.StructuredMessage{Role: "assistant", Content: strings.TrimSpace(text)})
	return doc
}
