package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/neboloop/nebochat/internal/logging"
)

// GeminiProvider implements the Google Gemini API
type GeminiProvider struct {
	apiKey string
	model  string
}

// NewGeminiProvider creates a new Gemini provider
func NewGeminiProvider(apiKey, model string) *GeminiProvider {
	return &GeminiProvider{apiKey: apiKey, model: model}
}

// ID returns the provider identifier
func (p *GeminiProvider) ID() string {
	return "gemini"
}

// Availability requires an API key and a model
func (p *GeminiProvider) Availability(_ context.Context) Availability {
	if p.apiKey == "" {
		return Unavailable(ReasonNotConfigured, "no Gemini API key")
	}
	if p.model == "" {
		return Unavailable(ReasonNotConfigured, "no Gemini model configured")
	}
	return Ready()
}

// Prewarm is a no-op for hosted models
func (p *GeminiProvider) Prewarm(_ context.Context) {}

// Stream sends a request and returns streaming events. A client is opened per
// request and closed when the stream drains.
func (p *GeminiProvider) Stream(ctx context.Context, req *ChatRequest) (<-chan StreamEvent, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(p.apiKey))
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}

	name := p.model
	if req.Model != "" {
		name = req.Model
	}
	model := client.GenerativeModel(name)

	if req.Temperature > 0 {
		model.SetTemperature(float32(req.Temperature))
	}
	if req.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(req.MaxTokens))
	}

	system := req.System
	if req.ResponseFormat != nil {
		system += req.ResponseFormat.Instruction()
		// JSON mode cannot be combined with function calling
		if len(req.Tools) == 0 {
			model.ResponseMIMEType = "application/json"
		}
	}
	if system != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}

	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, tool := range req.Tools {
			schema, err := geminiSchema(tool.InputSchema)
			if err != nil {
				logging.Warnf("[Gemini] Failed to parse tool schema for %s: %v", tool.Name, err)
				continue
			}
			decls = append(decls, &genai.FunctionDeclaration{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schema,
			})
		}
		model.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	contents := p.buildContents(req.Messages)
	if len(contents) == 0 {
		client.Close()
		return nil, errors.New("gemini: no messages to send")
	}

	cs := model.StartChat()
	cs.History = contents[:len(contents)-1]
	last := contents[len(contents)-1]

	logging.Debugf("[Gemini] Sending request: model=%s messages=%d tools=%d structured=%v",
		name, len(contents), len(req.Tools), req.ResponseFormat != nil)

	iter := cs.SendMessageStream(ctx, last.Parts...)

	events := make(chan StreamEvent, 100)
	go func() {
		defer client.Close()
		p.handleStream(iter, events)
	}()

	return events, nil
}

// buildContents converts generation turns to Gemini contents
func (p *GeminiProvider) buildContents(msgs []Message) []*genai.Content {
	var result []*genai.Content

	for _, msg := range msgs {
		switch msg.Role {
		case "user":
			if msg.Content == "" {
				continue
			}
			result = append(result, &genai.Content{Role: "user", Parts: []genai.Part{genai.Text(msg.Content)}})

		case "assistant":
			var parts []genai.Part
			if msg.Content != "" {
				parts = append(parts, genai.Text(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				var args map[string]any
				if err := json.Unmarshal(tc.Input, &args); err != nil {
					args = map[string]any{}
				}
				parts = append(parts, genai.FunctionCall{Name: tc.Name, Args: args})
			}
			if len(parts) > 0 {
				result = append(result, &genai.Content{Role: "model", Parts: parts})
			}

		case "tool":
			var parts []genai.Part
			for _, r := range msg.ToolResults {
				response := map[string]any{"content": r.Content}
				if r.IsError {
					response["error"] = true
				}
				parts = append(parts, genai.FunctionResponse{Name: r.Name, Response: response})
			}
			if len(parts) > 0 {
				result = append(result, &genai.Content{Role: "user", Parts: parts})
			}
		}
	}

	return result
}

// handleStream processes the streaming response
func (p *GeminiProvider) handleStream(iter *genai.GenerateContentResponseIterator, events chan<- StreamEvent) {
	defer close(events)

	toolCallCounter := 0
	for {
		resp, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			var blocked *genai.BlockedError
			if errors.As(err, &blocked) {
				events <- StreamEvent{
					Type:  EventTypeError,
					Error: &GenerationError{Kind: ErrGuardrailViolation, Err: err},
				}
				return
			}
			logging.Warnf("[Gemini] Stream error: %v", err)
			events <- StreamEvent{Type: EventTypeError, Error: err}
			return
		}

		for _, cand := range resp.Candidates {
			if cand.FinishReason == genai.FinishReasonSafety {
				events <- StreamEvent{
					Type:  EventTypeError,
					Error: &GenerationError{Kind: ErrGuardrailViolation, Err: errors.New("response blocked by safety settings")},
				}
				return
			}
			if cand.Content == nil {
				continue
			}
			for _, part := range cand.Content.Parts {
				switch v := part.(type) {
				case genai.Text:
					if v != "" {
						events <- StreamEvent{Type: EventTypeText, Text: string(v)}
					}
				case genai.FunctionCall:
					toolCallCounter++
					args, _ := json.Marshal(v.Args)
					events <- StreamEvent{
						Type: EventTypeToolCall,
						ToolCall: &ToolCall{
							ID:    fmt.Sprintf("gemini-call-%d", toolCallCounter),
							Name:  v.Name,
							Input: args,
						},
					}
				}
			}
		}
	}

	events <- StreamEvent{Type: EventTypeDone}
}

// geminiSchema converts a JSON schema document into the genai schema tree.
// Only the subset tool schemas use is supported.
func geminiSchema(raw json.RawMessage) (*genai.Schema, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return convertGeminiSchema(doc), nil
}

func convertGeminiSchema(doc map[string]any) *genai.Schema {
	s := &genai.Schema{}
	switch doc["type"] {
	case "object":
		s.Type = genai.TypeObject
	case "array":
		s.Type = genai.TypeArray
	case "integer":
		s.Type = genai.TypeInteger
	case "number":
		s.Type = genai.TypeNumber
	case "boolean":
		s.Type = genai.TypeBoolean
	default:
		s.Type = genai.TypeString
	}
	if desc, ok := doc["description"].(string); ok {
		s.Description = desc
	}
	if enum, ok := doc["enum"].([]any); ok {
		for _, e := range enum {
			if str, ok := e.(string); ok {
				s.Enum = append(s.Enum, str)
			}
		}
	}
	if props, ok := doc["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, prop := range props {
			if m, ok := prop.(map[string]any); ok {
				s.Properties[name] = convertGeminiSchema(m)
			}
		}
	}
	if items, ok := doc["items"].(map[string]any); ok {
		s.Items = convertGeminiSchema(items)
	}
	if required, ok := doc["required"].([]any); ok {
		for _, r := range required {
			if str, ok := r.(string); ok {
				s.Required = append(s.Required, str)
			}
		}
	}
	return s
}
