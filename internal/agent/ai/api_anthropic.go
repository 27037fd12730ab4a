package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/neboloop/nebochat/internal/logging"
)

const defaultMaxTokens = 4096

// AnthropicProvider implements the Anthropic Claude API using the official SDK
type AnthropicProvider struct {
	client anthropic.Client
	apiKey string
	model  string
}

// NewAnthropicProvider creates a new Anthropic provider
func NewAnthropicProvider(apiKey, model string) *AnthropicProvider {
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicProvider{
		client: client,
		apiKey: apiKey,
		model:  model,
	}
}

// ID returns the provider identifier
func (p *AnthropicProvider) ID() string {
	return "anthropic"
}

// Availability requires an API key and a model
func (p *AnthropicProvider) Availability(_ context.Context) Availability {
	if p.apiKey == "" {
		return Unavailable(ReasonNotConfigured, "no Anthropic API key")
	}
	if p.model == "" {
		return Unavailable(ReasonNotConfigured, "no Anthropic model configured")
	}
	return Ready()
}

// Prewarm is a no-op; the SDK keeps its HTTP connections warm
func (p *AnthropicProvider) Prewarm(_ context.Context) {}

// Stream sends a request and returns streaming events
func (p *AnthropicProvider) Stream(ctx context.Context, req *ChatRequest) (<-chan StreamEvent, error) {
	messages := p.buildMessages(req.Messages)

	model := p.model
	if req.Model != "" {
		model = req.Model
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(defaultMaxTokens),
		Messages:  messages,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = int64(req.MaxTokens)
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	// No native structured output: the schema travels in the system prompt
	system := req.System
	if req.ResponseFormat != nil {
		system += req.ResponseFormat.Instruction()
	}
	if debugAI {
		logging.Debugf("[Anthropic] System prompt:\n%s", system)
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: system},
		}
	}

	if len(req.Tools) > 0 {
		tools := make([]anthropic.ToolUnionParam, 0, len(req.Tools))
		for _, tool := range req.Tools {
			var schema map[string]interface{}
			if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
				logging.Warnf("[Anthropic] Failed to parse tool schema for %s: %v", tool.Name, err)
				continue
			}

			toolParam := anthropic.ToolParam{
				Name:        tool.Name,
				Description: anthropic.String(tool.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: schema["properties"],
				},
			}
			if required, ok := schema["required"].([]interface{}); ok {
				reqStrings := make([]string, 0, len(required))
				for _, r := range required {
					if s, ok := r.(string); ok {
						reqStrings = append(reqStrings, s)
					}
				}
				toolParam.InputSchema.Required = reqStrings
			}

			tools = append(tools, anthropic.ToolUnionParam{OfTool: &toolParam})
		}
		params.Tools = tools
	}

	logging.Debugf("[Anthropic] Sending request: model=%s messages=%d tools=%d structured=%v",
		model, len(messages), len(req.Tools), req.ResponseFormat != nil)

	stream := p.client.Messages.NewStreaming(ctx, params)

	events := make(chan StreamEvent, 100)
	go p.handleStream(stream, events)

	return events, nil
}

// buildMessages converts generation turns to Anthropic format
func (p *AnthropicProvider) buildMessages(msgs []Message) []anthropic.MessageParam {
	var result []anthropic.MessageParam

	for _, msg := range msgs {
		switch msg.Role {
		case "user":
			// Empty text blocks are rejected by the API
			if msg.Content == "" {
				continue
			}
			result = append(result, anthropic.NewUserMessage(
				anthropic.NewTextBlock(msg.Content),
			))

		case "assistant":
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				var input map[string]interface{}
				if err := json.Unmarshal(tc.Input, &input); err != nil {
					input = map[string]interface{}{}
				}
				blocks = append(blocks, anthropic.ContentBlockParamUnion{
					OfToolUse: &anthropic.ToolUseBlockParam{
						ID:    tc.ID,
						Name:  tc.Name,
						Input: input,
					},
				})
			}
			if len(blocks) > 0 {
				result = append(result, anthropic.MessageParam{
					Role:    anthropic.MessageParamRoleAssistant,
					Content: blocks,
				})
			}

		case "tool":
			var blocks []anthropic.ContentBlockParamUnion
			for _, r := range msg.ToolResults {
				blocks = append(blocks, anthropic.NewToolResultBlock(r.ToolCallID, r.Content, r.IsError))
			}
			if len(blocks) > 0 {
				result = append(result, anthropic.NewUserMessage(blocks...))
			}
		}
	}

	return result
}

// handleStream processes the streaming response
func (p *AnthropicProvider) handleStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], events chan<- StreamEvent) {
	defer close(events)

	var currentToolID string
	var currentToolName string
	var inputBuffer string

	for stream.Next() {
		event := stream.Current()

		switch event.Type {
		case "content_block_start":
			cb := event.AsContentBlockStart()
			if toolUse, ok := cb.ContentBlock.AsAny().(anthropic.ToolUseBlock); ok {
				currentToolID = toolUse.ID
				currentToolName = toolUse.Name
				inputBuffer = ""
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta()
			switch d := delta.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				events <- StreamEvent{Type: EventTypeText, Text: d.Text}
			case anthropic.InputJSONDelta:
				inputBuffer += d.PartialJSON
			}

		case "content_block_stop":
			if currentToolID != "" {
				input := inputBuffer
				if input == "" {
					input = "{}"
				}
				events <- StreamEvent{
					Type: EventTypeToolCall,
					ToolCall: &ToolCall{
						ID:    currentToolID,
						Name:  currentToolName,
						Input: json.RawMessage(input),
					},
				}
				currentToolID = ""
				currentToolName = ""
				inputBuffer = ""
			}

		case "message_delta":
			md := event.AsMessageDelta()
			if md.Delta.StopReason == anthropic.StopReasonRefusal {
				events <- StreamEvent{
					Type:  EventTypeError,
					Error: &GenerationError{Kind: ErrGuardrailViolation, Err: errors.New("the model refused to respond")},
				}
				return
			}

		case "message_stop":
			events <- StreamEvent{Type: EventTypeDone}
			return

		case "error":
			events <- StreamEvent{
				Type:  EventTypeError,
				Error: fmt.Errorf("stream error: %s", event.RawJSON()),
			}
			return
		}
	}

	if err := stream.Err(); err != nil {
		logging.Warnf("[Anthropic] Stream error: %v", err)
		events <- StreamEvent{Type: EventTypeError, Error: anthropicError(err)}
		return
	}

	events <- StreamEvent{Type: EventTypeDone}
}

// anthropicError lifts SDK API errors into ProviderError so they classify
func anthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &ProviderError{
			Message: apiErr.Error(),
			Status:  apiErr.StatusCode,
			Type:    anthropicErrorType(apiErr.RawJSON()),
		}
	}
	return err
}

func anthropicErrorType(raw string) string {
	var body struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(raw), &body); err != nil {
		return ""
	}
	return body.Error.Type
}
