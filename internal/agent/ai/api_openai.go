package ai

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/shared"

	"github.com/neboloop/nebochat/internal/logging"
)

// OpenAIProvider implements the OpenAI API using the official SDK
type OpenAIProvider struct {
	client openai.Client
	apiKey string
	model  string
}

// NewOpenAIProvider creates a new OpenAI provider. baseURL is optional and
// allows OpenAI-compatible endpoints.
func NewOpenAIProvider(apiKey, model, baseURL string) *OpenAIProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIProvider{
		client: openai.NewClient(opts...),
		apiKey: apiKey,
		model:  model,
	}
}

// ID returns the provider identifier
func (p *OpenAIProvider) ID() string {
	return "openai"
}

// Availability requires an API key and a model
func (p *OpenAIProvider) Availability(_ context.Context) Availability {
	if p.apiKey == "" {
		return Unavailable(ReasonNotConfigured, "no OpenAI API key")
	}
	if p.model == "" {
		return Unavailable(ReasonNotConfigured, "no OpenAI model configured")
	}
	return Ready()
}

// Prewarm is a no-op for hosted models
func (p *OpenAIProvider) Prewarm(_ context.Context) {}

// Stream sends a request and returns streaming events
func (p *OpenAIProvider) Stream(ctx context.Context, req *ChatRequest) (<-chan StreamEvent, error) {
	messages := p.buildMessages(req)

	model := p.model
	if req.Model != "" {
		model = req.Model
	}

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}

	if req.ResponseFormat != nil {
		var schema map[string]interface{}
		if err := json.Unmarshal(req.ResponseFormat.Schema, &schema); err != nil {
			return nil, &GenerationError{Kind: ErrUnsupported, Err: err}
		}
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
				JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:        req.ResponseFormat.Name,
					Description: openai.String(req.ResponseFormat.Description),
					Schema:      schema,
					Strict:      openai.Bool(true),
				},
			},
		}
	}

	if len(req.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolParam, 0, len(req.Tools))
		for _, tool := range req.Tools {
			var schema map[string]interface{}
			if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
				logging.Warnf("[OpenAI] Failed to parse tool schema for %s: %v", tool.Name, err)
				continue
			}
			tools = append(tools, openai.ChatCompletionToolParam{
				Function: shared.FunctionDefinitionParam{
					Name:        tool.Name,
					Description: openai.String(tool.Description),
					Parameters:  shared.FunctionParameters(schema),
				},
			})
		}
		params.Tools = tools
	}

	logging.Debugf("[OpenAI] Sending request: model=%s messages=%d tools=%d structured=%v",
		model, len(messages), len(req.Tools), req.ResponseFormat != nil)

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)

	events := make(chan StreamEvent, 100)
	go p.handleStream(stream, events)

	return events, nil
}

// buildMessages converts generation turns to OpenAI format
func (p *OpenAIProvider) buildMessages(req *ChatRequest) []openai.ChatCompletionMessageParamUnion {
	var result []openai.ChatCompletionMessageParamUnion

	if req.System != "" {
		result = append(result, openai.SystemMessage(req.System))
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case "user":
			result = append(result, openai.UserMessage(msg.Content))

		case "assistant":
			var toolCalls []openai.ChatCompletionMessageToolCallParam
			for _, tc := range msg.ToolCalls {
				toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: string(tc.Input),
					},
				})
			}

			if msg.Content == "" && len(toolCalls) == 0 {
				continue
			}
			assistantMsg := openai.ChatCompletionAssistantMessageParam{}
			if msg.Content != "" {
				assistantMsg.Content = openai.ChatCompletionAssistantMessageParamContentUnion{
					OfString: openai.String(msg.Content),
				}
			}
			if len(toolCalls) > 0 {
				assistantMsg.ToolCalls = toolCalls
			}
			result = append(result, openai.ChatCompletionMessageParamUnion{
				OfAssistant: &assistantMsg,
			})

		case "tool":
			for _, r := range msg.ToolResults {
				result = append(result, openai.ToolMessage(r.Content, r.ToolCallID))
			}
		}
	}

	return result
}

// handleStream processes the streaming response
func (p *OpenAIProvider) handleStream(stream *ssestream.Stream[openai.ChatCompletionChunk], events chan<- StreamEvent) {
	defer close(events)

	acc := openai.ChatCompletionAccumulator{}

	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)

		if tool, ok := acc.JustFinishedToolCall(); ok {
			events <- StreamEvent{
				Type: EventTypeToolCall,
				ToolCall: &ToolCall{
					ID:    tool.ID,
					Name:  tool.Name,
					Input: json.RawMessage(tool.Arguments),
				},
			}
		}

		if refusal, ok := acc.JustFinishedRefusal(); ok {
			events <- StreamEvent{
				Type:  EventTypeError,
				Error: &GenerationError{Kind: ErrGuardrailViolation, Err: errors.New(refusal)},
			}
			return
		}

		if len(chunk.Choices) > 0 {
			choice := chunk.Choices[0]
			if choice.Delta.Content != "" {
				events <- StreamEvent{Type: EventTypeText, Text: choice.Delta.Content}
			}
			if choice.FinishReason == "content_filter" {
				events <- StreamEvent{
					Type:  EventTypeError,
					Error: &GenerationError{Kind: ErrGuardrailViolation, Err: errors.New("response stopped by content filter")},
				}
				return
			}
		}
	}

	if err := stream.Err(); err != nil {
		logging.Warnf("[OpenAI] Stream error: %v", err)
		events <- StreamEvent{Type: EventTypeError, Error: openAIError(err)}
		return
	}

	events <- StreamEvent{Type: EventTypeDone}
}

// openAIError lifts SDK API errors into ProviderError so they classify
func openAIError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &ProviderError{
			Code:    apiErr.Code,
			Type:    apiErr.Type,
			Message: apiErr.Message,
			Status:  apiErr.StatusCode,
		}
	}
	return err
}
