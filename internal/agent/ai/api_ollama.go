package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"

	"github.com/neboloop/nebochat/internal/logging"
)

const defaultOllamaURL = "http://localhost:11434"

// OllamaProvider implements the Provider interface for Ollama (local models) using the official SDK
type OllamaProvider struct {
	client    *api.Client
	model     string
	keepAlive time.Duration
}

// NewOllamaProvider creates a new Ollama provider
func NewOllamaProvider(baseURL, model string) *OllamaProvider {
	if baseURL == "" {
		baseURL = defaultOllamaURL
	}
	if model == "" {
		model = "qwen3:4b"
	}

	parsedURL, err := url.Parse(baseURL)
	if err != nil {
		parsedURL, _ = url.Parse(defaultOllamaURL)
	}

	httpClient := &http.Client{
		Timeout: 5 * time.Minute, // local inference is slow on first load
	}

	return &OllamaProvider{
		client:    api.NewClient(parsedURL, httpClient),
		model:     model,
		keepAlive: 10 * time.Minute,
	}
}

// ID returns the provider identifier
func (p *OllamaProvider) ID() string {
	return "ollama"
}

// Availability checks that the server answers and the model has been pulled
func (p *OllamaProvider) Availability(ctx context.Context) Availability {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	resp, err := p.client.List(ctx)
	if err != nil {
		return Unavailable(ReasonResourcePressure, fmt.Sprintf("ollama unreachable: %v", err))
	}
	for _, m := range resp.Models {
		if modelMatches(m.Name, p.model) {
			return Ready()
		}
	}
	return Unavailable(ReasonModelNotReady, fmt.Sprintf("model %s is not pulled", p.model))
}

// Prewarm loads the model into memory so the first token arrives sooner.
// An empty chat request makes Ollama load the model and return immediately.
func (p *OllamaProvider) Prewarm(ctx context.Context) {
	stream := false
	req := &api.ChatRequest{
		Model:     p.model,
		Stream:    &stream,
		KeepAlive: &api.Duration{Duration: p.keepAlive},
	}
	if err := p.client.Chat(ctx, req, func(api.ChatResponse) error { return nil }); err != nil {
		logging.Debugf("[Ollama] Prewarm failed: %v", err)
	}
}

// Stream sends a request to Ollama and streams the response
func (p *OllamaProvider) Stream(ctx context.Context, req *ChatRequest) (<-chan StreamEvent, error) {
	resultCh := make(chan StreamEvent, 100)

	messages := p.buildMessages(req)

	model := p.model
	if req.Model != "" {
		model = req.Model
	}

	stream := true
	chatReq := &api.ChatRequest{
		Model:     model,
		Messages:  messages,
		Stream:    &stream,
		KeepAlive: &api.Duration{Duration: p.keepAlive},
	}

	if req.Temperature > 0 || req.MaxTokens > 0 {
		chatReq.Options = make(map[string]any)
		if req.Temperature > 0 {
			chatReq.Options["temperature"] = req.Temperature
		}
		if req.MaxTokens > 0 {
			chatReq.Options["num_predict"] = req.MaxTokens
		}
	}

	// Constrained decoding against the schema
	if req.ResponseFormat != nil {
		chatReq.Format = req.ResponseFormat.Schema
	}

	if len(req.Tools) > 0 {
		chatReq.Tools = p.buildTools(req.Tools)
	}

	logging.Debugf("[Ollama] Sending request: model=%s messages=%d tools=%d structured=%v",
		model, len(messages), len(req.Tools), req.ResponseFormat != nil)

	go func() {
		defer close(resultCh)

		toolCallCounter := 0
		done := false

		err := p.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
			if resp.Message.Content != "" {
				resultCh <- StreamEvent{Type: EventTypeText, Text: resp.Message.Content}
			}

			for _, tc := range resp.Message.ToolCalls {
				toolCallCounter++
				argsJSON, _ := json.Marshal(tc.Function.Arguments.ToMap())
				id := tc.ID
				if id == "" {
					id = fmt.Sprintf("ollama-call-%d", toolCallCounter)
				}
				resultCh <- StreamEvent{
					Type: EventTypeToolCall,
					ToolCall: &ToolCall{
						ID:    id,
						Name:  tc.Function.Name,
						Input: argsJSON,
					},
				}
			}

			if resp.Done {
				done = true
				resultCh <- StreamEvent{Type: EventTypeDone}
			}
			return nil
		})

		if err != nil {
			logging.Warnf("[Ollama] Stream error: %v", err)
			resultCh <- StreamEvent{Type: EventTypeError, Error: ollamaError(err)}
			return
		}
		if !done {
			resultCh <- StreamEvent{Type: EventTypeDone}
		}
	}()

	return resultCh, nil
}

// buildMessages converts generation turns to Ollama format
func (p *OllamaProvider) buildMessages(req *ChatRequest) []api.Message {
	messages := make([]api.Message, 0, len(req.Messages)+1)

	system := req.System
	if req.ResponseFormat != nil {
		system += req.ResponseFormat.Instruction()
	}
	if debugAI {
		logging.Debugf("[Ollama] System prompt:\n%s", system)
	}
	if system != "" {
		messages = append(messages, api.Message{Role: "system", Content: system})
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case "user":
			messages = append(messages, api.Message{Role: "user", Content: msg.Content})

		case "assistant":
			assistantMsg := api.Message{Role: "assistant", Content: msg.Content}
			for _, tc := range msg.ToolCalls {
				args := api.NewToolCallFunctionArguments()
				var argsMap map[string]any
				if err := json.Unmarshal(tc.Input, &argsMap); err == nil {
					for k, v := range argsMap {
						args.Set(k, v)
					}
				}
				assistantMsg.ToolCalls = append(assistantMsg.ToolCalls, api.ToolCall{
					ID: tc.ID,
					Function: api.ToolCallFunction{
						Name:      tc.Name,
						Arguments: args,
					},
				})
			}
			if assistantMsg.Content != "" || len(assistantMsg.ToolCalls) > 0 {
				messages = append(messages, assistantMsg)
			}

		case "tool":
			for _, r := range msg.ToolResults {
				messages = append(messages, api.Message{
					Role:       "tool",
					Content:    r.Content,
					ToolCallID: r.ToolCallID,
					ToolName:   r.Name,
				})
			}
		}
	}

	return messages
}

// buildTools converts tool definitions to Ollama format
func (p *OllamaProvider) buildTools(tools []ToolDefinition) api.Tools {
	result := make(api.Tools, 0, len(tools))

	for _, tool := range tools {
		var schemaRaw map[string]any
		if err := json.Unmarshal(tool.InputSchema, &schemaRaw); err != nil {
			continue
		}

		params := api.ToolFunctionParameters{Type: "object"}

		if props, ok := schemaRaw["properties"].(map[string]any); ok {
			propsMap := api.NewToolPropertiesMap()
			for name, propRaw := range props {
				if propObj, ok := propRaw.(map[string]any); ok {
					propsMap.Set(name, convertOllamaProperty(propObj))
				}
			}
			params.Properties = propsMap
		}

		if required, ok := schemaRaw["required"].([]any); ok {
			for _, r := range required {
				if s, ok := r.(string); ok {
					params.Required = append(params.Required, s)
				}
			}
		}

		result = append(result, api.Tool{
			Type: "function",
			Function: api.ToolFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  params,
			},
		})
	}

	return result
}

func convertOllamaProperty(prop map[string]any) api.ToolProperty {
	result := api.ToolProperty{}
	if typeVal, ok := prop["type"].(string); ok {
		result.Type = api.PropertyType{typeVal}
	}
	if desc, ok := prop["description"].(string); ok {
		result.Description = desc
	}
	if enum, ok := prop["enum"].([]any); ok {
		result.Enum = enum
	}
	return result
}

// modelMatches compares an installed model tag against a configured name.
// Ollama reports "qwen3:4b" or "llama3:latest"; configs often omit the tag.
func modelMatches(installed, configured string) bool {
	return installed == configured ||
		strings.HasPrefix(installed, configured+":") ||
		strings.TrimSuffix(installed, ":latest") == configured
}

func ollamaError(err error) error {
	if se, ok := err.(api.StatusError); ok {
		return &ProviderError{Message: se.Error(), Status: se.StatusCode, Code: se.Status}
	}
	return err
}
