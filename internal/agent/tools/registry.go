package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/neboloop/nebochat/internal/agent/ai"
	"github.com/neboloop/nebochat/internal/logging"
)

// ToolResult represents the result of a tool execution
type ToolResult struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// Tool interface that all tools must implement
type Tool interface {
	// Name returns the tool's unique name
	Name() string

	// Description returns a description for the AI
	Description() string

	// Schema returns the JSON schema for the tool's input
	Schema() json.RawMessage

	// Execute runs the tool with the given input
	Execute(ctx context.Context, input json.RawMessage) (*ToolResult, error)
}

// Registry manages available tools
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty tool registry
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool to the registry
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.tools[tool.Name()]; ok {
		logging.Warnf("[Registry] tool %q already registered (%T), overwritten by %T",
			tool.Name(), existing, tool)
	}
	r.tools[tool.Name()] = tool
}

// Unregister removes a tool from the registry by name
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a tool by name
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// List returns all tools as AI tool definitions, sorted by name so
// requests are stable across calls.
func (r *Registry) List() []ai.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]ai.ToolDefinition, 0, len(r.tools))
	for _, tool := range r.tools {
		defs = append(defs, ai.ToolDefinition{
			Name:        tool.Name(),
			Description: tool.Description(),
			InputSchema: tool.Schema(),
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Execute runs a tool and returns the result. Failures of any kind come
// back as an error result so the model can read them and carry on.
func (r *Registry) Execute(ctx context.Context, toolCall *ai.ToolCall) *ToolResult {
	logging.Debugf("[Registry] Executing tool: %s", toolCall.Name)

	r.mu.RLock()
	tool, ok := r.tools[toolCall.Name]
	available := make([]string, 0, len(r.tools))
	for name := range r.tools {
		available = append(available, name)
	}
	r.mu.RUnlock()

	if !ok {
		logging.Warnf("[Registry] Unknown tool: %s", toolCall.Name)
		sort.Strings(available)
		return &ToolResult{
			Content: fmt.Sprintf(
				"TOOL ERROR: %q does not exist. Do NOT call it again.\n\n%s\nYour available tools are: %s",
				toolCall.Name, toolCorrection(toolCall.Name), strings.Join(available, ", ")),
			IsError: true,
		}
	}

	result, err := tool.Execute(ctx, toolCall.Input)
	if err != nil {
		return &ToolResult{Content: fmt.Sprintf("Error: %v", err), IsError: true}
	}
	if result == nil {
		return &ToolResult{Content: "Error: tool returned no result", IsError: true}
	}
	return result
}

// toolCorrection returns a "use this instead" hint for names models
// commonly invent for page lookups.
func toolCorrection(name string) string {
	switch strings.ToLower(name) {
	case "web", "web_fetch", "webfetch", "fetch", "browse", "open_url", "web_analyser", "webanalyzer", "web_analyzer":
		return "INSTEAD USE: WebAnalyser(url: \"https://...\")"
	default:
		return "Check your available tools and use the correct name."
	}
}
