package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/neboloop/nebochat/internal/agent/ai"
	"github.com/neboloop/nebochat/internal/logging"
)

// WebAnalyserName is the name the model calls the tool by
const WebAnalyserName = "WebAnalyser"

// WebConfig controls how pages are fetched
type WebConfig struct {
	Timeout              time.Duration
	MaxBodyBytes         int64
	UserAgent            string
	AllowPrivateNetworks bool
}

// DefaultWebConfig returns the fetch settings used when nothing is configured
func DefaultWebConfig() WebConfig {
	return WebConfig{
		Timeout:      15 * time.Second,
		MaxBodyBytes: 2 << 20,
		UserAgent:    "Mozilla/5.0 (compatible; nebochat/1.0)",
	}
}

// WebAnalyserInput is the tool's argument object
type WebAnalyserInput struct {
	URL string `json:"url"`
}

// WebAnalyser fetches a page and returns its title, preview image and
// description as WebPageMetadata JSON.
type WebAnalyser struct {
	cfg    WebConfig
	guard  fetchGuard
	client *http.Client
}

// NewWebAnalyser creates the tool. Zero fields in cfg take their defaults.
func NewWebAnalyser(cfg WebConfig) *WebAnalyser {
	def := DefaultWebConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	guard := fetchGuard{allowPrivate: cfg.AllowPrivateNetworks}
	return &WebAnalyser{
		cfg:    cfg,
		guard:  guard,
		client: guard.client(cfg.Timeout),
	}
}

func (t *WebAnalyser) Name() string { return WebAnalyserName }

func (t *WebAnalyser) Description() string {
	return "Fetches a web page and returns its metadata: title, thumbnail image URL and description. " +
		"Call it whenever the user shares a link or asks about a specific web page."
}

func (t *WebAnalyser) Schema() json.RawMessage {
	return json.RawMessage(`{
	"type": "object",
	"properties": {
		"url": {
			"type": "string",
			"description": "Absolute http or https URL of the page to analyse"
		}
	},
	"required": ["url"]
}`)
}

// Execute never returns a Go error for bad input or fetch failures; the
// diagnostic travels back to the model as an error result.
func (t *WebAnalyser) Execute(ctx context.Context, input json.RawMessage) (*ToolResult, error) {
	var in WebAnalyserInput
	if err := json.Unmarshal(input, &in); err != nil {
		return &ToolResult{Content: fmt.Sprintf("Error: invalid arguments: %v", err), IsError: true}, nil
	}
	if strings.TrimSpace(in.URL) == "" {
		return &ToolResult{Content: "Error: url is required", IsError: true}, nil
	}

	meta, err := t.Analyse(ctx, in.URL)
	if err != nil {
		logging.Debugf("[WebAnalyser] %s: %v", in.URL, err)
		return &ToolResult{Content: fmt.Sprintf("Error: %v", err), IsError: true}, nil
	}

	data, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	return &ToolResult{Content: string(data)}, nil
}

// Analyse fetches rawURL and extracts its metadata
func (t *WebAnalyser) Analyse(ctx context.Context, rawURL string) (*ai.WebPageMetadata, error) {
	u, err := t.guard.validate(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", t.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.5")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching URL: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("fetching URL: HTTP %s", resp.Status)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType != "" && !strings.Contains(strings.ToLower(contentType), "html") {
		return nil, fmt.Errorf("unsupported content type %q", contentType)
	}

	meta, err := ExtractMetadata(io.LimitReader(resp.Body, t.cfg.MaxBodyBytes), contentType, resp.Request.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing page: %w", err)
	}
	return &meta, nil
}
