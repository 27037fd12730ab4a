package cli

import (
	"context"
	"errors"

	"github.com/neboloop/nebochat/internal/agent/ai"
	"github.com/neboloop/nebochat/internal/agent/config"
	"github.com/neboloop/nebochat/internal/agent/runner"
	"github.com/neboloop/nebochat/internal/agent/tools"
	"github.com/neboloop/nebochat/internal/metrics"
)

// createProvider builds the provider for one config entry. Keys resolve from
// config, environment, then keychain.
func createProvider(pcfg *config.ProviderConfig) ai.Provider {
	switch pcfg.Type {
	case "anthropic":
		return ai.NewAnthropicProvider(pcfg.ResolveAPIKey(), pcfg.Model)
	case "openai":
		return ai.NewOpenAIProvider(pcfg.ResolveAPIKey(), pcfg.Model, pcfg.BaseURL)
	case "gemini":
		return ai.NewGeminiProvider(pcfg.ResolveAPIKey(), pcfg.Model)
	case "ollama":
		return ai.NewOllamaProvider(pcfg.BaseURL, pcfg.Model)
	}
	return unconfiguredProvider{id: pcfg.Name}
}

// newRegistry registers the tools the model may call
func newRegistry(cfg *config.Config) *tools.Registry {
	registry := tools.NewRegistry()
	registry.Register(newWebAnalyser(cfg))
	return registry
}

func newWebAnalyser(cfg *config.Config) *tools.WebAnalyser {
	return tools.NewWebAnalyser(tools.WebConfig{
		Timeout:              cfg.Tools.Web.Timeout,
		MaxBodyBytes:         cfg.Tools.Web.MaxBodyBytes,
		UserAgent:            cfg.Tools.Web.UserAgent,
		AllowPrivateNetworks: cfg.Tools.Web.AllowPrivateNetworks,
	})
}

// newBackend wraps the active provider for the runner
func newBackend(cfg *config.Config, registry *tools.Registry, m *metrics.Metrics) *runner.ProviderBackend {
	var provider ai.Provider = unconfiguredProvider{id: "none"}
	if pcfg := cfg.ActiveProvider(); pcfg != nil {
		provider = createProvider(pcfg)
	}
	return runner.NewProviderBackend(provider, registry, cfg.Generation, m)
}

// unconfiguredProvider stands in when no provider is set up, so the runner
// reports "not configured" instead of the CLI refusing to start.
type unconfiguredProvider struct {
	id string
}

func (p unconfiguredProvider) ID() string { return p.id }

func (p unconfiguredProvider) Availability(context.Context) ai.Availability {
	return ai.Unavailable(ai.ReasonNotConfigured, "no provider configured (add one to config.yaml)")
}

func (p unconfiguredProvider) Stream(context.Context, *ai.ChatRequest) (<-chan ai.StreamEvent, error) {
	return nil, errors.New("no provider configured")
}

func (p unconfiguredProvider) Prewarm(context.Context) {}
