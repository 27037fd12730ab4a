package cli

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/neboloop/nebochat/internal/agent/ai"
	"github.com/neboloop/nebochat/internal/agent/config"
	"github.com/neboloop/nebochat/internal/agent/tools"
)

func TestCreateProvider(t *testing.T) {
	tests := []struct {
		typ  string
		want string
	}{
		{"anthropic", "*ai.AnthropicProvider"},
		{"openai", "*ai.OpenAIProvider"},
		{"gemini", "*ai.GeminiProvider"},
		{"ollama", "*ai.OllamaProvider"},
		{"bogus", "cli.unconfiguredProvider"},
	}
	for _, tt := range tests {
		t.Run(tt.typ, func(t *testing.T) {
			p := createProvider(&config.ProviderConfig{Name: tt.typ, Type: tt.typ, APIKey: "k", Model: "m"})
			if got := typeName(p); got != tt.want {
				t.Errorf("createProvider(%s) = %s, want %s", tt.typ, got, tt.want)
			}
		})
	}
}

func TestNewBackendWithoutProviders(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Providers = nil
	cfg.Provider = ""

	b := newBackend(cfg, tools.NewRegistry(), nil)
	a := b.Availability(context.Background())
	if a.Available {
		t.Fatal("backend without providers should be unavailable")
	}
	if a.Reason != ai.ReasonNotConfigured {
		t.Errorf("reason = %s, want %s", a.Reason, ai.ReasonNotConfigured)
	}
}

func TestNewRegistryHasWebAnalyser(t *testing.T) {
	r := newRegistry(config.DefaultConfig())
	if _, ok := r.Get(tools.WebAnalyserName); !ok {
		t.Fatalf("registry missing %s", tools.WebAnalyserName)
	}
}

func TestTitleFrom(t *testing.T) {
	if got := titleFrom("  what   is\nGo? "); got != "what is Go?" {
		t.Errorf("titleFrom = %q", got)
	}

	long := strings.Repeat("word ", 40)
	got := titleFrom(long)
	if n := len([]rune(got)); n != 60 {
		t.Errorf("long title has %d runes, want 60", n)
	}
	if !strings.HasSuffix(got, "…") {
		t.Errorf("long title should end with an ellipsis: %q", got)
	}
}

func TestTargetID(t *testing.T) {
	conversationID = "from-flag"
	defer func() { conversationID = "" }()

	if got := targetID(nil); got != "from-flag" {
		t.Errorf("targetID(nil) = %q", got)
	}
	if got := targetID([]string{"arg"}); got != "arg" {
		t.Errorf("targetID(arg) = %q", got)
	}
}

func TestRootCommands(t *testing.T) {
	root := SetupRootCmd(config.DefaultConfig())
	for _, name := range []string{"chat", "conversations", "analyse", "serve", "doctor", "keys", "token"} {
		if cmd, _, err := root.Find([]string{name}); err != nil || cmd.Name() != name {
			t.Errorf("missing command %s", name)
		}
	}
	for _, flag := range []string{"config", "conversation", "provider", "verbose"} {
		if root.PersistentFlags().Lookup(flag) == nil {
			t.Errorf("missing persistent flag --%s", flag)
		}
	}
}

func typeName(v any) string {
	return fmt.Sprintf("%T", v)
}
