package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	zkr "github.com/zalando/go-keyring"

	"github.com/neboloop/nebochat/internal/defaults"
	"github.com/neboloop/nebochat/internal/keyring"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg)

	assert.Equal(t, EstimatorWords, cfg.Budget.Estimator)
	assert.Equal(t, 3000, cfg.Budget.SafetyMargin)
	assert.Equal(t, 4096, cfg.Budget.HardLimit)
	assert.Equal(t, 4, cfg.Generation.MaxToolRounds)
	assert.Equal(t, DriverSQLite, cfg.Storage.Driver)
	assert.Equal(t, 15*time.Second, cfg.Tools.Web.Timeout)
	assert.NoError(t, cfg.Validate())

	active := cfg.ActiveProvider()
	require.NotNil(t, active)
	assert.Equal(t, "ollama", active.Name)
}

func TestEmbeddedDefaultParses(t *testing.T) {
	data, err := defaults.GetDefault("config.yaml")
	require.NoError(t, err)

	cfg, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, "ollama", cfg.Provider)
	assert.Len(t, cfg.Providers, 4)
	assert.Equal(t, int64(2097152), cfg.Tools.Web.MaxBodyBytes)
}

func TestLoadFrom(t *testing.T) {
	t.Setenv("TEST_PG_URL", "postgres://nebo@localhost/nebochat")
	t.Setenv("TEST_OPENAI_KEY", "sk-from-env")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
data_dir: ~/nebochat-test
provider: openai
providers:
  - name: openai
    type: openai
    model: gpt-4o-mini
    api_key: ${TEST_OPENAI_KEY}
budget:
  estimator: chars
  safety_margin: 100
  hard_limit: 200
tools:
  web:
    timeout: 3s
storage:
  driver: postgres
  postgres_url: ${TEST_PG_URL}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := LoadFrom(path)
	require.NoError(t, err)

	home, _ := os.UserHomeDir()
	assert.Equal(t, filepath.Join(home, "nebochat-test"), cfg.DataDir)
	assert.Equal(t, "postgres://nebo@localhost/nebochat", cfg.Storage.PostgresURL)
	assert.Equal(t, EstimatorChars, cfg.Budget.Estimator)
	assert.Equal(t, 3*time.Second, cfg.Tools.Web.Timeout)
	// untouched sections keep their defaults
	assert.Equal(t, 4, cfg.Generation.MaxToolRounds)
	assert.Equal(t, path, cfg.Path())

	p := cfg.ActiveProvider()
	require.NotNil(t, p)
	assert.Equal(t, "sk-from-env", p.ResolveAPIKey())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero margin", func(c *Config) { c.Budget.SafetyMargin = 0 }},
		{"margin above hard limit", func(c *Config) { c.Budget.SafetyMargin = 5000 }},
		{"unknown estimator", func(c *Config) { c.Budget.Estimator = "tokens" }},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "mongo" }},
		{"postgres without url", func(c *Config) { c.Storage.Driver = DriverPostgres }},
		{"unknown provider type", func(c *Config) { c.Providers[0].Type = "cli" }},
		{"missing active provider", func(c *Config) { c.Provider = "nope" }},
		{"negative tool rounds", func(c *Config) { c.Generation.MaxToolRounds = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	_, err := Parse([]byte("budget:\n  safety_margin: -1\n"))
	assert.Error(t, err)

	_, err = Parse([]byte("budget: [not, a, map]"))
	assert.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.DataDir = dir
	cfg.Budget.SafetyMargin = 1234

	require.NoError(t, cfg.Save())

	loaded, err := LoadFrom(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 1234, loaded.Budget.SafetyMargin)
	assert.Equal(t, cfg.Tools.Web.Timeout, loaded.Tools.Web.Timeout)
}

func TestDBPath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = "/data"
	assert.Equal(t, filepath.Join("/data", "data", "nebochat.db"), cfg.DBPath())

	cfg.Storage.SQLitePath = "/elsewhere/chat.db"
	assert.Equal(t, "/elsewhere/chat.db", cfg.DBPath())
}

func TestResolveAPIKeyOrder(t *testing.T) {
	zkr.MockInit()
	t.Setenv("NEBOCHAT_KEYRING_DISABLED", "")
	t.Setenv("ANTHROPIC_API_KEY", "")

	p := &ProviderConfig{Name: "anthropic", Type: "anthropic"}
	assert.Equal(t, "", p.ResolveAPIKey())

	require.NoError(t, keyring.Set("anthropic", "sk-from-keychain"))
	assert.Equal(t, "sk-from-keychain", p.ResolveAPIKey())

	t.Setenv("ANTHROPIC_API_KEY", "sk-from-env")
	assert.Equal(t, "sk-from-env", p.ResolveAPIKey())

	p.APIKey = "sk-from-config"
	assert.Equal(t, "sk-from-config", p.ResolveAPIKey())

	ollama := &ProviderConfig{Name: "ollama", Type: "ollama"}
	assert.Equal(t, "", ollama.ResolveAPIKey())
}

func TestWatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("budget:\n  safety_margin: 100\n"), 0600))

	var mu sync.Mutex
	var got []int
	w, err := Watch(path, func(c *Config) {
		mu.Lock()
		got = append(got, c.Budget.SafetyMargin)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer w.Close()

	// an invalid edit is skipped, the valid one after it is delivered
	require.NoError(t, os.WriteFile(path, []byte("budget:\n  safety_margin: -5\n"), 0600))
	time.Sleep(300 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("budget:\n  safety_margin: 250\n"), 0600))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0 && got[len(got)-1] == 250
	}, 3*time.Second, 50*time.Millisecond)

	mu.Lock()
	for _, v := range got {
		assert.NotEqual(t, -5, v)
	}
	mu.Unlock()
}
