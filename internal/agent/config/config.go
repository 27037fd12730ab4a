package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/neboloop/nebochat/internal/defaults"
	"github.com/neboloop/nebochat/internal/keyring"
	"github.com/neboloop/nebochat/internal/logging"
)

// Config holds the application configuration
type Config struct {
	DataDir string `yaml:"data_dir"` // Platform data directory

	// Provider selection
	Provider  string           `yaml:"provider"`  // Name of the active provider
	Providers []ProviderConfig `yaml:"providers"` // Known providers

	Budget     BudgetConfig     `yaml:"budget"`
	Generation GenerationConfig `yaml:"generation"`
	Tools      ToolsConfig      `yaml:"tools"`
	Storage    StorageConfig    `yaml:"storage"`
	Events     EventsConfig     `yaml:"events"`
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`

	path string // file this config was loaded from, if any
}

// ProviderConfig holds configuration for a single provider
type ProviderConfig struct {
	Name    string `yaml:"name"`               // Identifier for this provider
	Type    string `yaml:"type"`               // "anthropic", "openai", "ollama" or "gemini"
	APIKey  string `yaml:"api_key,omitempty"`  // For hosted providers
	Model   string `yaml:"model,omitempty"`    // Model to use
	BaseURL string `yaml:"base_url,omitempty"` // Ollama host or OpenAI-compatible endpoint
}

// BudgetConfig controls how much history is sent with each request.
// Below SafetyMargin the full history is sent; at or above it the rolling
// summary and the latest message are sent instead.
type BudgetConfig struct {
	Estimator    string `yaml:"estimator"`     // "words" or "chars"
	SafetyMargin int    `yaml:"safety_margin"` // Switch to compact mode at this size
	HardLimit    int    `yaml:"hard_limit"`    // Backend context limit in the same unit
}

// GenerationConfig holds request parameters
type GenerationConfig struct {
	Instructions  string  `yaml:"instructions,omitempty"` // Extra persona text appended to the built-in instructions
	MaxToolRounds int     `yaml:"max_tool_rounds"`        // Tool call/resume cycles per response
	MaxTokens     int     `yaml:"max_tokens"`
	Temperature   float64 `yaml:"temperature"`
}

// ToolsConfig holds per-tool settings
type ToolsConfig struct {
	Web WebToolConfig `yaml:"web"`
}

// WebToolConfig controls the web page analyser
type WebToolConfig struct {
	Timeout              time.Duration `yaml:"timeout"`
	MaxBodyBytes         int64         `yaml:"max_body_bytes"`
	UserAgent            string        `yaml:"user_agent,omitempty"`
	AllowPrivateNetworks bool          `yaml:"allow_private_networks"` // Tests and local use only
}

// StorageConfig selects the conversation store
type StorageConfig struct {
	Driver      string `yaml:"driver"`                 // "sqlite", "postgres" or "memory"
	SQLitePath  string `yaml:"sqlite_path,omitempty"`  // Default: <data_dir>/data/nebochat.db
	PostgresURL string `yaml:"postgres_url,omitempty"` // pgx connection string
}

// EventsConfig enables publishing lifecycle events to NATS
type EventsConfig struct {
	NATSURL       string `yaml:"nats_url,omitempty"`
	NATSToken     string `yaml:"nats_token,omitempty"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Addr      string `yaml:"addr"`
	JWTSecret string `yaml:"jwt_secret,omitempty"` // Empty disables API auth
}

// LogConfig holds logging settings
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Estimators
const (
	EstimatorWords = "words"
	EstimatorChars = "chars"
)

// Storage drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		DataDir: DefaultDataDir(),
		Providers: []ProviderConfig{
			{Name: "ollama", Type: "ollama", Model: "qwen3:4b"},
		},
		Budget: BudgetConfig{
			Estimator:    EstimatorWords,
			SafetyMargin: 3000,
			HardLimit:    4096,
		},
		Generation: GenerationConfig{
			MaxToolRounds: 4,
			MaxTokens:     1024,
			Temperature:   0.7,
		},
		Tools: ToolsConfig{
			Web: WebToolConfig{
				Timeout:      15 * time.Second,
				MaxBodyBytes: 2 << 20,
			},
		},
		Storage: StorageConfig{Driver: DriverSQLite},
		Events:  EventsConfig{SubjectPrefix: "nebochat"},
		Server:  ServerConfig{Addr: "127.0.0.1:27900"},
		Log:     LogConfig{Level: "info", Pretty: true},
	}
}

// DefaultDataDir returns the platform-appropriate data directory.
func DefaultDataDir() string {
	dir, err := defaults.DataDir()
	if err != nil {
		return ".nebochat"
	}
	return dir
}

// Load loads config from the data directory's config.yaml. A missing file
// yields the defaults.
func Load() (*Config, error) {
	path := filepath.Join(DefaultDataDir(), "config.yaml")
	cfg, err := LoadFrom(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg = DefaultConfig()
		cfg.path = path
		return cfg, nil
	}
	return cfg, err
}

// LoadFrom loads config from a specific path
func LoadFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	cfg.path = path
	return cfg, nil
}

// Parse decodes YAML over the defaults, expands environment references and
// validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.expand()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) expand() {
	c.DataDir = expandHome(c.DataDir)
	c.Storage.SQLitePath = expandHome(c.Storage.SQLitePath)
	c.Storage.PostgresURL = os.ExpandEnv(c.Storage.PostgresURL)
	c.Events.NATSURL = os.ExpandEnv(c.Events.NATSURL)
	c.Events.NATSToken = os.ExpandEnv(c.Events.NATSToken)
	c.Server.JWTSecret = os.ExpandEnv(c.Server.JWTSecret)
	for i := range c.Providers {
		c.Providers[i].APIKey = os.ExpandEnv(c.Providers[i].APIKey)
		c.Providers[i].BaseURL = os.ExpandEnv(c.Providers[i].BaseURL)
	}
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// Validate checks the settings that would otherwise fail at request time
func (c *Config) Validate() error {
	var errs []error

	switch c.Budget.Estimator {
	case EstimatorWords, EstimatorChars:
	default:
		errs = append(errs, fmt.Errorf("budget.estimator: unknown estimator %q (want words or chars)", c.Budget.Estimator))
	}
	if c.Budget.SafetyMargin <= 0 {
		errs = append(errs, fmt.Errorf("budget.safety_margin must be positive, got %d", c.Budget.SafetyMargin))
	}
	if c.Budget.HardLimit < c.Budget.SafetyMargin {
		errs = append(errs, fmt.Errorf("budget.hard_limit (%d) must be at least safety_margin (%d)", c.Budget.HardLimit, c.Budget.SafetyMargin))
	}
	if c.Generation.MaxToolRounds < 0 {
		errs = append(errs, fmt.Errorf("generation.max_tool_rounds must not be negative"))
	}

	switch c.Storage.Driver {
	case DriverSQLite, DriverMemory:
	case DriverPostgres:
		if c.Storage.PostgresURL == "" {
			errs = append(errs, errors.New("storage.postgres_url is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}

	seen := make(map[string]bool)
	for _, p := range c.Providers {
		if p.Name == "" {
			errs = append(errs, errors.New("providers: every provider needs a name"))
			continue
		}
		if seen[p.Name] {
			errs = append(errs, fmt.Errorf("providers: duplicate name %q", p.Name))
		}
		seen[p.Name] = true
		switch p.Type {
		case "anthropic", "openai", "ollama", "gemini":
		default:
			errs = append(errs, fmt.Errorf("providers.%s: unknown type %q", p.Name, p.Type))
		}
	}
	if c.Provider != "" && !seen[c.Provider] {
		errs = append(errs, fmt.Errorf("provider %q is not in providers", c.Provider))
	}

	return errors.Join(errs...)
}

// Save saves the config to the file it was loaded from, or the data
// directory's config.yaml.
func (c *Config) Save() error {
	path := c.Path()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Path returns the config file location
func (c *Config) Path() string {
	if c.path != "" {
		return c.path
	}
	return filepath.Join(c.DataDir, "config.yaml")
}

// DBPath returns the path to the SQLite database
func (c *Config) DBPath() string {
	if c.Storage.SQLitePath != "" {
		return c.Storage.SQLitePath
	}
	return filepath.Join(c.DataDir, "data", "nebochat.db")
}

// EnsureDataDir creates the data directory if it doesn't exist
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0700)
}

// GetProvider returns the provider config by name, or nil if not found
func (c *Config) GetProvider(name string) *ProviderConfig {
	for i := range c.Providers {
		if c.Providers[i].Name == name {
			return &c.Providers[i]
		}
	}
	return nil
}

// ActiveProvider returns the selected provider, falling back to the first one
func (c *Config) ActiveProvider() *ProviderConfig {
	if p := c.GetProvider(c.Provider); p != nil {
		return p
	}
	if len(c.Providers) > 0 {
		return &c.Providers[0]
	}
	return nil
}

// envKeys maps provider types to the environment variable holding their key
var envKeys = map[string]string{
	"anthropic": "ANTHROPIC_API_KEY",
	"openai":    "OPENAI_API_KEY",
	"gemini":    "GEMINI_API_KEY",
}

// ResolveAPIKey returns the key from config, then the environment, then the
// OS keychain. Ollama needs none.
func (p *ProviderConfig) ResolveAPIKey() string {
	if p.APIKey != "" {
		return p.APIKey
	}
	if env, ok := envKeys[p.Type]; ok {
		if key := os.Getenv(env); key != "" {
			return key
		}
	}
	if p.Type == "ollama" {
		return ""
	}
	key, err := keyring.Get(p.Name)
	if err != nil {
		if !errors.Is(err, keyring.ErrNotFound) {
			logging.Debugf("[config] keychain lookup for %s failed: %v", p.Name, err)
		}
		return ""
	}
	return key
}
