package cli

import (
	"fmt"
	"os"

	"github.com/neboloop/nebochat/internal/agent/config"
	"github.com/neboloop/nebochat/internal/logging"
)

// Shared CLI flags (used across multiple command files)
var (
	cfgFile        string
	conversationID string
	providerArg    string
	verbose        bool
)

// AppConfig holds the loaded configuration (set by main, replaced by --config)
var AppConfig *config.Config

// loadConfig resolves the effective config for a command: --config wins over
// the one main loaded, and --provider overrides the active provider.
func loadConfig() *config.Config {
	cfg := AppConfig
	if cfgFile != "" {
		loaded, err := config.LoadFrom(cfgFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	if providerArg != "" {
		if cfg.GetProvider(providerArg) == nil {
			fmt.Fprintf(os.Stderr, "Unknown provider %q (run 'nebochat doctor' to list providers)\n", providerArg)
			os.Exit(1)
		}
		cfg.Provider = providerArg
	}

	level := cfg.Log.Level
	if verbose {
		level = "debug"
	}
	logging.Configure(logging.Options{Level: level, Pretty: cfg.Log.Pretty, Output: os.Stderr})

	AppConfig = cfg
	return cfg
}
