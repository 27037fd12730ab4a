package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/neboloop/nebochat/internal/agent/config"
	"github.com/neboloop/nebochat/internal/db"
	"github.com/neboloop/nebochat/internal/defaults"
	"github.com/neboloop/nebochat/internal/keyring"
)

// DoctorCmd creates the doctor command for health checks
func DoctorCmd() *cobra.Command {
	var fix, reset bool

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, storage and providers",
		Long: `Run diagnostics on your NeboChat installation.

Checks:
  - Configuration file
  - Conversation storage
  - Provider availability
  - OS keychain

Examples:
  nebochat doctor           # Run all diagnostics
  nebochat doctor --fix     # Create the data directory and starter config
  nebochat doctor --reset   # Replace config.yaml with the default (keeps conversations)`,
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor(loadConfig(), fix, reset)
		},
	}

	cmd.Flags().BoolVar(&fix, "fix", false, "Attempt to fix detected issues")
	cmd.Flags().BoolVar(&reset, "reset", false, "Restore the default config file")

	return cmd
}

type checkResult struct {
	name    string
	status  string // "ok", "warn", "error"
	message string
}

func runDoctor(cfg *config.Config, fix, reset bool) {
	fmt.Println("\033[1mNeboChat Doctor\033[0m")
	fmt.Println("===============")
	fmt.Println()

	switch {
	case reset:
		if err := defaults.Reset(cfg.DataDir); err != nil {
			fmt.Printf("\033[31mCould not reset %s: %v\033[0m\n", cfg.DataDir, err)
		} else {
			fmt.Printf("Restored default config in %s\n\n", cfg.DataDir)
		}
	case fix:
		if err := defaults.EnsureDir(cfg.DataDir); err != nil {
			fmt.Printf("\033[31mCould not create %s: %v\033[0m\n", cfg.DataDir, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var results []checkResult
	results = append(results, checkConfig(cfg)...)
	results = append(results, checkStorage(ctx, cfg))
	results = append(results, checkProviders(ctx, cfg)...)
	results = append(results, checkKeychain())

	okCount, warnCount, errorCount := 0, 0, 0
	for _, r := range results {
		switch r.status {
		case "ok":
			fmt.Printf("\033[32m✓\033[0m %s: %s\n", r.name, r.message)
			okCount++
		case "warn":
			fmt.Printf("\033[33m⚠\033[0m %s: %s\n", r.name, r.message)
			warnCount++
		case "error":
			fmt.Printf("\033[31m✗\033[0m %s: %s\n", r.name, r.message)
			errorCount++
		}
	}

	// Summary
	fmt.Println()
	fmt.Println("Summary:")
	fmt.Printf("  \033[32m%d passed\033[0m", okCount)
	if warnCount > 0 {
		fmt.Printf("  \033[33m%d warnings\033[0m", warnCount)
	}
	if errorCount > 0 {
		fmt.Printf("  \033[31m%d errors\033[0m", errorCount)
	}
	fmt.Println()

	if errorCount > 0 {
		os.Exit(1)
	}
}

func checkConfig(cfg *config.Config) []checkResult {
	var results []checkResult

	if _, err := os.Stat(cfg.Path()); os.IsNotExist(err) {
		results = append(results, checkResult{
			name:    "Config File",
			status:  "warn",
			message: cfg.Path() + " not found, using defaults (run 'nebochat doctor --fix' to create it)",
		})
	} else {
		results = append(results, checkResult{name: "Config File", status: "ok", message: cfg.Path()})
	}

	if err := cfg.Validate(); err != nil {
		results = append(results, checkResult{name: "Config", status: "error", message: err.Error()})
	}
	return results
}

func checkStorage(ctx context.Context, cfg *config.Config) checkResult {
	store, err := db.Open(ctx, cfg)
	if err != nil {
		return checkResult{name: "Storage", status: "error", message: err.Error()}
	}
	defer store.Close()

	infos, err := store.List(ctx)
	if err != nil {
		return checkResult{name: "Storage", status: "error", message: err.Error()}
	}

	where := cfg.Storage.Driver
	if cfg.Storage.Driver == config.DriverSQLite || cfg.Storage.Driver == "" {
		where = cfg.DBPath()
	}
	return checkResult{
		name:    "Storage",
		status:  "ok",
		message: fmt.Sprintf("%s (%d conversations)", where, len(infos)),
	}
}

func checkProviders(ctx context.Context, cfg *config.Config) []checkResult {
	if len(cfg.Providers) == 0 {
		return []checkResult{{name: "Providers", status: "error", message: "no providers configured"}}
	}

	active := cfg.ActiveProvider()
	var results []checkResult
	for i := range cfg.Providers {
		pcfg := &cfg.Providers[i]
		name := "Provider " + pcfg.Name
		if pcfg == active {
			name += " (active)"
		}

		a := createProvider(pcfg).Availability(ctx)
		status := "ok"
		switch {
		case !a.Available && pcfg == active:
			status = "error"
		case !a.Available:
			status = "warn"
		}
		results = append(results, checkResult{
			name:    name,
			status:  status,
			message: fmt.Sprintf("%s %s: %s", pcfg.Type, pcfg.Model, a),
		})
	}
	return results
}

func checkKeychain() checkResult {
	if keyring.Available() {
		return checkResult{name: "Keychain", status: "ok", message: "available"}
	}
	return checkResult{name: "Keychain", status: "warn", message: "unavailable, API keys must come from config or environment"}
}
