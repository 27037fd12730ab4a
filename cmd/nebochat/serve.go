package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/neboloop/nebochat/internal/agent/config"
	"github.com/neboloop/nebochat/internal/agent/runner"
	"github.com/neboloop/nebochat/internal/db"
	"github.com/neboloop/nebochat/internal/events"
	"github.com/neboloop/nebochat/internal/lifecycle"
	"github.com/neboloop/nebochat/internal/logging"
	"github.com/neboloop/nebochat/internal/metrics"
	"github.com/neboloop/nebochat/internal/server"
)

// ServeCmd creates the serve command
func ServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve conversations over HTTP and WebSocket",
		Long: `Start the API server. Conversations are created, read and sent to over
/api/conversations; /api/conversations/{id}/ws streams replies live.
Budget thresholds in config.yaml are reloaded without a restart.`,
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if err := runServe(cfg); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default: config server.addr)")

	return cmd
}

func runServe(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Infof("Received signal: %v - shutting down", sig)
		cancel()
	}()

	store, err := db.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	m := metrics.New()
	registry := newRegistry(cfg)
	backend := newBackend(cfg, registry, m)
	budgeter := runner.NewBudgeter(cfg.Budget)

	deps := server.Deps{
		Config:    cfg,
		Store:     store,
		Backend:   backend,
		Registry:  registry,
		Lifecycle: lifecycle.NewManager(),
		Metrics:   m,
		Budgeter:  budgeter,
	}

	if cfg.Events.NATSURL != "" {
		client, err := events.NewClient(cfg.Events.NATSURL, cfg.Events.NATSToken)
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		defer client.Close()
		deps.Publisher = client
		logging.Infof("Publishing lifecycle events to %s.*", cfg.Events.SubjectPrefix)
	}

	watcher, err := config.Watch(cfg.Path(), func(next *config.Config) {
		budgeter.SetConfig(next.Budget)
	})
	if err != nil {
		logging.Warnf("Config hot-reload disabled: %v", err)
	} else {
		defer watcher.Close()
	}

	if cfg.Server.JWTSecret == "" {
		logging.Warn("server.jwt_secret is empty: the API is unauthenticated")
	}

	availability := backend.Availability(ctx)
	logging.Infof("Provider %s: %s", backend.Name(), availability)
	if availability.Available {
		go backend.OpenSession("", nil).Prewarm(ctx)
	}

	return server.New(deps).Run(ctx, cfg.Server.Addr)
}
