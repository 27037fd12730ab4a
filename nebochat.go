package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	cli "github.com/neboloop/nebochat/cmd/nebochat"
	"github.com/neboloop/nebochat/internal/agent/config"
)

func main() {
	// Load .env file if present (ignore error if not found)
	_ = godotenv.Load()

	c, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := cli.SetupRootCmd(c).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
