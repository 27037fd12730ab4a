package cli

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/neboloop/nebochat/internal/keyring"
	"github.com/neboloop/nebochat/internal/middleware"
)

// KeysCmd creates the keys command for keychain-stored API keys
func KeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Store provider API keys in the OS keychain",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "set <provider> [key]",
		Short: "Store an API key (read from stdin when omitted)",
		Args:  cobra.RangeArgs(1, 2),
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			name := args[0]
			if cfg.GetProvider(name) == nil {
				fmt.Fprintf(os.Stderr, "Warning: provider %q is not in %s\n", name, cfg.Path())
			}

			key := ""
			if len(args) == 2 {
				key = args[1]
			} else {
				fmt.Fprint(os.Stderr, "API key: ")
				line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
				key = line
			}
			key = strings.TrimSpace(key)
			if key == "" {
				fmt.Fprintln(os.Stderr, "Error: empty key")
				os.Exit(1)
			}

			if err := keyring.Set(name, key); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("Stored key for %s\n", name)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <provider>",
		Short: "Remove a stored API key",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			err := keyring.Delete(args[0])
			switch {
			case errors.Is(err, keyring.ErrNotFound):
				fmt.Printf("No key stored for %s\n", args[0])
			case err != nil:
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			default:
				fmt.Printf("Deleted key for %s\n", args[0])
			}
		},
	})

	return cmd
}

// TokenCmd creates the token command, which issues API bearer tokens
func TokenCmd() *cobra.Command {
	var subject string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the API server",
		Long: `Sign a token with server.jwt_secret for use as
"Authorization: Bearer <token>" or "?token=<token>" on WebSocket URLs.`,
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			token, err := middleware.IssueToken(cfg.Server.JWTSecret, subject, ttl)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Println(token)
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "cli", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for no expiry)")

	return cmd
}
