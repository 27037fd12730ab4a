package cli

import (
	"github.com/spf13/cobra"

	"github.com/neboloop/nebochat/internal/agent/config"
)

// SetupRootCmd configures the root command with all subcommands and flags
func SetupRootCmd(c *config.Config) *cobra.Command {
	AppConfig = c

	rootCmd := &cobra.Command{
		Use:   "nebochat",
		Short: "NeboChat - conversational assistant",
		Long: `NeboChat keeps persistent conversations with a language model backend,
streaming structured replies and keeping a rolling summary of long histories.

Just type 'nebochat' to start an interactive chat.
Use 'nebochat serve' to expose conversations over HTTP and WebSocket.`,
		Run: func(cmd *cobra.Command, args []string) {
			runChat(loadConfig(), nil, true)
		},
		SilenceUsage: true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: platform data directory)")
	rootCmd.PersistentFlags().StringVarP(&conversationID, "conversation", "c", "", "conversation ID to continue (default: start a new one)")
	rootCmd.PersistentFlags().StringVarP(&providerArg, "provider", "p", "", "provider to use (default: config 'provider')")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	// Add commands
	rootCmd.AddCommand(ChatCmd())
	rootCmd.AddCommand(ConversationsCmd())
	rootCmd.AddCommand(AnalyseCmd())
	rootCmd.AddCommand(ServeCmd())
	rootCmd.AddCommand(DoctorCmd())
	rootCmd.AddCommand(KeysCmd())
	rootCmd.AddCommand(TokenCmd())

	return rootCmd
}
