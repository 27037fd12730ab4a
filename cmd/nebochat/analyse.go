package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// AnalyseCmd creates the analyse command
func AnalyseCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:     "analyse <url>",
		Aliases: []string{"analyze"},
		Short:   "Fetch a page and print its title, preview image and description",
		Long: `Run the web page analyser the assistant uses, without a model.

Examples:
  nebochat analyse https://go.dev
  nebochat analyse --json https://go.dev`,
		Args: cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			analyser := newWebAnalyser(cfg)

			meta, err := analyser.Analyse(context.Background(), args[0])
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				enc.Encode(meta)
				return
			}
			fmt.Printf("\033[1m%s\033[0m\n", meta.Title)
			if meta.Description != nil {
				fmt.Println(*meta.Description)
			}
			if meta.Thumbnail != nil {
				fmt.Printf("\033[90m%s\033[0m\n", *meta.Thumbnail)
			}
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print WebPageMetadata JSON")

	return cmd
}
