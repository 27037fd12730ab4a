package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/neboloop/nebochat/internal/agent/config"
	"github.com/neboloop/nebochat/internal/agent/session"
	"github.com/neboloop/nebochat/internal/db"
	"github.com/neboloop/nebochat/internal/markdown"
)

// ConversationsCmd creates the conversations command
func ConversationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"conv"},
		Short:   "Manage stored conversations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all conversations",
		Run: func(cmd *cobra.Command, args []string) {
			listConversations(loadConfig())
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show [id]",
		Short: "Print a conversation",
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			withConversation(cfg, targetID(args), func(ctx context.Context, store session.Store, conv *session.Conversation) error {
				fmt.Printf("\033[1m%s\033[0m  %s\n", displayTitle(conv), conv.ID)
				if conv.Summary != "" {
					fmt.Printf("\033[90mSummary: %s\033[0m\n", conv.Summary)
				}
				fmt.Println()
				printHistory(conv)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete [id]",
		Short: "Delete a conversation and its messages",
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			withConversation(cfg, targetID(args), func(ctx context.Context, store session.Store, conv *session.Conversation) error {
				if err := store.Delete(ctx, conv); err != nil {
					return err
				}
				fmt.Printf("Deleted conversation %s\n", conv.ID)
				return nil
			})
		},
	})

	var output string
	exportCmd := &cobra.Command{
		Use:   "export [id]",
		Short: "Export a conversation as an HTML transcript",
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			withConversation(cfg, targetID(args), func(ctx context.Context, store session.Store, conv *session.Conversation) error {
				page, err := markdown.Transcript(conv)
				if err != nil {
					return err
				}
				if output == "" || output == "-" {
					fmt.Print(page)
					return nil
				}
				if err := os.WriteFile(output, []byte(page), 0644); err != nil {
					return err
				}
				fmt.Fprintf(os.Stderr, "Wrote %s\n", output)
				return nil
			})
		},
	}
	exportCmd.Flags().StringVarP(&output, "output", "o", "", "write to file instead of stdout")
	cmd.AddCommand(exportCmd)

	return cmd
}

// targetID picks the positional ID, falling back to --conversation
func targetID(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return conversationID
}

func listConversations(cfg *config.Config) {
	ctx := context.Background()
	store, err := db.Open(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening storage: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	infos, err := store.List(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if len(infos) == 0 {
		fmt.Println("No conversations yet.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tMESSAGES\tUPDATED")
	for _, info := range infos {
		title := info.Title
		if title == "" {
			title = "(untitled)"
		}
		marker := ""
		if info.ID == conversationID {
			marker = " *"
		}
		fmt.Fprintf(w, "%s%s\t%s\t%d\t%s\n", info.ID, marker, title, info.MessageCount, info.UpdatedAt.Local().Format("2006-01-02 15:04"))
	}
	w.Flush()
}

// withConversation opens storage, loads id and runs fn, exiting on failure
func withConversation(cfg *config.Config, id string, fn func(context.Context, session.Store, *session.Conversation) error) {
	if id == "" {
		fmt.Fprintln(os.Stderr, "Error: conversation ID required (argument or --conversation)")
		os.Exit(1)
	}

	ctx := context.Background()
	store, err := db.Open(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening storage: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	conv, err := store.Load(ctx, id)
	if errors.Is(err, session.ErrNotFound) {
		fmt.Fprintf(os.Stderr, "Conversation %s not found\n", id)
		os.Exit(1)
	}
	if err == nil {
		err = fn(ctx, store, conv)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func displayTitle(conv *session.Conversation) string {
	if conv.Title != "" {
		return conv.Title
	}
	return "(untitled)"
}
