package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/neboloop/nebochat/internal/agent/config"
	"github.com/neboloop/nebochat/internal/agent/runner"
	"github.com/neboloop/nebochat/internal/agent/session"
	"github.com/neboloop/nebochat/internal/agent/tools"
	"github.com/neboloop/nebochat/internal/db"
	"github.com/neboloop/nebochat/internal/logging"
)

// ChatCmd creates the chat command
func ChatCmd() *cobra.Command {
	var interactive bool

	cmd := &cobra.Command{
		Use:   "chat [prompt]",
		Short: "Chat with the assistant",
		Long: `Send a message and stream the assistant's reply. Without a prompt, or with
--interactive, a chat session is started.

Examples:
  nebochat chat "What is on https://go.dev?"
  nebochat chat -c 3f0c... "Continue from where we left off"
  nebochat chat --interactive`,
		Run: func(cmd *cobra.Command, args []string) {
			runChat(loadConfig(), args, interactive)
		},
	}

	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "start interactive chat session")

	return cmd
}

// chatSession is the state of one CLI chat: the store, the shared pieces
// every runner gets, and the runner for the current conversation.
type chatSession struct {
	cfg      *config.Config
	store    session.Store
	backend  runner.Backend
	registry *tools.Registry
	budgeter *runner.Budgeter
	printer  *streamPrinter
	runner   *runner.Runner
}

func runChat(cfg *config.Config, args []string, interactive bool) {
	// Keep the terminal for the conversation unless asked otherwise
	if !verbose {
		logging.Disable()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := db.Open(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening storage: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	registry := newRegistry(cfg)
	cs := &chatSession{
		cfg:      cfg,
		store:    store,
		backend:  newBackend(cfg, registry, nil),
		registry: registry,
		budgeter: runner.NewBudgeter(cfg.Budget),
		printer:  &streamPrinter{},
	}

	title := ""
	if len(args) > 0 {
		title = titleFrom(strings.Join(args, " "))
	}
	if err := cs.open(ctx, conversationID, title); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\n\033[33mInterrupted\033[0m")
		cancel()
	}()

	if interactive || len(args) == 0 {
		runInteractive(ctx, cs)
	} else {
		if !runOnce(ctx, cs, strings.Join(args, " ")) {
			os.Exit(1)
		}
	}
}

// open loads id, or creates a new conversation when id is empty
func (cs *chatSession) open(ctx context.Context, id, title string) error {
	var conv *session.Conversation
	var err error
	if id != "" {
		conv, err = cs.store.Load(ctx, id)
		if errors.Is(err, session.ErrNotFound) {
			return fmt.Errorf("conversation %s not found", id)
		}
	} else {
		conv, err = cs.store.Create(ctx, title)
	}
	if err != nil {
		return err
	}

	cs.runner = runner.New(cs.cfg, conv, cs.store, cs.backend, cs.registry,
		runner.WithBudgeter(cs.budgeter),
		runner.WithObserver(cs.printer.update),
	)
	cs.runner.Prewarm(ctx)
	return nil
}

// runOnce sends a single prompt and reports whether it succeeded
func runOnce(ctx context.Context, cs *chatSession, prompt string) bool {
	ok := send(ctx, cs, prompt)
	if verbose {
		fmt.Printf("\033[90mconversation: %s\033[0m\n", cs.runner.Conversation().ID)
	}
	return ok
}

// runInteractive runs an interactive chat session
func runInteractive(ctx context.Context, cs *chatSession) {
	fmt.Println("\033[1mNeboChat Interactive Mode\033[0m")
	fmt.Println("Type your message and press Enter. Use /help for commands, Ctrl+C to exit.")
	printHistory(cs.runner.Conversation())
	fmt.Println()

	lines := make(chan string)
	go func() {
		defer close(lines)
		reader := bufio.NewReader(os.Stdin)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			lines <- line
		}
	}()

	for {
		fmt.Print("\033[36m> \033[0m")

		var line string
		select {
		case <-ctx.Done():
			return
		case l, ok := <-lines:
			if !ok {
				fmt.Println()
				return
			}
			line = strings.TrimSpace(l)
		}
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			if handleCommand(ctx, line, cs) {
				continue
			}
		}

		send(ctx, cs, line)
		fmt.Println()
	}
}

// send runs one exchange and prints the reply as it streams
func send(ctx context.Context, cs *chatSession, text string) bool {
	cs.printer.reset()
	fmt.Print("\033[32m")
	reply, err := cs.runner.Send(ctx, text)
	fmt.Print("\033[0m")

	if reply == nil {
		var unavailable *runner.UnavailableError
		switch {
		case errors.As(err, &unavailable):
			fmt.Printf("\033[33mThe assistant is unavailable: %s\033[0m\n", unavailable.Availability)
		case err != nil:
			fmt.Fprintf(os.Stderr, "\033[31mError: %v\033[0m\n", err)
		}
		return false
	}

	cs.printer.finish(reply.Clone())
	if err != nil {
		fmt.Fprintf(os.Stderr, "\033[31mError: %v\033[0m\n", err)
		return false
	}
	return true
}

// handleCommand handles interactive commands
func handleCommand(ctx context.Context, line string, cs *chatSession) bool {
	switch line {
	case "/help":
		fmt.Println(`Commands:
  /help     - Show this help
  /summary  - Rebuild and show the conversation summary
  /history  - Show the conversation so far
  /new      - Start a new conversation
  /exit     - Exit`)
		return true

	case "/summary":
		s, err := cs.runner.RefreshSummary(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "\033[31mError: %v\033[0m\n", err)
			return true
		}
		if s != "" {
			fmt.Printf("\033[90m%s\033[0m\n", s)
		} else {
			fmt.Println("No summary yet.")
		}
		return true

	case "/history":
		printHistory(cs.runner.Conversation())
		return true

	case "/new":
		if err := cs.open(ctx, "", ""); err != nil {
			fmt.Fprintf(os.Stderr, "\033[31mError: %v\033[0m\n", err)
			return true
		}
		fmt.Printf("Started conversation %s\n", cs.runner.Conversation().ID)
		return true

	case "/quit", "/exit":
		os.Exit(0)
		return true
	}

	return false
}

func printHistory(conv *session.Conversation) {
	for _, m := range conv.Ordered() {
		switch m.Role {
		case session.RoleUser:
			fmt.Printf("\033[36m> %s\033[0m\n", m.Content)
		case session.RoleAssistant:
			fmt.Printf("\033[32m%s\033[0m\n", m.Content)
			printAttachment(m.Attachment)
		}
	}
}

func printAttachment(a *session.Attachment) {
	if a.Empty() {
		return
	}
	fmt.Printf("\033[90m┌ %s\033[0m\n", a.Title)
	if a.Description != "" {
		fmt.Printf("\033[90m│ %s\033[0m\n", a.Description)
	}
	if a.Thumbnail != "" {
		fmt.Printf("\033[90m└ %s\033[0m\n", a.Thumbnail)
	}
}

// titleFrom shortens the first prompt into a conversation title
func titleFrom(prompt string) string {
	prompt = strings.Join(strings.Fields(prompt), " ")
	const max = 60
	if r := []rune(prompt); len(r) > max {
		return string(r[:max-1]) + "…"
	}
	return prompt
}

// streamPrinter writes assistant snapshots to the terminal as deltas
type streamPrinter struct {
	mu      sync.Mutex
	printed string
}

func (p *streamPrinter) reset() {
	p.mu.Lock()
	p.printed = ""
	p.mu.Unlock()
}

func (p *streamPrinter) update(msg session.Message) {
	if msg.Role != session.RoleAssistant || msg.Content == runner.Placeholder {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.printDelta(msg.Content)
}

// finish prints whatever the stream did not, then the attachment. A final
// text that rewrote what was shown is printed again in full.
func (p *streamPrinter) finish(msg session.Message) {
	p.mu.Lock()
	if !strings.HasPrefix(msg.Content, p.printed) {
		fmt.Print("\n")
		p.printed = ""
	}
	p.printDelta(msg.Content)
	p.mu.Unlock()
	fmt.Println()
	printAttachment(msg.Attachment)
}

// printDelta writes the new tail of content. Snapshots that rewrite
// already-printed text are skipped.
func (p *streamPrinter) printDelta(content string) {
	if !strings.HasPrefix(content, p.printed) {
		return
	}
	fmt.Print(content[len(p.printed):])
	p.printed = content
}
