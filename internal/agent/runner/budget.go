package runner

import (
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/neboloop/nebochat/internal/agent/config"
	"github.com/neboloop/nebochat/internal/agent/session"
	"github.com/neboloop/nebochat/internal/logging"
)

// Mode is how much history a prompt carries
type Mode int

const (
	// ModeFull sends every message
	ModeFull Mode = iota
	// ModeCompact sends the rolling summary and the latest message
	ModeCompact
)

func (m Mode) String() string {
	if m == ModeCompact {
		return "compact"
	}
	return "full"
}

// Decision is the outcome of measuring a conversation against the budget
type Decision struct {
	Mode Mode
	Size int
	// OverHardLimit is set when the full history exceeds the backend limit
	OverHardLimit bool
}

// Budgeter decides whether a conversation fits the backend context and builds
// prompts accordingly. Thresholds may be swapped at runtime.
type Budgeter struct {
	mu  sync.RWMutex
	cfg config.BudgetConfig
}

// NewBudgeter creates a budgeter. Zero thresholds take the defaults.
func NewBudgeter(cfg config.BudgetConfig) *Budgeter {
	b := &Budgeter{}
	b.SetConfig(cfg)
	return b
}

// SetConfig replaces the thresholds
func (b *Budgeter) SetConfig(cfg config.BudgetConfig) {
	def := config.DefaultConfig().Budget
	if cfg.Estimator == "" {
		cfg.Estimator = def.Estimator
	}
	if cfg.SafetyMargin <= 0 {
		cfg.SafetyMargin = def.SafetyMargin
	}
	if cfg.HardLimit <= 0 {
		cfg.HardLimit = def.HardLimit
	}
	b.mu.Lock()
	b.cfg = cfg
	b.mu.Unlock()
}

// Config returns the thresholds in use
func (b *Budgeter) Config() config.BudgetConfig {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cfg
}

// Measure returns the size of text under the configured estimator
func (b *Budgeter) Measure(text string) int {
	if b.Config().Estimator == config.EstimatorChars {
		// ~4 characters per token
		return utf8.RuneCountInString(text) / 4
	}
	return len(strings.Fields(text))
}

// SelectMode measures the whole history. Sizes strictly below the safety
// margin stay in full mode.
func (b *Budgeter) SelectMode(conv *session.Conversation) Decision {
	cfg := b.Config()
	size := b.Measure(renderHistory(conv.Ordered()))

	d := Decision{Mode: ModeFull, Size: size, OverHardLimit: size > cfg.HardLimit}
	if size >= cfg.SafetyMargin {
		d.Mode = ModeCompact
	}
	return d
}

// BuildPrompt renders the request for the next assistant reply
func (b *Budgeter) BuildPrompt(conv *session.Conversation, d Decision) string {
	ordered := conv.Ordered()

	if d.Mode == ModeCompact {
		if conv.Summary != "" && len(ordered) > 0 {
			var sb strings.Builder
			sb.WriteString("Summary of the earlier conversation:\n")
			sb.WriteString(conv.Summary)
			sb.WriteString("\n\nLatest message:\n")
			sb.WriteString(renderMessage(ordered[len(ordered)-1]))
			sb.WriteString("\n\nReply to the latest message.")
			return sb.String()
		}
		b.warnFallback(conv, d, "prompt")
	}

	var sb strings.Builder
	sb.WriteString("Conversation so far, oldest first:\n")
	sb.WriteString(renderHistory(ordered))
	sb.WriteString("\n\nReply to the last user message.")
	return sb.String()
}

// summaryRules keeps summaries short and topic-first
const summaryRules = `Write one or two sentences. Start with the topic itself, for example "Planning a weekend trip to Lisbon..." and never with framing such as "The conversation is about" or "The user asked". Reply with the summary text only.`

// BuildSummaryPrompt renders the request for a refreshed rolling summary
func (b *Budgeter) BuildSummaryPrompt(conv *session.Conversation, d Decision) string {
	ordered := conv.Ordered()

	if d.Mode == ModeCompact {
		if conv.Summary != "" && len(ordered) > 0 {
			return fmt.Sprintf("Update this summary of a conversation with its newest message.\n%s\n\nCurrent summary:\n%s\n\nNewest message:\n%s",
				summaryRules, conv.Summary, renderMessage(ordered[len(ordered)-1]))
		}
		b.warnFallback(conv, d, "summary")
	}

	return fmt.Sprintf("Summarize the conversation below.\n%s\n\nConversation:\n%s",
		summaryRules, renderHistory(ordered))
}

func (b *Budgeter) warnFallback(conv *session.Conversation, d Decision, purpose string) {
	if d.OverHardLimit {
		logging.Warnf("[budget] conversation %s has no summary yet; sending full history for %s (size %d over hard limit %d)",
			conv.ID, purpose, d.Size, b.Config().HardLimit)
	}
}

// renderHistory tags each message with its role, one per line. Messages
// still streaming are not part of the history.
func renderHistory(msgs []*session.Message) string {
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if !m.Finalized() {
			continue
		}
		lines = append(lines, renderMessage(m))
	}
	return strings.Join(lines, "\n")
}

func renderMessage(m *session.Message) string {
	line := string(m.Role) + ": " + m.Content
	if !m.Attachment.Empty() {
		line += fmt.Sprintf(" [page: %s]", m.Attachment.Title)
	}
	return line
}
