package runner

import (
	"context"
	"strings"
	"time"

	"github.com/neboloop/nebochat/internal/agent/session"
	"github.com/neboloop/nebochat/internal/lifecycle"
	"github.com/neboloop/nebochat/internal/logging"
	"github.com/neboloop/nebochat/internal/metrics"
)

// SummaryUpdater keeps a conversation's rolling summary current
type SummaryUpdater struct {
	coord     *Coordinator
	store     session.Store
	lifecycle *lifecycle.Manager
	metrics   *metrics.Metrics
}

// NewSummaryUpdater creates an updater over coord's conversation
func NewSummaryUpdater(coord *Coordinator, store session.Store, lm *lifecycle.Manager, m *metrics.Metrics) *SummaryUpdater {
	return &SummaryUpdater{coord: coord, store: store, lifecycle: lm, metrics: m}
}

// Refresh requests a new summary and stores it. Any failure leaves the
// previous summary in place; nothing is returned to the caller.
func (u *SummaryUpdater) Refresh(ctx context.Context) {
	conv := u.coord.Conversation()

	stream, err := u.coord.Summarize(ctx)
	if err != nil {
		u.fail(conv, err.Error())
		return
	}
	if stream == nil {
		u.fail(conv, "backend unavailable")
		return
	}

	var text string
	for stream.Next() {
		text = stream.Current()
	}
	if err := stream.Err(); err != nil {
		u.fail(conv, err.Error())
		return
	}

	summary := cleanSummary(text)
	if summary == "" {
		u.fail(conv, "empty summary")
		return
	}

	conv.Summary = summary
	conv.UpdatedAt = time.Now().UTC()
	if u.store != nil {
		if err := u.store.Save(context.WithoutCancel(ctx), conv); err != nil {
			logging.Errorf("[runner] Failed to save summary for %s: %v", conv.ID, err)
		}
	}
	u.metrics.RecordSummary("updated")
	u.lifecycle.Emit(lifecycle.EventSummaryUpdated, lifecycle.SummaryEventData{
		ConversationID: conv.ID,
		Summary:        summary,
	})
}

func (u *SummaryUpdater) fail(conv *session.Conversation, reason string) {
	logging.Warnf("[runner] Summary refresh for %s skipped, keeping previous summary: %s", conv.ID, reason)
	u.metrics.RecordSummary("failed")
	u.lifecycle.Emit(lifecycle.EventSummaryFailed, lifecycle.SummaryEventData{
		ConversationID: conv.ID,
		Error:          reason,
	})
}

// cleanSummary strips the framing models like to add around a summary
func cleanSummary(text string) string {
	s := strings.TrimSpace(text)
	if len(s) >= len("summary:") && strings.EqualFold(s[:len("summary:")], "summary:") {
		s = strings.TrimSpace(s[len("summary:"):])
	}
	s = strings.Trim(s, "\"“”")
	return strings.TrimSpace(s)
}
