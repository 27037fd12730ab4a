package runner

import (
	"context"

	"github.com/neboloop/nebochat/internal/agent/ai"
	"github.com/neboloop/nebochat/internal/agent/session"
	"github.com/neboloop/nebochat/internal/logging"
)

// Applier copies streamed partial replies onto an assistant message
type Applier struct {
	store    session.Store
	conv     *session.Conversation
	observer UpdateObserver
}

// NewApplier creates an applier. store and observer may be nil.
func NewApplier(store session.Store, conv *session.Conversation, observer UpdateObserver) *Applier {
	return &Applier{store: store, conv: conv, observer: observer}
}

// Apply drains stream into target. Partials are cumulative: content is
// replaced, never appended, and attachment fields are filled in as they
// appear but never cleared. The message is finalized and saved whether the
// stream completes or fails; a failure replaces the content with a readable
// error and is returned.
func (a *Applier) Apply(ctx context.Context, target *session.Message, stream *Stream[ai.StructuredMessage]) error {
	for stream.Next() {
		if a.apply(target, stream.Current()) {
			a.notify(target)
		}
	}

	err := stream.Err()
	if err != nil {
		target.Content = ai.FailureText(err)
		target.Status = session.StatusFailed
		logging.Warnf("[runner] response %s failed: %v", target.ID, err)
	} else {
		target.Status = session.StatusComplete
	}
	a.notify(target)
	a.save(ctx)
	return err
}

// apply reports whether target changed
func (a *Applier) apply(target *session.Message, partial ai.StructuredMessage) bool {
	changed := false
	if partial.Content != "" && partial.Content != target.Content {
		target.Content = partial.Content
		changed = true
	}

	md := partial.Metadata
	if md == nil {
		return changed
	}
	fill := func(dst *string, src string) {
		if src != "" && *dst != src {
			*dst = src
			changed = true
		}
	}
	title := md.Title
	thumb := deref(md.Thumbnail)
	desc := deref(md.Description)
	if title == "" && thumb == "" && desc == "" {
		return changed
	}
	if target.Attachment == nil {
		target.Attachment = &session.Attachment{}
	}
	fill(&target.Attachment.Title, title)
	fill(&target.Attachment.Thumbnail, thumb)
	fill(&target.Attachment.Description, desc)
	return changed
}

func (a *Applier) notify(target *session.Message) {
	if a.observer != nil {
		a.observer(target.Clone())
	}
}

// save persists the outcome even when the request context was cancelled
func (a *Applier) save(ctx context.Context) {
	if a.store == nil {
		return
	}
	if err := a.store.Save(context.WithoutCancel(ctx), a.conv); err != nil {
		logging.Errorf("[runner] Failed to save conversation %s: %v", a.conv.ID, err)
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
