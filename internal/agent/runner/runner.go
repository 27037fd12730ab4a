package runner

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/neboloop/nebochat/internal/agent/ai"
	"github.com/neboloop/nebochat/internal/agent/config"
	"github.com/neboloop/nebochat/internal/agent/session"
	"github.com/neboloop/nebochat/internal/agent/tools"
	"github.com/neboloop/nebochat/internal/lifecycle"
	"github.com/neboloop/nebochat/internal/logging"
	"github.com/neboloop/nebochat/internal/metrics"
)

// Placeholder is the content of an assistant message before the first partial
const Placeholder = "…"

// ErrEmptyMessage is returned by Send for blank input
var ErrEmptyMessage = errors.New("message is empty")

// ErrClosed is returned once the runner's conversation has been deleted
var ErrClosed = errors.New("conversation is closed")

// UnavailableError is returned by Send when the backend cannot take a request.
// It is a state to render, not a failure to report.
type UnavailableError struct {
	Availability ai.Availability
}

func (e *UnavailableError) Error() string {
	return "backend " + e.Availability.String()
}

// Runner drives complete exchanges for one conversation: user message,
// streamed assistant reply, summary refresh.
type Runner struct {
	cfg     *config.Config
	conv    *session.Conversation
	store   session.Store
	backend Backend

	coord   *Coordinator
	applier *Applier
	summary *SummaryUpdater

	lifecycle *lifecycle.Manager
	metrics   *metrics.Metrics

	sending atomic.Bool
	closed  atomic.Bool
}

// New creates a runner for conv. store may be nil for an unsaved conversation.
func New(cfg *config.Config, conv *session.Conversation, store session.Store, backend Backend, registry *tools.Registry, opts ...Option) *Runner {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	o := collectOptions(opts)

	budgeter := o.budgeter
	if budgeter == nil {
		budgeter = NewBudgeter(cfg.Budget)
	}
	if o.instructions == "" {
		opts = append(opts, WithInstructions(cfg.Generation.Instructions))
	}

	coord := NewCoordinator(conv, backend, budgeter, registry, opts...)
	return &Runner{
		cfg:       cfg,
		conv:      conv,
		store:     store,
		backend:   backend,
		coord:     coord,
		applier:   NewApplier(store, conv, o.observer),
		summary:   NewSummaryUpdater(coord, store, o.lifecycle, o.metrics),
		lifecycle: o.lifecycle,
		metrics:   o.metrics,
	}
}

// Conversation returns the conversation this runner drives
func (r *Runner) Conversation() *session.Conversation {
	return r.conv
}

// Coordinator returns the underlying session coordinator
func (r *Runner) Coordinator() *Coordinator {
	return r.coord
}

// State returns the coordinator state
func (r *Runner) State() State {
	return r.coord.State()
}

// Busy reports whether a send is in progress
func (r *Runner) Busy() bool {
	return r.sending.Load()
}

// Prewarm hints the backend that the user is about to send
func (r *Runner) Prewarm(ctx context.Context) {
	r.coord.Prewarm(ctx)
}

// Send runs one exchange and returns the finalized assistant message. The
// user message is persisted before the request is made. When the backend is
// unavailable nothing is appended and *UnavailableError is returned. A
// generation failure is recorded in the returned message and also returned
// as the error.
func (r *Runner) Send(ctx context.Context, text string) (*session.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}
	if !r.sending.CompareAndSwap(false, true) {
		if r.closed.Load() {
			return nil, ErrClosed
		}
		return nil, ErrBusy
	}
	defer r.sending.Store(false)
	if r.closed.Load() {
		return nil, ErrClosed
	}

	if a := r.backend.Availability(ctx); !a.Available {
		r.coord.reportUnavailable(a)
		return nil, &UnavailableError{Availability: a}
	}

	user := session.NewMessage(r.conv.ID, session.RoleUser, text)
	r.conv.Append(user)
	r.insert(ctx, user)
	r.save(ctx)

	start := time.Now()
	done := r.metrics.ResponseStarted()
	defer done()

	stream, err := r.coord.Respond(ctx)
	if err != nil {
		return nil, err
	}
	if stream == nil {
		// availability changed between the check and the request
		return nil, &UnavailableError{Availability: ai.Unavailable(ai.ReasonResourcePressure, "backend became unavailable")}
	}

	reply := session.NewMessage(r.conv.ID, session.RoleAssistant, Placeholder)
	reply.Status = session.StatusStreaming
	r.conv.Append(reply)
	r.insert(ctx, reply)
	r.applier.notify(reply)

	applyErr := r.applier.Apply(ctx, reply, stream)

	duration := time.Since(start)
	data := lifecycle.ResponseEventData{
		ConversationID: r.conv.ID,
		MessageID:      reply.ID,
		Provider:       r.backend.Name(),
		Mode:           r.coord.LastMode().String(),
		Duration:       duration,
	}
	if applyErr != nil {
		data.Error = applyErr.Error()
		r.metrics.RecordResponse(r.backend.Name(), "failed", duration)
		r.lifecycle.Emit(lifecycle.EventResponseFailed, data)
	} else {
		r.metrics.RecordResponse(r.backend.Name(), "success", duration)
		r.lifecycle.Emit(lifecycle.EventResponseComplete, data)
	}

	if ctx.Err() == nil {
		r.summary.Refresh(ctx)
	} else {
		logging.Debugf("[runner] %s cancelled, summary refresh skipped", r.conv.ID)
	}

	return reply, applyErr
}

// RefreshSummary rebuilds the rolling summary on demand and returns the
// summary now stored, which is the previous one if the refresh failed.
func (r *Runner) RefreshSummary(ctx context.Context) (string, error) {
	if !r.sending.CompareAndSwap(false, true) {
		if r.closed.Load() {
			return "", ErrClosed
		}
		return "", ErrBusy
	}
	defer r.sending.Store(false)
	if r.closed.Load() {
		return "", ErrClosed
	}
	r.summary.Refresh(ctx)
	return r.conv.Summary, nil
}

// Close stops the runner from taking further sends. It fails with ErrBusy
// while a response is in flight. Closing twice is harmless.
func (r *Runner) Close() error {
	if !r.sending.CompareAndSwap(false, true) {
		if r.closed.Load() {
			return nil
		}
		return ErrBusy
	}
	r.closed.Store(true)
	r.sending.Store(false)
	return nil
}

// Closed reports whether Close has been called
func (r *Runner) Closed() bool {
	return r.closed.Load()
}

func (r *Runner) insert(ctx context.Context, msg *session.Message) {
	if r.store == nil {
		return
	}
	if err := r.store.Insert(context.WithoutCancel(ctx), msg); err != nil {
		logging.Errorf("[runner] Failed to insert message %s: %v", msg.ID, err)
	}
}

func (r *Runner) save(ctx context.Context) {
	if r.store == nil {
		return
	}
	if err := r.store.Save(context.WithoutCancel(ctx), r.conv); err != nil {
		logging.Errorf("[runner] Failed to save conversation %s: %v", r.conv.ID, err)
	}
}
