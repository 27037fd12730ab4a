package runner

import (
	"context"
	"encoding/json"
	"errors"
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

// State is the coordinator's position in a request
type State int32

const (
	StateIdle State = iota
	StateRequesting
	StateStreaming
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateRequesting:
		return "requesting"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "idle"
	}
}

// ErrBusy is returned when a request is already in flight for the conversation
var ErrBusy = errors.New("a response is already in progress for this conversation")

// UpdateObserver receives a copy of the target message after every change
type UpdateObserver func(msg session.Message)

// Coordinator owns the generation session of one conversation. At most one
// request is in flight at a time.
type Coordinator struct {
	conv     *session.Conversation
	backend  Backend
	session  GenerationSession
	budgeter *Budgeter

	lifecycle    *lifecycle.Manager
	metrics      *metrics.Metrics
	instructions string

	busy     atomic.Bool
	state    atomic.Int32
	lastMode atomic.Int32
}

// Option configures a Coordinator or Runner
type Option func(*options)

type options struct {
	lifecycle    *lifecycle.Manager
	metrics      *metrics.Metrics
	instructions string
	observer     UpdateObserver
	budgeter     *Budgeter
}

// WithLifecycle sets the manager events are emitted on (default: lifecycle.Default())
func WithLifecycle(m *lifecycle.Manager) Option {
	return func(o *options) { o.lifecycle = m }
}

// WithMetrics records request metrics on m
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithInstructions appends extra persona text to the session instructions
func WithInstructions(text string) Option {
	return func(o *options) { o.instructions = text }
}

// WithObserver is notified of every assistant message update while streaming
func WithObserver(fn UpdateObserver) Option {
	return func(o *options) { o.observer = fn }
}

// WithBudgeter shares a budgeter, typically one whose thresholds are hot-reloaded
func WithBudgeter(b *Budgeter) Option {
	return func(o *options) { o.budgeter = b }
}

func collectOptions(opts []Option) options {
	o := options{lifecycle: lifecycle.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewCoordinator opens a generation session for conv. The instructions are
// fixed here and never include conversation content.
func NewCoordinator(conv *session.Conversation, backend Backend, budgeter *Budgeter, registry *tools.Registry, opts ...Option) *Coordinator {
	o := collectOptions(opts)
	if budgeter == nil {
		budgeter = o.budgeter
	}
	if budgeter == nil {
		budgeter = NewBudgeter(config.BudgetConfig{})
	}

	var defs []ai.ToolDefinition
	var names []string
	if registry != nil {
		defs = registry.List()
		for _, d := range defs {
			names = append(names, d.Name)
		}
	}
	instructions := BuildInstructions(o.instructions, names)

	return &Coordinator{
		conv:         conv,
		backend:      backend,
		session:      backend.OpenSession(instructions, defs),
		budgeter:     budgeter,
		lifecycle:    o.lifecycle,
		metrics:      o.metrics,
		instructions: instructions,
	}
}

// State returns the current request state
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// LastMode returns the context mode of the most recent Respond
func (c *Coordinator) LastMode() Mode {
	return Mode(c.lastMode.Load())
}

// Conversation returns the conversation this coordinator serves
func (c *Coordinator) Conversation() *session.Conversation {
	return c.conv
}

// Instructions returns the fixed session instructions
func (c *Coordinator) Instructions() string {
	return c.instructions
}

// Prewarm hints the backend that a request is imminent. It never blocks.
func (c *Coordinator) Prewarm(ctx context.Context) {
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		c.session.Prewarm(ctx)
	}()
}

// Respond requests the next assistant reply. It returns a nil stream and nil
// error when the backend is unavailable, and ErrBusy while another request
// is in flight. Generation failures are reported by the stream's Err.
func (c *Coordinator) Respond(ctx context.Context) (*Stream[ai.StructuredMessage], error) {
	if !c.available(ctx) {
		return nil, nil
	}
	if !c.busy.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}

	d := c.budgeter.SelectMode(c.conv)
	prompt := c.budgeter.BuildPrompt(c.conv, d)
	c.lastMode.Store(int32(d.Mode))
	c.metrics.RecordPromptMode("respond", d.Mode.String())
	logging.Debugf("[runner] respond %s mode=%s size=%d", c.conv.ID, d.Mode, d.Size)

	c.transition(StateRequesting)
	snaps, startErr := c.session.StreamStructured(ctx, prompt, ai.StructuredMessageSchema)

	return newStream(ctx, func(ctx context.Context, emit func(ai.StructuredMessage) bool) (err error) {
		defer c.finish(&err)
		if startErr != nil {
			return startErr
		}

		streaming := false
		for snap := range snaps {
			if snap.Err != nil {
				drain(snaps)
				return snap.Err
			}
			if snap.Partial == nil {
				continue
			}
			var msg ai.StructuredMessage
			if json.Unmarshal(snap.Partial, &msg) != nil {
				continue
			}
			if !streaming {
				streaming = true
				c.transition(StateStreaming)
			}
			if !emit(msg) {
				drain(snaps)
				return ctx.Err()
			}
		}
		return ctx.Err()
	}), nil
}

// Summarize requests a refreshed rolling summary as cumulative text. Same
// availability and busy semantics as Respond.
func (c *Coordinator) Summarize(ctx context.Context) (*Stream[string], error) {
	if !c.available(ctx) {
		return nil, nil
	}
	if !c.busy.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}

	d := c.budgeter.SelectMode(c.conv)
	prompt := c.budgeter.BuildSummaryPrompt(c.conv, d)
	c.metrics.RecordPromptMode("summarize", d.Mode.String())
	logging.Debugf("[runner] summarize %s mode=%s size=%d", c.conv.ID, d.Mode, d.Size)

	c.transition(StateRequesting)
	snaps, startErr := c.session.StreamStructured(ctx, prompt, nil)

	return newStream(ctx, func(ctx context.Context, emit func(string) bool) (err error) {
		defer c.finish(&err)
		if startErr != nil {
			return startErr
		}

		streaming := false
		for snap := range snaps {
			if snap.Err != nil {
				drain(snaps)
				return snap.Err
			}
			if !streaming {
				streaming = true
				c.transition(StateStreaming)
			}
			if !emit(snap.Text) {
				drain(snaps)
				return ctx.Err()
			}
		}
		return ctx.Err()
	}), nil
}

// available checks the backend and reports an unavailable state as an event
func (c *Coordinator) available(ctx context.Context) bool {
	a := c.backend.Availability(ctx)
	if !a.Available {
		c.reportUnavailable(a)
	}
	return a.Available
}

func (c *Coordinator) reportUnavailable(a ai.Availability) {
	logging.Infof("[runner] backend %s %s", c.backend.Name(), a)
	c.lifecycle.Emit(lifecycle.EventBackendUnavailable, lifecycle.UnavailableEventData{
		ConversationID: c.conv.ID,
		Reason:         string(a.Reason),
		Detail:         a.Detail,
	})
}

// finish records the terminal state and releases the in-flight guard
func (c *Coordinator) finish(err *error) {
	if *err != nil {
		c.transition(StateFailed)
	} else {
		c.transition(StateCompleted)
	}
	c.busy.Store(false)
}

func (c *Coordinator) transition(to State) {
	from := State(c.state.Swap(int32(to)))
	if from == to {
		return
	}
	c.lifecycle.Emit(lifecycle.EventStateChanged, lifecycle.StateEventData{
		ConversationID: c.conv.ID,
		From:           from.String(),
		To:             to.String(),
	})
}
