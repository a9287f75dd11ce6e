// Package turn drives one streamed request per user submission: it opens the
// agent stream, folds every event into the transcript, and settles the turn on
// completion, failure or deadline.
package turn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/cartpilot-concierge/internal/codec"
	"github.com/tjfontaine/cartpilot-concierge/internal/domain"
	"github.com/tjfontaine/cartpilot-concierge/internal/stream"
	"github.com/tjfontaine/cartpilot-concierge/internal/tokens"
	"github.com/tjfontaine/cartpilot-concierge/internal/transcript"
)

// Deadline bounds a turn from start to settlement.
const Deadline = 30 * time.Second

// EventStream is one opened agent stream. Next returns io.EOF when the stream
// is exhausted. Streams are finite and cannot be restarted.
type EventStream interface {
	Next(ctx context.Context) (codec.WireEvent, error)
	Close() error
}

// Transport opens agent streams.
type Transport interface {
	Open(ctx context.Context, conversationID string, sub domain.Submission) (EventStream, error)
}

// Publisher receives turn lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, event domain.LifecycleEvent) error
}

// State is the lifecycle state of the controller's current or last turn.
type State string

const (
	StateIdle      State = "idle"
	StateStreaming State = "streaming"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateTimedOut  State = "timed_out"
)

// Outcome describes how a turn settled.
type Outcome struct {
	TurnID   string
	State    State
	Err      error
	Events   int
	Dropped  int
	Duration time.Duration
}

// Controller runs the turns of one conversation. Turns are serialized: a
// submission is rejected with ErrTurnInFlight while another is streaming.
type Controller struct {
	conversationID string
	transcript     *transcript.Transcript
	transport      Transport

	logger         *slog.Logger
	tracer         trace.Tracer
	publisher      Publisher
	counter        *tokens.Counter
	maxInputTokens int
	deadline       time.Duration
	observe        func(domain.Event)
	onProgress     func(string)

	mu       sync.Mutex
	state    State
	progress string

	// slot is guarded by the transcript lock.
	slot transcript.Slot
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// WithPublisher sets the lifecycle event publisher.
func WithPublisher(p Publisher) Option {
	return func(c *Controller) {
		c.publisher = p
	}
}

// WithTokenLimit rejects submissions whose text exceeds max tokens.
func WithTokenLimit(counter *tokens.Counter, max int) Option {
	return func(c *Controller) {
		c.counter = counter
		c.maxInputTokens = max
	}
}

// WithDeadline overrides Deadline.
func WithDeadline(d time.Duration) Option {
	return func(c *Controller) {
		c.deadline = d
	}
}

// WithEventObserver registers a callback that sees every normalized event
// before it is folded.
func WithEventObserver(fn func(domain.Event)) Option {
	return func(c *Controller) {
		c.observe = fn
	}
}

// WithProgressListener registers a callback run whenever the progress text changes.
func WithProgressListener(fn func(string)) Option {
	return func(c *Controller) {
		c.onProgress = fn
	}
}

// WithTracer sets the tracer used for turn spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Controller) {
		c.tracer = tracer
	}
}

// NewController creates a controller for one conversation.
func NewController(conversationID string, t *transcript.Transcript, transport Transport, opts ...Option) *Controller {
	c := &Controller{
		conversationID: conversationID,
		transcript:     t,
		transport:      transport,
		logger:         slog.Default(),
		tracer:         otel.Tracer("github.com/tjfontaine/cartpilot-concierge/internal/turn"),
		deadline:       Deadline,
		state:          StateIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ConversationID returns the conversation this controller serves.
func (c *Controller) ConversationID() string {
	return c.conversationID
}

// State returns the state of the current or last turn.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Progress returns the transient progress text, or "" when idle.
func (c *Controller) Progress() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.progress
}

// Busy reports whether a turn is streaming.
func (c *Controller) Busy() bool {
	return c.State() == StateStreaming
}

// Submit validates sub, appends the user message and starts the turn in the
// background. The returned channel receives the outcome once the turn settles.
func (c *Controller) Submit(ctx context.Context, sub domain.Submission) (<-chan Outcome, error) {
	if err := c.validate(sub); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.state == StateStreaming {
		c.mu.Unlock()
		return nil, ErrTurnInFlight
	}
	c.state = StateStreaming
	c.mu.Unlock()

	start := time.Now()
	turnID := "turn_" + uuid.NewString()

	c.transcript.ClearSlot(&c.slot)
	c.transcript.AppendUser(sub)
	progress := ProgressFor(sub)
	c.setProgress(progress)

	c.publish(ctx, domain.LifecycleEventStarted, turnID, domain.LifecycleStartedData{
		HasText:  sub.Text != "",
		HasImage: sub.Image != nil,
		Progress: progress,
	})

	done := make(chan Outcome, 1)
	go func() {
		done <- c.run(ctx, turnID, sub, start)
	}()
	return done, nil
}

// Run submits sub and waits for the turn to settle.
func (c *Controller) Run(ctx context.Context, sub domain.Submission) (Outcome, error) {
	done, err := c.Submit(ctx, sub)
	if err != nil {
		return Outcome{}, err
	}
	return <-done, nil
}

func (c *Controller) validate(sub domain.Submission) error {
	if sub.IsEmpty() {
		return ErrEmptySubmission
	}
	if sub.Image != nil {
		if sub.Image.URL == "" && len(sub.Image.Data) == 0 {
			return ErrUnsupportedImage
		}
		if len(sub.Image.Data) > 0 && !codec.IsSupportedMediaType(sub.Image.MimeType) {
			return ErrUnsupportedImage
		}
		if len(sub.Image.Data) > codec.MaxImageSize {
			return ErrUnsupportedImage
		}
	}
	if c.counter != nil && c.maxInputTokens > 0 {
		if n, _ := c.counter.Count(sub.Text); n > c.maxInputTokens {
			return ErrSubmissionTooLarge
		}
	}
	return nil
}

// pulled is one result of EventStream.Next.
type pulled struct {
	event codec.WireEvent
	err   error
}

// turnRun is the per-turn scratch state. Only the run goroutine touches it.
type turnRun struct {
	id      string
	state   domain.StreamingState
	events  int
	dropped int
}

func (c *Controller) run(parent context.Context, turnID string, sub domain.Submission, start time.Time) Outcome {
	ctx, span := c.tracer.Start(parent, "turn",
		trace.WithAttributes(
			attribute.String("conversation.id", c.conversationID),
			attribute.String("turn.id", turnID),
			attribute.Bool("turn.has_image", sub.Image != nil),
		),
	)
	defer span.End()

	ctx, cancel := context.WithDeadline(ctx, start.Add(c.deadline))
	defer cancel()

	logger := c.logger.With(
		slog.String("conversation_id", c.conversationID),
		slog.String("turn_id", turnID),
	)

	t := &turnRun{id: turnID}
	state, err := c.consume(ctx, t, sub, logger)

	out := c.settle(t, state, err, logger)
	out.Duration = time.Since(start)

	span.SetAttributes(
		attribute.String("turn.state", string(out.State)),
		attribute.Int("turn.events", out.Events),
		attribute.Int("turn.dropped", out.Dropped),
	)
	if out.Err != nil {
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, out.Err.Error())
	}

	finished := domain.LifecycleFinishedData{
		Duration:        out.Duration,
		EventsProcessed: out.Events,
		EventsDropped:   out.Dropped,
		TextLength:      len(t.state.Text),
		HasArtifacts:    t.state.HasArtifacts(),
	}
	if out.Err != nil {
		finished.Error = out.Err.Error()
	}
	c.publish(parent, lifecycleType(out.State), turnID, finished)

	logger.Info("turn settled",
		slog.String("state", string(out.State)),
		slog.Int("events", out.Events),
		slog.Int("dropped", out.Dropped),
		slog.Duration("duration", out.Duration),
	)
	return out
}

// consume pulls events until a terminal condition and returns the terminal
// state with its cause (nil for completion and timeout).
func (c *Controller) consume(ctx context.Context, t *turnRun, sub domain.Submission, logger *slog.Logger) (State, error) {
	es, err := c.openStream(ctx, sub)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return StateTimedOut, nil
		}
		return StateFailed, err
	}
	// Close never blocks settlement; transports that ignore ctx still unwind.
	defer func() {
		go func() {
			if err := es.Close(); err != nil {
				logger.Debug("stream close failed", slog.String("error", err.Error()))
			}
		}()
	}()

	events := make(chan pulled)
	stop := make(chan struct{})
	defer close(stop)
	go pump(ctx, es, events, stop)

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return StateTimedOut, nil
			}
			return StateFailed, ctx.Err()

		case p := <-events:
			if errors.Is(p.err, io.EOF) {
				return StateCompleted, nil
			}
			if p.err != nil {
				return StateFailed, p.err
			}
			t.events++
			if c.handle(t, p.event, logger) {
				return StateCompleted, nil
			}
		}
	}
}

func (c *Controller) openStream(ctx context.Context, sub domain.Submission) (es EventStream, err error) {
	defer func() {
		if r := recover(); r != nil {
			es, err = nil, fmt.Errorf("transport panic: %v", r)
		}
	}()
	return c.transport.Open(ctx, c.conversationID, sub)
}

// pump feeds the stream into out until an error or until stop is closed.
func pump(ctx context.Context, es EventStream, out chan<- pulled, stop <-chan struct{}) {
	for {
		ev, err := next(ctx, es)
		select {
		case out <- pulled{event: ev, err: err}:
		case <-stop:
			return
		}
		if err != nil {
			return
		}
	}
}

func next(ctx context.Context, es EventStream) (ev codec.WireEvent, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stream panic: %v", r)
		}
	}()
	return es.Next(ctx)
}

// handle runs one event through normalize, fold and commit. A panic is
// recovered and the event counted as dropped. It reports whether the turn
// should complete now.
func (c *Controller) handle(t *turnRun, raw codec.WireEvent, logger *slog.Logger) (complete bool) {
	defer func() {
		if r := recover(); r != nil {
			t.dropped++
			complete = false
			logger.Error("event processing failed",
				slog.String("kind", raw.Kind),
				slog.Any("panic", r),
			)
		}
	}()

	ev, ok := codec.Normalize(raw)
	if !ok {
		t.dropped++
		logger.Debug("dropped stream event", slog.String("kind", raw.Kind))
		return false
	}
	if c.observe != nil {
		c.observe(ev)
	}

	folded, sig := stream.Apply(t.state, ev)
	t.state = folded

	if sig.Status != "" {
		c.setProgress(sig.Status)
	}
	if sig.Complete {
		return true
	}
	if stream.Mutates(ev) && t.state.HasContent() {
		c.transcript.Commit(&c.slot, t.state, false)
	}
	return false
}

// settle finalizes the transcript for the terminal state and returns the
// controller to an accepting state.
func (c *Controller) settle(t *turnRun, state State, cause error, logger *slog.Logger) Outcome {
	switch state {
	case StateCompleted:
		if t.state.HasContent() {
			c.transcript.Commit(&c.slot, t.state, true)
		}
	case StateFailed:
		logger.Warn("turn failed", slog.String("error", cause.Error()))
		if t.state.HasContent() {
			c.transcript.Commit(&c.slot, t.state, true)
		} else {
			c.transcript.AppendAssistant(transcript.ApologyContent)
		}
	case StateTimedOut:
		logger.Warn("turn timed out", slog.Duration("deadline", c.deadline))
	}
	c.transcript.ClearSlot(&c.slot)

	c.mu.Lock()
	c.state = state
	c.progress = ""
	c.mu.Unlock()
	c.notifyProgress("")

	return Outcome{
		TurnID:  t.id,
		State:   state,
		Err:     cause,
		Events:  t.events,
		Dropped: t.dropped,
	}
}

func (c *Controller) setProgress(p string) {
	c.mu.Lock()
	changed := c.progress != p
	c.progress = p
	c.mu.Unlock()
	if changed {
		c.notifyProgress(p)
	}
}

func (c *Controller) notifyProgress(p string) {
	if c.onProgress != nil {
		c.onProgress(p)
	}
}

// publish sends a lifecycle event best-effort, detached from the caller's
// cancellation with a short timeout.
func (c *Controller) publish(ctx context.Context, typ domain.LifecycleEventType, turnID string, data any) {
	if c.publisher == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	err := c.publisher.Publish(pubCtx, domain.LifecycleEvent{
		Type:           typ,
		TurnID:         turnID,
		ConversationID: c.conversationID,
		Timestamp:      time.Now(),
		Data:           data,
	})
	if err != nil {
		c.logger.Error("failed to publish turn event",
			slog.String("conversation_id", c.conversationID),
			slog.String("turn_id", turnID),
			slog.String("type", string(typ)),
			slog.String("error", err.Error()),
		)
	}
}

func lifecycleType(s State) domain.LifecycleEventType {
	switch s {
	case StateFailed:
		return domain.LifecycleEventFailed
	case StateTimedOut:
		return domain.LifecycleEventTimedOut
	default:
		return domain.LifecycleEventCompleted
	}
}
