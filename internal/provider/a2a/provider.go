// Package a2a adapts the A2A client to the turn transport: it threads the
// conversation's context id through the session store and maps A2A stream
// results onto wire envelopes.
package a2a

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	a2aapi "github.com/tjfontaine/cartpilot-concierge/internal/api/a2a"
	"github.com/tjfontaine/cartpilot-concierge/internal/codec"
	"github.com/tjfontaine/cartpilot-concierge/internal/domain"
	"github.com/tjfontaine/cartpilot-concierge/internal/status"
	"github.com/tjfontaine/cartpilot-concierge/internal/storage"
	"github.com/tjfontaine/cartpilot-concierge/internal/turn"
)

// TaskFailedError reports a task the agent ended unsuccessfully.
type TaskFailedError struct {
	State   a2aapi.TaskState
	Message string
}

func (e *TaskFailedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("agent task %s", e.State)
	}
	return fmt.Sprintf("agent task %s: %s", e.State, e.Message)
}

// ProviderOption configures the provider.
type ProviderOption func(*Provider)

// WithImageFetcher sets the fetcher used to load submission images.
func WithImageFetcher(f *codec.ImageFetcher) ProviderOption {
	return func(p *Provider) {
		p.images = f
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ProviderOption {
	return func(p *Provider) {
		p.logger = logger
	}
}

// Provider implements turn.Transport over A2A message/stream.
type Provider struct {
	client   *a2aapi.Client
	sessions storage.SessionStore
	images   *codec.ImageFetcher
	logger   *slog.Logger
}

var _ turn.Transport = (*Provider)(nil)

// New creates a provider. sessions may be nil, in which case every turn
// starts a fresh agent context.
func New(client *a2aapi.Client, sessions storage.SessionStore, opts ...ProviderOption) *Provider {
	p := &Provider{
		client:   client,
		sessions: sessions,
		images:   codec.NewImageFetcher(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// AgentCard fetches the remote agent's card.
func (p *Provider) AgentCard(ctx context.Context) (*a2aapi.AgentCard, error) {
	return p.client.GetAgentCard(ctx)
}

// Open sends the submission and returns the agent's event stream.
func (p *Provider) Open(ctx context.Context, conversationID string, sub domain.Submission) (turn.EventStream, error) {
	contextID := p.contextID(ctx, conversationID)

	var file *a2aapi.FileContent
	if sub.Image != nil {
		img, err := p.images.Resolve(ctx, sub.Image)
		if err != nil {
			return nil, fmt.Errorf("failed to load image: %w", err)
		}
		file = a2aapi.InlineFile(img.Name, img.MimeType, img.Data)
	}

	params := &a2aapi.MessageSendParams{
		Message: a2aapi.NewUserMessage(sub.Text, contextID, file),
	}
	stream, err := p.client.StreamMessage(ctx, params)
	if err != nil {
		return nil, err
	}

	return &eventStream{
		stream:    stream,
		contextID: contextID,
		onContext: func(id string) { p.saveContextID(ctx, conversationID, id) },
	}, nil
}

func (p *Provider) contextID(ctx context.Context, conversationID string) string {
	if p.sessions == nil {
		return ""
	}
	sess, err := p.sessions.GetSession(ctx, conversationID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			p.logger.Warn("failed to load session",
				slog.String("conversation_id", conversationID),
				slog.String("error", err.Error()),
			)
		}
		return ""
	}
	return sess.ContextID
}

// saveContextID persists best-effort, detached from the turn's deadline.
func (p *Provider) saveContextID(ctx context.Context, conversationID, contextID string) {
	if p.sessions == nil {
		return
	}
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := p.sessions.SetContextID(persistCtx, conversationID, contextID); err != nil {
		p.logger.Error("failed to store context id",
			slog.String("conversation_id", conversationID),
			slog.String("error", err.Error()),
		)
	}
}

// eventStream flattens A2A results into wire envelopes. One result can carry
// several parts, so envelopes are queued.
type eventStream struct {
	stream    *a2aapi.Stream
	contextID string
	onContext func(string)

	pending []codec.WireEvent
	done    bool
}

func (s *eventStream) Next(ctx context.Context) (codec.WireEvent, error) {
	for len(s.pending) == 0 {
		if s.done {
			return codec.WireEvent{}, io.EOF
		}
		if err := ctx.Err(); err != nil {
			return codec.WireEvent{}, err
		}

		res, err := s.stream.Next()
		if errors.Is(err, a2aapi.ErrMalformedEvent) {
			// Surfaced as an unknown envelope so it is dropped, not fatal.
			return codec.WireEvent{}, nil
		}
		if err != nil {
			return codec.WireEvent{}, err
		}

		if res.ContextID != "" && res.ContextID != s.contextID {
			s.contextID = res.ContextID
			if s.onContext != nil {
				s.onContext(res.ContextID)
			}
		}

		events, terminal, err := mapResult(res)
		if err != nil {
			return codec.WireEvent{}, err
		}
		s.pending = events
		s.done = terminal
	}

	ev := s.pending[0]
	s.pending = s.pending[1:]
	return ev, nil
}

func (s *eventStream) Close() error {
	return s.stream.Close()
}

// mapResult translates one stream result. terminal is set when the result
// ends the turn; the returned events then end with a complete envelope.
func mapResult(res *a2aapi.StreamResult) (events []codec.WireEvent, terminal bool, err error) {
	switch res.Kind {
	case a2aapi.KindTask:
		if res.Status == nil {
			return nil, false, nil
		}
		return mapStatus(res.Status, res.StatusRaw, false, false)

	case a2aapi.KindStatusUpdate:
		if res.Status == nil {
			if res.Final {
				return []codec.WireEvent{completeEvent()}, true, nil
			}
			return nil, false, nil
		}
		return mapStatus(res.Status, res.StatusRaw, res.Final, true)

	case a2aapi.KindArtifactUpdate:
		if res.Artifact == nil {
			return nil, false, nil
		}
		return mapParts(res.Artifact.Parts), false, nil

	case a2aapi.KindMessage:
		events = append(mapParts(res.Parts), completeEvent())
		return events, true, nil
	}

	return []codec.WireEvent{{Kind: res.Kind}}, false, nil
}

func mapStatus(st *a2aapi.TaskStatus, raw json.RawMessage, final, surface bool) ([]codec.WireEvent, bool, error) {
	if st.State.Failed() {
		return nil, true, &TaskFailedError{State: st.State, Message: status.Extract(raw)}
	}

	var events []codec.WireEvent
	switch st.State {
	case a2aapi.TaskStateCompleted, a2aapi.TaskStateInputRequired, a2aapi.TaskStateAuthRequired:
		return append(events, completeEvent()), true, nil
	}

	if surface && st.Message != nil && len(raw) > 0 {
		events = append(events, codec.WireEvent{Kind: string(domain.KindStatus), Payload: raw})
	}
	if final {
		events = append(events, completeEvent())
	}
	return events, final, nil
}

func mapParts(parts []a2aapi.Part) []codec.WireEvent {
	var events []codec.WireEvent
	for _, part := range parts {
		switch part.Kind {
		case a2aapi.PartKindText:
			if ev, err := codec.NewWireEvent(domain.KindText, map[string]string{"text": part.Text}); err == nil {
				events = append(events, ev)
			}
		case a2aapi.PartKindData:
			if ev, ok := dataEvent(part.Data); ok {
				events = append(events, ev)
			}
		}
	}
	return events
}

// dataEvent routes a data part by its type tag.
func dataEvent(data map[string]any) (codec.WireEvent, bool) {
	typ, _ := data["type"].(string)
	if typ == "" {
		return codec.WireEvent{}, false
	}
	kind := typ
	if typ == "product_list" {
		kind = string(domain.KindProducts)
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return codec.WireEvent{}, false
	}
	return codec.WireEvent{Kind: kind, Payload: payload}, true
}

func completeEvent() codec.WireEvent {
	return codec.WireEvent{Kind: string(domain.KindComplete)}
}
