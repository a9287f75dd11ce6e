package turn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tjfontaine/cartpilot-concierge/internal/codec"
	"github.com/tjfontaine/cartpilot-concierge/internal/domain"
	"github.com/tjfontaine/cartpilot-concierge/internal/tokens"
	"github.com/tjfontaine/cartpilot-concierge/internal/transcript"
)

// step is one scripted result of Next. A step with hang set blocks until the
// stream is closed, ignoring ctx.
type step struct {
	event codec.WireEvent
	err   error
	hang  bool
}

type fakeStream struct {
	mu        sync.Mutex
	steps     []step
	pos       int
	closed    chan struct{}
	closeOnce sync.Once
}

func newStream(steps ...step) *fakeStream {
	return &fakeStream{steps: steps, closed: make(chan struct{})}
}

func (s *fakeStream) Next(ctx context.Context) (codec.WireEvent, error) {
	s.mu.Lock()
	if s.pos >= len(s.steps) {
		s.mu.Unlock()
		return codec.WireEvent{}, io.EOF
	}
	st := s.steps[s.pos]
	s.pos++
	s.mu.Unlock()

	if st.hang {
		<-s.closed
		return codec.WireEvent{}, io.ErrClosedPipe
	}
	return st.event, st.err
}

func (s *fakeStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeStream) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-s.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("stream was not closed")
	}
}

type fakeTransport struct {
	mu      sync.Mutex
	streams []*fakeStream
	openErr error
	opened  int
}

func (f *fakeTransport) Open(ctx context.Context, conversationID string, sub domain.Submission) (EventStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	if f.opened >= len(f.streams) {
		return nil, fmt.Errorf("no stream scripted for call %d", f.opened)
	}
	s := f.streams[f.opened]
	f.opened++
	return s, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.LifecycleEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, event domain.LifecycleEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) types() []domain.LifecycleEventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.LifecycleEventType, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

func ev(t *testing.T, kind domain.EventKind, payload any) step {
	t.Helper()
	w, err := codec.NewWireEvent(kind, payload)
	if err != nil {
		t.Fatalf("NewWireEvent() error = %v", err)
	}
	return step{event: w}
}

func text(t *testing.T, s string) step {
	return ev(t, domain.KindText, map[string]any{"text": s})
}

func products(t *testing.T, n int) step {
	list := make([]domain.Product, n)
	for i := range list {
		list[i] = domain.Product{ID: fmt.Sprintf("p%d", i+1), Name: fmt.Sprintf("Shoe %d", i+1), Price: 50}
	}
	return ev(t, domain.KindProducts, map[string]any{"products": list})
}

func cart(t *testing.T, total int) step {
	return ev(t, domain.KindCart, map[string]any{"items": []domain.CartItem{{ProductID: "p1", Quantity: total}}, "total_items": total})
}

func status(t *testing.T, msg string) step {
	return ev(t, domain.KindStatus, map[string]any{"state": "working", "message": map[string]any{"parts": []any{map[string]any{"kind": "text", "text": msg}}}})
}

func complete(t *testing.T) step {
	return ev(t, domain.KindComplete, nil)
}

func newController(ft *fakeTransport, opts ...Option) (*Controller, *transcript.Transcript) {
	tr := transcript.New()
	return NewController("conv-1", tr, ft, opts...), tr
}

func assistantMessages(msgs []domain.Message) []domain.Message {
	var out []domain.Message
	for _, m := range msgs {
		if m.Role == domain.RoleAssistant {
			out = append(out, m)
		}
	}
	return out
}

func TestController_SingleAssistantMessagePerTurn(t *testing.T) {
	ft := &fakeTransport{streams: []*fakeStream{newStream(
		status(t, "Searching for products..."),
		text(t, "Found"),
		products(t, 3),
		text(t, " 3 shoes"),
		cart(t, 1),
		status(t, "Loading your cart..."),
		text(t, "."),
		complete(t),
		text(t, "ignored after complete"),
	)}}
	c, tr := newController(ft)

	out, err := c.Run(context.Background(), domain.Submission{Text: "find running shoes"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.State != StateCompleted {
		t.Fatalf("State = %v, want %v", out.State, StateCompleted)
	}

	msgs := tr.Messages()
	if len(msgs) != 2 {
		t.Fatalf("len(Messages()) = %d, want 2", len(msgs))
	}
	a := msgs[1]
	if a.Role != domain.RoleAssistant {
		t.Errorf("Role = %v, want assistant", a.Role)
	}
	if a.Content != "Found 3 shoes." {
		t.Errorf("Content = %q, want %q", a.Content, "Found 3 shoes.")
	}
	if len(a.Products) != 3 {
		t.Errorf("len(Products) = %d, want 3", len(a.Products))
	}
	if a.Cart == nil || a.Cart.TotalItems != 1 {
		t.Errorf("Cart = %v, want total_items 1", a.Cart)
	}
	if c.Progress() != "" {
		t.Errorf("Progress() = %q, want empty after turn", c.Progress())
	}
	if c.State() != StateCompleted {
		t.Errorf("State() = %v, want %v", c.State(), StateCompleted)
	}
	ft.streams[0].waitClosed(t)
}

func TestController_SingleAssistantMessageAnyOrder(t *testing.T) {
	tests := []struct {
		name        string
		steps       func(t *testing.T) []step
		wantContent string
	}{
		{
			name: "artifact first",
			steps: func(t *testing.T) []step {
				return []step{products(t, 3), cart(t, 2), text(t, "Found"), text(t, " 3 shoes."), complete(t)}
			},
			wantContent: "Found 3 shoes.",
		},
		{
			name: "status first",
			steps: func(t *testing.T) []step {
				return []step{status(t, "Searching..."), status(t, "Still searching..."), products(t, 3), cart(t, 2), text(t, "Found 3 shoes."), complete(t)}
			},
			wantContent: "Found 3 shoes.",
		},
		{
			name: "text last",
			steps: func(t *testing.T) []step {
				return []step{cart(t, 2), status(t, "Loading..."), products(t, 3), text(t, "Found 3 shoes."), complete(t)}
			},
			wantContent: "Found 3 shoes.",
		},
		{
			name: "status between every event",
			steps: func(t *testing.T) []step {
				return []step{
					text(t, "Found"), status(t, "a"), products(t, 3), status(t, "b"),
					cart(t, 2), status(t, "c"), text(t, " 3 shoes."), status(t, "d"), complete(t),
				}
			},
			wantContent: "Found 3 shoes.",
		},
		{
			name: "artifacts only",
			steps: func(t *testing.T) []step {
				return []step{cart(t, 2), products(t, 3), complete(t)}
			},
			wantContent: transcript.FallbackContent,
		},
		{
			name: "exhausted without complete",
			steps: func(t *testing.T) []step {
				return []step{products(t, 3), text(t, "Found 3 shoes."), cart(t, 2)}
			},
			wantContent: "Found 3 shoes.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ft := &fakeTransport{streams: []*fakeStream{newStream(tt.steps(t)...)}}
			c, tr := newController(ft)

			out, err := c.Run(context.Background(), domain.Submission{Text: "find shoes"})
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if out.State != StateCompleted {
				t.Fatalf("State = %v, want %v", out.State, StateCompleted)
			}

			assistants := assistantMessages(tr.Messages())
			if len(assistants) != 1 {
				t.Fatalf("assistant messages = %d, want 1", len(assistants))
			}
			a := assistants[0]
			if a.Content != tt.wantContent {
				t.Errorf("Content = %q, want %q", a.Content, tt.wantContent)
			}
			if len(a.Products) != 3 {
				t.Errorf("len(Products) = %d, want 3", len(a.Products))
			}
			if a.Cart == nil || a.Cart.TotalItems != 2 {
				t.Errorf("Cart = %v, want total_items 2", a.Cart)
			}
		})
	}
}

func TestController_StatusOnlyTurnLeavesTranscriptAlone(t *testing.T) {
	ft := &fakeTransport{streams: []*fakeStream{newStream(
		status(t, "Searching for products..."),
		status(t, "Still looking..."),
	)}}

	var mu sync.Mutex
	var seen []string
	c, tr := newController(ft, WithProgressListener(func(p string) {
		mu.Lock()
		seen = append(seen, p)
		mu.Unlock()
	}))

	out, err := c.Run(context.Background(), domain.Submission{Text: "search"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.State != StateCompleted {
		t.Errorf("State = %v, want %v", out.State, StateCompleted)
	}
	if got := len(tr.Messages()); got != 1 {
		t.Errorf("len(Messages()) = %d, want 1 (user only)", got)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"Searching for products…", "Searching for products...", "Still looking...", ""}
	if strings.Join(seen, "|") != strings.Join(want, "|") {
		t.Errorf("progress = %q, want %q", seen, want)
	}
}

func TestController_PartialFailurePreserved(t *testing.T) {
	ft := &fakeTransport{streams: []*fakeStream{newStream(
		text(t, "Found 3 shoes"),
		products(t, 3),
		step{err: errors.New("connection reset")},
	)}}
	c, tr := newController(ft)

	out, err := c.Run(context.Background(), domain.Submission{Text: "find sneakers"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.State != StateFailed {
		t.Fatalf("State = %v, want %v", out.State, StateFailed)
	}
	if out.Err == nil || !strings.Contains(out.Err.Error(), "connection reset") {
		t.Errorf("Err = %v, want connection reset", out.Err)
	}

	assistant := assistantMessages(tr.Messages())
	if len(assistant) != 1 {
		t.Fatalf("assistant messages = %d, want 1", len(assistant))
	}
	if assistant[0].Content != "Found 3 shoes" {
		t.Errorf("Content = %q, want %q", assistant[0].Content, "Found 3 shoes")
	}
	if len(assistant[0].Products) != 3 {
		t.Errorf("len(Products) = %d, want 3", len(assistant[0].Products))
	}
}

func TestController_FailureWithoutContentApologizes(t *testing.T) {
	tests := []struct {
		name string
		ft   *fakeTransport
	}{
		{name: "stream error", ft: &fakeTransport{streams: []*fakeStream{newStream(status(t, "working"), step{err: errors.New("boom")})}}},
		{name: "open error", ft: &fakeTransport{openErr: errors.New("dial tcp: refused")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, tr := newController(tt.ft)
			out, err := c.Run(context.Background(), domain.Submission{Text: "hello"})
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if out.State != StateFailed {
				t.Errorf("State = %v, want %v", out.State, StateFailed)
			}
			msgs := tr.Messages()
			if len(msgs) != 2 {
				t.Fatalf("len(Messages()) = %d, want 2", len(msgs))
			}
			if msgs[1].Content != transcript.ApologyContent {
				t.Errorf("Content = %q, want apology", msgs[1].Content)
			}
		})
	}
}

func TestController_TimeoutWithNoEvents(t *testing.T) {
	s := newStream(step{hang: true})
	ft := &fakeTransport{streams: []*fakeStream{s, newStream(text(t, "hi again"), complete(t))}}
	c, tr := newController(ft, WithDeadline(50*time.Millisecond))

	out, err := c.Run(context.Background(), domain.Submission{Text: "hello"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.State != StateTimedOut {
		t.Fatalf("State = %v, want %v", out.State, StateTimedOut)
	}
	if out.Err != nil {
		t.Errorf("Err = %v, want nil", out.Err)
	}
	if got := len(tr.Messages()); got != 1 {
		t.Errorf("len(Messages()) = %d, want 1", got)
	}
	s.waitClosed(t)

	// The next turn starts clean.
	out, err = c.Run(context.Background(), domain.Submission{Text: "hello?"})
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if out.State != StateCompleted {
		t.Errorf("second State = %v, want %v", out.State, StateCompleted)
	}
	msgs := tr.Messages()
	if len(msgs) != 3 {
		t.Fatalf("len(Messages()) = %d, want 3", len(msgs))
	}
	if msgs[2].Role != domain.RoleAssistant || msgs[2].Content != "hi again" {
		t.Errorf("last message = %+v, want assistant %q", msgs[2], "hi again")
	}
}

func TestController_TimeoutKeepsPartialTranscript(t *testing.T) {
	ft := &fakeTransport{streams: []*fakeStream{newStream(text(t, "Let me check"), step{hang: true})}}
	c, tr := newController(ft, WithDeadline(50*time.Millisecond))

	out, err := c.Run(context.Background(), domain.Submission{Text: "my cart"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.State != StateTimedOut {
		t.Fatalf("State = %v, want %v", out.State, StateTimedOut)
	}
	msgs := tr.Messages()
	if len(msgs) != 2 || msgs[1].Content != "Let me check" {
		t.Errorf("Messages() = %+v, want partial assistant text", msgs)
	}
}

func TestController_RejectsWhileStreaming(t *testing.T) {
	s := newStream(step{hang: true})
	ft := &fakeTransport{streams: []*fakeStream{s}}
	c, _ := newController(ft, WithDeadline(5*time.Second))

	done, err := c.Submit(context.Background(), domain.Submission{Text: "first"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if !c.Busy() {
		t.Error("Busy() = false, want true while streaming")
	}

	_, err = c.Submit(context.Background(), domain.Submission{Text: "second"})
	if !errors.Is(err, ErrTurnInFlight) {
		t.Errorf("Submit() error = %v, want ErrTurnInFlight", err)
	}
	if apiErr := domain.AsAPIError(err); apiErr.HTTPStatusCode() != 409 {
		t.Errorf("HTTPStatusCode() = %d, want 409", apiErr.HTTPStatusCode())
	}

	s.Close()
	out := <-done
	if out.State != StateFailed {
		t.Errorf("State = %v, want %v", out.State, StateFailed)
	}
}

func TestController_ParentCancelFails(t *testing.T) {
	ft := &fakeTransport{streams: []*fakeStream{newStream(step{hang: true})}}
	c, tr := newController(ft)

	ctx, cancel := context.WithCancel(context.Background())
	done, err := c.Submit(ctx, domain.Submission{Text: "hello"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	cancel()

	out := <-done
	if out.State != StateFailed || !errors.Is(out.Err, context.Canceled) {
		t.Errorf("Outcome = %+v, want failed with context.Canceled", out)
	}
	if msgs := tr.Messages(); msgs[len(msgs)-1].Content != transcript.ApologyContent {
		t.Errorf("last message = %q, want apology", msgs[len(msgs)-1].Content)
	}
}

func TestController_ValidatesSubmission(t *testing.T) {
	tests := []struct {
		name    string
		sub     domain.Submission
		wantErr error
	}{
		{name: "empty", sub: domain.Submission{Text: "   "}, wantErr: ErrEmptySubmission},
		{name: "too many tokens", sub: domain.Submission{Text: strings.Repeat("sneakers and boots ", 20)}, wantErr: ErrSubmissionTooLarge},
		{name: "gif image", sub: domain.Submission{Image: &domain.Image{MimeType: "image/gif", Data: []byte("gif")}}, wantErr: ErrUnsupportedImage},
		{name: "image without data", sub: domain.Submission{Image: &domain.Image{Name: "x.png"}}, wantErr: ErrUnsupportedImage},
		{name: "oversized image", sub: domain.Submission{Image: &domain.Image{MimeType: "image/png", Data: make([]byte, codec.MaxImageSize+1)}}, wantErr: ErrUnsupportedImage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, tr := newController(&fakeTransport{}, WithTokenLimit(tokens.NewCounter(""), 10))
			_, err := c.Submit(context.Background(), tt.sub)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Submit() error = %v, want %v", err, tt.wantErr)
			}
			if tr.Len() != 0 {
				t.Errorf("Len() = %d, want 0 after rejection", tr.Len())
			}
			if c.State() != StateIdle {
				t.Errorf("State() = %v, want idle", c.State())
			}
		})
	}
}

func TestController_RecoversFromEventPanic(t *testing.T) {
	ft := &fakeTransport{streams: []*fakeStream{newStream(
		products(t, 2),
		text(t, "Here you go"),
		complete(t),
	)}}
	c, tr := newController(ft, WithEventObserver(func(e domain.Event) {
		if _, ok := e.(domain.Products); ok {
			panic("renderer exploded")
		}
	}))

	out, err := c.Run(context.Background(), domain.Submission{Text: "show boots"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.State != StateCompleted {
		t.Errorf("State = %v, want %v", out.State, StateCompleted)
	}
	if out.Dropped != 1 || out.Events != 3 {
		t.Errorf("Events, Dropped = %d, %d, want 3, 1", out.Events, out.Dropped)
	}
	msgs := tr.Messages()
	if len(msgs) != 2 || msgs[1].Content != "Here you go" {
		t.Fatalf("Messages() = %+v, want one assistant reply", msgs)
	}
	if msgs[1].Products != nil {
		t.Errorf("Products = %v, want nil for the panicking event", msgs[1].Products)
	}
}

func TestController_SkipsMalformedEvents(t *testing.T) {
	ft := &fakeTransport{streams: []*fakeStream{newStream(
		step{event: codec.WireEvent{Kind: "thinking"}},
		step{event: codec.WireEvent{Kind: "products", Payload: []byte(`{"products":"nope"}`)}},
		text(t, "ok"),
	)}}
	c, tr := newController(ft)

	out, err := c.Run(context.Background(), domain.Submission{Text: "hi"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.Dropped != 2 {
		t.Errorf("Dropped = %d, want 2", out.Dropped)
	}
	if msgs := tr.Messages(); len(msgs) != 2 || msgs[1].Content != "ok" {
		t.Errorf("Messages() = %+v, want assistant %q", msgs, "ok")
	}
}

func TestController_ArtifactOnlyCompletionUsesFallback(t *testing.T) {
	ft := &fakeTransport{streams: []*fakeStream{newStream(cart(t, 2), complete(t))}}
	c, tr := newController(ft)

	if _, err := c.Run(context.Background(), domain.Submission{Text: "view my cart"}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	msgs := tr.Messages()
	if len(msgs) != 2 {
		t.Fatalf("len(Messages()) = %d, want 2", len(msgs))
	}
	if msgs[1].Content != transcript.FallbackContent {
		t.Errorf("Content = %q, want %q", msgs[1].Content, transcript.FallbackContent)
	}
	if msgs[1].Cart == nil || msgs[1].Cart.TotalItems != 2 {
		t.Errorf("Cart = %v, want total_items 2", msgs[1].Cart)
	}
}

func TestController_PublishesLifecycle(t *testing.T) {
	pub := &recordingPublisher{}
	ft := &fakeTransport{streams: []*fakeStream{
		newStream(text(t, "hi"), complete(t)),
		newStream(step{err: errors.New("boom")}),
	}}
	c, _ := newController(ft, WithPublisher(pub))

	if _, err := c.Run(context.Background(), domain.Submission{Text: "hello"}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if _, err := c.Run(context.Background(), domain.Submission{Text: "again"}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	got := pub.types()
	want := []domain.LifecycleEventType{
		domain.LifecycleEventStarted, domain.LifecycleEventCompleted,
		domain.LifecycleEventStarted, domain.LifecycleEventFailed,
	}
	if len(got) != len(want) {
		t.Fatalf("published %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}
