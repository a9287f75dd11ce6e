package a2a

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	a2aapi "github.com/tjfontaine/cartpilot-concierge/internal/api/a2a"
	"github.com/tjfontaine/cartpilot-concierge/internal/codec"
	"github.com/tjfontaine/cartpilot-concierge/internal/domain"
	"github.com/tjfontaine/cartpilot-concierge/internal/storage/memory"
	"github.com/tjfontaine/cartpilot-concierge/internal/transcript"
	"github.com/tjfontaine/cartpilot-concierge/internal/turn"
)

// fakeAgent serves one scripted SSE body per request and records the
// messages it receives.
type fakeAgent struct {
	mu       sync.Mutex
	bodies   []string
	received []a2aapi.Message
}

func (a *fakeAgent) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Params a2aapi.MessageSendParams `json:"params"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	a.mu.Lock()
	a.received = append(a.received, req.Params.Message)
	body := ""
	if len(a.bodies) > 0 {
		body, a.bodies = a.bodies[0], a.bodies[1:]
	}
	a.mu.Unlock()

	w.Header().Set("Content-Type", "text/event-stream")
	_, _ = io.WriteString(w, body)
}

func (a *fakeAgent) messages() []a2aapi.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]a2aapi.Message(nil), a.received...)
}

func sse(results ...string) string {
	var b strings.Builder
	for _, r := range results {
		b.WriteString(`data: {"jsonrpc":"2.0","id":"1","result":`)
		b.WriteString(r)
		b.WriteString("}\n\n")
	}
	return b.String()
}

func newProvider(t *testing.T, agent *fakeAgent) (*Provider, *memory.Store) {
	t.Helper()
	srv := httptest.NewServer(agent)
	t.Cleanup(srv.Close)
	store := memory.New()
	return New(a2aapi.NewClient(srv.URL), store), store
}

func drain(t *testing.T, es turn.EventStream) ([]codec.WireEvent, error) {
	t.Helper()
	var events []codec.WireEvent
	for {
		ev, err := es.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return events, nil
		}
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
}

func kinds(events []codec.WireEvent) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Kind)
	}
	return out
}

const shoppingTurn = `{"kind":"task","id":"t1","contextId":"ctx-1","status":{"state":"submitted"}}|` +
	`{"kind":"status-update","taskId":"t1","contextId":"ctx-1","status":{"state":"working","message":{"kind":"message","messageId":"s1","role":"agent","parts":[{"kind":"text","text":"Searching..."}]}}}|` +
	`{"kind":"artifact-update","taskId":"t1","contextId":"ctx-1","artifact":{"artifactId":"a1","parts":[{"kind":"text","text":"Here you go."},{"kind":"data","data":{"type":"product_list","products":[{"id":"p1","name":"Runner","price":79.5}]}}]}}|` +
	`{"kind":"artifact-update","taskId":"t1","contextId":"ctx-1","artifact":{"artifactId":"a2","parts":[{"kind":"data","data":{"type":"cart","items":[{"product_id":"p1","quantity":1}],"total_items":1,"subtotal":79.5}}]}}|` +
	`{"kind":"status-update","taskId":"t1","contextId":"ctx-1","status":{"state":"completed"},"final":true}`

func TestProviderMapsShoppingTurn(t *testing.T) {
	agent := &fakeAgent{bodies: []string{sse(strings.Split(shoppingTurn, "|")...)}}
	p, store := newProvider(t, agent)

	es, err := p.Open(context.Background(), "conv-1", domain.Submission{Text: "find running shoes"})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer es.Close()

	events, err := drain(t, es)
	if err != nil {
		t.Fatalf("drain error = %v", err)
	}

	want := []string{"status", "text", "products", "cart", "complete"}
	if diff := cmp.Diff(want, kinds(events)); diff != "" {
		t.Fatalf("kinds mismatch (-want +got):\n%s", diff)
	}

	for _, ev := range events {
		if _, ok := codec.Normalize(ev); !ok {
			t.Errorf("event %s does not normalize: %s", ev.Kind, ev.Payload)
		}
	}

	sess, err := store.GetSession(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if sess.ContextID != "ctx-1" {
		t.Errorf("ContextID = %q, want ctx-1", sess.ContextID)
	}
}

func TestProviderReusesContextID(t *testing.T) {
	done := sse(`{"kind":"message","messageId":"m1","role":"agent","contextId":"ctx-9","parts":[{"kind":"text","text":"Hi"}]}`)
	agent := &fakeAgent{bodies: []string{done, done}}
	p, _ := newProvider(t, agent)

	for i := 0; i < 2; i++ {
		es, err := p.Open(context.Background(), "conv-1", domain.Submission{Text: "hello"})
		if err != nil {
			t.Fatalf("Open() error = %v", err)
		}
		events, err := drain(t, es)
		es.Close()
		if err != nil {
			t.Fatalf("drain error = %v", err)
		}
		if diff := cmp.Diff([]string{"text", "complete"}, kinds(events)); diff != "" {
			t.Errorf("kinds mismatch (-want +got):\n%s", diff)
		}
	}

	msgs := agent.messages()
	if len(msgs) != 2 {
		t.Fatalf("agent received %d messages, want 2", len(msgs))
	}
	if msgs[0].ContextID != "" {
		t.Errorf("first ContextID = %q, want empty", msgs[0].ContextID)
	}
	if msgs[1].ContextID != "ctx-9" {
		t.Errorf("second ContextID = %q, want ctx-9", msgs[1].ContextID)
	}
}

func TestProviderTaskFailure(t *testing.T) {
	agent := &fakeAgent{bodies: []string{sse(
		`{"kind":"artifact-update","artifact":{"artifactId":"a1","parts":[{"kind":"text","text":"Partial"}]}}`,
		`{"kind":"status-update","status":{"state":"failed","message":{"kind":"message","messageId":"e","role":"agent","parts":[{"kind":"text","text":"inventory offline"}]}},"final":true}`,
	)}}
	p, _ := newProvider(t, agent)

	es, err := p.Open(context.Background(), "conv-1", domain.Submission{Text: "show boots"})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer es.Close()

	events, err := drain(t, es)
	if diff := cmp.Diff([]string{"text"}, kinds(events)); diff != "" {
		t.Errorf("kinds mismatch (-want +got):\n%s", diff)
	}
	var failed *TaskFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("error = %v, want *TaskFailedError", err)
	}
	if failed.State != a2aapi.TaskStateFailed || failed.Message != "inventory offline" {
		t.Errorf("failure = %+v", failed)
	}
}

func TestProviderMalformedEventIsDropped(t *testing.T) {
	body := "data: {broken\n\n" + sse(`{"kind":"message","messageId":"m1","role":"agent","parts":[{"kind":"text","text":"ok"}]}`)
	p, _ := newProvider(t, &fakeAgent{bodies: []string{body}})

	es, err := p.Open(context.Background(), "conv-1", domain.Submission{Text: "hi"})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer es.Close()

	events, err := drain(t, es)
	if err != nil {
		t.Fatalf("drain error = %v", err)
	}
	if diff := cmp.Diff([]string{"", "text", "complete"}, kinds(events)); diff != "" {
		t.Errorf("kinds mismatch (-want +got):\n%s", diff)
	}
	if _, ok := codec.Normalize(events[0]); ok {
		t.Error("malformed envelope normalized")
	}
}

func TestProviderSendsImage(t *testing.T) {
	agent := &fakeAgent{bodies: []string{sse(`{"kind":"message","messageId":"m1","role":"agent","parts":[]}`)}}
	p, _ := newProvider(t, agent)

	png := []byte("\x89PNG\r\n\x1a\n")
	sub := domain.Submission{Image: &domain.Image{Name: "shoe.png", Data: png}}
	es, err := p.Open(context.Background(), "conv-1", sub)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	_, _ = drain(t, es)
	es.Close()

	msgs := agent.messages()
	if len(msgs) != 1 || len(msgs[0].Parts) != 1 {
		t.Fatalf("received = %+v", msgs)
	}
	part := msgs[0].Parts[0]
	if part.Kind != a2aapi.PartKindFile || part.File == nil {
		t.Fatalf("part = %+v", part)
	}
	if part.File.MimeType != "image/png" || part.File.Name != "shoe.png" || part.File.Bytes == "" {
		t.Errorf("file = %+v", part.File)
	}
}

func TestProviderDrivesController(t *testing.T) {
	agent := &fakeAgent{bodies: []string{sse(strings.Split(shoppingTurn, "|")...)}}
	p, _ := newProvider(t, agent)

	tr := transcript.New()
	ctrl := turn.NewController("conv-1", tr, p)

	out, err := ctrl.Run(context.Background(), domain.Submission{Text: "find running shoes"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.State != turn.StateCompleted {
		t.Fatalf("State = %s, err = %v", out.State, out.Err)
	}

	msgs := tr.Messages()
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	reply := msgs[1]
	if reply.Role != domain.RoleAssistant || reply.Content != "Here you go." {
		t.Errorf("reply = %+v", reply)
	}
	if len(reply.Products) != 1 || reply.Products[0].Name != "Runner" {
		t.Errorf("Products = %+v", reply.Products)
	}
	if reply.Cart == nil || reply.Cart.TotalItems != 1 {
		t.Errorf("Cart = %+v", reply.Cart)
	}
}
