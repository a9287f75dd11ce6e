// Package transcript owns the append-only message list of a conversation and
// the open assistant slot of the turn in flight.
package transcript

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/cartpilot-concierge/internal/domain"
)

// FallbackContent is shown when a turn finishes with artifacts but no text.
const FallbackContent = "I received your message."

// ApologyContent is appended when a turn fails before producing anything.
const ApologyContent = "Sorry, I encountered an error processing your request. Please try again."

// Slot is the open-slot reference for one conversation. The zero value is
// empty. A Slot is owned by a single controller and only read or written
// while the transcript lock is held.
type Slot struct {
	index int
	set   bool
}

// Index returns the reserved index and whether one is set.
func (s *Slot) Index() (int, bool) {
	return s.index, s.set
}

func (s *Slot) reserve(i int) {
	s.index, s.set = i, true
}

func (s *Slot) clear() {
	s.index, s.set = 0, false
}

// EnsureAssistantSlot resolves the index the turn's assistant output belongs
// at, reserving it in slot before returning:
//
//  1. a set slot that is still the last message (an assistant one) or the
//     reserved position at the end is returned unchanged;
//  2. otherwise a trailing assistant message is adopted;
//  3. otherwise len(messages) is reserved.
//
// Calling it twice without changing messages returns the same index.
func EnsureAssistantSlot(messages []domain.Message, slot *Slot) int {
	n := len(messages)
	if i, ok := slot.Index(); ok {
		if i == n {
			return i
		}
		if i == n-1 && messages[i].Role == domain.RoleAssistant {
			return i
		}
	}
	if n > 0 && messages[n-1].Role == domain.RoleAssistant {
		slot.reserve(n - 1)
		return n - 1
	}
	slot.reserve(n)
	return n
}

// Transcript is the ordered message list of one conversation.
type Transcript struct {
	mu       sync.Mutex
	messages []domain.Message
	now      func() time.Time
	onChange func()
}

// Option configures a Transcript.
type Option func(*Transcript)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(t *Transcript) {
		t.now = now
	}
}

// WithOnChange registers a callback run after every mutation, outside the lock.
func WithOnChange(fn func()) Option {
	return func(t *Transcript) {
		t.onChange = fn
	}
}

// New creates an empty transcript.
func New(opts ...Option) *Transcript {
	t := &Transcript{now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Messages returns a copy of the transcript.
func (t *Transcript) Messages() []domain.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]domain.Message, len(t.messages))
	copy(out, t.messages)
	return out
}

// Len returns the number of messages.
func (t *Transcript) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.messages)
}

// AppendUser appends the user message for a submission.
func (t *Transcript) AppendUser(sub domain.Submission) domain.Message {
	t.mu.Lock()
	msg := domain.Message{
		ID:        uuid.NewString(),
		Role:      domain.RoleUser,
		Content:   sub.Text,
		Timestamp: t.now(),
		ImageURL:  sub.Image.DisplayURL(),
	}
	t.messages = append(t.messages, msg)
	t.mu.Unlock()

	t.changed()
	return msg
}

// AppendAssistant appends a standalone assistant message that does not belong
// to an open slot.
func (t *Transcript) AppendAssistant(content string) domain.Message {
	t.mu.Lock()
	msg := t.newAssistant(content)
	t.messages = append(t.messages, msg)
	t.mu.Unlock()

	t.changed()
	return msg
}

// Commit writes state into the turn's single assistant message. The slot is
// resolved and the message created or updated in one critical section. When
// final is set and the text is empty, FallbackContent is used.
func (t *Transcript) Commit(slot *Slot, state domain.StreamingState, final bool) domain.Message {
	content := state.Text
	if final && content == "" {
		content = FallbackContent
	}

	t.mu.Lock()
	idx := EnsureAssistantSlot(t.messages, slot)
	if idx == len(t.messages) {
		t.messages = append(t.messages, t.newAssistant(content))
	} else {
		t.messages[idx].Content = content
	}
	msg := &t.messages[idx]
	state.ApplyArtifacts(msg)
	committed := *msg
	t.mu.Unlock()

	t.changed()
	return committed
}

// ClearSlot drops the open-slot reference so the next turn starts clean.
func (t *Transcript) ClearSlot(slot *Slot) {
	t.mu.Lock()
	slot.clear()
	t.mu.Unlock()
}

func (t *Transcript) newAssistant(content string) domain.Message {
	return domain.Message{
		ID:        uuid.NewString(),
		Role:      domain.RoleAssistant,
		Content:   content,
		Timestamp: t.now(),
	}
}

func (t *Transcript) changed() {
	if t.onChange != nil {
		t.onChange()
	}
}
