package conversation

import "sync"

// hub fans snapshots out to subscribers. Each subscriber holds at most one
// pending snapshot; a newer one replaces it, so slow readers skip
// intermediate states but always see the latest.
type hub struct {
	mu   sync.Mutex
	subs map[int]chan Snapshot
	next int
}

func newHub() *hub {
	return &hub{subs: make(map[int]chan Snapshot)}
}

func (h *hub) subscribe() (<-chan Snapshot, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.next
	h.next++
	ch := make(chan Snapshot, 1)
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs, id)
			close(ch)
		})
	}
}

func (h *hub) broadcast(s Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ch := range h.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- s:
		default:
		}
	}
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
