package dashboard

import (
	"sync"
)

// subscriber is one WebSocket client. Encoded messages wait in msgs until
// the client's writer goroutine sends them.
type subscriber struct {
	msgs chan []byte

	// evict closes the connection when msgs overflows.
	evict func()
}

// hub fans encoded messages out to subscribers without ever blocking the
// publisher. A subscriber that cannot keep up is evicted.
type hub struct {
	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

func newHub() *hub {
	return &hub{subs: make(map[*subscriber]struct{})}
}

func (h *hub) add(s *subscriber) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs[s] = struct{}{}
	return len(h.subs)
}

// remove reports whether s was still registered and how many remain.
func (h *hub) remove(s *subscriber) (bool, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.subs[s]
	delete(h.subs, s)
	return ok, len(h.subs)
}

// publish queues data for every subscriber and returns how many were
// evicted for being full.
func (h *hub) publish(data []byte) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	evicted := 0
	for s := range h.subs {
		select {
		case s.msgs <- data:
		default:
			delete(h.subs, s)
			evicted++
			go s.evict()
		}
	}
	return evicted
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
