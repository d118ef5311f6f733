package control

import (
	"sync"

	"github.com/schaermu/patchd/internal/update"
)

// subscriberBuffer is how many events a slow stream may lag behind
const subscriberBuffer = 256

// hub fans run events out to event stream subscribers. A subscriber whose
// buffer is full misses events; runs never wait for readers.
type hub struct {
	mu     sync.Mutex
	subs   map[chan update.Event]struct{}
	closed bool
}

func newHub() *hub {
	return &hub{subs: make(map[chan update.Event]struct{})}
}

func (h *hub) subscribe() (<-chan update.Event, func()) {
	ch := make(chan update.Event, subscriberBuffer)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	h.subs[ch] = struct{}{}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.subs[ch]; ok {
				delete(h.subs, ch)
				close(ch)
			}
		})
	}
}

func (h *hub) publish(ev update.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// close ends every stream and refuses new subscribers
func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
