package store

import "sync"

// Change describes a write to a submission tree.
type Change struct {
	ExamID    string
	SubjectID string
	Version   int64
}

const watchBuffer = 16

type hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Change
}

func newHub() *hub {
	return &hub{subs: make(map[int]chan Change)}
}

// Watch subscribes to submission tree changes. The returned cancel func closes
// the channel and may be called more than once. A subscriber that falls behind
// misses events rather than blocking writers.
func (s *Store) Watch() (<-chan Change, func()) {
	return s.watches.subscribe()
}

func (h *hub) subscribe() (<-chan Change, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan Change, watchBuffer)
	if h.subs == nil {
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
		})
	}
}

func (h *hub) publish(c Change) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- c:
		default:
		}
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
	h.subs = nil
}
