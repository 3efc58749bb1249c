package change

import "sync"

// DefaultHistorySize bounds the in-memory change history.
const DefaultHistorySize = 100

// History is a fixed-capacity ring of events, read newest-first.
type History struct {
	mu   sync.Mutex
	buf  []Event
	next int
	size int
}

func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	return &History{buf: make([]Event, capacity)}
}

// Push records events in the order given; the last one becomes the newest.
func (h *History) Push(events ...Event) {
	if h == nil || len(events) == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ev := range events {
		h.buf[h.next] = ev.Clone()
		h.next = (h.next + 1) % len(h.buf)
		if h.size < len(h.buf) {
			h.size++
		}
	}
}

// Seed loads persisted events given newest-first, keeping that order.
func (h *History) Seed(newestFirst []Event) {
	if h == nil || len(newestFirst) == 0 {
		return
	}
	if len(newestFirst) > len(h.buf) {
		newestFirst = newestFirst[:len(h.buf)]
	}
	rev := make([]Event, len(newestFirst))
	for i, ev := range newestFirst {
		rev[len(newestFirst)-1-i] = ev
	}
	h.Push(rev...)
}

// Recent returns copies of up to limit events, newest first. limit <= 0 means all.
func (h *History) Recent(limit int) []Event {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	n := h.size
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Event, 0, n)
	idx := h.next
	for i := 0; i < n; i++ {
		idx = (idx - 1 + len(h.buf)) % len(h.buf)
		out = append(out, h.buf[idx].Clone())
	}
	return out
}

func (h *History) Len() int {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.size
}

func (h *History) Cap() int { return len(h.buf) }
