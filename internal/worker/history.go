package worker

import "sync"

// DefaultHistorySize is how many task outcomes feed the success rate.
const DefaultHistorySize = 100

// History is a bounded trailing record of task outcomes. Once full, the
// oldest outcome is evicted first.
type History struct {
	mu       sync.Mutex
	outcomes []bool
	next     int
	full     bool
}

// NewHistory creates a history holding at most size outcomes.
func NewHistory(size int) *History {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &History{outcomes: make([]bool, size)}
}

// Record appends one outcome.
func (h *History) Record(success bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.outcomes[h.next] = success
	h.next = (h.next + 1) % len(h.outcomes)
	if h.next == 0 {
		h.full = true
	}
}

// Len returns the number of outcomes currently held.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lenLocked()
}

func (h *History) lenLocked() int {
	if h.full {
		return len(h.outcomes)
	}
	return h.next
}

// SuccessRate is the ratio of successes among held outcomes, 1.0 when empty.
func (h *History) SuccessRate() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := h.lenLocked()
	if n == 0 {
		return 1.0
	}
	ok := 0
	for i := 0; i < n; i++ {
		if h.outcomes[i] {
			ok++
		}
	}
	return float64(ok) / float64(n)
}
