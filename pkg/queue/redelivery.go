package queue

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultMaxRedeliveries is how often a message may fail before it is
// dropped.
const DefaultMaxRedeliveries = 5

// RedeliveryTracker counts processing failures per message ID so a poison
// message is eventually acked and discarded instead of cycling forever.
type RedeliveryTracker struct {
	mu       sync.Mutex
	max      int
	failures *lru.Cache[string, int]
}

// NewRedeliveryTracker remembers up to size message IDs. max <= 0 means
// DefaultMaxRedeliveries.
func NewRedeliveryTracker(max, size int) *RedeliveryTracker {
	if max <= 0 {
		max = DefaultMaxRedeliveries
	}
	if size <= 0 {
		size = 10000
	}
	c, _ := lru.New[string, int](size)
	return &RedeliveryTracker{max: max, failures: c}
}

// Failed records a failure of m and reports whether m exhausted its
// redeliveries. The transport's own receive count wins when higher.
func (t *RedeliveryTracker) Failed(m *Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, _ := t.failures.Get(m.ID)
	n++
	if m.Receives > n {
		n = m.Receives
	}
	if n >= t.max {
		t.failures.Remove(m.ID)
		return true
	}
	t.failures.Add(m.ID, n)
	return false
}

// Forget clears the count of a message that was processed.
func (t *RedeliveryTracker) Forget(m *Message) {
	t.failures.Remove(m.ID)
}
