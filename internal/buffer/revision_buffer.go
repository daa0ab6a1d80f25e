package buffer

import (
	v1 "fieldsync/pkg/api/v1"
	"sort"
	"sync"
)

// RevisionBuffer keeps the most recent outbox events so a watcher that
// reconnects with its last seen revision can catch up without a snapshot.
type RevisionBuffer struct {
	mu     sync.RWMutex
	events []v1.OutboxEvent
	size   int
	head   int
	isFull bool
}

func NewRevisionBuffer(size int) *RevisionBuffer {
	if size <= 0 {
		size = 1000
	}
	return &RevisionBuffer{
		events: make([]v1.OutboxEvent, size),
		size:   size,
	}
}

// Add appends an event. Revisions must be strictly increasing.
func (b *RevisionBuffer) Add(event v1.OutboxEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events[b.head] = event
	b.head = (b.head + 1) % b.size
	if b.head == 0 {
		b.isFull = true
	}
}

// GetSince returns events newer than lastRev. ok=false means events after
// lastRev were already overwritten and the caller must resync from a snapshot.
func (b *RevisionBuffer) GetSince(lastRev int64) ([]v1.OutboxEvent, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := b.head
	start := 0
	if b.isFull {
		count = b.size
		start = b.head
	}
	if count == 0 {
		return nil, true
	}

	// lastRev+1 must still be in the buffer
	oldestRev := b.events[start].Revision
	if lastRev < oldestRev-1 {
		return nil, false
	}

	idx := sort.Search(count, func(i int) bool {
		return b.events[(start+i)%b.size].Revision > lastRev
	})
	if idx == count {
		return nil, true
	}

	result := make([]v1.OutboxEvent, 0, count-idx)
	for i := idx; i < count; i++ {
		result = append(result, b.events[(start+i)%b.size])
	}
	return result, true
}

// Latest returns the newest revision held, or 0 when empty.
func (b *RevisionBuffer) Latest() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.head == 0 && !b.isFull {
		return 0
	}
	return b.events[(b.head-1+b.size)%b.size].Revision
}
