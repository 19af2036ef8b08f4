package invoke

import (
	"fmt"
	"sync"
)

// DefaultQueueCapacity bounds the pending-invoke queue when no explicit
// capacity is configured.
const DefaultQueueCapacity = 50

// Queue is the bounded store of invokes pending approval, keyed by request
// ID. When full, the least recently inserted entries are evicted to admit
// the newest request; eviction is a capacity bound, not a guarantee about
// which entries survive, but the newest insert is always retrievable.
type Queue struct {
	mu       sync.Mutex
	capacity int
	byID     map[string]*Invoke
	order    []string // insertion order, oldest first
}

// NewQueue creates a queue with the given capacity. Non-positive capacities
// fall back to DefaultQueueCapacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Queue{
		capacity: capacity,
		byID:     make(map[string]*Invoke, capacity),
	}
}

// Put admits an invoke, evicting the oldest entries if the queue is full.
// The evicted invokes are returned so the caller can answer their remote
// requests. Reusing an ID that is still pending is an error.
func (q *Queue) Put(inv *Invoke) ([]*Invoke, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.byID[inv.ID]; exists {
		return nil, fmt.Errorf("invoke %s is already pending", inv.ID)
	}

	var evicted []*Invoke
	for len(q.byID) >= q.capacity && len(q.order) > 0 {
		oldest := q.order[0]
		q.order = q.order[1:]
		if old, ok := q.byID[oldest]; ok {
			delete(q.byID, oldest)
			evicted = append(evicted, old)
		}
	}

	q.byID[inv.ID] = inv
	q.order = append(q.order, inv.ID)
	return evicted, nil
}

// Take removes and returns the invoke for id. The entry is consumed exactly
// once: a second Take on the same ID reports not-found.
func (q *Queue) Take(id string) (*Invoke, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	inv, ok := q.byID[id]
	if !ok {
		return nil, false
	}
	delete(q.byID, id)
	q.dropOrder(id)
	return inv, true
}

// TakeExact removes the entry for inv.ID only if it still holds this exact
// invoke. A pending entry under the same ID that belongs to a newer request
// is left alone.
func (q *Queue) TakeExact(inv *Invoke) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.byID[inv.ID] != inv {
		return false
	}
	delete(q.byID, inv.ID)
	q.dropOrder(inv.ID)
	return true
}

// Get returns the invoke for id without consuming it.
func (q *Queue) Get(id string) (*Invoke, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	inv, ok := q.byID[id]
	return inv, ok
}

// List returns a snapshot of pending invokes in insertion order.
func (q *Queue) List() []*Invoke {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*Invoke, 0, len(q.byID))
	for _, id := range q.order {
		if inv, ok := q.byID[id]; ok {
			out = append(out, inv)
		}
	}
	return out
}

// Len returns the number of pending invokes.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byID)
}

// Capacity returns the configured bound.
func (q *Queue) Capacity() int {
	return q.capacity
}

// Clear empties the queue and returns what was pending, oldest first.
func (q *Queue) Clear() []*Invoke {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*Invoke, 0, len(q.byID))
	for _, id := range q.order {
		if inv, ok := q.byID[id]; ok {
			out = append(out, inv)
		}
	}
	q.byID = make(map[string]*Invoke, q.capacity)
	q.order = nil
	return out
}

// dropOrder removes id from the insertion-order index. Called with q.mu held.
func (q *Queue) dropOrder(id string) {
	for i, v := range q.order {
		if v == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			return
		}
	}
}
