package session

import (
	"encoding/json"
	"sync"
)

// callResult is delivered to exactly one waiter per outbound request.
type callResult struct {
	payload json.RawMessage
	err     error
}

// pendingTable correlates outbound request IDs with their waiters. A waiter
// is registered before its frame is transmitted, which closes the race where
// the response arrives before registration.
type pendingTable struct {
	mu    sync.Mutex
	calls map[string]chan callResult
}

func newPendingTable() *pendingTable {
	return &pendingTable{
		calls: make(map[string]chan callResult),
	}
}

// register creates a completion slot for the request ID. The channel is
// buffered so the receive loop never blocks on a slow caller.
func (t *pendingTable) register(id string) <-chan callResult {
	ch := make(chan callResult, 1)
	t.mu.Lock()
	t.calls[id] = ch
	t.mu.Unlock()
	return ch
}

// resolve delivers a result to the waiter for id, consuming the slot.
// Returns false if no waiter is registered (the response is then dropped).
func (t *pendingTable) resolve(id string, res callResult) bool {
	t.mu.Lock()
	ch, ok := t.calls[id]
	if ok {
		delete(t.calls, id)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	ch <- res
	return true
}

// remove discards the slot for id without resolving it. Used when a send
// fails after registration or a wait times out.
func (t *pendingTable) remove(id string) {
	t.mu.Lock()
	delete(t.calls, id)
	t.mu.Unlock()
}

// failAll resolves every outstanding waiter with err and clears the table.
// Called on session teardown so no waiter is orphaned.
func (t *pendingTable) failAll(err error) {
	t.mu.Lock()
	calls := t.calls
	t.calls = make(map[string]chan callResult)
	t.mu.Unlock()

	for _, ch := range calls {
		ch <- callResult{err: err}
	}
}

// size returns the number of outstanding requests.
func (t *pendingTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

// contains reports whether a waiter is registered for id.
func (t *pendingTable) contains(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.calls[id]
	return ok
}
