// Package pending holds the in-memory table of in-flight requests: one
// single-shot completion slot per request id.
package pending

import (
	"fmt"
	"sync"

	"github.com/Salah1221/signalhub/internal/wire"
)

// Slot is a one-shot rendezvous for a single request id. At most one
// completion takes effect; later completions are dropped.
type Slot struct {
	ch chan wire.Response
}

// Done yields the winning response. The channel never closes; await it
// together with a deadline.
func (s *Slot) Done() <-chan wire.Response {
	return s.ch
}

type Table struct {
	mu    sync.Mutex
	slots map[string]*Slot
}

func NewTable() *Table {
	return &Table{slots: make(map[string]*Slot)}
}

// Register creates the slot for a fresh request id. A colliding id is a
// bug in the id generator, not a condition to retry.
func (t *Table) Register(requestID string) (*Slot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.slots[requestID]; exists {
		return nil, fmt.Errorf("request id already registered: %s", requestID)
	}
	slot := &Slot{ch: make(chan wire.Response, 1)}
	t.slots[requestID] = slot
	return slot, nil
}

// Complete delivers the response to the waiting slot. Returns false when
// no slot is waiting: the request already completed, timed out, or was
// cancelled.
func (t *Table) Complete(requestID string, resp wire.Response) bool {
	t.mu.Lock()
	slot, ok := t.slots[requestID]
	if ok {
		delete(t.slots, requestID)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	slot.ch <- resp
	return true
}

// Remove drops the slot without completing it.
func (t *Table) Remove(requestID string) {
	t.mu.Lock()
	delete(t.slots, requestID)
	t.mu.Unlock()
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots)
}
