package relay

import (
	"encoding/json"
	"sync"
	"time"
)

// outcome is the settled state of one delegated operation.
type outcome struct {
	result json.RawMessage
	err    error
}

// pendingOp is one outstanding delegated request awaiting a matching
// result or error envelope.
type pendingOp struct {
	done    chan outcome // buffered, capacity 1
	timer   *time.Timer
	created time.Time
}

// correlator maps operation identifiers to pending completion handles.
// Each identifier settles at most once: the first of result, error, or
// timeout removes the entry, and anything arriving afterward is silently
// dropped. Critical sections are insert/remove only; settlement delivery
// happens outside the lock through the buffered channel.
type correlator struct {
	mu sync.Mutex
	// +checklocks:mu
	pending map[string]*pendingOp
}

func newCorrelator() *correlator {
	return &correlator{
		pending: make(map[string]*pendingOp),
	}
}

// add inserts a pending entry with a timer armed for timeout. When the timer
// fires first, the entry is removed and ErrOperationTimeout is delivered.
func (c *correlator) add(operationID string, timeout time.Duration) *pendingOp {
	op := &pendingOp{
		done:    make(chan outcome, 1),
		created: time.Now(),
	}
	op.timer = time.AfterFunc(timeout, func() {
		c.settle(operationID, outcome{err: ErrOperationTimeout})
	})

	c.mu.Lock()
	c.pending[operationID] = op
	c.mu.Unlock()

	return op
}

// settle removes the entry and delivers the outcome. Returns false when the
// identifier is unknown (already settled, timed out, or never issued) — the
// idempotent-discard policy for late and duplicate envelopes.
func (c *correlator) settle(operationID string, out outcome) bool {
	c.mu.Lock()
	op, ok := c.pending[operationID]
	if ok {
		delete(c.pending, operationID)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}

	op.timer.Stop()
	op.done <- out // capacity 1, settle holds the only send right
	return true
}

// resolve delivers a successful result for the operation.
func (c *correlator) resolve(operationID string, result json.RawMessage) bool {
	return c.settle(operationID, outcome{result: result})
}

// reject delivers a failure for the operation.
func (c *correlator) reject(operationID string, err error) bool {
	return c.settle(operationID, outcome{err: err})
}

// drop removes an entry without delivering, used when the caller abandons
// the wait (context cancellation).
func (c *correlator) drop(operationID string) {
	c.mu.Lock()
	op, ok := c.pending[operationID]
	if ok {
		delete(c.pending, operationID)
	}
	c.mu.Unlock()
	if ok {
		op.timer.Stop()
	}
}

// count returns the number of in-flight operations.
func (c *correlator) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
