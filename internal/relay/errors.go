package relay

import (
	"errors"
	"fmt"
)

// Sentinel errors for delegation. These can be checked using errors.Is().
var (
	// ErrNotConnected is returned immediately when no agent is registered
	// for the session. The relay never queues or retries at this layer.
	ErrNotConnected = errors.New("relay: no agent connected for session")

	// ErrOperationTimeout is returned when no result arrives within the
	// delegation budget. The remote agent may still complete the work;
	// a late result is discarded, not acted upon.
	ErrOperationTimeout = errors.New("relay: operation timed out")

	// ErrServerClosed is returned for delegations issued after Stop.
	ErrServerClosed = errors.New("relay: server closed")
)

// RegistrationError reports a malformed registration handshake.
type RegistrationError struct {
	Reason string
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("relay: registration rejected: %s", e.Reason)
}

// ExecutorError reports that the delegated operation itself failed on the
// agent side. The protocol round-trip succeeded; the operation did not.
// Callers should surface this as a normal operation failure, not a
// connectivity problem.
type ExecutorError struct {
	Op      OpKind
	Message string
	Stack   string
}

func (e *ExecutorError) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Op, e.Message)
}
