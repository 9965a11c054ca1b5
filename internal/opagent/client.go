package opagent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"github.com/embertool/ember/internal/event"
	"github.com/embertool/ember/internal/id"
	"github.com/embertool/ember/internal/logging"
	"github.com/embertool/ember/internal/relay"
)

// State is the connection state of the agent client.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateRegistering  State = "registering"
	StateRegistered   State = "registered"
)

// StateChange is emitted on every state transition.
type StateChange struct {
	From    State
	To      State
	Attempt int   // Failed connection attempts in the current sequence
	Err     error // Set when the transition was caused by a failure
}

// ErrRetriesExhausted is returned by Run when the reconnect attempt cap is
// reached. This is terminal; the operator must restart the agent.
var ErrRetriesExhausted = errors.New("opagent: reconnect attempts exhausted")

// Default reconnection policy.
const (
	DefaultBaseDelay         = 1 * time.Second
	DefaultMaxAttempts       = 5
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultDialTimeout       = 5 * time.Second
)

// Config configures the agent client.
type Config struct {
	// ServerAddr is the relay server TCP address.
	ServerAddr string

	// SessionID identifies the CLI session this agent serves.
	// Generated if empty.
	SessionID string

	// ClientID identifies this agent process. Generated if empty.
	ClientID string

	// BaseDelay is the first reconnect delay; attempt n waits
	// BaseDelay * 2^(n-1). Default 1s.
	BaseDelay time.Duration

	// MaxAttempts caps consecutive failed connection attempts. Default 5.
	MaxAttempts int

	// HeartbeatInterval is how often the agent sends heartbeats. Default 30s.
	HeartbeatInterval time.Duration

	// Dial overrides the transport dial, for tests.
	Dial func(ctx context.Context) (net.Conn, error)
}

// Client owns the socket to the relay server. It re-registers on every
// successful connection and retries failed attempts with exponential backoff.
type Client struct {
	cfg      Config
	executor *Executor

	// Events emits state transitions so reconnect invariants are observable.
	Events event.Emitter[StateChange]

	mu sync.Mutex
	// +checklocks:mu
	state State
	// +checklocks:mu
	attempts int
}

// NewClient creates an agent client that executes delegated operations with
// the given executor.
func NewClient(cfg Config, executor *Executor) *Client {
	if cfg.SessionID == "" {
		cfg.SessionID = id.NewSessionID()
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "agent-" + id.Generate()
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.Dial == nil {
		addr := cfg.ServerAddr
		cfg.Dial = func(ctx context.Context) (net.Conn, error) {
			d := net.Dialer{Timeout: DefaultDialTimeout}
			return d.DialContext(ctx, "tcp", addr)
		}
	}
	return &Client{
		cfg:      cfg,
		executor: executor,
		state:    StateDisconnected,
	}
}

// SessionID returns the session this agent serves.
func (c *Client) SessionID() string {
	return c.cfg.SessionID
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// transition moves the state machine and emits the change.
func (c *Client) transition(to State, err error) {
	c.mu.Lock()
	from := c.state
	c.state = to
	attempt := c.attempts
	c.mu.Unlock()

	c.Events.Emit(StateChange{From: from, To: to, Attempt: attempt, Err: err})
}

// backoffDelay returns the wait before the given 1-based attempt.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	return base << (attempt - 1)
}

// Run connects, registers, and serves delegated operations until ctx is
// cancelled or the reconnect cap is exceeded. Each successful registration
// resets the backoff counter, so a connection that survives briefly before a
// later drop starts a fresh failure sequence.
func (c *Client) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		c.transition(StateConnecting, nil)
		conn, err := c.cfg.Dial(ctx)
		if err != nil {
			if waitErr := c.scheduleRetry(ctx, err); waitErr != nil {
				return waitErr
			}
			continue
		}

		c.transition(StateConnected, nil)

		err = c.serve(ctx, conn)
		conn.Close()

		if ctx.Err() != nil {
			c.transition(StateDisconnected, ctx.Err())
			return ctx.Err()
		}

		if errors.Is(err, errRegistrationRejected) {
			// The server refused the handshake; retrying with the same
			// identity will not help.
			c.transition(StateDisconnected, err)
			return err
		}

		if waitErr := c.scheduleRetry(ctx, err); waitErr != nil {
			return waitErr
		}
	}
}

// scheduleRetry records a failure, waits out the backoff, and returns
// ErrRetriesExhausted once the attempt cap is exceeded.
func (c *Client) scheduleRetry(ctx context.Context, cause error) error {
	c.mu.Lock()
	c.attempts++
	attempt := c.attempts
	c.mu.Unlock()

	c.transition(StateDisconnected, cause)

	if attempt > c.cfg.MaxAttempts {
		slog.Error("reconnect attempts exhausted",
			"attempts", attempt-1,
			"last_error", cause,
		)
		return fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, attempt-1, cause)
	}

	delay := backoffDelay(c.cfg.BaseDelay, attempt)
	slog.Warn("connection lost, scheduling reconnect",
		"attempt", attempt,
		"max_attempts", c.cfg.MaxAttempts,
		"delay", delay,
		"error", cause,
	)

	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// errRegistrationRejected marks a handshake refused by the server.
var errRegistrationRejected = errors.New("registration rejected")

// serve performs the registration handshake on a fresh connection, then
// processes envelopes until the socket closes. Each new socket is a new
// registration; nothing is assumed to survive a reconnect.
func (c *Client) serve(ctx context.Context, conn net.Conn) error {
	decoder := json.NewDecoder(conn)
	encoder := json.NewEncoder(conn)
	var writeMu sync.Mutex // Protects all writes to conn

	c.transition(StateRegistering, nil)

	writeMu.Lock()
	err := encoder.Encode(&relay.Message{
		Type:      relay.MsgRegister,
		SessionID: c.cfg.SessionID,
		ClientID:  c.cfg.ClientID,
		Timestamp: relay.Now(),
	})
	writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("send registration: %w", err)
	}

	var ack relay.Message
	if err := decoder.Decode(&ack); err != nil {
		return fmt.Errorf("read registration ack: %w", err)
	}
	switch ack.Type {
	case relay.MsgRegistrationSuccess:
		// Registered; reset the failure sequence.
	case relay.MsgRegistrationError:
		return fmt.Errorf("%w: %s", errRegistrationRejected, ack.Detail)
	default:
		return fmt.Errorf("unexpected handshake reply %q", ack.Type)
	}

	c.mu.Lock()
	c.attempts = 0
	c.mu.Unlock()
	c.transition(StateRegistered, nil)

	slog.Info("registered with relay server",
		"session", c.cfg.SessionID,
		"client", c.cfg.ClientID,
	)

	heartbeatDone := make(chan struct{})
	defer close(heartbeatDone)
	go c.heartbeatLoop(conn, encoder, &writeMu, heartbeatDone)

	for {
		var msg relay.Message
		if err := decoder.Decode(&msg); err != nil {
			if err == io.EOF {
				return errors.New("server closed connection")
			}
			return fmt.Errorf("decode envelope: %w", err)
		}

		switch msg.Type {
		case relay.MsgFileOperation:
			go c.handleOperation(ctx, encoder, &writeMu, msg)

		case relay.MsgPing:
			c.sendHeartbeat(encoder, &writeMu)

		case relay.MsgHeartbeatAck:
			// Liveness confirmed; nothing to do.

		default:
			slog.Debug("ignoring unexpected envelope", "type", msg.Type)
		}
	}
}

// heartbeatLoop sends periodic heartbeats until the connection is done.
func (c *Client) heartbeatLoop(conn net.Conn, encoder *json.Encoder, writeMu *sync.Mutex, done <-chan struct{}) {
	defer logging.LogPanic("opagent-heartbeat", nil)

	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.sendHeartbeat(encoder, writeMu)
		}
	}
}

func (c *Client) sendHeartbeat(encoder *json.Encoder, writeMu *sync.Mutex) {
	writeMu.Lock()
	defer writeMu.Unlock()
	_ = encoder.Encode(&relay.Message{Type: relay.MsgHeartbeat, Timestamp: relay.Now()})
}

// handleOperation executes one delegated operation and reports the outcome.
// Every path — success, failure, or panic during dispatch — produces an
// envelope carrying the original operationId; a request is never dropped.
func (c *Client) handleOperation(ctx context.Context, encoder *json.Encoder, writeMu *sync.Mutex, msg relay.Message) {
	var (
		result any
		err    error
		stack  string
	)

	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic in %s handler: %v", msg.Operation, r)
				stack = string(debug.Stack())
			}
		}()
		result, err = c.executor.Dispatch(ctx, msg.Operation, msg.Params)
	}()

	if err != nil {
		slog.Warn("operation failed",
			"operation", msg.OperationID,
			"kind", msg.Operation,
			"error", err,
		)
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = encoder.Encode(&relay.Message{
			Type:        relay.MsgOperationError,
			OperationID: msg.OperationID,
			Error:       &relay.WireError{Message: err.Error(), Stack: stack},
			Timestamp:   relay.Now(),
		})
		return
	}

	raw, marshalErr := json.Marshal(result)
	if marshalErr != nil {
		raw = nil
	}

	slog.Debug("operation completed", "operation", msg.OperationID, "kind", msg.Operation)

	writeMu.Lock()
	defer writeMu.Unlock()
	_ = encoder.Encode(&relay.Message{
		Type:        relay.MsgOperationResult,
		OperationID: msg.OperationID,
		Result:      raw,
		Timestamp:   relay.Now(),
	})
}
