package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/embertool/ember/internal/id"
	"github.com/embertool/ember/internal/logging"
)

// DefaultDelegateTimeout is the delegation budget when the caller passes
// a non-positive timeout.
const DefaultDelegateTimeout = 30 * time.Second

// DefaultPingInterval is how often the server pings each agent connection.
const DefaultPingInterval = 30 * time.Second

// Config configures the relay server.
type Config struct {
	// BindAddr is the TCP address agents connect to. Default: ":8315".
	BindAddr string

	// SweepInterval is how often stale connections are checked.
	SweepInterval time.Duration

	// StaleAfter is the silence window after which a connection is evicted.
	StaleAfter time.Duration

	// PingInterval is how often the server pings each connection.
	PingInterval time.Duration
}

// DefaultConfig returns the reference liveness policy.
func DefaultConfig() Config {
	return Config{
		BindAddr:      ":8315",
		SweepInterval: DefaultSweepInterval,
		StaleAfter:    DefaultStaleAfter,
		PingInterval:  DefaultPingInterval,
	}
}

// Server accepts agent connections and delegates operations to them.
type Server struct {
	cfg      Config
	registry *Registry
	pending  *correlator
	listener net.Listener

	mu sync.Mutex
	// +checklocks:mu
	conns map[net.Conn]struct{}
	// +checklocks:mu
	started bool
	done    chan struct{}
}

// NewServer creates a new relay server.
func NewServer(cfg Config) *Server {
	if cfg.BindAddr == "" {
		cfg.BindAddr = ":8315"
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	return &Server{
		cfg:      cfg,
		registry: NewRegistry(),
		pending:  newCorrelator(),
		conns:    make(map[net.Conn]struct{}),
		done:     make(chan struct{}),
	}
}

// Registry returns the server's connection registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Addr returns the listener address, or empty string if not started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// Start begins listening for agent connections and starts the sweeper.
// Returns an error if the server is already running or cannot bind.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("server already started")
	}
	s.mu.Unlock()

	listener, err := net.Listen("tcp", s.cfg.BindAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.BindAddr, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.started = true
	s.mu.Unlock()

	slog.Info("relay server started", "addr", listener.Addr().String())

	go s.acceptLoop()
	go s.sweepLoop()

	return nil
}

// acceptLoop accepts incoming agent connections.
func (s *Server) acceptLoop() {
	defer logging.LogPanic("relay-accept-loop", nil)

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return // Server shutting down
			default:
				slog.Error("accept connection failed", "error", err)
				continue
			}
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		connCount := len(s.conns)
		s.mu.Unlock()

		slog.Debug("agent connected", "remote", conn.RemoteAddr(), "connections", connCount)

		go s.handleConnection(conn)
	}
}

// sweepLoop evicts stale connections on a fixed period.
func (s *Server) sweepLoop() {
	defer logging.LogPanic("relay-sweeper", nil)

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if n := s.registry.Sweep(time.Now(), s.cfg.StaleAfter); n > 0 {
				slog.Info("swept stale connections", "evicted", n)
			}
		}
	}
}

// handleConnection processes envelopes from a single agent connection.
// The first frame must be a register message; everything before a
// successful registration is rejected.
func (s *Server) handleConnection(netConn net.Conn) {
	defer logging.LogPanic("relay-connection-handler", nil)

	var registered *Conn
	defer func() {
		netConn.Close()
		if registered != nil {
			s.registry.Remove(registered.SessionID, registered)
			slog.Info("agent disconnected", "session", registered.SessionID)
		}
		s.mu.Lock()
		delete(s.conns, netConn)
		s.mu.Unlock()
	}()

	decoder := json.NewDecoder(netConn)
	encoder := json.NewEncoder(netConn)
	var writeMu sync.Mutex // Protects encoder until registration hands it to Conn

	// Registration handshake
	var reg Message
	if err := decoder.Decode(&reg); err != nil {
		if err != io.EOF {
			slog.Warn("decode registration failed", "error", err)
		}
		return
	}
	if reg.Type != MsgRegister {
		writeMu.Lock()
		_ = encoder.Encode(&Message{
			Type:      MsgRegistrationError,
			Detail:    fmt.Sprintf("expected register, got %s", reg.Type),
			Timestamp: Now(),
		})
		writeMu.Unlock()
		return
	}

	conn, err := s.registry.Register(reg.SessionID, reg.ClientID, netConn, encoder)
	if err != nil {
		slog.Warn("registration rejected", "session", reg.SessionID, "error", err)
		writeMu.Lock()
		_ = encoder.Encode(&Message{
			Type:      MsgRegistrationError,
			Detail:    err.Error(),
			Timestamp: Now(),
		})
		writeMu.Unlock()
		return
	}
	registered = conn

	// The agent must receive the ack before issuing further messages.
	if err := conn.send(&Message{
		Type:      MsgRegistrationSuccess,
		SessionID: conn.SessionID,
		Timestamp: Now(),
	}); err != nil {
		slog.Warn("write registration ack failed", "error", err)
		return
	}

	slog.Info("agent registered", "session", conn.SessionID, "client", conn.ClientID)

	pingDone := make(chan struct{})
	defer close(pingDone)
	go s.pingLoop(conn, pingDone)

	for {
		var msg Message
		if err := decoder.Decode(&msg); err != nil {
			if err != io.EOF {
				slog.Debug("decode envelope failed", "session", conn.SessionID, "error", err)
			}
			return
		}

		switch msg.Type {
		case MsgHeartbeat:
			s.registry.Touch(conn.SessionID)
			_ = conn.send(&Message{Type: MsgHeartbeatAck, Timestamp: Now()})

		case MsgOperationResult:
			if !s.pending.resolve(msg.OperationID, msg.Result) {
				slog.Debug("discarding late operation result", "operation", msg.OperationID)
			}

		case MsgOperationError:
			execErr := &ExecutorError{Message: "operation failed"}
			if msg.Error != nil {
				execErr.Message = msg.Error.Message
				execErr.Stack = msg.Error.Stack
			}
			if !s.pending.reject(msg.OperationID, execErr) {
				slog.Debug("discarding late operation error", "operation", msg.OperationID)
			}

		case MsgRegister:
			// Re-registration on a live connection only refreshes liveness.
			s.registry.Touch(conn.SessionID)

		default:
			slog.Warn("unexpected envelope", "session", conn.SessionID, "type", msg.Type)
		}
	}
}

// pingLoop sends periodic pings until the connection handler exits.
func (s *Server) pingLoop(conn *Conn, done <-chan struct{}) {
	defer logging.LogPanic("relay-ping-loop", nil)

	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-s.done:
			return
		case <-ticker.C:
			if err := conn.send(&Message{Type: MsgPing, Timestamp: Now()}); err != nil {
				return
			}
		}
	}
}

// Delegate sends one operation to the session's agent and blocks until a
// matching result or error envelope arrives, the timeout fires, or ctx is
// cancelled. It fails immediately with ErrNotConnected when no agent is
// registered for the session.
func (s *Server) Delegate(ctx context.Context, sessionID string, op OpKind, params any, timeout time.Duration) (json.RawMessage, error) {
	select {
	case <-s.done:
		return nil, ErrServerClosed
	default:
	}

	conn := s.registry.Lookup(sessionID)
	if conn == nil {
		return nil, ErrNotConnected
	}

	if timeout <= 0 {
		timeout = DefaultDelegateTimeout
	}

	raw, err := MarshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}

	operationID := id.NewOperationID()
	pending := s.pending.add(operationID, timeout)

	msg := &Message{
		Type:        MsgFileOperation,
		OperationID: operationID,
		Operation:   op,
		Params:      raw,
		Timestamp:   Now(),
	}
	if err := conn.send(msg); err != nil {
		s.pending.drop(operationID)
		return nil, fmt.Errorf("send operation: %w", err)
	}

	slog.Debug("operation delegated", "session", sessionID, "operation", operationID, "kind", op)

	select {
	case out := <-pending.done:
		if out.err != nil {
			if errors.Is(out.err, ErrOperationTimeout) {
				slog.Warn("operation timed out", "session", sessionID, "operation", operationID, "kind", op)
			}
			return nil, out.err
		}
		return out.result, nil
	case <-ctx.Done():
		s.pending.drop(operationID)
		return nil, ctx.Err()
	}
}

// PendingCount returns the number of in-flight delegated operations.
func (s *Server) PendingCount() int {
	return s.pending.count()
}

// Stop gracefully shuts down the server and closes all agent connections.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	connCount := len(s.conns)
	s.mu.Unlock()

	slog.Info("relay server stopping", "active_connections", connCount)

	// Signal loops to stop
	close(s.done)

	// Close listener to unblock Accept
	if s.listener != nil {
		s.listener.Close()
	}

	// Close all active connections
	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.conns = make(map[net.Conn]struct{})
	s.mu.Unlock()

	slog.Info("relay server stopped")

	return nil
}
