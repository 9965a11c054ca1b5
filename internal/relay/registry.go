package relay

import (
	"encoding/json"
	"log/slog"
	"net"
	"sync"
	"time"
)

// Default liveness policy.
const (
	// DefaultSweepInterval is how often stale connections are checked.
	DefaultSweepInterval = 60 * time.Second

	// DefaultStaleAfter is the silence window after which an agent
	// connection is evicted.
	DefaultStaleAfter = 5 * time.Minute
)

// Conn is one live agent connection bound to a session.
type Conn struct {
	SessionID    string
	ClientID     string
	RegisteredAt time.Time

	netConn net.Conn

	mu sync.Mutex
	// +checklocks:mu
	lastSeen time.Time
	// +checklocks:mu
	encoder *json.Encoder
}

// LastSeen returns the time of the last inbound heartbeat or registration.
func (c *Conn) LastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

// touch moves the liveness timestamp forward.
func (c *Conn) touch(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSeen = now
}

// send writes one envelope to the agent. Writes are serialized per
// connection so concurrent delegations never interleave frames.
func (c *Conn) send(msg *Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.encoder.Encode(msg)
}

// close closes the underlying socket.
func (c *Conn) close() {
	_ = c.netConn.Close()
}

// Registry maps a session identifier to exactly one live agent connection.
// A new registration for an existing session replaces the prior entry
// (last-writer-wins); the replaced socket is closed.
type Registry struct {
	mu sync.Mutex
	// +checklocks:mu
	conns map[string]*Conn
}

// NewRegistry creates an empty connection registry.
func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]*Conn),
	}
}

// Register stores a connection for the session, replacing and closing any
// prior entry. Returns a RegistrationError if sessionID or clientID is empty.
func (r *Registry) Register(sessionID, clientID string, netConn net.Conn, encoder *json.Encoder) (*Conn, error) {
	if sessionID == "" {
		return nil, &RegistrationError{Reason: "missing sessionId"}
	}
	if clientID == "" {
		return nil, &RegistrationError{Reason: "missing clientId"}
	}

	now := time.Now()
	conn := &Conn{
		SessionID:    sessionID,
		ClientID:     clientID,
		RegisteredAt: now,
		netConn:      netConn,
		lastSeen:     now,
		encoder:      encoder,
	}

	r.mu.Lock()
	prev := r.conns[sessionID]
	r.conns[sessionID] = conn
	r.mu.Unlock()

	if prev != nil {
		slog.Info("replacing agent connection", "session", sessionID, "prev_client", prev.ClientID)
		prev.close()
	}

	return conn, nil
}

// Touch updates lastSeen for the session. Unknown sessions are a no-op.
func (r *Registry) Touch(sessionID string) {
	r.mu.Lock()
	conn := r.conns[sessionID]
	r.mu.Unlock()
	if conn != nil {
		conn.touch(time.Now())
	}
}

// Lookup returns the live connection for the session, or nil. Absence is a
// normal condition meaning "agent not currently connected", not an error.
func (r *Registry) Lookup(sessionID string) *Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns[sessionID]
}

// Remove deregisters the session, but only if conn is still the registered
// entry. A connection replaced by a newer registration must not evict its
// successor when its socket finally closes.
func (r *Registry) Remove(sessionID string, conn *Conn) {
	r.mu.Lock()
	if r.conns[sessionID] == conn {
		delete(r.conns, sessionID)
	}
	r.mu.Unlock()
}

// Sweep removes and closes connections whose lastSeen is older than
// staleAfter. Evicting a connection does not fail its pending operations;
// those still resolve via their own timeout.
func (r *Registry) Sweep(now time.Time, staleAfter time.Duration) int {
	r.mu.Lock()
	var stale []*Conn
	for sessionID, conn := range r.conns {
		if now.Sub(conn.LastSeen()) > staleAfter {
			stale = append(stale, conn)
			delete(r.conns, sessionID)
		}
	}
	r.mu.Unlock()

	for _, conn := range stale {
		slog.Info("evicting stale agent connection",
			"session", conn.SessionID,
			"client", conn.ClientID,
			"last_seen", conn.LastSeen(),
		)
		conn.close()
	}
	return len(stale)
}

// SessionInfo is a point-in-time snapshot of one registered connection.
type SessionInfo struct {
	SessionID    string    `json:"sessionId"`
	ClientID     string    `json:"clientId"`
	RegisteredAt time.Time `json:"registeredAt"`
	LastSeen     time.Time `json:"lastSeen"`
}

// Sessions returns a snapshot of all registered connections.
func (r *Registry) Sessions() []SessionInfo {
	r.mu.Lock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	r.mu.Unlock()

	infos := make([]SessionInfo, 0, len(conns))
	for _, conn := range conns {
		infos = append(infos, SessionInfo{
			SessionID:    conn.SessionID,
			ClientID:     conn.ClientID,
			RegisteredAt: conn.RegisteredAt,
			LastSeen:     conn.LastSeen(),
		})
	}
	return infos
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
