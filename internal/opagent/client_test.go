package opagent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/embertool/ember/internal/relay"
)

func TestBackoffDelay(t *testing.T) {
	base := 1000 * time.Millisecond
	want := []time.Duration{
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
	}
	for i, w := range want {
		if got := backoffDelay(base, i+1); got != w {
			t.Errorf("backoffDelay(1s, %d) = %v, want %v", i+1, got, w)
		}
	}
	// The delay before the fourth retry is never shorter than 8s.
	if got := backoffDelay(base, 4); got < 8000*time.Millisecond {
		t.Errorf("backoffDelay(1s, 4) = %v, want >= 8s", got)
	}
}

func TestClientRetriesExhausted(t *testing.T) {
	var dials int
	var mu sync.Mutex

	client := NewClient(Config{
		SessionID:   "sess-1",
		BaseDelay:   time.Millisecond,
		MaxAttempts: 2,
		Dial: func(ctx context.Context) (net.Conn, error) {
			mu.Lock()
			dials++
			mu.Unlock()
			return nil, errors.New("connection refused")
		},
	}, NewExecutor(t.TempDir()))

	err := client.Run(context.Background())
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("Run() error = %v, want ErrRetriesExhausted", err)
	}
	if !strings.Contains(err.Error(), "after 2 attempts") {
		t.Errorf("Run() error = %q, want attempt count mentioned", err)
	}

	mu.Lock()
	defer mu.Unlock()
	// The failure that breaches the cap is itself a dial.
	if dials != 3 {
		t.Errorf("dials = %d, want 3", dials)
	}
}

func TestClientRegistrationRejectedIsTerminal(t *testing.T) {
	var dials int
	var mu sync.Mutex

	client := NewClient(Config{
		SessionID:   "sess-1",
		BaseDelay:   time.Millisecond,
		MaxAttempts: 5,
		Dial: func(ctx context.Context) (net.Conn, error) {
			mu.Lock()
			dials++
			mu.Unlock()

			server, conn := net.Pipe()
			go func() {
				dec := json.NewDecoder(server)
				enc := json.NewEncoder(server)
				var reg relay.Message
				if err := dec.Decode(&reg); err != nil {
					return
				}
				_ = enc.Encode(&relay.Message{
					Type:   relay.MsgRegistrationError,
					Detail: "session taken",
				})
				server.Close()
			}()
			return conn, nil
		},
	}, NewExecutor(t.TempDir()))

	err := client.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "session taken") {
		t.Fatalf("Run() error = %v, want registration rejection detail", err)
	}
	if errors.Is(err, ErrRetriesExhausted) {
		t.Error("a rejected registration must not be retried to exhaustion")
	}

	mu.Lock()
	defer mu.Unlock()
	if dials != 1 {
		t.Errorf("dials = %d, want 1 (no retry after rejection)", dials)
	}
}

// scriptedServer registers the client and then serves the supplied handler.
func scriptedServer(t *testing.T, server net.Conn, handler func(dec *json.Decoder, enc *json.Encoder)) {
	t.Helper()
	go func() {
		dec := json.NewDecoder(server)
		enc := json.NewEncoder(server)

		var reg relay.Message
		if err := dec.Decode(&reg); err != nil {
			return
		}
		if reg.Type != relay.MsgRegister {
			t.Errorf("first frame = %q, want register", reg.Type)
			return
		}
		_ = enc.Encode(&relay.Message{
			Type:      relay.MsgRegistrationSuccess,
			SessionID: reg.SessionID,
		})

		if handler != nil {
			handler(dec, enc)
		}
	}()
}

func TestClientStateTransitions(t *testing.T) {
	serverCh := make(chan net.Conn, 1)

	client := NewClient(Config{
		SessionID:         "sess-1",
		BaseDelay:         time.Millisecond,
		MaxAttempts:       5,
		HeartbeatInterval: time.Hour,
		Dial: func(ctx context.Context) (net.Conn, error) {
			server, conn := net.Pipe()
			serverCh <- server
			return conn, nil
		},
	}, NewExecutor(t.TempDir()))

	var mu sync.Mutex
	var transitions []State
	registered := make(chan struct{})
	client.Events.OnEvent(func(change StateChange) {
		mu.Lock()
		transitions = append(transitions, change.To)
		mu.Unlock()
		if change.To == StateRegistered {
			if change.Attempt != 0 {
				t.Errorf("registered with attempt = %d, want 0", change.Attempt)
			}
			close(registered)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- client.Run(ctx) }()

	server := <-serverCh
	scriptedServer(t, server, func(dec *json.Decoder, enc *json.Encoder) {
		// Hold the connection open until the test ends.
		var msg relay.Message
		for dec.Decode(&msg) == nil {
		}
	})

	select {
	case <-registered:
	case <-time.After(2 * time.Second):
		t.Fatal("client never reached registered state")
	}

	if got := client.State(); got != StateRegistered {
		t.Errorf("State() = %q, want %q", got, StateRegistered)
	}

	cancel()
	server.Close()
	if err := <-runDone; !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateConnecting, StateConnected, StateRegistering, StateRegistered}
	if len(transitions) < len(want) {
		t.Fatalf("transitions = %v, want prefix %v", transitions, want)
	}
	for i, state := range want {
		if transitions[i] != state {
			t.Errorf("transitions[%d] = %q, want %q", i, transitions[i], state)
		}
	}
}

func TestClientAttemptsResetAfterRegistration(t *testing.T) {
	const maxAttempts = 3
	var dials int
	var mu sync.Mutex

	client := NewClient(Config{
		SessionID:         "sess-1",
		BaseDelay:         time.Millisecond,
		MaxAttempts:       maxAttempts,
		HeartbeatInterval: time.Hour,
		Dial: func(ctx context.Context) (net.Conn, error) {
			mu.Lock()
			dials++
			n := dials
			mu.Unlock()

			// Two failures, one good connection, then failures to exhaustion.
			if n != 3 {
				return nil, fmt.Errorf("connection refused (dial %d)", n)
			}

			server, conn := net.Pipe()
			go func() {
				dec := json.NewDecoder(server)
				enc := json.NewEncoder(server)
				var reg relay.Message
				if err := dec.Decode(&reg); err != nil {
					return
				}
				_ = enc.Encode(&relay.Message{
					Type:      relay.MsgRegistrationSuccess,
					SessionID: reg.SessionID,
				})
				// Drop the connection right after the handshake.
				server.Close()
			}()
			return conn, nil
		},
	}, NewExecutor(t.TempDir()))

	err := client.Run(context.Background())
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("Run() error = %v, want ErrRetriesExhausted", err)
	}
	// The cap counts failures since the last successful registration, not
	// since startup.
	if !strings.Contains(err.Error(), fmt.Sprintf("after %d attempts", maxAttempts)) {
		t.Errorf("Run() error = %q, want fresh attempt sequence after registration", err)
	}

	mu.Lock()
	defer mu.Unlock()
	// 2 failed dials, 1 good dial, then the dropped connection and further
	// failed dials burn through a fresh attempt budget.
	if want := 3 + maxAttempts; dials != want {
		t.Errorf("dials = %d, want %d", dials, want)
	}
}

func TestClientExecutesDelegatedOperation(t *testing.T) {
	dir := t.TempDir()
	serverCh := make(chan net.Conn, 1)

	client := NewClient(Config{
		SessionID:         "sess-1",
		BaseDelay:         time.Millisecond,
		MaxAttempts:       5,
		HeartbeatInterval: time.Hour,
		Dial: func(ctx context.Context) (net.Conn, error) {
			server, conn := net.Pipe()
			serverCh <- server
			return conn, nil
		},
	}, NewExecutor(dir))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = client.Run(ctx) }()

	server := <-serverCh
	defer server.Close()

	resultCh := make(chan relay.Message, 1)
	scriptedServer(t, server, func(dec *json.Decoder, enc *json.Encoder) {
		params, _ := json.Marshal(relay.CreateParams{Path: "made.txt", Content: "done"})
		_ = enc.Encode(&relay.Message{
			Type:        relay.MsgFileOperation,
			OperationID: "op-42",
			Operation:   relay.OpCreate,
			Params:      params,
		})

		for {
			var msg relay.Message
			if err := dec.Decode(&msg); err != nil {
				return
			}
			if msg.Type == relay.MsgOperationResult || msg.Type == relay.MsgOperationError {
				resultCh <- msg
				return
			}
		}
	})

	select {
	case msg := <-resultCh:
		if msg.Type != relay.MsgOperationResult {
			t.Fatalf("reply type = %q, want operation_result", msg.Type)
		}
		if msg.OperationID != "op-42" {
			t.Errorf("operationId = %q, want op-42", msg.OperationID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no operation reply")
	}
}

func TestClientReportsOperationError(t *testing.T) {
	serverCh := make(chan net.Conn, 1)

	client := NewClient(Config{
		SessionID:         "sess-1",
		BaseDelay:         time.Millisecond,
		MaxAttempts:       5,
		HeartbeatInterval: time.Hour,
		Dial: func(ctx context.Context) (net.Conn, error) {
			server, conn := net.Pipe()
			serverCh <- server
			return conn, nil
		},
	}, NewExecutor(t.TempDir()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = client.Run(ctx) }()

	server := <-serverCh
	defer server.Close()

	resultCh := make(chan relay.Message, 1)
	scriptedServer(t, server, func(dec *json.Decoder, enc *json.Encoder) {
		params, _ := json.Marshal(relay.ViewParams{Path: "does-not-exist.txt"})
		_ = enc.Encode(&relay.Message{
			Type:        relay.MsgFileOperation,
			OperationID: "op-7",
			Operation:   relay.OpView,
			Params:      params,
		})

		for {
			var msg relay.Message
			if err := dec.Decode(&msg); err != nil {
				return
			}
			if msg.Type == relay.MsgOperationResult || msg.Type == relay.MsgOperationError {
				resultCh <- msg
				return
			}
		}
	})

	select {
	case msg := <-resultCh:
		if msg.Type != relay.MsgOperationError {
			t.Fatalf("reply type = %q, want operation_error", msg.Type)
		}
		if msg.OperationID != "op-7" {
			t.Errorf("operationId = %q, want op-7", msg.OperationID)
		}
		if msg.Error == nil || msg.Error.Message == "" {
			t.Error("error envelope should carry a message")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no operation reply")
	}
}

func TestClientAnswersPing(t *testing.T) {
	serverCh := make(chan net.Conn, 1)

	client := NewClient(Config{
		SessionID:         "sess-1",
		BaseDelay:         time.Millisecond,
		MaxAttempts:       5,
		HeartbeatInterval: time.Hour,
		Dial: func(ctx context.Context) (net.Conn, error) {
			server, conn := net.Pipe()
			serverCh <- server
			return conn, nil
		},
	}, NewExecutor(t.TempDir()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = client.Run(ctx) }()

	server := <-serverCh
	defer server.Close()

	beatCh := make(chan relay.Message, 1)
	scriptedServer(t, server, func(dec *json.Decoder, enc *json.Encoder) {
		_ = enc.Encode(&relay.Message{Type: relay.MsgPing})
		var msg relay.Message
		if err := dec.Decode(&msg); err != nil {
			return
		}
		beatCh <- msg
	})

	select {
	case msg := <-beatCh:
		if msg.Type != relay.MsgHeartbeat {
			t.Fatalf("reply type = %q, want heartbeat", msg.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no heartbeat reply")
	}
}
