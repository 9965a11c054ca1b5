// Package relay implements the operation delegation channel between the
// ember server and the trusted file-operation agent running in the user's
// working directory.
//
// The relay owns the long-lived TCP connection to each agent. AI tool
// execution on the server never touches the filesystem directly: it asks the
// relay to delegate the operation, and the agent performs the effect locally
// and reports back.
//
// # Protocol Overview
//
// The protocol uses JSON-encoded envelope messaging, one object per frame,
// tagged by message type. Requests and responses are correlated by operation
// identifier because result ordering across in-flight operations is not
// guaranteed.
package relay

import (
	"encoding/json"
	"time"
)

// MessageType identifies the type of relay message.
type MessageType string

const (
	// Agent registration handshake
	MsgRegister            MessageType = "register"             // agent -> server
	MsgRegistrationSuccess MessageType = "registration_success" // server -> agent
	MsgRegistrationError   MessageType = "registration_error"   // server -> agent

	// Operation delegation
	MsgFileOperation   MessageType = "file_operation"   // server -> agent
	MsgOperationResult MessageType = "operation_result" // agent -> server
	MsgOperationError  MessageType = "operation_error"  // agent -> server

	// Liveness
	MsgPing         MessageType = "ping"          // server -> agent
	MsgHeartbeat    MessageType = "heartbeat"     // agent -> server
	MsgHeartbeatAck MessageType = "heartbeat_ack" // server -> agent
)

// OpKind identifies a delegated file or shell operation.
type OpKind string

const (
	OpExec       OpKind = "exec"
	OpView       OpKind = "view"
	OpCreate     OpKind = "create"
	OpStrReplace OpKind = "str_replace"
	OpInsert     OpKind = "insert"
	OpDelete     OpKind = "delete"
)

// Valid reports whether k is a known operation kind.
func (k OpKind) Valid() bool {
	switch k {
	case OpExec, OpView, OpCreate, OpStrReplace, OpInsert, OpDelete:
		return true
	}
	return false
}

// Message is the envelope for all relay messages. Exactly one JSON object is
// written per frame; the set of populated fields depends on Type.
type Message struct {
	Type MessageType `json:"type"`

	// Registration fields
	SessionID string `json:"sessionId,omitempty"`
	ClientID  string `json:"clientId,omitempty"`

	// Operation fields
	OperationID string          `json:"operationId,omitempty"`
	Operation   OpKind          `json:"operation,omitempty"`
	Params      json.RawMessage `json:"params,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *WireError      `json:"error,omitempty"`

	// Human-readable detail for registration_error
	Detail string `json:"message,omitempty"`

	// Timestamp is epoch milliseconds at send time.
	Timestamp int64 `json:"timestamp,omitempty"`
}

// WireError carries a structured executor failure back to the server.
type WireError struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// Now returns the current time as epoch milliseconds for envelope timestamps.
func Now() int64 {
	return time.Now().UnixMilli()
}

// ViewParams requests the content of a file or a directory listing.
type ViewParams struct {
	Path string `json:"path"`
}

// CreateParams creates a file with the given content, replacing any existing
// file and creating parent directories as needed.
type CreateParams struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// StrReplaceParams replaces exactly one occurrence of OldText with NewText.
type StrReplaceParams struct {
	Path    string `json:"path"`
	OldText string `json:"oldText"`
	NewText string `json:"newText"`
}

// InsertParams inserts Text after the given 1-based line number.
// Line 0 inserts at the top of the file.
type InsertParams struct {
	Path string `json:"path"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

// DeleteParams removes a file.
type DeleteParams struct {
	Path string `json:"path"`
}

// ExecParams runs a shell command in the agent's working directory.
type ExecParams struct {
	Command string `json:"command"`
	// TimeoutSecs bounds the subprocess; 0 means no local bound (the
	// delegation timeout still applies on the server side).
	TimeoutSecs int `json:"timeoutSecs,omitempty"`
}

// ViewResult is the payload for a successful view operation.
type ViewResult struct {
	Path    string   `json:"path"`
	Content string   `json:"content,omitempty"`
	Entries []string `json:"entries,omitempty"` // Set when Path is a directory
	IsDir   bool     `json:"isDir"`
}

// ExecResult is the payload for a successful exec operation (exit code zero).
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
}

// WriteResult acknowledges a mutation (create, str_replace, insert, delete).
type WriteResult struct {
	Path string `json:"path"`
}

// UnmarshalPayload converts a generic payload to a specific type.
// This handles the JSON round-trip needed when payloads arrive untyped.
func UnmarshalPayload(payload any, dst any) error {
	if payload == nil {
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

// DecodePayload is a generic helper that decodes a payload to type T.
func DecodePayload[T any](payload any) (*T, error) {
	var result T
	if err := UnmarshalPayload(payload, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// MarshalParams encodes operation params for a file_operation envelope.
func MarshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(params)
}
