// Package id provides utilities for generating unique identifiers.
package id

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// Generate returns a random 6-character hex ID.
func Generate() string {
	b := make([]byte, 3)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// NewOperationID returns a globally unique operation identifier.
// It embeds the current epoch-millisecond timestamp plus a random suffix
// so that concurrent callers never collide and IDs sort roughly by time.
func NewOperationID() string {
	return fmt.Sprintf("op-%d-%s", time.Now().UnixMilli(), Generate())
}

// NewSessionID returns a session identifier for one CLI run.
func NewSessionID() string {
	return fmt.Sprintf("sess-%d-%s", time.Now().UnixMilli(), Generate())
}
