// Package batch runs ordered lists of heterogeneous operations, either
// strictly sequentially or in parallel under a concurrency cap, with
// per-operation success/failure capture and deterministic result ordering.
package batch

import (
	"encoding/json"
	"time"
)

// Kind discriminates batch operation descriptors.
type Kind string

const (
	KindChat      Kind = "chat"
	KindFile      Kind = "file"
	KindWebSearch Kind = "web_search"
	KindComputer  Kind = "computer"
)

// Valid reports whether k is a known descriptor kind.
func (k Kind) Valid() bool {
	switch k {
	case KindChat, KindFile, KindWebSearch, KindComputer:
		return true
	}
	return false
}

// Execution modes reported in the summary.
const (
	ModeSequential = "sequential"
	ModeParallel   = "parallel"
)

// Descriptor is one caller-supplied unit of work. Immutable once submitted.
type Descriptor struct {
	// ID is caller-chosen and unique within the batch.
	ID string `json:"id"`

	// Kind selects the handler.
	Kind Kind `json:"type"`

	// Params carries kind-specific parameters.
	Params json.RawMessage `json:"params,omitempty"`

	// StopOnError halts a sequential run when this descriptor fails.
	// Ignored in parallel mode.
	StopOnError bool `json:"stopOnError,omitempty"`
}

// Result is one output per descriptor. In parallel mode results keep the
// input order regardless of completion order.
type Result struct {
	ID          string        `json:"id"`
	Success     bool          `json:"success"`
	Result      any           `json:"result,omitempty"`
	Error       string        `json:"error,omitempty"`
	Duration    time.Duration `json:"duration"`
	CompletedAt time.Time     `json:"completedAt"`
}

// Summary aggregates one batch run.
type Summary struct {
	Total      int           `json:"total"`
	Executed   int           `json:"executed"`
	Successful int           `json:"successful"`
	Failed     int           `json:"failed"`
	Duration   time.Duration `json:"duration"`
	Mode       string        `json:"mode"`
}

// DefaultMaxConcurrency is the parallel window when the caller passes a
// non-positive cap.
const DefaultMaxConcurrency = 4
