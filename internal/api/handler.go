package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/embertool/ember/internal/batch"
	"github.com/embertool/ember/internal/relay"
)

// MaxBatchOperations is the most descriptors accepted in one request.
const MaxBatchOperations = 50

// BatchRequest is the POST /api/batch body.
type BatchRequest struct {
	Operations     []batch.Descriptor `json:"operations"`
	Parallel       bool               `json:"parallel,omitempty"`
	MaxConcurrency int                `json:"maxConcurrency,omitempty"`
}

// BatchResponse is the POST /api/batch reply.
type BatchResponse struct {
	Results []BatchResult `json:"results"`
	Summary BatchSummary  `json:"summary"`
}

// BatchResult is the wire form of one descriptor's outcome.
type BatchResult struct {
	ID          string    `json:"id"`
	Success     bool      `json:"success"`
	Result      any       `json:"result,omitempty"`
	Error       string    `json:"error,omitempty"`
	DurationMs  int64     `json:"durationMs"`
	CompletedAt time.Time `json:"completedAt"`
}

// BatchSummary is the wire form of a run's aggregate.
type BatchSummary struct {
	Total      int    `json:"total"`
	Executed   int    `json:"executed"`
	Successful int    `json:"successful"`
	Failed     int    `json:"failed"`
	DurationMs int64  `json:"durationMs"`
	Mode       string `json:"mode"`
}

// ChatParams are the kind-specific fields of a chat descriptor.
type ChatParams struct {
	Message string `json:"message"`
}

// FileParams are the kind-specific fields of a file descriptor.
type FileParams struct {
	Operation relay.OpKind    `json:"operation"`
	Params    json.RawMessage `json:"params"`
}

// ValidateOperations applies the shared request limits: the list must be
// non-empty, at most MaxBatchOperations long, and every entry must carry an
// id unique within the batch and a supported type.
func ValidateOperations(descs []batch.Descriptor) error {
	if len(descs) == 0 {
		return errors.New("operations must not be empty")
	}
	if len(descs) > MaxBatchOperations {
		return fmt.Errorf("operations exceeds limit of %d entries", MaxBatchOperations)
	}

	seen := make(map[string]bool, len(descs))
	for i, desc := range descs {
		if desc.ID == "" {
			return fmt.Errorf("operations[%d]: missing id", i)
		}
		if seen[desc.ID] {
			return fmt.Errorf("operations[%d]: duplicate id %q", i, desc.ID)
		}
		seen[desc.ID] = true

		switch desc.Kind {
		case batch.KindChat, batch.KindFile:
			// Supported over HTTP.
		default:
			return fmt.Errorf("operations[%d]: unsupported type %q", i, desc.Kind)
		}
	}
	return nil
}

// handleBatch runs a batch of chat/file operations for the session named in
// the request header.
func (s *Server) handleBatch(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxBodySize))
	if err != nil {
		http.Error(rw, "failed to read body", http.StatusBadRequest)
		return
	}

	var req BatchRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(rw, "invalid JSON payload", http.StatusBadRequest)
		return
	}

	if err := ValidateOperations(req.Operations); err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}

	sessionID := r.Header.Get(SessionHeader)

	runner := batch.NewRunner()
	runner.Register(batch.KindChat, s.chatHandler())
	runner.Register(batch.KindFile, s.fileHandler(sessionID))

	slog.Info("batch accepted",
		"operations", len(req.Operations),
		"parallel", req.Parallel,
		"session", sessionID,
	)

	var (
		results []batch.Result
		summary batch.Summary
	)
	if req.Parallel {
		results, summary = runner.RunParallel(r.Context(), req.Operations, req.MaxConcurrency)
	} else {
		results, summary = runner.RunSequential(r.Context(), req.Operations)
	}

	rw.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(rw).Encode(toResponse(results, summary))
}

// chatHandler executes a chat descriptor through the assistant collaborator.
func (s *Server) chatHandler() batch.HandlerFunc {
	return func(ctx context.Context, desc batch.Descriptor) (any, error) {
		params, err := relay.DecodePayload[ChatParams](desc.Params)
		if err != nil {
			return nil, fmt.Errorf("invalid chat params: %w", err)
		}
		if params.Message == "" {
			return nil, errors.New("chat operation requires a message")
		}
		if s.chat == nil {
			return nil, errors.New("no assistant configured")
		}
		reply, err := s.chat.Complete(ctx, params.Message)
		if err != nil {
			return nil, err
		}
		return map[string]string{"reply": reply}, nil
	}
}

// fileHandler delegates a file descriptor to the session's agent. A missing
// connection is reported as a connectivity problem, distinct from the
// operation itself failing on the agent.
func (s *Server) fileHandler(sessionID string) batch.HandlerFunc {
	return func(ctx context.Context, desc batch.Descriptor) (any, error) {
		params, err := relay.DecodePayload[FileParams](desc.Params)
		if err != nil {
			return nil, fmt.Errorf("invalid file params: %w", err)
		}
		if !params.Operation.Valid() {
			return nil, fmt.Errorf("unknown file operation %q", params.Operation)
		}
		if sessionID == "" {
			return nil, fmt.Errorf("missing %s header for file operation", SessionHeader)
		}

		raw, err := s.relay.Delegate(ctx, sessionID, params.Operation, params.Params, s.config.DelegateTimeout)
		if err != nil {
			if errors.Is(err, relay.ErrNotConnected) {
				return nil, fmt.Errorf("could not reach the file-operation agent for session %q: %w", sessionID, err)
			}
			return nil, err
		}

		var result any
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &result); err != nil {
				return nil, fmt.Errorf("decode operation result: %w", err)
			}
		}
		return result, nil
	}
}

// toResponse converts runner output to the wire form.
func toResponse(results []batch.Result, summary batch.Summary) BatchResponse {
	resp := BatchResponse{
		Results: make([]BatchResult, 0, len(results)),
		Summary: BatchSummary{
			Total:      summary.Total,
			Executed:   summary.Executed,
			Successful: summary.Successful,
			Failed:     summary.Failed,
			DurationMs: summary.Duration.Milliseconds(),
			Mode:       summary.Mode,
		},
	}
	for _, res := range results {
		resp.Results = append(resp.Results, BatchResult{
			ID:          res.ID,
			Success:     res.Success,
			Result:      res.Result,
			Error:       res.Error,
			DurationMs:  res.Duration.Milliseconds(),
			CompletedAt: res.CompletedAt,
		})
	}
	return resp
}
