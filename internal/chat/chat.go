// Package chat defines the boundary to the AI assistant collaborator.
// Prompt construction, model selection, and token accounting live behind
// this interface; the rest of the system only submits a prompt and reads a
// reply.
package chat

import "context"

// Client submits one prompt and returns the assistant's reply.
type Client interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Func adapts a function to the Client interface.
type Func func(ctx context.Context, prompt string) (string, error)

// Complete implements Client.
func (f Func) Complete(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}
