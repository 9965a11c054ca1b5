package chat

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// CommandClient shells out to an assistant CLI, writing the prompt to stdin
// and reading the reply from stdout. This keeps the provider integration
// outside the process; any CLI that speaks prompt-in/reply-out works.
type CommandClient struct {
	command string
	args    []string
}

// ErrNoCommand is returned when no assistant command is configured.
var ErrNoCommand = errors.New("chat: no assistant command configured")

// NewCommandClient creates a client for the given assistant command line.
func NewCommandClient(command string, args ...string) *CommandClient {
	return &CommandClient{command: command, args: args}
}

// Complete runs the assistant command once for the prompt.
func (c *CommandClient) Complete(ctx context.Context, prompt string) (string, error) {
	if c.command == "" {
		return "", ErrNoCommand
	}

	cmd := exec.CommandContext(ctx, c.command, c.args...)
	cmd.Stdin = strings.NewReader(prompt)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail != "" {
			return "", fmt.Errorf("assistant command: %w: %s", err, detail)
		}
		return "", fmt.Errorf("assistant command: %w", err)
	}

	return strings.TrimSpace(stdout.String()), nil
}
