// Package opagent implements the trusted file-operation agent that runs in
// the user's working directory and executes operations delegated by the
// ember server.
package opagent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/embertool/ember/internal/relay"
)

// Executor failure classes. The relay carries only the message, so these are
// wrapped with %w and their text is what delegation callers see.
var (
	// ErrNotFound covers missing files and str_replace with zero matches.
	ErrNotFound = errors.New("not found")

	// ErrAmbiguousMatch is returned when str_replace matches more than once.
	ErrAmbiguousMatch = errors.New("ambiguous match")

	// ErrLineOutOfRange is returned when an insert targets a line outside
	// [0, lineCount].
	ErrLineOutOfRange = errors.New("line out of range")

	// ErrBadParams covers missing or malformed operation parameters.
	ErrBadParams = errors.New("invalid params")
)

// ExecOutputLimit caps captured subprocess output per stream.
const ExecOutputLimit = 64 * 1024

// Executor dispatches delegated operations against the local filesystem.
// Operations run independently; there is no cross-operation ordering
// guarantee.
type Executor struct {
	root string
}

// NewExecutor creates an executor rooted at the given working directory.
func NewExecutor(root string) *Executor {
	if root == "" {
		if wd, err := os.Getwd(); err == nil {
			root = wd
		}
	}
	return &Executor{root: root}
}

// Root returns the executor's working directory.
func (e *Executor) Root() string {
	return e.root
}

// resolve maps an operation path onto the working directory.
func (e *Executor) resolve(path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(e.root, path)
}

// Dispatch executes one delegated operation and returns its result payload.
// Every failure is an error the caller wraps into an error envelope; Dispatch
// itself never drops a request.
func (e *Executor) Dispatch(ctx context.Context, op relay.OpKind, params json.RawMessage) (any, error) {
	switch op {
	case relay.OpView:
		return e.view(params)
	case relay.OpCreate:
		return e.create(params)
	case relay.OpStrReplace:
		return e.strReplace(params)
	case relay.OpInsert:
		return e.insert(params)
	case relay.OpDelete:
		return e.delete(params)
	case relay.OpExec:
		return e.exec(ctx, params)
	default:
		return nil, fmt.Errorf("%w: unknown operation %q", ErrBadParams, op)
	}
}

func decodeParams[T any](params json.RawMessage) (*T, error) {
	var p T
	if len(params) == 0 {
		return nil, fmt.Errorf("%w: missing params", ErrBadParams)
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadParams, err)
	}
	return &p, nil
}

// view returns file content, or a sorted listing when the path is a
// directory.
func (e *Executor) view(params json.RawMessage) (any, error) {
	p, err := decodeParams[relay.ViewParams](params)
	if err != nil {
		return nil, err
	}
	if p.Path == "" {
		return nil, fmt.Errorf("%w: missing path", ErrBadParams)
	}

	abs := e.resolve(p.Path)
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, p.Path)
		}
		return nil, fmt.Errorf("view %s: %w", p.Path, err)
	}

	if info.IsDir() {
		dirEntries, err := os.ReadDir(abs)
		if err != nil {
			return nil, fmt.Errorf("view %s: %w", p.Path, err)
		}
		names := make([]string, 0, len(dirEntries))
		for _, entry := range dirEntries {
			name := entry.Name()
			if entry.IsDir() {
				name += "/"
			}
			names = append(names, name)
		}
		sort.Strings(names)
		return &relay.ViewResult{Path: p.Path, Entries: names, IsDir: true}, nil
	}

	b, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("view %s: %w", p.Path, err)
	}
	return &relay.ViewResult{Path: p.Path, Content: string(b)}, nil
}

// create writes a file, creating parent directories as needed.
func (e *Executor) create(params json.RawMessage) (any, error) {
	p, err := decodeParams[relay.CreateParams](params)
	if err != nil {
		return nil, err
	}
	if p.Path == "" {
		return nil, fmt.Errorf("%w: missing path", ErrBadParams)
	}

	abs := e.resolve(p.Path)
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return nil, fmt.Errorf("create %s: %w", p.Path, err)
	}
	if err := os.WriteFile(abs, []byte(p.Content), 0644); err != nil {
		return nil, fmt.Errorf("create %s: %w", p.Path, err)
	}
	return &relay.WriteResult{Path: p.Path}, nil
}

// strReplace replaces exactly one occurrence of oldText. Zero matches is a
// not-found failure; more than one is an ambiguous-match failure.
func (e *Executor) strReplace(params json.RawMessage) (any, error) {
	p, err := decodeParams[relay.StrReplaceParams](params)
	if err != nil {
		return nil, err
	}
	if p.Path == "" || p.OldText == "" {
		return nil, fmt.Errorf("%w: missing path or oldText", ErrBadParams)
	}

	abs := e.resolve(p.Path)
	b, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, p.Path)
		}
		return nil, fmt.Errorf("str_replace %s: %w", p.Path, err)
	}

	content := string(b)
	count := strings.Count(content, p.OldText)
	if count == 0 {
		return nil, fmt.Errorf("%w: oldText not found in %s", ErrNotFound, p.Path)
	}
	if count > 1 {
		return nil, fmt.Errorf("%w: oldText occurs %d times in %s, must match exactly once", ErrAmbiguousMatch, count, p.Path)
	}

	updated := strings.Replace(content, p.OldText, p.NewText, 1)
	if err := os.WriteFile(abs, []byte(updated), 0644); err != nil {
		return nil, fmt.Errorf("str_replace %s: %w", p.Path, err)
	}
	return &relay.WriteResult{Path: p.Path}, nil
}

// insert places text after the given 1-based line; line 0 inserts at the top.
// The target line must be within [0, lineCount].
func (e *Executor) insert(params json.RawMessage) (any, error) {
	p, err := decodeParams[relay.InsertParams](params)
	if err != nil {
		return nil, err
	}
	if p.Path == "" {
		return nil, fmt.Errorf("%w: missing path", ErrBadParams)
	}

	abs := e.resolve(p.Path)
	b, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, p.Path)
		}
		return nil, fmt.Errorf("insert %s: %w", p.Path, err)
	}

	content := string(b)
	trailingNewline := strings.HasSuffix(content, "\n")
	if trailingNewline {
		content = strings.TrimSuffix(content, "\n")
	}

	var lines []string
	if content != "" {
		lines = strings.Split(content, "\n")
	}

	if p.Line < 0 || p.Line > len(lines) {
		return nil, fmt.Errorf("%w: line %d not in [0, %d] for %s", ErrLineOutOfRange, p.Line, len(lines), p.Path)
	}

	inserted := strings.Split(p.Text, "\n")
	updated := make([]string, 0, len(lines)+len(inserted))
	updated = append(updated, lines[:p.Line]...)
	updated = append(updated, inserted...)
	updated = append(updated, lines[p.Line:]...)

	out := strings.Join(updated, "\n")
	if trailingNewline {
		out += "\n"
	}
	if err := os.WriteFile(abs, []byte(out), 0644); err != nil {
		return nil, fmt.Errorf("insert %s: %w", p.Path, err)
	}
	return &relay.WriteResult{Path: p.Path}, nil
}

// delete removes a file.
func (e *Executor) delete(params json.RawMessage) (any, error) {
	p, err := decodeParams[relay.DeleteParams](params)
	if err != nil {
		return nil, err
	}
	if p.Path == "" {
		return nil, fmt.Errorf("%w: missing path", ErrBadParams)
	}

	abs := e.resolve(p.Path)
	if err := os.Remove(abs); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, p.Path)
		}
		return nil, fmt.Errorf("delete %s: %w", p.Path, err)
	}
	return &relay.WriteResult{Path: p.Path}, nil
}

// exec runs a shell command in the working directory. Success is determined
// purely by the process exit code: a nonzero exit is a structured failure
// carrying the exit status and stderr, not a transport problem.
func (e *Executor) exec(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[relay.ExecParams](params)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.Command) == "" {
		return nil, fmt.Errorf("%w: missing command", ErrBadParams)
	}

	runCtx := ctx
	cancel := func() {}
	if p.TimeoutSecs > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(p.TimeoutSecs)*time.Second)
	}
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", p.Command)
	cmd.Dir = e.root

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	if runCtx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("command timed out after %ds", p.TimeoutSecs)
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return nil, fmt.Errorf("command exited with status %d: %s",
				exitErr.ExitCode(), truncateOutput(stderr.String()))
		}
		return nil, fmt.Errorf("spawn command: %w", runErr)
	}

	return &relay.ExecResult{
		Stdout:   truncateOutput(stdout.String()),
		Stderr:   truncateOutput(stderr.String()),
		ExitCode: 0,
	}, nil
}

// truncateOutput keeps the tail of oversized subprocess output.
func truncateOutput(s string) string {
	if len(s) <= ExecOutputLimit {
		return strings.TrimRight(s, "\n")
	}
	return "[truncated]\n" + strings.TrimRight(s[len(s)-ExecOutputLimit:], "\n")
}
