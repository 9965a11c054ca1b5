package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/embertool/ember/internal/logging"
)

// HandlerFunc executes one descriptor of a given kind.
type HandlerFunc func(ctx context.Context, desc Descriptor) (any, error)

// Runner dispatches descriptors to per-kind handlers.
type Runner struct {
	// +checklocks:mu
	handlers map[Kind]HandlerFunc
	mu       sync.RWMutex
}

// NewRunner creates a runner with no handlers registered.
func NewRunner() *Runner {
	return &Runner{
		handlers: make(map[Kind]HandlerFunc),
	}
}

// Register installs the handler for a kind, replacing any existing one.
func (r *Runner) Register(kind Kind, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = h
}

// handler returns the handler for a kind, or nil.
func (r *Runner) handler(kind Kind) HandlerFunc {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[kind]
}

// execute runs one descriptor, converting every failure mode — handler
// error, panic, or missing handler — into a Result entry. A descriptor's
// failure must never corrupt the batch's own control flow.
func (r *Runner) execute(ctx context.Context, desc Descriptor) Result {
	start := time.Now()

	res := Result{ID: desc.ID}
	defer func() {
		res.Duration = time.Since(start)
		res.CompletedAt = time.Now()
	}()

	h := r.handler(desc.Kind)
	if h == nil {
		res.Error = fmt.Sprintf("no handler for operation type %q", desc.Kind)
		return res
	}

	var (
		out any
		err error
	)
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("panic in %s handler: %v", desc.Kind, rec)
			}
		}()
		out, err = h(ctx, desc)
	}()

	if err != nil {
		res.Error = err.Error()
		return res
	}

	res.Success = true
	res.Result = out
	return res
}

// RunSequential executes descriptors in list order. When a descriptor fails
// and has StopOnError set, the run halts and the partial result list is
// returned — list length, not a status field, is the ground truth for how
// many ran.
func (r *Runner) RunSequential(ctx context.Context, descs []Descriptor) ([]Result, Summary) {
	start := time.Now()
	results := make([]Result, 0, len(descs))

	for _, desc := range descs {
		res := r.execute(ctx, desc)
		results = append(results, res)

		if !res.Success && desc.StopOnError {
			slog.Info("batch halted on error",
				"descriptor", desc.ID,
				"executed", len(results),
				"total", len(descs),
			)
			break
		}
	}

	return results, summarize(results, len(descs), time.Since(start), ModeSequential)
}

// RunParallel executes descriptors with a sliding admission window of
// maxConcurrency. As each in-flight execution settles — success or failure
// both count — the next queued descriptor is admitted. Results are written
// at the descriptor's original index, so ordering matches input order
// regardless of completion order. There is no StopOnError in parallel mode;
// all descriptors run to completion.
func (r *Runner) RunParallel(ctx context.Context, descs []Descriptor, maxConcurrency int) ([]Result, Summary) {
	start := time.Now()

	if maxConcurrency <= 0 {
		maxConcurrency = DefaultMaxConcurrency
	}

	results := make([]Result, len(descs))
	window := make(chan struct{}, maxConcurrency)
	var wg sync.WaitGroup

	for i, desc := range descs {
		window <- struct{}{}
		wg.Add(1)
		go func(i int, desc Descriptor) {
			defer logging.LogPanic("batch-worker", nil)
			defer wg.Done()
			defer func() { <-window }()
			results[i] = r.execute(ctx, desc)
		}(i, desc)
	}

	wg.Wait()

	return results, summarize(results, len(descs), time.Since(start), ModeParallel)
}

// summarize computes the aggregate for a completed run.
func summarize(results []Result, total int, duration time.Duration, mode string) Summary {
	s := Summary{
		Total:    total,
		Executed: len(results),
		Duration: duration,
		Mode:     mode,
	}
	for _, res := range results {
		if res.Success {
			s.Successful++
		} else {
			s.Failed++
		}
	}
	return s
}
