package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/wordwrap"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/embertool/ember/internal/api"
	"github.com/embertool/ember/internal/batch"
)

var (
	batchAPIAddr string
	batchSession string
	batchNoTUI   bool
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Submit operation batches",
	Long:  "Commands for submitting batches of assistant and file operations to a running ember server.",
}

var batchRunCmd = &cobra.Command{
	Use:   "run <file>",
	Short: "Run a batch file",
	Long:  "Read a YAML batch file and submit it to the ember server, printing each operation's outcome.",
	Args:  cobra.ExactArgs(1),
	RunE:  runBatch,
}

// batchFile is the YAML form of a batch submission.
type batchFile struct {
	Parallel       bool          `yaml:"parallel"`
	MaxConcurrency int           `yaml:"maxConcurrency"`
	Session        string        `yaml:"session"`
	Operations     []batchFileOp `yaml:"operations"`
}

type batchFileOp struct {
	ID          string         `yaml:"id"`
	Type        string         `yaml:"type"`
	StopOnError bool           `yaml:"stopOnError"`
	Params      map[string]any `yaml:"params"`
}

// toRequest converts the YAML form to the HTTP request body. YAML params
// become the JSON params object unchanged.
func (f *batchFile) toRequest() (*api.BatchRequest, error) {
	req := &api.BatchRequest{
		Parallel:       f.Parallel,
		MaxConcurrency: f.MaxConcurrency,
	}
	for i, op := range f.Operations {
		raw, err := json.Marshal(op.Params)
		if err != nil {
			return nil, fmt.Errorf("operations[%d]: encode params: %w", i, err)
		}
		req.Operations = append(req.Operations, batch.Descriptor{
			ID:          op.ID,
			Kind:        batch.Kind(op.Type),
			Params:      raw,
			StopOnError: op.StopOnError,
		})
	}
	return req, nil
}

func runBatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read batch file: %w", err)
	}

	var file batchFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse batch file: %w", err)
	}

	req, err := file.toRequest()
	if err != nil {
		return err
	}
	if err := api.ValidateOperations(req.Operations); err != nil {
		return err
	}

	addr := batchAPIAddr
	if addr == "" {
		addr = apiBaseURL(cfg.APIBind())
	}
	session := batchSession
	if session == "" {
		session = file.Session
	}

	var resp *api.BatchResponse
	submit := func(ctx context.Context) error {
		resp, err = submitBatch(ctx, addr, session, req)
		return err
	}

	label := fmt.Sprintf("Running %d operations...", len(req.Operations))
	if batchNoTUI {
		err = submit(cmd.Context())
	} else {
		err = runWithSpinner(cmd.Context(), os.Stderr, label, submit)
	}
	if err != nil {
		return err
	}

	printBatchResponse(os.Stdout, resp)
	if resp.Summary.Failed > 0 {
		return fmt.Errorf("%d of %d operations failed", resp.Summary.Failed, resp.Summary.Total)
	}
	return nil
}

// submitBatch POSTs the request to /api/batch and decodes the reply.
func submitBatch(ctx context.Context, addr, session string, req *api.BatchRequest) (*api.BatchResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, addr+"/api/batch", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if session != "" {
		httpReq.Header.Set(api.SessionHeader, session)
	}

	httpResp, err := (&http.Client{Timeout: 5 * time.Minute}).Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("submit batch: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return nil, fmt.Errorf("server rejected batch (%s): %s", httpResp.Status, bytes.TrimSpace(detail))
	}

	var resp api.BatchResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &resp, nil
}

var (
	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	failStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
)

func printBatchResponse(w io.Writer, resp *api.BatchResponse) {
	for _, res := range resp.Results {
		mark := okStyle.Render("✓")
		if !res.Success {
			mark = failStyle.Render("✗")
		}
		fmt.Fprintf(w, "%s %s %s\n", mark, res.ID, dimStyle.Render(fmt.Sprintf("(%dms)", res.DurationMs)))

		if res.Error != "" {
			fmt.Fprintln(w, indent(wordwrap.String(res.Error, 76), "    "))
		}
	}

	s := resp.Summary
	fmt.Fprintf(w, "\n%d/%d succeeded", s.Successful, s.Total)
	if s.Failed > 0 {
		fmt.Fprintf(w, ", %s", failStyle.Render(fmt.Sprintf("%d failed", s.Failed)))
	}
	if skipped := s.Total - s.Executed; skipped > 0 {
		fmt.Fprintf(w, ", %d skipped", skipped)
	}
	fmt.Fprintf(w, " %s\n", dimStyle.Render(fmt.Sprintf("(%s, %dms)", s.Mode, s.DurationMs)))
}

func indent(text, prefix string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = prefix + line
	}
	return strings.Join(lines, "\n")
}

func init() {
	batchRunCmd.Flags().StringVar(&batchAPIAddr, "api", "", "server API base URL (default from config)")
	batchRunCmd.Flags().StringVar(&batchSession, "session", "", "session id for file operations")
	batchRunCmd.Flags().BoolVar(&batchNoTUI, "no-tui", false, "Disable the progress spinner")
	batchCmd.AddCommand(batchRunCmd)
	rootCmd.AddCommand(batchCmd)
}
