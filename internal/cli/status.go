package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var statusAPIAddr string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server and session status",
	Long:  "Display whether the ember server is reachable and which agent sessions are registered.",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

// sessionStatus mirrors the /api/sessions entry shape.
type sessionStatus struct {
	SessionID    string    `json:"sessionId"`
	ClientID     string    `json:"clientId"`
	RegisteredAt time.Time `json:"registeredAt"`
	LastSeen     time.Time `json:"lastSeen"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	addr := statusAPIAddr
	if addr == "" {
		addr = apiBaseURL(cfg.APIBind())
	}

	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(addr + "/healthz")
	if err != nil {
		fmt.Println("ember server is not running")
		return nil
	}
	resp.Body.Close()

	fmt.Println("ember server running")

	resp, err = client.Get(addr + "/api/sessions")
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	defer resp.Body.Close()

	var payload struct {
		Sessions []sessionStatus `json:"sessions"`
		Count    int             `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return fmt.Errorf("decode sessions: %w", err)
	}

	if payload.Count == 0 {
		fmt.Println("No agent sessions registered.")
		fmt.Println("Start one with: ember agent --session <id>")
		return nil
	}

	fmt.Printf("   Sessions: %d registered\n\n", payload.Count)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SESSION\tCLIENT\tREGISTERED\tLAST SEEN")
	now := time.Now()
	for _, s := range payload.Sessions {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s ago\t%s ago\n",
			s.SessionID,
			s.ClientID,
			now.Sub(s.RegisteredAt).Truncate(time.Second),
			now.Sub(s.LastSeen).Truncate(time.Second),
		)
	}
	return w.Flush()
}

func init() {
	statusCmd.Flags().StringVar(&statusAPIAddr, "api", "", "server API base URL (default from config)")
	rootCmd.AddCommand(statusCmd)
}
