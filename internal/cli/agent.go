package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/embertool/ember/internal/logging"
	"github.com/embertool/ember/internal/opagent"
)

var (
	agentServer  string
	agentSession string
	agentRoot    string
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run a file-operation agent",
	Long:  "Connect to the ember server and execute delegated file and shell operations against the local filesystem.",
	Args:  cobra.NoArgs,
	RunE:  runAgent,
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logPath := cfg.Log.Path
	if logPath == "" {
		logPath = logging.DefaultLogPath()
	}
	cleanup, err := logging.Setup(logPath, logging.ParseLevel(cfg.Log.Level))
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer cleanup()

	server := agentServer
	if server == "" {
		server = cfg.ServerAddr()
	}
	root := agentRoot
	if root == "" {
		root, _ = os.Getwd()
	}

	client := opagent.NewClient(opagent.Config{
		ServerAddr:        server,
		SessionID:         agentSession,
		BaseDelay:         cfg.BaseDelay(),
		MaxAttempts:       cfg.MaxAttempts(),
		HeartbeatInterval: cfg.HeartbeatInterval(),
	}, opagent.NewExecutor(root))

	client.Events.OnEvent(func(change opagent.StateChange) {
		switch {
		case change.Err != nil:
			fmt.Fprintf(os.Stderr, "agent %s (attempt %d): %v\n", change.To, change.Attempt, change.Err)
		case change.To == opagent.StateRegistered:
			fmt.Printf("agent registered (session %s)\n", client.SessionID())
		}
	})

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	fmt.Printf("ember agent serving %s (session %s, server %s)\n", root, client.SessionID(), server)

	err = client.Run(ctx)
	if errors.Is(err, context.Canceled) {
		fmt.Println("agent stopped")
		return nil
	}
	return err
}

func init() {
	agentCmd.Flags().StringVar(&agentServer, "server", "", "relay server address (default from config)")
	agentCmd.Flags().StringVar(&agentSession, "session", "", "session id to register as (generated if empty)")
	agentCmd.Flags().StringVar(&agentRoot, "root", "", "directory operations are rooted at (default cwd)")
	rootCmd.AddCommand(agentCmd)
}
