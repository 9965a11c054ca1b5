package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/embertool/ember/internal/api"
	"github.com/embertool/ember/internal/chat"
	"github.com/embertool/ember/internal/logging"
	"github.com/embertool/ember/internal/relay"
)

var serveForeground bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ember server",
	Long:  "Run the relay server that device agents register with and the HTTP API that accepts batch submissions.",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logPath := cfg.Log.Path
	if logPath == "" {
		logPath = logging.DefaultLogPath()
	}
	level := logging.ParseLevel(cfg.Log.Level)

	var cleanup func()
	if serveForeground {
		cleanup, err = logging.SetupMulti(logPath, os.Stderr, level)
	} else {
		cleanup, err = logging.Setup(logPath, level)
	}
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer cleanup()

	relaySrv := relay.NewServer(relay.Config{
		BindAddr:      cfg.RelayBind(),
		SweepInterval: cfg.SweepInterval(),
		StaleAfter:    cfg.StaleAfter(),
		PingInterval:  cfg.PingInterval(),
	})
	if err := relaySrv.Start(); err != nil {
		return fmt.Errorf("start relay server: %w", err)
	}
	defer func() { _ = relaySrv.Stop() }()

	var assistant chat.Client
	if cfg.Chat.Command != "" {
		assistant = chat.NewCommandClient(cfg.Chat.Command, cfg.Chat.Args...)
	}

	apiSrv := api.NewServer(api.Config{
		BindAddr:        cfg.APIBind(),
		DelegateTimeout: cfg.OperationTimeout(),
	}, relaySrv, assistant)
	if err := apiSrv.Start(); err != nil {
		return fmt.Errorf("start api server: %w", err)
	}
	defer func() { _ = apiSrv.Stop() }()

	fmt.Printf("ember server running (relay %s, api %s)\n", relaySrv.Addr(), apiSrv.Addr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	fmt.Printf("received %s, shutting down\n", sig)
	return nil
}

func init() {
	serveCmd.Flags().BoolVarP(&serveForeground, "foreground", "f", false, "Also log to stderr")
	rootCmd.AddCommand(serveCmd)
}
