// Package cli implements the ember command tree.
package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/embertool/ember/internal/config"
)

// configPath is the global --config flag value.
var configPath string

var rootCmd = &cobra.Command{
	Use:   "ember",
	Short: "Embedded-Linux device tooling",
	Long:  "ember runs batches of assistant and file operations against remote device agents over a persistent delegation channel.",
}

// loadConfig loads the config file named by --config, or the default path.
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromPath(configPath)
	}
	return config.Load()
}

// apiBaseURL builds the HTTP base URL for a configured bind address.
// A bare ":port" bind is reached on loopback.
func apiBaseURL(bind string) string {
	if strings.HasPrefix(bind, ":") {
		return "http://127.0.0.1" + bind
	}
	return "http://" + bind
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (overrides ~/.config/ember/config.toml)")
}

func Execute() error {
	return rootCmd.Execute()
}
