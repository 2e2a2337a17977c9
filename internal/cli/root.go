// Package cli implements the anvil command line: the platform server, the
// sandbox entrypoint and a client for the admin API.
package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/seantiz/anvil/internal/config"
)

var (
	flagServer    string
	flagConfig    string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	logger *slog.Logger
	client *Client
)

// defaultServer returns the default admin API URL, checking ANVIL_SERVER first.
func defaultServer() string {
	if s := os.Getenv("ANVIL_SERVER"); s != "" {
		return s
	}
	return "http://localhost:8080"
}

// NewRootCmd creates the root cobra command for the anvil CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "anvil",
		Short: "anvil runs user-submitted JavaScript modules in sandboxed workers",
		Long: "anvil stores named JavaScript modules, keeps a pool of sandbox " +
			"processes and routes each request to the worker serving its module.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagDebug {
				flagLogLevel = "debug"
			}
			logger = config.NewLogger(cmd.ErrOrStderr(), config.ParseLogLevel(flagLogLevel), flagLogFormat)
			client = NewClient(flagServer, logger)
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagServer, "server", defaultServer(), "Admin API URL (or ANVIL_SERVER env)")
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "YAML config file (or ANVIL_CONFIG env)")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "json", "Log format (json, text)")

	root.AddCommand(
		newServeCmd(),
		newSandboxCmd(),
		newLoadCmd(),
		newModulesCmd(),
		newSourceCmd(),
		newWorkersCmd(),
		newEvictCmd(),
		newEventsCmd(),
	)

	return root
}
