package cli

import (
	"os"
	"time"

	"github.com/spf13/cobra"

	"praice/internal/api"
	logx "praice/pkg/logx"
)

var (
	flagServer   string
	flagConfig   string
	flagTimeout  time.Duration
	flagLogLevel string

	logger logx.Logger
)

// defaultServer returns the default server URL, checking PRAICE_SERVER env var first.
func defaultServer() string {
	if s := os.Getenv("PRAICE_SERVER"); s != "" {
		return s
	}
	return "http://127.0.0.1:8090"
}

// NewRootCmd creates the root cobra command for the beat CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "beat",
		Short: "beat schedules and runs the praice collection and inference jobs",
		Long: "beat fires the job catalogue on its cadences, executes runs on a worker pool " +
			"and serves a small control API. The other commands talk to that API.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger = logx.NewWriter(cmd.ErrOrStderr(), flagLogLevel)
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagServer, "server", defaultServer(), "beat API URL (or PRAICE_SERVER env)")
	root.PersistentFlags().StringVar(&flagConfig, "config", os.Getenv("PRAICE_CONFIG"), "config file, JSON or YAML (or PRAICE_CONFIG env)")
	root.PersistentFlags().DurationVar(&flagTimeout, "timeout", 10*time.Second, "API request timeout")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "warn", "Log level for client commands (debug, info, warn, error)")

	root.AddCommand(
		newServeCmd(),
		newCheckConfigCmd(),
		newJobsCmd(),
		newTriggerCmd(),
		newRunsCmd(),
		newStatusCmd(),
		newStatsCmd(),
	)

	return root
}

func newClient() (*api.Client, error) {
	return api.NewClient(flagServer, flagTimeout, logger)
}
