package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"praice/internal/config"
	"praice/internal/handlers"
	"praice/internal/jobs"
)

func newCheckConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and print the effective job table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flagConfig, os.Getenv)
			if err != nil {
				return err
			}
			// Handlers are never invoked here; building the registry parses every cadence.
			reg, err := jobs.NewRegistry(cfg.JobSpecs(), handlers.Handlers(handlers.Deps{}), cfg.Location())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			source := flagConfig
			if source == "" {
				source = "(defaults + environment)"
			}
			fmt.Fprintf(out, "Config:   %s\n", source)
			fmt.Fprintf(out, "  Broker:   %s\n", config.RedactURL(cfg.Broker.URL))
			fmt.Fprintf(out, "  Leases:   %s\n", config.RedactURL(cfg.Lease.URL))
			fmt.Fprintf(out, "  Tracker:  %s\n", config.RedactURL(cfg.Tracker.URL))
			fmt.Fprintf(out, "  Timezone: %s\n", cfg.Location())
			fmt.Fprintf(out, "  Workers:  %d\n", cfg.Engine.Workers)
			fmt.Fprintln(out)

			fmt.Fprintf(out, "%-36s  %-16s  %-8s  %-8s  %s\n", "JOB", "CADENCE", "ENABLED", "RETRIES", "TIMEOUT")
			fmt.Fprintf(out, "%-36s  %-16s  %-8s  %-8s  %s\n", "---", "-------", "-------", "-------", "-------")
			for _, e := range reg.List() {
				s := e.Spec
				fmt.Fprintf(out, "%-36s  %-16s  %-8t  %-8d  %s\n", s.Name, s.Cadence, s.Enabled, s.MaxRetries, s.Timeout)
			}
			return nil
		},
	}
}
