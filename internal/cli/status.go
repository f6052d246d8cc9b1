package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <run_id>",
		Short: "Show the status and transition history of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			id := args[0]
			run, err := c.Run(cmd.Context(), id)
			if err != nil {
				return fmt.Errorf("get run: %w", err)
			}
			hist, err := c.History(cmd.Context(), id)
			if err != nil {
				return fmt.Errorf("get history: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Run: %s\n", run.ID)
			fmt.Fprintf(out, "  Job:       %s\n", run.Job)
			fmt.Fprintf(out, "  Status:    %s\n", run.Status)
			fmt.Fprintf(out, "  Trigger:   %s\n", run.Trigger)
			fmt.Fprintf(out, "  Attempt:   %d\n", run.Attempt)
			fmt.Fprintf(out, "  Scheduled: %s\n", formatTime(run.ScheduledAt))
			if run.StartedAt != nil {
				fmt.Fprintf(out, "  Started:   %s\n", formatTime(*run.StartedAt))
			}
			if run.FinishedAt != nil {
				fmt.Fprintf(out, "  Finished:  %s\n", formatTime(*run.FinishedAt))
			}
			if run.LastError != "" {
				fmt.Fprintf(out, "  Error:     %s\n", run.LastError)
			}

			if len(hist) > 0 {
				fmt.Fprintln(out, "  History:")
				for _, t := range hist {
					line := fmt.Sprintf("    - %s  %-13s  attempt %d", formatTime(t.At), t.Status, t.Attempt)
					if t.Error != "" {
						line += "  " + t.Error
					}
					fmt.Fprintln(out, line)
				}
			}
			return nil
		},
	}
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show worker pool counters and broker backlog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			st, err := c.Stats(cmd.Context())
			if err != nil {
				return fmt.Errorf("get stats: %w", err)
			}
			e := st.Engine
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Holder:  %s\n", st.Holder)
			fmt.Fprintf(out, "Backlog: %d\n", st.Backlog)
			fmt.Fprintf(out, "Workers: %d (%d busy, running=%t)\n", e.Workers, e.InFlight, e.Running)
			fmt.Fprintf(out, "Runs:    %d succeeded, %d retried, %d failed, %d dead-lettered, %d interrupted\n",
				e.Succeeded, e.Retried, e.Failed, e.DeadLettered, e.Interrupted)
			if e.StaleAcks > 0 {
				fmt.Fprintf(out, "Stale acks: %d\n", e.StaleAcks)
			}
			return nil
		},
	}
}
