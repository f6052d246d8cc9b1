package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newJobsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "jobs",
		Short: "List registered jobs and their next fire times",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			list, err := c.Jobs(cmd.Context())
			if err != nil {
				return fmt.Errorf("list jobs: %w", err)
			}
			out := cmd.OutOrStdout()
			if len(list) == 0 {
				fmt.Fprintln(out, "No jobs registered.")
				return nil
			}

			fmt.Fprintf(out, "%-36s  %-16s  %-8s  %-9s  %s\n", "NAME", "CADENCE", "ENABLED", "STATE", "NEXT")
			fmt.Fprintf(out, "%-36s  %-16s  %-8s  %-9s  %s\n", "----", "-------", "-------", "-----", "----")
			for _, j := range list {
				state, next := "-", "-"
				if j.State != nil {
					state = string(j.State.State)
					next = formatTime(j.State.Next)
				}
				fmt.Fprintf(out, "%-36s  %-16s  %-8t  %-9s  %s\n", j.Name, j.Cadence, j.Enabled, state, next)
			}
			return nil
		},
	}
}

func newTriggerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trigger <job>",
		Short: "Queue a run of a job now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			run, err := c.Trigger(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("trigger %s: %w", args[0], err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Queued: %s\n", run.ID)
			fmt.Fprintf(out, "  Job:       %s\n", run.Job)
			fmt.Fprintf(out, "  Scheduled: %s\n", formatTime(run.ScheduledAt))
			return nil
		},
	}
}

func newRunsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs <job>",
		Short: "List recent runs of a job, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			runs, err := c.Runs(cmd.Context(), args[0], limit)
			if err != nil {
				return fmt.Errorf("list runs: %w", err)
			}
			out := cmd.OutOrStdout()
			if len(runs) == 0 {
				fmt.Fprintln(out, "No runs found.")
				return nil
			}

			fmt.Fprintf(out, "%-36s  %-13s  %-7s  %-8s  %-20s  %s\n", "RUN", "STATUS", "ATTEMPT", "TRIGGER", "SCHEDULED", "FINISHED")
			fmt.Fprintf(out, "%-36s  %-13s  %-7s  %-8s  %-20s  %s\n", "---", "------", "-------", "-------", "---------", "--------")
			for _, r := range runs {
				finished := "-"
				if r.FinishedAt != nil {
					finished = formatTime(*r.FinishedAt)
				}
				fmt.Fprintf(out, "%-36s  %-13s  %-7d  %-8s  %-20s  %s\n",
					r.ID, r.Status, r.Attempt, r.Trigger, formatTime(r.ScheduledAt), finished)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs")
	return cmd
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
