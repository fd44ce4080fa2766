// SPDX-License-Identifier: MIT

package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vpo-project/vpo/internal/queue"
	"github.com/vpo-project/vpo/internal/stats"
)

func newJobsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and manage the job queue",
	}
	cmd.AddCommand(
		newJobsListCmd(a),
		newJobsStatsCmd(a),
		newJobsCancelCmd(a),
		newJobsRequeueCmd(a),
	)
	return cmd
}

func newJobsListCmd(a *app) *cobra.Command {
	var (
		status string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q, err := a.queue()
			if err != nil {
				return err
			}
			jobs, err := q.List(cmd.Context(), queue.Status(status), limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tPROGRESS\tCREATED\tFILE")
			for _, j := range jobs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%3.0f%%\t%s\t%s\n",
					j.ID, j.Type, j.Status, j.ProgressPercent,
					j.CreatedAt.Local().Format(time.DateTime), j.FilePath)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func newJobsStatsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Queue counts and processing totals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q, err := a.queue()
			if err != nil {
				return err
			}
			qs, err := q.GetStats(cmd.Context())
			if err != nil {
				return err
			}
			sum, err := stats.Summarize(cmd.Context(), a.db)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "queue: %d queued, %d running, %d completed, %d failed, %d cancelled\n",
				qs.Queued, qs.Running, qs.Completed, qs.Failed, qs.Cancelled)
			fmt.Fprintf(out, "processed: %d runs (%d ok, %d failed)\n", sum.Runs, sum.Succeeded, sum.Failed)
			fmt.Fprintf(out, "tracks removed: %d, changes applied: %d\n", sum.TracksRemoved, sum.TotalChanges)
			fmt.Fprintf(out, "bytes saved: %d\n", sum.BytesSaved)
			return nil
		},
	}
}

func newJobsCancelCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a queued job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := a.queue()
			if err != nil {
				return err
			}
			if err := q.Cancel(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "cancelled", args[0])
			return nil
		},
	}
}

func newJobsRequeueCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <job-id>",
		Short: "Return a failed or cancelled job to the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := a.queue()
			if err != nil {
				return err
			}
			if err := q.Requeue(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "requeued", args[0])
			return nil
		},
	}
}
