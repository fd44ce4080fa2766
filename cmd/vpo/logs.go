// SPDX-License-Identifier: MIT

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vpo-project/vpo/internal/joblog"
)

func newLogsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Job execution logs",
	}
	cmd.AddCommand(newLogsTailCmd(a))
	return cmd
}

func newLogsTailCmd(a *app) *cobra.Command {
	var (
		lines  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "tail <job-id>",
		Short: "Print the tail of a job's log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tail, err := joblog.ReadTail(a.cfg.LogsDir(), args[0], lines, offset)
			if err != nil {
				return err
			}
			for _, line := range tail.Lines {
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			if tail.HasMore {
				fmt.Fprintf(cmd.ErrOrStderr(), "(%d lines total)\n", tail.TotalLines)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&lines, "lines", 50, "lines to show")
	cmd.Flags().IntVar(&offset, "offset", 0, "lines to skip from the end")
	return cmd
}
