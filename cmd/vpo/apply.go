// SPDX-License-Identifier: MIT

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/vpo-project/vpo/internal/catalog"
	"github.com/vpo-project/vpo/internal/policy"
	"github.com/vpo-project/vpo/internal/queue"
	"github.com/vpo-project/vpo/internal/tools"
	"github.com/vpo-project/vpo/internal/workflow"
)

func newApplyCmd(a *app) *cobra.Command {
	var (
		policyPath string
		enqueue    bool
		dryRun     bool
		priority   int
	)

	cmd := &cobra.Command{
		Use:   "apply --policy <file> <path>...",
		Short: "Apply a policy to files, directly or via the job queue",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(policyPath) // #nosec G304 -- operator supplied
			if err != nil {
				return fmt.Errorf("policy: %w", err)
			}
			doc, err := policy.Load(raw)
			if err != nil {
				return err
			}

			paths, err := expandTargets(args)
			if err != nil {
				return err
			}

			if enqueue {
				return enqueueJobs(cmd, a, paths, policyPath, string(raw), priority)
			}
			return applyDirect(cmd, a, doc, paths, dryRun)
		},
	}

	cmd.Flags().StringVar(&policyPath, "policy", "", "policy document (required)")
	cmd.Flags().BoolVar(&enqueue, "queue", false, "enqueue jobs instead of processing inline")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "plan and report without touching files")
	cmd.Flags().IntVar(&priority, "priority", 100, "queue priority, lower claims first")
	_ = cmd.MarkFlagRequired("policy")
	return cmd
}

// expandTargets resolves arguments into media file paths. Directories
// expand recursively; a missing path fails the whole invocation.
func expandTargets(args []string) ([]string, error) {
	var out []string
	for _, arg := range args {
		fi, err := os.Stat(arg)
		if err != nil {
			return nil, fmt.Errorf("target: %w", err)
		}
		if !fi.IsDir() {
			out = append(out, arg)
			continue
		}
		err = filepath.WalkDir(arg, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && catalog.IsMediaPath(path) {
				out = append(out, path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no media files: %w", os.ErrNotExist)
	}
	return out, nil
}

func enqueueJobs(cmd *cobra.Command, a *app, paths []string, policyPath, policySnapshot string, priority int) error {
	q, err := a.queue()
	if err != nil {
		return err
	}
	for _, path := range paths {
		job := queue.NewJob(queue.JobProcess, path)
		job.Priority = priority
		job.PolicyName = policyPath
		job.PolicyJSON = policySnapshot
		if err := q.Insert(cmd.Context(), job); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "queued %s  %s\n", job.ID, path)
	}
	return nil
}

func applyDirect(cmd *cobra.Command, a *app, doc *policy.Document, paths []string, dryRun bool) error {
	sc, ts, err := a.scanner(cmd.Context())
	if err != nil {
		return err
	}

	proc := &workflow.Processor{
		Doc: doc,
		Executor: &workflow.Executor{
			Tools:   workflow.NewToolbox(ts),
			DryRun:  dryRun,
			Threads: a.cfg.Worker.CPUCores,
		},
		Introspect: sc,
		Sidecar:    sc,
	}

	results, batchErr := proc.ProcessBatch(cmd.Context(), paths)
	failed := 0
	toolMissing := false
	for _, res := range results {
		status := "ok"
		if !res.Success {
			status = "FAILED"
			failed++
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%-6s %s  (%d changes, %d/%d phases)\n",
			status, res.Path, res.TotalChanges, res.PhasesComplete, len(doc.Phases))
		if res.ErrorMessage != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "       %s\n", res.ErrorMessage)
		}
		for _, pr := range res.PhaseResults {
			if errors.Is(pr.Err, tools.ErrToolUnavailable) {
				toolMissing = true
			}
			for _, warn := range pr.Warnings {
				fmt.Fprintf(cmd.OutOrStdout(), "       warning: %s\n", warn)
			}
		}
	}

	if batchErr != nil && !errors.Is(batchErr, workflow.ErrBatchStopped) {
		return batchErr
	}
	switch {
	case toolMissing:
		return fmt.Errorf("%w: %w", errOperationFailed, tools.ErrToolUnavailable)
	case failed > 0:
		return fmt.Errorf("%w: %d of %d files", errOperationFailed, failed, len(results))
	}
	return nil
}
