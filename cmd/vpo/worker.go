// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vpo-project/vpo/internal/api"
	"github.com/vpo-project/vpo/internal/watch"
	"github.com/vpo-project/vpo/internal/worker"
)

func newWorkerCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Worker runtime",
	}
	cmd.AddCommand(newWorkerRunCmd(a))
	return cmd
}

func newWorkerRunCmd(a *app) *cobra.Command {
	var (
		exitWhenIdle bool
		maxFiles     int
		endBy        string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Drain the job queue until stopped",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if maxFiles > 0 {
				a.cfg.Worker.MaxFiles = maxFiles
			}
			if endBy != "" {
				a.cfg.Worker.EndBy = endBy
			}

			sc, ts, err := a.scanner(cmd.Context())
			if err != nil {
				return err
			}
			q, err := a.queue()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			w := worker.New(a.cfg, a.db, q, ts, sc)
			w.ExitWhenIdle = exitWhenIdle

			g, gctx := errgroup.WithContext(ctx)
			workerCtx, cancelAll := context.WithCancel(gctx)
			defer cancelAll()

			if addr := a.cfg.ListenAddr; addr != "" {
				srv := api.New(a.db, q, a.cfg.LogsDir(), version)
				g.Go(func() error { return srv.Serve(workerCtx, addr) })
			}
			if len(a.cfg.WatchDirs) > 0 {
				watcher := watch.New(q, a.cfg.WatchDirs)
				g.Go(func() error { return watcher.Run(workerCtx) })
			}
			g.Go(func() error {
				defer cancelAll() // worker exit tears down the side services
				return w.Run(workerCtx)
			})
			return g.Wait()
		},
	}

	cmd.Flags().BoolVar(&exitWhenIdle, "exit-when-idle", false, "stop once the queue drains")
	cmd.Flags().IntVar(&maxFiles, "max-files", 0, "stop after this many jobs")
	cmd.Flags().StringVar(&endBy, "end-by", "", "stop at this local HH:MM")
	return cmd
}
