// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vpo-project/vpo/internal/catalog"
	"github.com/vpo-project/vpo/internal/config"
	"github.com/vpo-project/vpo/internal/log"
	"github.com/vpo-project/vpo/internal/queue"
	"github.com/vpo-project/vpo/internal/store"
	"github.com/vpo-project/vpo/internal/tools"
)

// version is stamped by the release build.
var version = "dev"

// app carries the lazily opened shared components through a command's
// lifetime.
type app struct {
	cfgPath  string
	dataDir  string
	logLevel string

	cfg config.Config
	db  *store.Store
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "vpo",
		Short:         "Local media library policy orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(a.cfgPath)
			if err != nil {
				return err
			}
			if a.dataDir != "" {
				cfg.DataDir = a.dataDir
			}
			if a.logLevel != "" {
				cfg.LogLevel = a.logLevel
			}
			a.cfg = cfg
			log.Configure(log.Config{Level: cfg.LogLevel})
			return nil
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if a.db != nil {
				return a.db.Close()
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&a.cfgPath, "config", "", "configuration file")
	root.PersistentFlags().StringVar(&a.dataDir, "data-dir", "", "override data directory")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	root.AddCommand(
		newScanCmd(a),
		newApplyCmd(a),
		newWorkerCmd(a),
		newJobsCmd(a),
		newLogsCmd(a),
		newVersionCmd(),
	)
	return root
}

// open initialises the data directory and the store on first use.
func (a *app) open() (*store.Store, error) {
	if a.db != nil {
		return a.db, nil
	}
	if err := a.cfg.EnsureDataDir(); err != nil {
		return nil, err
	}
	db, err := store.Open(a.cfg.DBPath(), store.Options{
		BusyTimeout:  a.cfg.BusyTimeout(),
		MaxReadConns: 8,
	})
	if err != nil {
		return nil, err
	}
	a.db = db
	return db, nil
}

func (a *app) queue() (*queue.Queue, error) {
	db, err := a.open()
	if err != nil {
		return nil, err
	}
	return queue.New(db), nil
}

// scanner wires the catalog over discovered tools. The prober must exist
// for any scanning path.
func (a *app) scanner(ctx context.Context) (*catalog.Scanner, *tools.Toolset, error) {
	db, err := a.open()
	if err != nil {
		return nil, nil, err
	}
	ts := tools.Discover(ctx, a.cfg.Tools)
	if !ts.HasFFprobe() {
		return nil, nil, fmt.Errorf("ffprobe: %w", tools.ErrToolUnavailable)
	}
	return catalog.NewScanner(catalog.NewStore(db), tools.NewProber(ts.FFprobeBin)), ts, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the vpo version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "vpo", version)
		},
	}
}
