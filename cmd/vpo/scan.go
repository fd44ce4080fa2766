// SPDX-License-Identifier: MIT

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vpo-project/vpo/internal/catalog"
)

func newScanCmd(a *app) *cobra.Command {
	var parallelism int

	cmd := &cobra.Command{
		Use:   "scan <path>",
		Short: "Introspect a file or directory into the catalog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			fi, err := os.Stat(path)
			if err != nil {
				return fmt.Errorf("scan target: %w", err)
			}

			sc, _, err := a.scanner(cmd.Context())
			if err != nil {
				return err
			}

			if fi.IsDir() {
				n, err := sc.ScanDir(cmd.Context(), path, parallelism)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "scanned %d files under %s\n", n, path)
				return nil
			}

			if !catalog.IsMediaPath(path) {
				return fmt.Errorf("not a media file: %s", path)
			}
			f, err := sc.ScanFile(cmd.Context(), path)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "scanned %s (container %s)\n", f.Path, f.Container)
			return nil
		},
	}
	cmd.Flags().IntVar(&parallelism, "parallelism", 0, "concurrent probes for directory scans")
	return cmd
}
