// SPDX-License-Identifier: MIT

package joblog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio/v2"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"

	"github.com/vpo-project/vpo/internal/log"
)

// TempPrefix marks in-flight output files. Leftovers from crashed runs
// are swept by retention.
const TempPrefix = ".vpo_temp_"

// RetentionResult summarizes one retention sweep.
type RetentionResult struct {
	Compressed   int
	Deleted      int
	TempsRemoved int
}

// Retention ages out job logs: plain logs older than CompressAfter are
// gzipped in place, anything older than DeleteAfter is removed, and
// orphaned temp files under the swept directories are cleaned up.
type Retention struct {
	LogsDir       string
	CompressAfter time.Duration // 0 disables compression
	DeleteAfter   time.Duration // 0 disables deletion
	SweepDirs     []string      // extra directories scanned for temp leftovers

	logger zerolog.Logger
}

// NewRetention builds a sweep over logsDir with the given windows.
func NewRetention(logsDir string, compressAfter, deleteAfter time.Duration) *Retention {
	return &Retention{
		LogsDir:       logsDir,
		CompressAfter: compressAfter,
		DeleteAfter:   deleteAfter,
		logger:        log.WithComponent("joblog"),
	}
}

// Run performs one sweep. Per-file failures are logged and skipped so a
// single bad file never blocks the rest.
func (r *Retention) Run() (RetentionResult, error) {
	var res RetentionResult
	now := time.Now()

	entries, err := os.ReadDir(r.LogsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return res, nil
		}
		return res, fmt.Errorf("joblog: read %s: %w", r.LogsDir, err)
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		full := filepath.Join(r.LogsDir, name)
		info, err := e.Info()
		if err != nil {
			continue
		}
		age := now.Sub(info.ModTime())

		switch {
		case strings.HasPrefix(name, TempPrefix):
			if err := os.Remove(full); err == nil {
				res.TempsRemoved++
			}
		case r.DeleteAfter > 0 && age > r.DeleteAfter &&
			(strings.HasSuffix(name, ".log") || strings.HasSuffix(name, ".log.gz")):
			if err := os.Remove(full); err != nil {
				r.logger.Warn().Err(err).Str("file", name).Msg("log deletion failed")
				continue
			}
			res.Deleted++
		case r.CompressAfter > 0 && age > r.CompressAfter && strings.HasSuffix(name, ".log"):
			if err := compressLog(full); err != nil {
				r.logger.Warn().Err(err).Str("file", name).Msg("log compression failed")
				continue
			}
			res.Compressed++
		}
	}

	for _, dir := range r.SweepDirs {
		res.TempsRemoved += sweepTemps(dir)
	}

	if res.Compressed+res.Deleted+res.TempsRemoved > 0 {
		r.logger.Info().
			Int("compressed", res.Compressed).
			Int("deleted", res.Deleted).
			Int("temps_removed", res.TempsRemoved).
			Msg("log retention sweep complete")
	}
	return res, nil
}

// compressLog writes path.gz atomically, then removes the original. A
// crash between the two steps leaves both files; the next sweep retries
// and the reader prefers the plain log.
func compressLog(path string) error {
	src, err := os.Open(path) // #nosec G304
	if err != nil {
		return err
	}
	defer src.Close()

	pf, err := renameio.NewPendingFile(path+".gz", renameio.WithPermissions(0o640))
	if err != nil {
		return err
	}
	defer pf.Cleanup() //nolint:errcheck

	zw := gzip.NewWriter(pf)
	if _, err := io.Copy(zw, src); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}
	if err := pf.CloseAtomicallyReplace(); err != nil {
		return err
	}
	return os.Remove(path)
}

// sweepTemps removes TempPrefix files directly under dir. Subdirectories
// are not descended; watch and scan register each media directory
// explicitly.
func sweepTemps(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), TempPrefix) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err == nil {
			removed++
		}
	}
	return removed
}
