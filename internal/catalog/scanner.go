// SPDX-License-Identifier: MIT

package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vpo-project/vpo/internal/log"
	"github.com/vpo-project/vpo/internal/media"
	"github.com/vpo-project/vpo/internal/tools"
)

// mediaExtensions gates which files a directory scan picks up.
var mediaExtensions = map[string]bool{
	".mkv": true, ".mp4": true, ".m4v": true, ".avi": true,
	".mov": true, ".webm": true, ".ts": true, ".mpg": true,
}

// IsMediaPath reports whether the path looks like a scannable media file.
func IsMediaPath(path string) bool {
	return mediaExtensions[strings.ToLower(filepath.Ext(path))]
}

// Scanner runs the introspection pipeline: probe a file, upsert its catalog
// row and replace its tracks wholesale.
type Scanner struct {
	store  *Store
	prober *tools.Prober

	mu   sync.Mutex
	tags map[string]map[string]string // container tags by path, last probe
}

// NewScanner wires a scanner over the catalog store and the introspector.
func NewScanner(store *Store, prober *tools.Prober) *Scanner {
	return &Scanner{store: store, prober: prober, tags: map[string]map[string]string{}}
}

// ScanFile (re)introspects one file. On probe failure the file row is still
// recorded with scan_status=error and the prior track set is left intact.
func (s *Scanner) ScanFile(ctx context.Context, path string) (*media.File, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("scan: resolve %s: %w", path, err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("scan: stat: %w", err)
	}

	f := &media.File{
		Path:      abs,
		Filename:  filepath.Base(abs),
		Directory: filepath.Dir(abs),
		Extension: strings.ToLower(filepath.Ext(abs)),
		Size:      info.Size(),
		ModTime:   info.ModTime().UTC(),
		ScanTime:  time.Now().UTC(),
	}

	if hash, err := media.PartialHash(abs); err == nil {
		f.PartialHash = hash
	} else {
		lg := log.WithComponent("catalog")
		lg.Warn().Err(err).Str("path", abs).Msg("partial hash failed")
	}

	probe, probeErr := s.prober.Probe(ctx, abs)
	if probeErr != nil {
		f.ScanStatus = media.ScanError
		f.ScanError = probeErr.Error()
		if _, err := s.store.UpsertFile(ctx, f); err != nil {
			return nil, err
		}
		return f, fmt.Errorf("scan %s: %w", abs, probeErr)
	}

	f.Container = probe.Container
	f.ScanStatus = media.ScanOK
	s.mu.Lock()
	s.tags[abs] = probe.Tags
	s.mu.Unlock()

	if _, err := s.store.UpsertFile(ctx, f); err != nil {
		return nil, err
	}
	for i := range probe.Tracks {
		probe.Tracks[i].FileID = f.ID
	}
	if err := s.store.ReplaceTracks(ctx, f.ID, probe.Tracks); err != nil {
		return nil, fmt.Errorf("scan %s: replace tracks: %w", abs, err)
	}

	lg := log.WithComponent("catalog")
	lg.Info().
		Str("path", abs).
		Str("container", f.Container).
		Int("tracks", len(probe.Tracks)).
		Msg("scanned")
	return f, nil
}

// Snapshot re-introspects the file and returns the persisted state. It is
// the workflow's view of one file.
func (s *Scanner) Snapshot(ctx context.Context, path string) (*media.File, media.TrackSet, error) {
	f, err := s.ScanFile(ctx, path)
	if err != nil {
		return nil, media.TrackSet{}, err
	}
	ts, err := s.store.GetTracks(ctx, f.ID)
	if err != nil {
		return nil, media.TrackSet{}, err
	}
	return f, ts, nil
}

// ContainerTags returns the format-level tags seen on the most recent
// probe of path. Nil when the path was never probed this process.
func (s *Scanner) ContainerTags(path string) map[string]string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tags[abs]
}

// Analyses loads the cached language analyses for a track set.
func (s *Scanner) Analyses(ctx context.Context, ts media.TrackSet) (map[int64]*media.LanguageAnalysis, error) {
	ids := make([]int64, 0, len(ts.Tracks))
	for _, t := range ts.Tracks {
		if t.Type == media.TrackAudio {
			ids = append(ids, t.ID)
		}
	}
	return s.store.LanguageAnalysisByTrack(ctx, ids)
}

// ScanDir walks root and scans every media file, with bounded parallelism.
// It returns the number of files scanned and the first error per file is
// logged, not fatal.
func (s *Scanner) ScanDir(ctx context.Context, root string, parallelism int) (int, error) {
	if parallelism <= 0 {
		parallelism = 4
	}

	var paths []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if IsMediaPath(path) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan: walk %s: %w", root, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	scanned := 0
	results := make(chan bool, len(paths))
	for _, path := range paths {
		g.Go(func() error {
			if _, err := s.ScanFile(gctx, path); err != nil {
				lg := log.WithComponent("catalog")
				lg.Warn().Err(err).Str("path", path).Msg("scan failed")
				results <- false
				return nil
			}
			results <- true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return scanned, err
	}
	close(results)
	for ok := range results {
		if ok {
			scanned++
		}
	}
	return scanned, nil
}
