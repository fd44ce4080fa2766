// SPDX-License-Identifier: MIT

package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vpo-project/vpo/internal/log"
	"github.com/vpo-project/vpo/internal/media"
)

// RemuxSpec describes a stream-copy rewrite of one file: dropping tracks,
// reordering them, or changing the container, without transcoding.
type RemuxSpec struct {
	// TargetContainer is the destination container ("mkv", "mp4", ...).
	// Empty keeps the source container.
	TargetContainer string
	// KeepTracks lists the zero-based track indices to keep. Nil keeps all.
	KeepTracks []int
	// Order lists the kept track indices in their final order. Nil keeps the
	// source order.
	Order []int
}

// Remuxer rewrites containers by stream copy. Matroska targets go through
// mkvmerge; everything else through ffmpeg -c copy. The rewrite is atomic:
// output goes to a temp sibling which is fsynced and renamed over the
// original on success.
type Remuxer struct {
	MkvmergeBin string
	FFmpegBin   string
	Timeout     time.Duration
}

// NewRemuxer returns a remuxer over the discovered binaries.
func NewRemuxer(ts *Toolset) *Remuxer {
	return &Remuxer{
		MkvmergeBin: ts.MkvmergeBin,
		FFmpegBin:   ts.FFmpegBin,
		Timeout:     4 * time.Hour,
	}
}

// TempPath returns the transient sibling used during a remux of path.
func TempPath(path string) string {
	dir, name := filepath.Split(path)
	return filepath.Join(dir, ".vpo_temp_"+name)
}

// Remux rewrites path according to spec. The caller owns the `.vpo-backup`
// sibling; on any failure the temp output is removed and the original is left
// untouched.
func (r *Remuxer) Remux(ctx context.Context, path string, tracks media.TrackSet, spec RemuxSpec) (CommandResult, error) {
	target := spec.TargetContainer
	if target == "" {
		target = strings.TrimPrefix(filepath.Ext(path), ".")
	}

	tmp := TempPath(path)
	if target != "" {
		tmp += "." + target
	}

	var res CommandResult
	var err error
	if isMatroska(target) {
		if r.MkvmergeBin == "" {
			return CommandResult{}, &UnavailableError{Tool: "mkvmerge", Purpose: "Matroska remuxing"}
		}
		res, err = runCommand(ctx, "mkvmerge", r.MkvmergeBin, r.mkvmergeArgs(path, tmp, tracks, spec), r.Timeout)
	} else {
		if r.FFmpegBin == "" {
			return CommandResult{}, &UnavailableError{Tool: "ffmpeg", Purpose: "container remuxing"}
		}
		res, err = runCommand(ctx, "ffmpeg", r.FFmpegBin, r.ffmpegArgs(path, tmp, spec), r.Timeout)
	}
	if err != nil {
		_ = os.Remove(tmp)
		return res, err
	}

	if err := swapInPlace(tmp, path, target); err != nil {
		_ = os.Remove(tmp)
		return res, err
	}
	return res, nil
}

// swapInPlace fsyncs the temp output and renames it over the original. When
// the container changed, the final path gets the new extension and the old
// file is removed.
func swapInPlace(tmp, original, target string) error {
	f, err := os.Open(tmp) // #nosec G304
	if err != nil {
		return fmt.Errorf("remux output missing: %w", err)
	}
	syncErr := f.Sync()
	_ = f.Close()
	if syncErr != nil {
		return fmt.Errorf("fsync remux output: %w", syncErr)
	}

	final := original
	if target != "" {
		ext := "." + target
		if !strings.EqualFold(filepath.Ext(original), ext) {
			final = strings.TrimSuffix(original, filepath.Ext(original)) + ext
		}
	}

	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("swap remux output: %w", err)
	}
	if final != original {
		if err := os.Remove(original); err != nil && !os.IsNotExist(err) {
			lg := log.WithComponent("tools")
			lg.Warn().Err(err).Str("path", original).Msg("could not remove pre-remux original")
		}
	}
	return nil
}

func isMatroska(container string) bool {
	switch strings.ToLower(container) {
	case "mkv", "mka", "mks", "matroska", "webm":
		return true
	}
	return false
}

// mkvmergeArgs builds the selection and ordering flags. mkvmerge selects per
// stream class (-a/-d/-s) and orders with --track-order.
func (r *Remuxer) mkvmergeArgs(in, out string, tracks media.TrackSet, spec RemuxSpec) []string {
	args := []string{"-o", out}

	if spec.KeepTracks != nil {
		keep := map[int]bool{}
		for _, idx := range spec.KeepTracks {
			keep[idx] = true
		}
		var audio, video, subs []string
		keepAttachments := false
		for _, tr := range tracks.Tracks {
			if !keep[tr.TrackIndex] {
				continue
			}
			id := fmt.Sprintf("%d", tr.TrackIndex)
			switch tr.Type {
			case media.TrackAudio:
				audio = append(audio, id)
			case media.TrackVideo:
				video = append(video, id)
			case media.TrackSubtitle:
				subs = append(subs, id)
			case media.TrackAttachment:
				keepAttachments = true
			}
		}
		if len(audio) > 0 {
			args = append(args, "-a", strings.Join(audio, ","))
		} else {
			args = append(args, "-A")
		}
		if len(video) > 0 {
			args = append(args, "-d", strings.Join(video, ","))
		} else {
			args = append(args, "-D")
		}
		if len(subs) > 0 {
			args = append(args, "-s", strings.Join(subs, ","))
		} else {
			args = append(args, "-S")
		}
		if !keepAttachments {
			args = append(args, "-M")
		}
	}

	if spec.Order != nil {
		parts := make([]string, 0, len(spec.Order))
		for _, idx := range spec.Order {
			parts = append(parts, fmt.Sprintf("0:%d", idx))
		}
		args = append(args, "--track-order", strings.Join(parts, ","))
	}

	return append(args, in)
}

// ffmpegArgs builds a stream-copy invocation with explicit -map selection.
func (r *Remuxer) ffmpegArgs(in, out string, spec RemuxSpec) []string {
	args := []string{"-hide_banner", "-y", "-i", in}

	switch {
	case spec.Order != nil:
		for _, idx := range spec.Order {
			args = append(args, "-map", fmt.Sprintf("0:%d", idx))
		}
	case spec.KeepTracks != nil:
		for _, idx := range spec.KeepTracks {
			args = append(args, "-map", fmt.Sprintf("0:%d", idx))
		}
	default:
		args = append(args, "-map", "0")
	}

	return append(args, "-c", "copy", out)
}
