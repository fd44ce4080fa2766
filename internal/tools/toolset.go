// SPDX-License-Identifier: MIT

// Package tools abstracts the external media tools behind a uniform adapter
// contract: an introspector (ffprobe), an in-place metadata editor
// (mkvpropedit), remuxers (mkvmerge, ffmpeg stream copy) and a transcoder
// (ffmpeg). The tools are consumed as black-box executables; only their
// invocation contract and exit-code semantics matter here.
package tools

import (
	"bufio"
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/vpo-project/vpo/internal/config"
	"github.com/vpo-project/vpo/internal/log"
)

// Toolset holds the discovered tool binaries and ffmpeg capabilities.
type Toolset struct {
	FFmpegBin      string
	FFprobeBin     string
	MkvmergeBin    string
	MkvpropeditBin string

	Encoders map[string]bool
}

// Discover resolves tool binaries (explicit config first, then PATH) and
// enumerates the available ffmpeg encoders. Missing tools leave their field
// empty; routing surfaces specific errors when an absent tool is required.
func Discover(ctx context.Context, cfg config.ToolsConfig) *Toolset {
	ts := &Toolset{
		FFmpegBin:      resolveBin(cfg.FFmpegBin, "ffmpeg"),
		MkvmergeBin:    resolveBin(cfg.MkvmergeBin, "mkvmerge"),
		MkvpropeditBin: resolveBin(cfg.MkvpropeditBin, "mkvpropedit"),
		Encoders:       map[string]bool{},
	}
	ts.FFprobeBin = resolveBin(config.ResolveFFprobeBin(cfg.FFprobeBin, cfg.FFmpegBin), "ffprobe")

	if ts.FFmpegBin != "" {
		ts.Encoders = listEncoders(ctx, ts.FFmpegBin)
	}

	lg := log.WithComponent("tools")
	lg.Info().
		Bool("ffmpeg", ts.FFmpegBin != "").
		Bool("ffprobe", ts.FFprobeBin != "").
		Bool("mkvmerge", ts.MkvmergeBin != "").
		Bool("mkvpropedit", ts.MkvpropeditBin != "").
		Int("encoders", len(ts.Encoders)).
		Msg("tool discovery complete")
	return ts
}

func resolveBin(explicit, name string) string {
	if explicit != "" {
		return explicit
	}
	if path, err := exec.LookPath(name); err == nil {
		return path
	}
	return ""
}

// listEncoders parses `ffmpeg -hide_banner -encoders`. Output lines look like
// " V....D libx264              libx264 H.264 ..." after a fixed header.
func listEncoders(ctx context.Context, ffmpegBin string) map[string]bool {
	out := map[string]bool{}
	res, err := runCommand(ctx, "ffmpeg", ffmpegBin, []string{"-hide_banner", "-encoders"}, 15*time.Second)
	if err != nil {
		return out
	}
	inList := false
	scanner := bufio.NewScanner(strings.NewReader(res.Stdout))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(strings.TrimSpace(line), "------") {
			inList = true
			continue
		}
		if !inList {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) >= 2 {
			out[fields[1]] = true
		}
	}
	return out
}

// HasEncoder reports whether the given ffmpeg encoder is available.
func (ts *Toolset) HasEncoder(name string) bool {
	return ts.Encoders[name]
}

// HasFFmpeg reports transcoder/remux availability.
func (ts *Toolset) HasFFmpeg() bool { return ts.FFmpegBin != "" }

// HasFFprobe reports introspector availability.
func (ts *Toolset) HasFFprobe() bool { return ts.FFprobeBin != "" }

// HasMkvmerge reports Matroska remuxer availability.
func (ts *Toolset) HasMkvmerge() bool { return ts.MkvmergeBin != "" }

// HasMkvpropedit reports in-place metadata editor availability.
func (ts *Toolset) HasMkvpropedit() bool { return ts.MkvpropeditBin != "" }
