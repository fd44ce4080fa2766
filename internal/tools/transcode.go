// SPDX-License-Identifier: MIT

package tools

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/vpo-project/vpo/internal/log"
)

// AudioOp is one output audio stream of a transcode: either a straight copy
// or a re-encode (synthesis/downmix).
type AudioOp struct {
	SourceIndex int
	Encoder     string // "" or "copy" = stream copy
	Channels    int    // 0 = keep source layout
	BitrateKbps int    // 0 = encoder default / lossless
	Language    string
	Title       string
}

// TranscodeSpec is the materialised decision object for one ffmpeg run.
type TranscodeSpec struct {
	// VideoEncoder re-encodes the video stream when set ("libx265",
	// "hevc_nvenc", ...). Empty copies the stream.
	VideoEncoder string
	CRF          int
	ScaleWidth   int // 0 = no scaling
	ScaleHeight  int
	// ExtraVideoArgs carries codec-specific arguments, e.g. HDR preservation.
	ExtraVideoArgs []string

	Audio []AudioOp

	// KeepSubtitles stream-copies all subtitle tracks (default true behaviour
	// is expressed by the planner always setting it).
	KeepSubtitles bool

	Threads int // 0 = ffmpeg default
}

// Transcoder re-encodes video and/or audio per a TranscodeSpec, streaming
// progress ticks to the caller.
type Transcoder struct {
	Bin     string
	Timeout time.Duration
}

// NewTranscoder returns a transcoder for the given ffmpeg binary.
func NewTranscoder(bin string) *Transcoder {
	return &Transcoder{Bin: bin, Timeout: 12 * time.Hour}
}

// Run executes the transcode from path to the temp sibling and swaps it over
// the original on success. onTick receives each parsed progress block; it may
// be nil.
func (t *Transcoder) Run(ctx context.Context, path string, spec TranscodeSpec, onTick func(ProgressTick)) (CommandResult, error) {
	if t.Bin == "" {
		return CommandResult{}, &UnavailableError{Tool: "ffmpeg", Purpose: "transcoding"}
	}

	ext := strings.TrimPrefix(strings.ToLower(pathExt(path)), ".")
	tmp := TempPath(path) + "." + ext

	args := t.buildArgs(path, tmp, spec)
	res, err := t.runWithProgress(ctx, args, onTick)
	if err != nil {
		_ = os.Remove(tmp)
		return res, err
	}
	if err := swapInPlace(tmp, path, ""); err != nil {
		_ = os.Remove(tmp)
		return res, err
	}
	return res, nil
}

func pathExt(path string) string {
	if i := strings.LastIndexByte(path, '.'); i >= 0 {
		return path[i:]
	}
	return ""
}

func (t *Transcoder) buildArgs(in, out string, spec TranscodeSpec) []string {
	args := []string{
		"-hide_banner", "-nostats", "-y",
		"-progress", "pipe:1",
		"-i", in,
		"-map", "0:v:0",
	}

	for _, a := range spec.Audio {
		args = append(args, "-map", fmt.Sprintf("0:%d", a.SourceIndex))
	}
	if spec.KeepSubtitles {
		args = append(args, "-map", "0:s?")
	}

	if spec.VideoEncoder == "" {
		args = append(args, "-c:v", "copy")
	} else {
		args = append(args, "-c:v", spec.VideoEncoder)
		if spec.CRF > 0 {
			args = append(args, "-crf", fmt.Sprintf("%d", spec.CRF))
		}
		if spec.ScaleWidth > 0 && spec.ScaleHeight > 0 {
			args = append(args, "-vf", fmt.Sprintf("scale=%d:%d", spec.ScaleWidth, spec.ScaleHeight))
		}
		args = append(args, spec.ExtraVideoArgs...)
	}

	for i, a := range spec.Audio {
		stream := fmt.Sprintf("a:%d", i)
		if a.Encoder == "" || a.Encoder == "copy" {
			args = append(args, "-c:"+stream, "copy")
			continue
		}
		args = append(args, "-c:"+stream, a.Encoder)
		if a.Channels > 0 {
			args = append(args, "-ac:"+stream, fmt.Sprintf("%d", a.Channels))
		}
		if a.BitrateKbps > 0 {
			args = append(args, "-b:"+stream, fmt.Sprintf("%dk", a.BitrateKbps))
		}
		if a.Language != "" {
			args = append(args, fmt.Sprintf("-metadata:s:%s", stream), "language="+a.Language)
		}
		if a.Title != "" {
			args = append(args, fmt.Sprintf("-metadata:s:%s", stream), "title="+a.Title)
		}
	}

	if spec.KeepSubtitles {
		args = append(args, "-c:s", "copy")
	}
	if spec.Threads > 0 {
		args = append(args, "-threads", fmt.Sprintf("%d", spec.Threads))
	}

	return append(args, out)
}

// runWithProgress runs ffmpeg reading stdout line-wise through the progress
// parser. Stderr is captured into the result for diagnostics.
func (t *Transcoder) runWithProgress(ctx context.Context, args []string, onTick func(ProgressTick)) (CommandResult, error) {
	if t.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, t.Bin, args...) // #nosec G204
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 5 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return CommandResult{}, &ToolError{Tool: "ffmpeg", Err: err, ExitCode: -1}
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr

	logger := log.WithComponent("tools")
	logger.Debug().Strs("args", args).Msg("starting transcode")

	start := time.Now()
	if err := cmd.Start(); err != nil {
		invokeTotal.WithLabelValues("ffmpeg", "error").Inc()
		return CommandResult{}, &ToolError{Tool: "ffmpeg", Err: err, ExitCode: -1}
	}

	var parser ProgressParser
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		tick, complete := parser.Feed(scanner.Text())
		if complete && onTick != nil {
			onTick(tick)
		}
	}

	waitErr := cmd.Wait()
	res := CommandResult{
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if waitErr == nil {
		invokeTotal.WithLabelValues("ffmpeg", "ok").Inc()
		return res, nil
	}

	timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
	} else {
		res.ExitCode = -1
	}
	reason := "error"
	if timedOut {
		reason = "timeout"
	}
	invokeTotal.WithLabelValues("ffmpeg", reason).Inc()

	return res, &ToolError{
		Tool:     "ffmpeg",
		ExitCode: res.ExitCode,
		Stderr:   res.Stderr,
		Timeout:  timedOut,
		Err:      waitErr,
	}
}
