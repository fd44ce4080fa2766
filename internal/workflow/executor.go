// SPDX-License-Identifier: MIT

// Package workflow executes planned phases against real files and iterates
// the phases of one policy for one file.
package workflow

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/vpo-project/vpo/internal/log"
	"github.com/vpo-project/vpo/internal/media"
	"github.com/vpo-project/vpo/internal/policy"
	"github.com/vpo-project/vpo/internal/policy/plan"
	"github.com/vpo-project/vpo/internal/tools"
)

// BackupSuffix is appended to the original path while a phase mutates it.
const BackupSuffix = ".vpo-backup"

// Toolbox abstracts the tool adapters so the executor can be tested without
// external binaries.
type Toolbox interface {
	Route(shape tools.PlanShape, container string) (tools.Route, error)
	Remux(ctx context.Context, path string, tracks media.TrackSet, spec tools.RemuxSpec) error
	EditMetadata(ctx context.Context, path string, edit tools.MetadataEdit) error
	Transcode(ctx context.Context, path string, spec tools.TranscodeSpec, onTick func(tools.ProgressTick)) error
	HasEncoder(name string) bool
}

// LiveToolbox dispatches to the discovered external tools.
type LiveToolbox struct {
	Toolset    *tools.Toolset
	Remuxer    *tools.Remuxer
	MetaEditor *tools.MetadataEditor
	Transcoder *tools.Transcoder
}

// NewToolbox wires the adapters over one discovered toolset.
func NewToolbox(ts *tools.Toolset) *LiveToolbox {
	return &LiveToolbox{
		Toolset:    ts,
		Remuxer:    tools.NewRemuxer(ts),
		MetaEditor: tools.NewMetadataEditor(ts.MkvpropeditBin),
		Transcoder: tools.NewTranscoder(ts.FFmpegBin),
	}
}

func (tb *LiveToolbox) Route(shape tools.PlanShape, container string) (tools.Route, error) {
	return tools.SelectRoute(tb.Toolset, shape, container)
}

func (tb *LiveToolbox) Remux(ctx context.Context, path string, tracks media.TrackSet, spec tools.RemuxSpec) error {
	_, err := tb.Remuxer.Remux(ctx, path, tracks, spec)
	return err
}

func (tb *LiveToolbox) EditMetadata(ctx context.Context, path string, edit tools.MetadataEdit) error {
	_, err := tb.MetaEditor.Apply(ctx, path, edit)
	return err
}

func (tb *LiveToolbox) Transcode(ctx context.Context, path string, spec tools.TranscodeSpec, onTick func(tools.ProgressTick)) error {
	_, err := tb.Transcoder.Run(ctx, path, spec, onTick)
	return err
}

func (tb *LiveToolbox) HasEncoder(name string) bool { return tb.Toolset.HasEncoder(name) }

// OperationResult records one executed operation of a phase.
type OperationResult struct {
	Name        string
	Success     bool
	ChangesMade int
	Duration    time.Duration
	Message     string
}

// PhaseResult aggregates one phase's execution.
type PhaseResult struct {
	Phase      string
	Skipped    bool
	SkipReason string
	Success    bool
	Modified   bool
	Duration   time.Duration
	Operations []OperationResult
	Warnings   []string
	Err        error

	// transcode facts for the statistics collector, populated when the
	// phase re-encoded streams
	VideoTargetCodec  string
	VideoEncoderClass string // "hardware" or "software"
	AudioTranscoded   int
	AudioPreserved    int
}

// PhaseExecutionError wraps a failed operation with its phase context.
type PhaseExecutionError struct {
	Phase     string
	Operation string
	Message   string
	Cause     error
}

func (e *PhaseExecutionError) Error() string {
	return fmt.Sprintf("phase %s: operation %s: %s", e.Phase, e.Operation, e.Message)
}

func (e *PhaseExecutionError) Unwrap() error { return e.Cause }

// Executor carries one phase's plan out against the file.
type Executor struct {
	Tools   Toolbox
	DryRun  bool
	Threads int // transcoder thread count, 0 = default
	// OnProgress receives transcode progress ticks; may be nil.
	OnProgress func(tools.ProgressTick)
}

type operation struct {
	name string
	run  func(ctx context.Context) (int, error)
}

// ExecutePhase runs the plan's operations in canonical order. A backup is
// written before the first mutation and restored if an operation fails after
// the file was modified.
func (e *Executor) ExecutePhase(ctx context.Context, file *media.File, ts media.TrackSet, pl *plan.Plan, onError policy.OnError) (*PhaseResult, error) {
	res := &PhaseResult{Phase: pl.Phase, Success: true, Warnings: pl.Warnings}
	started := time.Now()
	defer func() { res.Duration = time.Since(started) }()
	if pl.Empty() {
		return res, nil
	}

	logger := log.WithComponent("workflow")

	var mtime time.Time
	if pl.PreserveMTime {
		if info, err := os.Stat(file.Path); err == nil {
			mtime = info.ModTime()
		}
	}

	if !e.DryRun {
		if err := copyFile(file.Path, file.Path+BackupSuffix); err != nil {
			return nil, fmt.Errorf("phase %s: backup: %w", pl.Phase, err)
		}
	}

	ops := e.buildOperations(file, ts, pl, res)
	failed := false
	for _, op := range ops {
		start := time.Now()
		changes, err := 0, error(nil)
		if !e.DryRun {
			changes, err = op.run(ctx)
		} else {
			changes = 1
		}
		opRes := OperationResult{
			Name:        op.name,
			Success:     err == nil,
			ChangesMade: changes,
			Duration:    time.Since(start),
		}
		if err != nil {
			opRes.Message = err.Error()
		}
		res.Operations = append(res.Operations, opRes)
		if err == nil {
			if changes > 0 && !e.DryRun {
				res.Modified = true
			}
			continue
		}

		logger.Error().Err(err).Str("phase", pl.Phase).Str("operation", op.name).Msg("operation failed")
		switch effective(onError) {
		case policy.OnErrorContinue:
			continue
		case policy.OnErrorSkip:
			failed = true
		default: // fail
			perr := &PhaseExecutionError{Phase: pl.Phase, Operation: op.name, Message: err.Error(), Cause: err}
			e.rollback(file, res, logger)
			res.Success = false
			res.Err = perr
			return res, perr
		}
		if failed {
			break
		}
	}

	if pl.PreserveMTime && !mtime.IsZero() && !e.DryRun {
		if err := os.Chtimes(file.Path, time.Now(), mtime); err != nil {
			logger.Warn().Err(err).Str("path", file.Path).Msg("could not restore mtime")
		}
	}

	if !e.DryRun {
		if err := os.Remove(file.Path + BackupSuffix); err != nil && !os.IsNotExist(err) {
			logger.Warn().Err(err).Str("path", file.Path).Msg("could not remove backup")
		}
	}
	return res, nil
}

// effective applies the on-error default.
func effective(mode policy.OnError) policy.OnError {
	if mode == "" {
		return policy.OnErrorFail
	}
	return mode
}

// rollback restores the original from its backup after a failed mutation.
// When nothing was modified yet the backup is simply discarded; nothing
// sweeps .vpo-backup files later.
func (e *Executor) rollback(file *media.File, res *PhaseResult, logger zerolog.Logger) {
	if e.DryRun {
		return
	}
	backup := file.Path + BackupSuffix
	if !res.Modified {
		_ = os.Remove(backup)
		return
	}
	if err := copyFile(backup, file.Path); err != nil {
		logger.Error().Err(err).Str("path", file.Path).Msg("rollback from backup failed")
		return
	}
	_ = os.Remove(backup)
	logger.Info().Str("path", file.Path).Msg("restored file from backup")
}

// buildOperations materialises the plan as an ordered operation list:
// structural rewrite, metadata edits, then transcode work. The transcode
// operation records its stream facts on res once it succeeds.
func (e *Executor) buildOperations(file *media.File, ts media.TrackSet, pl *plan.Plan, res *PhaseResult) []operation {
	var ops []operation

	removals := pl.Removals()
	structural := pl.ContainerTarget != "" || len(removals) > 0 || pl.Order != nil
	if structural {
		ops = append(ops, operation{
			name: structuralName(pl),
			run: func(ctx context.Context) (int, error) {
				shape := tools.PlanShape{
					ChangesContainer: pl.ContainerTarget != "",
					TargetContainer:  pl.ContainerTarget,
					RemovesTracks:    len(removals) > 0,
					ReordersTracks:   pl.Order != nil,
				}
				if _, err := e.Tools.Route(shape, file.Container); err != nil {
					return 0, err
				}
				spec := tools.RemuxSpec{
					TargetContainer: containerExt(pl.ContainerTarget),
					Order:           pl.Order,
				}
				if len(removals) > 0 {
					spec.KeepTracks = pl.KeepIndices(ts)
				}
				if err := e.Tools.Remux(ctx, file.Path, ts, spec); err != nil {
					return 0, err
				}
				changes := len(removals)
				if pl.ContainerTarget != "" {
					changes++
				}
				if pl.Order != nil {
					changes++
				}
				return changes, nil
			},
		})
	}

	if len(pl.Edits) > 0 {
		ops = append(ops, operation{
			name: "metadata",
			run: func(ctx context.Context) (int, error) {
				if !structural {
					if _, err := e.Tools.Route(tools.PlanShape{}, file.Container); err != nil {
						return 0, err
					}
				}
				edit := tools.MetadataEdit{}
				for _, pe := range pl.Edits {
					te := tools.TrackEdit{
						TrackIndex: pe.TrackIndex,
						SetDefault: pe.SetDefault,
						SetForced:  pe.SetForced,
					}
					if pe.SetLanguage != "" {
						l := pe.SetLanguage
						te.SetLanguage = &l
					}
					edit.Tracks = append(edit.Tracks, te)
				}
				if err := e.Tools.EditMetadata(ctx, file.Path, edit); err != nil {
					return 0, err
				}
				return len(pl.Edits), nil
			},
		})
	}

	if pl.Video != nil || len(pl.Syntheses) > 0 || len(pl.AudioTranscodes) > 0 {
		ops = append(ops, operation{
			name: "transcode",
			run: func(ctx context.Context) (int, error) {
				spec, changes, err := e.buildTranscodeSpec(ts, pl)
				if err != nil {
					return 0, err
				}
				if err := e.Tools.Transcode(ctx, file.Path, spec, e.OnProgress); err != nil {
					return 0, err
				}
				if v := pl.Video; v != nil && v.NeedsTranscode {
					res.VideoTargetCodec = plan.CanonicalCodec(v.TargetCodec)
					res.VideoEncoderClass = encoderClass(spec.VideoEncoder)
				}
				for _, a := range spec.Audio {
					if a.Encoder == "" || a.Encoder == "copy" {
						res.AudioPreserved++
					} else {
						res.AudioTranscoded++
					}
				}
				return changes, nil
			},
		})
	}

	if len(pl.Transcription) > 0 {
		indices := pl.Transcription
		ops = append(ops, operation{
			name: "transcription",
			run: func(context.Context) (int, error) {
				// Analysis itself runs out of process; the schedule is recorded
				// for the worker to pick up.
				lg := log.WithComponent("workflow")
				lg.Info().
					Ints("tracks", indices).
					Msg("language analysis requested")
				return 0, nil
			},
		})
	}

	return ops
}

// encoderClass folds a concrete encoder name into the hardware/software
// split the statistics keep.
func encoderClass(name string) string {
	if strings.HasSuffix(name, "_nvenc") {
		return "hardware"
	}
	return "software"
}

func structuralName(pl *plan.Plan) string {
	switch {
	case pl.ContainerTarget != "":
		return "container"
	case len(pl.Removals()) > 0:
		return "track_filter"
	default:
		return "track_order"
	}
}

// containerExt maps the normalised container name to the extension the
// remuxer expects.
func containerExt(container string) string {
	switch container {
	case "matroska":
		return "mkv"
	case "":
		return ""
	default:
		return container
	}
}

// buildTranscodeSpec folds the plan's video decision, audio re-encodes and
// syntheses into one transcoder invocation.
func (e *Executor) buildTranscodeSpec(ts media.TrackSet, pl *plan.Plan) (tools.TranscodeSpec, int, error) {
	spec := tools.TranscodeSpec{KeepSubtitles: true, Threads: e.Threads}
	changes := 0

	if v := pl.Video; v != nil && v.NeedsTranscode {
		encoder, err := e.pickVideoEncoder(v)
		if err != nil {
			return spec, 0, err
		}
		spec.VideoEncoder = encoder
		spec.CRF = v.CRF
		if v.NeedsScale {
			spec.ScaleWidth = v.TargetWidth
			spec.ScaleHeight = v.TargetHeight
		}
		spec.ExtraVideoArgs = v.PreservationArgs
		changes++
	}

	reencode := map[int]plan.AudioTranscode{}
	for _, at := range pl.AudioTranscodes {
		reencode[at.TrackIndex] = at
		changes++
	}

	kept := map[int]bool{}
	for _, idx := range pl.KeepIndices(ts) {
		kept[idx] = true
	}
	for _, t := range ts.Audio() {
		if !kept[t.TrackIndex] {
			continue
		}
		op := tools.AudioOp{SourceIndex: t.TrackIndex}
		if at, ok := reencode[t.TrackIndex]; ok {
			op.Encoder = plan.EncoderFor(at.TargetCodec)
			op.BitrateKbps = at.BitrateKbps
		}
		spec.Audio = append(spec.Audio, op)
	}

	// Syntheses insert at their resolved 1-based audio positions.
	synths := append([]plan.Synthesis(nil), pl.Syntheses...)
	sort.SliceStable(synths, func(i, j int) bool { return synths[i].InsertAt < synths[j].InsertAt })
	for _, s := range synths {
		op := tools.AudioOp{
			SourceIndex: s.SourceIndex,
			Encoder:     s.Encoder,
			Channels:    s.Channels,
			BitrateKbps: s.BitrateKbps,
			Language:    s.Language,
			Title:       s.Title,
		}
		pos := s.InsertAt - 1
		if pos < 0 || pos > len(spec.Audio) {
			pos = len(spec.Audio)
		}
		spec.Audio = append(spec.Audio[:pos], append([]tools.AudioOp{op}, spec.Audio[pos:]...)...)
		changes++
	}

	return spec, changes, nil
}

// pickVideoEncoder resolves the policy's encoder preference against the
// discovered encoder set. "auto" prefers hardware when available.
func (e *Executor) pickVideoEncoder(v *plan.VideoDecision) (string, error) {
	codec := plan.CanonicalCodec(v.TargetCodec)
	software, hardware := "", ""
	switch codec {
	case "hevc":
		software, hardware = "libx265", "hevc_nvenc"
	case "h264":
		software, hardware = "libx264", "h264_nvenc"
	case "av1":
		software, hardware = "libsvtav1", "av1_nvenc"
	default:
		return "", fmt.Errorf("no known encoder for video codec %q", v.TargetCodec)
	}

	switch v.Encoder {
	case "hardware":
		if !e.Tools.HasEncoder(hardware) {
			return "", &tools.UnavailableError{Tool: hardware, Purpose: "hardware video encoding"}
		}
		return hardware, nil
	case "software", "":
		if !e.Tools.HasEncoder(software) {
			return "", &tools.UnavailableError{Tool: software, Purpose: "video encoding"}
		}
		return software, nil
	default: // auto
		if e.Tools.HasEncoder(hardware) {
			return hardware, nil
		}
		if e.Tools.HasEncoder(software) {
			return software, nil
		}
		return "", &tools.UnavailableError{Tool: software, Purpose: "video encoding"}
	}
}

// copyFile copies src to dst preserving the mode.
func copyFile(src, dst string) error {
	in, err := os.Open(src) // #nosec G304
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm()) // #nosec G304
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
