// SPDX-License-Identifier: MIT

package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vpo-project/vpo/internal/log"
	"github.com/vpo-project/vpo/internal/media"
	"github.com/vpo-project/vpo/internal/policy"
	"github.com/vpo-project/vpo/internal/policy/eval"
	"github.com/vpo-project/vpo/internal/policy/plan"
)

// Introspector re-scans a file and returns the refreshed snapshot. The
// catalog scanner satisfies it.
type Introspector interface {
	Snapshot(ctx context.Context, path string) (*media.File, media.TrackSet, error)
}

// Sidecars loads the evaluation sidecar data for a snapshot. Nil maps are
// fine.
type Sidecars interface {
	Analyses(ctx context.Context, ts media.TrackSet) (map[int64]*media.LanguageAnalysis, error)
}

// containerTagger exposes the format-level tags from the last probe of a
// path. The catalog scanner satisfies it; other introspectors may not.
type containerTagger interface {
	ContainerTags(path string) map[string]string
}

// Progress receives per-phase progress updates. All callbacks are optional.
type Progress func(phase string, index, total int, fraction float64)

// FileProcessingResult aggregates one file's run through a policy.
type FileProcessingResult struct {
	Path           string
	Success        bool
	PhaseResults   []PhaseResult
	TotalDuration  time.Duration
	TotalChanges   int
	PhasesComplete int
	PhasesFailed   int
	PhasesSkipped  int
	FailedPhase    string
	ErrorMessage   string
}

// Processor iterates a policy's phases over files.
type Processor struct {
	Doc        *policy.Document
	Executor   *Executor
	Introspect Introspector
	Sidecar    Sidecars // optional
	OnProgress Progress // optional
}

// ProcessFile runs every phase of the policy against one file.
func (p *Processor) ProcessFile(ctx context.Context, path string) (*FileProcessingResult, error) {
	start := time.Now()
	res := &FileProcessingResult{Path: path, Success: true}
	logger := log.WithContext(ctx, log.WithComponent("workflow"))

	file, ts, err := p.Introspect.Snapshot(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("process %s: %w", path, err)
	}

	planner := plan.NewPlanner(p.Doc)
	if p.Executor.Tools != nil {
		planner.HasEncoder = p.Executor.Tools.HasEncoder
	}

	modified := map[string]bool{}
	total := len(p.Doc.Phases)
	abort := false

	for i := range p.Doc.Phases {
		phase := &p.Doc.Phases[i]
		p.progress(phase.Name, i, total, 0)

		if abort {
			res.PhaseResults = append(res.PhaseResults, PhaseResult{
				Phase: phase.Name, Skipped: true, SkipReason: "earlier phase failed",
			})
			res.PhasesSkipped++
			continue
		}

		in, err := p.snapshot(ctx, file, ts)
		if err != nil {
			return nil, err
		}

		if skip, reason := planner.Gate(phase, modified, in); skip {
			logger.Debug().Str("phase", phase.Name).Str("reason", reason).Msg("phase skipped")
			res.PhaseResults = append(res.PhaseResults, PhaseResult{
				Phase: phase.Name, Skipped: true, SkipReason: reason, Success: true,
			})
			res.PhasesSkipped++
			p.progress(phase.Name, i, total, 1)
			continue
		}

		onError := phase.OnError
		if onError == "" {
			onError = p.Doc.Config.OnError
		}

		phasePlan, err := planner.PlanPhase(phase, in)
		if err != nil {
			pr := PhaseResult{Phase: phase.Name, Err: err}
			res.PhaseResults = append(res.PhaseResults, pr)
			if !p.phaseFailed(res, phase.Name, err, onError) {
				abort = true
			}
			continue
		}

		pr, execErr := p.Executor.ExecutePhase(ctx, file, ts, phasePlan, onError)
		if pr != nil {
			if execErr != nil && pr.Err == nil {
				pr.Err = execErr
			}
			res.PhaseResults = append(res.PhaseResults, *pr)
			for _, op := range pr.Operations {
				res.TotalChanges += op.ChangesMade
			}
			if pr.Modified {
				modified[phase.Name] = true
				if !p.Executor.DryRun {
					file, ts, err = p.Introspect.Snapshot(ctx, file.Path)
					if err != nil {
						return nil, fmt.Errorf("re-introspect %s: %w", path, err)
					}
				}
			}
		}
		if execErr != nil {
			if !p.phaseFailed(res, phase.Name, execErr, onError) {
				abort = true
			}
			continue
		}
		res.PhasesComplete++
		p.progress(phase.Name, i, total, 1)
	}

	res.TotalDuration = time.Since(start)
	return res, nil
}

// phaseFailed records a failure and reports whether processing continues.
func (p *Processor) phaseFailed(res *FileProcessingResult, phase string, err error, onError policy.OnError) bool {
	res.PhasesFailed++
	lg := log.WithComponent("workflow")
	lg.Error().Err(err).Str("phase", phase).Msg("phase failed")
	if effective(onError) == policy.OnErrorFail {
		res.Success = false
		res.FailedPhase = phase
		res.ErrorMessage = err.Error()
		return false
	}
	return true
}

func (p *Processor) progress(phase string, i, total int, fraction float64) {
	if p.OnProgress != nil {
		p.OnProgress(phase, i, total, fraction)
	}
}

func (p *Processor) snapshot(ctx context.Context, file *media.File, ts media.TrackSet) (*eval.Input, error) {
	in := &eval.Input{File: file, Tracks: ts}
	if ct, ok := p.Introspect.(containerTagger); ok {
		in.Container = ct.ContainerTags(file.Path)
	}
	if p.Sidecar != nil {
		analyses, err := p.Sidecar.Analyses(ctx, ts)
		if err != nil {
			return nil, fmt.Errorf("load analyses: %w", err)
		}
		in.Analyses = analyses
	}
	return in, nil
}

// ErrBatchStopped reports a batch aborted by a failing file.
var ErrBatchStopped = errors.New("batch stopped on failing file")

// ProcessBatch runs the policy over several files. With global on-error fail,
// the first failing file stops the batch.
func (p *Processor) ProcessBatch(ctx context.Context, paths []string) ([]*FileProcessingResult, error) {
	var out []*FileProcessingResult
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		res, err := p.ProcessFile(ctx, path)
		if err != nil {
			return out, err
		}
		out = append(out, res)
		if !res.Success && effective(p.Doc.Config.OnError) == policy.OnErrorFail {
			return out, fmt.Errorf("%w: %s", ErrBatchStopped, path)
		}
	}
	return out, nil
}
