// SPDX-License-Identifier: MIT

package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"golang.org/x/time/rate"

	"github.com/vpo-project/vpo/internal/catalog"
	"github.com/vpo-project/vpo/internal/joblog"
	"github.com/vpo-project/vpo/internal/log"
	"github.com/vpo-project/vpo/internal/policy"
	"github.com/vpo-project/vpo/internal/queue"
	"github.com/vpo-project/vpo/internal/stats"
	"github.com/vpo-project/vpo/internal/tools"
	"github.com/vpo-project/vpo/internal/workflow"
)

// runJob executes one claimed job end to end and releases it. Panics and
// errors are contained per job; the drain loop keeps going.
func (w *Worker) runJob(ctx context.Context, job *queue.Job) {
	logger := w.logger.With().Str("job", job.ID).Str("type", string(job.Type)).Logger()
	logger.Info().Str("file", job.FilePath).Msg("job claimed")

	jl, err := joblog.NewWriter(w.Cfg.LogsDir(), job.ID)
	if err != nil {
		logger.Warn().Err(err).Msg("job log unavailable, continuing without")
	} else {
		defer jl.Close()
		if err := w.Queue.SetLogPath(ctx, job.ID, jl.RelPath()); err != nil {
			logger.Warn().Err(err).Msg("log path not recorded")
		}
		jl.WriteHeader(string(job.Type), job.FilePath, map[string]string{
			"job_id": job.ID,
			"policy": job.PolicyName,
		})
	}

	ctx = log.ContextWithJobID(ctx, job.ID)
	done := make(chan struct{})
	go w.heartbeat(ctx, job.ID, done)
	start := time.Now()

	var summary string
	var jobErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				jobErr = fmt.Errorf("panic: %v", r)
				logger.Error().Interface("panic", r).Msg("job panicked")
			}
		}()
		summary, jobErr = w.dispatch(ctx, job, jl)
	}()
	close(done)

	terminal := queue.StatusCompleted
	errMsg := ""
	if jobErr != nil {
		terminal = queue.StatusFailed
		errMsg = jobErr.Error()
	}
	if jl != nil {
		if jobErr != nil {
			jl.WriteError("job failed", jobErr)
		}
		jl.WriteFooter(jobErr == nil, time.Since(start))
	}
	if err := w.Queue.Release(ctx, job.ID, terminal, errMsg, "", summary, jobErr == nil); err != nil {
		logger.Error().Err(err).Msg("job release failed")
		return
	}
	jobsProcessed.WithLabelValues(string(terminal)).Inc()
	logger.Info().Str("status", string(terminal)).Dur("took", time.Since(start)).Msg("job released")
}

// dispatch routes a job to its handler and returns the summary JSON.
func (w *Worker) dispatch(ctx context.Context, job *queue.Job, jl *joblog.Writer) (string, error) {
	switch job.Type {
	case queue.JobProcess, queue.JobApply:
		return w.runProcess(ctx, job, jl)
	case queue.JobTranscode:
		return w.runTranscode(ctx, job, jl)
	case queue.JobScan:
		return w.runScan(ctx, job, jl)
	case queue.JobMove:
		return "", fmt.Errorf("move jobs are not implemented")
	default:
		return "", fmt.Errorf("unknown job type %q", job.Type)
	}
}

// progressDetail is the progress_json payload written per transcoder tick.
func progressDetail(tick tools.ProgressTick) map[string]any {
	return map[string]any{
		"frame":            tick.Frame,
		"fps":              tick.FPS,
		"bitrate":          tick.Bitrate,
		"speed":            tick.Speed,
		"out_time_seconds": tick.OutTimeSeconds,
	}
}

// jobSummary is the persisted digest of a processing run.
type jobSummary struct {
	StatsID        string  `json:"stats_id,omitempty"`
	PhasesComplete int     `json:"phases_complete"`
	PhasesFailed   int     `json:"phases_failed"`
	PhasesSkipped  int     `json:"phases_skipped"`
	TotalChanges   int     `json:"total_changes"`
	DurationSec    float64 `json:"duration_seconds"`
	FailedPhase    string  `json:"failed_phase,omitempty"`
}

// runProcess applies the job's policy to its file, streaming progress to
// the queue row and recording statistics.
func (w *Worker) runProcess(ctx context.Context, job *queue.Job, jl *joblog.Writer) (string, error) {
	doc, err := w.loadPolicy(job)
	if err != nil {
		return "", err
	}

	// progress rows are advisory; one write per second is plenty
	limiter := rate.NewLimiter(rate.Every(time.Second), 1)

	exec := &workflow.Executor{
		Tools:   workflow.NewToolbox(w.Toolset),
		Threads: w.Cfg.Worker.CPUCores,
		OnProgress: func(tick tools.ProgressTick) {
			if !limiter.Allow() {
				return
			}
			detail, _ := json.Marshal(progressDetail(tick))
			_ = w.Queue.UpdateProgress(ctx, job.ID, job.ProgressPercent, string(detail))
		},
	}
	proc := &workflow.Processor{
		Doc:        doc,
		Executor:   exec,
		Introspect: w.Scanner,
		Sidecar:    w.Scanner,
		OnProgress: func(phase string, index, total int, fraction float64) {
			if total == 0 || !limiter.Allow() {
				return
			}
			pct := (float64(index) + fraction) / float64(total) * 100
			job.ProgressPercent = pct
			_ = w.Queue.UpdateProgress(ctx, job.ID, pct, "")
		},
	}

	col := stats.NewCollector(job.ID)
	file, ts, err := w.Scanner.Snapshot(ctx, job.FilePath)
	if err != nil {
		return "", fmt.Errorf("introspect %s: %w", job.FilePath, err)
	}
	col.CaptureBefore(file, ts)
	if jl != nil {
		jl.WriteSection("processing " + job.FilePath)
	}

	res, err := proc.ProcessFile(ctx, job.FilePath)
	if err != nil {
		col.SetOutcome(false, 0, len(doc.Phases), err.Error())
		w.persistStats(ctx, col)
		return "", err
	}

	if jl != nil {
		for _, pr := range res.PhaseResults {
			w.logPhase(jl, pr)
		}
	}
	collectPhaseStats(col, res.PhaseResults, file.Size)
	if after, afterTracks, err := w.Scanner.Snapshot(ctx, job.FilePath); err == nil {
		col.CaptureAfter(after, afterTracks)
	}
	col.SetOutcome(res.Success, res.PhasesComplete, len(doc.Phases), res.ErrorMessage)
	w.persistStats(ctx, col)

	summary, _ := json.Marshal(jobSummary{
		StatsID:        col.StatsID(),
		PhasesComplete: res.PhasesComplete,
		PhasesFailed:   res.PhasesFailed,
		PhasesSkipped:  res.PhasesSkipped,
		TotalChanges:   res.TotalChanges,
		DurationSec:    res.TotalDuration.Seconds(),
		FailedPhase:    res.FailedPhase,
	})
	if !res.Success {
		return string(summary), fmt.Errorf("phase %s: %s", res.FailedPhase, res.ErrorMessage)
	}
	return string(summary), nil
}

// collectPhaseStats folds executed phase results into the collector:
// per-operation actions, per-phase timing and the transcode facts.
func collectPhaseStats(col *stats.Collector, results []workflow.PhaseResult, fileSize int64) {
	for _, pr := range results {
		for _, op := range pr.Operations {
			col.AddAction(stats.ActionResult{
				Phase:     pr.Phase,
				Operation: op.Name,
				Success:   op.Success,
				Changes:   op.ChangesMade,
				Duration:  op.Duration,
				Message:   op.Message,
			})
		}
		if pr.Skipped {
			continue
		}
		col.AddPhaseMetric(stats.PhaseMetric{
			Phase:          pr.Phase,
			Duration:       pr.Duration,
			BytesProcessed: fileSize,
		})
		if pr.VideoTargetCodec != "" {
			col.SetVideoTranscode(pr.VideoTargetCodec, stats.EncoderType(pr.VideoEncoderClass))
		}
		if pr.AudioTranscoded+pr.AudioPreserved > 0 {
			col.SetAudioTranscodeCounts(pr.AudioTranscoded, pr.AudioPreserved)
		}
	}
}

func (w *Worker) logPhase(jl *joblog.Writer, pr workflow.PhaseResult) {
	switch {
	case pr.Skipped:
		jl.WriteLine(fmt.Sprintf("phase %s skipped: %s", pr.Phase, pr.SkipReason))
	default:
		jl.WriteSection("phase: " + pr.Phase)
		for _, op := range pr.Operations {
			verdict := "ok"
			if !op.Success {
				verdict = "failed"
			}
			jl.WriteLine(fmt.Sprintf("%s: %s, %d changes (%s)",
				op.Name, verdict, op.ChangesMade, op.Duration.Round(time.Millisecond)))
			if op.Message != "" {
				jl.WriteLine("  " + op.Message)
			}
		}
		for _, warn := range pr.Warnings {
			jl.WriteLine("warning: " + warn)
		}
	}
}

func (w *Worker) persistStats(ctx context.Context, col *stats.Collector) {
	if err := col.Persist(ctx, w.DB); err != nil {
		w.logger.Warn().Err(err).Msg("stats not persisted")
	}
}

// transcodeRequest is the payload a transcode job carries in its policy
// column: a fully materialised encoder invocation instead of a policy
// document.
type transcodeRequest struct {
	VideoEncoder   string             `json:"video_encoder,omitempty"`
	CRF            int                `json:"crf,omitempty"`
	ScaleWidth     int                `json:"scale_width,omitempty"`
	ScaleHeight    int                `json:"scale_height,omitempty"`
	ExtraVideoArgs []string           `json:"extra_video_args,omitempty"`
	Audio          []transcodeAudioOp `json:"audio,omitempty"`
	KeepSubtitles  *bool              `json:"keep_subtitles,omitempty"`
	Threads        int                `json:"threads,omitempty"`
}

type transcodeAudioOp struct {
	SourceIndex int    `json:"source_index"`
	Encoder     string `json:"encoder,omitempty"`
	Channels    int    `json:"channels,omitempty"`
	BitrateKbps int    `json:"bitrate_kbps,omitempty"`
	Language    string `json:"language,omitempty"`
	Title       string `json:"title,omitempty"`
}

// loadTranscodeRequest decodes the job's payload into a transcoder spec.
func loadTranscodeRequest(job *queue.Job) (tools.TranscodeSpec, error) {
	if job.PolicyJSON == "" {
		return tools.TranscodeSpec{}, fmt.Errorf("job %s carries no transcode request", job.ID)
	}
	var req transcodeRequest
	if err := json.Unmarshal([]byte(job.PolicyJSON), &req); err != nil {
		return tools.TranscodeSpec{}, fmt.Errorf("transcode request: %w", err)
	}
	spec := tools.TranscodeSpec{
		VideoEncoder:   req.VideoEncoder,
		CRF:            req.CRF,
		ScaleWidth:     req.ScaleWidth,
		ScaleHeight:    req.ScaleHeight,
		ExtraVideoArgs: req.ExtraVideoArgs,
		KeepSubtitles:  true,
		Threads:        req.Threads,
	}
	if req.KeepSubtitles != nil {
		spec.KeepSubtitles = *req.KeepSubtitles
	}
	for _, a := range req.Audio {
		spec.Audio = append(spec.Audio, tools.AudioOp{
			SourceIndex: a.SourceIndex,
			Encoder:     a.Encoder,
			Channels:    a.Channels,
			BitrateKbps: a.BitrateKbps,
			Language:    a.Language,
			Title:       a.Title,
		})
	}
	return spec, nil
}

// runTranscode feeds the job's materialised spec straight to the transcoder,
// bypassing policy evaluation. Progress percent derives from the probed
// duration when ffprobe is present.
func (w *Worker) runTranscode(ctx context.Context, job *queue.Job, jl *joblog.Writer) (string, error) {
	spec, err := loadTranscodeRequest(job)
	if err != nil {
		return "", err
	}
	if spec.Threads == 0 {
		spec.Threads = w.Cfg.Worker.CPUCores
	}

	var duration float64
	if w.Toolset.HasFFprobe() {
		if probe, err := tools.NewProber(w.Toolset.FFprobeBin).Probe(ctx, job.FilePath); err == nil {
			duration = probe.Duration
		}
	}

	limiter := rate.NewLimiter(rate.Every(time.Second), 1)
	onTick := func(tick tools.ProgressTick) {
		if duration > 0 {
			pct := tick.OutTimeSeconds / duration * 100
			if pct > 100 {
				pct = 100
			}
			job.ProgressPercent = pct
		}
		if !limiter.Allow() {
			return
		}
		detail, _ := json.Marshal(progressDetail(tick))
		_ = w.Queue.UpdateProgress(ctx, job.ID, job.ProgressPercent, string(detail))
	}

	if jl != nil {
		jl.WriteSection("transcoding " + job.FilePath)
	}
	start := time.Now()
	if _, err := tools.NewTranscoder(w.Toolset.FFmpegBin).Run(ctx, job.FilePath, spec, onTick); err != nil {
		return "", err
	}
	if jl != nil {
		jl.WriteLine(fmt.Sprintf("transcode finished in %s", time.Since(start).Round(time.Second)))
	}
	summary, _ := json.Marshal(map[string]any{
		"video_encoder":    spec.VideoEncoder,
		"audio_ops":        len(spec.Audio),
		"duration_seconds": time.Since(start).Seconds(),
	})
	return string(summary), nil
}

// runScan refreshes the catalog for a file or a directory tree.
func (w *Worker) runScan(ctx context.Context, job *queue.Job, jl *joblog.Writer) (string, error) {
	fi, err := os.Stat(job.FilePath)
	if err != nil {
		return "", fmt.Errorf("scan target: %w", err)
	}

	if fi.IsDir() {
		n, err := w.Scanner.ScanDir(ctx, job.FilePath, 0)
		if err != nil {
			return "", err
		}
		if jl != nil {
			jl.WriteLine(fmt.Sprintf("scanned directory %s: %d files", job.FilePath, n))
		}
		summary, _ := json.Marshal(map[string]int{"files_scanned": n})
		return string(summary), nil
	}

	if !catalog.IsMediaPath(job.FilePath) {
		return "", fmt.Errorf("not a media file: %s", job.FilePath)
	}
	if _, err := w.Scanner.ScanFile(ctx, job.FilePath); err != nil {
		return "", err
	}
	if jl != nil {
		jl.WriteLine("scanned " + job.FilePath)
	}
	summary, _ := json.Marshal(map[string]int{"files_scanned": 1})
	return string(summary), nil
}

// loadPolicy resolves the job's policy: the snapshot stored on the row
// wins, the named file is the fallback.
func (w *Worker) loadPolicy(job *queue.Job) (*policy.Document, error) {
	if job.PolicyJSON != "" {
		return policy.Load([]byte(job.PolicyJSON))
	}
	if job.PolicyName != "" {
		return policy.LoadFile(job.PolicyName)
	}
	return nil, fmt.Errorf("job %s carries no policy", job.ID)
}
