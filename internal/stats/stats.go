// SPDX-License-Identifier: MIT

// Package stats captures per-file processing outcomes and persists them
// for later reporting. A Collector buffers everything in memory during a
// run and writes all rows in one transaction at the end, so a crashed
// run leaves no half-recorded statistics.
package stats

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/vpo-project/vpo/internal/media"
	"github.com/vpo-project/vpo/internal/store"
)

// EncoderType classifies the video encoder used for a transcode.
type EncoderType string

const (
	EncoderHardware EncoderType = "hardware"
	EncoderSoftware EncoderType = "software"
)

// TrackCounts holds per-type track totals for one snapshot.
type TrackCounts struct {
	Video      int
	Audio      int
	Subtitle   int
	Attachment int
}

// Total sums all types.
func (c TrackCounts) Total() int {
	return c.Video + c.Audio + c.Subtitle + c.Attachment
}

func countTracks(ts media.TrackSet) TrackCounts {
	var c TrackCounts
	for _, tr := range ts.Tracks {
		switch tr.Type {
		case media.TrackVideo:
			c.Video++
		case media.TrackAudio:
			c.Audio++
		case media.TrackSubtitle:
			c.Subtitle++
		case media.TrackAttachment:
			c.Attachment++
		}
	}
	return c
}

// ActionResult is one executed operation within a phase.
type ActionResult struct {
	Phase     string
	Operation string
	Success   bool
	Changes   int
	Duration  time.Duration
	Message   string
}

// PhaseMetric is the wall time and data volume of one phase.
type PhaseMetric struct {
	Phase          string
	Duration       time.Duration
	BytesProcessed int64
}

// Collector accumulates statistics for a single (job, file) run. Not
// safe for concurrent use; each run owns its collector.
type Collector struct {
	statsID string
	jobID   string

	fileID   int64
	filePath string

	sizeBefore int64
	sizeAfter  int64
	hashBefore string
	hashAfter  string

	before      TrackCounts
	after       TrackCounts
	hasAfter    bool
	sourceCodec string
	targetCodec string
	encoderType EncoderType

	audioTranscoded int
	audioPreserved  int

	actions []ActionResult
	metrics []PhaseMetric

	started         time.Time
	phasesCompleted int
	phasesTotal     int
	totalChanges    int
	success         bool
	errorMessage    string
}

// NewCollector starts a collector for one job and file.
func NewCollector(jobID string) *Collector {
	return &Collector{
		statsID: uuid.NewString(),
		jobID:   jobID,
		started: time.Now(),
	}
}

// StatsID returns the identity of this run's statistics row.
func (c *Collector) StatsID() string { return c.statsID }

// CaptureBefore snapshots the file as it was before any mutation.
func (c *Collector) CaptureBefore(f *media.File, ts media.TrackSet) {
	c.fileID = f.ID
	c.filePath = f.Path
	c.before = countTracks(ts)
	c.hashBefore = f.PartialHash

	if fi, err := os.Stat(f.Path); err == nil {
		c.sizeBefore = fi.Size()
	} else {
		c.sizeBefore = f.Size
	}
	for _, tr := range ts.Video() {
		c.sourceCodec = tr.Codec
		break
	}
}

// CaptureAfter snapshots the file after processing. When the final state
// could not be re-introspected the caller skips this and the before
// counts stand in for the after counts.
func (c *Collector) CaptureAfter(f *media.File, ts media.TrackSet) {
	c.after = countTracks(ts)
	c.hasAfter = true
	c.hashAfter = f.PartialHash
	if fi, err := os.Stat(f.Path); err == nil {
		c.sizeAfter = fi.Size()
	}
}

// AddAction records one executed operation.
func (c *Collector) AddAction(a ActionResult) {
	c.actions = append(c.actions, a)
	if a.Success {
		c.totalChanges += a.Changes
	}
}

// AddPhaseMetric records one phase's performance.
func (c *Collector) AddPhaseMetric(m PhaseMetric) {
	c.metrics = append(c.metrics, m)
}

// SetVideoTranscode records the codec transition and encoder class.
func (c *Collector) SetVideoTranscode(targetCodec string, enc EncoderType) {
	c.targetCodec = targetCodec
	c.encoderType = enc
}

// SetAudioTranscodeCounts records how many audio tracks were re-encoded
// versus stream-copied.
func (c *Collector) SetAudioTranscodeCounts(transcoded, preserved int) {
	c.audioTranscoded = transcoded
	c.audioPreserved = preserved
}

// SetOutcome records the overall verdict and phase totals.
func (c *Collector) SetOutcome(success bool, completed, total int, errMsg string) {
	c.success = success
	c.phasesCompleted = completed
	c.phasesTotal = total
	c.errorMessage = errMsg
}

// effectiveAfter falls back to the before counts when the final state
// was never captured, so size_change and removal math stays sane.
func (c *Collector) effectiveAfter() TrackCounts {
	if c.hasAfter {
		return c.after
	}
	return c.before
}

// Persist writes the stats row, its action results and phase metrics in
// a single transaction.
func (c *Collector) Persist(ctx context.Context, db *store.Store) error {
	after := c.effectiveAfter()
	sizeAfter := c.sizeAfter
	if !c.hasAfter || sizeAfter == 0 {
		sizeAfter = c.sizeBefore
	}
	hashAfter := c.hashAfter
	if hashAfter == "" {
		hashAfter = c.hashBefore
	}
	removed := c.before.Total() - after.Total()
	if removed < 0 {
		removed = 0
	}

	var encoder any
	if c.encoderType != "" {
		encoder = string(c.encoderType)
	}
	var fileID any
	if c.fileID != 0 {
		fileID = c.fileID
	}

	err := db.Transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO processing_stats (
				stats_id, job_id, file_id, file_path,
				size_before, size_after, hash_before, hash_after,
				video_before, video_after, audio_before, audio_after,
				subtitle_before, subtitle_after, attachment_before, attachment_after,
				tracks_removed, duration_seconds,
				phases_completed, phases_total, total_changes,
				video_source_codec, video_target_codec, encoder_type,
				audio_transcoded, audio_preserved,
				success, error_message, created_at
			) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			c.statsID, c.jobID, fileID, c.filePath,
			c.sizeBefore, sizeAfter, c.hashBefore, hashAfter,
			c.before.Video, after.Video, c.before.Audio, after.Audio,
			c.before.Subtitle, after.Subtitle, c.before.Attachment, after.Attachment,
			removed, time.Since(c.started).Seconds(),
			c.phasesCompleted, c.phasesTotal, c.totalChanges,
			c.sourceCodec, c.targetCodec, encoder,
			c.audioTranscoded, c.audioPreserved,
			boolInt(c.success), c.errorMessage,
			time.Now().UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		)
		if err != nil {
			return fmt.Errorf("insert processing_stats: %w", err)
		}

		for _, a := range c.actions {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO action_results (stats_id, phase, operation, success, changes_made, duration_seconds, message)
				VALUES (?,?,?,?,?,?,?)`,
				c.statsID, a.Phase, a.Operation, boolInt(a.Success),
				a.Changes, a.Duration.Seconds(), a.Message)
			if err != nil {
				return fmt.Errorf("insert action_results: %w", err)
			}
		}

		for _, m := range c.metrics {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO performance_metrics (stats_id, phase, duration_seconds, bytes_processed)
				VALUES (?,?,?,?)`,
				c.statsID, m.Phase, m.Duration.Seconds(), m.BytesProcessed)
			if err != nil {
				return fmt.Errorf("insert performance_metrics: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("stats: persist %s: %w", c.statsID, err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
