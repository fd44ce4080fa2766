// SPDX-License-Identifier: MIT

package stats

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/vpo-project/vpo/internal/store"
)

// Summary aggregates processing outcomes across runs.
type Summary struct {
	Runs            int
	Succeeded       int
	Failed          int
	BytesSaved      int64
	TracksRemoved   int
	VideoTranscodes int
	AudioTranscoded int
	TotalChanges    int
}

// Run is one persisted processing_stats row, trimmed to the fields the
// CLI reports.
type Run struct {
	StatsID       string
	JobID         string
	FilePath      string
	SizeBefore    int64
	SizeAfter     int64
	TracksRemoved int
	TotalChanges  int
	Success       bool
	ErrorMessage  string
	CreatedAt     string
}

// Summarize computes the aggregate over all persisted runs.
func Summarize(ctx context.Context, db *store.Store) (*Summary, error) {
	row := db.Read().QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(success), 0),
			COALESCE(SUM(size_before - size_after), 0),
			COALESCE(SUM(tracks_removed), 0),
			COALESCE(SUM(CASE WHEN video_target_codec != '' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(audio_transcoded), 0),
			COALESCE(SUM(total_changes), 0)
		FROM processing_stats`)

	var s Summary
	if err := row.Scan(&s.Runs, &s.Succeeded, &s.BytesSaved, &s.TracksRemoved,
		&s.VideoTranscodes, &s.AudioTranscoded, &s.TotalChanges); err != nil {
		return nil, fmt.Errorf("stats: summarize: %w", err)
	}
	s.Failed = s.Runs - s.Succeeded
	return &s, nil
}

// RunsForJob returns the runs recorded under one job, oldest first.
func RunsForJob(ctx context.Context, db *store.Store, jobID string) ([]Run, error) {
	rows, err := db.Read().QueryContext(ctx, `
		SELECT stats_id, job_id, file_path, size_before, size_after,
		       tracks_removed, total_changes, success, error_message, created_at
		FROM processing_stats
		WHERE job_id = ?
		ORDER BY created_at ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("stats: runs for job %s: %w", jobID, err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

// RecentRuns returns the latest n runs, newest first.
func RecentRuns(ctx context.Context, db *store.Store, n int) ([]Run, error) {
	if n <= 0 {
		n = 20
	}
	rows, err := db.Read().QueryContext(ctx, `
		SELECT stats_id, job_id, file_path, size_before, size_after,
		       tracks_removed, total_changes, success, error_message, created_at
		FROM processing_stats
		ORDER BY created_at DESC
		LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("stats: recent runs: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

// Actions returns the per-operation results of one run, in insert order.
func Actions(ctx context.Context, db *store.Store, statsID string) ([]ActionResult, error) {
	rows, err := db.Read().QueryContext(ctx, `
		SELECT phase, operation, success, changes_made, duration_seconds, message
		FROM action_results
		WHERE stats_id = ?
		ORDER BY id ASC`, statsID)
	if err != nil {
		return nil, fmt.Errorf("stats: actions for %s: %w", statsID, err)
	}
	defer rows.Close()

	var out []ActionResult
	for rows.Next() {
		var a ActionResult
		var success int
		var seconds float64
		if err := rows.Scan(&a.Phase, &a.Operation, &success, &a.Changes, &seconds, &a.Message); err != nil {
			return nil, err
		}
		a.Success = success != 0
		a.Duration = secondsToDuration(seconds)
		out = append(out, a)
	}
	return out, rows.Err()
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func scanRuns(rows *sql.Rows) ([]Run, error) {
	var out []Run
	for rows.Next() {
		var r Run
		var success int
		if err := rows.Scan(&r.StatsID, &r.JobID, &r.FilePath, &r.SizeBefore, &r.SizeAfter,
			&r.TracksRemoved, &r.TotalChanges, &success, &r.ErrorMessage, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Success = success != 0
		out = append(out, r)
	}
	return out, rows.Err()
}
