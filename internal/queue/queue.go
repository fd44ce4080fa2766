// SPDX-License-Identifier: MIT

// Package queue implements the durable job queue: priority+FIFO claims,
// heartbeat liveness, stale-job recovery and the status transition graph.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vpo-project/vpo/internal/log"
	"github.com/vpo-project/vpo/internal/store"
)

// JobType names what a job does.
type JobType string

const (
	JobScan      JobType = "scan"
	JobApply     JobType = "apply"
	JobTranscode JobType = "transcode"
	JobMove      JobType = "move"
	JobProcess   JobType = "process"
)

// Status is a job's lifecycle state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status ends a job's life.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Job is one row of the queue. The file path is denormalised so the job
// survives file deletion.
type Job struct {
	ID              string
	FileID          int64 // 0 = none
	FilePath        string
	Type            JobType
	Status          Status
	Priority        int // lower claims first
	PolicyName      string
	PolicyJSON      string
	ProgressPercent float64
	ProgressJSON    string
	CreatedAt       time.Time
	StartedAt       time.Time
	CompletedAt     time.Time
	WorkerPID       int
	WorkerHeartbeat time.Time
	ErrorMessage    string
	OutputPath      string
	SummaryJSON     string
	LogPath         string
}

// Stats counts jobs per status.
type Stats struct {
	Queued    int
	Running   int
	Completed int
	Failed    int
	Cancelled int
	Total     int
}

// ErrJobNotFound is returned for unknown job ids.
var ErrJobNotFound = errors.New("job not found")

// InvalidTransitionError reports a status change the graph forbids.
type InvalidTransitionError struct {
	JobID string
	From  Status
	To    Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("job %s: invalid transition %s -> %s", e.JobID, e.From, e.To)
}

var claimTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "vpo_queue_claims_total",
	Help: "Job claim attempts by outcome.",
}, []string{"outcome"})

// Queue wraps the store with job semantics.
type Queue struct {
	db *store.Store
}

func New(db *store.Store) *Queue {
	return &Queue{db: db}
}

// NewJob fills the constant fields of a fresh queued job.
func NewJob(jobType JobType, filePath string) *Job {
	return &Job{
		ID:        uuid.NewString(),
		FilePath:  filePath,
		Type:      jobType,
		Status:    StatusQueued,
		Priority:  100,
		CreatedAt: time.Now().UTC(),
	}
}

// Insert persists a queued job.
func (q *Queue) Insert(ctx context.Context, j *Job) error {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.Status == "" {
		j.Status = StatusQueued
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	return store.Retry(ctx, func() error {
		_, err := q.db.ExecWrite(ctx, `
			INSERT INTO jobs (id, file_id, file_path, type, status, priority,
				policy_name, policy_json, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			j.ID, nullInt64(j.FileID), j.FilePath, string(j.Type), string(j.Status),
			j.Priority, j.PolicyName, nullStr(j.PolicyJSON), fmtTime(j.CreatedAt),
		)
		return err
	})
}

// Claim atomically transitions the next queued job to running and binds it
// to the worker pid. Claim order is priority ascending, then created_at
// ascending. Returns nil when the queue is drained.
func (q *Queue) Claim(ctx context.Context, workerPID int) (*Job, error) {
	var claimed *Job
	err := store.Retry(ctx, func() error {
		claimed = nil
		return q.db.Transaction(ctx, func(tx *sql.Tx) error {
			row := tx.QueryRowContext(ctx, `
				SELECT id FROM jobs
				WHERE status = 'queued'
				ORDER BY priority ASC, created_at ASC, rowid ASC
				LIMIT 1`)
			var id string
			if err := row.Scan(&id); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return nil
				}
				return err
			}
			_, err := tx.ExecContext(ctx, `
				UPDATE jobs SET status = 'running', worker_pid = ?, started_at = ?,
					worker_heartbeat = ?, error_message = NULL,
					progress_percent = 0, progress_json = NULL
				WHERE id = ? AND status = 'queued'`,
				workerPID, fmtTime(time.Now().UTC()), fmtTime(time.Now().UTC()), id)
			if err != nil {
				return err
			}
			j, err := getJobTx(ctx, tx, id)
			if err != nil {
				return err
			}
			claimed = j
			return nil
		})
	})
	if err != nil {
		claimTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	if claimed == nil {
		claimTotal.WithLabelValues("empty").Inc()
		return nil, nil
	}
	claimTotal.WithLabelValues("claimed").Inc()
	return claimed, nil
}

// Release transitions a running job to its terminal status.
func (q *Queue) Release(ctx context.Context, id string, terminal Status, errMsg, outputPath, summaryJSON string, forceProgress100 bool) error {
	if !terminal.Terminal() || terminal == StatusCancelled {
		return fmt.Errorf("release: %s is not a release status", terminal)
	}
	return q.transition(ctx, id, StatusRunning, terminal, func(tx *sql.Tx) error {
		query := `UPDATE jobs SET status = ?, completed_at = ?,
			error_message = ?, output_path = ?, summary_json = COALESCE(?, summary_json)`
		args := []any{string(terminal), fmtTime(time.Now().UTC()),
			nullStr(errMsg), nullStr(outputPath), nullStr(summaryJSON)}
		if forceProgress100 {
			query += `, progress_percent = 100`
		}
		query += ` WHERE id = ?`
		args = append(args, id)
		_, err := tx.ExecContext(ctx, query, args...)
		return err
	})
}

// UpdateHeartbeat stamps the liveness timestamp of a running job on the
// dedicated heartbeat connection. Returns whether a row changed; a non-
// running job is never touched.
func (q *Queue) UpdateHeartbeat(ctx context.Context, id string, pid int) (bool, error) {
	n, err := q.db.ExecHeartbeat(ctx, `
		UPDATE jobs SET worker_heartbeat = ?
		WHERE id = ? AND status = 'running' AND worker_pid = ?`,
		fmtTime(time.Now().UTC()), id, pid)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// StaleTimeout is the default heartbeat age past which a running job is
// considered abandoned.
const StaleTimeout = 300 * time.Second

// RecoverStale requeues running jobs whose heartbeat is older than timeout.
func (q *Queue) RecoverStale(ctx context.Context, timeout time.Duration) (int, error) {
	if timeout <= 0 {
		timeout = StaleTimeout
	}
	cutoff := fmtTime(time.Now().UTC().Add(-timeout))
	var n int64
	err := store.Retry(ctx, func() error {
		var err error
		n, err = q.db.ExecWrite(ctx, `
			UPDATE jobs SET status = 'queued', worker_pid = NULL, started_at = NULL,
				worker_heartbeat = NULL
			WHERE status = 'running' AND (worker_heartbeat IS NULL OR worker_heartbeat < ?)`,
			cutoff)
		return err
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		lg := log.WithComponent("queue")
		lg.Warn().Int64("jobs", n).Msg("recovered stale jobs")
	}
	return int(n), nil
}

// Cancel transitions a queued job to cancelled. Running jobs are not
// cancellable from this path.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	return q.transition(ctx, id, StatusQueued, StatusCancelled, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE jobs SET status = 'cancelled', completed_at = ? WHERE id = ?`,
			fmtTime(time.Now().UTC()), id)
		return err
	})
}

// Requeue returns a failed or cancelled job to the queue.
func (q *Queue) Requeue(ctx context.Context, id string) error {
	return store.Retry(ctx, func() error {
		return q.db.Transaction(ctx, func(tx *sql.Tx) error {
			j, err := getJobTx(ctx, tx, id)
			if err != nil {
				return err
			}
			if j.Status != StatusFailed && j.Status != StatusCancelled {
				return &InvalidTransitionError{JobID: id, From: j.Status, To: StatusQueued}
			}
			_, err = tx.ExecContext(ctx, `
				UPDATE jobs SET status = 'queued', error_message = NULL,
					progress_percent = 0, progress_json = NULL,
					completed_at = NULL, worker_pid = NULL, started_at = NULL
				WHERE id = ?`, id)
			return err
		})
	})
}

// UpdateProgress writes the job's progress snapshot.
func (q *Queue) UpdateProgress(ctx context.Context, id string, percent float64, progressJSON string) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	return store.Retry(ctx, func() error {
		_, err := q.db.ExecWrite(ctx, `
			UPDATE jobs SET progress_percent = ?, progress_json = ?
			WHERE id = ? AND status = 'running'`,
			percent, nullStr(progressJSON), id)
		return err
	})
}

// SetLogPath records the relative log path on the job.
func (q *Queue) SetLogPath(ctx context.Context, id, logPath string) error {
	return store.Retry(ctx, func() error {
		_, err := q.db.ExecWrite(ctx, `UPDATE jobs SET log_path = ? WHERE id = ?`, logPath, id)
		return err
	})
}

// Get loads one job.
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	return scanJob(q.db.Read().QueryRowContext(ctx, selectJob+` WHERE id = ?`, id))
}

// List returns jobs, newest first, optionally filtered by status.
func (q *Queue) List(ctx context.Context, status Status, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 100
	}
	query := selectJob
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := q.db.Read().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// GetStats counts jobs per status.
func (q *Queue) GetStats(ctx context.Context) (Stats, error) {
	rows, err := q.db.Read().QueryContext(ctx,
		`SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return Stats{}, err
	}
	defer rows.Close()

	var s Stats
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return Stats{}, err
		}
		switch Status(status) {
		case StatusQueued:
			s.Queued = n
		case StatusRunning:
			s.Running = n
		case StatusCompleted:
			s.Completed = n
		case StatusFailed:
			s.Failed = n
		case StatusCancelled:
			s.Cancelled = n
		}
		s.Total += n
	}
	return s, rows.Err()
}

// PurgeTerminal deletes terminal jobs older than the retention window and
// returns how many were removed.
func (q *Queue) PurgeTerminal(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := fmtTime(time.Now().UTC().Add(-olderThan))
	var n int64
	err := store.Retry(ctx, func() error {
		var err error
		n, err = q.db.ExecWrite(ctx, `
			DELETE FROM jobs
			WHERE status IN ('completed', 'failed', 'cancelled') AND completed_at < ?`,
			cutoff)
		return err
	})
	return int(n), err
}

// transition verifies the from-status inside the write transaction before
// applying fn, so the graph cannot be violated by a concurrent writer.
func (q *Queue) transition(ctx context.Context, id string, from, to Status, fn func(tx *sql.Tx) error) error {
	return store.Retry(ctx, func() error {
		return q.db.Transaction(ctx, func(tx *sql.Tx) error {
			j, err := getJobTx(ctx, tx, id)
			if err != nil {
				return err
			}
			if j.Status != from {
				return &InvalidTransitionError{JobID: id, From: j.Status, To: to}
			}
			return fn(tx)
		})
	})
}

const selectJob = `
	SELECT id, file_id, file_path, type, status, priority, policy_name,
		policy_json, progress_percent, progress_json, created_at, started_at,
		completed_at, worker_pid, worker_heartbeat, error_message, output_path,
		summary_json, log_path
	FROM jobs`

type rowScanner interface {
	Scan(dest ...any) error
}

func getJobTx(ctx context.Context, tx *sql.Tx, id string) (*Job, error) {
	return scanJob(tx.QueryRowContext(ctx, selectJob+` WHERE id = ?`, id))
}

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	var fileID sql.NullInt64
	var policyJSON, progressJSON, startedAt, completedAt sql.NullString
	var heartbeat, errMsg, outputPath, summaryJSON, logPath sql.NullString
	var workerPID sql.NullInt64
	var createdAt string

	err := row.Scan(&j.ID, &fileID, &j.FilePath, (*string)(&j.Type), (*string)(&j.Status),
		&j.Priority, &j.PolicyName, &policyJSON, &j.ProgressPercent, &progressJSON,
		&createdAt, &startedAt, &completedAt, &workerPID, &heartbeat, &errMsg,
		&outputPath, &summaryJSON, &logPath)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}

	j.FileID = fileID.Int64
	j.PolicyJSON = policyJSON.String
	j.ProgressJSON = progressJSON.String
	j.CreatedAt = parseTime(createdAt)
	j.StartedAt = parseTime(startedAt.String)
	j.CompletedAt = parseTime(completedAt.String)
	j.WorkerPID = int(workerPID.Int64)
	j.WorkerHeartbeat = parseTime(heartbeat.String)
	j.ErrorMessage = errMsg.String
	j.OutputPath = outputPath.String
	j.SummaryJSON = summaryJSON.String
	j.LogPath = logPath.String
	return &j, nil
}

// timeFormat keeps a fixed fractional width so stored timestamps compare
// correctly as strings.
const timeFormat = "2006-01-02T15:04:05.000Z07:00"

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt64(n int64) any {
	if n == 0 {
		return nil
	}
	return n
}
