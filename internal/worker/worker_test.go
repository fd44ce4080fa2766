// SPDX-License-Identifier: MIT

package worker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/vpo-project/vpo/internal/catalog"
	"github.com/vpo-project/vpo/internal/config"
	"github.com/vpo-project/vpo/internal/queue"
	"github.com/vpo-project/vpo/internal/store"
	"github.com/vpo-project/vpo/internal/tools"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestWorker(t *testing.T) (*Worker, *queue.Queue) {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()

	db, err := store.Open(cfg.DBPath(), store.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	q := queue.New(db)
	sc := catalog.NewScanner(catalog.NewStore(db), tools.NewProber(""))
	w := New(cfg, db, q, &tools.Toolset{}, sc)
	w.ExitWhenIdle = true
	w.Poll = 10 * time.Millisecond
	return w, q
}

func TestWorkerDrainsQueueAndReleasesJobs(t *testing.T) {
	w, q := newTestWorker(t)
	ctx := context.Background()

	a := queue.NewJob(queue.JobMove, "/media/a.mkv")
	b := queue.NewJob(queue.JobMove, "/media/b.mkv")
	require.NoError(t, q.Insert(ctx, a))
	require.NoError(t, q.Insert(ctx, b))

	require.NoError(t, w.Run(ctx))

	for _, id := range []string{a.ID, b.ID} {
		j, err := q.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, queue.StatusFailed, j.Status)
		assert.Contains(t, j.ErrorMessage, "not implemented")
		assert.NotEmpty(t, j.LogPath, "log path recorded on the job row")

		data, err := os.ReadFile(filepath.Join(w.Cfg.DataDir, j.LogPath))
		require.NoError(t, err)
		assert.Contains(t, string(data), "JOB START: type=move")
		assert.Contains(t, string(data), "JOB END: FAILED")
	}
}

func TestWorkerJobWithoutPolicyFails(t *testing.T) {
	w, q := newTestWorker(t)
	ctx := context.Background()

	j := queue.NewJob(queue.JobProcess, "/media/a.mkv")
	require.NoError(t, q.Insert(ctx, j))
	require.NoError(t, w.Run(ctx))

	got, err := q.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "carries no policy")
}

func TestWorkerInvalidPolicySnapshotFails(t *testing.T) {
	w, q := newTestWorker(t)
	ctx := context.Background()

	j := queue.NewJob(queue.JobProcess, "/media/a.mkv")
	j.PolicyJSON = "schema_version: 1\nphases: []\n"
	require.NoError(t, q.Insert(ctx, j))
	require.NoError(t, w.Run(ctx))

	got, err := q.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, got.Status)
	assert.NotEmpty(t, got.ErrorMessage)
}

func TestWorkerStopsAtMaxFiles(t *testing.T) {
	w, q := newTestWorker(t)
	w.Cfg.Worker.MaxFiles = 1
	ctx := context.Background()

	a := queue.NewJob(queue.JobMove, "/media/a.mkv")
	b := queue.NewJob(queue.JobMove, "/media/b.mkv")
	require.NoError(t, q.Insert(ctx, a))
	require.NoError(t, q.Insert(ctx, b))

	require.NoError(t, w.Run(ctx))

	first, err := q.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, first.Status.Terminal())

	second, err := q.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusQueued, second.Status, "second job left for the next run")
}

func TestWorkerRecoversStaleJobsOnStartup(t *testing.T) {
	w, q := newTestWorker(t)
	ctx := context.Background()

	j := queue.NewJob(queue.JobMove, "/media/a.mkv")
	require.NoError(t, q.Insert(ctx, j))
	claimed, err := q.Claim(ctx, 99999)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	// age the orphaned claim past the stale window
	_, err = w.DB.ExecWrite(ctx, `UPDATE jobs SET worker_heartbeat = '2000-01-01T00:00:00.000Z' WHERE id = ?`, j.ID)
	require.NoError(t, err)

	require.NoError(t, w.Run(ctx))

	got, err := q.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.True(t, got.Status.Terminal(), "recovered job was re-claimed and executed")
	assert.Equal(t, w.PID, got.WorkerPID)
}

func TestWorkerShutdownRequestStopsLoop(t *testing.T) {
	w, q := newTestWorker(t)
	w.ExitWhenIdle = false
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, q.Insert(ctx, queue.NewJob(queue.JobMove, "/media/a.mkv")))
	w.RequestShutdown()
	require.NoError(t, w.Run(ctx))

	jobs, err := q.List(ctx, queue.StatusQueued, 10)
	require.NoError(t, err)
	assert.Len(t, jobs, 1, "shutdown before the first claim leaves the queue untouched")
}

func TestStopReasonOrdering(t *testing.T) {
	w, _ := newTestWorker(t)
	start := time.Now()

	assert.Empty(t, w.stopReason(context.Background(), start, time.Time{}, 0))

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, "context cancelled", w.stopReason(cancelled, start, time.Time{}, 0))

	w.Cfg.Worker.MaxFiles = 2
	assert.Equal(t, "max_files reached", w.stopReason(context.Background(), start, time.Time{}, 2))
	assert.Empty(t, w.stopReason(context.Background(), start, time.Time{}, 1))

	w.Cfg.Worker.MaxFiles = 0
	w.Cfg.Worker.MaxDuration = 1
	assert.Equal(t, "max_duration reached",
		w.stopReason(context.Background(), start.Add(-2*time.Second), time.Time{}, 0))

	w.Cfg.Worker.MaxDuration = 0
	past := time.Now().Add(-time.Minute)
	assert.Equal(t, "end_by reached", w.stopReason(context.Background(), start, past, 0))
}

func TestDeadlineAnchorsToNextOccurrence(t *testing.T) {
	w, _ := newTestWorker(t)
	start := time.Date(2026, 3, 10, 22, 0, 0, 0, time.Local)

	w.Cfg.Worker.EndBy = "23:30"
	d := w.deadline(start)
	assert.Equal(t, time.Date(2026, 3, 10, 23, 30, 0, 0, time.Local), d)

	w.Cfg.Worker.EndBy = "06:00"
	d = w.deadline(start)
	assert.Equal(t, time.Date(2026, 3, 11, 6, 0, 0, 0, time.Local), d, "earlier clock time means tomorrow")

	w.Cfg.Worker.EndBy = ""
	assert.True(t, w.deadline(start).IsZero())
}

func TestMaintenancePurgesExpiredJobs(t *testing.T) {
	w, q := newTestWorker(t)
	ctx := context.Background()

	j := queue.NewJob(queue.JobMove, "/media/a.mkv")
	require.NoError(t, q.Insert(ctx, j))
	_, err := q.Claim(ctx, w.PID)
	require.NoError(t, err)
	require.NoError(t, q.Release(ctx, j.ID, queue.StatusFailed, "old", "", "", false))
	_, err = w.DB.ExecWrite(ctx, `UPDATE jobs SET completed_at = '2000-01-01T00:00:00.000Z' WHERE id = ?`, j.ID)
	require.NoError(t, err)

	w.runMaintenance(ctx)

	_, err = q.Get(ctx, j.ID)
	require.ErrorIs(t, err, queue.ErrJobNotFound)
}
