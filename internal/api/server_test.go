// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vpo-project/vpo/internal/queue"
	"github.com/vpo-project/vpo/internal/store"
)

func newTestServer(t *testing.T) (*Server, *queue.Queue) {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "library.db"), store.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	q := queue.New(db)
	return New(db, q, filepath.Join(dir, "logs"), "test"), q
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t)
	rec := get(t, s.Handler(), "/healthz")

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	rec := get(t, s.Handler(), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestListJobs(t *testing.T) {
	s, q := newTestServer(t)
	ctx := context.Background()

	a := queue.NewJob(queue.JobProcess, "/media/a.mkv")
	b := queue.NewJob(queue.JobScan, "/media")
	require.NoError(t, q.Insert(ctx, a))
	require.NoError(t, q.Insert(ctx, b))
	_, err := q.Claim(ctx, 1)
	require.NoError(t, err)

	rec := get(t, s.Handler(), "/api/jobs")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Jobs []struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Jobs, 2)

	rec = get(t, s.Handler(), "/api/jobs?status=queued")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Jobs, 1)
	assert.Equal(t, "queued", body.Jobs[0].Status)

	rec = get(t, s.Handler(), "/api/jobs?status=bogus")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetJob(t *testing.T) {
	s, q := newTestServer(t)
	ctx := context.Background()

	j := queue.NewJob(queue.JobProcess, "/media/a.mkv")
	require.NoError(t, q.Insert(ctx, j))

	rec := get(t, s.Handler(), "/api/jobs/"+j.ID)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		ID        string  `json:"id"`
		FilePath  string  `json:"file_path"`
		StartedAt *string `json:"started_at"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, j.ID, body.ID)
	assert.Equal(t, "/media/a.mkv", body.FilePath)
	assert.Nil(t, body.StartedAt, "zero timestamps render as absent")

	rec = get(t, s.Handler(), "/api/jobs/00000000-0000-4000-8000-000000000000")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJobLogEndpoint(t *testing.T) {
	s, q := newTestServer(t)
	ctx := context.Background()

	j := queue.NewJob(queue.JobProcess, "/media/a.mkv")
	require.NoError(t, q.Insert(ctx, j))
	require.NoError(t, os.MkdirAll(s.LogsDir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(s.LogsDir, j.ID+".log"),
		[]byte("one\ntwo\nthree\n"), 0o644))

	rec := get(t, s.Handler(), "/api/jobs/"+j.ID+"/log?lines=2")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Lines      []string `json:"lines"`
		TotalLines int      `json:"total_lines"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, []string{"two", "three"}, body.Lines)
	assert.Equal(t, 3, body.TotalLines)

	rec = get(t, s.Handler(), "/api/jobs/not-a-uuid/log")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = get(t, s.Handler(), "/api/jobs/11111111-2222-4333-8444-555555555555/log")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatsEndpoint(t *testing.T) {
	s, q := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, q.Insert(ctx, queue.NewJob(queue.JobProcess, "/media/a.mkv")))

	rec := get(t, s.Handler(), "/api/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Queue struct {
			Queued int `json:"Queued"`
			Total  int `json:"Total"`
		} `json:"queue"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Queue.Queued)
	assert.Equal(t, 1, body.Queue.Total)
}
