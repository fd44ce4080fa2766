// SPDX-License-Identifier: MIT

package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vpo-project/vpo/internal/queue"
	"github.com/vpo-project/vpo/internal/store"
)

func newTestWatcher(t *testing.T) (*Watcher, *queue.Queue, string) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "library.db"), store.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	media := t.TempDir()
	q := queue.New(db)
	w := New(q, []string{media})
	w.Debounce = 50 * time.Millisecond
	return w, q, media
}

func startWatcher(t *testing.T, w *Watcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	// give fsnotify a beat to register the tree
	time.Sleep(100 * time.Millisecond)
}

func queuedPaths(t *testing.T, q *queue.Queue) []string {
	t.Helper()
	jobs, err := q.List(context.Background(), queue.StatusQueued, 100)
	require.NoError(t, err)
	var out []string
	for _, j := range jobs {
		out = append(out, j.FilePath)
	}
	return out
}

func TestWatcherEnqueuesScanForNewMedia(t *testing.T) {
	w, q, media := newTestWatcher(t)
	startWatcher(t, w)

	path := filepath.Join(media, "episode.mkv")
	require.NoError(t, os.WriteFile(path, []byte("payload"), 0o644))

	require.Eventually(t, func() bool {
		return len(queuedPaths(t, q)) == 1
	}, 3*time.Second, 25*time.Millisecond)
	assert.Equal(t, []string{path}, queuedPaths(t, q))

	job := func() *queue.Job {
		jobs, err := q.List(context.Background(), queue.StatusQueued, 1)
		require.NoError(t, err)
		return jobs[0]
	}()
	assert.Equal(t, queue.JobScan, job.Type)
}

func TestWatcherIgnoresNonMediaFiles(t *testing.T) {
	w, q, media := newTestWatcher(t)
	startWatcher(t, w)

	require.NoError(t, os.WriteFile(filepath.Join(media, "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(media, "cover.jpg"), []byte("x"), 0o644))

	time.Sleep(300 * time.Millisecond)
	assert.Empty(t, queuedPaths(t, q))
}

func TestWatcherDebouncesWriteBursts(t *testing.T) {
	w, q, media := newTestWatcher(t)
	startWatcher(t, w)

	path := filepath.Join(media, "movie.mkv")
	f, err := os.Create(path)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := f.Write([]byte("chunk"))
		require.NoError(t, err)
		require.NoError(t, f.Sync())
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, f.Close())

	require.Eventually(t, func() bool {
		return len(queuedPaths(t, q)) >= 1
	}, 3*time.Second, 25*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	assert.Len(t, queuedPaths(t, q), 1, "burst collapses into one job")
}

func TestWatcherFollowsNewSubdirectories(t *testing.T) {
	w, q, media := newTestWatcher(t)
	startWatcher(t, w)

	sub := filepath.Join(media, "season-01")
	require.NoError(t, os.Mkdir(sub, 0o755))
	// registration of the new directory races the event loop
	time.Sleep(200 * time.Millisecond)

	path := filepath.Join(sub, "e01.mkv")
	require.NoError(t, os.WriteFile(path, []byte("payload"), 0o644))

	require.Eventually(t, func() bool {
		paths := queuedPaths(t, q)
		return len(paths) == 1 && paths[0] == path
	}, 3*time.Second, 25*time.Millisecond)
}
