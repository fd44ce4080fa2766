// SPDX-License-Identifier: MIT

package joblog

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// ErrLogNotFound reports that neither the plain nor the compressed log
// exists for a job.
var ErrLogNotFound = errors.New("job log not found")

// fullReadLimit bounds the in-memory read path. Larger logs stream.
const fullReadLimit = 10 << 20

// Tail is a window into a job log.
type Tail struct {
	Lines      []string
	TotalLines int
	HasMore    bool
}

// ReadTail returns up to n lines of the job's log ending offset lines
// before the end. Offset 0 means the very tail. Compressed logs are
// read transparently.
func ReadTail(logsDir, id string, n, offset int) (*Tail, error) {
	path, err := logPath(logsDir, id)
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		n = 50
	}
	if offset < 0 {
		offset = 0
	}

	r, size, err := openLog(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var all []string
	if size >= 0 && size <= fullReadLimit {
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("joblog: read %s: %w", path, err)
		}
		all = splitLines(string(data))
	} else {
		// Unknown or large size: stream line by line, keep a sliding
		// window of the lines the caller can actually see.
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 64<<10), 1<<20)
		window := n + offset
		total := 0
		ring := make([]string, 0, window)
		for sc.Scan() {
			total++
			if len(ring) == window {
				copy(ring, ring[1:])
				ring = ring[:window-1]
			}
			ring = append(ring, sc.Text())
		}
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("joblog: scan %s: %w", path, err)
		}
		return tailOf(ring, total, n, offset), nil
	}
	return tailOf(all, len(all), n, offset), nil
}

// tailOf slices the last lines out of window, which holds at least the
// last n+offset lines of a log with total lines overall.
func tailOf(window []string, total, n, offset int) *Tail {
	end := len(window) - offset
	if end < 0 {
		end = 0
	}
	start := end - n
	if start < 0 {
		start = 0
	}
	consumed := total - (len(window) - start)
	return &Tail{
		Lines:      append([]string(nil), window[start:end]...),
		TotalLines: total,
		HasMore:    consumed > 0 || offset > 0 && end > 0 && total > n,
	}
}

// openLog opens path or path.gz, whichever exists. The returned size is
// the uncompressed size when known, -1 otherwise.
func openLog(path string) (io.ReadCloser, int64, error) {
	if fi, err := os.Stat(path); err == nil {
		f, err := os.Open(path) // #nosec G304
		if err != nil {
			return nil, 0, err
		}
		return f, fi.Size(), nil
	}
	gzPath := path + ".gz"
	f, err := os.Open(gzPath) // #nosec G304
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, fmt.Errorf("%w: %s", ErrLogNotFound, path)
		}
		return nil, 0, err
	}
	zr, err := gzip.NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, 0, fmt.Errorf("joblog: open %s: %w", gzPath, err)
	}
	return &gzipReadCloser{zr: zr, f: f}, -1, nil
}

type gzipReadCloser struct {
	zr *gzip.Reader
	f  *os.File
}

func (g *gzipReadCloser) Read(p []byte) (int, error) { return g.zr.Read(p) }

func (g *gzipReadCloser) Close() error {
	zerr := g.zr.Close()
	ferr := g.f.Close()
	if zerr != nil {
		return zerr
	}
	return ferr
}

func splitLines(s string) []string {
	s = strings.TrimSuffix(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
