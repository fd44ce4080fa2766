// SPDX-License-Identifier: MIT

// Package joblog owns per-job execution logs: a buffered structured writer,
// a tail reader that sees through gzip, and age-based retention.
package joblog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

// uuidV4Pattern accepts canonical lowercase or uppercase UUIDv4 only. Job
// ids become file names, so anything else is rejected outright.
var uuidV4Pattern = regexp.MustCompile(
	`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// ErrInvalidJobID rejects ids that are not UUIDv4.
var ErrInvalidJobID = errors.New("invalid job id")

// ValidateJobID checks the id against the UUIDv4 pattern.
func ValidateJobID(id string) error {
	if !uuidV4Pattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidJobID, id)
	}
	return nil
}

// logPath resolves logs_dir/<id>.log and verifies the result stays inside
// the logs directory. Both checks are kept even though the regex alone
// prevents traversal.
func logPath(logsDir, id string) (string, error) {
	if err := ValidateJobID(id); err != nil {
		return "", err
	}
	root, err := filepath.Abs(logsDir)
	if err != nil {
		return "", err
	}
	resolved := filepath.Join(root, id+".log")
	if !strings.HasPrefix(resolved, root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: path escapes log directory", ErrInvalidJobID)
	}
	return resolved, nil
}

const defaultBufferLines = 100

// Writer appends structured lines to one job's log file. Lines buffer in
// memory and flush every bufferLines and on Close. Safe for concurrent use.
type Writer struct {
	mu      sync.Mutex
	f       *os.File
	relPath string
	buf     []string
	limit   int
	start   time.Time
}

// NewWriter opens (appending) the log for job id under logsDir.
func NewWriter(logsDir, id string) (*Writer, error) {
	path, err := logPath(logsDir, id)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(logsDir, 0o750); err != nil {
		return nil, fmt.Errorf("joblog: create %s: %w", logsDir, err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o640) // #nosec G304
	if err != nil {
		return nil, fmt.Errorf("joblog: open %s: %w", path, err)
	}
	return &Writer{
		f:       f,
		relPath: filepath.Join("logs", id+".log"),
		limit:   defaultBufferLines,
		start:   time.Now(),
	}, nil
}

// RelPath is the path stored on the job row, relative to the data dir.
func (w *Writer) RelPath() string { return w.relPath }

func (w *Writer) stamp(line string) string {
	return time.Now().UTC().Format("2006-01-02T15:04:05Z") + " " + line
}

// WriteLine appends one timestamped line.
func (w *Writer) WriteLine(line string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, w.stamp(line))
	if len(w.buf) >= w.limit {
		w.flushLocked()
	}
}

// WriteHeader opens the log with the job's identity and metadata.
func (w *Writer) WriteHeader(jobType, file string, metadata map[string]string) {
	w.WriteLine(strings.Repeat("=", 60))
	w.WriteLine(fmt.Sprintf("JOB START: type=%s file=%s", jobType, file))
	for _, k := range sortedKeys(metadata) {
		w.WriteLine(fmt.Sprintf("  %s: %s", k, metadata[k]))
	}
	w.WriteLine(strings.Repeat("=", 60))
}

// WriteSection delimits a named stage.
func (w *Writer) WriteSection(title string) {
	w.WriteLine("")
	w.WriteLine("--- " + title + " ---")
}

// WriteSubprocess records a tool invocation verbatim.
func (w *Writer) WriteSubprocess(name, stdout, stderr string, exitCode int) {
	w.WriteLine(fmt.Sprintf("subprocess %s exited %d", name, exitCode))
	for _, l := range nonEmptyLines(stdout) {
		w.WriteLine("  [stdout] " + l)
	}
	for _, l := range nonEmptyLines(stderr) {
		w.WriteLine("  [stderr] " + l)
	}
}

// WriteError records a failure with optional cause.
func (w *Writer) WriteError(msg string, err error) {
	if err != nil {
		w.WriteLine(fmt.Sprintf("ERROR: %s: %v", msg, err))
		return
	}
	w.WriteLine("ERROR: " + msg)
}

// WriteFooter closes the log with the final verdict. Every log ends with
// one of these lines.
func (w *Writer) WriteFooter(success bool, duration time.Duration) {
	verdict := "FAILED"
	if success {
		verdict = "SUCCESS"
	}
	if duration <= 0 {
		duration = time.Since(w.start)
	}
	w.WriteLine(strings.Repeat("=", 60))
	w.WriteLine(fmt.Sprintf("JOB END: %s (duration %s)", verdict, duration.Round(time.Millisecond)))
}

// Flush forces buffered lines to disk.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

func (w *Writer) flushLocked() error {
	if len(w.buf) == 0 {
		return nil
	}
	_, err := w.f.WriteString(strings.Join(w.buf, "\n") + "\n")
	w.buf = w.buf[:0]
	return err
}

// Close flushes and releases the file. The writer is single-use.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	flushErr := w.flushLocked()
	closeErr := w.f.Close()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

func nonEmptyLines(s string) []string {
	var out []string
	for _, l := range strings.Split(s, "\n") {
		if strings.TrimSpace(l) != "" {
			out = append(out, l)
		}
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
