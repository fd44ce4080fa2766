// SPDX-License-Identifier: MIT

// Package store implements the embedded SQLite storage engine.
//
// One process owns the database. Reads go through a shared pool of
// connections; writes are serialised on a single dedicated connection guarded
// by a process-wide mutex. The heartbeat path gets its own connection so a
// heartbeat commit can never publish a half-written job transaction.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure Go driver, no CGO

	"github.com/vpo-project/vpo/internal/log"
)

// ErrClosed is returned for any write against a closed store.
var ErrClosed = errors.New("store: closed")

// Options defines SQLite operational parameters.
type Options struct {
	BusyTimeout  time.Duration
	MaxReadConns int
}

// DefaultOptions returns the standard configuration.
func DefaultOptions() Options {
	return Options{
		BusyTimeout:  10 * time.Second,
		MaxReadConns: 8,
	}
}

// Store is the single-writer SQLite engine.
type Store struct {
	readDB    *sql.DB
	writerDB  *sql.DB // capped at one connection, immediate transactions
	heartbeat *sql.DB // dedicated connection for liveness updates

	writerMu sync.Mutex

	mu     sync.Mutex
	closed bool

	path        string
	busyTimeout time.Duration
}

func dsn(path string, busy time.Duration, txImmediate bool) string {
	d := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		path, busy.Milliseconds())
	if txImmediate {
		d += "&_txlock=immediate"
	}
	return d
}

// Open initialises the store at path, applies the mandatory PRAGMAs to every
// connection via the DSN, and runs schema migrations.
func Open(path string, opts Options) (*Store, error) {
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = DefaultOptions().BusyTimeout
	}
	if opts.MaxReadConns <= 0 {
		opts.MaxReadConns = DefaultOptions().MaxReadConns
	}

	readDB, err := sql.Open("sqlite", dsn(path, opts.BusyTimeout, false))
	if err != nil {
		return nil, fmt.Errorf("store: open read pool: %w", err)
	}
	readDB.SetMaxOpenConns(opts.MaxReadConns)
	readDB.SetMaxIdleConns(opts.MaxReadConns)
	readDB.SetConnMaxLifetime(1 * time.Hour)

	writerDB, err := sql.Open("sqlite", dsn(path, opts.BusyTimeout, true))
	if err != nil {
		_ = readDB.Close()
		return nil, fmt.Errorf("store: open writer: %w", err)
	}
	writerDB.SetMaxOpenConns(1)
	writerDB.SetMaxIdleConns(1)

	hbDB, err := sql.Open("sqlite", dsn(path, opts.BusyTimeout, true))
	if err != nil {
		_ = readDB.Close()
		_ = writerDB.Close()
		return nil, fmt.Errorf("store: open heartbeat conn: %w", err)
	}
	hbDB.SetMaxOpenConns(1)
	hbDB.SetMaxIdleConns(1)

	if err := writerDB.Ping(); err != nil {
		_ = readDB.Close()
		_ = writerDB.Close()
		_ = hbDB.Close()
		return nil, fmt.Errorf("store: ping failed: %w", err)
	}

	s := &Store{
		readDB:      readDB,
		writerDB:    writerDB,
		heartbeat:   hbDB,
		path:        path,
		busyTimeout: opts.BusyTimeout,
	}

	if err := s.migrate(context.Background()); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

// Read returns the shared read pool. Callers must not issue writes on it.
func (s *Store) Read() *sql.DB {
	return s.readDB
}

// ExecWrite executes a single write statement under the writer mutex and
// returns the number of affected rows.
func (s *Store) ExecWrite(ctx context.Context, query string, args ...any) (int64, error) {
	if s.isClosed() {
		return 0, ErrClosed
	}
	s.writerMu.Lock()
	defer s.writerMu.Unlock()

	s.checkWriter(ctx)
	res, err := s.writerDB.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Transaction runs fn inside a write transaction on the writer connection.
// The transaction begins immediately (write lock up front), commits when fn
// returns nil and rolls back otherwise. A warning is logged when the
// transaction holds the writer for more than 80% of the busy timeout.
func (s *Store) Transaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if s.isClosed() {
		return ErrClosed
	}
	s.writerMu.Lock()
	defer s.writerMu.Unlock()

	s.checkWriter(ctx)

	start := time.Now()
	tx, err := s.writerDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			lg := log.WithComponent("store")
			lg.Warn().Err(rbErr).Msg("rollback failed")
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}

	if elapsed := time.Since(start); elapsed > s.busyTimeout*8/10 {
		lg := log.WithComponent("store")
		lg.Warn().
			Dur("elapsed", elapsed).
			Dur("busy_timeout", s.busyTimeout).
			Msg("slow write transaction")
	}
	return nil
}

// ExecHeartbeat executes a write on the dedicated heartbeat connection. It
// deliberately bypasses the writer mutex: liveness updates must not share a
// connection (or its transaction state) with job execution.
func (s *Store) ExecHeartbeat(ctx context.Context, query string, args ...any) (int64, error) {
	if s.isClosed() {
		return 0, ErrClosed
	}
	res, err := s.heartbeat.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// checkWriter verifies the writer connection is alive before reuse. A broken
// connection is discarded by the pool on the next use; this only surfaces the
// condition early and loudly.
func (s *Store) checkWriter(ctx context.Context) {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	var one int
	if err := s.writerDB.QueryRowContext(pingCtx, "SELECT 1").Scan(&one); err != nil {
		lg := log.WithComponent("store")
		lg.Warn().Err(err).Msg("writer connection unhealthy, pool will reopen")
	}
}

// Health reports whether the database answers a trivial query in time.
func (s *Store) Health(ctx context.Context) bool {
	if s.isClosed() {
		return false
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	var one int
	return s.readDB.QueryRowContext(pingCtx, "SELECT 1").Scan(&one) == nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close shuts the store down. The store is single-use: a closed store cannot
// be reopened.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	var firstErr error
	for _, db := range []*sql.DB{s.heartbeat, s.writerDB, s.readDB} {
		if db == nil {
			continue
		}
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
