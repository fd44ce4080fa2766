// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"math/rand"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vpo-project/vpo/internal/log"
)

var retryTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "vpo_store_retry_total",
	Help: "Total number of retried storage operations",
}, []string{"result"})

// RetryOptions shape the exponential backoff applied to lock contention.
type RetryOptions struct {
	MaxAttempts int
	Base        time.Duration
	Cap         time.Duration
	Jitter      float64 // fraction of the delay, applied as ± jitter
}

// DefaultRetryOptions returns the standard backoff parameters.
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		MaxAttempts: 6,
		Base:        100 * time.Millisecond,
		Cap:         5 * time.Second,
		Jitter:      0.10,
	}
}

// IsBusy reports whether err is a transient SQLite lock/busy condition.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED")
}

// Retry re-invokes fn on transient lock errors with exponential, capped,
// jittered backoff. Non-lock errors are returned immediately; the last lock
// error is returned after exhaustion.
func Retry(ctx context.Context, fn func() error) error {
	return RetryWith(ctx, DefaultRetryOptions(), fn)
}

// RetryWith is Retry with explicit backoff parameters.
func RetryWith(ctx context.Context, opts RetryOptions, fn func() error) error {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}

	var lastErr error
	delay := opts.Base
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			if attempt > 1 {
				retryTotal.WithLabelValues("recovered").Inc()
			}
			return nil
		}
		if !IsBusy(err) {
			return err
		}
		lastErr = err

		if attempt == opts.MaxAttempts {
			break
		}

		sleep := delay
		if opts.Jitter > 0 {
			span := float64(sleep) * opts.Jitter
			sleep += time.Duration((rand.Float64()*2 - 1) * span) // #nosec G404 -- jitter only
		}
		lg := log.WithComponent("store")
		lg.Debug().
			Int("attempt", attempt).
			Dur("backoff", sleep).
			Msg("database busy, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}

		delay *= 2
		if delay > opts.Cap {
			delay = opts.Cap
		}
	}
	retryTotal.WithLabelValues("exhausted").Inc()
	return lastErr
}
