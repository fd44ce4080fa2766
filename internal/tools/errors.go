// SPDX-License-Identifier: MIT

package tools

import (
	"errors"
	"fmt"
)

// ErrToolUnavailable wraps every missing-tool condition.
var ErrToolUnavailable = errors.New("tool unavailable")

// UnavailableError names the missing tool and what it was needed for.
type UnavailableError struct {
	Tool    string
	Purpose string
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s is not available (needed for %s)", e.Tool, e.Purpose)
}

func (e *UnavailableError) Unwrap() error { return ErrToolUnavailable }

// ToolError is a subprocess failure: non-zero exit, spawn failure or timeout.
type ToolError struct {
	Tool     string
	ExitCode int
	Stderr   string
	Timeout  bool
	Err      error
}

func (e *ToolError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("%s timed out", e.Tool)
	}
	if e.Err != nil && e.ExitCode == 0 {
		return fmt.Sprintf("%s failed: %v", e.Tool, e.Err)
	}
	return fmt.Sprintf("%s exited with code %d", e.Tool, e.ExitCode)
}

func (e *ToolError) Unwrap() error { return e.Err }
