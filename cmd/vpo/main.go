// SPDX-License-Identifier: MIT

// Command vpo is the local media policy orchestrator: scan a library,
// apply declarative policies to files, and run the durable job queue.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/vpo-project/vpo/internal/policy"
	"github.com/vpo-project/vpo/internal/queue"
	"github.com/vpo-project/vpo/internal/tools"
)

// Exit codes are contract with wrapping scripts.
const (
	exitOK              = 0
	exitGeneral         = 1
	exitPolicyInvalid   = 2
	exitTargetNotFound  = 3
	exitToolUnavailable = 4
	exitOperationFailed = 5
)

// errOperationFailed marks a run where the pipeline executed but at
// least one file failed.
var errOperationFailed = errors.New("operation failed")

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "vpo:", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, policy.ErrValidation):
		return exitPolicyInvalid
	case errors.Is(err, os.ErrNotExist), errors.Is(err, queue.ErrJobNotFound):
		return exitTargetNotFound
	case errors.Is(err, tools.ErrToolUnavailable):
		return exitToolUnavailable
	case errors.Is(err, errOperationFailed):
		return exitOperationFailed
	default:
		return exitGeneral
	}
}
