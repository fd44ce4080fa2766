// SPDX-License-Identifier: MIT

package tools

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vpo-project/vpo/internal/log"
)

var invokeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "vpo_tool_invocations_total",
	Help: "Total external tool invocations",
}, []string{"tool", "result"})

// CommandResult captures one finished subprocess.
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// runCommand executes a tool with the caller-supplied timeout. On timeout the
// child gets SIGTERM, then SIGKILL after a short grace. Stdout and stderr are
// captured verbatim.
func runCommand(ctx context.Context, tool, bin string, args []string, timeout time.Duration) (CommandResult, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, bin, args...) // #nosec G204 -- args are built from validated plans
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 5 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger := log.WithComponent("tools")
	logger.Debug().Str("tool", tool).Strs("args", args).Msg("invoking")

	start := time.Now()
	err := cmd.Run()
	res := CommandResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err == nil {
		invokeTotal.WithLabelValues(tool, "ok").Inc()
		return res, nil
	}

	timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
	} else {
		res.ExitCode = -1
	}

	reason := "error"
	if timedOut {
		reason = "timeout"
	}
	invokeTotal.WithLabelValues(tool, reason).Inc()
	logger.Warn().
		Str("tool", tool).
		Int("exit_code", res.ExitCode).
		Bool("timeout", timedOut).
		Msg("tool invocation failed")

	return res, &ToolError{
		Tool:     tool,
		ExitCode: res.ExitCode,
		Stderr:   res.Stderr,
		Timeout:  timedOut,
		Err:      err,
	}
}
