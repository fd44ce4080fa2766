// SPDX-License-Identifier: MIT

package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vpo-project/vpo/internal/policy"
	"github.com/vpo-project/vpo/internal/queue"
	"github.com/vpo-project/vpo/internal/tools"
)

func TestExitCodeMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{nil, exitOK},
		{errors.New("something"), exitGeneral},
		{fmt.Errorf("load: %w", policy.ErrValidation), exitPolicyInvalid},
		{fmt.Errorf("target: %w", os.ErrNotExist), exitTargetNotFound},
		{queue.ErrJobNotFound, exitTargetNotFound},
		{fmt.Errorf("ffprobe: %w", tools.ErrToolUnavailable), exitToolUnavailable},
		{fmt.Errorf("%w: 1 of 2 files", errOperationFailed), exitOperationFailed},
		// tool gaps outrank the generic operation failure
		{fmt.Errorf("%w: %w", errOperationFailed, tools.ErrToolUnavailable), exitToolUnavailable},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.code, exitCode(tc.err), "error %v", tc.err)
	}
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := runCLI(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "vpo dev")
}

func TestJobsListEmptyQueue(t *testing.T) {
	out, err := runCLI(t, "--data-dir", t.TempDir(), "jobs", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "STATUS")
}

func TestJobsCancelUnknownJobMapsToNotFound(t *testing.T) {
	_, err := runCLI(t, "--data-dir", t.TempDir(), "jobs", "cancel",
		"00000000-0000-4000-8000-000000000000")
	require.Error(t, err)
	assert.Equal(t, exitTargetNotFound, exitCode(err))
}

func TestApplyRejectsInvalidPolicy(t *testing.T) {
	dir := t.TempDir()
	pol := dir + "/bad.yaml"
	require.NoError(t, os.WriteFile(pol, []byte("schema_version: 1\nphases: []\n"), 0o644))
	target := dir + "/a.mkv"
	require.NoError(t, os.WriteFile(target, []byte("x"), 0o644))

	_, err := runCLI(t, "--data-dir", t.TempDir(), "apply", "--policy", pol, target)
	require.Error(t, err)
	assert.Equal(t, exitPolicyInvalid, exitCode(err))
}

func TestApplyMissingTargetMapsToNotFound(t *testing.T) {
	dir := t.TempDir()
	pol := dir + "/ok.yaml"
	require.NoError(t, os.WriteFile(pol, []byte("schema_version: 12\nphases: []\n"), 0o644))

	_, err := runCLI(t, "--data-dir", t.TempDir(), "apply", "--policy", pol, dir+"/missing.mkv")
	require.Error(t, err)
	assert.Equal(t, exitTargetNotFound, exitCode(err))
}

func TestApplyQueueEnqueuesJobs(t *testing.T) {
	dir := t.TempDir()
	pol := dir + "/ok.yaml"
	require.NoError(t, os.WriteFile(pol, []byte("schema_version: 12\nphases: []\n"), 0o644))
	target := dir + "/a.mkv"
	require.NoError(t, os.WriteFile(target, []byte("x"), 0o644))

	data := t.TempDir()
	out, err := runCLI(t, "--data-dir", data, "apply", "--policy", pol, "--queue", "--priority", "10", target)
	require.NoError(t, err)
	assert.Contains(t, out, "queued")

	list, err := runCLI(t, "--data-dir", data, "jobs", "list", "--status", "queued")
	require.NoError(t, err)
	assert.Contains(t, list, target)
	assert.Contains(t, list, "process")
}
