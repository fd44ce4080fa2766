// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 10*time.Second, cfg.BusyTimeout())
	require.Equal(t, "fail", cfg.OnError)
	require.Equal(t, 7, cfg.Jobs.LogCompressionDays)
	require.Equal(t, 90, cfg.Jobs.LogDeletionDays)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vpo.yaml")
	content := `
data_dir: /srv/vpo
on_error: continue
worker:
  max_files: 25
  end_by: "03:30"
jobs:
  retention_days: 14
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/srv/vpo", cfg.DataDir)
	require.Equal(t, "continue", cfg.OnError)
	require.Equal(t, 25, cfg.Worker.MaxFiles)
	require.Equal(t, "03:30", cfg.Worker.EndBy)
	require.Equal(t, 14, cfg.Jobs.RetentionDays)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vpo.yaml")
	require.NoError(t, os.WriteFile(path, []byte("data_dir: /srv/vpo\n"), 0o644))
	t.Setenv("VPO_DATA_DIR", "/tank/vpo")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/tank/vpo", cfg.DataDir)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.OnError = "explode"
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Worker.EndBy = "25:99"
	require.Error(t, cfg.Validate())
}

func TestResolveFFprobeBin(t *testing.T) {
	statExists := func(string) (os.FileInfo, error) { return fakeFileInfo{}, nil }
	statMissing := func(string) (os.FileInfo, error) { return nil, os.ErrNotExist }

	require.Equal(t, "/opt/ffprobe", resolveFFprobeBinWithStat("/opt/ffprobe", "", statMissing))
	require.Equal(t, "/opt/bin/ffprobe", resolveFFprobeBinWithStat("", "/opt/bin/ffmpeg", statExists))
	require.Equal(t, "", resolveFFprobeBinWithStat("", "ffmpeg", statExists))
	require.Equal(t, "", resolveFFprobeBinWithStat("", "/opt/bin/ffmpeg", statMissing))
	require.Equal(t, "", resolveFFprobeBinWithStat("", "/opt/bin/ffmpeg-custom", statExists))
}

type fakeFileInfo struct{ os.FileInfo }

func (fakeFileInfo) IsDir() bool { return false }
