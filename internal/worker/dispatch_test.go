// SPDX-License-Identifier: MIT

package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vpo-project/vpo/internal/media"
	"github.com/vpo-project/vpo/internal/queue"
	"github.com/vpo-project/vpo/internal/stats"
	"github.com/vpo-project/vpo/internal/tools"
	"github.com/vpo-project/vpo/internal/workflow"
)

func TestTranscodeJobBypassesPolicyLoading(t *testing.T) {
	w, q := newTestWorker(t)
	ctx := context.Background()

	j := queue.NewJob(queue.JobTranscode, "/media/a.mkv")
	j.PolicyJSON = `{"video_encoder":"libx265","crf":22}`
	require.NoError(t, q.Insert(ctx, j))
	require.NoError(t, w.Run(ctx))

	got, err := q.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "ffmpeg", "fails on the missing transcoder, not on policy loading")
	assert.NotContains(t, got.ErrorMessage, "policy")
}

func TestTranscodeJobWithoutRequestFails(t *testing.T) {
	w, q := newTestWorker(t)
	ctx := context.Background()

	j := queue.NewJob(queue.JobTranscode, "/media/a.mkv")
	require.NoError(t, q.Insert(ctx, j))
	require.NoError(t, w.Run(ctx))

	got, err := q.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "carries no transcode request")
}

func TestLoadTranscodeRequest(t *testing.T) {
	j := queue.NewJob(queue.JobTranscode, "/media/a.mkv")
	j.PolicyJSON = `{
		"video_encoder": "hevc_nvenc",
		"crf": 20,
		"scale_width": 1920,
		"scale_height": 1080,
		"audio": [{"source_index": 1, "encoder": "aac", "bitrate_kbps": 192, "language": "eng"}],
		"keep_subtitles": false
	}`

	spec, err := loadTranscodeRequest(j)
	require.NoError(t, err)
	assert.Equal(t, "hevc_nvenc", spec.VideoEncoder)
	assert.Equal(t, 20, spec.CRF)
	assert.Equal(t, 1920, spec.ScaleWidth)
	assert.Equal(t, 1080, spec.ScaleHeight)
	assert.False(t, spec.KeepSubtitles)
	require.Len(t, spec.Audio, 1)
	assert.Equal(t, "aac", spec.Audio[0].Encoder)
	assert.Equal(t, 192, spec.Audio[0].BitrateKbps)

	j.PolicyJSON = `{"video_encoder":"libx264"}`
	spec, err = loadTranscodeRequest(j)
	require.NoError(t, err)
	assert.True(t, spec.KeepSubtitles, "subtitles are kept unless the request says otherwise")

	j.PolicyJSON = "{broken"
	_, err = loadTranscodeRequest(j)
	require.Error(t, err)
}

func TestProgressDetailCarriesAllTickFields(t *testing.T) {
	tick := tools.ProgressTick{
		Frame:          42,
		FPS:            23.9,
		Bitrate:        "5200.1kbits/s",
		Speed:          1.7,
		OutTimeSeconds: 63.5,
	}
	d := progressDetail(tick)
	assert.Equal(t, int64(42), d["frame"])
	assert.Equal(t, 23.9, d["fps"])
	assert.Equal(t, "5200.1kbits/s", d["bitrate"])
	assert.Equal(t, 1.7, d["speed"])
	assert.Equal(t, 63.5, d["out_time_seconds"])
}

func TestCollectPhaseStatsRecordsMetricsAndTranscodeFacts(t *testing.T) {
	w, q := newTestWorker(t)
	ctx := context.Background()

	j := queue.NewJob(queue.JobProcess, "/media/a.mkv")
	require.NoError(t, q.Insert(ctx, j))

	col := stats.NewCollector(j.ID)
	col.CaptureBefore(&media.File{Path: "/media/a.mkv", Size: 1000}, media.TrackSet{
		Tracks: []media.Track{{ID: 1, Type: media.TrackVideo, Codec: "h264"}},
	})

	results := []workflow.PhaseResult{
		{Phase: "gated", Skipped: true, SkipReason: "run_if"},
		{
			Phase:    "encode",
			Success:  true,
			Duration: 3 * time.Second,
			Operations: []workflow.OperationResult{
				{Name: "transcode", Success: true, ChangesMade: 2, Duration: 3 * time.Second},
			},
			VideoTargetCodec:  "hevc",
			VideoEncoderClass: "software",
			AudioTranscoded:   1,
			AudioPreserved:    2,
		},
	}
	collectPhaseStats(col, results, 1000)
	col.SetOutcome(true, 1, 2, "")
	require.NoError(t, col.Persist(ctx, w.DB))

	var metrics int
	row := w.DB.Read().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM performance_metrics WHERE stats_id = ?`, col.StatsID())
	require.NoError(t, row.Scan(&metrics))
	assert.Equal(t, 1, metrics, "skipped phases record no metric")

	var target, encoder string
	var transcoded, preserved int
	row = w.DB.Read().QueryRowContext(ctx, `
		SELECT video_target_codec, encoder_type, audio_transcoded, audio_preserved
		FROM processing_stats WHERE stats_id = ?`, col.StatsID())
	require.NoError(t, row.Scan(&target, &encoder, &transcoded, &preserved))
	assert.Equal(t, "hevc", target)
	assert.Equal(t, "software", encoder)
	assert.Equal(t, 1, transcoded)
	assert.Equal(t, 2, preserved)
}
