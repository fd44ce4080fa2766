// SPDX-License-Identifier: MIT

package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vpo-project/vpo/internal/media"
	"github.com/vpo-project/vpo/internal/policy"
)

func TestCanonicalCodec(t *testing.T) {
	assert.Equal(t, "hevc", CanonicalCodec("h265"))
	assert.Equal(t, "hevc", CanonicalCodec("x265"))
	assert.Equal(t, "h264", CanonicalCodec("AVC"))
	assert.Equal(t, "aac", CanonicalCodec("mp4a"))
	assert.Equal(t, "vp9", CanonicalCodec("VP9"))
}

func TestNormalizeContainer(t *testing.T) {
	assert.Equal(t, "matroska", NormalizeContainer("mkv"))
	assert.Equal(t, "matroska", NormalizeContainer("webm"))
	assert.Equal(t, "mp4", NormalizeContainer("mov"))
	assert.Equal(t, "avi", NormalizeContainer("AVI"))
}

func TestDecideVideoNoTranscodeForMatchingCodec(t *testing.T) {
	track := &media.Track{Codec: "hevc", Width: 1920, Height: 1080}
	d := DecideVideo(track, &policy.VideoTranscodeOp{TargetCodec: "h265"})
	assert.False(t, d.NeedsTranscode, "h265 and hevc are the same codec")
}

func TestDecideVideoScalePreservesAspectAndEvenness(t *testing.T) {
	track := &media.Track{Codec: "hevc", Width: 3840, Height: 2160}
	d := DecideVideo(track, &policy.VideoTranscodeOp{TargetCodec: "hevc", MaxWidth: 1920})
	assert.True(t, d.NeedsTranscode)
	assert.True(t, d.NeedsScale)
	assert.Equal(t, 1920, d.TargetWidth)
	assert.Equal(t, 1080, d.TargetHeight)

	// odd source dimensions round to even targets
	track = &media.Track{Codec: "hevc", Width: 1437, Height: 1080}
	d = DecideVideo(track, &policy.VideoTranscodeOp{TargetCodec: "hevc", MaxHeight: 720})
	assert.True(t, d.NeedsScale)
	assert.Zero(t, d.TargetWidth%2)
	assert.Zero(t, d.TargetHeight%2)
	assert.Equal(t, 720, d.TargetHeight)
}

func TestDecideVideoHDRDetectionAndPreservation(t *testing.T) {
	hdr10 := &media.Track{Codec: "hevc", Width: 3840, Height: 2160, ColorTransfer: "smpte2084"}
	d := DecideVideo(hdr10, &policy.VideoTranscodeOp{TargetCodec: "hevc", MaxWidth: 1920})
	assert.Equal(t, HDR10, d.HDR)
	assert.Contains(t, d.PreservationArgs, "smpte2084")
	assert.Contains(t, d.PreservationArgs, "bt2020")

	hlg := &media.Track{Codec: "hevc", Width: 3840, Height: 2160, ColorTransfer: "arib-std-b67"}
	d = DecideVideo(hlg, &policy.VideoTranscodeOp{TargetCodec: "hevc", MaxWidth: 1920})
	assert.Equal(t, HLG, d.HDR)
	assert.Contains(t, d.PreservationArgs, "arib-std-b67")

	dv := &media.Track{Codec: "hevc", Title: "Feature (Dolby Vision)"}
	assert.Equal(t, HDRDolbyVision, DetectHDR(dv))

	sdr := &media.Track{Codec: "h264", ColorTransfer: "bt709"}
	assert.Equal(t, HDRNone, DetectHDR(sdr))
}

func TestDecideVideoNoScaleBelowLimits(t *testing.T) {
	track := &media.Track{Codec: "h264", Width: 1280, Height: 720}
	d := DecideVideo(track, &policy.VideoTranscodeOp{TargetCodec: "hevc", MaxWidth: 1920, MaxHeight: 1080})
	assert.True(t, d.NeedsTranscode, "codec still differs")
	assert.False(t, d.NeedsScale)
}
