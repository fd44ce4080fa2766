// SPDX-License-Identifier: MIT

package tools

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vpo-project/vpo/internal/media"
)

const sampleProbeJSON = `{
  "format": {
    "format_name": "matroska,webm",
    "duration": "5400.125",
    "tags": {"TITLE": "Some Film", "ENCODER": "libebml"}
  },
  "streams": [
    {
      "index": 0,
      "codec_type": "video",
      "codec_name": "hevc",
      "width": 3840,
      "height": 2160,
      "r_frame_rate": "24000/1001",
      "color_transfer": "smpte2084",
      "color_primaries": "bt2020",
      "disposition": {"default": 1, "forced": 0}
    },
    {
      "index": 1,
      "codec_type": "audio",
      "codec_name": "EAC3",
      "channels": 6,
      "channel_layout": "5.1(side)",
      "disposition": {"default": 1, "forced": 0},
      "tags": {"language": "eng", "title": "Surround"}
    },
    {
      "index": 2,
      "codec_type": "subtitle",
      "codec_name": "subrip",
      "disposition": {"default": 0, "forced": 1},
      "tags": {"language": "ger"}
    }
  ]
}`

func TestParseProbeOutput(t *testing.T) {
	out, err := parseProbeOutput(sampleProbeJSON, "")
	require.NoError(t, err)

	require.Equal(t, "matroska", out.Container)
	require.InDelta(t, 5400.125, out.Duration, 0.001)
	require.Equal(t, "Some Film", out.Tags["title"])
	require.Len(t, out.Tracks, 3)

	video := out.Tracks[0]
	require.Equal(t, media.TrackVideo, video.Type)
	require.Equal(t, "hevc", video.Codec)
	require.Equal(t, 3840, video.Width)
	require.InDelta(t, 23.976, video.FrameRate, 0.001)
	require.Equal(t, "smpte2084", video.ColorTransfer)
	require.True(t, video.Default)

	audio := out.Tracks[1]
	require.Equal(t, media.TrackAudio, audio.Type)
	require.Equal(t, "eac3", audio.Codec, "codec names are lowercased")
	require.Equal(t, 6, audio.Channels)
	require.Equal(t, "eng", audio.Language)
	require.Equal(t, "Surround", audio.Title)

	sub := out.Tracks[2]
	require.Equal(t, media.TrackSubtitle, sub.Type)
	require.True(t, sub.Forced)
	require.Equal(t, "ger", sub.Language)
}

func TestParseProbeOutputCollectsWarnings(t *testing.T) {
	out, err := parseProbeOutput(`{"format": {"format_name": "mp4"}, "streams": []}`, "deprecated option\nsomething else")
	require.NoError(t, err)
	require.Equal(t, []string{"deprecated option", "something else"}, out.Warnings)
}

func TestParseProbeOutputRejectsGarbage(t *testing.T) {
	_, err := parseProbeOutput("not json", "")
	require.Error(t, err)
}
