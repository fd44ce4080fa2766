// SPDX-License-Identifier: MIT

package plan

import (
	"fmt"
	"strings"

	"github.com/vpo-project/vpo/internal/media"
	"github.com/vpo-project/vpo/internal/policy"
	"github.com/vpo-project/vpo/internal/policy/eval"
)

// CanonicalCodec folds codec name aliases so equality checks work across
// probe output and policy spellings.
func CanonicalCodec(codec string) string {
	switch strings.ToLower(codec) {
	case "h265", "hevc", "x265":
		return "hevc"
	case "h264", "avc", "x264":
		return "h264"
	case "aac", "mp4a":
		return "aac"
	default:
		return strings.ToLower(codec)
	}
}

// NormalizeContainer folds container spellings: probe reports "matroska" and
// "mov" where policies say "mkv" and "mp4".
func NormalizeContainer(name string) string {
	switch strings.ToLower(name) {
	case "mkv", "matroska", "webm":
		return "matroska"
	case "mp4", "mov", "m4v":
		return "mp4"
	default:
		return strings.ToLower(name)
	}
}

// HDRKind classifies the high-dynamic-range encoding of a video track.
type HDRKind string

const (
	HDRNone        HDRKind = ""
	HDR10          HDRKind = "hdr10"
	HLG            HDRKind = "hlg"
	HDRDolbyVision HDRKind = "dolby_vision"
)

// DetectHDR inspects the colour transfer, falling back to the track title
// for Dolby Vision which ffprobe does not always expose.
func DetectHDR(t *media.Track) HDRKind {
	switch strings.ToLower(t.ColorTransfer) {
	case "smpte2084":
		return HDR10
	case "arib-std-b67":
		return HLG
	}
	title := strings.ToLower(t.Title)
	if strings.Contains(title, "dolby vision") || strings.Contains(title, "dovi") {
		return HDRDolbyVision
	}
	return HDRNone
}

// VideoDecision is the pure transcode/scale verdict for one video track.
type VideoDecision struct {
	NeedsTranscode bool
	NeedsScale     bool
	TargetCodec    string
	TargetWidth    int
	TargetHeight   int
	CRF            int
	Encoder        string // "software", "hardware" or "auto"
	HDR            HDRKind
	// PreservationArgs keep BT.2020 primaries and the PQ/HLG transfer
	// function when scaling HDR content. Tone mapping is never performed.
	PreservationArgs []string
	Reasons          []string
}

// DecideVideo compares one video track against the transcode operation.
func DecideVideo(t *media.Track, op *policy.VideoTranscodeOp) VideoDecision {
	d := VideoDecision{
		TargetCodec: op.TargetCodec,
		CRF:         op.CRF,
		Encoder:     op.Encoder,
		HDR:         DetectHDR(t),
	}

	if op.TargetCodec != "" && CanonicalCodec(t.Codec) != CanonicalCodec(op.TargetCodec) {
		d.NeedsTranscode = true
		d.Reasons = append(d.Reasons, fmt.Sprintf("codec %s -> %s", t.Codec, op.TargetCodec))
	}

	if w, h, scale := scaleDimensions(t.Width, t.Height, op.MaxWidth, op.MaxHeight); scale {
		d.NeedsTranscode = true
		d.NeedsScale = true
		d.TargetWidth = w
		d.TargetHeight = h
		d.Reasons = append(d.Reasons, fmt.Sprintf("scale %dx%d -> %dx%d", t.Width, t.Height, w, h))
	}

	if d.NeedsScale {
		switch d.HDR {
		case HDR10:
			d.PreservationArgs = []string{
				"-color_primaries", "bt2020",
				"-color_trc", "smpte2084",
				"-colorspace", "bt2020nc",
			}
		case HLG:
			d.PreservationArgs = []string{
				"-color_primaries", "bt2020",
				"-color_trc", "arib-std-b67",
				"-colorspace", "bt2020nc",
			}
		}
	}
	return d
}

// scaleDimensions fits (w, h) into the limits preserving aspect ratio, with
// both dimensions rounded to the nearest even integer.
func scaleDimensions(w, h, maxW, maxH int) (int, int, bool) {
	if w <= 0 || h <= 0 {
		return w, h, false
	}
	if (maxW <= 0 || w <= maxW) && (maxH <= 0 || h <= maxH) {
		return w, h, false
	}
	ratio := 1.0
	if maxW > 0 && w > maxW {
		ratio = float64(maxW) / float64(w)
	}
	if maxH > 0 && h > maxH {
		if r := float64(maxH) / float64(h); r < ratio {
			ratio = r
		}
	}
	return even(float64(w) * ratio), even(float64(h) * ratio), true
}

func even(f float64) int {
	n := int(f/2 + 0.5)
	return n * 2
}

// mp4AudioCompat maps audio codecs that MP4 cannot carry to their transcode
// defaults.
var mp4AudioCompat = map[string]AudioTranscode{
	"truehd": {TargetCodec: "aac", BitrateKbps: 256},
	"dts":    {TargetCodec: "aac", BitrateKbps: 320},
	"mlp":    {TargetCodec: "aac", BitrateKbps: 256},
}

// mp4CompatTranscodes forces incompatible kept audio tracks to an MP4-safe
// codec during a container change. Tracks the plan already re-encodes are
// left to their declared target.
func mp4CompatTranscodes(p *Plan, in *eval.Input) []AudioTranscode {
	already := map[int]bool{}
	for _, at := range p.AudioTranscodes {
		already[at.TrackIndex] = true
	}
	kept := keptSet(p, in)

	var out []AudioTranscode
	for _, t := range in.Tracks.Audio() {
		if !kept[t.TrackIndex] || already[t.TrackIndex] {
			continue
		}
		compat, ok := mp4AudioCompat[strings.ToLower(t.Codec)]
		if !ok {
			continue
		}
		compat.TrackIndex = t.TrackIndex
		compat.Reason = fmt.Sprintf("codec %s is not mp4 compatible", t.Codec)
		out = append(out, compat)
	}
	return out
}
