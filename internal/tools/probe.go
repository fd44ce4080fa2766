// SPDX-License-Identifier: MIT

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/vpo-project/vpo/internal/media"
)

// ProbeResult is the introspector's view of one container.
type ProbeResult struct {
	Container string
	Duration  float64
	Tags      map[string]string
	Tracks    []media.Track
	Warnings  []string
}

// Prober runs the introspector (ffprobe) against a file. Pure read, no
// side-effects on the file.
type Prober struct {
	Bin     string
	Timeout time.Duration
}

// NewProber returns a Prober for the given binary.
func NewProber(bin string) *Prober {
	return &Prober{Bin: bin, Timeout: 60 * time.Second}
}

type ffprobeOutput struct {
	Format struct {
		FormatName string            `json:"format_name"`
		Duration   string            `json:"duration"`
		Tags       map[string]string `json:"tags"`
	} `json:"format"`
	Streams []ffprobeStream `json:"streams"`
}

type ffprobeStream struct {
	Index          int    `json:"index"`
	CodecType      string `json:"codec_type"`
	CodecName      string `json:"codec_name"`
	Channels       int    `json:"channels"`
	ChannelLayout  string `json:"channel_layout"`
	Width          int    `json:"width"`
	Height         int    `json:"height"`
	RFrameRate     string `json:"r_frame_rate"`
	ColorTransfer  string `json:"color_transfer"`
	ColorPrimaries string `json:"color_primaries"`
	ColorSpace     string `json:"color_space"`
	ColorRange     string `json:"color_range"`
	Duration       string `json:"duration"`
	Disposition    struct {
		Default int `json:"default"`
		Forced  int `json:"forced"`
	} `json:"disposition"`
	Tags map[string]string `json:"tags"`
}

// Probe introspects the container and returns its tracks in stream order.
func (p *Prober) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	if p.Bin == "" {
		return nil, &UnavailableError{Tool: "ffprobe", Purpose: "container introspection"}
	}

	args := []string{
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	}
	res, err := runCommand(ctx, "ffprobe", p.Bin, args, p.Timeout)
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", path, err)
	}
	out, err := parseProbeOutput(res.Stdout, res.Stderr)
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", path, err)
	}
	return out, nil
}

// parseProbeOutput maps ffprobe JSON to a ProbeResult.
func parseProbeOutput(stdout, stderr string) (*ProbeResult, error) {
	var raw ffprobeOutput
	if err := json.Unmarshal([]byte(stdout), &raw); err != nil {
		return nil, fmt.Errorf("parse output: %w", err)
	}

	out := &ProbeResult{
		Container: primaryFormat(raw.Format.FormatName),
		Tags:      lowercaseKeys(raw.Format.Tags),
	}
	if raw.Format.Duration != "" {
		if d, err := strconv.ParseFloat(raw.Format.Duration, 64); err == nil {
			out.Duration = d
		}
	}
	if stderr != "" {
		out.Warnings = strings.Split(strings.TrimSpace(stderr), "\n")
	}

	for _, st := range raw.Streams {
		tr := media.Track{
			TrackIndex:     st.Index,
			Codec:          strings.ToLower(st.CodecName),
			Channels:       st.Channels,
			ChannelLayout:  st.ChannelLayout,
			Width:          st.Width,
			Height:         st.Height,
			FrameRate:      parseFrameRate(st.RFrameRate),
			ColorTransfer:  st.ColorTransfer,
			ColorPrimaries: st.ColorPrimaries,
			ColorSpace:     st.ColorSpace,
			ColorRange:     st.ColorRange,
			Default:        st.Disposition.Default == 1,
			Forced:         st.Disposition.Forced == 1,
		}
		switch st.CodecType {
		case "video":
			tr.Type = media.TrackVideo
		case "audio":
			tr.Type = media.TrackAudio
		case "subtitle":
			tr.Type = media.TrackSubtitle
		case "attachment":
			tr.Type = media.TrackAttachment
		default:
			out.Warnings = append(out.Warnings, fmt.Sprintf("stream %d: unknown codec_type %q", st.Index, st.CodecType))
			continue
		}
		if st.Tags != nil {
			tags := lowercaseKeys(st.Tags)
			tr.Language = tags["language"]
			tr.Title = tags["title"]
		}
		if st.Duration != "" {
			if d, err := strconv.ParseFloat(st.Duration, 64); err == nil {
				tr.Duration = d
			}
		}
		out.Tracks = append(out.Tracks, tr)
	}
	return out, nil
}

// primaryFormat reduces ffprobe's comma list ("matroska,webm") to the leading
// name.
func primaryFormat(name string) string {
	if i := strings.IndexByte(name, ','); i > 0 {
		return name[:i]
	}
	return name
}

// parseFrameRate evaluates ffprobe's rational form ("24000/1001").
func parseFrameRate(r string) float64 {
	num, den, found := strings.Cut(r, "/")
	if !found {
		f, _ := strconv.ParseFloat(r, 64)
		return f
	}
	n, err1 := strconv.ParseFloat(num, 64)
	d, err2 := strconv.ParseFloat(den, 64)
	if err1 != nil || err2 != nil || d == 0 {
		return 0
	}
	return n / d
}

func lowercaseKeys(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[strings.ToLower(k)] = v
	}
	return out
}
