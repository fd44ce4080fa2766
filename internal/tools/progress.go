// SPDX-License-Identifier: MIT

package tools

import (
	"strconv"
	"strings"
)

// ProgressTick is one snapshot of transcoder progress, assembled from the
// key=value lines ffmpeg emits with -progress.
type ProgressTick struct {
	Frame          int64
	FPS            float64
	Bitrate        string
	Speed          float64
	OutTimeSeconds float64
}

// ProgressParser folds a stream of key=value lines into ProgressTicks. It is
// a pure line-to-tick transformation: feed every line, collect a tick whenever
// Feed reports one complete.
type ProgressParser struct {
	cur ProgressTick
}

// Feed consumes one line. It returns (tick, true) when the line completes a
// progress block (the "progress=" terminator line).
func (p *ProgressParser) Feed(line string) (ProgressTick, bool) {
	key, value, found := strings.Cut(strings.TrimSpace(line), "=")
	if !found {
		return ProgressTick{}, false
	}
	value = strings.TrimSpace(value)

	switch key {
	case "frame":
		p.cur.Frame, _ = strconv.ParseInt(value, 10, 64)
	case "fps":
		p.cur.FPS, _ = strconv.ParseFloat(value, 64)
	case "bitrate":
		p.cur.Bitrate = value
	case "speed":
		p.cur.Speed, _ = strconv.ParseFloat(strings.TrimSuffix(value, "x"), 64)
	case "out_time_us":
		us, _ := strconv.ParseInt(value, 10, 64)
		p.cur.OutTimeSeconds = float64(us) / 1e6
	case "out_time_ms":
		ms, _ := strconv.ParseInt(value, 10, 64)
		// ffmpeg historically reports microseconds under this key
		p.cur.OutTimeSeconds = float64(ms) / 1e6
	case "progress":
		tick := p.cur
		return tick, true
	}
	return ProgressTick{}, false
}

// ParseProgressLines runs the parser over a full line slice and returns every
// completed tick, in order.
func ParseProgressLines(lines []string) []ProgressTick {
	var parser ProgressParser
	var out []ProgressTick
	for _, line := range lines {
		if tick, ok := parser.Feed(line); ok {
			out = append(out, tick)
		}
	}
	return out
}
