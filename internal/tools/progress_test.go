// SPDX-License-Identifier: MIT

package tools

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProgressParser(t *testing.T) {
	lines := []string{
		"frame=120",
		"fps=48.02",
		"bitrate=1543.2kbits/s",
		"out_time_us=5000000",
		"speed=2.01x",
		"progress=continue",
		"frame=240",
		"fps=47.80",
		"bitrate=1600.0kbits/s",
		"out_time_us=10000000",
		"speed=1.99x",
		"progress=end",
	}

	ticks := ParseProgressLines(lines)
	require.Len(t, ticks, 2)

	require.EqualValues(t, 120, ticks[0].Frame)
	require.InDelta(t, 48.02, ticks[0].FPS, 0.001)
	require.Equal(t, "1543.2kbits/s", ticks[0].Bitrate)
	require.InDelta(t, 2.01, ticks[0].Speed, 0.001)
	require.InDelta(t, 5.0, ticks[0].OutTimeSeconds, 0.001)

	require.EqualValues(t, 240, ticks[1].Frame)
	require.InDelta(t, 10.0, ticks[1].OutTimeSeconds, 0.001)
}

func TestProgressParserIgnoresGarbage(t *testing.T) {
	ticks := ParseProgressLines([]string{"", "not a kv line", "stray=field"})
	require.Empty(t, ticks)
}
