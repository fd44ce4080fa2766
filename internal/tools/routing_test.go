// SPDX-License-Identifier: MIT

package tools

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func fullToolset() *Toolset {
	return &Toolset{
		FFmpegBin:      "/usr/bin/ffmpeg",
		FFprobeBin:     "/usr/bin/ffprobe",
		MkvmergeBin:    "/usr/bin/mkvmerge",
		MkvpropeditBin: "/usr/bin/mkvpropedit",
	}
}

func TestSelectRouteContainerChange(t *testing.T) {
	route, err := SelectRoute(fullToolset(), PlanShape{ChangesContainer: true, TargetContainer: "mp4"}, "mkv")
	require.NoError(t, err)
	require.Equal(t, RouteRemuxFFmpeg, route)

	route, err = SelectRoute(fullToolset(), PlanShape{ChangesContainer: true, TargetContainer: "mkv"}, "mp4")
	require.NoError(t, err)
	require.Equal(t, RouteRemuxMkvmerge, route)
}

func TestSelectRouteTrackRemoval(t *testing.T) {
	route, err := SelectRoute(fullToolset(), PlanShape{RemovesTracks: true}, "mkv")
	require.NoError(t, err)
	require.Equal(t, RouteRemuxMkvmerge, route)

	route, err = SelectRoute(fullToolset(), PlanShape{RemovesTracks: true}, "mp4")
	require.NoError(t, err)
	require.Equal(t, RouteRemuxFFmpeg, route)
}

func TestSelectRouteReorder(t *testing.T) {
	route, err := SelectRoute(fullToolset(), PlanShape{ReordersTracks: true}, "mkv")
	require.NoError(t, err)
	require.Equal(t, RouteRemuxMkvmerge, route)
}

func TestSelectRouteMetadataOnly(t *testing.T) {
	route, err := SelectRoute(fullToolset(), PlanShape{}, "mkv")
	require.NoError(t, err)
	require.Equal(t, RouteMetadataEdit, route)
}

func TestSelectRouteNamesMissingTool(t *testing.T) {
	ts := fullToolset()
	ts.MkvmergeBin = ""

	_, err := SelectRoute(ts, PlanShape{RemovesTracks: true}, "mkv")
	require.Error(t, err)
	require.ErrorIs(t, err, ErrToolUnavailable)

	var unavailable *UnavailableError
	require.True(t, errors.As(err, &unavailable))
	require.Equal(t, "mkvmerge", unavailable.Tool)
	require.Contains(t, unavailable.Purpose, "track removal")
}
