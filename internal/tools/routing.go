// SPDX-License-Identifier: MIT

package tools

// Route identifies the adapter that will carry out a phase's plan.
type Route string

const (
	RouteRemuxMkvmerge Route = "remux/mkvmerge"
	RouteRemuxFFmpeg   Route = "remux/ffmpeg"
	RouteMetadataEdit  Route = "metadata/mkvpropedit"
)

// PlanShape summarises the aspects of a plan that decide routing.
type PlanShape struct {
	ChangesContainer bool
	TargetContainer  string // set when ChangesContainer
	RemovesTracks    bool
	ReordersTracks   bool
}

// SelectRoute picks the tool for a plan against the given container, in the
// fixed priority order: container change, track removal, reorder, then
// metadata-only in-place edit. Availability is checked at each step so a
// missing tool produces an error naming the tool and its purpose.
func SelectRoute(ts *Toolset, shape PlanShape, container string) (Route, error) {
	target := container
	if shape.ChangesContainer {
		target = shape.TargetContainer
	}

	remuxRoute := func(purpose string) (Route, error) {
		if isMatroska(target) {
			if !ts.HasMkvmerge() {
				return "", &UnavailableError{Tool: "mkvmerge", Purpose: purpose}
			}
			return RouteRemuxMkvmerge, nil
		}
		if !ts.HasFFmpeg() {
			return "", &UnavailableError{Tool: "ffmpeg", Purpose: purpose}
		}
		return RouteRemuxFFmpeg, nil
	}

	switch {
	case shape.ChangesContainer:
		return remuxRoute("container change to " + target)
	case shape.RemovesTracks:
		return remuxRoute("track removal")
	case shape.ReordersTracks:
		// Only mkvmerge preserves deterministic track ordering on rewrite.
		if !ts.HasMkvmerge() {
			return "", &UnavailableError{Tool: "mkvmerge", Purpose: "track reordering"}
		}
		return RouteRemuxMkvmerge, nil
	default:
		if !ts.HasMkvpropedit() {
			return "", &UnavailableError{Tool: "mkvpropedit", Purpose: "in-place metadata editing"}
		}
		return RouteMetadataEdit, nil
	}
}
