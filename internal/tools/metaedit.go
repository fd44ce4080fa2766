// SPDX-License-Identifier: MIT

package tools

import (
	"context"
	"fmt"
	"time"
)

// TrackEdit describes in-place metadata changes for one track. Nil pointers
// leave the attribute untouched.
type TrackEdit struct {
	TrackIndex  int
	SetDefault  *bool
	SetForced   *bool
	SetLanguage *string
	SetTitle    *string
}

// MetadataEdit is one in-place edit batch against a single file.
type MetadataEdit struct {
	ContainerTitle *string
	Tracks         []TrackEdit
}

// Empty reports whether the edit would change nothing.
func (e MetadataEdit) Empty() bool {
	if e.ContainerTitle != nil {
		return false
	}
	for _, tr := range e.Tracks {
		if tr.SetDefault != nil || tr.SetForced != nil || tr.SetLanguage != nil || tr.SetTitle != nil {
			return false
		}
	}
	return true
}

// MetadataEditor applies metadata edits without repacking streams
// (mkvpropedit).
type MetadataEditor struct {
	Bin     string
	Timeout time.Duration
}

// NewMetadataEditor returns an editor for the given binary.
func NewMetadataEditor(bin string) *MetadataEditor {
	return &MetadataEditor{Bin: bin, Timeout: 2 * time.Minute}
}

// Apply performs the edit in place. Exit 0 means success; stdout/stderr are
// captured verbatim in the returned result.
func (m *MetadataEditor) Apply(ctx context.Context, path string, edit MetadataEdit) (CommandResult, error) {
	if m.Bin == "" {
		return CommandResult{}, &UnavailableError{Tool: "mkvpropedit", Purpose: "in-place metadata editing"}
	}
	if edit.Empty() {
		return CommandResult{}, nil
	}

	args := []string{path}
	if edit.ContainerTitle != nil {
		args = append(args, "--edit", "info", "--set", "title="+*edit.ContainerTitle)
	}
	for _, tr := range edit.Tracks {
		// mkvpropedit numbers tracks from 1
		args = append(args, "--edit", fmt.Sprintf("track:@%d", tr.TrackIndex+1))
		if tr.SetDefault != nil {
			args = append(args, "--set", "flag-default="+boolFlag(*tr.SetDefault))
		}
		if tr.SetForced != nil {
			args = append(args, "--set", "flag-forced="+boolFlag(*tr.SetForced))
		}
		if tr.SetLanguage != nil {
			args = append(args, "--set", "language="+*tr.SetLanguage)
		}
		if tr.SetTitle != nil {
			args = append(args, "--set", "name="+*tr.SetTitle)
		}
	}

	return runCommand(ctx, "mkvpropedit", m.Bin, args, m.Timeout)
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
