// SPDX-License-Identifier: MIT

// Package media defines the persistent domain model: files, tracks and the
// derived track-set views that the evaluator and planner operate on.
package media

import (
	"time"
)

// TrackType identifies the kind of elementary stream a track carries.
type TrackType string

const (
	TrackVideo      TrackType = "video"
	TrackAudio      TrackType = "audio"
	TrackSubtitle   TrackType = "subtitle"
	TrackAttachment TrackType = "attachment"
)

// ScanStatus records the outcome of the most recent introspection.
type ScanStatus string

const (
	ScanOK    ScanStatus = "ok"
	ScanError ScanStatus = "error"
)

// File is one media file known to the catalog. It owns its Tracks by cascade.
type File struct {
	ID          int64
	Path        string // absolute, unique
	Filename    string
	Directory   string
	Extension   string
	Size        int64
	Container   string
	PartialHash string // SHA-256 of the first 16 KiB
	ModTime     time.Time
	ScanTime    time.Time
	ScanStatus  ScanStatus
	ScanError   string
}

// Track is one elementary stream within a file. Tracks are replaced wholesale
// on re-scan; TrackIndex is zero-based and unique per file.
type Track struct {
	ID         int64
	FileID     int64
	TrackIndex int
	Type       TrackType
	Codec      string
	Language   string
	Title      string
	Default    bool
	Forced     bool

	// Audio
	Channels      int
	ChannelLayout string

	// Video
	Width          int
	Height         int
	FrameRate      float64
	ColorTransfer  string
	ColorPrimaries string
	ColorSpace     string
	ColorRange     string

	Duration float64 // seconds, 0 when unknown
}

// LanguageClassification labels the outcome of a spoken-language analysis.
type LanguageClassification string

const (
	SingleLanguage LanguageClassification = "SINGLE_LANGUAGE"
	MultiLanguage  LanguageClassification = "MULTI_LANGUAGE"
)

// LanguageSegment is one detected span of speech in a single language.
type LanguageSegment struct {
	Language   string
	StartTime  float64
	EndTime    float64
	Confidence float64 // [0,1]
}

// LanguageAnalysis is the cached result of a spoken-language analysis for one
// audio track. The cache is valid iff FileHash equals the file's current
// partial hash.
type LanguageAnalysis struct {
	TrackID           int64
	FileHash          string
	PrimaryLanguage   string
	PrimaryPercentage float64
	Classification    LanguageClassification
	Segments          []LanguageSegment
	PluginName        string
	PluginVersion     string
	Model             string
	SamplePositions   []float64
	SpeechRatio       float64
}

// SecondaryFractions returns the fraction of analysed time attributed to each
// language other than the primary.
func (a *LanguageAnalysis) SecondaryFractions() map[string]float64 {
	total := 0.0
	byLang := map[string]float64{}
	for _, seg := range a.Segments {
		d := seg.EndTime - seg.StartTime
		if d <= 0 {
			continue
		}
		total += d
		byLang[seg.Language] += d
	}
	out := map[string]float64{}
	if total == 0 {
		return out
	}
	for l, d := range byLang {
		if l == a.PrimaryLanguage {
			continue
		}
		out[l] = d / total
	}
	return out
}

// TrackSet is an ordered view over one file's tracks.
type TrackSet struct {
	Tracks []Track
}

// ByType returns the tracks of the given type in index order.
func (ts TrackSet) ByType(t TrackType) []Track {
	var out []Track
	for _, tr := range ts.Tracks {
		if tr.Type == t {
			out = append(out, tr)
		}
	}
	return out
}

// Audio is shorthand for ByType(TrackAudio).
func (ts TrackSet) Audio() []Track { return ts.ByType(TrackAudio) }

// Video is shorthand for ByType(TrackVideo).
func (ts TrackSet) Video() []Track { return ts.ByType(TrackVideo) }

// Subtitles is shorthand for ByType(TrackSubtitle).
func (ts TrackSet) Subtitles() []Track { return ts.ByType(TrackSubtitle) }

// Attachments is shorthand for ByType(TrackAttachment).
func (ts TrackSet) Attachments() []Track { return ts.ByType(TrackAttachment) }

// CountByType returns per-type track counts.
func (ts TrackSet) CountByType() map[TrackType]int {
	out := map[TrackType]int{}
	for _, tr := range ts.Tracks {
		out[tr.Type]++
	}
	return out
}

// ByIndex returns the track with the given zero-based index, or nil.
func (ts TrackSet) ByIndex(idx int) *Track {
	for i := range ts.Tracks {
		if ts.Tracks[i].TrackIndex == idx {
			return &ts.Tracks[i]
		}
	}
	return nil
}
