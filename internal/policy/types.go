// SPDX-License-Identifier: MIT

// Package policy defines the versioned, phased policy document and its
// validation. Only validated documents enter the planner.
package policy

import (
	"fmt"
	"regexp"

	"gopkg.in/yaml.v3"
)

// MinSchemaVersion is the oldest document schema the loader accepts.
const MinSchemaVersion = 12

// OnError selects the effect of a failing operation.
type OnError string

const (
	OnErrorSkip     OnError = "skip"
	OnErrorContinue OnError = "continue"
	OnErrorFail     OnError = "fail"
)

// Document is one validated policy.
type Document struct {
	SchemaVersion int          `yaml:"schema_version"`
	Name          string       `yaml:"name"`
	Config        GlobalConfig `yaml:"config"`
	Phases        []Phase      `yaml:"phases"`
}

// GlobalConfig carries document-wide settings.
type GlobalConfig struct {
	LanguagePreferences []string `yaml:"language_preferences"`
	CommentaryPatterns  []string `yaml:"commentary_patterns"`
	OnError             OnError  `yaml:"on_error"`

	commentaryRegexps []*regexp.Regexp
}

// CommentaryRegexps returns the compiled commentary patterns. Valid only
// after Validate.
func (g *GlobalConfig) CommentaryRegexps() []*regexp.Regexp {
	return g.commentaryRegexps
}

// RunIf gates a phase on an earlier phase having modified the file.
type RunIf struct {
	PhaseModified string `yaml:"phase_modified"`
}

/// Phase is one named policy step: a bundle of optional operations plus
// gating.
type Phase struct {
	Name      string      `yaml:"name"`
	SkipWhen  []Condition `yaml:"skip_when"` // OR over conditions
	DependsOn []string    `yaml:"depends_on"`
	RunIf     *RunIf      `yaml:"run_if"`
	OnError   OnError     `yaml:"on_error"` // empty = inherit global

	Container        *ContainerOp        `yaml:"container"`
	AudioFilter      *AudioFilterOp      `yaml:"audio_filter"`
	SubtitleFilter   *SubtitleFilterOp   `yaml:"subtitle_filter"`
	AttachmentFilter *AttachmentFilterOp `yaml:"attachment_filter"`
	TrackOrder       []string            `yaml:"track_order"`
	DefaultFlags     *DefaultFlagsOp     `yaml:"default_flags"`
	Rules            []ConditionalRule   `yaml:"conditional"`
	AudioSynthesis   []SynthesisDef      `yaml:"audio_synthesis"`
	VideoTranscode   *VideoTranscodeOp   `yaml:"video_transcode"`
	AudioTranscode   *AudioTranscodeOp   `yaml:"audio_transcode"`
	Transcription    *TranscriptionOp    `yaml:"transcription"`
	FileTimestamp    *FileTimestampOp    `yaml:"file_timestamp"`
	AudioActions     *TrackActionsOp     `yaml:"audio_actions"`
	SubtitleActions  *TrackActionsOp     `yaml:"subtitle_actions"`
}

// Empty reports whether the phase declares no operations at all.
func (p *Phase) Empty() bool {
	return p.Container == nil && p.AudioFilter == nil && p.SubtitleFilter == nil &&
		p.AttachmentFilter == nil && len(p.TrackOrder) == 0 && p.DefaultFlags == nil &&
		len(p.Rules) == 0 && len(p.AudioSynthesis) == 0 && p.VideoTranscode == nil &&
		p.AudioTranscode == nil && p.Transcription == nil && p.FileTimestamp == nil &&
		p.AudioActions == nil && p.SubtitleActions == nil
}

// ContainerOp changes the container format by remux.
type ContainerOp struct {
	Target string `yaml:"target"` // "mkv", "mp4", ...
}

// FallbackMode selects what happens when an audio filter would keep fewer
// than the minimum tracks.
type FallbackMode string

const (
	FallbackError           FallbackMode = "error"
	FallbackKeepAll         FallbackMode = "keep_all"
	FallbackKeepFirst       FallbackMode = "keep_first"
	FallbackContentLanguage FallbackMode = "content_language"
)

// AudioFilterOp keeps audio tracks by language with classification carve-outs.
type AudioFilterOp struct {
	Languages []string     `yaml:"languages"`
	Minimum   int          `yaml:"minimum"`
	Fallback  FallbackMode `yaml:"fallback"`
	// PreserveClassifications exempts classified tracks (commentary, music,
	// sfx, non-speech) from language filtering.
	PreserveClassifications []string `yaml:"preserve_classifications"`
}

// SubtitleFilterOp filters subtitle tracks.
type SubtitleFilterOp struct {
	RemoveAll      bool     `yaml:"remove_all"`
	PreserveForced bool     `yaml:"preserve_forced"`
	Languages      []string `yaml:"languages"`
}

// AttachmentFilterOp removes container attachments.
type AttachmentFilterOp struct {
	RemoveAll bool `yaml:"remove_all"`
}

// DefaultPick selects the track that receives the default flag for a type.
type DefaultPick struct {
	Language string `yaml:"language"`
}

// DefaultFlagsOp sets at most one default flag per track type.
type DefaultFlagsOp struct {
	Audio       *DefaultPick `yaml:"audio"`
	Subtitle    *DefaultPick `yaml:"subtitle"`
	ClearOthers bool         `yaml:"clear_others"`
}

// VideoTranscodeOp declares the target video encoding.
type VideoTranscodeOp struct {
	TargetCodec string `yaml:"target_codec"`
	MaxWidth    int    `yaml:"max_width"`
	MaxHeight   int    `yaml:"max_height"`
	CRF         int    `yaml:"crf"`
	// Encoder is "software", "hardware" or "auto" (prefer hardware).
	Encoder string `yaml:"encoder"`
}

// AudioTranscodeOp re-encodes all remaining audio tracks to one codec.
type AudioTranscodeOp struct {
	TargetCodec string `yaml:"target_codec"`
	BitrateKbps int    `yaml:"bitrate_kbps"`
}

// TranscriptionOp requests a spoken-language analysis for audio tracks. The
// model invocation itself is an external plugin; the op only schedules it.
type TranscriptionOp struct {
	Languages []string `yaml:"languages"`
}

// FileTimestampOp preserves the file's modification time across the phase.
type FileTimestampOp struct {
	PreserveMTime bool `yaml:"preserve_mtime"`
}

// TrackActionsOp applies bulk flag edits to all tracks of one type.
type TrackActionsOp struct {
	ClearForced  bool `yaml:"clear_forced"`
	ClearDefault bool `yaml:"clear_default"`
}

// SynthesisDef declares one synthesised audio track.
type SynthesisDef struct {
	Name        string                `yaml:"name"`
	CreateIf    *Condition            `yaml:"create_if"`
	Codec       string                `yaml:"codec"`
	Channels    int                   `yaml:"channels"`
	BitrateKbps int                   `yaml:"bitrate_kbps"` // 0 = default table
	Title       string                `yaml:"title"`        // "inherit" or literal
	Language    string                `yaml:"language"`     // "inherit" or literal
	Position    SynthesisPosition     `yaml:"position"`
	Preferences []PreferenceCriterion `yaml:"preferences"`
}

// SynthesisPosition is either a 1-based absolute position, "after_source" or
// "end".
type SynthesisPosition struct {
	Absolute    int // 1-based; 0 when symbolic
	AfterSource bool
	End         bool
}

// UnmarshalYAML accepts an integer or the symbolic forms.
func (p *SynthesisPosition) UnmarshalYAML(node *yaml.Node) error {
	var asInt int
	if err := node.Decode(&asInt); err == nil {
		if asInt < 1 {
			return fmt.Errorf("position must be >= 1, got %d", asInt)
		}
		p.Absolute = asInt
		return nil
	}
	var asStr string
	if err := node.Decode(&asStr); err != nil {
		return fmt.Errorf("position must be an integer, %q or %q", "after_source", "end")
	}
	switch asStr {
	case "after_source":
		p.AfterSource = true
	case "end", "":
		p.End = true
	default:
		return fmt.Errorf("unknown position %q", asStr)
	}
	return nil
}

// IsZero reports whether no position was declared (defaults to end).
func (p SynthesisPosition) IsZero() bool {
	return p.Absolute == 0 && !p.AfterSource && !p.End
}

// PreferenceCriterion narrows synthesis source candidates. Exactly one field
// is set.
type PreferenceCriterion struct {
	Language      []string        `yaml:"language"`
	NotCommentary bool            `yaml:"not_commentary"`
	Channels      *ChannelsPrefer `yaml:"channels"`
	Codec         []string        `yaml:"codec"`
}

// ChannelsPrefer is "MAX", "MIN" or an exact channel count.
type ChannelsPrefer struct {
	Max   bool
	Min   bool
	Exact int
}

// UnmarshalYAML accepts MAX, MIN or an integer.
func (c *ChannelsPrefer) UnmarshalYAML(node *yaml.Node) error {
	var asInt int
	if err := node.Decode(&asInt); err == nil {
		if asInt < 1 {
			return fmt.Errorf("channels preference must be >= 1, got %d", asInt)
		}
		c.Exact = asInt
		return nil
	}
	var asStr string
	if err := node.Decode(&asStr); err != nil {
		return fmt.Errorf("channels preference must be MAX, MIN or an integer")
	}
	switch asStr {
	case "MAX", "max":
		c.Max = true
	case "MIN", "min":
		c.Min = true
	default:
		return fmt.Errorf("unknown channels preference %q", asStr)
	}
	return nil
}
