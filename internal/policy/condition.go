// SPDX-License-Identifier: MIT

package policy

import (
	"fmt"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Condition is the tagged sum over the condition algebra. Exactly one field
// is set per instance; composites nest.
type Condition struct {
	Exists               *ExistsCond        `yaml:"exists"`
	Count                *CountCond         `yaml:"count"`
	AudioIsMultiLanguage *MultiLanguageCond `yaml:"audio_is_multi_language"`
	PluginMetadata       *PluginMetaCond    `yaml:"plugin_metadata"`
	ContainerMetadata    *ContainerMetaCond `yaml:"container_metadata"`
	IsOriginal           *OriginCond        `yaml:"is_original"`
	IsDubbed             *OriginCond        `yaml:"is_dubbed"`
	And                  []Condition        `yaml:"and"`
	Or                   []Condition        `yaml:"or"`
	Not                  *Condition         `yaml:"not"`
}

// variantCount returns how many variant fields are set.
func (c *Condition) variantCount() int {
	n := 0
	if c.Exists != nil {
		n++
	}
	if c.Count != nil {
		n++
	}
	if c.AudioIsMultiLanguage != nil {
		n++
	}
	if c.PluginMetadata != nil {
		n++
	}
	if c.ContainerMetadata != nil {
		n++
	}
	if c.IsOriginal != nil {
		n++
	}
	if c.IsDubbed != nil {
		n++
	}
	if len(c.And) > 0 {
		n++
	}
	if len(c.Or) > 0 {
		n++
	}
	if c.Not != nil {
		n++
	}
	return n
}

// CompareOp is the numeric/string comparison operator set.
type CompareOp string

const (
	OpEq       CompareOp = "eq"
	OpNeq      CompareOp = "neq"
	OpLt       CompareOp = "lt"
	OpLte      CompareOp = "lte"
	OpGt       CompareOp = "gt"
	OpGte      CompareOp = "gte"
	OpContains CompareOp = "contains"
	OpExists   CompareOp = "exists"
)

// NumericMatch compares a numeric track attribute. YAML accepts a bare
// scalar (equality) or {op, value}.
type NumericMatch struct {
	Op    CompareOp
	Value float64
}

// UnmarshalYAML accepts `channels: 6` or `channels: {op: gte, value: 6}`.
func (n *NumericMatch) UnmarshalYAML(node *yaml.Node) error {
	var scalar float64
	if err := node.Decode(&scalar); err == nil {
		n.Op = OpEq
		n.Value = scalar
		return nil
	}
	var full struct {
		Op    CompareOp `yaml:"op"`
		Value float64   `yaml:"value"`
	}
	if err := node.Decode(&full); err != nil {
		return fmt.Errorf("numeric filter must be a number or {op, value}")
	}
	switch full.Op {
	case OpEq, OpLt, OpLte, OpGt, OpGte:
	default:
		return fmt.Errorf("numeric filter op must be one of eq, lt, lte, gt, gte; got %q", full.Op)
	}
	*n = NumericMatch{Op: full.Op, Value: full.Value}
	return nil
}

// TitleMatch matches a track title by substring (case-insensitive) or regex.
type TitleMatch struct {
	Contains string `yaml:"contains"`
	Regex    string `yaml:"regex"`

	compiled *regexp.Regexp
}

// Compiled returns the compiled regex, valid after Validate.
func (t *TitleMatch) Compiled() *regexp.Regexp { return t.compiled }

// TrackFilters is the shared attribute filter set of Exists and Count.
type TrackFilters struct {
	Language  []string      `yaml:"language"`
	Codec     []string      `yaml:"codec"`
	IsDefault *bool         `yaml:"is_default"`
	IsForced  *bool         `yaml:"is_forced"`
	Channels  *NumericMatch `yaml:"channels"`
	Width     *NumericMatch `yaml:"width"`
	Height    *NumericMatch `yaml:"height"`
	Title     *TitleMatch   `yaml:"title"`
}

// ExistsCond matches any track of the type passing every filter.
type ExistsCond struct {
	TrackType string       `yaml:"track_type"`
	Filters   TrackFilters `yaml:",inline"`
}

// CountCond compares the cardinality of the matching track set.
type CountCond struct {
	TrackType string       `yaml:"track_type"`
	Filters   TrackFilters `yaml:",inline"`
	Op        CompareOp    `yaml:"op"`
	Value     int          `yaml:"value"`
}

// MultiLanguageCond matches audio tracks classified MULTI_LANGUAGE with a
// secondary language fraction at or above the threshold.
type MultiLanguageCond struct {
	TrackIndex      *int    `yaml:"track_index"`
	PrimaryLanguage string  `yaml:"primary_language"`
	Threshold       float64 `yaml:"threshold"` // 0 = default 0.05
}

// EffectiveThreshold applies the documented default.
func (m *MultiLanguageCond) EffectiveThreshold() float64 {
	if m.Threshold <= 0 {
		return 0.05
	}
	return m.Threshold
}

// PluginMetaCond tests a plugin-provided metadata field.
type PluginMetaCond struct {
	Plugin string    `yaml:"plugin"`
	Field  string    `yaml:"field"`
	Op     CompareOp `yaml:"op"`
	Value  string    `yaml:"value"`
}

// ContainerMetaCond tests a container-level tag.
type ContainerMetaCond struct {
	Field string    `yaml:"field"`
	Op    CompareOp `yaml:"op"`
	Value string    `yaml:"value"`
}

// OriginCond matches the original/dubbed classification of an audio track.
// Value defaults to true when omitted.
type OriginCond struct {
	Value         *bool   `yaml:"value"`
	MinConfidence float64 `yaml:"min_confidence"`
	Language      string  `yaml:"language"`
}

// SkipKind names the later operation a conditional rule can suppress.
type SkipKind string

const (
	SkipVideoTranscode SkipKind = "video_transcode"
	SkipAudioTranscode SkipKind = "audio_transcode"
	SkipTrackFilter    SkipKind = "track_filter"
)

// Action is the tagged sum of conditional-rule effects.
type Action struct {
	Skip        *SkipAction        `yaml:"skip"`
	Warn        *TemplateAction    `yaml:"warn"`
	Fail        *TemplateAction    `yaml:"fail"`
	SetForced   *FlagAction        `yaml:"set_forced"`
	SetDefault  *FlagAction        `yaml:"set_default"`
	SetLanguage *SetLanguageAction `yaml:"set_language"`
}

func (a *Action) variantCount() int {
	n := 0
	if a.Skip != nil {
		n++
	}
	if a.Warn != nil {
		n++
	}
	if a.Fail != nil {
		n++
	}
	if a.SetForced != nil {
		n++
	}
	if a.SetDefault != nil {
		n++
	}
	if a.SetLanguage != nil {
		n++
	}
	return n
}

// SkipAction suppresses a later operation of the same phase.
type SkipAction struct {
	Kind SkipKind `yaml:"kind"`
}

// TemplateAction carries a message template. {filename}, {path} and
// {rule_name} substitute at evaluation time.
type TemplateAction struct {
	Message string `yaml:"message"`
}

// FlagAction sets or clears the forced/default flag on matching tracks.
type FlagAction struct {
	TrackType string `yaml:"track_type"`
	Language  string `yaml:"language"` // empty = all of the type
	Value     bool   `yaml:"value"`
}

// SetLanguageAction rewrites the language tag on matching tracks.
type SetLanguageAction struct {
	TrackType     string `yaml:"track_type"`
	NewLanguage   string `yaml:"new_language"`
	PluginField   string `yaml:"plugin_field"` // alternative source for the tag
	MatchLanguage string `yaml:"match_language"`
}

// ConditionalRule couples a condition with branch actions.
type ConditionalRule struct {
	Name string    `yaml:"name"`
	When Condition `yaml:"when"`
	Then []Action  `yaml:"then_actions"`
	Else []Action  `yaml:"else_actions"`
}
