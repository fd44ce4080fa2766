// SPDX-License-Identifier: MIT

package policy

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrValidation wraps every policy validation failure.
var ErrValidation = errors.New("policy validation")

// ValidationError locates a problem inside the document.
type ValidationError struct {
	Location string // "config", "phase normalize", ...
	Message  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("policy: %s: %s", e.Location, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(location, format string, args ...any) error {
	return &ValidationError{Location: location, Message: fmt.Sprintf(format, args...)}
}

// reservedPhaseNames cannot be used as phase names.
var reservedPhaseNames = map[string]bool{
	"all": true, "none": true, "global": true, "config": true,
}

var synthesisNamePattern = regexp.MustCompile(`[/\\]|\.\.`)

// Validate checks the whole document and compiles embedded patterns. A
// validated document is the only form the planner accepts.
func (d *Document) Validate() error {
	if d.SchemaVersion < MinSchemaVersion {
		return invalid("document", "schema_version must be >= %d, got %d", MinSchemaVersion, d.SchemaVersion)
	}
	if err := d.Config.validate(); err != nil {
		return err
	}

	seen := map[string]bool{}
	for i := range d.Phases {
		phase := &d.Phases[i]
		loc := fmt.Sprintf("phase %s", phase.Name)

		name := strings.TrimSpace(phase.Name)
		if name == "" {
			return invalid(fmt.Sprintf("phase #%d", i+1), "name must not be empty")
		}
		lower := strings.ToLower(name)
		if reservedPhaseNames[lower] {
			return invalid(loc, "name %q is reserved", name)
		}
		if seen[lower] {
			return invalid(loc, "duplicate phase name (case-insensitive)")
		}
		seen[lower] = true

		if phase.OnError != "" {
			if err := validateOnError(loc, phase.OnError); err != nil {
				return err
			}
		}

		// depends_on and run_if may only reference strictly earlier phases.
		earlier := map[string]bool{}
		for j := 0; j < i; j++ {
			earlier[strings.ToLower(d.Phases[j].Name)] = true
		}
		for _, dep := range phase.DependsOn {
			if !earlier[strings.ToLower(dep)] {
				return invalid(loc, "depends_on references %q, which is not an earlier phase", dep)
			}
		}
		if phase.RunIf != nil && phase.RunIf.PhaseModified != "" {
			if !earlier[strings.ToLower(phase.RunIf.PhaseModified)] {
				return invalid(loc, "run_if.phase_modified references %q, which is not an earlier phase", phase.RunIf.PhaseModified)
			}
		}

		for ci := range phase.SkipWhen {
			if err := validateCondition(loc+" skip_when", &phase.SkipWhen[ci]); err != nil {
				return err
			}
		}
		for ri := range phase.Rules {
			if err := validateRule(loc, &phase.Rules[ri]); err != nil {
				return err
			}
		}
		if phase.AudioFilter != nil {
			if err := validateAudioFilter(loc, phase.AudioFilter); err != nil {
				return err
			}
		}
		for si := range phase.AudioSynthesis {
			if err := validateSynthesis(loc, &phase.AudioSynthesis[si]); err != nil {
				return err
			}
		}
	}
	return nil
}

func (g *GlobalConfig) validate() error {
	if g.OnError != "" {
		if err := validateOnError("config", g.OnError); err != nil {
			return err
		}
	}
	g.commentaryRegexps = g.commentaryRegexps[:0]
	for _, pattern := range g.CommentaryPatterns {
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			return invalid("config", "commentary pattern %q: %v", pattern, err)
		}
		g.commentaryRegexps = append(g.commentaryRegexps, re)
	}
	return nil
}

func validateOnError(loc string, v OnError) error {
	switch v {
	case OnErrorSkip, OnErrorContinue, OnErrorFail:
		return nil
	}
	return invalid(loc, "on_error must be skip, continue or fail; got %q", v)
}

func validateCondition(loc string, c *Condition) error {
	switch n := c.variantCount(); {
	case n == 0:
		return invalid(loc, "condition declares no variant")
	case n > 1:
		return invalid(loc, "condition declares %d variants; exactly one is allowed", n)
	}

	if c.Exists != nil {
		return validateFilters(loc, c.Exists.TrackType, &c.Exists.Filters)
	}
	if c.Count != nil {
		switch c.Count.Op {
		case OpEq, OpNeq, OpLt, OpLte, OpGt, OpGte:
		default:
			return invalid(loc, "count op must be a comparison; got %q", c.Count.Op)
		}
		return validateFilters(loc, c.Count.TrackType, &c.Count.Filters)
	}
	if m := c.AudioIsMultiLanguage; m != nil {
		if m.Threshold < 0 || m.Threshold > 1 {
			return invalid(loc, "audio_is_multi_language threshold must be within [0,1]")
		}
		return nil
	}
	if p := c.PluginMetadata; p != nil {
		if p.Plugin == "" || p.Field == "" {
			return invalid(loc, "plugin_metadata requires plugin and field")
		}
		return validateMetaOp(loc, p.Op, p.Value)
	}
	if m := c.ContainerMetadata; m != nil {
		if m.Field == "" {
			return invalid(loc, "container_metadata requires field")
		}
		return validateMetaOp(loc, m.Op, m.Value)
	}
	if o := c.IsOriginal; o != nil {
		if o.MinConfidence < 0 || o.MinConfidence > 1 {
			return invalid(loc, "is_original min_confidence must be within [0,1]")
		}
		return nil
	}
	if o := c.IsDubbed; o != nil {
		if o.MinConfidence < 0 || o.MinConfidence > 1 {
			return invalid(loc, "is_dubbed min_confidence must be within [0,1]")
		}
		return nil
	}
	for i := range c.And {
		if err := validateCondition(loc+" and", &c.And[i]); err != nil {
			return err
		}
	}
	for i := range c.Or {
		if err := validateCondition(loc+" or", &c.Or[i]); err != nil {
			return err
		}
	}
	if c.Not != nil {
		return validateCondition(loc+" not", c.Not)
	}
	return nil
}

func validateMetaOp(loc string, op CompareOp, value string) error {
	switch op {
	case OpEq, OpNeq, OpContains, OpLt, OpLte, OpGt, OpGte:
		if value == "" {
			return invalid(loc, "operator %q requires a value", op)
		}
	case OpExists:
		if value != "" {
			return invalid(loc, "operator exists takes no value")
		}
	case "":
		return invalid(loc, "metadata condition requires an op")
	default:
		return invalid(loc, "unknown metadata op %q", op)
	}
	return nil
}

func validateFilters(loc, trackType string, f *TrackFilters) error {
	switch trackType {
	case "video", "audio", "subtitle", "attachment":
	default:
		return invalid(loc, "track_type must be video, audio, subtitle or attachment; got %q", trackType)
	}
	if f.Title != nil {
		if f.Title.Contains == "" && f.Title.Regex == "" {
			return invalid(loc, "title filter requires contains or regex")
		}
		if f.Title.Regex != "" {
			re, err := regexp.Compile(f.Title.Regex)
			if err != nil {
				return invalid(loc, "title regex %q: %v", f.Title.Regex, err)
			}
			f.Title.compiled = re
		}
	}
	return nil
}

func validateRule(loc string, r *ConditionalRule) error {
	ruleLoc := loc + " rule " + r.Name
	if err := validateCondition(ruleLoc, &r.When); err != nil {
		return err
	}
	for _, branch := range [][]Action{r.Then, r.Else} {
		for i := range branch {
			a := &branch[i]
			switch n := a.variantCount(); {
			case n == 0:
				return invalid(ruleLoc, "action declares no variant")
			case n > 1:
				return invalid(ruleLoc, "action declares %d variants; exactly one is allowed", n)
			}
			if a.Skip != nil {
				switch a.Skip.Kind {
				case SkipVideoTranscode, SkipAudioTranscode, SkipTrackFilter:
				default:
					return invalid(ruleLoc, "unknown skip kind %q", a.Skip.Kind)
				}
			}
			if a.SetLanguage != nil && a.SetLanguage.NewLanguage == "" && a.SetLanguage.PluginField == "" {
				return invalid(ruleLoc, "set_language requires new_language or plugin_field")
			}
		}
	}
	return nil
}

func validateAudioFilter(loc string, f *AudioFilterOp) error {
	if f.Minimum < 0 {
		return invalid(loc, "audio_filter minimum must not be negative")
	}
	switch f.Fallback {
	case "", FallbackError, FallbackKeepAll, FallbackKeepFirst, FallbackContentLanguage:
	default:
		return invalid(loc, "unknown audio_filter fallback %q", f.Fallback)
	}
	return nil
}

func validateSynthesis(loc string, s *SynthesisDef) error {
	synthLoc := loc + " synthesis " + s.Name
	if s.Name == "" {
		return invalid(loc, "synthesis requires a name")
	}
	// Conservative rejection: path-like characters are refused even where
	// they would be harmless.
	if synthesisNamePattern.MatchString(s.Name) {
		return invalid(synthLoc, "name must not contain path separators or '..'")
	}
	if s.Codec == "" {
		return invalid(synthLoc, "codec is required")
	}
	if s.Channels < 1 {
		return invalid(synthLoc, "channels must be >= 1")
	}
	if s.CreateIf != nil {
		if err := validateCondition(synthLoc+" create_if", s.CreateIf); err != nil {
			return err
		}
	}
	return nil
}
