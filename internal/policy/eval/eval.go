// SPDX-License-Identifier: MIT

// Package eval implements the pure condition evaluator. It decides every
// condition over an in-memory snapshot of one file and reports a
// human-readable reason alongside the verdict, so the planner can log why a
// phase was skipped or a rule fired.
package eval

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/vpo-project/vpo/internal/lang"
	"github.com/vpo-project/vpo/internal/media"
	"github.com/vpo-project/vpo/internal/policy"
)

// OriginInfo is the plugin-provided original/dubbed classification for one
// audio track.
type OriginInfo struct {
	Original   bool
	Confidence float64 // [0,1]
	Language   string
}

// Input is the evaluation snapshot: the file, its tracks and the sidecar
// metadata the conditions can reach. All maps may be nil.
type Input struct {
	File      *media.File
	Tracks    media.TrackSet
	Analyses  map[int64]*media.LanguageAnalysis // by track id
	Plugin    map[string]map[string]string      // plugin -> field -> value
	Container map[string]string                 // container tags, lowercased keys
	Origins   map[int64]OriginInfo              // by track id
}

// Evaluate decides a condition. The reason explains the verdict either way
// and composes through and/or/not.
func Evaluate(c *policy.Condition, in *Input) (bool, string) {
	switch {
	case c.Exists != nil:
		return evalExists(c.Exists, in)
	case c.Count != nil:
		return evalCount(c.Count, in)
	case c.AudioIsMultiLanguage != nil:
		return evalMultiLanguage(c.AudioIsMultiLanguage, in)
	case c.PluginMetadata != nil:
		return evalPluginMeta(c.PluginMetadata, in)
	case c.ContainerMetadata != nil:
		return evalContainerMeta(c.ContainerMetadata, in)
	case c.IsOriginal != nil:
		return evalOrigin(c.IsOriginal, in, true)
	case c.IsDubbed != nil:
		return evalOrigin(c.IsDubbed, in, false)
	case len(c.And) > 0:
		for i := range c.And {
			ok, reason := Evaluate(&c.And[i], in)
			if !ok {
				return false, reason
			}
		}
		return true, "all conditions held"
	case len(c.Or) > 0:
		var last string
		for i := range c.Or {
			ok, reason := Evaluate(&c.Or[i], in)
			if ok {
				return true, reason
			}
			last = reason
		}
		return false, "no alternative held (" + last + ")"
	case c.Not != nil:
		ok, reason := Evaluate(c.Not, in)
		return !ok, "not: " + reason
	}
	// Unreachable for validated documents.
	return false, "empty condition"
}

// MatchesFilters reports whether a track passes every declared filter. The
// planner reuses it for flag actions and filter operations.
func MatchesFilters(t *media.Track, f *policy.TrackFilters) bool {
	if len(f.Language) > 0 && !lang.MatchAny(t.Language, f.Language) {
		return false
	}
	if len(f.Codec) > 0 && !codecMatchAny(t.Codec, f.Codec) {
		return false
	}
	if f.IsDefault != nil && t.Default != *f.IsDefault {
		return false
	}
	if f.IsForced != nil && t.Forced != *f.IsForced {
		return false
	}
	if f.Channels != nil && !compareNumbers(float64(t.Channels), f.Channels.Op, f.Channels.Value) {
		return false
	}
	if f.Width != nil && !compareNumbers(float64(t.Width), f.Width.Op, f.Width.Value) {
		return false
	}
	if f.Height != nil && !compareNumbers(float64(t.Height), f.Height.Op, f.Height.Value) {
		return false
	}
	if f.Title != nil && !matchTitle(t.Title, f.Title) {
		return false
	}
	return true
}

// codecMatchAny matches codec names case-insensitively; a trailing "*" in the
// wanted name matches by prefix, so "pcm_*" covers every raw PCM variant.
func codecMatchAny(codec string, wanted []string) bool {
	c := strings.ToLower(codec)
	for _, w := range wanted {
		w = strings.ToLower(w)
		if strings.HasSuffix(w, "*") {
			if strings.HasPrefix(c, strings.TrimSuffix(w, "*")) {
				return true
			}
			continue
		}
		if c == w {
			return true
		}
	}
	return false
}

func matchTitle(title string, m *policy.TitleMatch) bool {
	if m.Contains != "" && !strings.Contains(strings.ToLower(title), strings.ToLower(m.Contains)) {
		return false
	}
	if re := m.Compiled(); re != nil && !re.MatchString(title) {
		return false
	}
	return true
}

func matchingTracks(in *Input, trackType string, f *policy.TrackFilters) []media.Track {
	var out []media.Track
	for _, t := range in.Tracks.ByType(media.TrackType(trackType)) {
		if MatchesFilters(&t, f) {
			out = append(out, t)
		}
	}
	return out
}

func evalExists(c *policy.ExistsCond, in *Input) (bool, string) {
	matched := matchingTracks(in, c.TrackType, &c.Filters)
	if len(matched) > 0 {
		return true, fmt.Sprintf("%s track #%d matches", c.TrackType, matched[0].TrackIndex)
	}
	return false, fmt.Sprintf("no %s track matches", c.TrackType)
}

func evalCount(c *policy.CountCond, in *Input) (bool, string) {
	n := len(matchingTracks(in, c.TrackType, &c.Filters))
	ok := compareNumbers(float64(n), c.Op, float64(c.Value))
	return ok, fmt.Sprintf("%d matching %s tracks (%s %d)", n, c.TrackType, c.Op, c.Value)
}

func evalMultiLanguage(c *policy.MultiLanguageCond, in *Input) (bool, string) {
	threshold := c.EffectiveThreshold()
	for _, t := range in.Tracks.Audio() {
		if c.TrackIndex != nil && t.TrackIndex != *c.TrackIndex {
			continue
		}
		a := in.Analyses[t.ID]
		if a == nil || a.Classification != media.MultiLanguage {
			continue
		}
		if c.PrimaryLanguage != "" && !lang.Match(a.PrimaryLanguage, c.PrimaryLanguage) {
			continue
		}
		for l, frac := range a.SecondaryFractions() {
			if frac >= threshold {
				return true, fmt.Sprintf("audio track #%d carries %.0f%% %s speech", t.TrackIndex, frac*100, l)
			}
		}
	}
	return false, "no multi-language audio track above threshold"
}

func evalPluginMeta(c *policy.PluginMetaCond, in *Input) (bool, string) {
	// plugin and field names match case-insensitively; sidecars disagree on
	// casing between sources
	value, present := "", false
	for name, fields := range in.Plugin {
		if !strings.EqualFold(name, c.Plugin) {
			continue
		}
		for field, v := range fields {
			if strings.EqualFold(field, c.Field) {
				value, present = v, true
				break
			}
		}
		break
	}
	ok := compareMeta(value, present, c.Op, c.Value)
	return ok, fmt.Sprintf("plugin %s.%s=%q (%s %q)", c.Plugin, c.Field, value, c.Op, c.Value)
}

func evalContainerMeta(c *policy.ContainerMetaCond, in *Input) (bool, string) {
	value, present := "", false
	if in.Container != nil {
		value, present = in.Container[strings.ToLower(c.Field)]
	}
	ok := compareMeta(value, present, c.Op, c.Value)
	return ok, fmt.Sprintf("container %s=%q (%s %q)", c.Field, value, c.Op, c.Value)
}

func evalOrigin(c *policy.OriginCond, in *Input, original bool) (bool, string) {
	want := true
	if c.Value != nil {
		want = *c.Value
	}
	kind := "dubbed"
	if original {
		kind = "original"
	}
	for _, t := range in.Tracks.Audio() {
		info, ok := in.Origins[t.ID]
		if !ok {
			continue
		}
		if c.Language != "" && !lang.Match(t.Language, c.Language) {
			continue
		}
		if info.Confidence < c.MinConfidence {
			continue
		}
		if (info.Original == original) == want {
			return true, fmt.Sprintf("audio track #%d classified %s (confidence %.2f)", t.TrackIndex, kind, info.Confidence)
		}
	}
	return false, fmt.Sprintf("no classified audio track satisfies is_%s=%t", kind, want)
}

func compareNumbers(have float64, op policy.CompareOp, want float64) bool {
	switch op {
	case policy.OpEq, "":
		return have == want
	case policy.OpNeq:
		return have != want
	case policy.OpLt:
		return have < want
	case policy.OpLte:
		return have <= want
	case policy.OpGt:
		return have > want
	case policy.OpGte:
		return have >= want
	}
	return false
}

// compareMeta compares metadata values: numerically when both sides parse as
// numbers, by string otherwise. Missing fields fail every operator except a
// negated exists.
func compareMeta(have string, present bool, op policy.CompareOp, want string) bool {
	if op == policy.OpExists {
		return present
	}
	if !present {
		return op == policy.OpNeq
	}
	hn, herr := strconv.ParseFloat(strings.TrimSpace(have), 64)
	wn, werr := strconv.ParseFloat(strings.TrimSpace(want), 64)
	numeric := herr == nil && werr == nil

	switch op {
	case policy.OpEq:
		if numeric {
			return hn == wn
		}
		return strings.EqualFold(have, want)
	case policy.OpNeq:
		if numeric {
			return hn != wn
		}
		return !strings.EqualFold(have, want)
	case policy.OpContains:
		return strings.Contains(strings.ToLower(have), strings.ToLower(want))
	case policy.OpLt:
		return numeric && hn < wn
	case policy.OpLte:
		return numeric && hn <= wn
	case policy.OpGt:
		return numeric && hn > wn
	case policy.OpGte:
		return numeric && hn >= wn
	}
	return false
}
