// SPDX-License-Identifier: MIT

package eval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vpo-project/vpo/internal/media"
	"github.com/vpo-project/vpo/internal/policy"
)

func boolp(b bool) *bool { return &b }

func animeInput() *Input {
	return &Input{
		File: &media.File{ID: 1, Path: "/media/show.mkv", Filename: "show.mkv"},
		Tracks: media.TrackSet{Tracks: []media.Track{
			{ID: 10, TrackIndex: 0, Type: media.TrackVideo, Codec: "hevc", Width: 1920, Height: 1080},
			{ID: 11, TrackIndex: 1, Type: media.TrackAudio, Codec: "eac3", Language: "jpn", Channels: 6, Default: true},
			{ID: 12, TrackIndex: 2, Type: media.TrackAudio, Codec: "aac", Language: "ger", Channels: 2, Title: "German Dub"},
			{ID: 13, TrackIndex: 3, Type: media.TrackAudio, Codec: "pcm_s16le", Language: "eng", Channels: 2, Title: "Director's Commentary"},
			{ID: 14, TrackIndex: 4, Type: media.TrackSubtitle, Codec: "subrip", Language: "ger", Forced: true},
		}},
		Container: map[string]string{"title": "Show S01E01", "encoder": "libebml"},
		Plugin: map[string]map[string]string{
			"sonarr": {"series_type": "anime", "episode": "1"},
		},
	}
}

func TestExistsWithLanguageAliases(t *testing.T) {
	in := animeInput()
	// "deu" must match the track tagged "ger"
	cond := &policy.Condition{Exists: &policy.ExistsCond{
		TrackType: "audio",
		Filters:   policy.TrackFilters{Language: []string{"deu"}},
	}}
	ok, reason := Evaluate(cond, in)
	assert.True(t, ok, reason)

	cond.Exists.Filters.Language = []string{"fra"}
	ok, _ = Evaluate(cond, in)
	assert.False(t, ok)
}

func TestExistsCodecWildcard(t *testing.T) {
	in := animeInput()
	cond := &policy.Condition{Exists: &policy.ExistsCond{
		TrackType: "audio",
		Filters:   policy.TrackFilters{Codec: []string{"pcm_*"}},
	}}
	ok, _ := Evaluate(cond, in)
	assert.True(t, ok)
}

func TestExistsFlagAndNumericFilters(t *testing.T) {
	in := animeInput()
	cond := &policy.Condition{Exists: &policy.ExistsCond{
		TrackType: "audio",
		Filters: policy.TrackFilters{
			IsDefault: boolp(true),
			Channels:  &policy.NumericMatch{Op: policy.OpGte, Value: 6},
		},
	}}
	ok, _ := Evaluate(cond, in)
	assert.True(t, ok)

	cond.Exists.Filters.Channels = &policy.NumericMatch{Op: policy.OpGt, Value: 6}
	ok, _ = Evaluate(cond, in)
	assert.False(t, ok)
}

func TestExistsTitleMatching(t *testing.T) {
	in := animeInput()
	cond := &policy.Condition{Exists: &policy.ExistsCond{
		TrackType: "audio",
		Filters:   policy.TrackFilters{Title: &policy.TitleMatch{Contains: "commentary"}},
	}}
	ok, _ := Evaluate(cond, in)
	assert.True(t, ok, "contains is case-insensitive")
}

func TestCountComparisons(t *testing.T) {
	in := animeInput()
	for _, tc := range []struct {
		op   policy.CompareOp
		val  int
		want bool
	}{
		{policy.OpEq, 3, true},
		{policy.OpNeq, 3, false},
		{policy.OpGte, 3, true},
		{policy.OpGt, 3, false},
		{policy.OpLt, 4, true},
	} {
		cond := &policy.Condition{Count: &policy.CountCond{
			TrackType: "audio", Op: tc.op, Value: tc.val,
		}}
		ok, reason := Evaluate(cond, in)
		assert.Equal(t, tc.want, ok, "%s %d: %s", tc.op, tc.val, reason)
	}
}

func TestMultiLanguageThreshold(t *testing.T) {
	in := animeInput()
	in.Analyses = map[int64]*media.LanguageAnalysis{
		11: {
			TrackID:         11,
			PrimaryLanguage: "jpn",
			Classification:  media.MultiLanguage,
			Segments: []media.LanguageSegment{
				{Language: "jpn", StartTime: 0, EndTime: 90},
				{Language: "eng", StartTime: 90, EndTime: 100},
			},
		},
	}

	// 10% English is above the default 5% threshold.
	cond := &policy.Condition{AudioIsMultiLanguage: &policy.MultiLanguageCond{PrimaryLanguage: "ja"}}
	ok, reason := Evaluate(cond, in)
	require.True(t, ok, reason)

	cond.AudioIsMultiLanguage.Threshold = 0.2
	ok, _ = Evaluate(cond, in)
	assert.False(t, ok, "explicit threshold above the secondary fraction")

	// single-language classification never matches
	in.Analyses[11].Classification = media.SingleLanguage
	cond.AudioIsMultiLanguage.Threshold = 0
	ok, _ = Evaluate(cond, in)
	assert.False(t, ok)
}

func TestPluginMetadata(t *testing.T) {
	in := animeInput()
	cond := &policy.Condition{PluginMetadata: &policy.PluginMetaCond{
		Plugin: "sonarr", Field: "series_type", Op: policy.OpEq, Value: "anime",
	}}
	ok, _ := Evaluate(cond, in)
	assert.True(t, ok)

	// numeric comparison when both sides parse
	cond = &policy.Condition{PluginMetadata: &policy.PluginMetaCond{
		Plugin: "sonarr", Field: "episode", Op: policy.OpLte, Value: "5",
	}}
	ok, _ = Evaluate(cond, in)
	assert.True(t, ok)

	// missing field fails eq but passes neq
	cond = &policy.Condition{PluginMetadata: &policy.PluginMetaCond{
		Plugin: "sonarr", Field: "absent", Op: policy.OpEq, Value: "x",
	}}
	ok, _ = Evaluate(cond, in)
	assert.False(t, ok)

	cond.PluginMetadata.Op = policy.OpExists
	cond.PluginMetadata.Value = ""
	ok, _ = Evaluate(cond, in)
	assert.False(t, ok)
}

func TestPluginMetadataCaseInsensitiveLookup(t *testing.T) {
	in := animeInput()
	in.Plugin = map[string]map[string]string{
		"Sonarr": {"Series_Type": "anime"},
	}
	cond := &policy.Condition{PluginMetadata: &policy.PluginMetaCond{
		Plugin: "sonarr", Field: "series_type", Op: policy.OpEq, Value: "anime",
	}}
	ok, reason := Evaluate(cond, in)
	assert.True(t, ok, reason)

	cond.PluginMetadata.Plugin = "SONARR"
	cond.PluginMetadata.Field = "SERIES_TYPE"
	ok, _ = Evaluate(cond, in)
	assert.True(t, ok)

	cond.PluginMetadata.Plugin = "radarr"
	ok, _ = Evaluate(cond, in)
	assert.False(t, ok, "different plugin name still misses")
}

func TestContainerMetadataCaseInsensitiveField(t *testing.T) {
	in := animeInput()
	cond := &policy.Condition{ContainerMetadata: &policy.ContainerMetaCond{
		Field: "Title", Op: policy.OpContains, Value: "s01e01",
	}}
	ok, _ := Evaluate(cond, in)
	assert.True(t, ok)
}

func TestOriginConditions(t *testing.T) {
	in := animeInput()
	in.Origins = map[int64]OriginInfo{
		11: {Original: true, Confidence: 0.9},
		12: {Original: false, Confidence: 0.85},
	}

	ok, _ := Evaluate(&policy.Condition{IsOriginal: &policy.OriginCond{Language: "jpn", MinConfidence: 0.8}}, in)
	assert.True(t, ok)

	ok, _ = Evaluate(&policy.Condition{IsDubbed: &policy.OriginCond{Language: "deu"}}, in)
	assert.True(t, ok, "cross-standard language match on origin lookup")

	ok, _ = Evaluate(&policy.Condition{IsOriginal: &policy.OriginCond{Language: "jpn", MinConfidence: 0.95}}, in)
	assert.False(t, ok, "confidence gate")

	ok, _ = Evaluate(&policy.Condition{IsOriginal: &policy.OriginCond{Language: "deu", Value: boolp(false)}}, in)
	assert.True(t, ok, "value: false asks for a track known not to be original")
}

func TestCompositesShortCircuitWithReasons(t *testing.T) {
	in := animeInput()
	hasGer := policy.Condition{Exists: &policy.ExistsCond{TrackType: "audio", Filters: policy.TrackFilters{Language: []string{"ger"}}}}
	hasFra := policy.Condition{Exists: &policy.ExistsCond{TrackType: "audio", Filters: policy.TrackFilters{Language: []string{"fra"}}}}

	ok, reason := Evaluate(&policy.Condition{And: []policy.Condition{hasGer, hasFra}}, in)
	assert.False(t, ok)
	assert.Contains(t, reason, "no audio track matches", "and reports the failing child")

	ok, reason = Evaluate(&policy.Condition{Or: []policy.Condition{hasFra, hasGer}}, in)
	assert.True(t, ok)
	assert.Contains(t, reason, "matches", "or reports the succeeding child")

	ok, reason = Evaluate(&policy.Condition{Not: &hasFra}, in)
	assert.True(t, ok)
	assert.Contains(t, reason, "not:")
}

func TestDeMorganOnSnapshot(t *testing.T) {
	in := animeInput()
	a := policy.Condition{Exists: &policy.ExistsCond{TrackType: "audio", Filters: policy.TrackFilters{Language: []string{"jpn"}}}}
	b := policy.Condition{Exists: &policy.ExistsCond{TrackType: "subtitle", Filters: policy.TrackFilters{Language: []string{"fra"}}}}

	notAnd := policy.Condition{Not: &policy.Condition{And: []policy.Condition{a, b}}}
	orNots := policy.Condition{Or: []policy.Condition{{Not: &a}, {Not: &b}}}

	got1, _ := Evaluate(&notAnd, in)
	got2, _ := Evaluate(&orNots, in)
	assert.Equal(t, got1, got2)
}

func TestExpandMessage(t *testing.T) {
	f := &media.File{Path: "/media/show.mkv", Filename: "show.mkv"}
	got := ExpandMessage("rule {rule_name} hit {filename} at {path}", f, "no-jpn")
	assert.Equal(t, "rule no-jpn hit show.mkv at /media/show.mkv", got)
}
