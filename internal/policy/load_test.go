// SPDX-License-Identifier: MIT

package policy

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const basicPolicy = `
schema_version: 12
name: library-cleanup
config:
  language_preferences: [deu, eng]
  commentary_patterns: ["commentary", "director"]
  on_error: fail
phases:
  - name: normalize
    container:
      target: mkv
    audio_filter:
      languages: [deu, eng]
      minimum: 1
      fallback: keep_first
    subtitle_filter:
      preserve_forced: true
      languages: [deu]
  - name: flags
    depends_on: [normalize]
    run_if:
      phase_modified: normalize
    default_flags:
      audio:
        language: deu
      clear_others: true
`

func TestLoadBasicPolicy(t *testing.T) {
	doc, err := Load([]byte(basicPolicy))
	require.NoError(t, err)

	require.Len(t, doc.Phases, 2)
	assert.Equal(t, "normalize", doc.Phases[0].Name)
	assert.Equal(t, "mkv", doc.Phases[0].Container.Target)
	assert.Equal(t, FallbackKeepFirst, doc.Phases[0].AudioFilter.Fallback)
	assert.True(t, doc.Phases[1].DefaultFlags.ClearOthers)
	assert.Len(t, doc.Config.CommentaryRegexps(), 2)
	assert.True(t, doc.Config.CommentaryRegexps()[0].MatchString("Director's Commentary"))
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	_, err := Load([]byte(`
schema_version: 12
phases:
  - name: p1
    contaner:
      target: mkv
`))
	require.Error(t, err)
}

func TestLoadRejectsOldSchema(t *testing.T) {
	_, err := Load([]byte("schema_version: 11\nphases: []\n"))
	require.ErrorIs(t, err, ErrValidation)
}

func TestValidateDuplicatePhaseNamesCaseInsensitive(t *testing.T) {
	_, err := Load([]byte(`
schema_version: 12
phases:
  - name: Normalize
    container: {target: mkv}
  - name: normalize
    container: {target: mp4}
`))
	require.ErrorIs(t, err, ErrValidation)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Message, "duplicate")
}

func TestValidateDependsOnMustBeEarlier(t *testing.T) {
	_, err := Load([]byte(`
schema_version: 12
phases:
  - name: first
    depends_on: [second]
    container: {target: mkv}
  - name: second
    container: {target: mkv}
`))
	require.ErrorIs(t, err, ErrValidation)
}

func TestValidateRunIfMustReferenceEarlierPhase(t *testing.T) {
	_, err := Load([]byte(`
schema_version: 12
phases:
  - name: only
    run_if:
      phase_modified: only
    container: {target: mkv}
`))
	require.ErrorIs(t, err, ErrValidation)
}

func TestValidateConditionExactlyOneVariant(t *testing.T) {
	// zero variants
	_, err := Load([]byte(`
schema_version: 12
phases:
  - name: p
    skip_when:
      - {}
`))
	require.ErrorIs(t, err, ErrValidation)

	// two variants
	_, err = Load([]byte(`
schema_version: 12
phases:
  - name: p
    skip_when:
      - exists:
          track_type: audio
        count:
          track_type: audio
          op: gte
          value: 2
`))
	require.ErrorIs(t, err, ErrValidation)
}

func TestValidateActionVariants(t *testing.T) {
	_, err := Load([]byte(`
schema_version: 12
phases:
  - name: p
    conditional:
      - name: bad
        when:
          exists: {track_type: audio}
        then_actions:
          - skip: {kind: video_transcode}
            warn: {message: "both"}
`))
	require.ErrorIs(t, err, ErrValidation)
}

func TestValidateSkipKindDomain(t *testing.T) {
	_, err := Load([]byte(`
schema_version: 12
phases:
  - name: p
    conditional:
      - name: bad-kind
        when:
          exists: {track_type: audio}
        then_actions:
          - skip: {kind: everything}
`))
	require.ErrorIs(t, err, ErrValidation)
}

func TestValidateTitleRegexCompiles(t *testing.T) {
	_, err := Load([]byte(`
schema_version: 12
phases:
  - name: p
    skip_when:
      - exists:
          track_type: audio
          title:
            regex: "([unclosed"
`))
	require.ErrorIs(t, err, ErrValidation)

	doc, err := Load([]byte(`
schema_version: 12
phases:
  - name: p
    skip_when:
      - exists:
          track_type: audio
          title:
            regex: "(?i)commentary"
`))
	require.NoError(t, err)
	require.NotNil(t, doc.Phases[0].SkipWhen[0].Exists.Filters.Title.Compiled())
}

func TestValidateSynthesisNameRejectsPathTokens(t *testing.T) {
	for _, name := range []string{"a/b", `a\b`, "..", "up..down"} {
		_, err := Load([]byte(`
schema_version: 12
phases:
  - name: p
    audio_synthesis:
      - name: '` + name + `'
        codec: aac
        channels: 2
`))
		require.ErrorIs(t, err, ErrValidation, "name %q must be rejected", name)
	}
}

func TestValidateReservedPhaseName(t *testing.T) {
	_, err := Load([]byte(`
schema_version: 12
phases:
  - name: all
    container: {target: mkv}
`))
	require.ErrorIs(t, err, ErrValidation)
}

func TestValidateOnErrorDomain(t *testing.T) {
	_, err := Load([]byte(`
schema_version: 12
config:
  on_error: explode
phases: []
`))
	require.ErrorIs(t, err, ErrValidation)
}

func TestSynthesisPositionForms(t *testing.T) {
	doc, err := Load([]byte(`
schema_version: 12
phases:
  - name: p
    audio_synthesis:
      - name: stereo
        codec: aac
        channels: 2
        position: after_source
      - name: surround
        codec: eac3
        channels: 6
        position: 1
`))
	require.NoError(t, err)
	assert.True(t, doc.Phases[0].AudioSynthesis[0].Position.AfterSource)
	assert.Equal(t, 1, doc.Phases[0].AudioSynthesis[1].Position.Absolute)
}

func TestChannelsPreferForms(t *testing.T) {
	doc, err := Load([]byte(`
schema_version: 12
phases:
  - name: p
    audio_synthesis:
      - name: stereo
        codec: aac
        channels: 2
        preferences:
          - channels: MAX
          - channels: 6
`))
	require.NoError(t, err)
	prefs := doc.Phases[0].AudioSynthesis[0].Preferences
	assert.True(t, prefs[0].Channels.Max)
	assert.Equal(t, 6, prefs[1].Channels.Exact)
}

func TestNumericMatchForms(t *testing.T) {
	doc, err := Load([]byte(`
schema_version: 12
phases:
  - name: p
    skip_when:
      - exists:
          track_type: audio
          channels: 6
      - exists:
          track_type: video
          width: {op: gte, value: 1920}
`))
	require.NoError(t, err)
	first := doc.Phases[0].SkipWhen[0].Exists.Filters.Channels
	assert.Equal(t, OpEq, first.Op)
	assert.EqualValues(t, 6, first.Value)
	second := doc.Phases[0].SkipWhen[1].Exists.Filters.Width
	assert.Equal(t, OpGte, second.Op)
	assert.EqualValues(t, 1920, second.Value)
}
