// SPDX-License-Identifier: MIT

package workflow

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vpo-project/vpo/internal/media"
	"github.com/vpo-project/vpo/internal/policy"
)

// staticIntrospector serves a fixed snapshot and counts scans.
type staticIntrospector struct {
	file   *media.File
	tracks media.TrackSet
	tags   map[string]string
	scans  int
}

func (s *staticIntrospector) Snapshot(_ context.Context, _ string) (*media.File, media.TrackSet, error) {
	s.scans++
	return s.file, s.tracks, nil
}

func (s *staticIntrospector) ContainerTags(string) map[string]string { return s.tags }

func loadDoc(t *testing.T, yaml string) *policy.Document {
	t.Helper()
	doc, err := policy.Load([]byte(yaml))
	require.NoError(t, err)
	return doc
}

func newProcessor(t *testing.T, doc *policy.Document, tb Toolbox) (*Processor, *staticIntrospector) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "show.mkv")
	require.NoError(t, os.WriteFile(path, []byte("payload"), 0o644))

	intro := &staticIntrospector{
		file: &media.File{Path: path, Filename: "show.mkv", Container: "matroska"},
		tracks: media.TrackSet{Tracks: []media.Track{
			{ID: 1, TrackIndex: 0, Type: media.TrackVideo, Codec: "hevc"},
			{ID: 2, TrackIndex: 1, Type: media.TrackAudio, Codec: "aac", Language: "deu", Channels: 2, Default: false},
			{ID: 3, TrackIndex: 2, Type: media.TrackAudio, Codec: "ac3", Language: "eng", Channels: 6, Default: true},
		}},
	}
	return &Processor{
		Doc:        doc,
		Executor:   &Executor{Tools: tb},
		Introspect: intro,
	}, intro
}

func TestProcessFileRunsPhasesAndReintrospects(t *testing.T) {
	doc := loadDoc(t, `
schema_version: 12
phases:
  - name: flags
    default_flags:
      audio:
        language: deu
      clear_others: true
  - name: cleanup
    run_if:
      phase_modified: flags
    subtitle_filter:
      remove_all: true
`)
	tb := &fakeToolbox{}
	p, intro := newProcessor(t, doc, tb)

	res, err := p.ProcessFile(context.Background(), intro.file.Path)
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, 2, res.PhasesComplete, "cleanup runs because flags modified the file")
	require.Len(t, tb.edits, 1)
	assert.GreaterOrEqual(t, intro.scans, 2, "re-introspection after modification")
	assert.Equal(t, 2, res.TotalChanges)
}

func TestProcessFileSkipsDependentPhaseWhenNothingChanged(t *testing.T) {
	doc := loadDoc(t, `
schema_version: 12
phases:
  - name: flags
    default_flags:
      audio:
        language: fra
  - name: cleanup
    run_if:
      phase_modified: flags
    attachment_filter:
      remove_all: true
`)
	// no fra audio and clear_others unset: the first phase plans nothing
	tb := &fakeToolbox{}
	p, intro := newProcessor(t, doc, tb)

	res, err := p.ProcessFile(context.Background(), intro.file.Path)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.PhasesSkipped)
	require.Len(t, res.PhaseResults, 2)
	assert.True(t, res.PhaseResults[1].Skipped)
	assert.Contains(t, res.PhaseResults[1].SkipReason, "run_if")
}

func TestProcessFileContainerTagsGatePhases(t *testing.T) {
	doc := loadDoc(t, `
schema_version: 12
phases:
  - name: flags
    skip_when:
      - container_metadata:
          field: title
          op: contains
          value: remaster
    default_flags:
      audio:
        language: deu
      clear_others: true
`)
	tb := &fakeToolbox{}
	p, intro := newProcessor(t, doc, tb)
	intro.tags = map[string]string{"title": "Remastered Edition"}

	res, err := p.ProcessFile(context.Background(), intro.file.Path)
	require.NoError(t, err)
	assert.Equal(t, 1, res.PhasesSkipped)
	assert.Empty(t, tb.edits)

	intro.tags = nil
	res, err = p.ProcessFile(context.Background(), intro.file.Path)
	require.NoError(t, err)
	assert.Equal(t, 1, res.PhasesComplete)
	assert.Len(t, tb.edits, 1)
}

func TestProcessFileEmptyPolicyIsNoOpSuccess(t *testing.T) {
	doc := loadDoc(t, `
schema_version: 12
phases: []
`)
	p, intro := newProcessor(t, doc, &fakeToolbox{})
	before, err := os.ReadFile(intro.file.Path)
	require.NoError(t, err)

	res, err := p.ProcessFile(context.Background(), intro.file.Path)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Zero(t, res.TotalChanges)

	after, err := os.ReadFile(intro.file.Path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestProcessFileFailMarksRemainingSkipped(t *testing.T) {
	doc := loadDoc(t, `
schema_version: 12
config:
  on_error: fail
phases:
  - name: filter
    audio_filter:
      languages: [kor]
      minimum: 1
      fallback: error
  - name: flags
    default_flags:
      audio:
        language: deu
`)
	p, intro := newProcessor(t, doc, &fakeToolbox{})
	res, err := p.ProcessFile(context.Background(), intro.file.Path)
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Equal(t, "filter", res.FailedPhase)
	assert.NotEmpty(t, res.ErrorMessage)
	require.Len(t, res.PhaseResults, 2)
	assert.True(t, res.PhaseResults[1].Skipped)
	assert.Equal(t, 1, res.PhasesSkipped)
}

func TestProcessFileOnErrorSkipKeepsGoing(t *testing.T) {
	doc := loadDoc(t, `
schema_version: 12
config:
  on_error: skip
phases:
  - name: filter
    audio_filter:
      languages: [kor]
      minimum: 1
      fallback: error
  - name: flags
    default_flags:
      audio:
        language: deu
      clear_others: true
`)
	tb := &fakeToolbox{}
	p, intro := newProcessor(t, doc, tb)
	res, err := p.ProcessFile(context.Background(), intro.file.Path)
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, 1, res.PhasesFailed)
	assert.Equal(t, 1, res.PhasesComplete)
	require.Len(t, tb.edits, 1, "second phase still ran")
}

func TestProcessBatchStopsOnFailure(t *testing.T) {
	doc := loadDoc(t, `
schema_version: 12
config:
  on_error: fail
phases:
  - name: filter
    audio_filter:
      languages: [kor]
      minimum: 1
      fallback: error
`)
	p, intro := newProcessor(t, doc, &fakeToolbox{})
	results, err := p.ProcessBatch(context.Background(), []string{intro.file.Path, intro.file.Path})
	require.ErrorIs(t, err, ErrBatchStopped)
	assert.Len(t, results, 1, "second file never processed")
}
