// SPDX-License-Identifier: MIT

package plan

import (
	"fmt"
	"sort"
	"strings"

	"github.com/vpo-project/vpo/internal/lang"
	"github.com/vpo-project/vpo/internal/media"
	"github.com/vpo-project/vpo/internal/policy"
	"github.com/vpo-project/vpo/internal/policy/eval"
)

// Synthesis is one planned synthesised audio track with every parameter
// resolved.
type Synthesis struct {
	Name        string
	SourceIndex int // track index of the source audio track
	Codec       string
	Encoder     string
	Channels    int
	BitrateKbps int // 0 = lossless
	Title       string
	Language    string
	// InsertAt is the 1-based position among the file's audio tracks after
	// synthesis.
	InsertAt int
}

// SkippedSynthesis records why a definition produced no track.
type SkippedSynthesis struct {
	Name   string
	Reason string
}

const ReasonWouldUpmix = "WOULD_UPMIX"

// EncoderFor maps a target audio codec to its encoder name.
func EncoderFor(codec string) string {
	switch strings.ToLower(codec) {
	case "opus":
		return "libopus"
	case "mp3":
		return "libmp3lame"
	default:
		return strings.ToLower(codec)
	}
}

// defaultBitrates is the codec x channels fallback table in kbps. Zero means
// lossless (no bitrate argument).
var defaultBitrates = map[string]map[int]int{
	"aac":  {1: 96, 2: 192, 6: 384, 8: 512},
	"ac3":  {1: 96, 2: 192, 6: 448},
	"eac3": {1: 96, 2: 224, 6: 640, 8: 768},
	"opus": {1: 64, 2: 128, 6: 256, 8: 320},
	"mp3":  {1: 96, 2: 192},
	"flac": {},
}

func defaultBitrate(codec string, channels int) int {
	table, ok := defaultBitrates[strings.ToLower(codec)]
	if !ok || len(table) == 0 {
		return 0
	}
	if kbps, ok := table[channels]; ok {
		return kbps
	}
	// Nearest declared channel count at or above the target.
	best, bestKbps := 0, 0
	for ch, kbps := range table {
		if ch >= channels && (best == 0 || ch < best) {
			best, bestKbps = ch, kbps
		}
	}
	if best != 0 {
		return bestKbps
	}
	for ch, kbps := range table {
		if ch > best {
			best, bestKbps = ch, kbps
		}
	}
	return bestKbps
}

// planSynthesis resolves one synthesis definition, or explains why it is
// skipped. Failures never abort the phase.
func (p *Planner) planSynthesis(def *policy.SynthesisDef, pl *Plan, in *eval.Input) (*Synthesis, *SkippedSynthesis) {
	skip := func(format string, args ...any) (*Synthesis, *SkippedSynthesis) {
		return nil, &SkippedSynthesis{Name: def.Name, Reason: fmt.Sprintf(format, args...)}
	}

	if def.CreateIf != nil {
		if ok, reason := eval.Evaluate(def.CreateIf, in); !ok {
			return skip("create_if not met: %s", reason)
		}
	}

	encoder := EncoderFor(def.Codec)
	if !p.encoderAvailable(encoder) {
		return skip("encoder %s unavailable", encoder)
	}

	source := p.selectSource(def.Preferences, pl, in)
	if source == nil {
		return skip("no source audio track")
	}
	if def.Channels > source.Channels {
		return skip(ReasonWouldUpmix)
	}

	// A track that already matches the target makes the synthesis redundant.
	for _, t := range in.Tracks.Audio() {
		if CanonicalCodec(t.Codec) == CanonicalCodec(def.Codec) &&
			t.Channels == def.Channels && lang.Match(t.Language, source.Language) {
			return skip("equivalent track already present at index %d", t.TrackIndex)
		}
	}

	bitrate := def.BitrateKbps
	if bitrate == 0 {
		bitrate = defaultBitrate(def.Codec, def.Channels)
	}

	title := def.Title
	if title == "inherit" {
		title = source.Title
	}
	language := def.Language
	if language == "" || language == "inherit" {
		language = source.Language
	}

	return &Synthesis{
		Name:        def.Name,
		SourceIndex: source.TrackIndex,
		Codec:       strings.ToLower(def.Codec),
		Encoder:     encoder,
		Channels:    def.Channels,
		BitrateKbps: bitrate,
		Title:       title,
		Language:    language,
		InsertAt:    resolvePosition(def.Position, source, pl, in),
	}, nil
}

// selectSource narrows kept audio candidates by each preference in order. A
// criterion that eliminates everyone is skipped; the next criterion narrows
// the previously filtered set. The survivors are ranked by the first
// ordering criterion (MAX/MIN channels); ties break by track index.
func (p *Planner) selectSource(prefs []policy.PreferenceCriterion, pl *Plan, in *eval.Input) *media.Track {
	kept := keptSet(pl, in)
	var candidates []media.Track
	for _, t := range in.Tracks.Audio() {
		if kept[t.TrackIndex] {
			candidates = append(candidates, t)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	var rankBy *policy.ChannelsPrefer
	for i := range prefs {
		pref := &prefs[i]
		narrowed := p.applyCriterion(pref, candidates)
		if len(narrowed) == 0 {
			continue
		}
		candidates = narrowed
		if pref.Channels != nil && (pref.Channels.Max || pref.Channels.Min) && rankBy == nil {
			rankBy = pref.Channels
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if rankBy != nil && candidates[i].Channels != candidates[j].Channels {
			if rankBy.Max {
				return candidates[i].Channels > candidates[j].Channels
			}
			return candidates[i].Channels < candidates[j].Channels
		}
		return candidates[i].TrackIndex < candidates[j].TrackIndex
	})
	return &candidates[0]
}

func (p *Planner) applyCriterion(pref *policy.PreferenceCriterion, candidates []media.Track) []media.Track {
	var out []media.Track
	for _, t := range candidates {
		switch {
		case len(pref.Language) > 0:
			if lang.MatchAny(t.Language, pref.Language) {
				out = append(out, t)
			}
		case pref.NotCommentary:
			if p.Classify(&t) != ClassCommentary {
				out = append(out, t)
			}
		case pref.Channels != nil && pref.Channels.Exact > 0:
			if t.Channels == pref.Channels.Exact {
				out = append(out, t)
			}
		case pref.Channels != nil:
			// MAX/MIN order, they do not filter.
			out = append(out, t)
		case len(pref.Codec) > 0:
			for _, c := range pref.Codec {
				if strings.EqualFold(t.Codec, c) {
					out = append(out, t)
					break
				}
			}
		default:
			out = append(out, t)
		}
	}
	return out
}

// resolvePosition yields the 1-based position of the new track among the
// audio tracks. Positions already claimed by earlier syntheses in the same
// plan count as occupied.
func resolvePosition(pos policy.SynthesisPosition, source *media.Track, pl *Plan, in *eval.Input) int {
	audioCount := 0
	kept := keptSet(pl, in)
	sourceOrdinal := 0
	for _, t := range in.Tracks.Audio() {
		if !kept[t.TrackIndex] {
			continue
		}
		audioCount++
		if t.TrackIndex == source.TrackIndex {
			sourceOrdinal = audioCount
		}
	}
	end := audioCount + len(pl.Syntheses) + 1

	switch {
	case pos.Absolute > 0:
		if pos.Absolute > end {
			return end
		}
		return pos.Absolute
	case pos.AfterSource:
		return sourceOrdinal + 1
	default:
		return end
	}
}
