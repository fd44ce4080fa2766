// SPDX-License-Identifier: MIT

package plan

import (
	"fmt"
	"strings"

	"github.com/vpo-project/vpo/internal/lang"
	"github.com/vpo-project/vpo/internal/media"
	"github.com/vpo-project/vpo/internal/policy"
	"github.com/vpo-project/vpo/internal/policy/eval"
)

// InsufficientTracksError is raised when an audio filter cannot satisfy its
// minimum and the fallback is error.
type InsufficientTracksError struct {
	Required        int
	Available       int
	PolicyLanguages []string
	FileLanguages   []string
}

func (e *InsufficientTracksError) Error() string {
	return fmt.Sprintf("audio filter needs %d tracks, %d available (policy languages %v, file languages %v)",
		e.Required, e.Available, e.PolicyLanguages, e.FileLanguages)
}

// Classification labels an audio track by its title. Commentary uses the
// document's compiled patterns; the rest use conventional title keywords.
type Classification string

const (
	ClassNone       Classification = ""
	ClassCommentary Classification = "commentary"
	ClassMusic      Classification = "music"
	ClassSFX        Classification = "sfx"
	ClassNonSpeech  Classification = "non-speech"
)

// Classify labels one audio track.
func (p *Planner) Classify(t *media.Track) Classification {
	title := strings.ToLower(t.Title)
	if p.Doc != nil {
		for _, re := range p.Doc.Config.CommentaryRegexps() {
			if re.MatchString(t.Title) {
				return ClassCommentary
			}
		}
	}
	switch {
	case strings.Contains(title, "commentary"):
		return ClassCommentary
	case strings.Contains(title, "music") || strings.Contains(title, "song"):
		return ClassMusic
	case strings.Contains(title, "sfx") || strings.Contains(title, "effects"):
		return ClassSFX
	case strings.Contains(title, "non-speech") || lang.Canonical(t.Language) == "zxx":
		return ClassNonSpeech
	}
	return ClassNone
}

// planAudioFilter decides keep/remove for every audio track. Fallbacks kick
// in when fewer than max(minimum, 1) tracks survive the language filter;
// minimum=0 with fallback=error never raises.
func (p *Planner) planAudioFilter(op *policy.AudioFilterOp, in *eval.Input) ([]Disposition, error) {
	audio := in.Tracks.Audio()
	if len(audio) == 0 && op.Minimum > 0 && (op.Fallback == "" || op.Fallback == policy.FallbackError) {
		return nil, &InsufficientTracksError{
			Required:        op.Minimum,
			Available:       0,
			PolicyLanguages: op.Languages,
		}
	}

	preserve := map[Classification]bool{}
	for _, c := range op.PreserveClassifications {
		preserve[Classification(strings.ToLower(c))] = true
	}

	disp := make([]Disposition, len(audio))
	kept := 0
	for i, t := range audio {
		d := Disposition{TrackIndex: t.TrackIndex, Type: media.TrackAudio}
		if cls := p.Classify(&t); cls != ClassNone && preserve[cls] {
			d.Keep = true
			d.Reason = "preserved classification: " + string(cls)
		} else if lang.MatchAny(t.Language, op.Languages) {
			d.Keep = true
			d.Reason = "language match"
		} else {
			d.Reason = "language not kept"
		}
		if d.Keep {
			kept++
		}
		disp[i] = d
	}

	threshold := op.Minimum
	if threshold < 1 {
		threshold = 1
	}
	if kept >= threshold {
		return disp, nil
	}

	switch op.Fallback {
	case policy.FallbackKeepAll:
		for i := range disp {
			if !disp[i].Keep {
				disp[i].Keep = true
				disp[i].Reason = "fallback: keep all"
			}
		}
	case policy.FallbackKeepFirst:
		need := threshold
		for i := range disp {
			if disp[i].Keep {
				need--
			}
		}
		for i := range disp {
			if need == 0 {
				break
			}
			if !disp[i].Keep {
				disp[i].Keep = true
				disp[i].Reason = "fallback: keep first"
				need--
			}
		}
	case policy.FallbackContentLanguage:
		content := audio[0].Language
		for i := range disp {
			if !disp[i].Keep && lang.Match(audio[i].Language, content) {
				disp[i].Keep = true
				disp[i].Reason = "fallback: content language match"
			}
		}
	default: // error or unset
		if op.Minimum == 0 {
			break
		}
		return nil, &InsufficientTracksError{
			Required:        op.Minimum,
			Available:       kept,
			PolicyLanguages: op.Languages,
			FileLanguages:   audioLanguages(audio),
		}
	}
	return disp, nil
}

func audioLanguages(tracks []media.Track) []string {
	var out []string
	seen := map[string]bool{}
	for _, t := range tracks {
		c := lang.Canonical(t.Language)
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out
}

// planSubtitleFilter keeps forced subtitles and the language keep-list.
// Forced preservation is suppressed when the same phase clears the forced
// flag anyway.
func planSubtitleFilter(phase *policy.Phase, in *eval.Input) []Disposition {
	op := phase.SubtitleFilter
	willClearForced := phase.SubtitleActions != nil && phase.SubtitleActions.ClearForced

	var out []Disposition
	for _, t := range in.Tracks.Subtitles() {
		d := Disposition{TrackIndex: t.TrackIndex, Type: media.TrackSubtitle}
		switch {
		case op.RemoveAll:
			d.Reason = "remove all subtitles"
		case op.PreserveForced && t.Forced && !willClearForced:
			d.Keep = true
			d.Reason = "forced subtitle preserved"
		case lang.MatchAny(t.Language, op.Languages):
			d.Keep = true
			d.Reason = "language match"
		default:
			d.Reason = "language not kept"
		}
		out = append(out, d)
	}
	return out
}

// planAttachmentFilter removes attachments and warns when styled subtitles
// may lose their fonts.
func planAttachmentFilter(op *policy.AttachmentFilterOp, in *eval.Input) ([]Disposition, string) {
	if !op.RemoveAll {
		return nil, ""
	}
	var out []Disposition
	for _, t := range in.Tracks.Attachments() {
		out = append(out, Disposition{
			TrackIndex: t.TrackIndex,
			Type:       media.TrackAttachment,
			Reason:     "remove all attachments",
		})
	}
	warn := ""
	if len(out) > 0 && hasStyledSubtitles(in.Tracks) {
		warn = "removing attachments from a file with ASS/SSA subtitles may affect subtitle styling"
	}
	return out, warn
}

func hasStyledSubtitles(ts media.TrackSet) bool {
	for _, t := range ts.Subtitles() {
		switch strings.ToLower(t.Codec) {
		case "ass", "ssa":
			return true
		}
	}
	return false
}
