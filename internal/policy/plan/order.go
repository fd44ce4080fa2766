// SPDX-License-Identifier: MIT

package plan

import (
	"github.com/vpo-project/vpo/internal/lang"
	"github.com/vpo-project/vpo/internal/media"
	"github.com/vpo-project/vpo/internal/policy/eval"
)

// resolveOrder turns a symbolic track-type sequence into a permutation of
// kept track indices. Recognised symbols: video, audio, audio_main,
// audio_alternate, subtitle, subtitle_main, subtitle_alternate, attachment.
// "main" means the first language preference that matches any kept track of
// the type; "alternate" is the rest. Tracks not named by the sequence keep
// their relative order at the end. A nil return means the order is already
// correct.
func (p *Planner) resolveOrder(symbols []string, pl *Plan, in *eval.Input) []int {
	kept := keptSet(pl, in)
	var keptTracks []media.Track
	for _, t := range in.Tracks.Tracks {
		if kept[t.TrackIndex] {
			keptTracks = append(keptTracks, t)
		}
	}

	placed := map[int]bool{}
	var order []int
	take := func(pred func(media.Track) bool) {
		for _, t := range keptTracks {
			if !placed[t.TrackIndex] && pred(t) {
				placed[t.TrackIndex] = true
				order = append(order, t.TrackIndex)
			}
		}
	}

	for _, sym := range symbols {
		switch sym {
		case "video":
			take(func(t media.Track) bool { return t.Type == media.TrackVideo })
		case "audio":
			take(func(t media.Track) bool { return t.Type == media.TrackAudio })
		case "audio_main":
			take(p.mainPred(keptTracks, media.TrackAudio))
		case "audio_alternate":
			take(func(t media.Track) bool { return t.Type == media.TrackAudio })
		case "subtitle":
			take(func(t media.Track) bool { return t.Type == media.TrackSubtitle })
		case "subtitle_main":
			take(p.mainPred(keptTracks, media.TrackSubtitle))
		case "subtitle_alternate":
			take(func(t media.Track) bool { return t.Type == media.TrackSubtitle })
		case "attachment":
			take(func(t media.Track) bool { return t.Type == media.TrackAttachment })
		}
	}
	// Unnamed tracks trail in original order.
	take(func(media.Track) bool { return true })

	for i, t := range keptTracks {
		if order[i] != t.TrackIndex {
			return order
		}
	}
	return nil
}

// mainPred matches tracks of the type in the first preferred language that
// any kept track of that type carries.
func (p *Planner) mainPred(kept []media.Track, tt media.TrackType) func(media.Track) bool {
	mainLang := ""
	if p.Doc != nil {
	prefs:
		for _, pref := range p.Doc.Config.LanguagePreferences {
			for _, t := range kept {
				if t.Type == tt && lang.Match(t.Language, pref) {
					mainLang = pref
					break prefs
				}
			}
		}
	}
	return func(t media.Track) bool {
		return t.Type == tt && mainLang != "" && lang.Match(t.Language, mainLang)
	}
}
