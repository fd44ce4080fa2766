// SPDX-License-Identifier: MIT

// Package plan reduces one policy phase to a concrete, ordered operation
// plan. All decisions are made here against the current track snapshot; the
// executor only carries plans out.
package plan

import (
	"fmt"

	"github.com/vpo-project/vpo/internal/lang"
	"github.com/vpo-project/vpo/internal/media"
	"github.com/vpo-project/vpo/internal/policy"
	"github.com/vpo-project/vpo/internal/policy/eval"
)

// Disposition records the planner's keep/remove verdict for one track.
type Disposition struct {
	TrackIndex int
	Type       media.TrackType
	Keep       bool
	Reason     string
}

// Edit is one materialised metadata change for a track. Nil pointer fields
// are untouched.
type Edit struct {
	TrackIndex  int
	SetDefault  *bool
	SetForced   *bool
	SetLanguage string
}

// AudioTranscode re-encodes one audio track.
type AudioTranscode struct {
	TrackIndex  int
	TargetCodec string
	BitrateKbps int
	Reason      string
}

// Plan is the materialised output for one phase. Zero-valued fields mean the
// corresponding operation is absent; Empty reports a full no-op.
type Plan struct {
	Phase string

	ContainerTarget  string // normalised, "" when no container change
	Dispositions     []Disposition
	Order            []int // permutation of kept track indices, nil = keep order
	Edits            []Edit
	Syntheses        []Synthesis
	SkippedSyntheses []SkippedSynthesis
	Video            *VideoDecision
	AudioTranscodes  []AudioTranscode
	Transcription    []int // audio track indices needing analysis
	PreserveMTime    bool

	Warnings []string
}

// Empty reports whether executing the plan would change nothing.
func (p *Plan) Empty() bool {
	return p.ContainerTarget == "" && len(p.Removals()) == 0 && p.Order == nil &&
		len(p.Edits) == 0 && len(p.Syntheses) == 0 &&
		(p.Video == nil || !p.Video.NeedsTranscode) && len(p.AudioTranscodes) == 0 &&
		len(p.Transcription) == 0 && !p.PreserveMTime
}

// Removals returns the indices of tracks the plan drops.
func (p *Plan) Removals() []int {
	var out []int
	for _, d := range p.Dispositions {
		if !d.Keep {
			out = append(out, d.TrackIndex)
		}
	}
	return out
}

// KeepIndices returns the kept track indices in original order. Tracks with
// no disposition are kept implicitly.
func (p *Plan) KeepIndices(ts media.TrackSet) []int {
	removed := map[int]bool{}
	for _, idx := range p.Removals() {
		removed[idx] = true
	}
	var out []int
	for _, t := range ts.Tracks {
		if !removed[t.TrackIndex] {
			out = append(out, t.TrackIndex)
		}
	}
	return out
}

// RuleFailedError is raised when a conditional rule's fail action fires.
type RuleFailedError struct {
	Rule    string
	Message string
}

func (e *RuleFailedError) Error() string {
	return fmt.Sprintf("rule %s: %s", e.Rule, e.Message)
}

// Planner turns phases of one validated document into plans.
type Planner struct {
	Doc *policy.Document
	// HasEncoder reports encoder availability for synthesis and transcode
	// planning. Nil assumes everything is available.
	HasEncoder func(name string) bool
}

func NewPlanner(doc *policy.Document) *Planner {
	return &Planner{Doc: doc}
}

func (p *Planner) encoderAvailable(name string) bool {
	if p.HasEncoder == nil {
		return true
	}
	return p.HasEncoder(name)
}

// Gate decides whether a phase runs at all. Evaluation order is fixed:
// run_if, then depends_on, then skip_when.
func (p *Planner) Gate(phase *policy.Phase, modified map[string]bool, in *eval.Input) (bool, string) {
	if phase.RunIf != nil && phase.RunIf.PhaseModified != "" {
		if !modified[phase.RunIf.PhaseModified] {
			return true, fmt.Sprintf("run_if: phase %s did not modify the file", phase.RunIf.PhaseModified)
		}
	}
	for _, dep := range phase.DependsOn {
		if !modified[dep] {
			return true, fmt.Sprintf("depends_on: phase %s did not modify the file", dep)
		}
	}
	for i := range phase.SkipWhen {
		if ok, reason := eval.Evaluate(&phase.SkipWhen[i], in); ok {
			return true, "skip_when: " + reason
		}
	}
	return false, ""
}

// ruleEffects is the accumulated outcome of a phase's conditional rules.
type ruleEffects struct {
	skips    map[policy.SkipKind]bool
	edits    []Edit
	warnings []string
}

// PlanPhase materialises one phase against the current snapshot. Conditional
// rules are evaluated first so their skip flags can suppress the other
// operations of the same phase.
func (p *Planner) PlanPhase(phase *policy.Phase, in *eval.Input) (*Plan, error) {
	out := &Plan{Phase: phase.Name}

	effects, err := p.evalRules(phase, in)
	if err != nil {
		return nil, err
	}
	out.Warnings = append(out.Warnings, effects.warnings...)

	if phase.Container != nil {
		target := NormalizeContainer(phase.Container.Target)
		if target != NormalizeContainer(in.File.Container) {
			out.ContainerTarget = target
		}
	}

	if !effects.skips[policy.SkipTrackFilter] {
		if phase.AudioFilter != nil {
			disp, err := p.planAudioFilter(phase.AudioFilter, in)
			if err != nil {
				return nil, err
			}
			out.Dispositions = append(out.Dispositions, disp...)
		}
		if phase.SubtitleFilter != nil {
			out.Dispositions = append(out.Dispositions, planSubtitleFilter(phase, in)...)
		}
		if phase.AttachmentFilter != nil {
			disp, warn := planAttachmentFilter(phase.AttachmentFilter, in)
			out.Dispositions = append(out.Dispositions, disp...)
			if warn != "" {
				out.Warnings = append(out.Warnings, warn)
			}
		}
	}

	if len(phase.TrackOrder) > 0 {
		out.Order = p.resolveOrder(phase.TrackOrder, out, in)
	}

	if phase.DefaultFlags != nil {
		out.Edits = append(out.Edits, planDefaultFlags(phase.DefaultFlags, out, in)...)
	}
	out.Edits = append(out.Edits, effects.edits...)

	for i := range phase.AudioSynthesis {
		synth, skipped := p.planSynthesis(&phase.AudioSynthesis[i], out, in)
		if skipped != nil {
			out.SkippedSyntheses = append(out.SkippedSyntheses, *skipped)
			continue
		}
		out.Syntheses = append(out.Syntheses, *synth)
	}

	if phase.VideoTranscode != nil && !effects.skips[policy.SkipVideoTranscode] {
		if v := in.Tracks.Video(); len(v) > 0 {
			d := DecideVideo(&v[0], phase.VideoTranscode)
			if d.NeedsTranscode {
				out.Video = &d
			}
		}
	}
	if phase.AudioTranscode != nil && !effects.skips[policy.SkipAudioTranscode] {
		out.AudioTranscodes = append(out.AudioTranscodes, planAudioTranscode(phase.AudioTranscode, out, in)...)
	}
	if out.ContainerTarget == "mp4" {
		out.AudioTranscodes = append(out.AudioTranscodes, mp4CompatTranscodes(out, in)...)
	}

	if phase.Transcription != nil {
		out.Transcription = planTranscription(phase.Transcription, in)
	}
	if phase.FileTimestamp != nil && phase.FileTimestamp.PreserveMTime {
		out.PreserveMTime = true
	}

	if phase.AudioActions != nil {
		out.Edits = append(out.Edits, planTrackActions(phase.AudioActions, media.TrackAudio, out, in)...)
	}
	if phase.SubtitleActions != nil {
		out.Edits = append(out.Edits, planTrackActions(phase.SubtitleActions, media.TrackSubtitle, out, in)...)
	}

	return out, nil
}

func (p *Planner) evalRules(phase *policy.Phase, in *eval.Input) (*ruleEffects, error) {
	effects := &ruleEffects{skips: map[policy.SkipKind]bool{}}
	for ri := range phase.Rules {
		rule := &phase.Rules[ri]
		ok, _ := eval.Evaluate(&rule.When, in)
		branch := rule.Then
		if !ok {
			branch = rule.Else
		}
		for ai := range branch {
			if err := applyRuleAction(&branch[ai], rule, effects, in); err != nil {
				return nil, err
			}
		}
	}
	return effects, nil
}

func applyRuleAction(a *policy.Action, rule *policy.ConditionalRule, effects *ruleEffects, in *eval.Input) error {
	switch {
	case a.Skip != nil:
		effects.skips[a.Skip.Kind] = true
	case a.Warn != nil:
		effects.warnings = append(effects.warnings, eval.ExpandMessage(a.Warn.Message, in.File, rule.Name))
	case a.Fail != nil:
		return &RuleFailedError{Rule: rule.Name, Message: eval.ExpandMessage(a.Fail.Message, in.File, rule.Name)}
	case a.SetForced != nil:
		effects.edits = append(effects.edits, flagEdits(a.SetForced, false, in)...)
	case a.SetDefault != nil:
		effects.edits = append(effects.edits, flagEdits(a.SetDefault, true, in)...)
	case a.SetLanguage != nil:
		effects.edits = append(effects.edits, languageEdits(a.SetLanguage, in)...)
	}
	return nil
}

// flagEdits emits one edit per matching track whose flag differs already.
func flagEdits(a *policy.FlagAction, isDefault bool, in *eval.Input) []Edit {
	var out []Edit
	for _, t := range in.Tracks.ByType(media.TrackType(a.TrackType)) {
		if a.Language != "" && !lang.Match(t.Language, a.Language) {
			continue
		}
		current := t.Forced
		if isDefault {
			current = t.Default
		}
		if current == a.Value {
			continue
		}
		v := a.Value
		e := Edit{TrackIndex: t.TrackIndex}
		if isDefault {
			e.SetDefault = &v
		} else {
			e.SetForced = &v
		}
		out = append(out, e)
	}
	return out
}

func languageEdits(a *policy.SetLanguageAction, in *eval.Input) []Edit {
	target := a.NewLanguage
	if target == "" && a.PluginField != "" {
		for _, fields := range in.Plugin {
			if v, ok := fields[a.PluginField]; ok {
				target = v
				break
			}
		}
	}
	if target == "" {
		return nil
	}
	var out []Edit
	for _, t := range in.Tracks.ByType(media.TrackType(a.TrackType)) {
		if a.MatchLanguage != "" && !lang.Match(t.Language, a.MatchLanguage) {
			continue
		}
		if lang.Match(t.Language, target) {
			continue
		}
		out = append(out, Edit{TrackIndex: t.TrackIndex, SetLanguage: target})
	}
	return out
}

// planDefaultFlags sets at most one default per track type among kept tracks
// and optionally clears the rest. Edits are emitted only where a flag
// actually changes, so a second application plans nothing.
func planDefaultFlags(op *policy.DefaultFlagsOp, p *Plan, in *eval.Input) []Edit {
	kept := keptSet(p, in)
	var out []Edit
	plan := func(pick *policy.DefaultPick, tt media.TrackType) {
		if pick == nil {
			return
		}
		chosenIdx := -1
		for _, t := range in.Tracks.ByType(tt) {
			if !kept[t.TrackIndex] {
				continue
			}
			if lang.Match(t.Language, pick.Language) {
				chosenIdx = t.TrackIndex
				break
			}
		}
		for _, t := range in.Tracks.ByType(tt) {
			if !kept[t.TrackIndex] {
				continue
			}
			want := t.TrackIndex == chosenIdx
			if !op.ClearOthers && !want {
				continue
			}
			if t.Default == want {
				continue
			}
			v := want
			out = append(out, Edit{TrackIndex: t.TrackIndex, SetDefault: &v})
		}
	}
	plan(op.Audio, media.TrackAudio)
	plan(op.Subtitle, media.TrackSubtitle)
	return out
}

func planTrackActions(op *policy.TrackActionsOp, tt media.TrackType, p *Plan, in *eval.Input) []Edit {
	kept := keptSet(p, in)
	var out []Edit
	f := false
	for _, t := range in.Tracks.ByType(tt) {
		if !kept[t.TrackIndex] {
			continue
		}
		var e Edit
		e.TrackIndex = t.TrackIndex
		touched := false
		if op.ClearForced && t.Forced {
			e.SetForced = &f
			touched = true
		}
		if op.ClearDefault && t.Default {
			e.SetDefault = &f
			touched = true
		}
		if touched {
			out = append(out, e)
		}
	}
	return out
}

func planAudioTranscode(op *policy.AudioTranscodeOp, p *Plan, in *eval.Input) []AudioTranscode {
	kept := keptSet(p, in)
	var out []AudioTranscode
	for _, t := range in.Tracks.Audio() {
		if !kept[t.TrackIndex] {
			continue
		}
		if CanonicalCodec(t.Codec) == CanonicalCodec(op.TargetCodec) {
			continue
		}
		out = append(out, AudioTranscode{
			TrackIndex:  t.TrackIndex,
			TargetCodec: op.TargetCodec,
			BitrateKbps: op.BitrateKbps,
			Reason:      fmt.Sprintf("codec %s -> %s", t.Codec, op.TargetCodec),
		})
	}
	return out
}

// planTranscription selects audio tracks lacking a valid cached analysis.
// The cache is valid only while the file's partial hash is unchanged.
func planTranscription(op *policy.TranscriptionOp, in *eval.Input) []int {
	var out []int
	for _, t := range in.Tracks.Audio() {
		if len(op.Languages) > 0 && !lang.MatchAny(t.Language, op.Languages) && !lang.IsUndetermined(t.Language) {
			continue
		}
		if a := in.Analyses[t.ID]; a != nil && a.FileHash == in.File.PartialHash {
			continue
		}
		out = append(out, t.TrackIndex)
	}
	return out
}

// keptSet maps track index to survival under the plan's dispositions.
func keptSet(p *Plan, in *eval.Input) map[int]bool {
	out := map[int]bool{}
	for _, t := range in.Tracks.Tracks {
		out[t.TrackIndex] = true
	}
	for _, d := range p.Dispositions {
		out[d.TrackIndex] = d.Keep
	}
	return out
}
