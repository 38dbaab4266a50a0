// Package relate implements the relationship processor (spec §4.C):
// tied-note groups, ornament detection and cross-source reconciliation,
// and sustain-pedal extensions. It consumes Registry v1 plus the raw
// note/event/pedal streams and produces Registry v2.
package relate

import (
	"log"
	"math"
	"sort"

	"github.com/Conceptual-Machines/scoresync-go/identity"
	"github.com/Conceptual-Machines/scoresync-go/match"
	"github.com/Conceptual-Machines/scoresync-go/model"
)

// Result is Registry v2's delta over v1: the plain entries (augmented
// with pedal extensions where applicable), plus the new group records.
type Result struct {
	Entries        []model.RegistryEntry
	TiedGroups     []model.TiedGroup
	OrnamentGroups []model.OrnamentGroup
}

// Process runs tie-grouping, ornament detection/reconciliation, and pedal
// extension over a matcher Result, returning Registry v2's content.
func Process(mr match.Result, notes []model.ScoreNote, pedal []model.PedalEvent, gen *identity.Generator) Result {
	res := Result{Entries: append([]model.RegistryEntry(nil), mr.Entries...)}

	tied, consumedEntryIdx := groupTiedNotes(notes, res.Entries, gen)
	res.TiedGroups = tied
	res.Entries = retagConsumed(res.Entries, consumedEntryIdx)

	ornaments := detectOrnaments(notes, mr.UnclaimedEvents, res.Entries, gen)
	res.OrnamentGroups = ornaments

	res.Entries = applyPedal(res.Entries, pedal)

	log.Printf("🔗 relationship processor: %d tied groups, %d ornament groups", len(tied), len(ornaments))
	return res
}

// groupTiedNotes finds runs of start,(continue*),stop ScoreNotes sharing
// pitch+voice within a part, in document order, and distributes the
// shared performance event's duration proportionally by score-duration.
func groupTiedNotes(notes []model.ScoreNote, entries []model.RegistryEntry, gen *identity.Generator) ([]model.TiedGroup, map[int]model.TiedGroup) {
	entryByNoteIndex := map[int]model.RegistryEntry{}
	for _, e := range entries {
		entryByNoteIndex[e.ScoreNote.Index] = e
	}

	var groups []model.TiedGroup
	consumed := map[int]model.TiedGroup{} // ScoreNote.Index -> owning group

	sorted := append([]model.ScoreNote(nil), notes...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	var run []model.ScoreNote
	flush := func() {
		if len(run) == 0 {
			return
		}
		if len(run) == 1 {
			// a degenerate one-note tie stays a plain entry
			run = nil
			return
		}
		primary := run[0]
		primaryEntry, ok := entryByNoteIndex[primary.Index]
		if !ok {
			run = nil
			return // primary's performance event is unknown; nothing to distribute
		}

		totalDivs := 0
		for _, n := range run {
			totalDivs += n.DurationDivs
		}
		perfStart := primaryEntry.PerformanceEvent.StartTime
		perfEnd := primaryEntry.PerformanceEvent.EndTime
		span := perfEnd - perfStart

		members := make([]model.TiedMember, 0, len(run))
		cursor := perfStart
		for i, n := range run {
			members = append(members, model.TiedMember{
				Note:                n,
				CalculatedStartTime: cursor,
				IsPrimary:           i == 0,
			})
			if totalDivs > 0 {
				cursor += span * float64(n.DurationDivs) / float64(totalDivs)
			}
		}

		groupID := gen.Assign(identity.Evidence{
			Part:      primary.Part,
			Measure:   primary.Measure,
			Voice:     primary.Voice,
			PitchStr:  "tied:" + primary.Pitch.String(),
			Track:     primaryEntry.PerformanceEvent.Track,
			StartTime: perfStart,
		})

		group := model.TiedGroup{
			GroupID:          groupID,
			Primary:          primary,
			Members:          members,
			PerformanceEvent: primaryEntry.PerformanceEvent,
			EndTime:          perfEnd,
		}
		groups = append(groups, group)
		for _, n := range run {
			consumed[n.Index] = group
		}
		run = nil
	}

	var lastPart string
	var lastVoice int
	var lastPitch model.Pitch
	for _, n := range sorted {
		if n.IsRest {
			continue
		}
		switch n.Tie {
		case model.TieStart:
			flush()
			run = []model.ScoreNote{n}
			lastPart, lastVoice, lastPitch = n.Part, n.Voice, n.Pitch
		case model.TieContinue, model.TieStop:
			if len(run) > 0 && n.Part == lastPart && n.Voice == lastVoice && n.Pitch == lastPitch {
				run = append(run, n)
				if n.Tie == model.TieStop {
					flush()
				}
			} else {
				flush()
			}
		default:
			flush()
		}
	}
	flush()

	return groups, consumed
}

// retagConsumed marks entries whose ScoreNote is now a tied-group member
// (primary or otherwise) so the entry-level tag stays mutually exclusive.
func retagConsumed(entries []model.RegistryEntry, consumed map[int]model.TiedGroup) []model.RegistryEntry {
	out := make([]model.RegistryEntry, 0, len(entries))
	for _, e := range entries {
		if g, ok := consumed[e.ScoreNote.Index]; ok {
			if e.ScoreNote.Index == g.Primary.Index {
				e.Tag = model.TagTiedPrimary
			} else {
				e.Tag = model.TagTiedMember
			}
			e.TiedGroupID = g.GroupID
		}
		out = append(out, e)
	}
	return out
}

// orphanCluster is a temporally-bracketed run of unclaimed performance
// events used as ornament-detection input.
type orphanCluster struct {
	anchorBefore model.PerformanceEvent
	anchorAfter  model.PerformanceEvent
	events       []model.PerformanceEvent
}

// detectOrnaments implements both score-side annotation matching and
// performance-side orphan-cluster classification, then reconciles the two
// per the weighted-scoring rule in spec §4.C.
func detectOrnaments(notes []model.ScoreNote, unclaimed []model.PerformanceEvent, entries []model.RegistryEntry, gen *identity.Generator) []model.OrnamentGroup {
	anchors := make([]model.PerformanceEvent, 0, len(entries))
	for _, e := range entries {
		anchors = append(anchors, e.PerformanceEvent)
	}
	sort.Slice(anchors, func(i, j int) bool { return anchors[i].StartTime < anchors[j].StartTime })

	clusters := bracketClusters(unclaimed, anchors)

	var groups []model.OrnamentGroup
	for _, n := range notes {
		for _, ann := range n.Ornaments {
			if ann.Kind == model.OrnamentGrace {
				continue // grace notes are fused via detectGraceOrnaments below, not bracket-anchored
			}
			best, score := bestClusterFor(n, ann, clusters)
			if score < 0.7 {
				continue // falls through to individual 1:1 treatment per spec
			}
			groups = append(groups, materializeOrnamentGroup(n, ann, best, score, gen))
		}
	}

	groups = append(groups, detectGraceOrnaments(notes, unclaimed, entries, gen)...)
	return groups
}

// graceWindow is the maximum gap between a grace-note cluster's last event
// and its principal note's matched performance event for the two to fuse
// into one OrnamentGroup (spec §4.C's grace-ornament rule).
const graceWindow = 0.100

// detectGraceOrnaments groups runs of consecutive score-side grace
// annotations with the short, unclaimed performance cluster immediately
// preceding their principal note's matched event.
func detectGraceOrnaments(notes []model.ScoreNote, unclaimed []model.PerformanceEvent, entries []model.RegistryEntry, gen *identity.Generator) []model.OrnamentGroup {
	entryByNoteIndex := map[int]model.RegistryEntry{}
	for _, e := range entries {
		entryByNoteIndex[e.ScoreNote.Index] = e
	}

	sorted := append([]model.ScoreNote(nil), notes...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	unclaimedSorted := append([]model.PerformanceEvent(nil), unclaimed...)
	sort.Slice(unclaimedSorted, func(i, j int) bool { return unclaimedSorted[i].StartTime < unclaimedSorted[j].StartTime })

	var groups []model.OrnamentGroup
	var run []model.ScoreNote

	flush := func(principal model.ScoreNote) {
		if len(run) == 0 {
			return
		}
		graceNotes := run
		run = nil

		principalEntry, ok := entryByNoteIndex[principal.Index]
		if !ok {
			return // principal's performance event is unknown; nothing to anchor on
		}

		principalStart := principalEntry.PerformanceEvent.StartTime
		var cluster []model.PerformanceEvent
		for _, e := range unclaimedSorted {
			if e.Track == principalEntry.PerformanceEvent.Track && e.StartTime < principalStart && e.StartTime >= principalStart-graceWindow {
				cluster = append(cluster, e)
			}
		}
		if len(cluster) == 0 {
			return
		}

		confidence := graceConfidence(graceNotes, cluster, principalEntry.PerformanceEvent)
		if confidence < 0.7 {
			return
		}

		groupID := gen.Assign(identity.Evidence{
			Part:      principal.Part,
			Measure:   principal.Measure,
			Voice:     principal.Voice,
			PitchStr:  "grace:" + principal.Pitch.String(),
			Track:     principalEntry.PerformanceEvent.Track,
			StartTime: cluster[0].StartTime,
		})

		subIDs := make([]string, len(cluster))
		dist := make([]float64, len(cluster))
		total := principalStart - cluster[0].StartTime
		for i, e := range cluster {
			subIDs[i] = model.SubID(groupID, i)
			if total > 0 {
				dist[i] = (e.EndTime - e.StartTime) / total
			}
		}

		groups = append(groups, model.OrnamentGroup{
			GroupID:             groupID,
			Kind:                model.OrnamentGrace,
			Primary:             principal,
			GraceNotes:          graceNotes,
			PerformanceEventIDs: subIDs,
			Events:              cluster,
			TimingDistribution:  dist,
			AnimationStrategy:   model.AnimCumulative,
			Confidence:          confidence,
		})
	}

	for _, n := range sorted {
		if n.IsRest {
			continue
		}
		if hasGraceAnnotation(n) {
			run = append(run, n)
			continue
		}
		flush(n)
	}

	return groups
}

func hasGraceAnnotation(n model.ScoreNote) bool {
	for _, ann := range n.Ornaments {
		if ann.Kind == model.OrnamentGrace {
			return true
		}
	}
	return false
}

// graceConfidence mirrors bestClusterFor's weighted scoring (kind 0.3,
// timing 0.4, pitch 0.2, cardinality 0.1): kind always matches here by
// construction, timing scores the gap to the principal note, pitch checks
// the first grace note against the first clustered event, and cardinality
// compares cluster size to the number of annotated grace notes.
func graceConfidence(graceNotes []model.ScoreNote, cluster []model.PerformanceEvent, principal model.PerformanceEvent) float64 {
	kindScore := 0.3

	gap := principal.StartTime - cluster[len(cluster)-1].EndTime
	if gap < 0 {
		gap = 0
	}
	timingScore := 0.0
	if gap <= graceWindow {
		timingScore = 0.4 * (1 - gap/graceWindow)
	}

	pitchScore := 0.0
	if len(graceNotes) > 0 && graceNotes[0].Pitch.MIDINumber() == cluster[0].MIDIPitch {
		pitchScore = 0.2
	}

	cardinalityScore := 0.0
	if len(graceNotes) > 0 {
		diff := abs(len(cluster) - len(graceNotes))
		ratio := 1.0 - float64(diff)/float64(len(graceNotes))
		if ratio < 0 {
			ratio = 0
		}
		cardinalityScore = 0.1 * ratio
	}

	return kindScore + timingScore + pitchScore + cardinalityScore
}

func bracketClusters(unclaimed []model.PerformanceEvent, anchors []model.PerformanceEvent) []orphanCluster {
	sort.Slice(unclaimed, func(i, j int) bool { return unclaimed[i].StartTime < unclaimed[j].StartTime })
	var clusters []orphanCluster
	for i := 0; i+1 < len(anchors); i++ {
		before, after := anchors[i], anchors[i+1]
		var between []model.PerformanceEvent
		for _, e := range unclaimed {
			if e.StartTime > before.StartTime && e.StartTime < after.StartTime {
				between = append(between, e)
			}
		}
		if len(between) > 0 {
			clusters = append(clusters, orphanCluster{anchorBefore: before, anchorAfter: after, events: between})
		}
	}
	return clusters
}

func classifyCluster(c orphanCluster) model.OrnamentKind {
	n := len(c.events)
	pitches := map[int]int{}
	for _, e := range c.events {
		pitches[e.MIDIPitch]++
	}
	switch {
	case len(pitches) == 1:
		return model.OrnamentTremolo
	case n == 3 && len(pitches) == 2 && c.events[0].MIDIPitch == c.events[2].MIDIPitch && c.events[2].StartTime-c.events[0].StartTime <= 0.300:
		return model.OrnamentMordent
	case n == 4 && len(pitches) == 3:
		return model.OrnamentTurn
	case n >= 4 && len(pitches) == 2 && allAlternate(c.events):
		span := c.events[n-1].StartTime - c.events[0].StartTime
		maxGap := maxAdjacentGap(c.events)
		if maxGap <= 0.100 {
			interval := abs(c.events[0].MIDIPitch - c.events[1].MIDIPitch)
			if interval <= 2 {
				return model.OrnamentTrill
			}
			return model.OrnamentTremolo
		}
		_ = span
	}
	return model.OrnamentGrace
}

func allAlternate(evs []model.PerformanceEvent) bool {
	for i := 2; i < len(evs); i++ {
		if evs[i].MIDIPitch != evs[i-2].MIDIPitch {
			return false
		}
	}
	return true
}

func maxAdjacentGap(evs []model.PerformanceEvent) float64 {
	max := 0.0
	for i := 1; i < len(evs); i++ {
		gap := evs[i].StartTime - evs[i-1].StartTime
		if gap > max {
			max = gap
		}
	}
	return max
}

func abs(i int) int {
	if i < 0 {
		return -i
	}
	return i
}

// bestClusterFor scores every candidate cluster against a score-side
// annotation and returns the winner plus its fused confidence.
func bestClusterFor(n model.ScoreNote, ann model.OrnamentAnnotation, clusters []orphanCluster) (orphanCluster, float64) {
	var best orphanCluster
	bestScore := 0.0
	tScore := noteApproxTime(n)

	for _, c := range clusters {
		kind := classifyCluster(c)
		kindScore := 0.0
		if kind == ann.Kind {
			kindScore = 0.3
		} else if (kind == model.OrnamentTrill && ann.Kind == model.OrnamentTremolo) || (kind == model.OrnamentTremolo && ann.Kind == model.OrnamentTrill) {
			kindScore = 0.3
		}
		if kindScore == 0 {
			continue
		}

		clusterTime := c.events[0].StartTime
		dt := math.Abs(tScore - clusterTime)
		timingScore := 0.0
		if dt <= 2.0 {
			timingScore = 0.4 * (1 - dt/2.0)
		}

		pitchScore := 0.0
		if c.events[0].MIDIPitch == n.Pitch.MIDINumber() {
			pitchScore = 0.2
		}

		cardinalityScore := 0.0
		if ann.ExpectedCardinality > 0 {
			diff := abs(len(c.events) - ann.ExpectedCardinality)
			ratio := 1.0 - float64(diff)/float64(ann.ExpectedCardinality)
			if ratio < 0 {
				ratio = 0
			}
			cardinalityScore = 0.1 * ratio
		}

		total := kindScore + timingScore + pitchScore + cardinalityScore
		if total > bestScore {
			bestScore = total
			best = c
		}
	}
	return best, bestScore
}

// noteApproxTime is a rough performance-time estimate for a score note
// used only to score ornament timing proximity; full tempo-map precision
// is unnecessary at this resolution (2-second tolerance).
func noteApproxTime(n model.ScoreNote) float64 {
	return float64(n.Measure-1)*4.0*0.5 + n.BeatPosition*0.5
}

func materializeOrnamentGroup(n model.ScoreNote, ann model.OrnamentAnnotation, c orphanCluster, confidence float64, gen *identity.Generator) model.OrnamentGroup {
	groupID := gen.Assign(identity.Evidence{
		Part:      n.Part,
		Measure:   n.Measure,
		Voice:     n.Voice,
		PitchStr:  "ornament:" + n.Pitch.String(),
		Track:     c.anchorBefore.Track,
		StartTime: c.events[0].StartTime,
	})

	subIDs := make([]string, len(c.events))
	dist := make([]float64, len(c.events))
	total := c.events[len(c.events)-1].EndTime - c.events[0].StartTime
	for i, e := range c.events {
		subIDs[i] = model.SubID(groupID, i)
		if total > 0 {
			dist[i] = (e.EndTime - e.StartTime) / total
		}
	}

	return model.OrnamentGroup{
		GroupID:             groupID,
		Kind:                ann.Kind,
		Primary:             n,
		PerformanceEventIDs: subIDs,
		Events:              c.events,
		TimingDistribution:  dist,
		AnimationStrategy:   model.AnimCumulative,
		Confidence:          confidence,
	}
}

// applyPedal walks the per-channel sustain stream and annotates every
// entry whose performance event falls within a sustain-on/off bracket on
// the same channel.
func applyPedal(entries []model.RegistryEntry, pedal []model.PedalEvent) []model.RegistryEntry {
	byChannel := map[int][]model.PedalEvent{}
	for _, p := range pedal {
		byChannel[p.Channel] = append(byChannel[p.Channel], p)
	}
	for ch := range byChannel {
		sort.Slice(byChannel[ch], func(i, j int) bool { return byChannel[ch][i].Time < byChannel[ch][j].Time })
	}

	out := make([]model.RegistryEntry, len(entries))
	copy(out, entries)

	for i, e := range out {
		events := byChannel[e.PerformanceEvent.Channel]
		ext := findExtension(e.PerformanceEvent, events)
		if ext != nil {
			out[i].Pedal = ext
			if out[i].Tag == model.TagPlain {
				out[i].Tag = model.TagPedalExtended
			}
		}
	}
	return out
}

// findExtension looks for a sustain-on that falls anywhere within the
// note's sounding window (including after its start, per spec §4.C
// Scenario D) and is followed by a sustain-off after the note's natural
// end — the bracket that actually extends the note's sound.
func findExtension(evt model.PerformanceEvent, pedalEvents []model.PedalEvent) *model.PedalExtension {
	for i, p := range pedalEvents {
		if !p.On || p.Time > evt.EndTime {
			continue
		}
		// find the next sustain-off that extends past the note's natural end
		for j := i + 1; j < len(pedalEvents); j++ {
			if pedalEvents[j].On {
				break
			}
			off := pedalEvents[j]
			if off.Time <= evt.EndTime {
				continue
			}
			return &model.PedalExtension{
				ExtendToTime:       off.Time,
				SyntheticOnOffset:  math.Max(0, p.Time-evt.StartTime),
				SyntheticOffOffset: off.Time - evt.StartTime,
			}
		}
	}
	return nil
}
