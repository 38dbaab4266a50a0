// Package match produces Registry v1: the greedy, confidence-scored pairing
// of ScoreNotes to PerformanceEvents described by the matcher contract.
package match

import (
	"log"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/Conceptual-Machines/scoresync-go/identity"
	"github.com/Conceptual-Machines/scoresync-go/model"
	"github.com/Conceptual-Machines/scoresync-go/parse/midi"
)

// beatsPerMeasure approximates a global beat count from (measure, within-
// measure beat position) absent a parsed time signature; common time is
// the overwhelming majority case in the corpus this matcher targets.
const beatsPerMeasure = 4.0

// DefaultTWindow is the matcher's default temporal tolerance.
const DefaultTWindow = 100 * time.Millisecond

const exactThreshold = 10 * time.Millisecond

// Options configures a matching pass.
type Options struct {
	TWindow time.Duration
	// PartToTrack, when non-nil, overrides auto-detected part<->track
	// correspondence. Falls back to name-similarity, then index equality.
	PartToTrack map[string]int
	// TempoMap, when non-empty, converts a ScoreNote's cumulative beat
	// position to seconds using the performance's real tempo timeline
	// (spec §4.B step 1). A constant 120 BPM is used only as a fallback
	// when no tempo map was parsed.
	TempoMap midi.TempoMap
}

// Result is Registry v1 plus the bookkeeping the relationship processor
// needs: which events were never claimed (candidate orphan clusters) and
// which notes went unmatched.
type Result struct {
	Entries         []model.RegistryEntry
	UnmatchedNotes  []model.ScoreNote
	UnclaimedEvents []model.PerformanceEvent
}

var whitespaceRe = regexp.MustCompile(`\s+`)

func normalize(s string) string {
	s = strings.ToLower(s)
	s = whitespaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// buildPartTrackMap resolves each part to a track index: operator mapping
// first, then name-similarity, then positional fallback.
func buildPartTrackMap(notes []model.ScoreNote, events []model.PerformanceEvent, override map[string]int) map[string]int {
	parts := uniqueParts(notes)
	tracksByNorm := map[string]int{}
	trackInstruments := map[int]string{}
	for _, e := range events {
		trackInstruments[e.Track] = e.Instrument
	}
	for track, instrument := range trackInstruments {
		tracksByNorm[normalize(instrument)] = track
	}

	result := map[string]int{}
	for i, part := range parts {
		if override != nil {
			if t, ok := override[part]; ok {
				result[part] = t
				continue
			}
		}
		if t, ok := tracksByNorm[normalize(part)]; ok {
			result[part] = t
			continue
		}
		result[part] = i // positional fallback: part-index == track-index
	}
	return result
}

func uniqueParts(notes []model.ScoreNote) []string {
	seen := map[string]bool{}
	var parts []string
	for _, n := range notes {
		if !seen[n.Part] {
			seen[n.Part] = true
			parts = append(parts, n.Part)
		}
	}
	return parts
}

// tentativeScoreTime computes a ScoreNote's predicted performance time
// from its cumulative beat position, using the performance's real tempo
// map when one was parsed and falling back to a constant 120 BPM only
// when it wasn't (spec §4.B step 1).
func tentativeScoreTime(cumulativeBeats float64, tempoMap midi.TempoMap) float64 {
	return tempoMap.SecondsAtBeat(cumulativeBeats)
}

// eventKey indexes PerformanceEvents by (track, pitch) per the matcher's
// bucket strategy.
type eventKey struct {
	track int
	pitch int
}

// Match runs the greedy stable matcher described in spec §4.B and returns
// Registry v1 plus unmatched notes/events for the relationship processor.
func Match(notes []model.ScoreNote, events []model.PerformanceEvent, gen *identity.Generator, opts Options) Result {
	if opts.TWindow == 0 {
		opts.TWindow = DefaultTWindow
	}
	window := opts.TWindow.Seconds()

	partTrack := buildPartTrackMap(notes, events, opts.PartToTrack)

	index := map[eventKey][]model.PerformanceEvent{}
	for _, e := range events {
		k := eventKey{track: e.Track, pitch: e.MIDIPitch}
		index[k] = append(index[k], e)
	}
	claimed := map[int]bool{} // PerformanceEvent.Index -> claimed

	var res Result

	for _, n := range notes {
		if n.IsRest {
			continue
		}
		globalBeat := float64(n.Measure-1)*beatsPerMeasure + n.BeatPosition
		scoreTime := tentativeScoreTime(globalBeat, opts.TempoMap)

		if n.Tie == model.TieContinue || n.Tie == model.TieStop {
			// Deferred to the relationship processor (§4.C); the matcher
			// only claims tie-start/plain notes.
			res.UnmatchedNotes = append(res.UnmatchedNotes, n)
			continue
		}

		track, ok := partTrack[n.Part]
		if !ok {
			track = 0
		}
		target := n.Pitch.MIDINumber()

		entry, matched := attemptMatch(n, target, track, scoreTime, window, index, claimed)
		if !matched {
			res.UnmatchedNotes = append(res.UnmatchedNotes, n)
			continue
		}
		entry.UniversalID = gen.Assign(identity.Evidence{
			Part:      n.Part,
			Measure:   n.Measure,
			Voice:     n.Voice,
			PitchStr:  n.Pitch.String(),
			Track:     entry.PerformanceEvent.Track,
			StartTime: entry.PerformanceEvent.StartTime,
		})
		entry.Tag = model.TagPlain
		res.Entries = append(res.Entries, entry)
		claimed[entry.PerformanceEvent.Index] = true
	}

	for _, e := range events {
		if !claimed[e.Index] {
			res.UnclaimedEvents = append(res.UnclaimedEvents, e)
		}
	}

	log.Printf("🎼 matcher: %d entries, %d unmatched notes, %d unclaimed events", len(res.Entries), len(res.UnmatchedNotes), len(res.UnclaimedEvents))
	return res
}

// attemptMatch finds the best candidate for note n among claimed-free
// events in the (track,pitch) bucket, falling back to any-track-same-pitch
// if the primary bucket yields nothing.
func attemptMatch(n model.ScoreNote, pitch, track int, scoreTime, window float64, index map[eventKey][]model.PerformanceEvent, claimed map[int]bool) (model.RegistryEntry, bool) {
	candidates := collectCandidates(index[eventKey{track: track, pitch: pitch}], scoreTime, window, claimed)
	method := model.MatchFuzzy
	if len(candidates) == 0 {
		// fallback: same pitch, any track
		for k, evs := range index {
			if k.pitch != pitch {
				continue
			}
			candidates = append(candidates, collectCandidates(evs, scoreTime, window, claimed)...)
		}
		method = model.MatchFallback
	}
	if len(candidates) == 0 {
		return model.RegistryEntry{}, false
	}

	sort.Slice(candidates, func(i, j int) bool {
		di := math.Abs(candidates[i].StartTime - scoreTime)
		dj := math.Abs(candidates[j].StartTime - scoreTime)
		if di != dj {
			return di < dj
		}
		return candidates[i].StartTime > candidates[j].StartTime // tie-break: prefer later start
	})
	best := candidates[0]
	delta := math.Abs(best.StartTime - scoreTime)

	confidence := 0.8
	switch {
	case method == model.MatchFallback:
		confidence = 0.8
	case delta <= exactThreshold.Seconds():
		method = model.MatchExact
		confidence = 1.0
	default:
		method = model.MatchFuzzy
		confidence = 0.9
	}

	return model.RegistryEntry{
		ScoreNote:        n,
		PerformanceEvent: best,
		Confidence:       confidence,
		Method:           method,
	}, true
}

func collectCandidates(evs []model.PerformanceEvent, scoreTime, window float64, claimed map[int]bool) []model.PerformanceEvent {
	var out []model.PerformanceEvent
	for _, e := range evs {
		if claimed[e.Index] {
			continue
		}
		if math.Abs(e.StartTime-scoreTime) <= window {
			out = append(out, e)
		}
	}
	return out
}
