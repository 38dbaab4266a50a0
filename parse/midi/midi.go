// Package midi reads a standard MIDI file into ordered PerformanceEvents
// and a parallel pedal-event stream, walking tracks the way
// leafo/songtool's tonelib reader walks smf.Track event slices.
package midi

import (
	"fmt"

	"gitlab.com/gomidi/midi/v2/smf"

	"github.com/Conceptual-Machines/scoresync-go/model"
)

const defaultBPM = 120.0
const controlChangeSustain = 64

// tempoSpan is one entry of the running tempo map: from tick onward, the
// file plays at bpm until the next span begins.
type tempoSpan struct {
	startTick uint32
	startSecs float64
	bpm       float64
}

// Result is the parsed performance: sounded note events plus the raw
// sustain-pedal stream the relationship processor consumes separately.
type Result struct {
	Events   []model.PerformanceEvent
	Pedal    []model.PedalEvent
	TempoMap TempoMap
}

// TempoSpan describes one piecewise-constant tempo region in cumulative
// beats rather than MIDI ticks, so callers outside this package (the
// matcher) can convert a score beat position to elapsed seconds without
// depending on smf types.
type TempoSpan struct {
	StartBeat float64
	StartSecs float64
	BPM       float64
}

// TempoMap is an ordered-by-StartBeat list of TempoSpans extracted from a
// MIDI file's meta tempo events.
type TempoMap []TempoSpan

// SecondsAtBeat converts a cumulative beat position to elapsed seconds
// using the piecewise-constant tempo timeline, per spec §4.B step 1. An
// empty map falls back to a constant 120 BPM.
func (tm TempoMap) SecondsAtBeat(beat float64) float64 {
	if len(tm) == 0 {
		return beat * (60.0 / defaultBPM)
	}
	span := tm[0]
	for _, s := range tm {
		if s.StartBeat > beat {
			break
		}
		span = s
	}
	return span.StartSecs + (beat-span.StartBeat)*(60.0/span.BPM)
}

// ParseFile reads a standard MIDI file at path.
func ParseFile(path string) (Result, error) {
	midiFile, err := smf.ReadFile(path)
	if err != nil {
		return Result{}, fmt.Errorf("midi: read %s: %w", path, err)
	}
	return Parse(midiFile)
}

// Parse walks a decoded *smf.SMF's tracks in order, pairing note-on/off
// into PerformanceEvents and collecting CC64 into the pedal stream.
func Parse(midiFile *smf.SMF) (Result, error) {
	ticksPerQuarter, ok := midiFile.TimeFormat.(smf.MetricTicks)
	if !ok {
		return Result{}, fmt.Errorf("midi: unsupported time format %T (only metric ticks supported)", midiFile.TimeFormat)
	}

	spans := buildTempoMap(midiFile, ticksPerQuarter)

	var result Result
	result.TempoMap = toBeatTempoMap(spans, ticksPerQuarter)
	idx := 0
	for trackIdx, track := range midiFile.Tracks {
		instrument := trackName(track)
		type openNote struct {
			startTick uint32
			velocity  int
		}
		open := map[[2]int]openNote{} // [channel,pitch] -> openNote

		var tick uint32
		for _, event := range track {
			tick += event.Delta
			msg := event.Message

			var channel, key, velocity uint8
			if msg.GetNoteOn(&channel, &key, &velocity) && velocity > 0 {
				open[[2]int{int(channel), int(key)}] = openNote{startTick: tick, velocity: int(velocity)}
				continue
			}

			isNoteOff := msg.GetNoteOff(&channel, &key, &velocity)
			if !isNoteOff {
				// A note-on with velocity 0 is a note-off per the MIDI spec.
				if msg.GetNoteOn(&channel, &key, &velocity) && velocity == 0 {
					isNoteOff = true
				}
			}
			if isNoteOff {
				k := [2]int{int(channel), int(key)}
				if on, ok := open[k]; ok {
					delete(open, k)
					result.Events = append(result.Events, model.PerformanceEvent{
						Track:      trackIdx,
						Channel:    int(channel),
						MIDIPitch:  int(key),
						Velocity:   on.velocity,
						StartTime:  ticksToSeconds(on.startTick, spans, ticksPerQuarter),
						EndTime:    ticksToSeconds(tick, spans, ticksPerQuarter),
						Instrument: instrument,
						Index:      idx,
					})
					idx++
				}
				continue
			}

			var controller, value uint8
			if msg.GetControlChange(&channel, &controller, &value) && controller == controlChangeSustain {
				result.Pedal = append(result.Pedal, model.PedalEvent{
					Channel: int(channel),
					Time:    ticksToSeconds(tick, spans, ticksPerQuarter),
					On:      value >= 64,
				})
			}
		}
	}

	return result, nil
}

func buildTempoMap(midiFile *smf.SMF, ticksPerQuarter smf.MetricTicks) []tempoSpan {
	spans := []tempoSpan{{startTick: 0, startSecs: 0, bpm: defaultBPM}}

	type tempoAt struct {
		tick uint32
		bpm  float64
	}
	var changes []struct {
		tick uint32
		bpm  float64
	}
	for _, track := range midiFile.Tracks {
		var tick uint32
		for _, event := range track {
			tick += event.Delta
			var microsPerQuarter uint32
			if event.Message.GetMetaTempo(&microsPerQuarter) && microsPerQuarter > 0 {
				changes = append(changes, tempoAt{tick: tick, bpm: 60000000.0 / float64(microsPerQuarter)})
			}
		}
	}
	if len(changes) == 0 {
		return spans
	}

	sortTempoChanges(changes)
	cur := spans[0]
	for _, c := range changes {
		if c.tick == 0 {
			spans[0].bpm = c.bpm
			cur = spans[0]
			continue
		}
		elapsedSecs := ticksToSecondsWithin(c.tick-cur.startTick, cur.bpm, ticksPerQuarter)
		next := tempoSpan{startTick: c.tick, startSecs: cur.startSecs + elapsedSecs, bpm: c.bpm}
		spans = append(spans, next)
		cur = next
	}
	return spans
}

// toBeatTempoMap reexpresses a tick-keyed tempo timeline in cumulative
// beats (tick / ticksPerQuarter), the unit the score parser's BeatPosition
// is already in.
func toBeatTempoMap(spans []tempoSpan, ticksPerQuarter smf.MetricTicks) TempoMap {
	out := make(TempoMap, len(spans))
	for i, s := range spans {
		out[i] = TempoSpan{
			StartBeat: float64(s.startTick) / float64(ticksPerQuarter),
			StartSecs: s.startSecs,
			BPM:       s.bpm,
		}
	}
	return out
}

func sortTempoChanges(changes []struct {
	tick uint32
	bpm  float64
}) {
	for i := 1; i < len(changes); i++ {
		for j := i; j > 0 && changes[j].tick < changes[j-1].tick; j-- {
			changes[j], changes[j-1] = changes[j-1], changes[j]
		}
	}
}

func ticksToSecondsWithin(deltaTicks uint32, bpm float64, ticksPerQuarter smf.MetricTicks) float64 {
	secondsPerQuarter := 60.0 / bpm
	return float64(deltaTicks) / float64(ticksPerQuarter) * secondsPerQuarter
}

func ticksToSeconds(tick uint32, spans []tempoSpan, ticksPerQuarter smf.MetricTicks) float64 {
	span := spans[0]
	for _, s := range spans {
		if s.startTick > tick {
			break
		}
		span = s
	}
	return span.startSecs + ticksToSecondsWithin(tick-span.startTick, span.bpm, ticksPerQuarter)
}

func trackName(track smf.Track) string {
	for _, event := range track {
		var name string
		if event.Message.GetMetaTrackName(&name) && name != "" {
			return name
		}
	}
	return "unnamed"
}
