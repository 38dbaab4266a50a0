package relate

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Conceptual-Machines/scoresync-go/identity"
	"github.com/Conceptual-Machines/scoresync-go/match"
	"github.com/Conceptual-Machines/scoresync-go/model"
)

func TestProcess_GroupsTiedRun(t *testing.T) {
	pitch := model.Pitch{Letter: "C", Octave: 4}
	notes := []model.ScoreNote{
		{Part: "P1", Voice: 1, Measure: 1, Pitch: pitch, DurationDivs: 2, Tie: model.TieStart, Index: 0},
		{Part: "P1", Voice: 1, Measure: 1, Pitch: pitch, DurationDivs: 2, Tie: model.TieStop, Index: 1},
	}
	perfEvent := model.PerformanceEvent{Track: 0, MIDIPitch: pitch.MIDINumber(), StartTime: 0, EndTime: 1.0, Index: 0}
	entries := []model.RegistryEntry{{ScoreNote: notes[0], PerformanceEvent: perfEvent, Confidence: 1.0, Method: model.MatchExact, Tag: model.TagPlain}}

	mr := match.Result{Entries: entries}
	gen := identity.NewGenerator()

	res := Process(mr, notes, nil, gen)

	assert.Len(t, res.TiedGroups, 1)
	group := res.TiedGroups[0]
	assert.Len(t, group.Members, 2)
	assert.Equal(t, notes[0].Index, group.Primary.Index)
	assert.InDelta(t, 0.5, group.Members[1].CalculatedStartTime, 1e-9)

	var primaryEntry model.RegistryEntry
	for _, e := range res.Entries {
		if e.ScoreNote.Index == 0 {
			primaryEntry = e
		}
	}
	assert.Equal(t, model.TagTiedPrimary, primaryEntry.Tag)
	assert.Equal(t, group.GroupID, primaryEntry.TiedGroupID)
}

func TestProcess_SingleNoteWithStartTieIsNotGrouped(t *testing.T) {
	pitch := model.Pitch{Letter: "D", Octave: 4}
	notes := []model.ScoreNote{
		{Part: "P1", Voice: 1, Measure: 1, Pitch: pitch, DurationDivs: 4, Tie: model.TieStart, Index: 0},
	}
	perfEvent := model.PerformanceEvent{Track: 0, MIDIPitch: pitch.MIDINumber(), StartTime: 0, EndTime: 1.0, Index: 0}
	entries := []model.RegistryEntry{{ScoreNote: notes[0], PerformanceEvent: perfEvent, Tag: model.TagPlain}}

	gen := identity.NewGenerator()
	res := Process(match.Result{Entries: entries}, notes, nil, gen)

	assert.Empty(t, res.TiedGroups)
	assert.Equal(t, model.TagPlain, res.Entries[0].Tag)
}

func TestApplyPedal_ExtendsNoteWithinSustainBracket(t *testing.T) {
	evt := model.PerformanceEvent{Channel: 0, StartTime: 1.0, EndTime: 1.2, Index: 0}
	entries := []model.RegistryEntry{{PerformanceEvent: evt, Tag: model.TagPlain}}
	pedal := []model.PedalEvent{
		{Channel: 0, Time: 0.5, On: true},
		{Channel: 0, Time: 2.0, On: false},
	}

	out := applyPedal(entries, pedal)

	assert.NotNil(t, out[0].Pedal)
	assert.Equal(t, 2.0, out[0].Pedal.ExtendToTime)
	assert.Equal(t, model.TagPedalExtended, out[0].Tag)
}

func TestApplyPedal_NoExtensionOutsideBracket(t *testing.T) {
	evt := model.PerformanceEvent{Channel: 0, StartTime: 5.0, EndTime: 5.2, Index: 0}
	entries := []model.RegistryEntry{{PerformanceEvent: evt, Tag: model.TagPlain}}
	pedal := []model.PedalEvent{
		{Channel: 0, Time: 0.5, On: true},
		{Channel: 0, Time: 1.0, On: false},
	}

	out := applyPedal(entries, pedal)

	assert.Nil(t, out[0].Pedal)
	assert.Equal(t, model.TagPlain, out[0].Tag)
}

func TestApplyPedal_ExtendsNoteWhenSustainOnFallsAfterNoteStart(t *testing.T) {
	// Scenario D: note start=0.000/end=0.500, sustain-on fires at 0.100
	// (after the note already started) and sustain-off at 0.800 — still
	// a valid extension bracket.
	evt := model.PerformanceEvent{Channel: 0, StartTime: 0.000, EndTime: 0.500, Index: 0}
	entries := []model.RegistryEntry{{PerformanceEvent: evt, Tag: model.TagPlain}}
	pedal := []model.PedalEvent{
		{Channel: 0, Time: 0.100, On: true},
		{Channel: 0, Time: 0.800, On: false},
	}

	out := applyPedal(entries, pedal)

	require := assert.New(t)
	require.NotNil(out[0].Pedal)
	require.Equal(0.800, out[0].Pedal.ExtendToTime)
	require.Equal(model.TagPedalExtended, out[0].Tag)
}

func TestApplyPedal_SustainOnAfterNoteEndDoesNotExtend(t *testing.T) {
	evt := model.PerformanceEvent{Channel: 0, StartTime: 0.000, EndTime: 0.500, Index: 0}
	entries := []model.RegistryEntry{{PerformanceEvent: evt, Tag: model.TagPlain}}
	pedal := []model.PedalEvent{
		{Channel: 0, Time: 0.600, On: true},
		{Channel: 0, Time: 0.900, On: false},
	}

	out := applyPedal(entries, pedal)

	assert.Nil(t, out[0].Pedal)
	assert.Equal(t, model.TagPlain, out[0].Tag)
}

func TestClassifyCluster_MordentRejectsWideSpan(t *testing.T) {
	c := orphanCluster{events: []model.PerformanceEvent{
		{MIDIPitch: 60, StartTime: 0}, {MIDIPitch: 62, StartTime: 0.2}, {MIDIPitch: 60, StartTime: 0.5},
	}}
	assert.NotEqual(t, model.OrnamentMordent, classifyCluster(c))
}

func TestDetectOrnaments_FusesGraceClusterWithPrincipalNote(t *testing.T) {
	principalPitch := model.Pitch{Letter: "C", Octave: 4}
	gracePitch := model.Pitch{Letter: "D", Octave: 4}

	graceNote := model.ScoreNote{
		Part: "P1", Voice: 1, Measure: 1, Pitch: gracePitch, Index: 0,
		Ornaments: []model.OrnamentAnnotation{{Kind: model.OrnamentGrace, ExpectedCardinality: 1, GraceRole: model.GraceAcciaccatura}},
	}
	principalNote := model.ScoreNote{Part: "P1", Voice: 1, Measure: 1, Pitch: principalPitch, Index: 1}
	notes := []model.ScoreNote{graceNote, principalNote}

	principalEvent := model.PerformanceEvent{Track: 0, MIDIPitch: principalPitch.MIDINumber(), StartTime: 1.000, EndTime: 1.500, Index: 1}
	graceEvent := model.PerformanceEvent{Track: 0, MIDIPitch: gracePitch.MIDINumber(), StartTime: 0.950, EndTime: 0.995, Index: 0}

	entries := []model.RegistryEntry{{ScoreNote: principalNote, PerformanceEvent: principalEvent, Tag: model.TagPlain}}
	unclaimed := []model.PerformanceEvent{graceEvent}

	gen := identity.NewGenerator()
	groups := detectOrnaments(notes, unclaimed, entries, gen)

	require := assert.New(t)
	require.Len(groups, 1)
	require.Equal(model.OrnamentGrace, groups[0].Kind)
	require.Len(groups[0].GraceNotes, 1)
	require.Equal(graceNote.Index, groups[0].GraceNotes[0].Index)
	require.Len(groups[0].Events, 1)
	require.Equal(graceEvent.Index, groups[0].Events[0].Index)
}

func TestDetectOrnaments_NoGraceClusterWhenGapTooWide(t *testing.T) {
	principalPitch := model.Pitch{Letter: "C", Octave: 4}
	gracePitch := model.Pitch{Letter: "D", Octave: 4}

	graceNote := model.ScoreNote{
		Part: "P1", Voice: 1, Measure: 1, Pitch: gracePitch, Index: 0,
		Ornaments: []model.OrnamentAnnotation{{Kind: model.OrnamentGrace, ExpectedCardinality: 1}},
	}
	principalNote := model.ScoreNote{Part: "P1", Voice: 1, Measure: 1, Pitch: principalPitch, Index: 1}
	notes := []model.ScoreNote{graceNote, principalNote}

	principalEvent := model.PerformanceEvent{Track: 0, MIDIPitch: principalPitch.MIDINumber(), StartTime: 2.000, EndTime: 2.500, Index: 1}
	// the only unclaimed event is well outside the 100ms grace window
	farEvent := model.PerformanceEvent{Track: 0, MIDIPitch: gracePitch.MIDINumber(), StartTime: 0.500, EndTime: 0.550, Index: 0}

	entries := []model.RegistryEntry{{ScoreNote: principalNote, PerformanceEvent: principalEvent, Tag: model.TagPlain}}
	unclaimed := []model.PerformanceEvent{farEvent}

	gen := identity.NewGenerator()
	groups := detectOrnaments(notes, unclaimed, entries, gen)

	assert.Empty(t, groups)
}

func TestClassifyCluster_SamePitchIsTremolo(t *testing.T) {
	c := orphanCluster{events: []model.PerformanceEvent{
		{MIDIPitch: 60, StartTime: 0}, {MIDIPitch: 60, StartTime: 0.1},
	}}
	assert.Equal(t, model.OrnamentTremolo, classifyCluster(c))
}

func TestClassifyCluster_MordentPattern(t *testing.T) {
	c := orphanCluster{events: []model.PerformanceEvent{
		{MIDIPitch: 60, StartTime: 0}, {MIDIPitch: 62, StartTime: 0.05}, {MIDIPitch: 60, StartTime: 0.1},
	}}
	assert.Equal(t, model.OrnamentMordent, classifyCluster(c))
}
