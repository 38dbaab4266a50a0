// Package musicxml reads a MusicXML score document into an ordered
// sequence of model.ScoreNote values, walking parts, measures, and notes
// in document order the way the teacher's MIDI-file reader walked tracks
// (see parse/midi).
package musicxml

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/Conceptual-Machines/scoresync-go/model"
)

// xmlScorePartwise mirrors the subset of the MusicXML schema this parser
// needs; unused schema elements are simply absent from the struct.
type xmlScorePartwise struct {
	Parts []xmlPart `xml:"part"`
}

type xmlPart struct {
	ID       string       `xml:"id,attr"`
	Measures []xmlMeasure `xml:"measure"`
}

type xmlMeasure struct {
	Number string    `xml:"number,attr"`
	Notes  []xmlNote `xml:"note"`
}

type xmlNote struct {
	Rest       *struct{}    `xml:"rest"`
	Pitch      *xmlPitch    `xml:"pitch"`
	Duration   int          `xml:"duration"`
	Voice      int          `xml:"voice"`
	Tie        []xmlTie     `xml:"tie"`
	Grace      *xmlGrace    `xml:"grace"`
	Notations  *xmlNotations `xml:"notations"`
}

type xmlPitch struct {
	Step   string `xml:"step"`
	Alter  int    `xml:"alter"`
	Octave int    `xml:"octave"`
}

type xmlTie struct {
	Type string `xml:"type,attr"` // "start" | "stop"
}

type xmlGrace struct {
	Slash string `xml:"slash,attr"` // "yes" | "no" | ""
}

type xmlNotations struct {
	Ornaments *xmlOrnaments `xml:"ornaments"`
}

type xmlOrnaments struct {
	TrillMark        *struct{}      `xml:"trill-mark"`
	Mordent          *struct{}      `xml:"mordent"`
	InvertedMordent  *struct{}      `xml:"inverted-mordent"`
	Turn             *struct{}      `xml:"turn"`
	Tremolo          *xmlTremolo    `xml:"tremolo"`
}

type xmlTremolo struct {
	Beams int `xml:",chardata"`
}

// Divisions per measure is needed to compute beat position; the schema
// carries it as an <attributes><divisions> element per-measure (applies
// until overridden). We track it as running state, the same running-state
// style the performance parser uses for tempo.
type xmlAttributes struct {
	Divisions int `xml:"divisions"`
}

// xmlMeasureAttrs is re-decoded with attributes included; kept as a
// second pass to avoid complicating the note-walk struct above.
type xmlMeasureAttrs struct {
	Number     string          `xml:"number,attr"`
	Attributes []xmlAttributes `xml:"attributes"`
}

// ParseFile reads a MusicXML file at path and returns its ScoreNotes in
// document order: parts in declaration order, measures ascending, notes
// in document order within a measure.
func ParseFile(path string) ([]model.ScoreNote, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("musicxml: open %s: %w", path, err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes a MusicXML document from r.
func Parse(r io.Reader) ([]model.ScoreNote, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("musicxml: read: %w", err)
	}

	var doc xmlScorePartwise
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("musicxml: malformed document: %w", err)
	}

	var attrDoc struct {
		Parts []struct {
			ID       string            `xml:"id,attr"`
			Measures []xmlMeasureAttrs `xml:"measure"`
		} `xml:"part"`
	}
	if err := xml.Unmarshal(data, &attrDoc); err != nil {
		return nil, fmt.Errorf("musicxml: malformed document (attributes pass): %w", err)
	}
	divisionsByPartMeasure := map[string]int{}
	for _, p := range attrDoc.Parts {
		current := 1
		for _, m := range p.Measures {
			for _, a := range m.Attributes {
				if a.Divisions > 0 {
					current = a.Divisions
				}
			}
			divisionsByPartMeasure[p.ID+"|"+m.Number] = current
		}
	}

	var notes []model.ScoreNote
	idx := 0
	for _, part := range doc.Parts {
		for mi, measure := range part.Measures {
			measureNum := mi + 1
			divisions := divisionsByPartMeasure[part.ID+"|"+measure.Number]
			if divisions == 0 {
				divisions = 1
			}
			runningDivs := 0
			for _, n := range measure.Notes {
				note, err := convertNote(part.ID, measureNum, divisions, runningDivs, n, idx)
				if err != nil {
					return nil, fmt.Errorf("musicxml: part %s measure %d note %d: %w", part.ID, measureNum, len(notes), err)
				}
				runningDivs += n.Duration
				if n.Rest != nil {
					continue // rests are skipped but already counted toward timing above
				}
				notes = append(notes, note)
				idx++
			}
		}
	}
	return notes, nil
}

func convertNote(partID string, measure, divisions, runningDivs int, n xmlNote, idx int) (model.ScoreNote, error) {
	note := model.ScoreNote{
		Part:         partID,
		Voice:        n.Voice,
		Measure:      measure,
		BeatPosition: float64(runningDivs) / float64(divisions),
		DurationDivs: n.Duration,
		Index:        idx,
		IsRest:       n.Rest != nil,
	}

	if n.Pitch != nil {
		note.Pitch = model.Pitch{
			Letter: strings.ToUpper(n.Pitch.Step),
			Octave: n.Pitch.Octave,
			Alter:  n.Pitch.Alter,
		}
	}

	note.Tie = model.TieNone
	for _, t := range n.Tie {
		switch t.Type {
		case "start":
			if note.Tie == model.TieStop {
				note.Tie = model.TieContinue
			} else {
				note.Tie = model.TieStart
			}
		case "stop":
			if note.Tie == model.TieStart {
				note.Tie = model.TieContinue
			} else {
				note.Tie = model.TieStop
			}
		}
	}

	if n.Grace != nil {
		role := model.GraceAppoggiatura
		if n.Grace.Slash == "yes" {
			role = model.GraceAcciaccatura
		}
		note.Ornaments = append(note.Ornaments, model.OrnamentAnnotation{
			Kind:                model.OrnamentGrace,
			ExpectedCardinality: 1,
			GraceRole:           role,
		})
	}

	if n.Notations != nil && n.Notations.Ornaments != nil {
		o := n.Notations.Ornaments
		switch {
		case o.TrillMark != nil:
			note.Ornaments = append(note.Ornaments, model.OrnamentAnnotation{Kind: model.OrnamentTrill, ExpectedCardinality: 7})
		case o.Mordent != nil, o.InvertedMordent != nil:
			note.Ornaments = append(note.Ornaments, model.OrnamentAnnotation{Kind: model.OrnamentMordent, ExpectedCardinality: 3})
		case o.Turn != nil:
			note.Ornaments = append(note.Ornaments, model.OrnamentAnnotation{Kind: model.OrnamentTurn, ExpectedCardinality: 4})
		case o.Tremolo != nil:
			beams := o.Tremolo.Beams
			if beams <= 0 {
				beams = 2
			}
			note.Ornaments = append(note.Ornaments, model.OrnamentAnnotation{Kind: model.OrnamentTremolo, ExpectedCardinality: beams * 2})
		}
	}

	return note, nil
}
