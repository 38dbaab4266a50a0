// Package model holds the shared entities that flow through the pipeline:
// parsed notes and events, the registry's matched records, and the
// relationship groups layered on top of them.
package model

import "fmt"

// TieRole is the tie state of a ScoreNote.
type TieRole string

const (
	TieNone     TieRole = "none"
	TieStart    TieRole = "start"
	TieContinue TieRole = "continue"
	TieStop     TieRole = "stop"
)

// OrnamentKind enumerates the ornament shapes the relationship processor
// can detect and materialize.
type OrnamentKind string

const (
	OrnamentTrill   OrnamentKind = "trill"
	OrnamentMordent OrnamentKind = "mordent"
	OrnamentTurn    OrnamentKind = "turn"
	OrnamentGrace   OrnamentKind = "grace"
	OrnamentTremolo OrnamentKind = "tremolo"
)

// GraceRole distinguishes the two grace-note renderings.
type GraceRole string

const (
	GraceNone         GraceRole = ""
	GraceAcciaccatura GraceRole = "acciaccatura"
	GraceAppoggiatura GraceRole = "appoggiatura"
)

// OrnamentAnnotation is a score-side hint gathered from the notations
// subtree: an expected kind plus the cardinality the parser predicts.
type OrnamentAnnotation struct {
	Kind               OrnamentKind
	ExpectedCardinality int
	GraceRole          GraceRole
}

// Pitch is letter+octave+chromatic alteration, enharmonic-comparable via
// MIDINumber().
type Pitch struct {
	Letter     string // "A".."G"
	Octave     int
	Alter      int // semitone alteration, can be negative
}

// MIDINumber converts a score Pitch to its MIDI note number so it can be
// compared against a PerformanceEvent's MIDIPitch under enharmonic
// equivalence.
func (p Pitch) MIDINumber() int {
	base := map[string]int{"C": 0, "D": 2, "E": 4, "F": 5, "G": 7, "A": 9, "B": 11}
	return (p.Octave+1)*12 + base[p.Letter] + p.Alter
}

func (p Pitch) String() string {
	return fmt.Sprintf("%s%d", p.Letter, p.Octave)
}

// ScoreNote is a pitched event read from the symbolic score. Immutable
// once produced by the parser.
type ScoreNote struct {
	Part             string
	Voice            int
	Measure          int
	BeatPosition     float64 // rational position within the measure, as a decimal
	Pitch            Pitch
	DurationDivs     int
	Tie              TieRole
	Ornaments        []OrnamentAnnotation
	IsRest           bool
	Index            int // document order, stable across a run
}

// PerformanceEvent is a sounded event read from the performance capture.
// Immutable once produced by the parser.
type PerformanceEvent struct {
	Track      int
	Channel    int
	MIDIPitch  int
	Velocity   int
	StartTime  float64 // seconds
	EndTime    float64 // seconds
	Instrument string
	Index      int
}

// PedalEvent is a raw sustain control-change (CC64) sample from the
// performance stream, kept separate from PerformanceEvent because it is
// consumed only by the pedal-extension pass.
type PedalEvent struct {
	Channel int
	Time    float64
	On      bool // true = sustain depressed, false = released
}

// MatchMethod records which tier of the matcher accepted a pair.
type MatchMethod string

const (
	MatchExact    MatchMethod = "exact"
	MatchFuzzy    MatchMethod = "fuzzy"
	MatchFallback MatchMethod = "fallback"
)

// EntryTag is the explicit discriminant for RegistryEntry's tagged-variant
// shape (favored over a subtype hierarchy per the relationship
// processor's dispatch needs).
type EntryTag string

const (
	TagPlain            EntryTag = "plain"
	TagTiedPrimary      EntryTag = "tied-primary"
	TagTiedMember       EntryTag = "tied-member"
	TagOrnamentPrimary  EntryTag = "ornament-primary"
	TagOrnamentExpanded EntryTag = "ornament-expansion"
	TagPedalExtended    EntryTag = "pedal-extended"
)

// PedalExtension annotates a RegistryEntry whose performance event must be
// re-encoded with synthesized sustain control events around its notated
// span. It never changes the note's own start/end.
type PedalExtension struct {
	ExtendToTime      float64
	SyntheticOnOffset float64
	SyntheticOffOffset float64
}

// RegistryEntry is the matched tuple produced by the matcher and enriched
// by the relationship processor. Tag discriminates which of
// {tied_group_id, ornament_group_id} (if any) applies; the two are
// mutually exclusive.
type RegistryEntry struct {
	UniversalID      string
	ScoreNote        ScoreNote
	PerformanceEvent PerformanceEvent
	Confidence       float64
	Method           MatchMethod
	Tag              EntryTag
	TiedGroupID      string
	OrnamentGroupID  string
	Pedal            *PedalExtension
}

// TiedGroup is an ordered run of ScoreNotes sharing one PerformanceEvent.
type TiedGroup struct {
	GroupID          string
	Primary          ScoreNote
	Members          []TiedMember
	PerformanceEvent PerformanceEvent
	EndTime          float64
}

// TiedMember is one non-primary (or the primary) note within a TiedGroup,
// carrying its own calculated start time.
type TiedMember struct {
	Note                ScoreNote
	CalculatedStartTime float64
	IsPrimary           bool
}

// AnimationStrategy controls how an OrnamentGroup's expansion events are
// surfaced to the downstream animation tool.
type AnimationStrategy string

const (
	AnimCumulative   AnimationStrategy = "cumulative"
	AnimDistributed  AnimationStrategy = "distributed"
	AnimPrimaryOnly  AnimationStrategy = "primary-only"
)

// OrnamentGroup is one primary ScoreNote (plus optional grace notes)
// mapped onto N performance events.
type OrnamentGroup struct {
	GroupID             string
	Kind                OrnamentKind
	Primary             ScoreNote
	GraceNotes          []ScoreNote
	VisualNoteIDs       []string
	PerformanceEventIDs []string // sub-IDs, "{group_id}_expansion_{k}"
	Events              []PerformanceEvent
	TimingDistribution  []float64 // each event's duration as a fraction of the cluster span; sums to 1 only when events are back-to-back
	AnimationStrategy   AnimationStrategy
	Confidence          float64
}

// SubID formats the k-th expansion sub-ID for a group, zero-padded to two
// digits (cluster sizes in this domain never approach three digits).
func SubID(groupID string, k int) string {
	return fmt.Sprintf("%s_expansion_%02d", groupID, k)
}

// ArtifactRecord is one manifest row: a stage's claim that it produced a
// file servicing a given UniversalID (or sub-ID).
type ArtifactRecord struct {
	Path      string
	Size      int64
	CreatedAt string // RFC3339; kept as string so JSON round-trips byte-identically
	SHA256    string
	Metadata  map[string]string
}

// Manifest is the persisted registry: matched entries, relationship
// groups, and the per-ID/per-stage artifact index.
type Manifest struct {
	Version        int    `json:"version"`
	CreatedAt      string `json:"created_at"`
	SourceFingerprints map[string]string `json:"source_fingerprints"`

	Entries        []RegistryEntry          `json:"entries"`
	TiedGroups     []TiedGroup              `json:"tied_groups"`
	OrnamentGroups []OrnamentGroup          `json:"ornament_groups"`

	// Manifests maps UniversalID -> stage name -> artifact record.
	Manifests map[string]map[string]ArtifactRecord `json:"manifests"`
}

// StageStatus is a StageRecord's execution state.
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageReady     StageStatus = "ready"
	StageRunning   StageStatus = "running"
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
	StageSkipped   StageStatus = "skipped"
)
