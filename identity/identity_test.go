package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAssign_Deterministic(t *testing.T) {
	ev := Evidence{Part: "P1", Measure: 4, Voice: 1, PitchStr: "C4", Track: 0, StartTime: 1.25}

	g1 := NewGenerator()
	g2 := NewGenerator()

	id1 := g1.Assign(ev)
	id2 := g2.Assign(ev)

	assert.Equal(t, id1, id2, "same evidence must produce the same UniversalID across independent generators")
}

func TestAssign_DistinctEvidenceDistinctIDs(t *testing.T) {
	g := NewGenerator()

	a := g.Assign(Evidence{Part: "P1", Measure: 1, Voice: 1, PitchStr: "C4", Track: 0, StartTime: 0})
	b := g.Assign(Evidence{Part: "P1", Measure: 2, Voice: 1, PitchStr: "C4", Track: 0, StartTime: 0})

	assert.NotEqual(t, a, b)
}

func TestAssign_ResaltsOnPrefixCollision(t *testing.T) {
	g := NewGenerator()

	tests := []struct {
		name string
		ev   Evidence
	}{
		{"first", Evidence{Part: "P1", Measure: 1, Voice: 1, PitchStr: "C4", Track: 0, StartTime: 0}},
		{"second", Evidence{Part: "P1", Measure: 2, Voice: 1, PitchStr: "D4", Track: 0, StartTime: 1}},
		{"third", Evidence{Part: "P2", Measure: 3, Voice: 2, PitchStr: "E4", Track: 1, StartTime: 2}},
	}

	seenPrefixes := map[string]bool{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := g.Assign(tt.ev)
			prefix := Prefix4(id)
			assert.False(t, seenPrefixes[prefix], "prefix %q reused across distinct UniversalIDs", prefix)
			seenPrefixes[prefix] = true
		})
	}
}

func TestPrefix4_Length(t *testing.T) {
	g := NewGenerator()
	id := g.Assign(Evidence{Part: "P1", Measure: 1, Voice: 1, PitchStr: "C4", Track: 0, StartTime: 0})
	assert.Len(t, Prefix4(id), 4)
}

func TestFingerprint_Stable(t *testing.T) {
	data := []byte("some artifact bytes")
	assert.Equal(t, Fingerprint(data), Fingerprint(data))
}
