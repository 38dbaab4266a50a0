// Package identity generates and tracks Universal IDs: deterministic,
// content-addressable 128-bit identifiers bound to one ScoreNote <->
// PerformanceEvent pair.
package identity

import (
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// namespace roots every Universal ID generated by this run type, the way
// uuid.NewSHA1 callers elsewhere in the ecosystem pin a fixed namespace to
// keep IDs reproducible across runs given identical evidence bytes.
var namespace = uuid.MustParse("6f6e8c2a-6e1e-4c9d-9f0f-9a6a1b9b7b0a")

// Generator assigns UniversalIDs from match evidence and re-salts on the
// rare prefix collision, per the registry's fatal-collision policy.
type Generator struct {
	mu      sync.Mutex
	prefixes map[string]string // 4-char hex prefix -> full id, for collision detection
}

// NewGenerator returns a Generator with an empty collision table.
func NewGenerator() *Generator {
	return &Generator{prefixes: make(map[string]string)}
}

// Evidence is the byte-stable fingerprint of a matched pair, used as the
// UUIDv5 payload so identical inputs reproduce identical IDs across runs
// (testable property 8).
type Evidence struct {
	Part      string
	Measure   int
	Voice     int
	PitchStr  string
	Track     int
	StartTime float64
}

func (e Evidence) bytes(salt int) []byte {
	buf := make([]byte, 0, 64)
	buf = append(buf, []byte(e.Part)...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(e.Measure))
	buf = binary.BigEndian.AppendUint32(buf, uint32(e.Voice))
	buf = append(buf, []byte(e.PitchStr)...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(e.Track))
	startBits := uint64(e.StartTime * 1e6) // microsecond precision, stable across float reprints
	buf = binary.BigEndian.AppendUint64(buf, startBits)
	if salt > 0 {
		buf = binary.BigEndian.AppendUint32(buf, uint32(salt))
	}
	return buf
}

// Assign derives a UniversalID from evidence, re-salting on a 4-char
// prefix collision until a free one is found. It never returns a
// collision silently: callers that care about the fatal-collision path
// should treat more than a handful of salt attempts as a configuration
// error, per spec.
func (g *Generator) Assign(ev Evidence) string {
	g.mu.Lock()
	defer g.mu.Unlock()

	for salt := 0; ; salt++ {
		id := uuid.NewSHA1(namespace, ev.bytes(salt)).String()
		prefix := Prefix4(id)
		if existing, ok := g.prefixes[prefix]; !ok || existing == id {
			g.prefixes[prefix] = id
			return id
		}
		// collision on a *different* id under this prefix: re-salt and retry.
	}
}

// Prefix4 returns the first 4 lowercase-hex characters of a UniversalID,
// used for short filenames.
func Prefix4(id string) string {
	// uuid.String() is dash-separated hex; the first 4 hex chars are also
	// the first 4 runes before any dash under the namespace UUID's layout.
	clean := make([]byte, 0, 4)
	for i := 0; i < len(id) && len(clean) < 4; i++ {
		c := id[i]
		if c == '-' {
			continue
		}
		clean = append(clean, c)
	}
	return string(clean)
}

// sha1Sum backs Fingerprint: a plain content hash that does not go
// through the UUID machinery.
func sha1Sum(b []byte) string {
	sum := sha1.Sum(b)
	return fmt.Sprintf("%x", sum)
}

// Fingerprint hashes arbitrary input bytes (a score or performance file's
// contents) for the manifest's source_fingerprints record.
func Fingerprint(b []byte) string {
	return sha1Sum(b)
}
