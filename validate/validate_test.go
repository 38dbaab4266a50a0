package validate

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Conceptual-Machines/scoresync-go/model"
	"github.com/Conceptual-Machines/scoresync-go/registry"
)

// writeArtifact creates a non-empty file under dir so ValidateIntegrity's
// on-disk existence check passes, and returns its path.
func writeArtifact(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	return path
}

func TestRun_SucceedsOnCleanRegistry(t *testing.T) {
	reg := registry.New(t.TempDir())
	reg.Register(model.RegistryEntry{UniversalID: "abc-1", Confidence: 0.95, Method: model.MatchExact})

	report := Run(reg)

	assert.True(t, report.Successful)
	assert.Empty(t, report.Errors)
}

func TestRun_FailsOnOutOfRangeConfidence(t *testing.T) {
	reg := registry.New(t.TempDir())
	reg.Register(model.RegistryEntry{UniversalID: "abc-1", Confidence: 1.4, Method: model.MatchExact})

	report := Run(reg)

	assert.False(t, report.Successful)
	assert.NotEmpty(t, report.Errors)
}

func TestRun_WarnsOnFallbackMatches(t *testing.T) {
	reg := registry.New(t.TempDir())
	reg.Register(model.RegistryEntry{UniversalID: "abc-1", Confidence: 0.8, Method: model.MatchFallback})

	report := Run(reg)

	assert.True(t, report.Successful)
	assert.Len(t, report.Warnings, 1)
}

func TestRun_FailsWhenEntryMissesAStageEverySiblingHas(t *testing.T) {
	dir := t.TempDir()
	reg := registry.New(dir)
	reg.Register(model.RegistryEntry{UniversalID: "abc-1", Confidence: 0.95, Method: model.MatchExact})
	reg.Register(model.RegistryEntry{UniversalID: "abc-2", Confidence: 0.95, Method: model.MatchExact})
	reg.UpdateArtifact("abc-1", "notehead-generation", model.ArtifactRecord{Path: writeArtifact(t, dir, "abc-1-notehead.json")})
	reg.UpdateArtifact("abc-1", "keyframe-generation", model.ArtifactRecord{Path: writeArtifact(t, dir, "abc-1-keyframe.json")})
	reg.UpdateArtifact("abc-2", "notehead-generation", model.ArtifactRecord{Path: writeArtifact(t, dir, "abc-2-notehead.json")})

	report := Run(reg)

	assert.False(t, report.Successful)
	assert.NotEmpty(t, report.Errors)
	found := false
	for _, err := range report.Errors {
		if err != nil && strings.Contains(err.Error(), "abc-2") && strings.Contains(err.Error(), "keyframe-generation") {
			found = true
		}
	}
	assert.True(t, found, "expected a missing-stage error naming abc-2 and keyframe-generation, got %v", report.Errors)
}

func TestRun_SucceedsWhenEveryEntryHasEveryStage(t *testing.T) {
	dir := t.TempDir()
	reg := registry.New(dir)
	reg.Register(model.RegistryEntry{UniversalID: "abc-1", Confidence: 0.95, Method: model.MatchExact})
	reg.Register(model.RegistryEntry{UniversalID: "abc-2", Confidence: 0.95, Method: model.MatchExact})
	reg.UpdateArtifact("abc-1", "notehead-generation", model.ArtifactRecord{Path: writeArtifact(t, dir, "abc-1-notehead.json")})
	reg.UpdateArtifact("abc-2", "notehead-generation", model.ArtifactRecord{Path: writeArtifact(t, dir, "abc-2-notehead.json")})

	report := Run(reg)

	assert.True(t, report.Successful)
	assert.Empty(t, report.Errors)
}

func TestRun_HistogramBucketsByTenth(t *testing.T) {
	reg := registry.New(t.TempDir())
	reg.Register(model.RegistryEntry{UniversalID: "abc-1", Confidence: 0.91, Method: model.MatchExact})
	reg.Register(model.RegistryEntry{UniversalID: "abc-2", Confidence: 0.94, Method: model.MatchExact})

	report := Run(reg)

	assert.Equal(t, 2, report.ConfidenceHistogram["0.9"])
}
