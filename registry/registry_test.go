package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Conceptual-Machines/scoresync-go/model"
)

func TestRegister_IdempotentOnUniversalID(t *testing.T) {
	reg := New(t.TempDir())
	entry := model.RegistryEntry{UniversalID: "abc-123", Confidence: 0.9}
	reg.Register(entry)

	updated := entry
	updated.Confidence = 1.0
	reg.Register(updated)

	snap := reg.Snapshot()
	require.Len(t, snap.Entries, 1)
	assert.Equal(t, 1.0, snap.Entries[0].Confidence)
}

func TestPersist_WritesRegistryJSONAndBackup(t *testing.T) {
	dir := t.TempDir()
	reg := New(dir)
	reg.Register(model.RegistryEntry{UniversalID: "abc-123", Confidence: 0.9})

	err := reg.Persist("v1")
	require.NoError(t, err)

	_, statErr := os.Stat(filepath.Join(dir, "registry.json"))
	assert.NoError(t, statErr)
	_, statErr = os.Stat(filepath.Join(dir, "registry.v1.json"))
	assert.NoError(t, statErr)

	backups, err := os.ReadDir(filepath.Join(dir, "backups"))
	require.NoError(t, err)
	assert.Len(t, backups, 1)
}

func TestLoad_RoundTrips(t *testing.T) {
	dir := t.TempDir()
	reg := New(dir)
	reg.Register(model.RegistryEntry{UniversalID: "abc-123", Confidence: 0.9})
	require.NoError(t, reg.Persist(""))

	loaded, err := Load(dir)
	require.NoError(t, err)
	assert.Len(t, loaded.Snapshot().Entries, 1)
}

func TestRestoreLastSnapshot_DiscardsUnpersistedMutation(t *testing.T) {
	dir := t.TempDir()
	reg := New(dir)
	reg.Register(model.RegistryEntry{UniversalID: "trusted"})
	require.NoError(t, reg.Persist(""))

	reg.Register(model.RegistryEntry{UniversalID: "never-persisted"})

	require.NoError(t, reg.RestoreLastSnapshot())

	snap := reg.Snapshot()
	require.Len(t, snap.Entries, 1)
	assert.Equal(t, "trusted", snap.Entries[0].UniversalID)
}

func TestRestoreLastSnapshot_NoBackupsIsError(t *testing.T) {
	reg := New(t.TempDir())
	err := reg.RestoreLastSnapshot()
	assert.Error(t, err)
}

func TestLookupByFilenamePrefix_CollisionIsFatal(t *testing.T) {
	reg := New(t.TempDir())
	// two distinct IDs sharing the same 4-char prefix
	reg.Register(model.RegistryEntry{UniversalID: "aaaa1111-0000-0000-0000-000000000000"})
	reg.Register(model.RegistryEntry{UniversalID: "aaaa2222-0000-0000-0000-000000000000"})

	_, err := reg.LookupByFilenamePrefix("aaaa")
	assert.ErrorIs(t, err, ErrPrefixCollision)
}

func TestValidateIntegrity_FlagsOutOfRangeConfidence(t *testing.T) {
	reg := New(t.TempDir())
	reg.Register(model.RegistryEntry{UniversalID: "abc-123", Confidence: 1.5})

	errs := reg.ValidateIntegrity()
	assert.NotEmpty(t, errs)
}

func TestValidateIntegrity_FlagsMissingArtifact(t *testing.T) {
	reg := New(t.TempDir())
	reg.UpdateArtifact("abc-123", "notehead-extraction", model.ArtifactRecord{Path: "/nonexistent/path.json"})

	errs := reg.ValidateIntegrity()
	assert.NotEmpty(t, errs)
}
