package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsEmptyRecord(t *testing.T) {
	dir := t.TempDir()
	rec, err := Load(filepath.Join(dir, "state.json"))
	require.NoError(t, err)
	require.Equal(t, Record{}, rec)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	rec := Record{
		LatestTag:    "v1.0.0",
		ETag:         `W/"abc"`,
		LastModified: "Tue, 01 Jan 2030 00:00:00 GMT",
		InstalledAt:  "2030-01-01T00:00:00Z",
	}
	require.NoError(t, Save(path, rec))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, rec.LatestTag, loaded.LatestTag)
	require.Equal(t, rec.ETag, loaded.ETag)
	require.Equal(t, rec.LastModified, loaded.LastModified)
	require.Equal(t, rec.InstalledAt, loaded.InstalledAt)
}

func TestSaveLoadRoundTripPreservesUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	seed := map[string]any{
		"latest_tag":  "v1.0.0",
		"future_field": "kept-as-is",
	}
	raw, err := json.Marshal(seed)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	rec, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "v1.0.0", rec.LatestTag)

	require.NoError(t, Save(path, rec))

	var onDisk map[string]any
	raw, err = os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &onDisk))
	require.Equal(t, "kept-as-is", onDisk["future_field"])
	require.Equal(t, "v1.0.0", onDisk["latest_tag"])
}

func TestSaveIsAtomicNoPartialTempLeftBehind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	require.NoError(t, Save(path, Record{LatestTag: "v1.0.0"}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "state.json", entries[0].Name())
}
