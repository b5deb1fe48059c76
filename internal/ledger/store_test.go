package ledger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStoreMissingFileIsEmpty(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "lock_slots.json"))

	entries, err := store.Load()
	require.NoError(t, err)
	assert.Nil(t, entries)
}

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock_slots.json")
	store := NewFileStore(path)

	want := map[string]int{"alice": 1, "bob": 2, "carol": 7}
	require.NoError(t, store.Save(want))

	got, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestFileStoreOverwritesWholeDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock_slots.json")
	store := NewFileStore(path)

	require.NoError(t, store.Save(map[string]int{"alice": 1, "bob": 2}))
	require.NoError(t, store.Save(map[string]int{"alice": 1}))

	got, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"alice": 1}, got)
}

func TestFileStoreDocumentShape(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock_slots.json")
	store := NewFileStore(path)

	require.NoError(t, store.Save(map[string]int{"alice": 1}))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var doc struct {
		Version int            `json:"version"`
		Key     string         `json:"key"`
		Data    map[string]int `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, 1, doc.Version)
	assert.Equal(t, "alarmo_zha_lock_sync.storage", doc.Key)
	assert.Equal(t, map[string]int{"alice": 1}, doc.Data)
}

func TestFileStoreCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock_slots.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))

	store := NewFileStore(path)
	_, err := store.Load()
	require.Error(t, err)
}

func TestFileStoreLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(filepath.Join(dir, "lock_slots.json"))

	require.NoError(t, store.Save(map[string]int{"alice": 1}))

	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "lock_slots.json", files[0].Name())
}
