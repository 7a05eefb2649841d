package entry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	path := filepath.Join(t.TempDir(), "state", "entries.yaml")
	store := NewStore(path, logger)
	require.NoError(t, store.Load())
	return store, path
}

func TestStore_AddAndReload(t *testing.T) {
	store, path := newTestStore(t)

	added, err := store.Add(ConfigEntry{
		Domain:   "devicehub",
		Title:    "192.168.1.20",
		UniqueID: "dev-1",
		Source:   SourceUser,
		Data:     Data{Host: "192.168.1.20", APIKey: "secret"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, added.EntryID)
	assert.Equal(t, Version, added.Version)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	logger, _ := zap.NewDevelopment()
	reloaded := NewStore(path, logger)
	require.NoError(t, reloaded.Load())

	got, err := reloaded.Get(added.EntryID)
	require.NoError(t, err)
	assert.Equal(t, added, got)
}

func TestStore_UniqueID(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Add(ConfigEntry{Domain: "devicehub", UniqueID: "dev-1", Title: "a"})
	require.NoError(t, err)

	_, err = store.Add(ConfigEntry{Domain: "devicehub", UniqueID: "dev-1", Title: "b"})
	assert.ErrorIs(t, err, ErrAlreadyExists)

	found, ok := store.FindByUniqueID("devicehub", "dev-1")
	assert.True(t, ok)
	assert.Equal(t, "a", found.Title)

	_, ok = store.FindByUniqueID("other", "dev-1")
	assert.False(t, ok)
}

func TestStore_UpdateRemove(t *testing.T) {
	store, _ := newTestStore(t)
	e, err := store.Add(ConfigEntry{Domain: "devicehub", Title: "kitchen"})
	require.NoError(t, err)

	e.Options.ScanInterval = 60
	require.NoError(t, store.Update(e))

	got, err := store.Get(e.EntryID)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, got.Options.Interval())

	require.NoError(t, store.Remove(e.EntryID))
	_, err = store.Get(e.EntryID)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, store.Remove(e.EntryID), ErrNotFound)
	assert.ErrorIs(t, store.Update(e), ErrNotFound)
}

func TestStore_All(t *testing.T) {
	store, _ := newTestStore(t)
	for _, title := range []string{"porch", "attic", "kitchen"} {
		_, err := store.Add(ConfigEntry{Domain: "devicehub", Title: title})
		require.NoError(t, err)
	}

	var titles []string
	for _, e := range store.All() {
		titles = append(titles, e.Title)
	}
	assert.Equal(t, []string{"attic", "kitchen", "porch"}, titles)
}

func TestStore_LoadErrors(t *testing.T) {
	logger, _ := zap.NewDevelopment()

	t.Run("malformed yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "entries.yaml")
		require.NoError(t, os.WriteFile(path, []byte("entries: [\n"), 0o600))
		assert.Error(t, NewStore(path, logger).Load())
	})

	t.Run("missing entry id", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "entries.yaml")
		require.NoError(t, os.WriteFile(path, []byte("entries:\n  - title: x\n"), 0o600))
		assert.Error(t, NewStore(path, logger).Load())
	})
}

func TestOptions_Interval(t *testing.T) {
	assert.Equal(t, 30*time.Second, Options{}.Interval())
	assert.Equal(t, 90*time.Second, Options{ScanInterval: 90}.Interval())
}
