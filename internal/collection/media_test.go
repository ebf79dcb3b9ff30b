package collection

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestMedia(t *testing.T) *Media {
	t.Helper()

	dir := t.TempDir()

	m, err := OpenMedia(
		filepath.Join(dir, "collection.media.db2"),
		filepath.Join(dir, "collection.media"),
		testLogger(t),
	)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	return m
}

func TestMediaLastUSNEmpty(t *testing.T) {
	t.Parallel()

	m := openTestMedia(t)

	usn, err := m.LastUSN()
	require.NoError(t, err)
	assert.EqualValues(t, 0, usn)
}

func TestMediaAddAndCount(t *testing.T) {
	t.Parallel()

	m := openTestMedia(t)

	require.NoError(t, m.AddEntries([]MediaEntry{
		{Filename: "a.jpg", USN: 1, Checksum: "aa"},
		{Filename: "b.png", USN: 2, Checksum: "bb"},
	}))

	usn, err := m.LastUSN()
	require.NoError(t, err)
	assert.EqualValues(t, 2, usn)

	count, err := m.MediaCount()
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)
}

func TestMediaSyncDelete(t *testing.T) {
	t.Parallel()

	m := openTestMedia(t)

	require.NoError(t, m.WriteFile("a.jpg", []byte("payload")))
	require.NoError(t, m.AddEntries([]MediaEntry{{Filename: "a.jpg", USN: 1, Checksum: "aa"}}))

	require.NoError(t, m.SyncDelete("a.jpg"))

	// The file is gone and the row is a tombstone at the next usn.
	_, err := os.Stat(filepath.Join(m.Dir(), "a.jpg"))
	assert.True(t, os.IsNotExist(err))

	count, err := m.MediaCount()
	require.NoError(t, err)
	assert.EqualValues(t, 0, count)

	usn, err := m.LastUSN()
	require.NoError(t, err)
	assert.EqualValues(t, 2, usn)
}

func TestMediaSyncDeleteUnknownFileAdvancesUSN(t *testing.T) {
	t.Parallel()

	m := openTestMedia(t)

	require.NoError(t, m.SyncDelete("never-existed.jpg"))

	usn, err := m.LastUSN()
	require.NoError(t, err)
	assert.EqualValues(t, 1, usn)
}

func TestMediaChangesAscending(t *testing.T) {
	t.Parallel()

	m := openTestMedia(t)

	require.NoError(t, m.AddEntries([]MediaEntry{
		{Filename: "a.jpg", USN: 1, Checksum: "aa"},
		{Filename: "b.png", USN: 2, Checksum: "bb"},
		{Filename: "c.gif", USN: 3, Checksum: "cc"},
	}))
	require.NoError(t, m.SyncDelete("b.png"))

	// The newest two rows, ascending: c.gif then the b.png tombstone.
	changes, err := m.Changes(2)
	require.NoError(t, err)
	require.Len(t, changes, 2)

	assert.Equal(t, "c.gif", changes[0].Filename)
	assert.EqualValues(t, 3, changes[0].USN)

	assert.Equal(t, "b.png", changes[1].Filename)
	assert.EqualValues(t, 4, changes[1].USN)
	assert.Empty(t, changes[1].Checksum)
}

func TestMediaFileRoundTrip(t *testing.T) {
	t.Parallel()

	m := openTestMedia(t)
	payload := []byte{0x89, 'P', 'N', 'G', 0x00}

	require.NoError(t, m.WriteFile("img.png", payload))

	got, err := m.ReadFile("img.png")
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}
