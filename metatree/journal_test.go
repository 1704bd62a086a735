package metatree

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJournalAppendAndReplay(t *testing.T) {
	dir := t.TempDir()
	j, err := CreateJournal(filepath.Join(dir, "meta-abc.log"), 0xabcd1234)
	require.NoError(t, err)
	defer j.Close()

	require.NoError(t, j.Append(Entry{Type: SetKey, MTime: 100, Path: "/a", Key: "emblem", Value: Value{List: []string{"star"}}}))
	require.NoError(t, j.Append(Entry{Type: SetVKey, MTime: 101, Path: "/a", Key: "tags", Value: Value{List: []string{"x", "y", "z"}, IsList: true}}))
	require.NoError(t, j.Append(Entry{Type: UnsetKey, MTime: 102, Path: "/a", Key: "emblem"}))
	require.NoError(t, j.Append(Entry{Type: CopyPath, MTime: 103, Path: "/b", SourcePath: "/a"}))
	require.NoError(t, j.Append(Entry{Type: RemovePath, MTime: 104, Path: "/c"}))

	entries, err := j.ReadValidEntries()
	require.NoError(t, err)
	require.Len(t, entries, 5)

	assert.Equal(t, SetKey, entries[0].Type)
	assert.Equal(t, "star", entries[0].Value.String())

	assert.Equal(t, SetVKey, entries[1].Type)
	assert.Equal(t, []string{"x", "y", "z"}, entries[1].Value.List)

	assert.Equal(t, UnsetKey, entries[2].Type)
	assert.Equal(t, "emblem", entries[2].Key)

	assert.Equal(t, CopyPath, entries[3].Type)
	assert.Equal(t, "/a", entries[3].SourcePath)

	assert.Equal(t, RemovePath, entries[4].Type)
	assert.Equal(t, "/c", entries[4].Path)

	assert.Equal(t, uint32(5), j.NumEntries())
}

func TestJournalReopenPreservesEntries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meta-xyz.log")
	j, err := CreateJournal(path, 42)
	require.NoError(t, err)
	require.NoError(t, j.Append(Entry{Type: SetKey, MTime: 1, Path: "/p", Key: "k", Value: Value{List: []string{"v"}}}))
	require.NoError(t, j.Close())

	j2, err := OpenJournal(path)
	require.NoError(t, err)
	defer j2.Close()
	assert.Equal(t, uint32(1), j2.NumEntries())
	assert.Equal(t, uint32(42), j2.RandomTag())

	entries, err := j2.ReadValidEntries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "/p", entries[0].Path)
}

func TestJournalTornEntryTruncatesAtFirstFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meta-torn.log")
	j, err := CreateJournal(path, 7)
	require.NoError(t, err)
	require.NoError(t, j.Append(Entry{Type: SetKey, MTime: 1, Path: "/ok", Key: "k", Value: Value{List: []string{"v"}}}))

	// Corrupt the CRC of the next (not-yet-written) region by crafting a
	// fake entry with a bad checksum directly onto disk, simulating a
	// torn write after the size/crc fields but before a consistent body.
	bad := encodeEntry(Entry{Type: SetKey, MTime: 2, Path: "/bad", Key: "k", Value: Value{List: []string{"v"}}})
	bad[8] ^= 0xFF // flip a byte inside the CRC-covered region without updating the CRC
	_, err = j.f.WriteAt(bad, int64(j.nextOffset))
	require.NoError(t, err)

	entries, err := j.ReadValidEntries()
	require.NoError(t, err)
	require.Len(t, entries, 1, "corrupt entry must not appear, and must not block earlier entries")
	assert.Equal(t, "/ok", entries[0].Path)
}

func TestJournalFullReturnsErrJournalFull(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meta-small.log")
	j, err := CreateJournal(path, 1)
	require.NoError(t, err)
	j.fileSize = journalHeaderSize + 16 // shrink the usable window for the test

	err = j.Append(Entry{Type: SetKey, MTime: 1, Path: "/a-very-long-path-to-overflow-the-window", Key: "k", Value: Value{List: []string{"v"}}})
	assert.ErrorIs(t, err, ErrJournalFull)
}
