package wisckey

import (
	"encoding/binary"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVersionEditRoundTrip(t *testing.T) {
	e := &versionEdit{}
	e.addFile(3, 1234)
	e.addFile(7, 99)
	e.deleteFile(1, 42)
	e.setNextFileNumber(8)
	e.setLastSequence(1000)

	got := &versionEdit{}
	require.NoError(t, got.decode(e.encode()))
	require.Equal(t, e.added, got.added)
	require.Equal(t, e.deleted, got.deleted)
	require.Equal(t, e.nextFileNumber, got.nextFileNumber)
	require.True(t, got.hasNextFile)
	require.Equal(t, e.lastSequence, got.lastSequence)
	require.True(t, got.hasLastSequence)
}

func TestVersionEditUnknownTag(t *testing.T) {
	buf := binary.AppendUvarint(nil, 99)
	buf = binary.AppendUvarint(buf, 1)
	e := &versionEdit{}
	err := e.decode(buf)
	require.Error(t, err)
	require.True(t, IsCorruption(err))
}

func TestVersionApply(t *testing.T) {
	v := newBlobVersion()

	e := &versionEdit{}
	e.addFile(1, 100)
	e.addFile(2, 200)
	v.apply(e)
	require.Len(t, v.liveFiles, 2)

	e = &versionEdit{}
	e.deleteFile(1, 55)
	v.apply(e)
	require.Len(t, v.liveFiles, 1)
	info, ok := v.obsoleteFiles[1]
	require.True(t, ok)
	require.Equal(t, uint64(55), info.sequence)
	// The size is remembered so late snapshot readers can still reach it.
	require.Equal(t, uint32(100), info.fileSize)

	live := v.sortedLive()
	require.Len(t, live, 1)
	require.Equal(t, uint64(2), live[0].number)
}

func TestManifestReplay(t *testing.T) {
	dir := t.TempDir()

	snapshot := &versionEdit{}
	snapshot.setNextFileNumber(1)
	m, err := createManifest(dir, 1, snapshot)
	require.NoError(t, err)

	e := &versionEdit{}
	e.addFile(1, 128)
	e.setNextFileNumber(2)
	require.NoError(t, m.append(e))

	e = &versionEdit{}
	e.addFile(2, 256)
	e.deleteFile(1, 77)
	e.setNextFileNumber(3)
	require.NoError(t, m.append(e))
	require.NoError(t, m.close())

	number, ok, err := readCurrent(dir)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(1), number)

	ver := newBlobVersion()
	next, _, err := replayManifest(dir, number, ver)
	require.NoError(t, err)
	require.Equal(t, uint64(3), next)
	require.Len(t, ver.liveFiles, 1)
	require.Equal(t, uint32(256), ver.liveFiles[2].fileSize)
	require.Equal(t, uint64(77), ver.obsoleteFiles[1].sequence)
}

func TestManifestCorruptRecord(t *testing.T) {
	dir := t.TempDir()

	m, err := createManifest(dir, 1, &versionEdit{})
	require.NoError(t, err)
	e := &versionEdit{}
	e.addFile(1, 128)
	require.NoError(t, m.append(e))
	require.NoError(t, m.close())

	// Flip a payload byte; replay must fail with corruption.
	name := manifestFileName(dir, 1)
	data, err := os.ReadFile(name)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xff
	require.NoError(t, os.WriteFile(name, data, 0644))

	_, _, err = replayManifest(dir, 1, newBlobVersion())
	require.Error(t, err)
	require.True(t, IsCorruption(err))
}

func TestCurrentMissing(t *testing.T) {
	_, ok, err := readCurrent(t.TempDir())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSetCurrentReplaces(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, setCurrent(dir, 1))
	require.NoError(t, setCurrent(dir, 2))
	number, ok, err := readCurrent(dir)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(2), number)
}
