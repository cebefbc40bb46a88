package wisckey

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/kabu1204/wisckey/lsm"
	"github.com/kabu1204/wisckey/record"
	"github.com/stretchr/testify/require"
)

func openTestVLog(t *testing.T, dir string, store *lsm.Store) *valueLog {
	t.Helper()
	v, err := openValueLog(testOptions().withDefaults(), dir, store)
	require.NoError(t, err)
	return v
}

// Truncating the active file anywhere inside its last record must recover a
// state equivalent to before that record was written: earlier records stay
// readable and the next append lands exactly where the torn record began.
func TestRecoveryTornTail(t *testing.T) {
	dir := t.TempDir()
	store, err := lsm.Open(filepath.Join(dir, lsmSubdir), true)
	require.NoError(t, err)
	defer store.Close()

	v := openTestVLog(t, dir, store)
	values := make([][]byte, 6)
	handles := make([]record.Handle, 6)
	for i := 0; i < 6; i++ {
		values[i] = randBytes(10 + i)
		h, err := v.put([]byte(fmt.Sprintf("k%02d", i+1)), values[i])
		require.NoError(t, err)
		handles[i] = h
	}
	require.NoError(t, v.sync())
	require.NoError(t, v.close())

	lastStart := handles[5].Offset
	fileEnd := handles[5].Offset + handles[5].Size
	path := vlogFileName(dir, 1)

	for cut := lastStart; cut < fileEnd; cut++ {
		require.NoError(t, os.Truncate(path, int64(cut)))

		v = openTestVLog(t, dir, store)
		for i := 0; i < 5; i++ {
			value, err := v.get(handles[i])
			require.NoError(t, err, "cut=%d record=%d", cut, i)
			require.Equal(t, values[i], value)
		}

		h, err := v.put([]byte("k06"), values[5])
		require.NoError(t, err)
		require.Equal(t, uint64(1), h.FileNumber, "cut=%d", cut)
		require.Equal(t, lastStart, h.Offset, "cut=%d", cut)
		require.Equal(t, handles[5].Size, h.Size, "cut=%d", cut)
		require.NoError(t, v.sync())
		require.NoError(t, v.close())
	}
}

func TestRecoveryResumesEntryCount(t *testing.T) {
	dir := t.TempDir()
	store, err := lsm.Open(filepath.Join(dir, lsmSubdir), true)
	require.NoError(t, err)
	defer store.Close()

	v := openTestVLog(t, dir, store)
	for i := 0; i < 10; i++ {
		_, err := v.put([]byte(fmt.Sprintf("k%d", i)), randBytes(50))
		require.NoError(t, err)
	}
	require.NoError(t, v.close())

	v = openTestVLog(t, dir, store)
	defer v.close()
	v.mu.RLock()
	entries := v.rwfile.entries()
	number := v.rwfile.fileNumber()
	v.mu.RUnlock()
	require.Equal(t, uint32(10), entries)
	require.Equal(t, uint64(1), number)
}

// File numbers never go backwards across a restart after several rollovers.
func TestRecoveryFileNumberMonotonic(t *testing.T) {
	dir := t.TempDir()
	store, err := lsm.Open(filepath.Join(dir, lsmSubdir), true)
	require.NoError(t, err)
	defer store.Close()

	opts := testOptions().WithMaxFileSize(2048).withDefaults()
	v, err := openValueLog(opts, dir, store)
	require.NoError(t, err)
	for i := 0; i < 30; i++ {
		_, err := v.put([]byte(fmt.Sprintf("k%d", i)), randBytes(300))
		require.NoError(t, err)
	}
	v.mu.RLock()
	before := v.fileNumber
	v.mu.RUnlock()
	require.Greater(t, before, uint64(1))
	require.NoError(t, v.close())

	v, err = openValueLog(opts, dir, store)
	require.NoError(t, err)
	defer v.close()
	v.mu.RLock()
	after := v.fileNumber
	v.mu.RUnlock()
	require.GreaterOrEqual(t, after, before)
}

// A stray value log file nothing references is discarded during recovery.
func TestRecoveryDropsUnreferencedFile(t *testing.T) {
	dir := t.TempDir()
	store, err := lsm.Open(filepath.Join(dir, lsmSubdir), true)
	require.NoError(t, err)
	defer store.Close()

	v := openTestVLog(t, dir, store)
	_, err = v.put([]byte("k"), randBytes(50))
	require.NoError(t, err)
	require.NoError(t, v.close())

	// Plant a crashed-GC output: numbered above everything the manifest
	// recorded, valid records, but no LSM handle pointing at it.
	stray, err := newVLogRWFile(vlogFileName(dir, 99), 99, false, 0, 0)
	require.NoError(t, err)
	_, err = stray.add([]byte("orphan"), randBytes(64))
	require.NoError(t, err)
	require.NoError(t, stray.finish())
	stray.unref()

	v = openTestVLog(t, dir, store)
	defer v.close()
	_, statErr := os.Stat(vlogFileName(dir, 99))
	require.True(t, os.IsNotExist(statErr))
	v.mu.RLock()
	_, live := v.version.liveFiles[99]
	v.mu.RUnlock()
	require.False(t, live)
}

// A crashed-GC output that the LSM does reference is re-added to the live
// set and keeps serving reads.
func TestRecoveryAdoptsReferencedFile(t *testing.T) {
	dir := t.TempDir()
	store, err := lsm.Open(filepath.Join(dir, lsmSubdir), true)
	require.NoError(t, err)
	defer store.Close()

	v := openTestVLog(t, dir, store)
	_, err = v.put([]byte("seed"), randBytes(50))
	require.NoError(t, err)
	require.NoError(t, v.close())

	value := randBytes(128)
	stray, err := newVLogRWFile(vlogFileName(dir, 42), 42, false, 0, 0)
	require.NoError(t, err)
	h, err := stray.add([]byte("moved"), value)
	require.NoError(t, err)
	require.NoError(t, stray.finish())
	stray.unref()

	// The LSM handle makes the stray file referenced.
	b := lsm.NewBatch()
	b.Put([]byte("moved"), record.AppendHandle(nil, h), lsm.TypeHandle)
	require.NoError(t, store.Apply(b, true, nil))

	v = openTestVLog(t, dir, store)
	defer v.close()
	got, err := v.get(h)
	require.NoError(t, err)
	require.Equal(t, value, got)
}
