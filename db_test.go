package wisckey

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/kabu1204/wisckey/lsm"
	"github.com/kabu1204/wisckey/record"
	"github.com/stretchr/testify/require"
)

func testOptions() Options {
	return DefaultOptions().
		WithValueSizeThreshold(256).
		WithMaxFileSize(1 << 20)
}

func openTestDB(t *testing.T, opts Options, dir string) *DB {
	t.Helper()
	db, err := Open(opts, dir)
	require.NoError(t, err)
	return db
}

func TestInlineHandleSplit(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, testOptions(), dir)
	defer db.Close()

	k1, v1 := []byte("k1"), []byte("value1")
	k2, v2 := []byte("k2"), bytesOf('x', 100)
	k3, v3 := []byte("k3"), bytesOf('x', 400)

	require.NoError(t, db.Put(WriteOptions{}, k1, v1))
	require.NoError(t, db.Put(WriteOptions{}, k2, v2))
	require.NoError(t, db.Put(WriteOptions{}, k3, v3))

	// 6 and 100 bytes are below the 256-byte threshold and stay inline;
	// 400 bytes goes to the value log behind a handle.
	_, vt, err := db.store.Get(k1)
	require.NoError(t, err)
	require.Equal(t, lsm.TypeInline, vt)
	_, vt, err = db.store.Get(k2)
	require.NoError(t, err)
	require.Equal(t, lsm.TypeInline, vt)
	raw, vt, err := db.store.Get(k3)
	require.NoError(t, err)
	require.Equal(t, lsm.TypeHandle, vt)
	h, _, err := record.DecodeHandle(raw)
	require.NoError(t, err)
	require.Equal(t, uint64(1), h.FileNumber)

	for _, tc := range []struct {
		key, want []byte
	}{{k1, v1}, {k2, v2}, {k3, v3}} {
		got, err := db.Get(ReadOptions{}, tc.key)
		require.NoError(t, err)
		require.Equal(t, tc.want, got)
	}

	require.NoError(t, db.Delete(WriteOptions{}, k1))
	_, err = db.Get(ReadOptions{}, k1)
	require.True(t, IsNotFound(err))
}

func bytesOf(c byte, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = c
	}
	return b
}

func TestWriteBatchAtomicSplit(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, testOptions(), dir)
	defer db.Close()

	require.NoError(t, db.Put(WriteOptions{}, []byte("gone"), []byte("x")))

	b := NewWriteBatch()
	b.Put([]byte("small"), []byte("v"))
	b.Put([]byte("large"), randBytes(1000))
	b.Delete([]byte("gone"))
	require.NoError(t, db.Write(WriteOptions{Sync: true}, b))

	got, err := db.Get(ReadOptions{}, []byte("small"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), got)
	got, err = db.Get(ReadOptions{}, []byte("large"))
	require.NoError(t, err)
	require.Len(t, got, 1000)
	_, err = db.Get(ReadOptions{}, []byte("gone"))
	require.True(t, IsNotFound(err))
}

func TestOverwriteAndRollover(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions().WithMaxFileSize(4096)
	db := openTestDB(t, opts, dir)
	defer db.Close()

	want := make(map[string][]byte)
	for i := 0; i < 200; i++ {
		key := fmt.Sprintf("key%03d", i%50)
		value := randBytes(300 + rand.Intn(300))
		require.NoError(t, db.Put(WriteOptions{}, []byte(key), value))
		want[key] = value
	}
	require.Greater(t, db.Metrics().LiveFiles, 1)

	for key, value := range want {
		got, err := db.Get(ReadOptions{}, []byte(key))
		require.NoError(t, err)
		require.Equal(t, value, got)
	}
}

func TestDurabilityAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, testOptions(), dir)

	want := make(map[string][]byte)
	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("key%03d", i)
		value := randBytes(100 + rand.Intn(500))
		require.NoError(t, db.Put(WriteOptions{}, []byte(key), value))
		want[key] = value
	}
	require.NoError(t, db.SyncLSM())
	require.NoError(t, db.Close())

	db = openTestDB(t, testOptions(), dir)
	defer db.Close()
	for key, value := range want {
		got, err := db.Get(ReadOptions{}, []byte(key))
		require.NoError(t, err)
		require.Equal(t, value, got)
	}
}

func TestSnapshotPinsView(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, testOptions(), dir)
	defer db.Close()

	old := randBytes(500)
	require.NoError(t, db.Put(WriteOptions{}, []byte("k"), old))

	snap := db.GetSnapshot()
	defer db.ReleaseSnapshot(snap)

	require.NoError(t, db.Put(WriteOptions{}, []byte("k"), randBytes(500)))

	got, err := db.Get(ReadOptions{Snapshot: snap}, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, old, got)
}

func iterateAll(t *testing.T, it *Iterator) map[string][]byte {
	t.Helper()
	got := make(map[string][]byte)
	for ok := it.First(); ok; ok = it.Next() {
		got[string(it.Key())] = append([]byte(nil), it.Value()...)
	}
	require.NoError(t, it.Err())
	return got
}

func testIteration(t *testing.T, prefetch bool) {
	dir := t.TempDir()
	opts := testOptions().WithMaxFileSize(64 << 10)
	db := openTestDB(t, opts, dir)
	defer db.Close()

	const numEntries = 2000
	want := make(map[string][]byte, numEntries)
	for i := 0; i < numEntries; i++ {
		key := fmt.Sprintf("key%06d", i)
		value := randBytes(200 + rand.Intn(600))
		require.NoError(t, db.Put(WriteOptions{}, []byte(key), value))
		want[key] = value
	}

	it, err := db.NewIterator(ReadOptions{BlobPrefetch: prefetch})
	require.NoError(t, err)
	defer it.Close()

	// Forward to some middle point...
	ok := it.First()
	steps := 0
	for ok && steps < 1234 {
		key := string(it.Key())
		require.Equal(t, want[key], it.Value(), key)
		ok = it.Next()
		steps++
	}
	require.True(t, ok)

	// ...reverse for a while...
	for i := 0; i < 456; i++ {
		require.True(t, it.Prev())
		key := string(it.Key())
		require.Equal(t, want[key], it.Value(), key)
	}

	// ...then forward to the end, counting a full pass.
	total := 0
	for ok := it.First(); ok; ok = it.Next() {
		key := string(it.Key())
		require.Equal(t, want[key], it.Value(), key)
		total++
	}
	require.NoError(t, it.Err())
	require.Equal(t, numEntries, total)

	// Backward full pass.
	total = 0
	for ok := it.Last(); ok; ok = it.Prev() {
		key := string(it.Key())
		require.Equal(t, want[key], it.Value(), key)
		total++
	}
	require.NoError(t, it.Err())
	require.Equal(t, numEntries, total)
}

func TestIteration(t *testing.T) {
	testIteration(t, false)
}

func TestIterationWithPrefetch(t *testing.T) {
	testIteration(t, true)
}

func TestIteratorHidesDeletions(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, testOptions(), dir)
	defer db.Close()

	require.NoError(t, db.Put(WriteOptions{}, []byte("a"), randBytes(400)))
	require.NoError(t, db.Put(WriteOptions{}, []byte("b"), randBytes(400)))
	require.NoError(t, db.Put(WriteOptions{}, []byte("c"), []byte("inline")))
	require.NoError(t, db.Delete(WriteOptions{}, []byte("b")))

	it, err := db.NewIterator(ReadOptions{})
	require.NoError(t, err)
	defer it.Close()
	got := iterateAll(t, it)
	require.Len(t, got, 2)
	require.Contains(t, got, "a")
	require.Contains(t, got, "c")
}

func TestGetFromClosedDB(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, testOptions(), dir)
	require.NoError(t, db.Close())

	_, err := db.Get(ReadOptions{}, []byte("k"))
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, db.Put(WriteOptions{}, []byte("k"), []byte("v")), ErrClosed)
}

func TestDebugStringAndMetrics(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, testOptions(), dir)
	defer db.Close()

	require.NoError(t, db.Put(WriteOptions{}, []byte("k"), randBytes(400)))
	m := db.Metrics()
	require.Equal(t, uint64(1), m.ActiveFileNumber)
	require.NotEmpty(t, db.DebugString())
}
