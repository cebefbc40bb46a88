package record

import (
	"bytes"
	"io"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func randBytes(n int) []byte {
	b := make([]byte, n)
	rand.Read(b)
	return b
}

func TestRecordRoundTrip(t *testing.T) {
	var buf []byte
	type kv struct{ key, value []byte }

	kvs := make([]kv, 0, 128)
	for i := 0; i < 128; i++ {
		e := kv{key: randBytes(rand.Intn(64) + 1), value: randBytes(rand.Intn(2048))}
		kvs = append(kvs, e)

		before := len(buf)
		buf = Append(buf, e.key, e.value)
		require.Equal(t, Size(len(e.key), len(e.value)), len(buf)-before)
	}

	off := 0
	for i := 0; i < 128; i++ {
		key, value, n, err := Decode(buf[off:])
		require.NoError(t, err)
		require.True(t, bytes.Equal(key, kvs[i].key))
		require.True(t, bytes.Equal(value, kvs[i].value))
		off += n
	}
	require.Equal(t, len(buf), off)
}

func TestRecordEmptyValue(t *testing.T) {
	buf := Append(nil, []byte("k"), nil)
	key, value, n, err := Decode(buf)
	require.NoError(t, err)
	require.Equal(t, []byte("k"), key)
	require.Len(t, value, 0)
	require.Equal(t, len(buf), n)
}

func TestRecordTruncated(t *testing.T) {
	buf := Append(nil, []byte("key"), []byte("some value"))
	for cut := 1; cut < len(buf); cut++ {
		_, _, _, err := Decode(buf[:cut])
		require.Error(t, err)
		require.NotErrorIs(t, err, ErrInvalidChecksum, "cut=%d", cut)
		require.ErrorIs(t, err, io.ErrUnexpectedEOF, "cut=%d", cut)
	}
}

func TestRecordCorrupted(t *testing.T) {
	buf := Append(nil, []byte("key"), randBytes(100))
	for _, i := range []int{2, 10, len(buf) - 1} {
		flipped := append([]byte(nil), buf...)
		flipped[i] ^= 0xff
		_, _, _, err := Decode(flipped)
		require.Error(t, err)
	}
}

func TestHandleRoundTrip(t *testing.T) {
	handles := []Handle{
		{},
		{FileNumber: 3, Offset: 60, Size: 12},
		{FileNumber: 1 << 40, Offset: 1<<32 - 1, Size: 1 << 20},
	}
	for _, h := range handles {
		buf := AppendHandle(nil, h)
		got, n, err := DecodeHandle(buf)
		require.NoError(t, err)
		require.Equal(t, h, got)
		require.Equal(t, len(buf), n)
	}
}

func TestHandleShort(t *testing.T) {
	buf := AppendHandle(nil, Handle{FileNumber: 7, Offset: 128, Size: 64})
	_, _, err := DecodeHandle(buf[:len(buf)-1])
	require.Error(t, err)
}
