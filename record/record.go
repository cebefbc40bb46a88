// Package record implements the on-disk format of value log records and
// value handles.
//
// A record is self-delimiting:
//
//	uvarint(key_len) | uvarint(value_len) | key | value | crc32c
//
// The checksum covers the length bytes, the key and the value, so a record
// can be validated without any out-of-band index. Decoding is bounded by the
// logical end of file supplied by the caller; no block index is written.
package record

import (
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/pkg/errors"
)

var (
	ErrInvalidChecksum = errors.New("record: invalid checksum")
	ErrCorrupted       = errors.New("record: corrupted record")
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

const (
	// crcSize is the size of the trailing checksum.
	crcSize = 4
	// maxHeaderSize bounds the two uvarint length fields.
	maxHeaderSize = 2 * binary.MaxVarintLen32
)

// Handle locates a record inside a value log file. Size spans the whole
// record, checksum included, so offset+size is the first byte past it.
type Handle struct {
	FileNumber uint64
	Offset     uint32
	Size       uint32
}

// HandleMaxSize is an upper bound on the encoded form of a Handle.
const HandleMaxSize = binary.MaxVarintLen64 + 8

// AppendHandle appends the encoded form of h to dst:
// uvarint(file_number) | fixed32(offset) | fixed32(size).
// The fixed-width tail keeps the LSM entry size stable.
func AppendHandle(dst []byte, h Handle) []byte {
	dst = binary.AppendUvarint(dst, h.FileNumber)
	dst = binary.LittleEndian.AppendUint32(dst, h.Offset)
	dst = binary.LittleEndian.AppendUint32(dst, h.Size)
	return dst
}

// DecodeHandle decodes a Handle from the head of buf, returning the handle
// and the number of bytes consumed.
func DecodeHandle(buf []byte) (Handle, int, error) {
	var h Handle
	number, n := binary.Uvarint(buf)
	if n <= 0 || len(buf[n:]) < 8 {
		return h, 0, errors.Wrap(ErrCorrupted, "short value handle")
	}
	h.FileNumber = number
	h.Offset = binary.LittleEndian.Uint32(buf[n:])
	h.Size = binary.LittleEndian.Uint32(buf[n+4:])
	return h, n + 8, nil
}

// Size returns the encoded size of a record holding a key and value of the
// given lengths.
func Size(keyLen, valueLen int) int {
	return uvarintLen(uint64(keyLen)) + uvarintLen(uint64(valueLen)) + keyLen + valueLen + crcSize
}

func uvarintLen(x uint64) (n int) {
	for {
		n++
		x >>= 7
		if x == 0 {
			return n
		}
	}
}

// Append appends the encoded record for (key, value) to dst.
func Append(dst []byte, key, value []byte) []byte {
	base := len(dst)
	dst = binary.AppendUvarint(dst, uint64(len(key)))
	dst = binary.AppendUvarint(dst, uint64(len(value)))
	dst = append(dst, key...)
	dst = append(dst, value...)
	crc := crc32.Checksum(dst[base:], castagnoli)
	dst = binary.LittleEndian.AppendUint32(dst, crc)
	return dst
}

// Decode decodes one record from the head of buf. It returns the key and
// value (aliasing buf) and the total number of bytes the record occupies.
//
// A buffer that ends in the middle of a record yields io.ErrUnexpectedEOF;
// callers walking a file tail use this to locate the valid prefix. A
// checksum mismatch yields ErrInvalidChecksum.
func Decode(buf []byte) (key, value []byte, n int, err error) {
	keyLen, kn := binary.Uvarint(buf)
	if kn <= 0 {
		return nil, nil, 0, shortOrCorrupt(buf, kn)
	}
	valueLen, vn := binary.Uvarint(buf[kn:])
	if vn <= 0 {
		return nil, nil, 0, shortOrCorrupt(buf[kn:], vn)
	}
	hdr := kn + vn
	total := hdr + int(keyLen) + int(valueLen) + crcSize
	if keyLen > uint64(len(buf)) || valueLen > uint64(len(buf)) || total > len(buf) {
		return nil, nil, 0, io.ErrUnexpectedEOF
	}
	payload := buf[:total-crcSize]
	crc := binary.LittleEndian.Uint32(buf[total-crcSize:])
	if crc32.Checksum(payload, castagnoli) != crc {
		return nil, nil, 0, ErrInvalidChecksum
	}
	key = buf[hdr : hdr+int(keyLen)]
	value = buf[hdr+int(keyLen) : total-crcSize]
	return key, value, total, nil
}

func shortOrCorrupt(buf []byte, n int) error {
	// Uvarint reports 0 when the buffer ran out mid-varint and a negative
	// count on overflow. Only the former can be healed by more bytes.
	if n == 0 && len(buf) < binary.MaxVarintLen32 {
		return io.ErrUnexpectedEOF
	}
	return errors.Wrap(ErrCorrupted, "bad record length")
}
