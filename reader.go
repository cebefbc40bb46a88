package wisckey

import (
	"io"

	"github.com/kabu1204/wisckey/record"
	"github.com/kabu1204/wisckey/util"
	"github.com/pkg/errors"
)

const iterWindowSize = 256 * 1024

// vlogReader serves positional and sequential reads on a value log file.
// The logical limit is the byte past the last complete record; on the active
// file the RW file advances it each time buffered appends are flushed, synced
// or finished, so readers never observe a partially-written tail.
type vlogReader struct {
	f     io.ReaderAt
	limit util.AtomicUint32
}

func newVLogReader(f io.ReaderAt, limit uint32) *vlogReader {
	r := &vlogReader{f: f}
	r.limit.Set(limit)
	return r
}

// increaseLimit publishes a new logical end of file. Single writer.
func (r *vlogReader) increaseLimit(limit uint32) {
	r.limit.Set(limit)
}

// get reads and decodes the record a handle points at, returning its value.
func (r *vlogReader) get(h record.Handle) ([]byte, error) {
	_, value, err := r.getRecord(h)
	return value, err
}

// getRecord additionally returns the record key.
func (r *vlogReader) getRecord(h record.Handle) (key, value []byte, err error) {
	lim := r.limit.Get()
	if h.Size == 0 || uint64(h.Offset)+uint64(h.Size) > uint64(lim) {
		return nil, nil, corruptf("handle (%d,%d) beyond file limit %d", h.Offset, h.Size, lim)
	}
	buf := make([]byte, h.Size)
	if _, err := r.f.ReadAt(buf, int64(h.Offset)); err != nil {
		return nil, nil, errors.Wrapf(ErrIO, "vlog read at %d: %v", h.Offset, err)
	}
	key, value, n, err := record.Decode(buf)
	if err != nil {
		return nil, nil, errors.Wrap(ErrCorruption, err.Error())
	}
	if uint32(n) != h.Size {
		return nil, nil, corruptf("record size %d does not match handle size %d", n, h.Size)
	}
	return key, value, nil
}

// readExtent reads up to n bytes starting at off, clamped to the logical
// limit. Iterator prefetch fetches several records with one call.
func (r *vlogReader) readExtent(off, n uint32) ([]byte, error) {
	lim := r.limit.Get()
	if off >= lim {
		return nil, nil
	}
	if uint64(off)+uint64(n) > uint64(lim) {
		n = lim - off
	}
	buf := make([]byte, n)
	if _, err := r.f.ReadAt(buf, int64(off)); err != nil {
		return nil, errors.Wrapf(ErrIO, "vlog read at %d: %v", off, err)
	}
	return buf, nil
}

func (r *vlogReader) newIterator(number uint64) *vlogFileIterator {
	return &vlogFileIterator{r: r, number: number}
}

// vlogFileIterator walks consecutive records until the logical file end. It
// reads the file through a sliding window so sequential scans do not issue
// one I/O per record.
type vlogFileIterator struct {
	r      *vlogReader
	number uint64

	offset uint32 // offset of the current record
	next   uint32 // offset one past the current record
	key    []byte
	value  []byte
	valid  bool
	err    error

	win      []byte
	winStart uint32

	cleanup func()
}

func (it *vlogFileIterator) SeekToFirst() {
	it.offset, it.next = 0, 0
	it.win, it.winStart = nil, 0
	it.valid, it.err = false, nil
	it.advance()
}

func (it *vlogFileIterator) Next() {
	it.advance()
}

func (it *vlogFileIterator) Valid() bool {
	return it.valid
}

func (it *vlogFileIterator) Key() []byte {
	return it.key
}

func (it *vlogFileIterator) Value() []byte {
	return it.value
}

// Handle returns the handle of the current record.
func (it *vlogFileIterator) Handle() record.Handle {
	return record.Handle{FileNumber: it.number, Offset: it.offset, Size: it.next - it.offset}
}

// Err reports the failure that stopped iteration, nil on a clean end.
// io.ErrUnexpectedEOF means the file ends inside a record.
func (it *vlogFileIterator) Err() error {
	return it.err
}

func (it *vlogFileIterator) Close() {
	if it.cleanup != nil {
		it.cleanup()
		it.cleanup = nil
	}
	it.valid = false
}

func (it *vlogFileIterator) advance() {
	it.valid = false
	if it.err != nil {
		return
	}
	lim := it.r.limit.Get()
	if it.next >= lim {
		return
	}
	want := uint32(iterWindowSize)
	for {
		if err := it.ensureWindow(it.next, want, lim); err != nil {
			it.err = err
			return
		}
		rel := it.next - it.winStart
		key, value, n, err := record.Decode(it.win[rel:])
		if err == nil {
			it.offset = it.next
			it.next += uint32(n)
			it.key, it.value = key, value
			it.valid = true
			return
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			if it.winStart+uint32(len(it.win)) >= lim {
				// The logical file ends inside this record.
				it.err = io.ErrUnexpectedEOF
				return
			}
			// Record larger than the window; retry with a bigger one.
			want *= 2
			it.win = nil
			continue
		}
		it.err = errors.Wrap(ErrCorruption, err.Error())
		return
	}
}

// ensureWindow makes the window cover [off, min(off+want, lim)).
func (it *vlogFileIterator) ensureWindow(off, want, lim uint32) error {
	if it.win != nil && off >= it.winStart && off < it.winStart+uint32(len(it.win)) {
		return nil
	}
	buf, err := it.r.readExtent(off, want)
	if err != nil {
		return err
	}
	it.win, it.winStart = buf, off
	return nil
}
