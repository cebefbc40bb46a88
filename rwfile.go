package wisckey

import (
	"os"

	"github.com/kabu1204/wisckey/record"
	"github.com/kabu1204/wisckey/util"
	"github.com/pkg/errors"
)

// vlogRWFile pairs a builder and a reader over one value log file opened for
// append and random reads. It is refcounted because iterators over the
// active file outlive the engine's decision to roll over.
//
// The refcount uses plain atomic add/sub with no extra ordering. That is
// safe under the engine's invariant: the engine holds one reference for as
// long as the file is current, so while any new reference can still be
// taken the count is at least one and the file cannot be released
// underneath a concurrent ref.
type vlogRWFile struct {
	number uint64
	f      *os.File

	builder *vlogBuilder
	reader  *vlogReader

	refs   util.AtomicInt32
	closed bool
}

// newVLogRWFile creates or reuses the value log file at path. With reuse set,
// appending resumes at offset with numEntries already present; recovery uses
// this after truncating a torn tail. The returned file carries one reference
// owned by the caller.
func newVLogRWFile(path string, number uint64, reuse bool, offset uint32, numEntries uint32) (*vlogRWFile, error) {
	flags := os.O_CREATE | os.O_RDWR
	if !reuse {
		flags |= os.O_TRUNC
		offset, numEntries = 0, 0
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, errors.Wrap(ErrIO, err.Error())
	}
	if reuse {
		if _, err := f.Seek(int64(offset), 0); err != nil {
			f.Close()
			return nil, errors.Wrap(ErrIO, err.Error())
		}
	}
	rw := &vlogRWFile{
		number:  number,
		f:       f,
		builder: newVLogBuilder(f, number, offset, numEntries),
		reader:  newVLogReader(f, offset),
	}
	rw.refs.Inc()
	return rw, nil
}

func (rw *vlogRWFile) ref() {
	rw.refs.Inc()
}

func (rw *vlogRWFile) unref() {
	n := rw.refs.Dec()
	if n < 0 {
		panic("wisckey: vlog rwfile refcount below zero")
	}
	if n == 0 {
		rw.f.Close()
	}
}

// add appends one record. The bytes become visible to readers once flushed.
func (rw *vlogRWFile) add(key, value []byte) (record.Handle, error) {
	return rw.builder.add(key, value)
}

// write appends a finalized batch in one shot.
func (rw *vlogRWFile) write(vb *ValueBatch) error {
	return rw.builder.addBatch(vb)
}

// flush publishes the appended bytes to readers: the logical read limit only
// advances once the bytes left the user-space buffer, so a positional read
// never runs past the physical end of the file.
func (rw *vlogRWFile) flush() error {
	if err := rw.builder.flush(); err != nil {
		return err
	}
	rw.reader.increaseLimit(rw.builder.fileOffset())
	return nil
}

func (rw *vlogRWFile) sync() error {
	if err := rw.builder.sync(); err != nil {
		return err
	}
	rw.reader.increaseLimit(rw.builder.fileOffset())
	return nil
}

// finish seals the file: flush, sync, no further writes. The descriptor
// stays open until the last reference is dropped so in-flight iterators keep
// working.
func (rw *vlogRWFile) finish() error {
	if rw.closed {
		return nil
	}
	rw.closed = true
	if err := rw.builder.finish(); err != nil {
		return err
	}
	rw.reader.increaseLimit(rw.builder.fileOffset())
	return nil
}

func (rw *vlogRWFile) get(h record.Handle) ([]byte, error) {
	return rw.reader.get(h)
}

// newIterator takes a reference released by the iterator's Close.
func (rw *vlogRWFile) newIterator() *vlogFileIterator {
	rw.ref()
	it := rw.reader.newIterator(rw.number)
	it.cleanup = rw.unref
	return it
}

func (rw *vlogRWFile) fileOffset() uint32 {
	return rw.builder.fileOffset()
}

func (rw *vlogRWFile) fileSize() uint32 {
	return rw.builder.fileSize()
}

func (rw *vlogRWFile) entries() uint32 {
	return rw.builder.entries()
}

func (rw *vlogRWFile) fileNumber() uint64 {
	return rw.number
}
