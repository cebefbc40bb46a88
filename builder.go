package wisckey

import (
	"bufio"
	"os"

	"github.com/kabu1204/wisckey/record"
	"github.com/pkg/errors"
)

const builderBufSize = 64 * 1024

// vlogBuilder appends records to a value log file through a user-space
// buffer. The logical offset it maintains equals the file size once flushed;
// there is no trailer or index, records are self-delimiting.
type vlogBuilder struct {
	f          *os.File
	w          *bufio.Writer
	number     uint64
	offset     uint32
	numEntries uint32
	finished   bool
	scratch    []byte
}

// newVLogBuilder wraps f, which must be positioned at offset. A non-zero
// offset resumes an existing file after recovery truncated its torn tail.
func newVLogBuilder(f *os.File, number uint64, offset uint32, numEntries uint32) *vlogBuilder {
	return &vlogBuilder{
		f:          f,
		w:          bufio.NewWriterSize(f, builderBufSize),
		number:     number,
		offset:     offset,
		numEntries: numEntries,
	}
}

// add appends one record and returns its handle.
func (b *vlogBuilder) add(key, value []byte) (record.Handle, error) {
	h := record.Handle{FileNumber: b.number, Offset: b.offset}
	b.scratch = record.Append(b.scratch[:0], key, value)
	h.Size = uint32(len(b.scratch))
	if _, err := b.w.Write(b.scratch); err != nil {
		return record.Handle{}, errors.Wrap(ErrIO, err.Error())
	}
	b.offset += h.Size
	b.numEntries++
	return h, nil
}

// addBatch finalizes the batch at the current offset and appends its buffer
// in one write.
func (b *vlogBuilder) addBatch(vb *ValueBatch) error {
	vb.Finalize(b.number, b.offset)
	if _, err := b.w.Write(vb.rep); err != nil {
		return errors.Wrap(ErrIO, err.Error())
	}
	b.offset += vb.Size()
	b.numEntries += uint32(vb.Count())
	return nil
}

// flush moves buffered bytes to the OS.
func (b *vlogBuilder) flush() error {
	return errors.Wrapf(b.w.Flush(), "flush vlog %d", b.number)
}

// sync makes appended bytes durable. Callers decide when durability is
// required; handles must never reach the LSM before their bytes are synced.
func (b *vlogBuilder) sync() error {
	if err := b.flush(); err != nil {
		return err
	}
	return errors.Wrapf(b.f.Sync(), "sync vlog %d", b.number)
}

// finish flushes and syncs; no further writes are permitted.
func (b *vlogBuilder) finish() error {
	if b.finished {
		return nil
	}
	if err := b.sync(); err != nil {
		return err
	}
	b.finished = true
	return nil
}

func (b *vlogBuilder) fileOffset() uint32 {
	return b.offset
}

func (b *vlogBuilder) fileSize() uint32 {
	return b.offset
}

func (b *vlogBuilder) entries() uint32 {
	return b.numEntries
}
