package wisckey

import (
	"github.com/kabu1204/wisckey/record"
	"github.com/pkg/errors"
)

// ValueBatch stages records destined for a value log file as one contiguous
// buffer. Handles are relative to the batch until Finalize pins them to a
// file number and base offset; after that the buffer can be appended to the
// file verbatim in a single write.
type ValueBatch struct {
	rep       []byte
	handles   []record.Handle
	finalized bool
}

// ValueBatchHandler is invoked once per record by Iterate. Returning false
// stops the iteration.
type ValueBatchHandler interface {
	OnRecord(key, value []byte, handle record.Handle) bool
}

func NewValueBatch() *ValueBatch {
	return &ValueBatch{}
}

// Put stages a record. The handle it will produce stays relative until
// Finalize.
func (vb *ValueBatch) Put(key, value []byte) {
	off := uint32(len(vb.rep))
	vb.rep = record.Append(vb.rep, key, value)
	vb.handles = append(vb.handles, record.Handle{
		Offset: off,
		Size:   uint32(len(vb.rep)) - off,
	})
}

// Finalize makes every staged handle absolute.
func (vb *ValueBatch) Finalize(fileNumber uint64, base uint32) {
	for i := range vb.handles {
		vb.handles[i].FileNumber = fileNumber
		vb.handles[i].Offset += base
	}
	vb.finalized = true
}

func (vb *ValueBatch) Count() int {
	return len(vb.handles)
}

func (vb *ValueBatch) Empty() bool {
	return len(vb.handles) == 0
}

// Size returns the encoded size of the batch in bytes.
func (vb *ValueBatch) Size() uint32 {
	return uint32(len(vb.rep))
}

// Handles returns the per-record handles, absolute once finalized.
func (vb *ValueBatch) Handles() []record.Handle {
	return vb.handles
}

// Iterate decodes the staged records in order and hands each to h together
// with its handle.
func (vb *ValueBatch) Iterate(h ValueBatchHandler) error {
	off, i := 0, 0
	for off < len(vb.rep) {
		key, value, n, err := record.Decode(vb.rep[off:])
		if err != nil {
			return errors.Wrap(ErrCorruption, "value batch record")
		}
		if !h.OnRecord(key, value, vb.handles[i]) {
			return nil
		}
		off += n
		i++
	}
	return nil
}
