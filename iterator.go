package wisckey

import (
	"sync"

	"github.com/kabu1204/wisckey/lsm"
	"github.com/kabu1204/wisckey/record"
	"golang.org/x/sync/errgroup"
)

const (
	prefetchExtentSize  = 256 * 1024
	prefetchCacheBudget = 8 * 1024 * 1024
)

// Iterator fuses LSM key order with on-demand value log fetches. Inline
// values come straight from the LSM entry; handle entries are dereferenced
// into the value log, optionally through a bulk-prefetched extent.
type Iterator struct {
	db *DB
	it *lsm.Iterator
	ro ReadOptions

	valid bool
	err   error
	key   []byte
	value []byte

	pf *prefetcher
}

// NewIterator returns an iterator over the database, pinned to
// ro.Snapshot when set.
func (db *DB) NewIterator(ro ReadOptions) (*Iterator, error) {
	if db.closed.Get() {
		return nil, ErrClosed
	}
	var snap *lsm.Snapshot
	if ro.Snapshot != nil {
		snap = ro.Snapshot.snap
	}
	it, err := db.store.NewIter(snap)
	if err != nil {
		return nil, err
	}
	iter := &Iterator{db: db, it: it, ro: ro}
	if ro.BlobPrefetch {
		iter.pf = newPrefetcher(db.vlog, db.opts.BlobBackgroundReadThreads)
	}
	return iter, nil
}

// First positions at the smallest key. Prefetch state is discarded on seeks.
func (i *Iterator) First() bool {
	i.discardPrefetch()
	return i.resolve(i.it.First())
}

// Last positions at the largest key.
func (i *Iterator) Last() bool {
	i.discardPrefetch()
	return i.resolve(i.it.Last())
}

func (i *Iterator) Next() bool {
	return i.resolve(i.it.Next())
}

func (i *Iterator) Prev() bool {
	return i.resolve(i.it.Prev())
}

func (i *Iterator) Valid() bool {
	return i.valid
}

// Key returns the current key; the slice is stable across moves.
func (i *Iterator) Key() []byte {
	return i.key
}

// Value returns the current value; the slice is stable across moves.
func (i *Iterator) Value() []byte {
	return i.value
}

func (i *Iterator) Err() error {
	if i.err != nil {
		return i.err
	}
	return i.it.Err()
}

func (i *Iterator) Close() error {
	if i.pf != nil {
		i.pf.close()
		i.pf = nil
	}
	i.valid = false
	return i.it.Close()
}

func (i *Iterator) discardPrefetch() {
	if i.pf != nil {
		i.pf.reset()
	}
}

func (i *Iterator) resolve(ok bool) bool {
	i.valid = false
	if i.err != nil || !ok {
		return false
	}
	i.key = append([]byte(nil), i.it.Key()...)

	raw, vt, err := i.it.Value()
	if err != nil {
		i.err = err
		return false
	}
	switch vt {
	case lsm.TypeInline:
		i.value = append([]byte(nil), raw...)
	case lsm.TypeHandle:
		h, _, err := record.DecodeHandle(raw)
		if err != nil {
			i.err = err
			return false
		}
		value, err := i.fetch(h)
		if err != nil {
			i.err = err
			return false
		}
		i.value = value
	default:
		i.err = corruptf("unexpected value type %d at key %q", vt, i.key)
		return false
	}
	i.valid = true
	return true
}

func (i *Iterator) fetch(h record.Handle) ([]byte, error) {
	if i.pf != nil {
		return i.pf.get(h)
	}
	return i.db.vlog.get(h)
}

// prefetcher serves handle lookups from bulk-read extents of the value log.
// A miss reads one contiguous extent starting at the missed handle and
// decodes every complete record inside it; iteration order tends to follow
// file order, so neighbouring handles become cache hits. When read-ahead
// workers are allowed, the extent following the one just decoded is fetched
// in the background.
type prefetcher struct {
	v *valueLog

	mu         sync.Mutex
	cache      map[record.Handle][]byte
	cacheBytes int

	g       *errgroup.Group
	threads int
}

func newPrefetcher(v *valueLog, threads int) *prefetcher {
	g := &errgroup.Group{}
	if threads > 0 {
		g.SetLimit(threads)
	} else {
		g.SetLimit(1)
	}
	return &prefetcher{
		v:       v,
		cache:   make(map[record.Handle][]byte),
		g:       g,
		threads: threads,
	}
}

func (p *prefetcher) get(h record.Handle) ([]byte, error) {
	p.mu.Lock()
	if value, ok := p.cache[h]; ok {
		p.mu.Unlock()
		return value, nil
	}
	p.mu.Unlock()

	end, err := p.fill(h.FileNumber, h.Offset)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	value, ok := p.cache[h]
	p.mu.Unlock()
	if !ok {
		// The handle does not sit on a record boundary of the extent we
		// read; fall back to a positional read, which also validates it.
		return p.v.get(h)
	}

	if p.threads > 0 && end > h.Offset {
		next := end
		number := h.FileNumber
		p.g.TryGo(func() error {
			p.fill(number, next)
			return nil
		})
	}
	return value, nil
}

// fill bulk-reads one extent at off and decodes every complete record into
// the cache. It returns the offset one past the last decoded record.
func (p *prefetcher) fill(number uint64, off uint32) (uint32, error) {
	buf, err := p.v.readExtent(number, off, prefetchExtentSize)
	if err != nil {
		return off, err
	}
	pos := 0
	at := off
	p.mu.Lock()
	if p.cacheBytes > prefetchCacheBudget {
		// Long scans would otherwise pin every fetched value; dropping the
		// cache costs at most a re-read of the extent in flight.
		p.cache = make(map[record.Handle][]byte)
		p.cacheBytes = 0
	}
	for pos < len(buf) {
		_, value, n, err := record.Decode(buf[pos:])
		if err != nil {
			// Incomplete trailing record; the next miss re-reads from its
			// start.
			break
		}
		p.cache[record.Handle{FileNumber: number, Offset: at, Size: uint32(n)}] = value
		p.cacheBytes += n
		pos += n
		at += uint32(n)
	}
	p.mu.Unlock()
	return at, nil
}

func (p *prefetcher) reset() {
	p.g.Wait()
	p.mu.Lock()
	p.cache = make(map[record.Handle][]byte)
	p.cacheBytes = 0
	p.mu.Unlock()
}

func (p *prefetcher) close() {
	p.g.Wait()
}
