package wisckey

import (
	"container/list"
	"encoding/binary"
	"os"
	"sync"

	"github.com/kabu1204/wisckey/util"
	"github.com/pkg/errors"
	"github.com/spaolacci/murmur3"
)

const fileCacheShards = 16

// fileCache keeps a bounded set of read-only value log files open, LRU per
// shard, with shards picked by hashing the file number. Handles returned to
// callers are refcounted; an evicted file stays readable until its last
// handle is released.
type fileCache struct {
	dir         string
	capPerShard int
	shards      [fileCacheShards]cacheShard
}

type cacheShard struct {
	mu    sync.Mutex
	lru   *list.List
	files map[uint64]*cachedFile
}

// cachedFile is an open read handle on one value log file. The cache holds
// one reference while the file is resident; callers hold one each.
type cachedFile struct {
	number uint64
	f      *os.File
	reader *vlogReader
	refs   util.AtomicInt32
	elem   *list.Element
}

func (cf *cachedFile) release() {
	if cf.refs.Dec() == 0 {
		cf.f.Close()
	}
}

func newFileCache(dir string, capacity int) *fileCache {
	perShard := capacity / fileCacheShards
	if perShard < 1 {
		perShard = 1
	}
	c := &fileCache{dir: dir, capPerShard: perShard}
	for i := range c.shards {
		c.shards[i].lru = list.New()
		c.shards[i].files = make(map[uint64]*cachedFile)
	}
	return c
}

func (c *fileCache) shardOf(number uint64) *cacheShard {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], number)
	return &c.shards[murmur3.Sum32(buf[:])%fileCacheShards]
}

// get returns a referenced read handle on the given file, opening it if it
// is not resident. fileSize is the logical limit recorded in the version.
// Callers must release() the handle.
func (c *fileCache) get(number uint64, fileSize uint32) (*cachedFile, error) {
	s := c.shardOf(number)
	s.mu.Lock()
	if cf, ok := s.files[number]; ok {
		s.lru.MoveToFront(cf.elem)
		cf.refs.Inc()
		s.mu.Unlock()
		return cf, nil
	}
	s.mu.Unlock()

	f, err := os.Open(vlogFileName(c.dir, number))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrNotFound, "vlog %d", number)
		}
		return nil, errors.Wrap(ErrIO, err.Error())
	}
	cf := &cachedFile{
		number: number,
		f:      f,
		reader: newVLogReader(f, fileSize),
	}
	cf.refs.Inc() // cache's reference

	s.mu.Lock()
	if existing, ok := s.files[number]; ok {
		// Another goroutine opened it first; share that handle.
		s.lru.MoveToFront(existing.elem)
		existing.refs.Inc()
		s.mu.Unlock()
		f.Close()
		return existing, nil
	}
	cf.elem = s.lru.PushFront(cf)
	s.files[number] = cf
	for s.lru.Len() > c.capPerShard {
		oldest := s.lru.Back()
		victim := oldest.Value.(*cachedFile)
		s.lru.Remove(oldest)
		delete(s.files, victim.number)
		victim.release()
	}
	cf.refs.Inc() // caller's reference
	s.mu.Unlock()
	return cf, nil
}

// evict drops the cache's reference on a file, typically right before its
// physical removal.
func (c *fileCache) evict(number uint64) {
	s := c.shardOf(number)
	s.mu.Lock()
	cf, ok := s.files[number]
	if ok {
		s.lru.Remove(cf.elem)
		delete(s.files, number)
	}
	s.mu.Unlock()
	if ok {
		cf.release()
	}
}

func (c *fileCache) close() {
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		for number, cf := range s.files {
			s.lru.Remove(cf.elem)
			delete(s.files, number)
			cf.release()
		}
		s.mu.Unlock()
	}
}
