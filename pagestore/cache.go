package pagestore

import (
	"container/list"
	"io"
	"sync"

	"github.com/hupe1980/tapeann/core"
	"github.com/hupe1980/tapeann/resource"
)

// CachedStore is a read-through LRU item cache in front of another Store,
// typically a FileStore or MappedStore whose reads hit the kernel or disk.
// Graph traversal re-reads hub nodes constantly; keeping them in memory cuts
// most of that I/O.
//
// Cached bytes are tracked against the resource controller's memory limit.
// When the global budget is exhausted an insert degrades to a miss.
type CachedStore struct {
	inner Store
	rc    *resource.Controller
	limit int64

	mu      sync.Mutex
	size    int64
	lru     *list.List // front = most recently used
	entries map[uint64]*list.Element
}

type cacheEntry struct {
	key uint64
	val []byte
}

var _ Store = (*CachedStore)(nil)

// NewCachedStore wraps inner with an item cache capped at limitBytes. rc may
// be nil; a non-nil controller additionally enforces its global memory limit.
func NewCachedStore(inner Store, limitBytes int64, rc *resource.Controller) *CachedStore {
	return &CachedStore{
		inner:   inner,
		rc:      rc,
		limit:   limitBytes,
		lru:     list.New(),
		entries: make(map[uint64]*list.Element),
	}
}

func (s *CachedStore) Read(ptr core.ItemPointer) ([]byte, error) {
	key := ptr.Key()

	s.mu.Lock()
	if el, ok := s.entries[key]; ok {
		s.lru.MoveToFront(el)
		cached := el.Value.(*cacheEntry).val
		out := make([]byte, len(cached))
		copy(out, cached)
		s.mu.Unlock()
		return out, nil
	}
	s.mu.Unlock()

	item, err := s.inner.Read(ptr)
	if err != nil {
		return nil, err
	}
	s.admit(key, item)
	return item, nil
}

// admit inserts a copy of val, evicting from the cold end until it fits.
// Items over the cache limit or past the controller's global budget are not
// cached.
func (s *CachedStore) admit(key uint64, val []byte) {
	n := int64(len(val))
	if n == 0 || n > s.limit {
		return
	}
	if !s.rc.TryAcquireMemory(n) {
		return
	}

	cached := make([]byte, len(val))
	copy(cached, val)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[key]; ok {
		s.rc.ReleaseMemory(n)
		return
	}
	for s.size+n > s.limit && s.lru.Len() > 0 {
		s.evictOldestLocked()
	}
	s.entries[key] = s.lru.PushFront(&cacheEntry{key: key, val: cached})
	s.size += n
}

func (s *CachedStore) evictOldestLocked() {
	el := s.lru.Back()
	if el == nil {
		return
	}
	e := el.Value.(*cacheEntry)
	s.lru.Remove(el)
	delete(s.entries, e.key)
	s.size -= int64(len(e.val))
	s.rc.ReleaseMemory(int64(len(e.val)))
}

func (s *CachedStore) invalidate(key uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.entries[key]
	if !ok {
		return
	}
	e := el.Value.(*cacheEntry)
	s.lru.Remove(el)
	delete(s.entries, key)
	s.size -= int64(len(e.val))
	s.rc.ReleaseMemory(int64(len(e.val)))
}

// Modify delegates to the inner store; the cached copy is dropped when the
// mutation commits so the next read observes it.
func (s *CachedStore) Modify(ptr core.ItemPointer) (ModifyRef, error) {
	ref, err := s.inner.Modify(ptr)
	if err != nil {
		return nil, err
	}
	return &invalidatingRef{ModifyRef: ref, store: s, key: ptr.Key()}, nil
}

type invalidatingRef struct {
	ModifyRef
	store *CachedStore
	key   uint64
}

func (r *invalidatingRef) Commit() error {
	if err := r.ModifyRef.Commit(); err != nil {
		return err
	}
	r.store.invalidate(r.key)
	return nil
}

func (s *CachedStore) Append(tape *Tape, item []byte) (core.ItemPointer, error) {
	return s.inner.Append(tape, item)
}

func (s *CachedStore) Scan(typ PageType, fn func(ptr core.ItemPointer, item []byte) bool) error {
	return s.inner.Scan(typ, fn)
}

func (s *CachedStore) PageCount() uint32 { return s.inner.PageCount() }

func (s *CachedStore) Snapshot(w io.Writer) error { return s.inner.Snapshot(w) }

func (s *CachedStore) Close() error {
	s.mu.Lock()
	for s.lru.Len() > 0 {
		s.evictOldestLocked()
	}
	s.mu.Unlock()
	return s.inner.Close()
}

// CacheSize returns the bytes currently held by the cache.
func (s *CachedStore) CacheSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}
