package pagestore

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"sync"

	"github.com/hupe1980/tapeann/core"
)

// Snapshot stream format:
//
//	magic     uint32  "TTPS"
//	version   uint32
//	pageCount uint32
//	pages     pageCount * PageSize bytes
//	crc       uint32  CRC32 of the page bytes
const (
	snapshotMagic   uint32 = 0x54545053 // "TTPS"
	snapshotVersion uint32 = 1
)

// MemoryStore keeps all pages in memory. It is the default backend for
// build-time staging and for tests; a populated store can be persisted
// through Snapshot and rehydrated with RestoreMemoryStore.
type MemoryStore struct {
	mu    sync.RWMutex
	pages [][]byte
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory page store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// RestoreMemoryStore rebuilds a MemoryStore from a Snapshot stream.
func RestoreMemoryStore(r io.Reader) (*MemoryStore, error) {
	var header [12]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("%w: short header", ErrBadSnapshot)
	}
	if binary.LittleEndian.Uint32(header[0:4]) != snapshotMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrBadSnapshot)
	}
	if v := binary.LittleEndian.Uint32(header[4:8]); v != snapshotVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrBadSnapshot, v)
	}
	count := binary.LittleEndian.Uint32(header[8:12])

	crc := crc32.NewIEEE()
	pages := make([][]byte, 0, count)
	for i := uint32(0); i < count; i++ {
		page := make([]byte, PageSize)
		if _, err := io.ReadFull(r, page); err != nil {
			return nil, fmt.Errorf("%w: truncated at page %d", ErrBadSnapshot, i)
		}
		_, _ = crc.Write(page)
		pages = append(pages, page)
	}

	var trailer [4]byte
	if _, err := io.ReadFull(r, trailer[:]); err != nil {
		return nil, fmt.Errorf("%w: missing checksum", ErrBadSnapshot)
	}
	if binary.LittleEndian.Uint32(trailer[:]) != crc.Sum32() {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrBadSnapshot)
	}

	return &MemoryStore{pages: pages}, nil
}

func (s *MemoryStore) Read(ptr core.ItemPointer) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, err := s.itemLocked(ptr)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(item))
	copy(out, item)
	return out, nil
}

func (s *MemoryStore) Modify(ptr core.ItemPointer) (ModifyRef, error) {
	buf, err := s.Read(ptr)
	if err != nil {
		return nil, err
	}
	return &memModifyRef{store: s, ptr: ptr, buf: buf}, nil
}

func (s *MemoryStore) Append(tape *Tape, item []byte) (core.ItemPointer, error) {
	if len(item) > MaxItemSize {
		return core.InvalidItemPointer, fmt.Errorf("%w: %d bytes", ErrItemTooLarge, len(item))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if tape.bound {
		page := s.pages[tape.current]
		if slot, ok := pageAppend(page, item); ok {
			return core.ItemPointer{PageID: tape.current, Slot: uint16(slot)}, nil
		}
	}

	if len(s.pages) >= math.MaxUint32 {
		return core.InvalidItemPointer, fmt.Errorf("pagestore: page id space exhausted")
	}
	page := make([]byte, PageSize)
	initPage(page, tape.typ)
	slot, _ := pageAppend(page, item)
	s.pages = append(s.pages, page)

	tape.current = uint32(len(s.pages) - 1)
	tape.bound = true
	return core.ItemPointer{PageID: tape.current, Slot: uint16(slot)}, nil
}

func (s *MemoryStore) Scan(typ PageType, fn func(ptr core.ItemPointer, item []byte) bool) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for pageID, page := range s.pages {
		if pageTypeOf(page) != typ {
			continue
		}
		for slot := 0; slot < pageSlotCount(page); slot++ {
			item, ok := pageItem(page, slot)
			if !ok {
				continue
			}
			ptr := core.ItemPointer{PageID: uint32(pageID), Slot: uint16(slot)}
			if !fn(ptr, item) {
				return nil
			}
		}
	}
	return nil
}

func (s *MemoryStore) PageCount() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint32(len(s.pages))
}

func (s *MemoryStore) Snapshot(w io.Writer) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var header [12]byte
	binary.LittleEndian.PutUint32(header[0:4], snapshotMagic)
	binary.LittleEndian.PutUint32(header[4:8], snapshotVersion)
	binary.LittleEndian.PutUint32(header[8:12], uint32(len(s.pages)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("pagestore: write snapshot header: %w", err)
	}

	crc := crc32.NewIEEE()
	for i, page := range s.pages {
		if _, err := w.Write(page); err != nil {
			return fmt.Errorf("pagestore: write snapshot page %d: %w", i, err)
		}
		_, _ = crc.Write(page)
	}

	var trailer [4]byte
	binary.LittleEndian.PutUint32(trailer[:], crc.Sum32())
	if _, err := w.Write(trailer[:]); err != nil {
		return fmt.Errorf("pagestore: write snapshot checksum: %w", err)
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) itemLocked(ptr core.ItemPointer) ([]byte, error) {
	if !ptr.Valid() || int(ptr.PageID) >= len(s.pages) {
		return nil, ErrNotFound
	}
	item, ok := pageItem(s.pages[ptr.PageID], int(ptr.Slot))
	if !ok {
		return nil, ErrNotFound
	}
	return item, nil
}

type memModifyRef struct {
	store *MemoryStore
	ptr   core.ItemPointer
	buf   []byte
}

func (m *memModifyRef) Bytes() []byte { return m.buf }

func (m *memModifyRef) Commit() error {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()

	item, err := m.store.itemLocked(m.ptr)
	if err != nil {
		return err
	}
	if len(item) != len(m.buf) {
		return ErrSizeMismatch
	}
	copy(item, m.buf)
	return nil
}
