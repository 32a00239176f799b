package pagestore

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/hupe1980/tapeann/core"
)

// MappedStore serves a finished page file read-only through a memory
// mapping, so page reads are plain slice indexing with no syscalls on the
// search path. All mutating operations return ErrReadOnly.
type MappedStore struct {
	mu        sync.RWMutex
	f         *os.File
	data      []byte
	pageCount uint32
	closed    bool
}

var _ Store = (*MappedStore)(nil)

// OpenMappedStore maps an existing page file for read-only access.
func OpenMappedStore(path string) (*MappedStore, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("pagestore: open %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("pagestore: stat %s: %w", path, err)
	}
	size := info.Size()
	if size%PageSize != 0 {
		_ = f.Close()
		return nil, fmt.Errorf("pagestore: %s size %d is not page aligned", path, size)
	}
	if size == 0 {
		return &MappedStore{f: f}, nil
	}

	data, err := mmapReadOnly(f, int(size))
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("pagestore: map %s: %w", path, err)
	}

	return &MappedStore{
		f:         f,
		data:      data,
		pageCount: uint32(size / PageSize),
	}, nil
}

func (s *MappedStore) Read(ptr core.ItemPointer) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	page, err := s.pageLocked(ptr.PageID)
	if err != nil {
		return nil, err
	}
	item, ok := pageItem(page, int(ptr.Slot))
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(item))
	copy(out, item)
	return out, nil
}

func (s *MappedStore) Modify(core.ItemPointer) (ModifyRef, error) {
	return nil, ErrReadOnly
}

func (s *MappedStore) Append(*Tape, []byte) (core.ItemPointer, error) {
	return core.InvalidItemPointer, ErrReadOnly
}

func (s *MappedStore) Scan(typ PageType, fn func(ptr core.ItemPointer, item []byte) bool) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for pageID := uint32(0); pageID < s.pageCount; pageID++ {
		page := s.data[int(pageID)*PageSize : int(pageID+1)*PageSize]
		if pageTypeOf(page) != typ {
			continue
		}
		for slot := 0; slot < pageSlotCount(page); slot++ {
			item, ok := pageItem(page, slot)
			if !ok {
				continue
			}
			ptr := core.ItemPointer{PageID: pageID, Slot: uint16(slot)}
			if !fn(ptr, item) {
				return nil
			}
		}
	}
	return nil
}

func (s *MappedStore) PageCount() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pageCount
}

func (s *MappedStore) Snapshot(w io.Writer) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return fmt.Errorf("pagestore: store closed")
	}
	mem := &MemoryStore{}
	for pageID := uint32(0); pageID < s.pageCount; pageID++ {
		page := make([]byte, PageSize)
		copy(page, s.data[int(pageID)*PageSize:])
		mem.pages = append(mem.pages, page)
	}
	return mem.Snapshot(w)
}

func (s *MappedStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var errUnmap error
	if s.data != nil {
		errUnmap = munmap(s.data)
		s.data = nil
	}
	if err := s.f.Close(); err != nil {
		return fmt.Errorf("pagestore: close: %w", err)
	}
	if errUnmap != nil {
		return fmt.Errorf("pagestore: unmap: %w", errUnmap)
	}
	return nil
}

func (s *MappedStore) pageLocked(pageID uint32) ([]byte, error) {
	if s.closed || pageID >= s.pageCount {
		return nil, ErrNotFound
	}
	return s.data[int(pageID)*PageSize : int(pageID+1)*PageSize], nil
}
