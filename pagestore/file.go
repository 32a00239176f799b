package pagestore

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"os"
	"sync"

	"github.com/hupe1980/tapeann/core"
)

// FileStore persists pages in a single file, page i at offset i*PageSize.
// Reads use positional I/O and never share buffers; page mutations rewrite
// the whole 8KiB page so a crash leaves at most one page torn.
type FileStore struct {
	mu        sync.RWMutex
	f         *os.File
	pageCount uint32
}

var _ Store = (*FileStore)(nil)

// OpenFileStore opens (or creates) a page file for reading and writing.
func OpenFileStore(path string) (*FileStore, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("pagestore: open %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("pagestore: stat %s: %w", path, err)
	}
	if info.Size()%PageSize != 0 {
		_ = f.Close()
		return nil, fmt.Errorf("pagestore: %s size %d is not page aligned", path, info.Size())
	}

	return &FileStore{
		f:         f,
		pageCount: uint32(info.Size() / PageSize),
	}, nil
}

func (s *FileStore) Read(ptr core.ItemPointer) ([]byte, error) {
	page, err := s.readPage(ptr.PageID)
	if err != nil {
		return nil, err
	}
	item, ok := pageItem(page, int(ptr.Slot))
	if !ok {
		return nil, ErrNotFound
	}
	return item, nil // page buffer is owned, item view is too
}

func (s *FileStore) Modify(ptr core.ItemPointer) (ModifyRef, error) {
	page, err := s.readPage(ptr.PageID)
	if err != nil {
		return nil, err
	}
	start, end, ok := pageItemBounds(page, int(ptr.Slot))
	if !ok {
		return nil, ErrNotFound
	}

	buf := make([]byte, end-start)
	copy(buf, page[start:end])
	return &fileModifyRef{
		store:  s,
		offset: int64(ptr.PageID)*PageSize + int64(start),
		buf:    buf,
	}, nil
}

func (s *FileStore) Append(tape *Tape, item []byte) (core.ItemPointer, error) {
	if len(item) > MaxItemSize {
		return core.InvalidItemPointer, fmt.Errorf("%w: %d bytes", ErrItemTooLarge, len(item))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if tape.bound {
		page, err := s.readPageLocked(tape.current)
		if err != nil {
			return core.InvalidItemPointer, err
		}
		if slot, ok := pageAppend(page, item); ok {
			if err := s.writePageLocked(tape.current, page); err != nil {
				return core.InvalidItemPointer, err
			}
			return core.ItemPointer{PageID: tape.current, Slot: uint16(slot)}, nil
		}
	}

	if s.pageCount == math.MaxUint32 {
		return core.InvalidItemPointer, fmt.Errorf("pagestore: page id space exhausted")
	}
	page := make([]byte, PageSize)
	initPage(page, tape.typ)
	slot, _ := pageAppend(page, item)

	pageID := s.pageCount
	if err := s.writePageLocked(pageID, page); err != nil {
		return core.InvalidItemPointer, err
	}
	s.pageCount++

	tape.current = pageID
	tape.bound = true
	return core.ItemPointer{PageID: pageID, Slot: uint16(slot)}, nil
}

func (s *FileStore) Scan(typ PageType, fn func(ptr core.ItemPointer, item []byte) bool) error {
	count := s.PageCount()

	for pageID := uint32(0); pageID < count; pageID++ {
		page, err := s.readPage(pageID)
		if err != nil {
			return err
		}
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

func (s *FileStore) PageCount() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pageCount
}

func (s *FileStore) Snapshot(w io.Writer) error {
	count := s.PageCount()

	var header [12]byte
	binary.LittleEndian.PutUint32(header[0:4], snapshotMagic)
	binary.LittleEndian.PutUint32(header[4:8], snapshotVersion)
	binary.LittleEndian.PutUint32(header[8:12], count)
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("pagestore: write snapshot header: %w", err)
	}

	crc := crc32.NewIEEE()
	for pageID := uint32(0); pageID < count; pageID++ {
		page, err := s.readPage(pageID)
		if err != nil {
			return err
		}
		if _, err := w.Write(page); err != nil {
			return fmt.Errorf("pagestore: write snapshot page %d: %w", pageID, err)
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

// Sync flushes buffered writes to stable storage.
func (s *FileStore) Sync() error {
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("pagestore: sync: %w", err)
	}
	return nil
}

func (s *FileStore) Close() error {
	if err := s.f.Sync(); err != nil {
		_ = s.f.Close()
		return fmt.Errorf("pagestore: sync on close: %w", err)
	}
	return s.f.Close()
}

func (s *FileStore) readPage(pageID uint32) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readPageLocked(pageID)
}

func (s *FileStore) readPageLocked(pageID uint32) ([]byte, error) {
	if pageID >= s.pageCount {
		return nil, ErrNotFound
	}
	page := make([]byte, PageSize)
	if _, err := s.f.ReadAt(page, int64(pageID)*PageSize); err != nil {
		return nil, fmt.Errorf("pagestore: read page %d: %w", pageID, err)
	}
	return page, nil
}

func (s *FileStore) writePageLocked(pageID uint32, page []byte) error {
	if _, err := s.f.WriteAt(page, int64(pageID)*PageSize); err != nil {
		return fmt.Errorf("pagestore: write page %d: %w", pageID, err)
	}
	return nil
}

type fileModifyRef struct {
	store  *FileStore
	offset int64
	buf    []byte
}

func (m *fileModifyRef) Bytes() []byte { return m.buf }

// Commit writes only the item's bytes at its fixed offset; the page header
// and slot directory are untouched, so commits never race with appends to
// the same page.
func (m *fileModifyRef) Commit() error {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()

	if _, err := m.store.f.WriteAt(m.buf, m.offset); err != nil {
		return fmt.Errorf("pagestore: commit item at %d: %w", m.offset, err)
	}
	return nil
}
