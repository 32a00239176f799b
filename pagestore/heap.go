package pagestore

import (
	"fmt"
	"sync"

	"github.com/hupe1980/tapeann/core"
)

// VectorSource resolves a heap pointer to the full-precision vector of the
// row it identifies. In a database host this is a heap-tuple fetch; the
// in-memory implementation below backs standalone use and tests.
type VectorSource interface {
	FetchVector(ptr core.HeapPointer) ([]float32, error)
}

// heapRowsPerPage shapes the synthetic heap pointers MemoryHeap hands out.
const heapRowsPerPage = 64

// MemoryHeap is an append-only in-memory VectorSource.
type MemoryHeap struct {
	mu   sync.RWMutex
	rows map[uint64][]float32
	next core.HeapPointer
}

var _ VectorSource = (*MemoryHeap)(nil)

// NewMemoryHeap creates an empty heap.
func NewMemoryHeap() *MemoryHeap {
	return &MemoryHeap{rows: make(map[uint64][]float32)}
}

// Insert stores a copy of v and returns its heap pointer.
func (h *MemoryHeap) Insert(v []float32) core.HeapPointer {
	row := make([]float32, len(v))
	copy(row, v)

	h.mu.Lock()
	defer h.mu.Unlock()

	ptr := h.next
	h.rows[ptr.Key()] = row

	if h.next.Slot++; h.next.Slot >= heapRowsPerPage {
		h.next.PageID++
		h.next.Slot = 0
	}
	return ptr
}

func (h *MemoryHeap) FetchVector(ptr core.HeapPointer) ([]float32, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	row, ok := h.rows[ptr.Key()]
	if !ok {
		return nil, fmt.Errorf("pagestore: no heap row at %s: %w", ptr, ErrNotFound)
	}
	out := make([]float32, len(row))
	copy(out, row)
	return out, nil
}

// Len returns the number of stored rows.
func (h *MemoryHeap) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rows)
}
