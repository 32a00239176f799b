package pagestore

import (
	"errors"
	"io"

	"github.com/hupe1980/tapeann/core"
)

var (
	// ErrNotFound is returned when an item pointer does not resolve to a
	// stored item. Callers that follow graph edges treat this as a broken
	// edge, not a fatal condition.
	ErrNotFound = errors.New("pagestore: item not found")

	// ErrItemTooLarge is returned when an item exceeds what a single page
	// can hold.
	ErrItemTooLarge = errors.New("pagestore: item exceeds page capacity")

	// ErrSizeMismatch is returned by Commit when the modified item's length
	// differs from the stored one. Items are fixed-size once written.
	ErrSizeMismatch = errors.New("pagestore: item size changed during modify")

	// ErrReadOnly is returned by mutating operations on a read-only store.
	ErrReadOnly = errors.New("pagestore: store is read-only")

	// ErrBadSnapshot is returned when a snapshot stream fails validation.
	ErrBadSnapshot = errors.New("pagestore: corrupt snapshot")
)

// Store is the page-level persistence contract. Implementations are safe
// for concurrent use, with the exception that a Tape must not be shared
// between concurrent appenders.
type Store interface {
	// Read returns an owned copy of the item at ptr.
	Read(ptr core.ItemPointer) ([]byte, error)

	// Modify returns a handle holding an owned copy of the item. Mutations
	// to the handle's bytes become visible to readers only on Commit, and
	// the item length must not change.
	Modify(ptr core.ItemPointer) (ModifyRef, error)

	// Append writes item to the tape's current page, allocating a fresh
	// page of the tape's type when the current one is full, and returns
	// the item's pointer.
	Append(tape *Tape, item []byte) (core.ItemPointer, error)

	// Scan visits every item on pages of the given type in pointer order,
	// stopping early when fn returns false. The item slice passed to fn is
	// only valid for the duration of the call.
	Scan(typ PageType, fn func(ptr core.ItemPointer, item []byte) bool) error

	// PageCount returns the number of allocated pages.
	PageCount() uint32

	// Snapshot writes a self-validating dump of all pages to w.
	Snapshot(w io.Writer) error

	Close() error
}

// ModifyRef is an owned copy of a stored item with write-back.
type ModifyRef interface {
	// Bytes returns the mutable copy. The slice stays valid until Commit.
	Bytes() []byte

	// Commit writes the copy back to its page.
	Commit() error
}

// Tape is an append-only allocation cursor over pages of one type. Appends
// through the same tape land on the same page until it fills, giving items
// written together physical locality.
type Tape struct {
	typ     PageType
	current uint32
	bound   bool
}

// NewTape creates a tape for pages of the given type. The first Append
// through it allocates its first page.
func NewTape(typ PageType) *Tape {
	return &Tape{typ: typ}
}

// Type returns the page type this tape appends to.
func (t *Tape) Type() PageType { return t.typ }

// Reset detaches the tape from its current page so the next Append starts
// a fresh one.
func (t *Tape) Reset() { t.bound = false }
