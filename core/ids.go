// Package core defines the identifier types shared by every layer of the
// index: stable node locators on page storage and back-references into the
// external heap.
package core

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ItemPointer is a stable locator for a persisted node: the page it lives on
// and its slot within that page. It acts as the graph's vertex identifier
// and is unique per live node.
type ItemPointer struct {
	PageID uint32
	Slot   uint16
}

// InvalidItemPointer is the sentinel for "no node".
var InvalidItemPointer = ItemPointer{PageID: math.MaxUint32, Slot: math.MaxUint16}

// Valid reports whether the pointer refers to a real slot.
func (p ItemPointer) Valid() bool {
	return p != InvalidItemPointer
}

// Key packs the pointer into a uint64 suitable for map keys and bitmaps.
func (p ItemPointer) Key() uint64 {
	return uint64(p.PageID)<<16 | uint64(p.Slot)
}

// ItemPointerFromKey is the inverse of Key.
func ItemPointerFromKey(key uint64) ItemPointer {
	return ItemPointer{
		PageID: uint32(key >> 16),
		Slot:   uint16(key & 0xFFFF),
	}
}

func (p ItemPointer) String() string {
	if !p.Valid() {
		return "invalid"
	}
	return fmt.Sprintf("%d/%d", p.PageID, p.Slot)
}

// HeapPointer is a back-reference from a node to its source row in the
// external heap. It is owned by the heap collaborator and opaque to the
// index core beyond equality and serialization.
type HeapPointer struct {
	PageID uint32
	Slot   uint16
}

// InvalidHeapPointer is the sentinel for "no heap row".
var InvalidHeapPointer = HeapPointer{PageID: math.MaxUint32, Slot: math.MaxUint16}

// Valid reports whether the pointer refers to a real heap row.
func (p HeapPointer) Valid() bool {
	return p != InvalidHeapPointer
}

// Key packs the pointer into a uint64 suitable for map keys.
func (p HeapPointer) Key() uint64 {
	return uint64(p.PageID)<<16 | uint64(p.Slot)
}

func (p HeapPointer) String() string {
	if !p.Valid() {
		return "invalid"
	}
	return fmt.Sprintf("%d/%d", p.PageID, p.Slot)
}

// PointerSize is the serialized size of an ItemPointer or HeapPointer.
const PointerSize = 6

// PutItemPointer serializes p into buf, which must be at least PointerSize
// bytes long.
func PutItemPointer(buf []byte, p ItemPointer) {
	binary.LittleEndian.PutUint32(buf[0:4], p.PageID)
	binary.LittleEndian.PutUint16(buf[4:6], p.Slot)
}

// GetItemPointer deserializes an ItemPointer from buf.
func GetItemPointer(buf []byte) ItemPointer {
	return ItemPointer{
		PageID: binary.LittleEndian.Uint32(buf[0:4]),
		Slot:   binary.LittleEndian.Uint16(buf[4:6]),
	}
}

// PutHeapPointer serializes p into buf, which must be at least PointerSize
// bytes long.
func PutHeapPointer(buf []byte, p HeapPointer) {
	binary.LittleEndian.PutUint32(buf[0:4], p.PageID)
	binary.LittleEndian.PutUint16(buf[4:6], p.Slot)
}

// GetHeapPointer deserializes a HeapPointer from buf.
func GetHeapPointer(buf []byte) HeapPointer {
	return HeapPointer{
		PageID: binary.LittleEndian.Uint32(buf[0:4]),
		Slot:   binary.LittleEndian.Uint16(buf[4:6]),
	}
}
