package pagestore

import (
	"encoding/binary"
	"fmt"
)

// PageSize is the fixed size of every page, matching common database block
// sizes.
const PageSize = 8192

// PageType tags what kind of items a page holds. Tapes only ever append to
// pages of their own type.
type PageType uint8

const (
	PageTypeInvalid PageType = iota
	PageTypeNode
	PageTypeMeta
	PageTypeQuantizer
)

func (t PageType) String() string {
	switch t {
	case PageTypeNode:
		return "node"
	case PageTypeMeta:
		return "meta"
	case PageTypeQuantizer:
		return "quantizer"
	default:
		return fmt.Sprintf("invalid(%d)", uint8(t))
	}
}

// Slotted page layout:
//
//	[0]     page type
//	[1:3]   slot count, uint16
//	[3:5]   dataStart, uint16; items occupy [dataStart, PageSize)
//	[5:...] slot directory, 4 bytes per slot: offset uint16, length uint16
//
// Items are written from the end of the page downward; the slot directory
// grows upward. Slots are append-only and never move, so an ItemPointer
// stays valid for the life of the page.
const (
	pageHeaderSize = 5
	slotEntrySize  = 4
)

// MaxItemSize is the largest item a single page can hold.
const MaxItemSize = PageSize - pageHeaderSize - slotEntrySize

func initPage(buf []byte, typ PageType) {
	buf[0] = byte(typ)
	binary.LittleEndian.PutUint16(buf[1:3], 0)
	binary.LittleEndian.PutUint16(buf[3:5], PageSize)
}

func pageTypeOf(buf []byte) PageType {
	return PageType(buf[0])
}

func pageSlotCount(buf []byte) int {
	return int(binary.LittleEndian.Uint16(buf[1:3]))
}

func pageDataStart(buf []byte) int {
	return int(binary.LittleEndian.Uint16(buf[3:5]))
}

// pageItemBounds returns the [start, end) byte range of a slot's item within
// the page, or ok=false when the slot does not exist.
func pageItemBounds(buf []byte, slot int) (start, end int, ok bool) {
	if slot < 0 || slot >= pageSlotCount(buf) {
		return 0, 0, false
	}
	entry := pageHeaderSize + slot*slotEntrySize
	off := int(binary.LittleEndian.Uint16(buf[entry : entry+2]))
	length := int(binary.LittleEndian.Uint16(buf[entry+2 : entry+4]))
	if off+length > PageSize {
		return 0, 0, false
	}
	return off, off + length, true
}

// pageItem returns a view into buf for the slot's item.
func pageItem(buf []byte, slot int) ([]byte, bool) {
	start, end, ok := pageItemBounds(buf, slot)
	if !ok {
		return nil, false
	}
	return buf[start:end], true
}

// pageAppend copies item into the page and returns the new slot number.
// ok=false means the page is full.
func pageAppend(buf []byte, item []byte) (slot int, ok bool) {
	count := pageSlotCount(buf)
	dataStart := pageDataStart(buf)

	dirEnd := pageHeaderSize + (count+1)*slotEntrySize
	newStart := dataStart - len(item)
	if newStart < dirEnd {
		return 0, false
	}

	copy(buf[newStart:dataStart], item)

	entry := pageHeaderSize + count*slotEntrySize
	binary.LittleEndian.PutUint16(buf[entry:entry+2], uint16(newStart))
	binary.LittleEndian.PutUint16(buf[entry+2:entry+4], uint16(len(item)))
	binary.LittleEndian.PutUint16(buf[1:3], uint16(count+1))
	binary.LittleEndian.PutUint16(buf[3:5], uint16(newStart))

	return count, true
}
