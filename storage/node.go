package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/hupe1980/tapeann/core"
	"github.com/x448/float16"
)

// ErrNodeCorrupt is returned when a node buffer fails structural validation.
var ErrNodeCorrupt = errors.New("storage: corrupt node")

// NodeLayout fixes the serialized shape of every node a backend writes.
// Nodes are fixed-size so in-place modification never moves them.
type NodeLayout struct {
	// Dimension of the full vector.
	Dimension int
	// MaxNeighbors is the adjacency capacity; shorter lists are padded.
	MaxNeighbors int
	// CodeSize is the quantized code length in bytes. Zero means the node
	// carries the full vector instead of a code.
	CodeSize int
	// HalfPrecision stores full vectors as float16, halving page usage at
	// the cost of ~3 decimal digits. Ignored when CodeSize > 0.
	HalfPrecision bool
}

// Serialized node layout:
//
//	[0]      flags (bit 0: deleted)
//	[1:7]    heap pointer
//	payload  full vector (f32 or f16 per layout) or quantized code
//	[.. +2]  neighbor count, uint16
//	[...]    MaxNeighbors item pointers, tail padded with the invalid sentinel
const nodeFlagDeleted = 0x01

func (l NodeLayout) payloadBytes() int {
	if l.CodeSize > 0 {
		return l.CodeSize
	}
	if l.HalfPrecision {
		return l.Dimension * 2
	}
	return l.Dimension * 4
}

// Size returns the fixed serialized size of a node under this layout.
func (l NodeLayout) Size() int {
	return 1 + core.PointerSize + l.payloadBytes() + 2 + l.MaxNeighbors*core.PointerSize
}

// Node is the in-memory form of one persisted index entry. Exactly one of
// Vector and Code is populated, per the owning backend's layout.
type Node struct {
	HeapPointer core.HeapPointer
	Vector      []float32
	Code        []byte
	Neighbors   []core.ItemPointer
	Deleted     bool
}

// EncodeNode serializes n into a fixed-size buffer under layout.
func EncodeNode(layout NodeLayout, n *Node) ([]byte, error) {
	if layout.CodeSize > 0 {
		if len(n.Code) != layout.CodeSize {
			return nil, fmt.Errorf("storage: code length %d, want %d", len(n.Code), layout.CodeSize)
		}
	} else if len(n.Vector) != layout.Dimension {
		return nil, fmt.Errorf("storage: vector dimension %d, want %d", len(n.Vector), layout.Dimension)
	}
	if len(n.Neighbors) > layout.MaxNeighbors {
		return nil, fmt.Errorf("storage: %d neighbors exceeds capacity %d", len(n.Neighbors), layout.MaxNeighbors)
	}

	buf := make([]byte, layout.Size())
	if n.Deleted {
		buf[0] |= nodeFlagDeleted
	}
	core.PutHeapPointer(buf[1:], n.HeapPointer)

	off := 1 + core.PointerSize
	switch {
	case layout.CodeSize > 0:
		copy(buf[off:], n.Code)
	case layout.HalfPrecision:
		for _, v := range n.Vector {
			binary.LittleEndian.PutUint16(buf[off:], uint16(float16.Fromfloat32(v)))
			off += 2
		}
	default:
		for _, v := range n.Vector {
			binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(v))
			off += 4
		}
	}

	off = 1 + core.PointerSize + layout.payloadBytes()
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(n.Neighbors)))
	off += 2
	for _, nb := range n.Neighbors {
		core.PutItemPointer(buf[off:], nb)
		off += core.PointerSize
	}
	for i := len(n.Neighbors); i < layout.MaxNeighbors; i++ {
		core.PutItemPointer(buf[off:], core.InvalidItemPointer)
		off += core.PointerSize
	}
	return buf, nil
}

// DecodeNode deserializes a node buffer written under layout.
func DecodeNode(layout NodeLayout, buf []byte) (*Node, error) {
	if len(buf) != layout.Size() {
		return nil, fmt.Errorf("%w: %d bytes, want %d", ErrNodeCorrupt, len(buf), layout.Size())
	}

	n := &Node{
		Deleted:     buf[0]&nodeFlagDeleted != 0,
		HeapPointer: core.GetHeapPointer(buf[1:]),
	}

	off := 1 + core.PointerSize
	switch {
	case layout.CodeSize > 0:
		n.Code = make([]byte, layout.CodeSize)
		copy(n.Code, buf[off:])
	case layout.HalfPrecision:
		n.Vector = make([]float32, layout.Dimension)
		for i := range n.Vector {
			n.Vector[i] = float16.Float16(binary.LittleEndian.Uint16(buf[off:])).Float32()
			off += 2
		}
	default:
		n.Vector = make([]float32, layout.Dimension)
		for i := range n.Vector {
			n.Vector[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[off:]))
			off += 4
		}
	}

	off = 1 + core.PointerSize + layout.payloadBytes()
	count := int(binary.LittleEndian.Uint16(buf[off:]))
	if count > layout.MaxNeighbors {
		return nil, fmt.Errorf("%w: neighbor count %d exceeds capacity %d", ErrNodeCorrupt, count, layout.MaxNeighbors)
	}
	off += 2
	n.Neighbors = make([]core.ItemPointer, count)
	for i := range n.Neighbors {
		n.Neighbors[i] = core.GetItemPointer(buf[off:])
		off += core.PointerSize
	}
	return n, nil
}

// setDeleted flips the tombstone bit directly in a serialized node buffer.
func setDeleted(buf []byte) {
	buf[0] |= nodeFlagDeleted
}

// encodeNeighborsInPlace rewrites only the adjacency section of a serialized
// node buffer, leaving payload and flags untouched.
func encodeNeighborsInPlace(layout NodeLayout, buf []byte, neighbors []core.ItemPointer) error {
	if len(neighbors) > layout.MaxNeighbors {
		return fmt.Errorf("storage: %d neighbors exceeds capacity %d", len(neighbors), layout.MaxNeighbors)
	}
	off := 1 + core.PointerSize + layout.payloadBytes()
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(neighbors)))
	off += 2
	for _, nb := range neighbors {
		core.PutItemPointer(buf[off:], nb)
		off += core.PointerSize
	}
	for i := len(neighbors); i < layout.MaxNeighbors; i++ {
		core.PutItemPointer(buf[off:], core.InvalidItemPointer)
		off += core.PointerSize
	}
	return nil
}

// encodeCodeInPlace rewrites only the code payload of a serialized node.
func encodeCodeInPlace(layout NodeLayout, buf []byte, code []byte) error {
	if layout.CodeSize == 0 || len(code) != layout.CodeSize {
		return fmt.Errorf("storage: code length %d, want %d", len(code), layout.CodeSize)
	}
	copy(buf[1+core.PointerSize:], code)
	return nil
}
