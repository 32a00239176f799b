package storage

import (
	"math"
	"testing"

	"github.com/hupe1980/tapeann/core"
)

func TestNodeCodecFullPrecision(t *testing.T) {
	layout := NodeLayout{Dimension: 4, MaxNeighbors: 3}

	in := &Node{
		HeapPointer: core.HeapPointer{PageID: 7, Slot: 2},
		Vector:      []float32{0.1, -2.5, 3.75, 0},
		Neighbors: []core.ItemPointer{
			{PageID: 1, Slot: 0},
			{PageID: 2, Slot: 5},
		},
	}

	buf, err := EncodeNode(layout, in)
	if err != nil {
		t.Fatalf("EncodeNode: %v", err)
	}
	if len(buf) != layout.Size() {
		t.Fatalf("encoded size %d, want %d", len(buf), layout.Size())
	}

	out, err := DecodeNode(layout, buf)
	if err != nil {
		t.Fatalf("DecodeNode: %v", err)
	}
	if out.Deleted {
		t.Error("node must not decode as deleted")
	}
	if out.HeapPointer != in.HeapPointer {
		t.Errorf("heap pointer %s, want %s", out.HeapPointer, in.HeapPointer)
	}
	for i := range in.Vector {
		if out.Vector[i] != in.Vector[i] {
			t.Errorf("vector[%d] = %f, want %f", i, out.Vector[i], in.Vector[i])
		}
	}
	if len(out.Neighbors) != 2 || out.Neighbors[0] != in.Neighbors[0] || out.Neighbors[1] != in.Neighbors[1] {
		t.Errorf("neighbors = %v, want %v", out.Neighbors, in.Neighbors)
	}
}

func TestNodeCodecHalfPrecision(t *testing.T) {
	layout := NodeLayout{Dimension: 3, MaxNeighbors: 2, HalfPrecision: true}

	in := &Node{
		HeapPointer: core.HeapPointer{PageID: 1, Slot: 1},
		Vector:      []float32{0.5, -1.25, 100},
	}
	buf, err := EncodeNode(layout, in)
	if err != nil {
		t.Fatalf("EncodeNode: %v", err)
	}

	out, err := DecodeNode(layout, buf)
	if err != nil {
		t.Fatalf("DecodeNode: %v", err)
	}
	// Half precision is lossy; values this small round-trip within 1e-2.
	for i := range in.Vector {
		if math.Abs(float64(out.Vector[i]-in.Vector[i])) > 1e-2 {
			t.Errorf("vector[%d] = %f, want ~%f", i, out.Vector[i], in.Vector[i])
		}
	}
}

func TestNodeCodecQuantized(t *testing.T) {
	layout := NodeLayout{Dimension: 16, MaxNeighbors: 4, CodeSize: 4}

	in := &Node{
		HeapPointer: core.HeapPointer{PageID: 3, Slot: 9},
		Code:        []byte{1, 2, 3, 255},
		Deleted:     true,
	}
	buf, err := EncodeNode(layout, in)
	if err != nil {
		t.Fatalf("EncodeNode: %v", err)
	}

	out, err := DecodeNode(layout, buf)
	if err != nil {
		t.Fatalf("DecodeNode: %v", err)
	}
	if !out.Deleted {
		t.Error("tombstone bit lost")
	}
	for i := range in.Code {
		if out.Code[i] != in.Code[i] {
			t.Errorf("code[%d] = %d, want %d", i, out.Code[i], in.Code[i])
		}
	}
}

func TestNodeCodecValidation(t *testing.T) {
	layout := NodeLayout{Dimension: 4, MaxNeighbors: 1}

	if _, err := EncodeNode(layout, &Node{Vector: []float32{1, 2}}); err == nil {
		t.Error("wrong dimension must fail")
	}
	if _, err := EncodeNode(layout, &Node{
		Vector:    []float32{1, 2, 3, 4},
		Neighbors: make([]core.ItemPointer, 2),
	}); err == nil {
		t.Error("neighbor overflow must fail")
	}
	if _, err := DecodeNode(layout, make([]byte, 3)); err == nil {
		t.Error("short buffer must fail")
	}
}

func TestEncodeNeighborsInPlace(t *testing.T) {
	layout := NodeLayout{Dimension: 2, MaxNeighbors: 3}

	buf, err := EncodeNode(layout, &Node{
		Vector:    []float32{1, 2},
		Neighbors: []core.ItemPointer{{PageID: 9, Slot: 9}},
	})
	if err != nil {
		t.Fatalf("EncodeNode: %v", err)
	}

	updated := []core.ItemPointer{{PageID: 1, Slot: 1}, {PageID: 2, Slot: 2}}
	if err := encodeNeighborsInPlace(layout, buf, updated); err != nil {
		t.Fatalf("encodeNeighborsInPlace: %v", err)
	}

	out, err := DecodeNode(layout, buf)
	if err != nil {
		t.Fatalf("DecodeNode: %v", err)
	}
	if len(out.Neighbors) != 2 || out.Neighbors[0] != updated[0] || out.Neighbors[1] != updated[1] {
		t.Errorf("neighbors = %v, want %v", out.Neighbors, updated)
	}
	// Payload untouched.
	if out.Vector[0] != 1 || out.Vector[1] != 2 {
		t.Errorf("vector disturbed: %v", out.Vector)
	}
}
