package core

import "testing"

func TestItemPointerKeyRoundTrip(t *testing.T) {
	cases := []ItemPointer{
		{PageID: 0, Slot: 0},
		{PageID: 1, Slot: 2},
		{PageID: 123456, Slot: 65535},
		{PageID: 4294967295, Slot: 0},
	}

	for _, p := range cases {
		got := ItemPointerFromKey(p.Key())
		if got != p {
			t.Errorf("round trip mismatch: %v -> %v", p, got)
		}
	}
}

func TestInvalidPointers(t *testing.T) {
	if InvalidItemPointer.Valid() {
		t.Error("InvalidItemPointer must not be valid")
	}
	if InvalidHeapPointer.Valid() {
		t.Error("InvalidHeapPointer must not be valid")
	}
	if !(ItemPointer{PageID: 0, Slot: 0}).Valid() {
		t.Error("zero pointer should be valid")
	}
}

func TestPointerSerialization(t *testing.T) {
	buf := make([]byte, PointerSize)

	p := ItemPointer{PageID: 42, Slot: 7}
	PutItemPointer(buf, p)
	if got := GetItemPointer(buf); got != p {
		t.Errorf("item pointer mismatch: %v != %v", got, p)
	}

	h := HeapPointer{PageID: 99, Slot: 3}
	PutHeapPointer(buf, h)
	if got := GetHeapPointer(buf); got != h {
		t.Errorf("heap pointer mismatch: %v != %v", got, h)
	}
}
