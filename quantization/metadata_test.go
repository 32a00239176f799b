package quantization

import (
	"errors"
	"testing"
)

func TestMetadataRoundTrip(t *testing.T) {
	pq := trainedQuantizer(t, 32, 4, 16, 300)

	blob, err := EncodeMetadata(pq)
	if err != nil {
		t.Fatalf("EncodeMetadata: %v", err)
	}

	loaded, err := DecodeMetadata(blob)
	if err != nil {
		t.Fatalf("DecodeMetadata: %v", err)
	}

	if !loaded.Trained() {
		t.Fatal("loaded quantizer must be trained")
	}
	if loaded.Dimension() != pq.Dimension() ||
		loaded.NumSubvectors() != pq.NumSubvectors() ||
		loaded.NumCentroids() != pq.NumCentroids() {
		t.Fatal("geometry mismatch after reload")
	}

	// Same codebook means same codes.
	v := make([]float32, 32)
	for i := range v {
		v[i] = float32(i) / 32
	}

	want, err := pq.Quantize(v)
	if err != nil {
		t.Fatalf("Quantize: %v", err)
	}
	got, err := loaded.Quantize(v)
	if err != nil {
		t.Fatalf("Quantize (loaded): %v", err)
	}
	for i := range want {
		if want[i] != got[i] {
			t.Fatalf("code mismatch at %d: %d != %d", i, got[i], want[i])
		}
	}
}

func TestEncodeMetadataUntrained(t *testing.T) {
	pq, _ := New(32, 4, 16)
	if _, err := EncodeMetadata(pq); !errors.Is(err, ErrNotTrained) {
		t.Errorf("got %v, want ErrNotTrained", err)
	}
}

func TestDecodeMetadataCorruption(t *testing.T) {
	pq := trainedQuantizer(t, 16, 4, 8, 100)
	blob, err := EncodeMetadata(pq)
	if err != nil {
		t.Fatalf("EncodeMetadata: %v", err)
	}

	t.Run("truncated", func(t *testing.T) {
		if _, err := DecodeMetadata(blob[:8]); !errors.Is(err, ErrBadMetadata) {
			t.Errorf("got %v, want ErrBadMetadata", err)
		}
	})

	t.Run("bad magic", func(t *testing.T) {
		bad := append([]byte(nil), blob...)
		bad[0] ^= 0xFF
		if _, err := DecodeMetadata(bad); !errors.Is(err, ErrBadMetadata) {
			t.Errorf("got %v, want ErrBadMetadata", err)
		}
	})

	t.Run("flipped payload bit", func(t *testing.T) {
		bad := append([]byte(nil), blob...)
		bad[len(bad)-1] ^= 0x01
		if _, err := DecodeMetadata(bad); !errors.Is(err, ErrBadMetadata) {
			t.Errorf("got %v, want ErrBadMetadata", err)
		}
	})
}
