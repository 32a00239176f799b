package distance

import (
	"math"
	"testing"
)

func TestSquaredL2(t *testing.T) {
	a := []float32{1, 2, 3}
	b := []float32{4, 6, 3}

	got := SquaredL2(a, b)
	if got != 25 {
		t.Errorf("SquaredL2 = %f, want 25", got)
	}

	if SquaredL2(a, a) != 0 {
		t.Error("distance to self must be zero")
	}
}

func TestCosine(t *testing.T) {
	a := []float32{1, 0}
	b := []float32{0, 1}
	c := []float32{2, 0}

	if d := Cosine(a, b); math.Abs(float64(d)-1) > 1e-6 {
		t.Errorf("orthogonal vectors: got %f, want 1", d)
	}
	if d := Cosine(a, c); math.Abs(float64(d)) > 1e-6 {
		t.Errorf("parallel vectors: got %f, want 0", d)
	}
	if d := Cosine(a, []float32{0, 0}); d != 1 {
		t.Errorf("zero norm: got %f, want 1", d)
	}
}

func TestNormalizeL2InPlace(t *testing.T) {
	v := []float32{3, 4}
	if !NormalizeL2InPlace(v) {
		t.Fatal("normalize failed")
	}
	if math.Abs(float64(Dot(v, v))-1) > 1e-6 {
		t.Errorf("norm after normalize = %f, want 1", Dot(v, v))
	}

	if NormalizeL2InPlace([]float32{0, 0}) {
		t.Error("zero vector should not normalize")
	}
}

func TestProvider(t *testing.T) {
	for _, m := range []Metric{MetricCosine, MetricL2, MetricDot} {
		fn, err := Provider(m)
		if err != nil {
			t.Fatalf("Provider(%v): %v", m, err)
		}
		if fn == nil {
			t.Fatalf("Provider(%v): nil func", m)
		}
	}

	if _, err := Provider(Metric(99)); err == nil {
		t.Error("expected error for unknown metric")
	}
}

func TestNegativeDotOrdering(t *testing.T) {
	q := []float32{1, 1}
	near := []float32{1, 1}
	far := []float32{-1, -1}

	if NegativeDot(q, near) >= NegativeDot(q, far) {
		t.Error("closer vector must have smaller negative dot distance")
	}
}
