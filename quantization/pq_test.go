package quantization

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/hupe1980/tapeann/distance"
)

func trainedQuantizer(t testing.TB, dim, m, k, samples int) *ProductQuantizer {
	t.Helper()

	pq, err := New(dim, m, k)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rng := rand.New(rand.NewSource(42))
	pq.StartTraining()
	for i := 0; i < samples; i++ {
		if err := pq.AddSample(randomUnitVector(rng, dim)); err != nil {
			t.Fatalf("AddSample: %v", err)
		}
	}
	if err := pq.FinishTraining(); err != nil {
		t.Fatalf("FinishTraining: %v", err)
	}
	return pq
}

func randomUnitVector(rng *rand.Rand, dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = rng.Float32()*2 - 1
	}
	distance.NormalizeL2InPlace(v)
	return v
}

func TestNewValidation(t *testing.T) {
	if _, err := New(100, 7, 256); err == nil {
		t.Error("expected error for non-divisible dimension")
	}
	if _, err := New(128, 8, 300); err == nil {
		t.Error("expected error for too many centroids")
	}
	if _, err := New(0, 1, 16); err == nil {
		t.Error("expected error for zero dimension")
	}
}

func TestTrainingBeforeUsePrecondition(t *testing.T) {
	pq, err := New(32, 4, 16)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	v := make([]float32, 32)

	if _, err := pq.Quantize(v); !errors.Is(err, ErrNotTrained) {
		t.Errorf("Quantize before training: got %v, want ErrNotTrained", err)
	}
	if _, err := pq.DistanceTable(v, distance.SquaredL2); !errors.Is(err, ErrNotTrained) {
		t.Errorf("DistanceTable before training: got %v, want ErrNotTrained", err)
	}
	if _, err := pq.Decode(make([]byte, 4)); !errors.Is(err, ErrNotTrained) {
		t.Errorf("Decode before training: got %v, want ErrNotTrained", err)
	}
}

func TestFinishTrainingWithoutSamples(t *testing.T) {
	pq, err := New(32, 4, 16)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	pq.StartTraining()
	if err := pq.FinishTraining(); !errors.Is(err, ErrNoTrainingSamples) {
		t.Errorf("got %v, want ErrNoTrainingSamples", err)
	}
	if pq.Trained() {
		t.Error("quantizer must not be trained after underflow")
	}
}

func TestAddSampleValidation(t *testing.T) {
	pq, _ := New(32, 4, 16)

	if err := pq.AddSample(make([]float32, 32)); err == nil {
		t.Error("AddSample outside training window must fail")
	}

	pq.StartTraining()
	if err := pq.AddSample(make([]float32, 16)); err == nil {
		t.Error("AddSample with wrong dimension must fail")
	}
}

func TestQuantizeRoundTripBound(t *testing.T) {
	const (
		dim     = 64
		m       = 8
		k       = 64
		samples = 800
	)

	pq := trainedQuantizer(t, dim, m, k, samples)

	// Reconstruction error must stay within a tolerance band for vectors
	// drawn from the training distribution.
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 50; i++ {
		v := randomUnitVector(rng, dim)

		codes, err := pq.Quantize(v)
		if err != nil {
			t.Fatalf("Quantize: %v", err)
		}
		if len(codes) != m {
			t.Fatalf("code length %d, want %d", len(codes), m)
		}

		decoded, err := pq.Decode(codes)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}

		if d := distance.SquaredL2(v, decoded); d > 0.5 {
			t.Errorf("reconstruction error %f exceeds tolerance for unit vector", d)
		}
	}
}

func TestDistanceTableMatchesDecodedDistance(t *testing.T) {
	const (
		dim = 32
		m   = 4
		k   = 32
	)

	pq := trainedQuantizer(t, dim, m, k, 500)

	rng := rand.New(rand.NewSource(11))
	query := randomUnitVector(rng, dim)
	target := randomUnitVector(rng, dim)

	codes, err := pq.Quantize(target)
	if err != nil {
		t.Fatalf("Quantize: %v", err)
	}

	table, err := pq.DistanceTable(query, distance.SquaredL2)
	if err != nil {
		t.Fatalf("DistanceTable: %v", err)
	}

	decoded, err := pq.Decode(codes)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	// Table distance and decoded distance are the same computation for a
	// per-segment-separable function like squared L2.
	got := table.Distance(codes)
	want := distance.SquaredL2(query, decoded)
	if math.Abs(float64(got-want)) > 1e-3 {
		t.Errorf("table distance %f, decoded distance %f", got, want)
	}
}

func TestTrainingDeterminism(t *testing.T) {
	build := func() [][][]float32 {
		pq, _ := New(16, 4, 8)
		rng := rand.New(rand.NewSource(99))
		pq.StartTraining()
		for i := 0; i < 200; i++ {
			_ = pq.AddSample(randomUnitVector(rng, 16))
		}
		if err := pq.FinishTraining(); err != nil {
			t.Fatalf("FinishTraining: %v", err)
		}
		return pq.Codebooks()
	}

	a := build()
	b := build()
	for m := range a {
		for k := range a[m] {
			for d := range a[m][k] {
				if a[m][k][d] != b[m][k][d] {
					t.Fatalf("codebooks differ at [%d][%d][%d]", m, k, d)
				}
			}
		}
	}
}

func BenchmarkDistanceTableLookup(b *testing.B) {
	pq := trainedQuantizer(b, 128, 16, 256, 1000)

	rng := rand.New(rand.NewSource(3))
	query := randomUnitVector(rng, 128)
	codes, _ := pq.Quantize(randomUnitVector(rng, 128))
	table, _ := pq.DistanceTable(query, distance.SquaredL2)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = table.Distance(codes)
	}
}
