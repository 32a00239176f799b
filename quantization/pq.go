// Package quantization implements product quantization for compressed node
// storage and query-time distance tables.
package quantization

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/hupe1980/tapeann/distance"
)

var (
	// ErrNotTrained is returned when a quantized operation is requested
	// before FinishTraining has completed.
	ErrNotTrained = errors.New("quantization: quantizer not trained")

	// ErrNoTrainingSamples is returned by FinishTraining when no samples
	// were added. A degenerate codebook is never produced silently.
	ErrNoTrainingSamples = errors.New("quantization: no training samples added")

	// ErrTrainingActive is returned when training-phase operations are
	// invoked outside a StartTraining/FinishTraining window.
	ErrTrainingActive = errors.New("quantization: training already in progress")
)

// kmeansIterations bounds the Lloyd refinement per subspace.
const kmeansIterations = 20

// ProductQuantizer compresses a vector into M uint8 codes by splitting it
// into M subvectors and mapping each to the nearest entry of a per-subspace
// codebook.
//
// The quantizer is exclusively owned while training and immutable afterwards;
// a trained instance is safe for concurrent readers.
type ProductQuantizer struct {
	numSubvectors int // M
	numCentroids  int // K, <= 256 for uint8 codes
	dimension     int // D
	subvectorDim  int // D/M

	codebooks [][][]float32 // [M][K][subvectorDim]
	trained   bool

	training bool
	samples  [][]float32
}

// New creates an untrained product quantizer.
// dimension must be divisible by numSubvectors and numCentroids must fit a
// uint8 code.
func New(dimension, numSubvectors, numCentroids int) (*ProductQuantizer, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("quantization: invalid dimension %d", dimension)
	}
	if numSubvectors <= 0 || dimension%numSubvectors != 0 {
		return nil, fmt.Errorf("quantization: dimension %d not divisible by %d subvectors", dimension, numSubvectors)
	}
	if numCentroids <= 0 || numCentroids > 256 {
		return nil, fmt.Errorf("quantization: numCentroids must be in (0, 256], got %d", numCentroids)
	}

	return &ProductQuantizer{
		numSubvectors: numSubvectors,
		numCentroids:  numCentroids,
		dimension:     dimension,
		subvectorDim:  dimension / numSubvectors,
	}, nil
}

// StartTraining begins a training pass, discarding previously accumulated
// samples and any earlier codebook.
func (pq *ProductQuantizer) StartTraining() {
	pq.training = true
	pq.trained = false
	pq.samples = pq.samples[:0]
	pq.codebooks = nil
}

// AddSample accumulates one training vector. The sample is copied.
func (pq *ProductQuantizer) AddSample(v []float32) error {
	if !pq.training {
		return errors.New("quantization: AddSample outside training window")
	}
	if len(v) != pq.dimension {
		return fmt.Errorf("quantization: sample dimension %d, want %d", len(v), pq.dimension)
	}
	sample := make([]float32, len(v))
	copy(sample, v)
	pq.samples = append(pq.samples, sample)
	return nil
}

// FinishTraining builds the per-subspace codebooks from the accumulated
// samples. Finishing with zero samples is a configuration error, reported
// here rather than deferred to the first degenerate distance.
//
// Codebook construction is deterministic for a fixed sample sequence.
func (pq *ProductQuantizer) FinishTraining() error {
	if !pq.training {
		return errors.New("quantization: FinishTraining without StartTraining")
	}
	if len(pq.samples) == 0 {
		return ErrNoTrainingSamples
	}

	// Fixed seed keeps codebooks reproducible for a given sample stream.
	rng := rand.New(rand.NewSource(int64(len(pq.samples))))

	pq.codebooks = make([][][]float32, pq.numSubvectors)
	for m := 0; m < pq.numSubvectors; m++ {
		subvectors := make([][]float32, len(pq.samples))
		start := m * pq.subvectorDim
		end := start + pq.subvectorDim
		for i, s := range pq.samples {
			subvectors[i] = s[start:end]
		}
		pq.codebooks[m] = kmeans(rng, subvectors, pq.numCentroids, kmeansIterations)
	}

	pq.samples = nil
	pq.training = false
	pq.trained = true
	return nil
}

// Trained reports whether the quantizer holds a usable codebook.
func (pq *ProductQuantizer) Trained() bool {
	return pq.trained
}

// SampleCount returns the number of samples accumulated so far.
func (pq *ProductQuantizer) SampleCount() int {
	return len(pq.samples)
}

// Quantize encodes a full vector into M uint8 codes.
func (pq *ProductQuantizer) Quantize(v []float32) ([]byte, error) {
	if !pq.trained {
		return nil, ErrNotTrained
	}
	if len(v) != pq.dimension {
		return nil, fmt.Errorf("quantization: vector dimension %d, want %d", len(v), pq.dimension)
	}

	codes := make([]byte, pq.numSubvectors)
	for m := 0; m < pq.numSubvectors; m++ {
		start := m * pq.subvectorDim
		sub := v[start : start+pq.subvectorDim]
		codes[m] = uint8(nearestCentroid(sub, pq.codebooks[m]))
	}
	return codes, nil
}

// Decode reconstructs the approximate vector for a code.
func (pq *ProductQuantizer) Decode(codes []byte) ([]float32, error) {
	if !pq.trained {
		return nil, ErrNotTrained
	}
	if len(codes) != pq.numSubvectors {
		return nil, fmt.Errorf("quantization: code length %d, want %d", len(codes), pq.numSubvectors)
	}

	out := make([]float32, pq.dimension)
	for m, c := range codes {
		start := m * pq.subvectorDim
		copy(out[start:start+pq.subvectorDim], pq.codebooks[m][c])
	}
	return out, nil
}

// DistanceTable precomputes, for each subvector position and each codebook
// entry, the partial distance contribution to query. Evaluating a code
// against the query is then M table lookups and a sum, independent of the
// original dimensionality.
func (pq *ProductQuantizer) DistanceTable(query []float32, distFn distance.Func) (*DistanceTable, error) {
	if !pq.trained {
		return nil, ErrNotTrained
	}
	if len(query) != pq.dimension {
		return nil, fmt.Errorf("quantization: query dimension %d, want %d", len(query), pq.dimension)
	}
	if distFn == nil {
		distFn = distance.SquaredL2
	}

	table := make([]float32, pq.numSubvectors*pq.numCentroids)
	for m := 0; m < pq.numSubvectors; m++ {
		start := m * pq.subvectorDim
		sub := query[start : start+pq.subvectorDim]
		row := table[m*pq.numCentroids:]
		for k := 0; k < pq.numCentroids; k++ {
			row[k] = distFn(sub, pq.codebooks[m][k])
		}
	}

	return &DistanceTable{
		table:        table,
		numCentroids: pq.numCentroids,
	}, nil
}

// Dimension returns the full vector dimensionality D.
func (pq *ProductQuantizer) Dimension() int { return pq.dimension }

// NumSubvectors returns M, the code length in bytes.
func (pq *ProductQuantizer) NumSubvectors() int { return pq.numSubvectors }

// NumCentroids returns K, the codebook size per subspace.
func (pq *ProductQuantizer) NumCentroids() int { return pq.numCentroids }

// Codebooks exposes the trained codebooks for metadata serialization.
func (pq *ProductQuantizer) Codebooks() [][][]float32 { return pq.codebooks }

// SetCodebooks installs codebooks loaded from persisted metadata and marks
// the quantizer trained. Shape must be [M][K][D/M].
func (pq *ProductQuantizer) SetCodebooks(codebooks [][][]float32) error {
	if len(codebooks) != pq.numSubvectors {
		return fmt.Errorf("quantization: got %d codebooks, want %d", len(codebooks), pq.numSubvectors)
	}
	for m, cb := range codebooks {
		if len(cb) != pq.numCentroids {
			return fmt.Errorf("quantization: codebook %d has %d centroids, want %d", m, len(cb), pq.numCentroids)
		}
		for k, c := range cb {
			if len(c) != pq.subvectorDim {
				return fmt.Errorf("quantization: centroid %d/%d has dim %d, want %d", m, k, len(c), pq.subvectorDim)
			}
		}
	}
	pq.codebooks = codebooks
	pq.trained = true
	pq.training = false
	return nil
}

// DistanceTable is the per-query lookup structure produced by
// ProductQuantizer.DistanceTable. It is discarded after the search.
type DistanceTable struct {
	table        []float32 // [M*K], row-major by subvector
	numCentroids int
}

// Distance sums the per-subvector contributions for codes.
// The result is the sum of per-segment distances between the query and the
// reconstruction of codes.
func (t *DistanceTable) Distance(codes []byte) float32 {
	var sum float32
	for m, c := range codes {
		sum += t.table[m*t.numCentroids+int(c)]
	}
	return sum
}

// kmeans clusters subvectors into k centroids with k-means++ seeding and a
// bounded number of Lloyd iterations.
func kmeans(rng *rand.Rand, vectors [][]float32, k, maxIters int) [][]float32 {
	dim := len(vectors[0])

	if len(vectors) < k {
		// Not enough data; repeat samples as centroids.
		centroids := make([][]float32, k)
		for i := range centroids {
			centroids[i] = make([]float32, dim)
			copy(centroids[i], vectors[i%len(vectors)])
		}
		return centroids
	}

	centroids := make([][]float32, k)
	for i := range centroids {
		centroids[i] = make([]float32, dim)
	}
	copy(centroids[0], vectors[rng.Intn(len(vectors))])

	// minDistSq tracks each vector's squared distance to its nearest chosen
	// centroid.
	minDistSq := make([]float32, len(vectors))
	var sum float32
	for i, vec := range vectors {
		d := distance.SquaredL2(vec, centroids[0])
		minDistSq[i] = d
		sum += d
	}

	for c := 1; c < k; c++ {
		if sum == 0 {
			copy(centroids[c], vectors[rng.Intn(len(vectors))])
			continue
		}

		target := rng.Float32() * sum
		var cumsum float32
		chosen := 0
		for i, d := range minDistSq {
			cumsum += d
			if cumsum >= target {
				chosen = i
				break
			}
		}
		copy(centroids[c], vectors[chosen])

		sum = 0
		for i, vec := range vectors {
			d := distance.SquaredL2(vec, centroids[c])
			if d < minDistSq[i] {
				minDistSq[i] = d
			}
			sum += minDistSq[i]
		}
	}

	assignments := make([]int, len(vectors))
	for iter := 0; iter < maxIters; iter++ {
		changed := false
		for i, vec := range vectors {
			nearest := nearestCentroid(vec, centroids)
			if assignments[i] != nearest {
				changed = true
				assignments[i] = nearest
			}
		}
		if !changed && iter > 0 {
			break
		}

		counts := make([]int, k)
		sums := make([][]float32, k)
		for i := range sums {
			sums[i] = make([]float32, dim)
		}
		for i, vec := range vectors {
			cluster := assignments[i]
			counts[cluster]++
			for j, val := range vec {
				sums[cluster][j] += val
			}
		}
		for i := range centroids {
			if counts[i] == 0 {
				continue
			}
			inv := 1 / float32(counts[i])
			for j := range centroids[i] {
				centroids[i][j] = sums[i][j] * inv
			}
		}
	}

	return centroids
}

func nearestCentroid(vec []float32, centroids [][]float32) int {
	minDist := float32(math.MaxFloat32)
	nearest := 0
	for i, c := range centroids {
		if d := distance.SquaredL2(vec, c); d < minDist {
			minDist = d
			nearest = i
		}
	}
	return nearest
}
