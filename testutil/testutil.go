// Package testutil provides dataset generation and exact ground-truth
// helpers for index tests and benchmarks. It is intended for test code only.
package testutil

import (
	"math/rand"
	"sort"

	"github.com/hupe1980/tapeann/distance"
)

// RandomVectors generates n uniform vectors in [0,1)^dim.
func RandomVectors(rng *rand.Rand, n, dim int) [][]float32 {
	out := make([][]float32, n)
	for i := range out {
		v := make([]float32, dim)
		for d := range v {
			v[d] = rng.Float32()
		}
		out[i] = v
	}
	return out
}

// GaussianVectors generates n vectors with standard normal components.
// Clustered real-world embeddings are closer to this than to uniform noise.
func GaussianVectors(rng *rand.Rand, n, dim int) [][]float32 {
	out := make([][]float32, n)
	for i := range out {
		v := make([]float32, dim)
		for d := range v {
			v[d] = float32(rng.NormFloat64())
		}
		out[i] = v
	}
	return out
}

// Nearest computes the exact k nearest dataset ordinals to query by brute
// force, ascending by distance.
func Nearest(vectors [][]float32, query []float32, k int, distFn distance.Func) []int {
	type scored struct {
		ordinal int
		dist    float32
	}
	all := make([]scored, len(vectors))
	for i, v := range vectors {
		all[i] = scored{ordinal: i, dist: distFn(query, v)}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].dist != all[j].dist {
			return all[i].dist < all[j].dist
		}
		return all[i].ordinal < all[j].ordinal
	})

	if k > len(all) {
		k = len(all)
	}
	out := make([]int, k)
	for i := range out {
		out[i] = all[i].ordinal
	}
	return out
}

// Recall returns the fraction of truth present in got.
func Recall(got, truth []int) float64 {
	if len(truth) == 0 {
		return 1
	}
	want := make(map[int]struct{}, len(truth))
	for _, o := range truth {
		want[o] = struct{}{}
	}
	hits := 0
	for _, o := range got {
		if _, ok := want[o]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(truth))
}
