// Package vectormath implements the similarity primitives used to compare
// page embeddings. Every function is pure; all comparisons are exhaustive.
package vectormath

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

var (
	ErrDimensionMismatch = errors.New("vector dimensions must match")
	ErrEmptyVector       = errors.New("vectors cannot be empty")
)

// Candidate is a vector labelled with the id of the page it belongs to.
type Candidate struct {
	ID     string
	Vector []float64
}

// Neighbor is one kNearestNeighbors result.
type Neighbor struct {
	ID         string  `json:"id"`
	Distance   float64 `json:"distance"`
	Similarity float64 `json:"similarity"`
}

func dimensionError(a, b int) error {
	return fmt.Errorf("%w: %d vs %d", ErrDimensionMismatch, a, b)
}

func magnitude(v []float64) float64 {
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	return math.Sqrt(sum)
}

// CosineSimilarity returns the cosine of the angle between a and b, clamped to
// [-1, 1]. A zero-magnitude input yields 0.
func CosineSimilarity(a, b []float64) (float64, error) {
	if len(a) != len(b) {
		return 0, dimensionError(len(a), len(b))
	}
	if len(a) == 0 {
		return 0, ErrEmptyVector
	}

	var dot float64
	for i := range a {
		dot += a[i] * b[i]
	}

	magA := magnitude(a)
	magB := magnitude(b)
	if magA == 0 || magB == 0 {
		return 0, nil
	}

	similarity := dot / (magA * magB)
	return math.Max(-1, math.Min(1, similarity)), nil
}

// L2Distance returns the Euclidean distance between a and b.
func L2Distance(a, b []float64) (float64, error) {
	if len(a) != len(b) {
		return 0, dimensionError(len(a), len(b))
	}

	var sumSquares float64
	for i := range a {
		diff := a[i] - b[i]
		sumSquares += diff * diff
	}
	return math.Sqrt(sumSquares), nil
}

// CalculateCentroid returns the element-wise mean of vectors.
func CalculateCentroid(vectors [][]float64) ([]float64, error) {
	if len(vectors) == 0 {
		return nil, fmt.Errorf("cannot calculate centroid: %w", ErrEmptyVector)
	}

	dimensions := len(vectors[0])
	for _, v := range vectors {
		if len(v) != dimensions {
			return nil, dimensionError(dimensions, len(v))
		}
	}

	centroid := make([]float64, dimensions)
	for _, v := range vectors {
		for i, x := range v {
			centroid[i] += x
		}
	}
	n := float64(len(vectors))
	for i := range centroid {
		centroid[i] /= n
	}
	return centroid, nil
}

// Normalize scales v to unit length. The zero vector is returned unchanged.
func Normalize(v []float64) []float64 {
	out := make([]float64, len(v))
	mag := magnitude(v)
	if mag == 0 {
		return out
	}
	for i, x := range v {
		out[i] = x / mag
	}
	return out
}

// AverageSimilarityToCluster is the mean cosine similarity of v to every
// member of cluster, or 0 for an empty cluster.
func AverageSimilarityToCluster(v []float64, cluster [][]float64) (float64, error) {
	if len(cluster) == 0 {
		return 0, nil
	}

	var total float64
	for _, member := range cluster {
		sim, err := CosineSimilarity(v, member)
		if err != nil {
			return 0, err
		}
		total += sim
	}
	return total / float64(len(cluster)), nil
}

// KNearestNeighbors ranks candidates by ascending L2 distance to target and
// returns the first k. Equal distances keep input order.
func KNearestNeighbors(target []float64, candidates []Candidate, k int) ([]Neighbor, error) {
	neighbors := make([]Neighbor, 0, len(candidates))
	for _, c := range candidates {
		dist, err := L2Distance(target, c.Vector)
		if err != nil {
			return nil, fmt.Errorf("candidate %s: %w", c.ID, err)
		}
		sim, err := CosineSimilarity(target, c.Vector)
		if err != nil {
			return nil, fmt.Errorf("candidate %s: %w", c.ID, err)
		}
		neighbors = append(neighbors, Neighbor{ID: c.ID, Distance: dist, Similarity: sim})
	}

	sort.SliceStable(neighbors, func(i, j int) bool {
		return neighbors[i].Distance < neighbors[j].Distance
	})

	if k < 0 {
		k = 0
	}
	if k < len(neighbors) {
		neighbors = neighbors[:k]
	}
	return neighbors, nil
}

// Float64s widens a float32 embedding as returned by the vector store.
func Float64s(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}
