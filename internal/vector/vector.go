// Package vector holds the similarity math used by document search.
package vector

import (
	"errors"
	"math"
	"sort"
)

var (
	ErrEmpty             = errors.New("vectors cannot be empty")
	ErrDimensionMismatch = errors.New("vectors must have the same dimension")
)

func dot(a, b []float32) float32 {
	var product float32
	for i := range a {
		product += a[i] * b[i]
	}
	return product
}

// norm is the L2 magnitude of v.
func norm(v []float32) float32 {
	var sumOfSquares float32
	for _, x := range v {
		sumOfSquares += x * x
	}
	return float32(math.Sqrt(float64(sumOfSquares)))
}

// Cosine returns the cosine similarity of a and b. A zero vector has
// similarity 0 with everything.
func Cosine(a, b []float32) (float32, error) {
	if len(a) == 0 || len(b) == 0 {
		return 0, ErrEmpty
	}
	if len(a) != len(b) {
		return 0, ErrDimensionMismatch
	}
	na, nb := norm(a), norm(b)
	if na == 0 || nb == 0 {
		return 0, nil
	}
	return dot(a, b) / (na * nb), nil
}

type Scored[T any] struct {
	Item       T
	Similarity float32
}

// TopK scores every candidate against query, drops those below threshold or
// with an unusable vector, and returns at most k, best first. Ties keep
// candidate order.
func TopK[T any](query []float32, candidates []T, embedding func(T) []float32, threshold float32, k int) []Scored[T] {
	scored := make([]Scored[T], 0, len(candidates))
	for _, c := range candidates {
		sim, err := Cosine(query, embedding(c))
		if err != nil || sim < threshold {
			continue
		}
		scored = append(scored, Scored[T]{Item: c, Similarity: sim})
	}
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Similarity > scored[j].Similarity
	})
	if k >= 0 && len(scored) > k {
		scored = scored[:k]
	}
	return scored
}
