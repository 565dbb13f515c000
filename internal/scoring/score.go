package scoring

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// ErrMatrixShape is returned when the oracle answers with a matrix whose
// dimensions do not match the prompts it was given.
var ErrMatrixShape = errors.New("scoring: similarity matrix shape mismatch")

// SimilarityOracle returns the pairwise semantic similarity of a batch of
// texts as an n×n matrix.
type SimilarityOracle interface {
	Matrix(ctx context.Context, texts []string) ([][]float64, error)
}

// Snapshot is the per-cycle score breakdown for one user. It is never persisted.
type Snapshot struct {
	Velocity   float64 `json:"velocity"`
	Similarity float64 `json:"similarity"`
	Combined   float64 `json:"combined"`
}

// Velocity normalizes an event count against the saturation count.
// 0 events → 0.0, saturation or more → 1.0, linear in between.
func Velocity(n, saturation int) float64 {
	if n <= 0 || saturation <= 0 {
		return 0.0
	}
	return math.Min(float64(n)/float64(saturation), 1.0)
}

// Similarity returns the mean pairwise similarity of prompts, or 0 when
// there are fewer than minSample prompts (too few to say anything useful).
func Similarity(ctx context.Context, oracle SimilarityOracle, prompts []string, minSample int) (float64, error) {
	if len(prompts) < minSample || len(prompts) < 2 {
		return 0.0, nil
	}
	m, err := oracle.Matrix(ctx, prompts)
	if err != nil {
		return 0.0, err
	}
	return UpperTriangleMean(m, len(prompts))
}

// UpperTriangleMean averages the strict upper triangle (i < j) of an n×n
// matrix, skipping the diagonal and the mirrored half.
func UpperTriangleMean(m [][]float64, n int) (float64, error) {
	if len(m) != n {
		return 0.0, fmt.Errorf("%w: %d rows for %d prompts", ErrMatrixShape, len(m), n)
	}
	var sum float64
	var count int
	for i := 0; i < n; i++ {
		if len(m[i]) != n {
			return 0.0, fmt.Errorf("%w: row %d has %d columns", ErrMatrixShape, i, len(m[i]))
		}
		for j := i + 1; j < n; j++ {
			sum += m[i][j]
			count++
		}
	}
	if count == 0 {
		return 0.0, nil
	}
	return sum / float64(count), nil
}

// Evaluate computes the velocity, similarity and weighted combined score for
// the prompts seen in one window.
func (p Params) Evaluate(ctx context.Context, oracle SimilarityOracle, prompts []string) (Snapshot, error) {
	v := Velocity(len(prompts), p.VelocitySaturation)
	s, err := Similarity(ctx, oracle, prompts, p.MinSimilaritySample)
	if err != nil {
		return Snapshot{Velocity: v}, err
	}
	return Snapshot{
		Velocity:   v,
		Similarity: s,
		Combined:   p.VelocityWeight*v + p.SimilarityWeight*s,
	}, nil
}
