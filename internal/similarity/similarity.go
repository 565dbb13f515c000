// Package similarity turns a batch of prompts into a pairwise semantic
// similarity matrix. Prompts are embedded by a pluggable Embedder and
// compared by cosine similarity.
package similarity

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/mbd888/sentinel/internal/circuitbreaker"
	"github.com/mbd888/sentinel/internal/scoring"
	"github.com/mbd888/sentinel/internal/traces"
)

var (
	// ErrUnavailable means the embedding backend could not be reached or
	// returned something unusable.
	ErrUnavailable = errors.New("similarity: oracle unavailable")
	// ErrDimensionMismatch means two embeddings in one batch differ in length.
	ErrDimensionMismatch = errors.New("similarity: embedding dimension mismatch")
)

const breakerKey = "similarity_oracle"

// Embedder produces one vector per input text, in input order.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Name() string
}

// Oracle computes similarity matrices from an Embedder.
type Oracle struct {
	embedder Embedder
	breaker  *circuitbreaker.Breaker
	timeout  time.Duration
}

var _ scoring.SimilarityOracle = (*Oracle)(nil)

// Option configures an Oracle.
type Option func(*Oracle)

// WithBreaker guards embedding calls with b. Without one every call goes
// straight to the backend.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(o *Oracle) { o.breaker = b }
}

// WithTimeout bounds each Matrix call.
func WithTimeout(d time.Duration) Option {
	return func(o *Oracle) { o.timeout = d }
}

// NewOracle creates an oracle backed by e.
func NewOracle(e Embedder, opts ...Option) *Oracle {
	o := &Oracle{embedder: e, timeout: 30 * time.Second}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Matrix returns the n×n cosine similarity matrix for texts. Errors from the
// backend are wrapped with ErrUnavailable.
func (o *Oracle) Matrix(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return [][]float64{}, nil
	}

	ctx, span := traces.StartSpan(ctx, "similarity.matrix", traces.Count("texts", len(texts)))
	defer span.End()

	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	var vecs [][]float32
	call := func() error {
		var err error
		vecs, err = o.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return err
		}
		if len(vecs) != len(texts) {
			return fmt.Errorf("%s returned %d embeddings for %d texts", o.embedder.Name(), len(vecs), len(texts))
		}
		return nil
	}

	var err error
	if o.breaker != nil {
		err = o.breaker.Execute(breakerKey, nil, call)
	} else {
		err = call()
	}
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrUnavailable, err)
		traces.RecordError(span, err)
		return nil, err
	}

	m, err := CosineMatrix(vecs)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrUnavailable, err)
		traces.RecordError(span, err)
		return nil, err
	}
	return m, nil
}

// Healthy reports whether the oracle's breaker currently admits calls.
func (o *Oracle) Healthy() bool {
	if o.breaker == nil {
		return true
	}
	return o.breaker.State(breakerKey) != circuitbreaker.StateOpen
}

// CosineMatrix computes the symmetric pairwise cosine similarity of vecs.
// The diagonal is 1 for non-zero vectors; a zero vector scores 0 against
// everything, itself included.
func CosineMatrix(vecs [][]float32) ([][]float64, error) {
	n := len(vecs)
	norms := make([]float64, n)
	for i, v := range vecs {
		if len(v) != len(vecs[0]) {
			return nil, fmt.Errorf("%w: %d != %d", ErrDimensionMismatch, len(v), len(vecs[0]))
		}
		var sum float64
		for _, x := range v {
			sum += float64(x) * float64(x)
		}
		norms[i] = math.Sqrt(sum)
	}

	m := make([][]float64, n)
	for i := range m {
		m[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			if norms[i] == 0 || norms[j] == 0 {
				continue
			}
			var dot float64
			for k := range vecs[i] {
				dot += float64(vecs[i][k]) * float64(vecs[j][k])
			}
			c := dot / (norms[i] * norms[j])
			// float noise can push identical vectors past 1
			c = math.Max(-1, math.Min(1, c))
			m[i][j], m[j][i] = c, c
		}
	}
	return m, nil
}
