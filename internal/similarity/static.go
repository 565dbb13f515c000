package similarity

import (
	"context"
	"sync"
)

// StaticOracle returns the same off-diagonal similarity for every pair. It
// backs demo mode and tests that don't care about real embeddings.
type StaticOracle struct {
	mu    sync.Mutex
	value float64
	err   error
	calls int
}

// NewStaticOracle creates an oracle that reports value for every pair.
func NewStaticOracle(value float64) *StaticOracle {
	return &StaticOracle{value: value}
}

// Set changes the reported similarity and error for subsequent calls.
func (s *StaticOracle) Set(value float64, err error) {
	s.mu.Lock()
	s.value, s.err = value, err
	s.mu.Unlock()
}

// Calls returns how many times Matrix has been invoked.
func (s *StaticOracle) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *StaticOracle) Matrix(_ context.Context, texts []string) ([][]float64, error) {
	s.mu.Lock()
	s.calls++
	value, err := s.value, s.err
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}
	m := make([][]float64, len(texts))
	for i := range m {
		m[i] = make([]float64, len(texts))
		for j := range m[i] {
			if i == j {
				m[i][j] = 1
			} else {
				m[i][j] = value
			}
		}
	}
	return m, nil
}

func (s *StaticOracle) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err == nil
}
