// Package health runs named dependency checks (database, ledger RPC,
// embedding oracle, cycle timer) for the health endpoints.
package health

import (
	"context"
	"sync"
	"time"
)

// Status represents the health of a single subsystem.
type Status struct {
	Name     string `json:"name"`
	Healthy  bool   `json:"healthy"`
	Critical bool   `json:"critical"`
	Detail   string `json:"detail,omitempty"`
}

// Checker reports the health of one subsystem.
type Checker func(ctx context.Context) Status

// Registry holds named checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
	timeout  time.Duration
}

type namedChecker struct {
	name     string
	critical bool
	check    Checker
}

// NewRegistry creates a registry whose checks each get at most timeout.
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Registry{timeout: timeout}
}

// Register adds a checker. A failing critical checker makes the service
// not ready; a failing non-critical one only degrades /health.
func (r *Registry) Register(name string, critical bool, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, critical: critical, check: check})
	r.mu.Unlock()
}

// CheckAll runs every checker concurrently. healthy is false if any checker
// fails; ready is false only if a critical one fails.
func (r *Registry) CheckAll(ctx context.Context) (healthy, ready bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	statuses = make([]Status, len(checkers))
	var wg sync.WaitGroup
	for i, nc := range checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()
			st := nc.check(cctx)
			st.Name, st.Critical = nc.name, nc.critical
			statuses[i] = st
		}()
	}
	wg.Wait()

	healthy, ready = true, true
	for _, st := range statuses {
		if st.Healthy {
			continue
		}
		healthy = false
		if st.Critical {
			ready = false
		}
	}
	return healthy, ready, statuses
}

// Ping adapts an error-returning probe to a Checker.
func Ping(probe func(ctx context.Context) error) Checker {
	return func(ctx context.Context) Status {
		if err := probe(ctx); err != nil {
			return Status{Healthy: false, Detail: err.Error()}
		}
		return Status{Healthy: true}
	}
}

// Flag adapts a boolean probe to a Checker.
func Flag(ok func() bool, downDetail string) Checker {
	return func(context.Context) Status {
		if ok() {
			return Status{Healthy: true}
		}
		return Status{Healthy: false, Detail: downDetail}
	}
}
