package syncutil

import "sync/atomic"

// Gate admits at most one holder. Acquisition never blocks: a second caller
// is told the gate is busy and must decide for itself whether to skip or
// report it.
type Gate struct {
	held atomic.Bool
}

// TryAcquire takes the gate if it is free.
func (g *Gate) TryAcquire() bool {
	return g.held.CompareAndSwap(false, true)
}

// Release frees the gate. Releasing a free gate is a no-op.
func (g *Gate) Release() {
	g.held.Store(false)
}

// Held reports whether someone currently holds the gate.
func (g *Gate) Held() bool {
	return g.held.Load()
}
