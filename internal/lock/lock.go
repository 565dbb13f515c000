// Package lock provides the "one analysis cycle at a time" guard. A single
// replica uses an in-process gate; several replicas sharing a database
// coordinate through a Redis lease.
package lock

import (
	"context"

	"github.com/mbd888/sentinel/internal/syncutil"
)

// Locker hands out a single exclusive lease. TryLock never waits: ok is false
// when someone else holds the lease. On success the caller must call unlock.
type Locker interface {
	TryLock(ctx context.Context) (unlock func(), ok bool, err error)
}

// Local is an in-process Locker.
type Local struct {
	gate syncutil.Gate
}

var _ Locker = (*Local)(nil)

// NewLocal creates an in-process locker.
func NewLocal() *Local {
	return &Local{}
}

func (l *Local) TryLock(context.Context) (func(), bool, error) {
	if !l.gate.TryAcquire() {
		return nil, false, nil
	}
	return l.gate.Release, true, nil
}

// Held reports whether the lease is currently taken.
func (l *Local) Held() bool {
	return l.gate.Held()
}
