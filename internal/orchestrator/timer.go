package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Timer runs a cycle every interval.
type Timer struct {
	orch     *Orchestrator
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
	running  atomic.Bool
}

// NewTimer creates a timer and reports its liveness through orch.Status.
func NewTimer(orch *Orchestrator, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = time.Minute
	}
	t := &Timer{
		orch:     orch,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	orch.timerRunning = t.Running
	return t
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start runs the loop until ctx is done or Stop is called. Call in a goroutine,
// at most once.
func (t *Timer) Start(ctx context.Context) {
	t.started.Store(true)
	t.running.Store(true)
	defer close(t.done)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRun(ctx)
		}
	}
}

// Stop signals the timer to stop and waits for the loop to exit, including
// the cycle in progress if any. Cancel the context passed to Start first to
// cut that cycle short.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
	if t.started.Load() {
		<-t.done
	}
}

func (t *Timer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in cycle timer", "panic", fmt.Sprint(r))
		}
	}()

	_, err := t.orch.RunCycle(ctx, SourceSchedule)
	switch {
	case err == nil:
	case errors.Is(err, ErrBusy):
		t.logger.Debug("tick skipped, cycle already running")
	default:
		t.logger.Warn("scheduled cycle failed", "error", err)
	}
}
