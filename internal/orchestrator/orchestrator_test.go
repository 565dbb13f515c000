package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/mbd888/sentinel/internal/activity"
	"github.com/mbd888/sentinel/internal/audit"
	"github.com/mbd888/sentinel/internal/similarity"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeLedger struct {
	mu      sync.Mutex
	failFor map[string]bool
	calls   int
}

func (l *fakeLedger) Submit(_ context.Context, userID, _ string) (*audit.Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.failFor[userID] {
		return nil, errors.New("execution reverted")
	}
	return &audit.Receipt{Reference: fmt.Sprintf("0x%04d", l.calls), BlockNumber: uint64(l.calls), LedgerID: uint64(l.calls)}, nil
}

func (l *fakeLedger) Confirm(_ context.Context, reference string) (*audit.Receipt, error) {
	return &audit.Receipt{Reference: reference}, nil
}

func (l *fakeLedger) setFail(userID string, fail bool) {
	l.mu.Lock()
	l.failFor[userID] = fail
	l.mu.Unlock()
}

type recordingNotifier struct {
	mu          sync.Mutex
	escalations []string
	cycles      int
}

func (n *recordingNotifier) EscalationRecorded(rec *audit.Record, _ float64) {
	n.mu.Lock()
	n.escalations = append(n.escalations, rec.UserID)
	n.mu.Unlock()
}

func (n *recordingNotifier) CycleCompleted(*Summary) {
	n.mu.Lock()
	n.cycles++
	n.mu.Unlock()
}

type harness struct {
	store    *activity.MemoryStore
	oracle   *similarity.StaticOracle
	ledger   *fakeLedger
	audit    *audit.MemoryStore
	recorder *audit.Recorder
	clock    *clock
	notifier *recordingNotifier
	orch     *Orchestrator
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		store:    activity.NewMemoryStore(),
		oracle:   similarity.NewStaticOracle(1.0),
		ledger:   &fakeLedger{failFor: map[string]bool{}},
		audit:    audit.NewMemoryStore(),
		clock:    &clock{now: t0},
		notifier: &recordingNotifier{},
	}
	h.recorder = audit.NewRecorder(h.audit, h.ledger, nil, audit.RecorderConfig{Timeout: time.Second, Window: time.Minute})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts = append([]Option{WithClock(h.clock.Now), WithNotifier(h.notifier)}, opts...)
	h.orch = New(h.store, h.oracle, h.recorder, DefaultConfig(), logger, opts...)
	t.Cleanup(h.orch.Close)
	return h
}

// burst writes n prompts for userID spread over the minute before now.
func (h *harness) burst(t *testing.T, userID string, n int) {
	t.Helper()
	now := h.clock.Now()
	for i := 0; i < n; i++ {
		require.NoError(t, h.store.AppendEvent(context.Background(), activity.QueryEvent{
			UserID:    userID,
			Prompt:    fmt.Sprintf("list all customer records page %d", i),
			Timestamp: now.Add(-time.Duration(i+1) * time.Second),
		}))
	}
}

func (h *harness) profile(t *testing.T, userID string) *activity.Profile {
	t.Helper()
	p, err := h.store.GetProfile(context.Background(), userID)
	require.NoError(t, err)
	return p
}

func resultFor(s *Summary, userID string) Result {
	for _, r := range s.Results {
		if r.UserID == userID {
			return r
		}
	}
	return Result{}
}

func TestRunCycle_EscalatesOnRisingEdge(t *testing.T) {
	h := newHarness(t)
	h.burst(t, "attacker", 50)
	h.burst(t, "normal", 2)

	sum, err := h.orch.RunCycle(context.Background(), SourceManual)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.UsersEvaluated)
	assert.Equal(t, 1, sum.Escalations)
	assert.Equal(t, t0, sum.StartedAt)

	r := resultFor(sum, "attacker")
	assert.Equal(t, OutcomeEscalated, r.Outcome)
	assert.Equal(t, 1.0, r.NewScore)
	require.NotNil(t, r.Record)

	p := h.profile(t, "attacker")
	assert.Equal(t, 1.0, p.Score)
	assert.False(t, p.PendingEscalation)
	assert.False(t, p.LastEscalatedAt.IsZero())

	normal := resultFor(sum, "normal")
	assert.Equal(t, OutcomeUpdated, normal.Outcome)
	assert.Equal(t, 0.024, normal.NewScore, "velocity 2/50, too few prompts for similarity")

	assert.Equal(t, []string{"attacker"}, h.notifier.escalations)
	assert.Equal(t, 1, h.notifier.cycles)
}

func TestRunCycle_NoSecondEscalationWhileAboveThreshold(t *testing.T) {
	h := newHarness(t)
	h.burst(t, "attacker", 50)

	_, err := h.orch.RunCycle(context.Background(), SourceManual)
	require.NoError(t, err)

	h.clock.Advance(time.Minute)
	sum, err := h.orch.RunCycle(context.Background(), SourceManual)
	require.NoError(t, err)

	assert.Equal(t, OutcomeUpdated, resultFor(sum, "attacker").Outcome)
	assert.Equal(t, 1, h.ledger.calls)
}

func TestRunCycle_LedgerFailureIsolatedPerUser(t *testing.T) {
	h := newHarness(t)
	h.ledger.setFail("a", true)
	h.burst(t, "a", 50)
	h.burst(t, "b", 50)

	sum, err := h.orch.RunCycle(context.Background(), SourceManual)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Escalations)
	assert.Equal(t, 1, sum.EscalationFailures)

	a := resultFor(sum, "a")
	assert.Equal(t, OutcomeEscalationFailed, a.Outcome)
	assert.Equal(t, KindLedger, a.Kind)
	assert.Equal(t, OutcomeEscalated, resultFor(sum, "b").Outcome)

	// The score is still written, flagged for another attempt.
	pa := h.profile(t, "a")
	assert.Equal(t, 1.0, pa.Score)
	assert.True(t, pa.PendingEscalation)
}

func TestRunCycle_FailedEscalationRetriedNextCycle(t *testing.T) {
	h := newHarness(t)
	h.ledger.setFail("a", true)
	h.burst(t, "a", 50)

	_, err := h.orch.RunCycle(context.Background(), SourceManual)
	require.NoError(t, err)

	h.ledger.setFail("a", false)
	h.clock.Advance(time.Minute)
	sum, err := h.orch.RunCycle(context.Background(), SourceManual)
	require.NoError(t, err)

	assert.Equal(t, OutcomeEscalated, resultFor(sum, "a").Outcome)
	assert.False(t, h.profile(t, "a").PendingEscalation)

	recs, _ := h.audit.ListByUser(context.Background(), "a", 0)
	assert.Len(t, recs, 1)
}

func TestRunCycle_ReEscalatesAfterFallingBelowThreshold(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.CompareAndSwap(context.Background(), &activity.Profile{UserID: "a", Score: 0.864}, 0))
	h.burst(t, "a", 50)

	sum, err := h.orch.RunCycle(context.Background(), SourceManual)
	require.NoError(t, err)
	assert.Equal(t, OutcomeEscalated, resultFor(sum, "a").Outcome)
}

func TestRunCycle_DuplicateWindowClearsPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.CompareAndSwap(ctx, &activity.Profile{UserID: "a", Score: 1, PendingEscalation: true}, 0))
	require.NoError(t, h.audit.Append(ctx, &audit.Record{
		UserID:     "a",
		AttackType: audit.DefaultAttackType,
		OccurredAt: t0,
		DedupKey:   audit.DedupKey("a", audit.DefaultAttackType, t0, time.Minute),
	}))
	h.burst(t, "a", 50)

	sum, err := h.orch.RunCycle(ctx, SourceManual)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, resultFor(sum, "a").Outcome)
	assert.False(t, h.profile(t, "a").PendingEscalation)
	assert.Zero(t, h.ledger.calls)
}

func TestRunCycle_OracleFailureLeavesScore(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.CompareAndSwap(ctx, &activity.Profile{UserID: "a", Score: 0.5}, 0))
	h.burst(t, "a", 10)
	h.oracle.Set(0, similarity.ErrUnavailable)

	sum, err := h.orch.RunCycle(ctx, SourceManual)
	require.NoError(t, err)

	r := resultFor(sum, "a")
	assert.Equal(t, OutcomeFailed, r.Outcome)
	assert.Equal(t, KindOracle, r.Kind)
	p := h.profile(t, "a")
	assert.Equal(t, 0.5, p.Score)
	assert.Equal(t, int64(1), p.Version, "nothing written")
}

func TestRunCycle_IdleUserDecays(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.CompareAndSwap(ctx, &activity.Profile{UserID: "idle", Score: 0.5}, 0))

	sum, err := h.orch.RunCycle(ctx, SourceSchedule)
	require.NoError(t, err)
	assert.Equal(t, 0.45, resultFor(sum, "idle").NewScore)
	assert.Equal(t, 0.45, h.profile(t, "idle").Score)
	assert.Zero(t, h.oracle.Calls(), "no prompts, no oracle call")
}

func TestRunCycle_SkipsInvalidEvents(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.burst(t, "a", 3)
	require.NoError(t, h.store.AppendEvent(ctx, activity.QueryEvent{UserID: "a", Prompt: "  ", Timestamp: t0.Add(-time.Second)}))

	sum, err := h.orch.RunCycle(ctx, SourceManual)
	require.NoError(t, err)

	r := resultFor(sum, "a")
	assert.Equal(t, OutcomeUpdated, r.Outcome)
	assert.Equal(t, 3, r.Events)
	assert.Equal(t, 1, r.SkippedEvents)
	assert.Equal(t, 1, sum.SkippedEvents)
}

type conflictingStore struct {
	*activity.MemoryStore
}

func (conflictingStore) CompareAndSwap(context.Context, *activity.Profile, int64) error {
	return activity.ErrVersionConflict
}

func TestRunCycle_VersionConflictReported(t *testing.T) {
	mem := activity.NewMemoryStore()
	require.NoError(t, mem.AppendEvent(context.Background(), activity.QueryEvent{UserID: "a", Prompt: "hi", Timestamp: t0.Add(-time.Second)}))

	rec := audit.NewRecorder(audit.NewMemoryStore(), &fakeLedger{failFor: map[string]bool{}}, nil, audit.RecorderConfig{Window: time.Minute})
	o := New(conflictingStore{mem}, similarity.NewStaticOracle(0), rec, DefaultConfig(), nil, WithClock(func() time.Time { return t0 }))
	defer o.Close()

	sum, err := o.RunCycle(context.Background(), SourceManual)
	require.NoError(t, err)
	r := resultFor(sum, "a")
	assert.Equal(t, OutcomeFailed, r.Outcome)
	assert.Equal(t, KindConflict, r.Kind)
	assert.Equal(t, 1, sum.Failures)
}

// flakyStore fails the next n profile writes.
type flakyStore struct {
	*activity.MemoryStore
	mu       sync.Mutex
	failures int
}

func (s *flakyStore) CompareAndSwap(ctx context.Context, p *activity.Profile, expected int64) error {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return errors.New("connection reset by peer")
	}
	s.mu.Unlock()
	return s.MemoryStore.CompareAndSwap(ctx, p, expected)
}

func TestRunCycle_ScoreWriteFailureAfterEscalationDoesNotReEscalate(t *testing.T) {
	h := newHarness(t)
	store := &flakyStore{MemoryStore: h.store, failures: 1}
	o := New(store, h.oracle, h.recorder, DefaultConfig(), nil, WithClock(h.clock.Now))
	defer o.Close()
	ctx := context.Background()

	h.burst(t, "a", 50)
	sum, err := o.RunCycle(ctx, SourceManual)
	require.NoError(t, err)
	r := resultFor(sum, "a")
	assert.Equal(t, OutcomeFailed, r.Outcome)
	assert.Equal(t, KindStore, r.Kind)

	// The escalation landed, the score did not: stored score is still zero.
	_, err = h.store.GetProfile(ctx, "a")
	assert.ErrorIs(t, err, activity.ErrProfileNotFound)

	h.clock.Advance(time.Minute)
	h.burst(t, "a", 50)
	sum, err = o.RunCycle(ctx, SourceManual)
	require.NoError(t, err)
	r = resultFor(sum, "a")
	assert.Equal(t, OutcomeDuplicate, r.Outcome)
	require.NotNil(t, r.Record)

	assert.Equal(t, 1, h.ledger.calls, "one ledger entry for one crossing")
	recs, _ := h.audit.ListByUser(ctx, "a", 0)
	assert.Len(t, recs, 1)

	p := h.profile(t, "a")
	assert.Equal(t, 1.0, p.Score)
	assert.Equal(t, recs[0].OccurredAt, p.LastEscalatedAt)
	assert.False(t, p.PendingEscalation)

	// A real drop below threshold re-arms the edge.
	require.NoError(t, h.store.CompareAndSwap(ctx, &activity.Profile{
		UserID: "a", Score: 0.5, LastEscalatedAt: p.LastEscalatedAt,
	}, p.Version))
	h.clock.Advance(time.Minute)
	h.burst(t, "a", 50)
	sum, err = o.RunCycle(ctx, SourceManual)
	require.NoError(t, err)
	assert.Equal(t, OutcomeEscalated, resultFor(sum, "a").Outcome)
	assert.Equal(t, 2, h.ledger.calls)
}

// blockingOracle holds every Matrix call until release is closed.
type blockingOracle struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingOracle) Matrix(ctx context.Context, texts []string) ([][]float64, error) {
	b.once.Do(func() { close(b.entered) })
	select {
	case <-b.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return similarity.NewStaticOracle(0).Matrix(ctx, texts)
}

func TestTrigger_RejectsWhileRunning(t *testing.T) {
	store := activity.NewMemoryStore()
	for i := 0; i < 5; i++ {
		require.NoError(t, store.AppendEvent(context.Background(), activity.QueryEvent{UserID: "a", Prompt: "hi", Timestamp: t0.Add(-time.Second)}))
	}
	oracle := &blockingOracle{entered: make(chan struct{}), release: make(chan struct{})}
	rec := audit.NewRecorder(audit.NewMemoryStore(), &fakeLedger{failFor: map[string]bool{}}, nil, audit.RecorderConfig{Window: time.Minute})

	o := New(store, oracle, rec, DefaultConfig(), nil, WithClock(func() time.Time { return t0 }))
	defer o.Close()

	ack, err := o.Trigger(context.Background(), SourceManual)
	require.NoError(t, err)
	assert.Equal(t, AckAccepted, ack.Status)
	assert.NotEmpty(t, ack.CycleID)

	<-oracle.entered
	assert.Equal(t, StateRunning, o.Status().State)
	assert.Equal(t, ack.CycleID, o.Status().CurrentCycleID)

	busy, err := o.Trigger(context.Background(), SourceManual)
	assert.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, AckBusy, busy.Status)

	_, err = o.RunCycle(context.Background(), SourceSchedule)
	assert.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, int64(1), o.Status().SkippedTicks)

	close(oracle.release)
	require.Eventually(t, func() bool { return o.Status().State == StateIdle && o.Status().LastCycle != nil }, time.Second, 5*time.Millisecond)
	assert.Equal(t, ack.CycleID, o.Status().LastCycle.CycleID)
}

type refusingLocker struct{}

func (refusingLocker) TryLock(context.Context) (func(), bool, error) { return nil, false, nil }

func TestRunCycle_DistributedLockHeldElsewhere(t *testing.T) {
	h := newHarness(t, WithLocker(refusingLocker{}))

	_, err := h.orch.RunCycle(context.Background(), SourceSchedule)
	assert.ErrorIs(t, err, ErrBusy)
	assert.False(t, h.orch.Busy(), "local gate released after refusal")
}

func TestResetUser(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.CompareAndSwap(ctx, &activity.Profile{UserID: "a", Score: 0.97, PendingEscalation: true}, 0))

	p, err := h.orch.ResetUser(ctx, "a")
	require.NoError(t, err)
	assert.Zero(t, p.Score)
	assert.False(t, p.PendingEscalation)
	assert.Equal(t, int64(2), p.Version)

	_, err = h.orch.ResetUser(ctx, "ghost")
	assert.ErrorIs(t, err, activity.ErrProfileNotFound)
}

func TestRunCycle_ConcurrentResetNoLostUpdate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.CompareAndSwap(ctx, &activity.Profile{UserID: "a", Score: 0.5}, 0))
	h.burst(t, "a", 5)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = h.orch.RunCycle(ctx, SourceManual)
	}()
	go func() {
		defer wg.Done()
		_, _ = h.orch.ResetUser(ctx, "a")
	}()
	wg.Wait()

	// Both writers went through the per-user lock, so each saw the other's version.
	assert.Equal(t, int64(3), h.profile(t, "a").Version)
}

func TestTimer_RunsCyclesUntilStopped(t *testing.T) {
	h := newHarness(t)
	timer := NewTimer(h.orch, 10*time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))

	done := make(chan struct{})
	go func() {
		timer.Start(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool { return h.orch.Status().CyclesRun >= 2 }, time.Second, 5*time.Millisecond)
	assert.True(t, h.orch.Status().TimerRunning)

	timer.Stop()
	timer.Stop()
	<-done
	assert.False(t, timer.Running())
}

func TestTimer_StopWaitsForCycleInProgress(t *testing.T) {
	store := activity.NewMemoryStore()
	for i := 0; i < 5; i++ {
		require.NoError(t, store.AppendEvent(context.Background(), activity.QueryEvent{UserID: "a", Prompt: "hi", Timestamp: t0.Add(-time.Second)}))
	}
	oracle := &blockingOracle{entered: make(chan struct{}), release: make(chan struct{})}
	rec := audit.NewRecorder(audit.NewMemoryStore(), &fakeLedger{failFor: map[string]bool{}}, nil, audit.RecorderConfig{Window: time.Minute})
	o := New(store, oracle, rec, DefaultConfig(), nil, WithClock(func() time.Time { return t0 }))
	defer o.Close()

	timer := NewTimer(o, 5*time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))
	go timer.Start(context.Background())
	<-oracle.entered

	stopped := make(chan struct{})
	go func() {
		timer.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a cycle was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(oracle.release)
	<-stopped
	assert.NotNil(t, o.Status().LastCycle)
	assert.False(t, timer.Running())
}

func TestTimer_StopBeforeStartDoesNotBlock(t *testing.T) {
	h := newHarness(t)
	timer := NewTimer(h.orch, time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))
	timer.Stop()
	assert.False(t, timer.Running())
}
