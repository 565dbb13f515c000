package audit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mbd888/sentinel/internal/circuitbreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLedger struct {
	mu    sync.Mutex
	err   error
	delay time.Duration
	calls atomic.Int32
	next  uint64

	// unconfirmed makes Submit report a sent but unconfirmed entry
	unconfirmed bool
	confirmErr  error
	confirms    atomic.Int32
}

func (l *fakeLedger) Submit(ctx context.Context, userID, _ string) (*Receipt, error) {
	l.calls.Add(1)
	if l.delay > 0 {
		select {
		case <-time.After(l.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	l.next++
	ref := "0xtx-" + userID
	if l.unconfirmed {
		return nil, &UnconfirmedError{Reference: ref, Err: errors.New("confirmation timed out")}
	}
	return &Receipt{Reference: ref, BlockNumber: 10 + l.next, LedgerID: l.next}, nil
}

func (l *fakeLedger) Confirm(_ context.Context, reference string) (*Receipt, error) {
	l.confirms.Add(1)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.confirmErr != nil {
		return nil, l.confirmErr
	}
	return &Receipt{Reference: reference, BlockNumber: 10 + l.next, LedgerID: l.next}, nil
}

func (l *fakeLedger) setConfirmErr(err error) {
	l.mu.Lock()
	l.confirmErr = err
	l.mu.Unlock()
}

func (l *fakeLedger) setErr(err error) {
	l.mu.Lock()
	l.err = err
	l.mu.Unlock()
}

var cycleAt = time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)

func newTestRecorder(store Store, ledger Ledger) *Recorder {
	return NewRecorder(store, ledger, nil, RecorderConfig{Timeout: time.Second, Window: time.Minute})
}

func TestDedupKey(t *testing.T) {
	a := DedupKey("u1", DefaultAttackType, cycleAt, time.Minute)
	b := DedupKey("u1", DefaultAttackType, cycleAt.Add(20*time.Second), time.Minute)
	c := DedupKey("u1", DefaultAttackType, cycleAt.Add(time.Minute), time.Minute)
	d := DedupKey("u2", DefaultAttackType, cycleAt, time.Minute)

	assert.Equal(t, a, b, "same window")
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a, d)
	assert.Len(t, a, 64)
}

func TestRecorder_Escalate(t *testing.T) {
	store := NewMemoryStore()
	rec := newTestRecorder(store, &fakeLedger{})

	r, err := rec.Escalate(context.Background(), "u1", cycleAt)
	require.NoError(t, err)
	assert.Equal(t, "0xtx-u1", r.Reference)
	assert.Equal(t, DefaultAttackType, r.AttackType)
	assert.Equal(t, int64(1), r.Sequence)

	list, err := rec.List(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestRecorder_DuplicateWindowSkipsLedger(t *testing.T) {
	ledger := &fakeLedger{}
	rec := newTestRecorder(NewMemoryStore(), ledger)

	first, err := rec.Escalate(context.Background(), "u1", cycleAt)
	require.NoError(t, err)

	again, err := rec.Escalate(context.Background(), "u1", cycleAt)
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.Equal(t, first.Reference, again.Reference)
	assert.Equal(t, int32(1), ledger.calls.Load())
}

func TestRecorder_SubmissionFailureWritesNothing(t *testing.T) {
	store := NewMemoryStore()
	ledger := &fakeLedger{err: errors.New("execution reverted")}
	rec := newTestRecorder(store, ledger)

	_, err := rec.Escalate(context.Background(), "u1", cycleAt)
	assert.ErrorIs(t, err, ErrSubmissionFailed)

	var subErr *SubmissionError
	require.ErrorAs(t, err, &subErr)
	assert.Equal(t, "u1", subErr.UserID)

	list, _ := store.List(context.Background(), 0)
	assert.Empty(t, list)
}

func TestRecorder_LedgerTimeout(t *testing.T) {
	ledger := &fakeLedger{delay: time.Second}
	rec := NewRecorder(NewMemoryStore(), ledger, nil, RecorderConfig{Timeout: 20 * time.Millisecond, Window: time.Minute})

	_, err := rec.Escalate(context.Background(), "u1", cycleAt)
	assert.ErrorIs(t, err, ErrSubmissionFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRecorder_StoreFailureKeepsConfirmedRecord(t *testing.T) {
	store := NewMemoryStore()
	ledger := &fakeLedger{}
	rec := newTestRecorder(store, ledger)

	store.failAppend = errors.New("connection reset")
	r, err := rec.Escalate(context.Background(), "u1", cycleAt)
	assert.ErrorIs(t, err, ErrStoreFailed)
	require.NotNil(t, r)
	assert.Equal(t, 1, rec.Unsaved())

	// Next cycle: the confirmed record is persisted without a second submission.
	store.failAppend = nil
	got, err := rec.Escalate(context.Background(), "u1", cycleAt.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, r.Reference, got.Reference)
	assert.Equal(t, int32(1), ledger.calls.Load())
	assert.Zero(t, rec.Unsaved())
}

func TestRecorder_UnconfirmedSubmissionIsConfirmedNotResent(t *testing.T) {
	store := NewMemoryStore()
	ledger := &fakeLedger{unconfirmed: true}
	rec := newTestRecorder(store, ledger)
	ctx := context.Background()

	_, err := rec.Escalate(ctx, "u1", cycleAt)
	assert.ErrorIs(t, err, ErrSubmissionFailed)
	assert.Equal(t, 1, rec.InFlight())

	// Still pending on the next cycle: wait again, send nothing new.
	ledger.setConfirmErr(&UnconfirmedError{Reference: "0xtx-u1", Err: errors.New("confirmation timed out")})
	_, err = rec.Escalate(ctx, "u1", cycleAt.Add(time.Minute))
	assert.ErrorIs(t, err, ErrSubmissionFailed)
	assert.Equal(t, 1, rec.InFlight())

	// Mined by the third cycle.
	ledger.setConfirmErr(nil)
	r, err := rec.Escalate(ctx, "u1", cycleAt.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "0xtx-u1", r.Reference)

	assert.Equal(t, int32(1), ledger.calls.Load(), "one submission for one crossing")
	assert.Equal(t, int32(2), ledger.confirms.Load())
	assert.Zero(t, rec.InFlight())
	list, _ := store.ListByUser(ctx, "u1", 0)
	assert.Len(t, list, 1)
}

func TestRecorder_RevertedUnconfirmedSubmissionIsResent(t *testing.T) {
	ledger := &fakeLedger{unconfirmed: true}
	rec := newTestRecorder(NewMemoryStore(), ledger)
	ctx := context.Background()

	_, err := rec.Escalate(ctx, "u1", cycleAt)
	require.Error(t, err)

	ledger.mu.Lock()
	ledger.unconfirmed = false
	ledger.confirmErr = errors.New("transaction reverted")
	ledger.mu.Unlock()

	r, err := rec.Escalate(ctx, "u1", cycleAt.Add(time.Minute))
	require.NoError(t, err)
	assert.NotNil(t, r)
	assert.Equal(t, int32(2), ledger.calls.Load())
	assert.Zero(t, rec.InFlight())
}

func TestRecorder_UnconfirmedSubmissionAbandoned(t *testing.T) {
	ledger := &fakeLedger{unconfirmed: true, confirmErr: &UnconfirmedError{Reference: "0xtx-u1", Err: errors.New("not mined")}}
	rec := newTestRecorder(NewMemoryStore(), ledger)

	for i := 0; i <= maxConfirmAttempts; i++ {
		_, err := rec.Escalate(context.Background(), "u1", cycleAt.Add(time.Duration(i)*time.Minute))
		require.Error(t, err)
	}
	assert.Equal(t, int32(maxConfirmAttempts), ledger.confirms.Load())
	assert.Equal(t, int32(1), ledger.calls.Load())
	assert.Zero(t, rec.InFlight())
}

func TestRecorder_Latest(t *testing.T) {
	rec := newTestRecorder(NewMemoryStore(), &fakeLedger{})
	ctx := context.Background()

	_, err := rec.Latest(ctx, "u1")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = rec.Escalate(ctx, "u1", cycleAt)
	require.NoError(t, err)
	second, err := rec.Escalate(ctx, "u1", cycleAt.Add(time.Minute))
	require.NoError(t, err)

	got, err := rec.Latest(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, second.Sequence, got.Sequence)
}

func TestRecorder_BreakerFailsFast(t *testing.T) {
	ledger := &fakeLedger{err: errors.New("dial tcp: connection refused")}
	rec := NewRecorder(NewMemoryStore(), ledger, circuitbreaker.New(2, time.Minute),
		RecorderConfig{Timeout: time.Second, Window: time.Minute})

	for i := 0; i < 3; i++ {
		_, err := rec.Escalate(context.Background(), "u1", cycleAt.Add(time.Duration(i)*time.Minute))
		assert.ErrorIs(t, err, ErrSubmissionFailed)
	}
	assert.Equal(t, int32(2), ledger.calls.Load())
	assert.False(t, rec.LedgerHealthy())

	var subErr *SubmissionError
	_, err := rec.Escalate(context.Background(), "u2", cycleAt)
	require.ErrorAs(t, err, &subErr)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
}

func TestRecorder_ConcurrentSameWindowRecordsOnce(t *testing.T) {
	store := NewMemoryStore()
	ledger := &fakeLedger{}
	rec := newTestRecorder(store, ledger)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = rec.Escalate(context.Background(), "u1", cycleAt)
		}()
	}
	wg.Wait()

	list, _ := store.ListByUser(context.Background(), "u1", 0)
	assert.Len(t, list, 1)
	assert.Equal(t, int32(1), ledger.calls.Load())
}

func TestMemoryStore_ListNewestFirst(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	for i, u := range []string{"a", "b", "a"} {
		require.NoError(t, s.Append(ctx, &Record{UserID: u, DedupKey: DedupKey(u, "x", cycleAt.Add(time.Duration(i)*time.Minute), time.Minute)}))
	}

	all, _ := s.List(ctx, 2)
	require.Len(t, all, 2)
	assert.Equal(t, int64(3), all[0].Sequence)

	mine, _ := s.ListByUser(ctx, "a", 0)
	require.Len(t, mine, 2)
	assert.Equal(t, int64(3), mine[0].Sequence)
	assert.Equal(t, int64(1), mine[1].Sequence)

	_, err := s.GetByDedupKey(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
