// Package orchestrator runs analysis cycles: it finds the active users,
// scores each one, raises escalations on rising edges and persists the new
// scores. Only one cycle runs at a time.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/sentinel/internal/activity"
	"github.com/mbd888/sentinel/internal/audit"
	"github.com/mbd888/sentinel/internal/lock"
	"github.com/mbd888/sentinel/internal/logging"
	"github.com/mbd888/sentinel/internal/scoring"
	"github.com/mbd888/sentinel/internal/syncutil"
	"github.com/mbd888/sentinel/internal/traces"
)

// ErrBusy is returned when a cycle is already in progress.
var ErrBusy = errors.New("orchestrator: cycle already running")

// Escalator records a confirmed escalation. audit.Recorder implements it.
// Latest returns the user's newest record or audit.ErrNotFound.
type Escalator interface {
	Escalate(ctx context.Context, userID string, cycleAt time.Time) (*audit.Record, error)
	Latest(ctx context.Context, userID string) (*audit.Record, error)
}

// Notifier is told about escalations and finished cycles.
type Notifier interface {
	EscalationRecorded(rec *audit.Record, score float64)
	CycleCompleted(s *Summary)
}

// Config tunes cycle behaviour.
type Config struct {
	Params         scoring.Params
	ShortWindow    time.Duration
	ActiveLookback time.Duration
	Concurrency    int
	// KeepResults caps how many per-user results the last summary retains.
	KeepResults int
}

// DefaultConfig returns the standard windows and parameters.
func DefaultConfig() Config {
	return Config{
		Params:         scoring.DefaultParams(),
		ShortWindow:    5 * time.Minute,
		ActiveLookback: 24 * time.Hour,
		Concurrency:    8,
		KeepResults:    500,
	}
}

// Orchestrator owns the cycle state machine.
type Orchestrator struct {
	store     activity.Store
	oracle    scoring.SimilarityOracle
	escalator Escalator
	cfg       Config
	logger    *slog.Logger
	locker    lock.Locker
	notifier  Notifier
	now       func() time.Time

	gate   syncutil.Gate
	userMu *syncutil.ContextShardedMutex

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu           sync.RWMutex
	currentCycle string
	last         *Summary

	cyclesRun    atomic.Int64
	skippedTicks atomic.Int64
	escalations  atomic.Int64
	timerRunning func() bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLocker adds a distributed lock held for the duration of each cycle.
func WithLocker(l lock.Locker) Option {
	return func(o *Orchestrator) { o.locker = l }
}

// WithNotifier registers a listener for escalations and cycle summaries.
func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an orchestrator. Call Close to wait for background cycles.
func New(store activity.Store, oracle scoring.SimilarityOracle, escalator Escalator, cfg Config, logger *slog.Logger, opts ...Option) *Orchestrator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.ShortWindow <= 0 {
		cfg.ShortWindow = 5 * time.Minute
	}
	if cfg.ActiveLookback <= 0 {
		cfg.ActiveLookback = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		store:     store,
		oracle:    oracle,
		escalator: escalator,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		userMu:    syncutil.NewContextShardedMutex(),
		baseCtx:   ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Close cancels in-flight cycles and waits for them to return.
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
}

// acquire takes the in-process gate and, if configured, the distributed lock.
func (o *Orchestrator) acquire(ctx context.Context) (func(), error) {
	if !o.gate.TryAcquire() {
		return nil, ErrBusy
	}
	if o.locker == nil {
		return o.gate.Release, nil
	}

	unlock, ok, err := o.locker.TryLock(ctx)
	if err != nil {
		o.gate.Release()
		return nil, fmt.Errorf("failed to acquire cycle lock: %w", err)
	}
	if !ok {
		o.gate.Release()
		return nil, ErrBusy
	}
	return func() {
		unlock()
		o.gate.Release()
	}, nil
}

// Trigger starts a cycle in the background and returns at once. The cycle
// runs on the orchestrator's own context, not ctx, so it outlives the request
// that triggered it.
func (o *Orchestrator) Trigger(ctx context.Context, source Source) (Ack, error) {
	release, err := o.acquire(ctx)
	if err != nil {
		if errors.Is(err, ErrBusy) {
			cycleSkipped.WithLabelValues(string(source)).Inc()
			return Ack{Status: AckBusy}, err
		}
		return Ack{}, err
	}

	id := uuid.NewString()
	o.setCurrent(id)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer release()
		defer func() {
			if r := recover(); r != nil {
				o.logger.Error("panic in analysis cycle", "cycle_id", id, "panic", fmt.Sprint(r))
				o.setCurrent("")
			}
		}()
		_, _ = o.run(o.baseCtx, id, source)
	}()

	return Ack{Status: AckAccepted, CycleID: id}, nil
}

// RunCycle runs one cycle synchronously. It returns ErrBusy without doing
// anything when another cycle holds the gate.
func (o *Orchestrator) RunCycle(ctx context.Context, source Source) (*Summary, error) {
	release, err := o.acquire(ctx)
	if err != nil {
		if errors.Is(err, ErrBusy) {
			cycleSkipped.WithLabelValues(string(source)).Inc()
			if source == SourceSchedule {
				o.skippedTicks.Add(1)
			}
		}
		return nil, err
	}
	defer release()

	id := uuid.NewString()
	o.setCurrent(id)
	return o.run(ctx, id, source)
}

func (o *Orchestrator) setCurrent(id string) {
	o.mu.Lock()
	o.currentCycle = id
	o.mu.Unlock()
	if id == "" {
		cycleRunning.Set(0)
	} else {
		cycleRunning.Set(1)
	}
}

// run executes one cycle. Caller holds the gate.
func (o *Orchestrator) run(ctx context.Context, id string, source Source) (*Summary, error) {
	defer o.setCurrent("")

	// One timestamp for the whole cycle: both windows and the dedup key use it.
	now := o.now()
	sum := &Summary{CycleID: id, Source: source, StartedAt: now}

	ctx = logging.WithCycleID(ctx, id)
	ctx, span := traces.StartSpan(ctx, "cycle.run", traces.CycleID(id))
	defer span.End()
	log := logging.L(ctx).With("source", source)

	users, err := o.store.ActiveUsers(ctx, now.Add(-o.cfg.ActiveLookback))
	if err != nil {
		err = fmt.Errorf("failed to list active users: %w", err)
		sum.Error = err.Error()
		o.finish(sum, log, err)
		traces.RecordError(span, err)
		return sum, err
	}

	results := make([]Result, len(users))
	var g errgroup.Group
	g.SetLimit(o.cfg.Concurrency)
	for i, userID := range users {
		g.Go(func() error {
			results[i] = o.evaluate(ctx, userID, now)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		sum.add(r)
		userOutcomes.WithLabelValues(string(r.Outcome), string(r.Kind)).Inc()
		if r.Outcome == OutcomeFailed || r.Outcome == OutcomeEscalationFailed {
			log.Warn("user evaluation incomplete",
				"user_id", r.UserID, "outcome", r.Outcome, "kind", r.Kind, "error", r.Error)
		}
	}
	if o.cfg.KeepResults > 0 && len(results) > o.cfg.KeepResults {
		results = results[:o.cfg.KeepResults]
	}
	sum.Results = results

	span.SetAttributes(traces.Count("users", sum.UsersEvaluated), traces.Count("escalations", sum.Escalations))
	o.finish(sum, log, nil)
	return sum, nil
}

func (o *Orchestrator) finish(sum *Summary, log *slog.Logger, err error) {
	sum.FinishedAt = o.now()
	elapsed := sum.FinishedAt.Sub(sum.StartedAt)

	o.cyclesRun.Add(1)
	o.escalations.Add(int64(sum.Escalations))
	cycleDuration.Observe(elapsed.Seconds())

	result := "ok"
	if err != nil {
		result = "error"
		log.Error("cycle failed", "error", err, "duration", elapsed)
	} else {
		lastSuccess.Set(float64(sum.FinishedAt.Unix()))
		log.Info("cycle completed",
			"users", sum.UsersEvaluated,
			"escalations", sum.Escalations,
			"escalation_failures", sum.EscalationFailures,
			"failures", sum.Failures,
			"skipped_events", sum.SkippedEvents,
			"duration", elapsed,
		)
	}
	cyclesTotal.WithLabelValues(string(sum.Source), result).Inc()

	o.mu.Lock()
	o.last = sum
	o.mu.Unlock()

	if o.notifier != nil {
		o.notifier.CycleCompleted(sum)
	}
}

// evaluate scores one user and persists the result. It never returns an
// error: every failure is reported in the Result.
func (o *Orchestrator) evaluate(ctx context.Context, userID string, now time.Time) Result {
	res := Result{UserID: userID}
	fail := func(kind FailureKind, err error) Result {
		res.Outcome, res.Kind, res.Error = OutcomeFailed, kind, err.Error()
		return res
	}

	ctx, span := traces.StartSpan(ctx, "cycle.evaluate_user", traces.UserID(userID))
	defer func() {
		span.SetAttributes(traces.Outcome(string(res.Outcome)))
		span.End()
	}()

	unlock, err := o.userMu.LockContext(ctx, userID)
	if err != nil {
		return fail(KindCanceled, err)
	}
	defer unlock()

	prof, err := o.store.GetProfile(ctx, userID)
	switch {
	case errors.Is(err, activity.ErrProfileNotFound):
		prof = &activity.Profile{UserID: userID}
	case err != nil:
		return fail(KindStore, err)
	}
	res.OldScore, res.NewScore = prof.Score, prof.Score

	events, err := o.store.RecentEvents(ctx, userID, now.Add(-o.cfg.ShortWindow), now)
	if err != nil {
		return fail(KindStore, err)
	}
	prompts := make([]string, 0, len(events))
	for _, ev := range events {
		if ev.Validate() != nil {
			res.SkippedEvents++
			continue
		}
		prompts = append(prompts, ev.Prompt)
	}
	res.Events = len(prompts)

	p := o.cfg.Params
	next := p.NextScore(prof.Score, nil)
	if len(prompts) > 0 {
		snap, err := p.Evaluate(ctx, o.oracle, prompts)
		if err != nil {
			// score stays as it was; nothing is written
			return fail(KindOracle, err)
		}
		next = p.NextScore(prof.Score, &snap)
	}
	res.NewScore = next

	// A pending profile failed to escalate last time; treat it as below
	// threshold so the edge fires again.
	effectiveOld := prof.Score
	if prof.PendingEscalation {
		effectiveOld = 0
	}

	updated := *prof
	updated.Score = next
	updated.LastSeen = now
	updated.PendingEscalation = false
	res.Outcome = OutcomeUpdated

	// An escalation newer than the profile's means the last score write
	// failed after the escalation landed. That edge is already recorded.
	latest, err := o.escalator.Latest(ctx, userID)
	switch {
	case err == nil && latest.OccurredAt.After(prof.LastEscalatedAt):
		if p.ShouldEscalate(effectiveOld, next) {
			res.Outcome, res.Record = OutcomeDuplicate, latest
		}
		updated.LastEscalatedAt = latest.OccurredAt
		effectiveOld = math.Max(prof.Score, p.Threshold)
	case err != nil && !errors.Is(err, audit.ErrNotFound):
		return fail(KindStore, err)
	}

	if p.ShouldEscalate(effectiveOld, next) {
		rec, err := o.escalator.Escalate(ctx, userID, now)
		switch {
		case err == nil:
			res.Outcome, res.Record = OutcomeEscalated, rec
			updated.LastEscalatedAt = rec.OccurredAt
		case errors.Is(err, audit.ErrDuplicate):
			res.Outcome, res.Record = OutcomeDuplicate, rec
			if rec != nil {
				updated.LastEscalatedAt = rec.OccurredAt
			}
		default:
			res.Outcome, res.Error = OutcomeEscalationFailed, err.Error()
			res.Kind = KindLedger
			if errors.Is(err, audit.ErrStoreFailed) {
				res.Kind = KindStore
			}
			updated.PendingEscalation = true
		}
	}

	if err := o.store.CompareAndSwap(ctx, &updated, prof.Version); err != nil {
		kind := KindStore
		if errors.Is(err, activity.ErrVersionConflict) {
			kind = KindConflict
		}
		return fail(kind, err)
	}

	if res.Outcome == OutcomeEscalated && o.notifier != nil {
		o.notifier.EscalationRecorded(res.Record, next)
	}
	return res
}

// ResetUser sets a user's score back to zero out of band. It shares the
// per-user lock with cycle evaluation.
func (o *Orchestrator) ResetUser(ctx context.Context, userID string) (*activity.Profile, error) {
	unlock, err := o.userMu.LockContext(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	prof, err := o.store.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	expected := prof.Version
	prof.Score = 0
	prof.PendingEscalation = false
	if err := o.store.CompareAndSwap(ctx, prof, expected); err != nil {
		return nil, err
	}
	logging.L(ctx).Info("user score reset", "user_id", userID)
	return prof, nil
}

// Status returns the current state and the last cycle summary.
func (o *Orchestrator) Status() Status {
	o.mu.RLock()
	defer o.mu.RUnlock()

	st := Status{
		State:          StateIdle,
		CurrentCycleID: o.currentCycle,
		CyclesRun:      o.cyclesRun.Load(),
		SkippedTicks:   o.skippedTicks.Load(),
		Escalations:    o.escalations.Load(),
		LastCycle:      o.last,
	}
	if o.gate.Held() {
		st.State = StateRunning
	}
	if o.timerRunning != nil {
		st.TimerRunning = o.timerRunning()
	}
	return st
}

// Busy reports whether a cycle is in progress in this process.
func (o *Orchestrator) Busy() bool {
	return o.gate.Held()
}
