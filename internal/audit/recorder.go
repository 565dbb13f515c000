package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mbd888/sentinel/internal/circuitbreaker"
	"github.com/mbd888/sentinel/internal/logging"
	"github.com/mbd888/sentinel/internal/syncutil"
	"github.com/mbd888/sentinel/internal/traces"
)

const ledgerBreakerKey = "ledger"

// maxConfirmAttempts bounds how many Escalate calls wait on one unconfirmed
// submission before it is abandoned.
const maxConfirmAttempts = 5

type pendingTx struct {
	reference string
	attempts  int
}

// RecorderConfig tunes a Recorder.
type RecorderConfig struct {
	AttackType string
	// Timeout bounds one ledger submission including confirmation.
	Timeout time.Duration
	// Window is the cycle interval; escalations of one user inside the
	// same window share a dedup key.
	Window time.Duration
}

// Recorder writes escalations to the ledger and then the threat log.
//
// The ledger is authoritative: once a submission is confirmed it is never
// resubmitted, and a submission that was sent but not confirmed is waited on
// again by the next call instead of being sent twice. If the local append fails afterwards the confirmed record is
// kept in memory and written on the next Escalate call for the same user.
type Recorder struct {
	store   Store
	ledger  Ledger
	breaker *circuitbreaker.Breaker
	cfg     RecorderConfig
	now     func() time.Time
	userMu  *syncutil.ContextShardedMutex

	mu       sync.Mutex
	unsaved  map[string]*Record    // userID|attackType → confirmed but not persisted
	inflight map[string]*pendingTx // userID|attackType → sent but not confirmed
}

// NewRecorder creates a recorder. breaker may be nil.
func NewRecorder(store Store, ledger Ledger, breaker *circuitbreaker.Breaker, cfg RecorderConfig) *Recorder {
	if cfg.AttackType == "" {
		cfg.AttackType = DefaultAttackType
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Recorder{
		store:    store,
		ledger:   ledger,
		breaker:  breaker,
		cfg:      cfg,
		now:      time.Now,
		userMu:   syncutil.NewContextShardedMutex(),
		unsaved:  make(map[string]*Record),
		inflight: make(map[string]*pendingTx),
	}
}

// AttackType returns the label attached to escalations.
func (r *Recorder) AttackType() string { return r.cfg.AttackType }

// Escalate records one escalation of userID for the cycle at cycleAt.
//
// It returns ErrDuplicate (with the existing record) when this window was
// already recorded, a *SubmissionError when the ledger did not confirm, and
// an error wrapping ErrStoreFailed when the ledger confirmed but the local
// append did not. Only a nil error means the record is durable in both places.
func (r *Recorder) Escalate(ctx context.Context, userID string, cycleAt time.Time) (*Record, error) {
	ctx, span := traces.StartSpan(ctx, "audit.escalate", traces.UserID(userID))
	defer span.End()

	// the dedup check and the submission must not interleave for one user
	unlock, err := r.userMu.LockContext(ctx, userID)
	if err != nil {
		return nil, &SubmissionError{UserID: userID, Err: err}
	}
	defer unlock()

	key := DedupKey(userID, r.cfg.AttackType, cycleAt, r.cfg.Window)

	existing, err := r.store.GetByDedupKey(ctx, key)
	switch {
	case err == nil:
		escalationsTotal.WithLabelValues("duplicate").Inc()
		return existing, ErrDuplicate
	case !errors.Is(err, ErrNotFound):
		err = fmt.Errorf("%w: %w", ErrStoreFailed, err)
		traces.RecordError(span, err)
		return nil, err
	}

	if rec := r.takeUnsaved(userID); rec != nil {
		return r.persist(ctx, rec, "recovered")
	}

	result := "recorded"
	rcpt, err := r.confirmInFlight(ctx, userID)
	if err != nil {
		escalationsTotal.WithLabelValues("unconfirmed").Inc()
		err = &SubmissionError{UserID: userID, Err: err}
		traces.RecordError(span, err)
		return nil, err
	}
	if rcpt != nil {
		result = "confirmed"
	} else {
		rcpt, err = r.callLedger(ctx, func(ctx context.Context) (*Receipt, error) {
			return r.ledger.Submit(ctx, userID, r.cfg.AttackType)
		})
		if err != nil {
			var unconfirmed *UnconfirmedError
			if errors.As(err, &unconfirmed) && unconfirmed.Reference != "" {
				r.keepInFlight(userID, unconfirmed.Reference)
				logging.L(ctx).Warn("ledger submission sent but not confirmed",
					"user_id", userID, "tx_hash", unconfirmed.Reference, "error", unconfirmed.Err)
			}
			escalationsTotal.WithLabelValues("submission_failed").Inc()
			err = &SubmissionError{UserID: userID, Err: err}
			traces.RecordError(span, err)
			return nil, err
		}
	}

	rec := &Record{
		UserID:      userID,
		AttackType:  r.cfg.AttackType,
		OccurredAt:  r.now().UTC(),
		Reference:   rcpt.Reference,
		BlockNumber: rcpt.BlockNumber,
		LedgerID:    rcpt.LedgerID,
		DedupKey:    key,
	}
	span.SetAttributes(traces.TxHash(rec.Reference))
	return r.persist(ctx, rec, result)
}

// confirmInFlight waits again for a submission an earlier call left
// unconfirmed. A nil receipt with a nil error means nothing is in flight,
// or the earlier submission is known not to have landed and a fresh one may
// be sent.
func (r *Recorder) confirmInFlight(ctx context.Context, userID string) (*Receipt, error) {
	k := userID + "|" + r.cfg.AttackType

	r.mu.Lock()
	tx := r.inflight[k]
	r.mu.Unlock()
	if tx == nil {
		return nil, nil
	}

	rcpt, err := r.callLedger(ctx, func(ctx context.Context) (*Receipt, error) {
		return r.ledger.Confirm(ctx, tx.reference)
	})
	if err == nil {
		r.dropInFlight(k)
		return rcpt, nil
	}

	var unconfirmed *UnconfirmedError
	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		return nil, err
	case errors.As(err, &unconfirmed), errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		r.mu.Lock()
		tx.attempts++
		attempts := tx.attempts
		r.mu.Unlock()
		if attempts >= maxConfirmAttempts {
			r.dropInFlight(k)
			logging.L(ctx).Error("abandoning unconfirmed ledger submission",
				"user_id", userID, "tx_hash", tx.reference, "attempts", attempts, "error", err)
		}
		return nil, err
	}

	// the earlier submission did not land
	r.dropInFlight(k)
	logging.L(ctx).Warn("unconfirmed ledger submission failed, resubmitting",
		"user_id", userID, "tx_hash", tx.reference, "error", err)
	return nil, nil
}

func (r *Recorder) callLedger(ctx context.Context, fn func(context.Context) (*Receipt, error)) (*Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	start := time.Now()
	var rcpt *Receipt
	call := func() error {
		var err error
		rcpt, err = fn(ctx)
		return err
	}

	var err error
	if r.breaker != nil {
		err = r.breaker.Execute(ledgerBreakerKey, nil, call)
	} else {
		err = call()
	}
	if err != nil {
		return nil, err
	}
	ledgerLatency.Observe(time.Since(start).Seconds())
	return rcpt, nil
}

func (r *Recorder) persist(ctx context.Context, rec *Record, result string) (*Record, error) {
	err := r.store.Append(ctx, rec)
	switch {
	case err == nil:
		escalationsTotal.WithLabelValues(result).Inc()
		return rec, nil
	case errors.Is(err, ErrDuplicate):
		// a concurrent writer got there first
		escalationsTotal.WithLabelValues("duplicate").Inc()
		return rec, ErrDuplicate
	}

	r.keepUnsaved(rec)
	escalationsTotal.WithLabelValues("store_failed").Inc()
	logging.L(ctx).Error("escalation confirmed on ledger but not persisted",
		"user_id", rec.UserID, "tx_hash", rec.Reference, "error", err)
	return rec, fmt.Errorf("%w: %w", ErrStoreFailed, err)
}

func (r *Recorder) keepUnsaved(rec *Record) {
	r.mu.Lock()
	r.unsaved[rec.UserID+"|"+rec.AttackType] = rec
	r.mu.Unlock()
}

func (r *Recorder) keepInFlight(userID, reference string) {
	r.mu.Lock()
	r.inflight[userID+"|"+r.cfg.AttackType] = &pendingTx{reference: reference}
	r.mu.Unlock()
}

func (r *Recorder) dropInFlight(k string) {
	r.mu.Lock()
	delete(r.inflight, k)
	r.mu.Unlock()
}

func (r *Recorder) takeUnsaved(userID string) *Record {
	k := userID + "|" + r.cfg.AttackType
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.unsaved[k]
	delete(r.unsaved, k)
	return rec
}

// Unsaved returns how many confirmed records are waiting to be persisted.
func (r *Recorder) Unsaved() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.unsaved)
}

// InFlight returns how many submissions are sent but not yet confirmed.
func (r *Recorder) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inflight)
}

// Latest returns userID's newest persisted record, or ErrNotFound.
func (r *Recorder) Latest(ctx context.Context, userID string) (*Record, error) {
	recs, err := r.store.ListByUser(ctx, userID, 1)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	return recs[0], nil
}

// LedgerHealthy reports whether the ledger breaker admits submissions.
func (r *Recorder) LedgerHealthy() bool {
	if r.breaker == nil {
		return true
	}
	return r.breaker.State(ledgerBreakerKey) != circuitbreaker.StateOpen
}

// List returns the newest records first.
func (r *Recorder) List(ctx context.Context, limit int) ([]*Record, error) {
	return r.store.List(ctx, limit)
}

// ListByUser returns userID's records, newest first.
func (r *Recorder) ListByUser(ctx context.Context, userID string, limit int) ([]*Record, error) {
	return r.store.ListByUser(ctx, userID, limit)
}
