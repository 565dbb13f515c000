// Package audit keeps the tamper-evident record of escalations. Each
// escalation is written once to the external ledger and then appended to
// the local threat log, keyed by a dedup key so a retried cycle never logs
// the same escalation twice.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// DefaultAttackType labels escalations raised by the velocity/similarity score.
const DefaultAttackType = "High Velocity & Similarity"

var (
	ErrSubmissionFailed = errors.New("audit: ledger submission failed")
	ErrStoreFailed      = errors.New("audit: threat log write failed")
	ErrDuplicate        = errors.New("audit: escalation already recorded")
	ErrNotFound         = errors.New("audit: record not found")
)

// SubmissionError reports that an escalation for UserID could not be
// confirmed on the ledger.
type SubmissionError struct {
	UserID string
	Err    error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("audit: ledger submission for %s failed: %v", e.UserID, e.Err)
}

func (e *SubmissionError) Unwrap() []error { return []error{ErrSubmissionFailed, e.Err} }

// UnconfirmedError is returned by a Ledger when a submission was broadcast
// under Reference but its outcome is not known yet. The entry may still land,
// so the caller must confirm Reference rather than submit again.
type UnconfirmedError struct {
	Reference string
	Err       error
}

func (e *UnconfirmedError) Error() string {
	return fmt.Sprintf("audit: submission %s unconfirmed: %v", e.Reference, e.Err)
}

func (e *UnconfirmedError) Unwrap() error { return e.Err }

// Record is one confirmed escalation.
type Record struct {
	Sequence    int64     `json:"sequence"`
	UserID      string    `json:"userId"`
	AttackType  string    `json:"attackType"`
	OccurredAt  time.Time `json:"occurredAt"`
	Reference   string    `json:"txHash"`
	BlockNumber uint64    `json:"blockNumber"`
	LedgerID    uint64    `json:"ledgerId"`
	DedupKey    string    `json:"-"`
}

// Receipt is the ledger's confirmation of a submitted escalation.
type Receipt struct {
	Reference   string
	BlockNumber uint64
	LedgerID    uint64
}

// Ledger is the external append-only log.
//
// Submit returns an *UnconfirmedError when the entry was sent but not
// confirmed. Confirm waits for such an entry; it returns *UnconfirmedError
// again while the outcome is still unknown and any other error once the
// entry is known not to have landed.
type Ledger interface {
	Submit(ctx context.Context, userID, attackType string) (*Receipt, error)
	Confirm(ctx context.Context, reference string) (*Receipt, error)
}

// Store persists records. Append fails with ErrDuplicate when a record with
// the same DedupKey exists.
type Store interface {
	Append(ctx context.Context, r *Record) error
	GetByDedupKey(ctx context.Context, key string) (*Record, error)
	List(ctx context.Context, limit int) ([]*Record, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*Record, error)
}

// DedupKey identifies one escalation of userID for attackType within the
// cycle window that contains cycleAt.
func DedupKey(userID, attackType string, cycleAt time.Time, window time.Duration) string {
	slot := cycleAt.UTC()
	if window > 0 {
		slot = slot.Truncate(window)
	}
	sum := sha256.Sum256([]byte(userID + "|" + attackType + "|" + strconv.FormatInt(slot.Unix(), 10)))
	return hex.EncodeToString(sum[:])
}
