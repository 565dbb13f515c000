package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/mbd888/sentinel/internal/audit"
	"github.com/mbd888/sentinel/internal/chain"
	"github.com/mbd888/sentinel/internal/orchestrator"
	"github.com/mbd888/sentinel/internal/realtime"
)

// ledgerAdapter adapts chain.Client to audit.Ledger. Raw user identifiers
// never reach the public ledger; only their SHA-256 does.
type ledgerAdapter struct {
	client *chain.Client
}

func (a *ledgerAdapter) Submit(ctx context.Context, userID, attackType string) (*audit.Receipt, error) {
	return toAuditReceipt(a.client.LogThreat(ctx, hashUserID(userID), attackType))
}

func (a *ledgerAdapter) Confirm(ctx context.Context, reference string) (*audit.Receipt, error) {
	return toAuditReceipt(a.client.WaitForReceipt(ctx, reference))
}

// toAuditReceipt maps a chain result, marking broadcast transactions with an
// unknown outcome so the recorder waits on them instead of resending.
func toAuditReceipt(rcpt *chain.Receipt, err error) (*audit.Receipt, error) {
	if err != nil {
		if hash, ok := chain.Unconfirmed(err); ok {
			return nil, &audit.UnconfirmedError{Reference: hash, Err: err}
		}
		return nil, err
	}
	return &audit.Receipt{
		Reference:   rcpt.TxHash,
		BlockNumber: rcpt.BlockNumber,
		LedgerID:    rcpt.ThreatID,
	}, nil
}

func hashUserID(userID string) string {
	sum := sha256.Sum256([]byte(userID))
	return hex.EncodeToString(sum[:])
}

// hubNotifier pushes orchestrator events to websocket clients.
type hubNotifier struct {
	hub *realtime.Hub
}

func (n *hubNotifier) EscalationRecorded(rec *audit.Record, score float64) {
	n.hub.Broadcast(&realtime.Event{
		Type:   realtime.EventEscalation,
		UserID: rec.UserID,
		Data: map[string]any{
			"score":       score,
			"attackType":  rec.AttackType,
			"occurredAt":  rec.OccurredAt,
			"txHash":      rec.Reference,
			"blockNumber": rec.BlockNumber,
			"ledgerId":    rec.LedgerID,
		},
	})
}

func (n *hubNotifier) CycleCompleted(s *orchestrator.Summary) {
	n.hub.Broadcast(&realtime.Event{
		Type: realtime.EventCycleCompleted,
		Data: map[string]any{
			"cycleId":            s.CycleID,
			"source":             s.Source,
			"startedAt":          s.StartedAt,
			"finishedAt":         s.FinishedAt,
			"usersEvaluated":     s.UsersEvaluated,
			"escalations":        s.Escalations,
			"escalationFailures": s.EscalationFailures,
			"failures":           s.Failures,
			"error":              s.Error,
		},
	})
}

var (
	_ audit.Ledger          = (*ledgerAdapter)(nil)
	_ orchestrator.Notifier = (*hubNotifier)(nil)
)
