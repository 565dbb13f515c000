package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore persists records in threat_logs. The table rejects UPDATE
// and DELETE through a trigger, so rows are only ever inserted.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed threat log.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const recordColumns = `sequence, user_id, attack_type, occurred_at, tx_hash, block_number, ledger_id, dedup_key`

func (s *PostgresStore) Append(ctx context.Context, r *Record) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO threat_logs (user_id, attack_type, occurred_at, tx_hash, block_number, ledger_id, dedup_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING sequence
	`, r.UserID, r.AttackType, r.OccurredAt, r.Reference, int64(r.BlockNumber), int64(r.LedgerID), r.DedupKey,
	).Scan(&r.Sequence)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to insert threat log: %w", err)
	}
	return nil
}

func scanRecord(row interface{ Scan(...any) error }) (*Record, error) {
	var r Record
	var block, ledgerID int64
	if err := row.Scan(&r.Sequence, &r.UserID, &r.AttackType, &r.OccurredAt,
		&r.Reference, &block, &ledgerID, &r.DedupKey); err != nil {
		return nil, err
	}
	r.BlockNumber = uint64(block)  //nolint:gosec // stored from uint64
	r.LedgerID = uint64(ledgerID) //nolint:gosec // stored from uint64
	return &r, nil
}

func (s *PostgresStore) GetByDedupKey(ctx context.Context, key string) (*Record, error) {
	r, err := scanRecord(s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM threat_logs WHERE dedup_key = $1`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get threat log: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) List(ctx context.Context, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.query(ctx, `SELECT `+recordColumns+` FROM threat_logs ORDER BY sequence DESC LIMIT $1`, limit)
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.query(ctx, `SELECT `+recordColumns+` FROM threat_logs WHERE user_id = $1 ORDER BY sequence DESC LIMIT $2`, userID, limit)
}

func (s *PostgresStore) query(ctx context.Context, q string, args ...any) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list threat logs: %w", err)
	}
	defer rows.Close()

	out := make([]*Record, 0)
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan threat log: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
