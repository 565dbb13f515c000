package activity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore reads query_logs and persists user_profiles in PostgreSQL.
// Schema lives in migrations/.
type PostgresStore struct {
	db *sql.DB
}

// Compile-time check.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a PostgreSQL-backed activity store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) AppendEvent(ctx context.Context, ev QueryEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO query_logs (user_id, prompt, created_at)
		VALUES ($1, $2, $3)
	`, ev.UserID, ev.Prompt, ev.Timestamp)
	if err != nil {
		return fmt.Errorf("%w: append query event: %w", ErrUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) ActiveUsers(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id FROM query_logs WHERE created_at > $1
		UNION
		SELECT user_id FROM user_profiles WHERE suspicion_score > 0
		ORDER BY user_id
	`, since)
	if err != nil {
		return nil, fmt.Errorf("%w: list active users: %w", ErrUnavailable, err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user id: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list active users: %w", ErrUnavailable, err)
	}
	return out, nil
}

// RecentEvents returns events oldest first. A NULL prompt comes back as an
// empty string and is rejected later by QueryEvent.Validate.
func (s *PostgresStore) RecentEvents(ctx context.Context, userID string, since, until time.Time) ([]QueryEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, prompt, created_at
		FROM query_logs
		WHERE user_id = $1 AND created_at > $2 AND created_at <= $3
		ORDER BY created_at ASC
	`, userID, since, until)
	if err != nil {
		return nil, fmt.Errorf("%w: query recent events: %w", ErrUnavailable, err)
	}
	defer func() { _ = rows.Close() }()

	var out []QueryEvent
	for rows.Next() {
		var ev QueryEvent
		var prompt sql.NullString
		if err := rows.Scan(&ev.UserID, &prompt, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan query event: %w", err)
		}
		ev.Prompt = prompt.String
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: query recent events: %w", ErrUnavailable, err)
	}
	return out, nil
}

const profileColumns = `user_id, suspicion_score, last_seen, last_escalated_at, pending_escalation, version, updated_at`

func scanProfile(row interface{ Scan(...any) error }) (*Profile, error) {
	var p Profile
	var lastEscalated sql.NullTime
	if err := row.Scan(&p.UserID, &p.Score, &p.LastSeen, &lastEscalated,
		&p.PendingEscalation, &p.Version, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if lastEscalated.Valid {
		p.LastEscalatedAt = lastEscalated.Time
	}
	return &p, nil
}

func (s *PostgresStore) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM user_profiles WHERE user_id = $1`, userID)
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get profile: %w", ErrUnavailable, err)
	}
	return p, nil
}

func (s *PostgresStore) CompareAndSwap(ctx context.Context, p *Profile, expectedVersion int64) error {
	var lastEscalated sql.NullTime
	if !p.LastEscalatedAt.IsZero() {
		lastEscalated = sql.NullTime{Time: p.LastEscalatedAt, Valid: true}
	}

	var res sql.Result
	var err error
	if expectedVersion == 0 {
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO user_profiles (user_id, suspicion_score, last_seen, last_escalated_at, pending_escalation, version, updated_at)
			VALUES ($1, $2, $3, $4, $5, 1, NOW())
			ON CONFLICT (user_id) DO NOTHING
		`, p.UserID, p.Score, p.LastSeen, lastEscalated, p.PendingEscalation)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE user_profiles
			SET suspicion_score = $2, last_seen = $3, last_escalated_at = $4,
			    pending_escalation = $5, version = version + 1, updated_at = NOW()
			WHERE user_id = $1 AND version = $6
		`, p.UserID, p.Score, p.LastSeen, lastEscalated, p.PendingEscalation, expectedVersion)
	}
	if err != nil {
		return fmt.Errorf("%w: write profile: %w", ErrUnavailable, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrVersionConflict
	}
	p.Version = expectedVersion + 1
	p.UpdatedAt = time.Now()
	return nil
}

func (s *PostgresStore) ListProfiles(ctx context.Context, limit int) ([]*Profile, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+profileColumns+`
		FROM user_profiles
		ORDER BY last_seen DESC, user_id ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list profiles: %w", ErrUnavailable, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan profile: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
