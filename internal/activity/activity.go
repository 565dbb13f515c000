// Package activity reads the query activity the detector scores and
// persists the per-user suspicion profiles it maintains.
//
// Query events are written by the gateway's logging path and are read-only
// here apart from the ingest helper. Profiles are owned by the detector and
// are only ever written through CompareAndSwap, so two writers racing on the
// same user cannot silently overwrite each other.
package activity

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrProfileNotFound = errors.New("activity: profile not found")
	ErrVersionConflict = errors.New("activity: profile version conflict")
	ErrInvalidEvent    = errors.New("activity: invalid query event")
	ErrUnavailable     = errors.New("activity: store unavailable")
)

// QueryEvent is a single prompt a user sent to the protected service.
type QueryEvent struct {
	UserID    string    `json:"userId"`
	Prompt    string    `json:"prompt"`
	Timestamp time.Time `json:"timestamp"`
}

// Validate rejects malformed events. Malformed events are skipped during
// scoring rather than failing the whole user.
func (e QueryEvent) Validate() error {
	if e.UserID == "" {
		return errors.Join(ErrInvalidEvent, errors.New("missing user id"))
	}
	if strings.TrimSpace(e.Prompt) == "" {
		return errors.Join(ErrInvalidEvent, errors.New("missing prompt text"))
	}
	if e.Timestamp.IsZero() {
		return errors.Join(ErrInvalidEvent, errors.New("missing timestamp"))
	}
	return nil
}

// Profile is the detector's persisted view of one user.
type Profile struct {
	UserID            string    `json:"userId"`
	Score             float64   `json:"score"`
	LastSeen          time.Time `json:"lastSeen"`
	LastEscalatedAt   time.Time `json:"lastEscalatedAt,omitempty"`
	PendingEscalation bool      `json:"pendingEscalation"`
	Version           int64     `json:"version"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// Reader fetches the activity a scoring cycle needs.
type Reader interface {
	// ActiveUsers returns users with query activity since the given time,
	// plus users whose score has not yet decayed to zero.
	ActiveUsers(ctx context.Context, since time.Time) ([]string, error)
	// RecentEvents returns a user's events with since < timestamp <= until.
	RecentEvents(ctx context.Context, userID string, since, until time.Time) ([]QueryEvent, error)
}

// EventWriter appends query events.
type EventWriter interface {
	AppendEvent(ctx context.Context, ev QueryEvent) error
}

// ProfileStore persists suspicion profiles.
type ProfileStore interface {
	GetProfile(ctx context.Context, userID string) (*Profile, error)
	// CompareAndSwap writes p only if the stored version equals
	// expectedVersion (0 means "must not exist yet"). On success p.Version
	// holds the new version.
	CompareAndSwap(ctx context.Context, p *Profile, expectedVersion int64) error
	ListProfiles(ctx context.Context, limit int) ([]*Profile, error)
}

// Store is the full activity storage surface.
type Store interface {
	Reader
	EventWriter
	ProfileStore
}
