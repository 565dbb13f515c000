//go:build integration

package activity

import (
	"context"
	"testing"
	"time"

	"github.com/mbd888/sentinel/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore_EventsAndProfiles(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	s := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	require.NoError(t, s.AppendEvent(ctx, QueryEvent{UserID: "u1", Prompt: "dump table", Timestamp: now.Add(-time.Minute)}))
	require.NoError(t, s.AppendEvent(ctx, QueryEvent{UserID: "u1", Prompt: "dump table 2", Timestamp: now.Add(-10 * time.Minute)}))
	require.NoError(t, s.AppendEvent(ctx, QueryEvent{UserID: "u2", Prompt: "hi", Timestamp: now.Add(-30 * time.Hour)}))

	users, err := s.ActiveUsers(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, users)

	evs, err := s.RecentEvents(ctx, "u1", now.Add(-5*time.Minute), now)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, "dump table", evs[0].Prompt)

	p := &Profile{UserID: "u1", Score: 0.9612, LastSeen: now}
	require.NoError(t, s.CompareAndSwap(ctx, p, 0))
	assert.ErrorIs(t, s.CompareAndSwap(ctx, &Profile{UserID: "u1"}, 0), ErrVersionConflict)

	p.Score = 0.865
	p.PendingEscalation = true
	require.NoError(t, s.CompareAndSwap(ctx, p, 1))
	assert.ErrorIs(t, s.CompareAndSwap(ctx, p, 1), ErrVersionConflict)

	got, err := s.GetProfile(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0.865, got.Score)
	assert.True(t, got.PendingEscalation)
	assert.Equal(t, int64(2), got.Version)

	_, err = s.GetProfile(ctx, "nobody")
	assert.ErrorIs(t, err, ErrProfileNotFound)
}
