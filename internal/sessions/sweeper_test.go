package sessions

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/triagekit/triage/internal/models"
	"github.com/triagekit/triage/internal/store"
)

func TestSweepOnce(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()

	live, _, err := m.Resolve(ctx, pipelineEvent("42", "12345"))
	require.NoError(t, err)

	stale, _, err := m.Resolve(ctx, pipelineEvent("42", "67890"))
	require.NoError(t, err)

	// Backdate the second session past its TTL.
	past := time.Now().UTC().Add(-time.Minute)
	older := past.Add(-4 * time.Hour)
	_, err = s.UpdateWithVersionCheck(ctx, stale.ID, stale.Version, store.SessionPatch{
		LastActivity: &older,
		ExpiresAt:    &past,
	})
	require.NoError(t, err)

	sweeper := NewSweeper(s, time.Minute, 5*time.Second)
	n, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetSession(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusExpired, got.Status)
	assert.Equal(t, "session TTL lapsed", got.StatusReason)

	got, err = s.GetSession(ctx, live.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusActive, got.Status)
}

func TestSweepOnce_NothingExpired(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()

	_, _, err := m.Resolve(ctx, pipelineEvent("42", "12345"))
	require.NoError(t, err)

	sweeper := NewSweeper(s, time.Minute, 5*time.Second)
	n, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSweepOnce_ExpiredIdentityReusable(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()

	stale, _, err := m.Resolve(ctx, pipelineEvent("42", "12345"))
	require.NoError(t, err)

	past := time.Now().UTC().Add(-time.Minute)
	_, err = s.UpdateWithVersionCheck(ctx, stale.ID, stale.Version, store.SessionPatch{
		ExpiresAt: &past,
	})
	require.NoError(t, err)

	sweeper := NewSweeper(s, time.Minute, 5*time.Second)
	_, err = sweeper.SweepOnce(ctx)
	require.NoError(t, err)

	// The same failure recurring after expiry opens a fresh session.
	fresh, isNew, err := m.Resolve(ctx, pipelineEvent("42", "12345"))
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.NotEqual(t, stale.ID, fresh.ID)
}

func TestRun_StopsOnCancel(t *testing.T) {
	_, s := newTestManager(t)

	sweeper := NewSweeper(s, 10*time.Millisecond, time.Second)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		sweeper.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop after cancel")
	}
}
