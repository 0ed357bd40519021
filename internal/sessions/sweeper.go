package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/triagekit/triage/internal/models"
	"github.com/triagekit/triage/internal/store"
)

// Sweeper reclaims Active sessions whose TTL has lapsed. It runs off the
// request-serving paths and transitions each session through the
// version-checked update, so it can never clobber a concurrent legitimate
// update: the live writer wins the version race and the sweeper moves on.
type Sweeper struct {
	store    store.Store
	interval time.Duration
	timeout  time.Duration
}

// NewSweeper creates a sweeper that runs a pass every interval.
func NewSweeper(s store.Store, interval, storeTimeout time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if storeTimeout <= 0 {
		storeTimeout = 5 * time.Second
	}
	return &Sweeper{store: s, interval: interval, timeout: storeTimeout}
}

// Run sweeps on a ticker until the context is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	slog.Info("expiry sweeper started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("expiry sweeper stopped")
			return
		case <-ticker.C:
			if n, err := s.SweepOnce(ctx); err != nil {
				slog.Error("sweep pass failed", "error", err)
			} else if n > 0 {
				slog.Info("swept expired sessions", "count", n)
			}
		}
	}
}

// SweepOnce runs a single pass, returning how many sessions it expired.
// Version conflicts are logged and skipped; a still-expired session is
// picked up again next cycle.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	expired, err := s.store.FindExpired(cctx, time.Now().UTC())
	cancel()
	if err != nil {
		return 0, fmt.Errorf("find expired sessions: %w", err)
	}

	status := models.SessionStatusExpired
	reason := "session TTL lapsed"
	swept := 0
	for _, session := range expired {
		cctx, cancel := context.WithTimeout(ctx, s.timeout)
		_, err := s.store.UpdateWithVersionCheck(cctx, session.ID, session.Version, store.SessionPatch{
			Status:       &status,
			StatusReason: &reason,
		})
		cancel()
		switch {
		case err == nil:
			swept++
		case errors.Is(err, store.ErrVersionConflict):
			slog.Debug("skip expiry, session concurrently updated", "session_id", session.ID)
		case errors.Is(err, store.ErrNotFound):
			// Row gone; nothing to reclaim.
		default:
			return swept, fmt.Errorf("expire session %s: %w", session.ID, err)
		}
	}
	return swept, nil
}
