package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/triagekit/triage/internal/events"
	"github.com/triagekit/triage/internal/models"
	"github.com/triagekit/triage/internal/store"
)

// PromotionOutcome reports how a promotion concluded.
type PromotionOutcome string

const (
	// PromotionConverted means the pipeline session became the quality
	// session in place, keeping its id and history.
	PromotionConverted PromotionOutcome = "converted"
	// PromotionMerged means an Active quality session already existed for
	// the target identity; the pipeline session was absorbed into it and
	// marked superseded.
	PromotionMerged PromotionOutcome = "merged"
)

// PromotionResult tells the caller which session id to use going forward.
type PromotionResult struct {
	Outcome PromotionOutcome
	// Session is the surviving quality session.
	Session *models.Session
	// SupersededID is set for merged outcomes: the pipeline session that
	// was absorbed and closed.
	SupersededID string
}

// Promote upgrades a pipeline session to a quality session. The transition
// is one-directional and atomic with respect to concurrent resolver calls:
// every write is a compare-and-swap on the session's version, and the whole
// procedure restarts from a fresh read when a swap fails.
//
// When an Active quality session already exists for the target identity,
// the two sessions raced to track the same failure; the pipeline session's
// history is merged into the quality session and the pipeline session is
// marked superseded, restoring the one-active-session invariant.
func (m *Manager) Promote(ctx context.Context, session *models.Session, quality models.QualityContext) (*PromotionResult, error) {
	var lastErr error
	for attempt := 0; attempt < m.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			if err := m.backoff(ctx, attempt); err != nil {
				return nil, err
			}
			fresh, err := m.reload(ctx, session.ID)
			if err != nil {
				return nil, err
			}
			session = fresh
		}

		// A concurrent promoter may have already finished the job.
		if done := m.alreadyPromoted(ctx, session); done != nil {
			return done, nil
		}

		qualityKey := events.QualityIdentityKey(session.ProjectID, session.Pipeline.Branch)

		absorber, err := m.findActive(ctx, session.ProjectID, models.SessionTypeQuality, qualityKey)
		switch {
		case errors.Is(err, store.ErrNotFound):
			result, err := m.convertInPlace(ctx, session, qualityKey, quality)
			if err == nil {
				return result, nil
			}
			if errors.Is(err, store.ErrVersionConflict) || errors.Is(err, store.ErrDuplicateActiveSession) {
				// Either an interleaved update bumped the version, or a
				// quality session appeared between find and swap.
				lastErr = err
				continue
			}
			return nil, err

		case err == nil:
			if absorber.Expired(time.Now().UTC()) {
				// A lapsed quality session blocks the target identity
				// until it is reclaimed; merging into it would revive a
				// dead session. Expire it and retry the promotion.
				if err := m.expireInPlace(ctx, absorber); err != nil {
					return nil, err
				}
				lastErr = fmt.Errorf("reclaimed lapsed session %s", absorber.ID)
				continue
			}
			result, err := m.mergeInto(ctx, absorber, session, quality)
			if err == nil {
				return result, nil
			}
			if errors.Is(err, store.ErrVersionConflict) {
				lastErr = err
				continue
			}
			return nil, err

		default:
			lastErr = err
			continue
		}
	}

	return nil, fmt.Errorf("%w: promote session %s after %d attempts: %v",
		ErrTransient, session.ID, m.cfg.RetryAttempts, lastErr)
}

// alreadyPromoted returns a result when a concurrent promotion has already
// moved the session out of the pipeline type, making this call a no-op.
func (m *Manager) alreadyPromoted(ctx context.Context, session *models.Session) *PromotionResult {
	switch {
	case session.Type == models.SessionTypeQuality:
		return &PromotionResult{Outcome: PromotionConverted, Session: session}
	case session.Status == models.SessionStatusSuperseded && session.SupersededBy != "":
		absorber, err := m.reload(ctx, session.SupersededBy)
		if err != nil {
			return nil
		}
		return &PromotionResult{Outcome: PromotionMerged, Session: absorber, SupersededID: session.ID}
	}
	return nil
}

// convertInPlace rewrites the session's type and identity key, preserving
// its id and conversation history unchanged.
func (m *Manager) convertInPlace(ctx context.Context, session *models.Session, qualityKey string, quality models.QualityContext) (*PromotionResult, error) {
	now := time.Now().UTC()
	expires := now.Add(m.cfg.TTL)
	typ := models.SessionTypeQuality
	merged := mergeQualityContext(session.Quality, quality)

	cctx, cancel := m.storeCtx(ctx)
	defer cancel()
	updated, err := m.store.UpdateWithVersionCheck(cctx, session.ID, session.Version, store.SessionPatch{
		Type:         &typ,
		IdentityKey:  &qualityKey,
		Quality:      &merged,
		LastActivity: &now,
		ExpiresAt:    &expires,
	})
	if err != nil {
		if errors.Is(err, store.ErrVersionConflict) || errors.Is(err, store.ErrDuplicateActiveSession) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: convert session %s: %v", ErrTransient, session.ID, err)
	}

	slog.Info("session promoted to quality",
		"session_id", session.ID, "identity_key", qualityKey, "outcome", PromotionConverted)
	return &PromotionResult{Outcome: PromotionConverted, Session: updated}, nil
}

// mergeInto absorbs the pipeline session into an existing quality session:
// histories are combined chronologically, pipeline context is inherited,
// and the pipeline session is marked superseded, not deleted, so the race
// stays auditable.
func (m *Manager) mergeInto(ctx context.Context, absorber, session *models.Session, quality models.QualityContext) (*PromotionResult, error) {
	now := time.Now().UTC()
	expires := now.Add(m.cfg.TTL)
	history := mergeHistories(absorber.ConversationHistory, session.ConversationHistory)
	mergedQuality := mergeQualityContext(absorber.Quality, quality)
	mergedPipeline := mergePipelineContext(absorber.Pipeline, session.Pipeline)

	cctx, cancel := m.storeCtx(ctx)
	updated, err := m.store.UpdateWithVersionCheck(cctx, absorber.ID, absorber.Version, store.SessionPatch{
		Quality:      &mergedQuality,
		Pipeline:     &mergedPipeline,
		History:      &history,
		LastActivity: &now,
		ExpiresAt:    &expires,
	})
	cancel()
	if err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: merge into session %s: %v", ErrTransient, absorber.ID, err)
	}

	if err := m.supersede(ctx, session, absorber.ID); err != nil {
		return nil, err
	}

	slog.Info("session merged into existing quality session",
		"session_id", session.ID, "absorbed_by", absorber.ID, "outcome", PromotionMerged)
	return &PromotionResult{Outcome: PromotionMerged, Session: updated, SupersededID: session.ID}, nil
}

// supersede closes the absorbed session, retrying through version bumps
// from concurrent touches; the close itself must not be lost.
func (m *Manager) supersede(ctx context.Context, session *models.Session, absorberID string) error {
	status := models.SessionStatusSuperseded
	reason := "absorbed during promotion"

	var lastErr error
	for attempt := 0; attempt < m.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			if err := m.backoff(ctx, attempt); err != nil {
				return err
			}
			fresh, err := m.reload(ctx, session.ID)
			if err != nil {
				return err
			}
			if fresh.Status == models.SessionStatusSuperseded {
				return nil
			}
			session = fresh
		}

		cctx, cancel := m.storeCtx(ctx)
		_, err := m.store.UpdateWithVersionCheck(cctx, session.ID, session.Version, store.SessionPatch{
			Status:       &status,
			StatusReason: &reason,
			SupersededBy: &absorberID,
		})
		cancel()
		if err == nil {
			return nil
		}
		if errors.Is(err, store.ErrVersionConflict) {
			lastErr = err
			continue
		}
		return fmt.Errorf("%w: supersede session %s: %v", ErrTransient, session.ID, err)
	}
	return fmt.Errorf("%w: supersede session %s: %v", ErrTransient, session.ID, lastErr)
}

func (m *Manager) reload(ctx context.Context, id string) (*models.Session, error) {
	cctx, cancel := m.storeCtx(ctx)
	defer cancel()
	session, err := m.store.GetSession(cctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: reload session %s: %v", ErrTransient, id, err)
	}
	return session, nil
}

// mergeHistories combines two append-only histories in chronological
// order. The sort is stable with the absorber's entries first, so equal
// timestamps keep their original relative order.
func mergeHistories(absorber, absorbed []models.ConversationEntry) []models.ConversationEntry {
	combined := make([]models.ConversationEntry, 0, len(absorber)+len(absorbed))
	combined = append(combined, absorber...)
	combined = append(combined, absorbed...)
	sort.SliceStable(combined, func(i, j int) bool {
		return combined[i].Timestamp.Before(combined[j].Timestamp)
	})
	return combined
}
