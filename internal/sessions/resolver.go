package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/triagekit/triage/internal/events"
	"github.com/triagekit/triage/internal/models"
	"github.com/triagekit/triage/internal/store"
)

// ErrTransient marks a resolution or promotion that failed on store
// timeouts or exhausted its retry budget. Callers surface it so the
// webhook sender's at-least-once redelivery can retry the whole event.
var ErrTransient = errors.New("transient store failure")

// Config bounds the manager's retry and expiry behavior.
type Config struct {
	// TTL is the session lifespan, extended on every activity touch.
	TTL time.Duration
	// RetryAttempts bounds find-or-create and promotion retries.
	RetryAttempts int
	// RetryBackoff is the base backoff between attempts, jittered.
	RetryBackoff time.Duration
	// StoreTimeout bounds each individual store call.
	StoreTimeout time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		TTL:           4 * time.Hour,
		RetryAttempts: 3,
		RetryBackoff:  50 * time.Millisecond,
		StoreTimeout:  5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TTL <= 0 {
		c.TTL = d.TTL
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = d.RetryAttempts
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = d.RetryBackoff
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = d.StoreTimeout
	}
	return c
}

// Manager performs session resolution and promotion against the store. It
// is stateless and safe for concurrent use; the store's uniqueness
// constraint and per-row version are the only synchronization primitives.
type Manager struct {
	store store.Store
	cfg   Config
}

// NewManager creates a session manager.
func NewManager(s store.Store, cfg Config) *Manager {
	return &Manager{store: s, cfg: cfg.withDefaults()}
}

// Outcome is the result of handling one classified event.
type Outcome struct {
	Session   *models.Session
	IsNew     bool
	Promotion *PromotionResult
}

// HandleEvent resolves a classified event to its session and promotes the
// session when the event indicates a quality failure inside a pipeline job.
func (m *Manager) HandleEvent(ctx context.Context, ev *events.Event) (*Outcome, error) {
	session, isNew, err := m.Resolve(ctx, ev)
	if err != nil {
		return nil, err
	}

	outcome := &Outcome{Session: session, IsNew: isNew}

	if ev.Kind == events.KindPipelineJobQualityFailure && session.Type == models.SessionTypePipeline {
		promotion, err := m.Promote(ctx, session, ev.Quality)
		if err != nil {
			return nil, err
		}
		outcome.Session = promotion.Session
		outcome.Promotion = promotion
	}

	return outcome, nil
}

// Resolve finds or creates the Active session for the event's identity.
// Insert-first: the uniqueness constraint arbitrates races, and a duplicate
// delivery lands on the existing session via a version-checked touch, so
// replaying an identical webhook always returns the same session id.
func (m *Manager) Resolve(ctx context.Context, ev *events.Event) (*models.Session, bool, error) {
	typ := ev.SessionType()

	var lastErr error
	for attempt := 0; attempt < m.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			if err := m.backoff(ctx, attempt); err != nil {
				return nil, false, err
			}
		}

		existing, err := m.findActive(ctx, ev.ProjectID, typ, ev.IdentityKey)
		switch {
		case err == nil:
			if existing.Expired(time.Now().UTC()) {
				// The sweeper has not reclaimed this session yet, but
				// its row still holds the identity slot in the unique
				// index. Expire it here so the next attempt can open a
				// fresh session instead of erroring until the sweep.
				if err := m.expireInPlace(ctx, existing); err != nil {
					return nil, false, err
				}
				lastErr = fmt.Errorf("reclaimed lapsed session %s", existing.ID)
				continue
			}
			updated, err := m.touch(ctx, existing, ev)
			if errors.Is(err, store.ErrVersionConflict) {
				lastErr = err
				continue
			}
			if err != nil {
				return nil, false, err
			}
			return updated, false, nil

		case errors.Is(err, store.ErrNotFound):
			session, err := m.insert(ctx, ev, typ)
			if errors.Is(err, store.ErrDuplicateActiveSession) {
				// Lost the insert race; next attempt finds the winner.
				lastErr = err
				continue
			}
			if err != nil {
				return nil, false, err
			}
			return session, true, nil

		default:
			lastErr = err
			continue
		}
	}

	return nil, false, fmt.Errorf("%w: resolve %s/%s after %d attempts: %v",
		ErrTransient, typ, ev.IdentityKey, m.cfg.RetryAttempts, lastErr)
}

// ResolveOnSuccess closes the loop when a pipeline goes green: every Active
// session tracking a failure on that project branch is marked resolved.
// Version conflicts are skipped; a concurrently touched session is live
// again and should not be closed underneath its writer.
func (m *Manager) ResolveOnSuccess(ctx context.Context, projectID, branch string) (int, error) {
	cctx, cancel := m.storeCtx(ctx)
	sessions, err := m.store.FindActiveByBranch(cctx, projectID, branch)
	cancel()
	if err != nil {
		return 0, fmt.Errorf("find sessions for branch %s: %w", branch, err)
	}

	resolved := 0
	status := models.SessionStatusResolved
	reason := "pipeline succeeded"
	for _, session := range sessions {
		cctx, cancel := m.storeCtx(ctx)
		_, err := m.store.UpdateWithVersionCheck(cctx, session.ID, session.Version, store.SessionPatch{
			Status:       &status,
			StatusReason: &reason,
		})
		cancel()
		if errors.Is(err, store.ErrVersionConflict) {
			slog.Debug("skip auto-resolve, session concurrently updated", "session_id", session.ID)
			continue
		}
		if err != nil {
			return resolved, fmt.Errorf("auto-resolve session %s: %w", session.ID, err)
		}
		resolved++
		slog.Info("session auto-resolved by green pipeline",
			"session_id", session.ID, "project_id", projectID, "branch", branch)
	}
	return resolved, nil
}

// expireInPlace reclaims a session whose TTL lapsed before the sweeper got
// to it. A version conflict or a vanished row means a concurrent writer
// already revived or reclaimed the session; the caller re-reads regardless.
func (m *Manager) expireInPlace(ctx context.Context, session *models.Session) error {
	status := models.SessionStatusExpired
	reason := "session TTL lapsed"

	cctx, cancel := m.storeCtx(ctx)
	defer cancel()
	_, err := m.store.UpdateWithVersionCheck(cctx, session.ID, session.Version, store.SessionPatch{
		Status:       &status,
		StatusReason: &reason,
	})
	if err != nil && !errors.Is(err, store.ErrVersionConflict) && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: expire session %s: %v", ErrTransient, session.ID, err)
	}
	return nil
}

func (m *Manager) findActive(ctx context.Context, projectID string, typ models.SessionType, key string) (*models.Session, error) {
	cctx, cancel := m.storeCtx(ctx)
	defer cancel()
	return m.store.FindActive(cctx, projectID, typ, key)
}

func (m *Manager) insert(ctx context.Context, ev *events.Event, typ models.SessionType) (*models.Session, error) {
	now := time.Now().UTC()
	session := &models.Session{
		Type:         typ,
		IdentityKey:  ev.IdentityKey,
		ProjectID:    ev.ProjectID,
		ProjectName:  ev.ProjectName,
		Status:       models.SessionStatusActive,
		Pipeline:     ev.Pipeline,
		Quality:      ev.Quality,
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(m.cfg.TTL),
	}

	cctx, cancel := m.storeCtx(ctx)
	defer cancel()
	if err := m.store.Insert(cctx, session); err != nil {
		if errors.Is(err, store.ErrDuplicateActiveSession) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: insert session: %v", ErrTransient, err)
	}

	slog.Info("session created",
		"session_id", session.ID, "type", session.Type,
		"project_id", session.ProjectID, "identity_key", session.IdentityKey)
	return session, nil
}

// touch extends the session's expiry and merges newly-provided context
// fields without discarding previously recorded ones.
func (m *Manager) touch(ctx context.Context, session *models.Session, ev *events.Event) (*models.Session, error) {
	now := time.Now().UTC()
	expires := now.Add(m.cfg.TTL)
	patch := store.SessionPatch{
		LastActivity: &now,
		ExpiresAt:    &expires,
	}

	if merged := mergePipelineContext(session.Pipeline, ev.Pipeline); merged != session.Pipeline {
		patch.Pipeline = &merged
	}
	if merged := mergeQualityContext(session.Quality, ev.Quality); merged != session.Quality {
		patch.Quality = &merged
	}
	if session.ProjectName == "" && ev.ProjectName != "" {
		patch.ProjectName = &ev.ProjectName
	}

	cctx, cancel := m.storeCtx(ctx)
	defer cancel()
	updated, err := m.store.UpdateWithVersionCheck(cctx, session.ID, session.Version, patch)
	if err != nil {
		if errors.Is(err, store.ErrVersionConflict) || errors.Is(err, store.ErrNotFound) {
			// NotFound here means the session left the Active set (swept
			// or resolved) between read and write; re-run the find.
			return nil, store.ErrVersionConflict
		}
		return nil, fmt.Errorf("%w: touch session %s: %v", ErrTransient, session.ID, err)
	}
	return updated, nil
}

func (m *Manager) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.cfg.StoreTimeout)
}

func (m *Manager) backoff(ctx context.Context, attempt int) error {
	d := time.Duration(attempt) * m.cfg.RetryBackoff
	d += time.Duration(rand.Int63n(int64(m.cfg.RetryBackoff)))
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// mergePipelineContext fills empty fields of the recorded context from the
// incoming one; values already recorded win.
func mergePipelineContext(recorded, incoming models.PipelineContext) models.PipelineContext {
	if recorded.PipelineID == "" {
		recorded.PipelineID = incoming.PipelineID
	}
	if recorded.PipelineURL == "" {
		recorded.PipelineURL = incoming.PipelineURL
	}
	if recorded.Branch == "" {
		recorded.Branch = incoming.Branch
	}
	if recorded.CommitSHA == "" {
		recorded.CommitSHA = incoming.CommitSHA
	}
	if recorded.JobName == "" {
		recorded.JobName = incoming.JobName
	}
	if recorded.FailedStage == "" {
		recorded.FailedStage = incoming.FailedStage
	}
	return recorded
}

// mergeQualityContext replaces the recorded context when the incoming one
// carries a scanner verdict. Issue counts only mean something relative to
// the verdict they arrived with, so a fresh verdict takes its counts along,
// including a genuine drop to zero. Events without a verdict (plain
// pipeline failures) leave the recorded context alone.
func mergeQualityContext(recorded, incoming models.QualityContext) models.QualityContext {
	if incoming.GateStatus != "" {
		return incoming
	}
	return recorded
}
