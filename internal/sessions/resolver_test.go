package sessions

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/triagekit/triage/internal/events"
	"github.com/triagekit/triage/internal/models"
	"github.com/triagekit/triage/internal/store"
)

func newTestManager(t *testing.T) (*Manager, store.Store) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })

	m := NewManager(s, Config{
		TTL:           4 * time.Hour,
		RetryAttempts: 10,
		RetryBackoff:  5 * time.Millisecond,
		StoreTimeout:  5 * time.Second,
	})
	return m, s
}

func pipelineEvent(projectID, pipelineID string) *events.Event {
	return &events.Event{
		Kind:        events.KindPipelineFailure,
		ProjectID:   projectID,
		ProjectName: "app",
		IdentityKey: pipelineID,
		Pipeline: models.PipelineContext{
			PipelineID: pipelineID,
			Branch:     "main",
			CommitSHA:  "abc123",
		},
	}
}

func qualityEvent(projectKey, branch string) *events.Event {
	return &events.Event{
		Kind:        events.KindQualityGateFailure,
		ProjectID:   projectKey,
		ProjectName: "app",
		IdentityKey: events.QualityIdentityKey(projectKey, branch),
		Pipeline:    models.PipelineContext{Branch: branch},
		Quality:     models.QualityContext{GateStatus: "ERROR", IssuesTotal: 2, IssuesCritical: 1},
	}
}

func TestResolve_CreatesSession(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	session, isNew, err := m.Resolve(ctx, pipelineEvent("42", "12345"))
	require.NoError(t, err)

	assert.True(t, isNew)
	assert.NotEmpty(t, session.ID)
	assert.Equal(t, models.SessionTypePipeline, session.Type)
	assert.Equal(t, models.SessionStatusActive, session.Status)
	assert.Equal(t, "12345", session.IdentityKey)
	assert.True(t, session.ExpiresAt.After(time.Now().Add(3*time.Hour)))
}

func TestResolve_RedeliveryReturnsSameSession(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	first, isNew, err := m.Resolve(ctx, pipelineEvent("42", "12345"))
	require.NoError(t, err)
	require.True(t, isNew)

	second, isNew, err := m.Resolve(ctx, pipelineEvent("42", "12345"))
	require.NoError(t, err)

	assert.False(t, isNew)
	assert.Equal(t, first.ID, second.ID)
	assert.False(t, second.LastActivity.Before(first.LastActivity))
	assert.False(t, second.ExpiresAt.Before(first.ExpiresAt))
}

func TestResolve_DistinctIdentitiesDistinctSessions(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	a, _, err := m.Resolve(ctx, pipelineEvent("42", "12345"))
	require.NoError(t, err)
	b, _, err := m.Resolve(ctx, pipelineEvent("42", "67890"))
	require.NoError(t, err)
	c, _, err := m.Resolve(ctx, pipelineEvent("99", "12345"))
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.NotEqual(t, a.ID, c.ID)
}

func TestResolve_ConcurrentDeliveriesConverge(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()

	const workers = 8
	ids := make([]string, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			session, _, err := m.Resolve(ctx, pipelineEvent("42", "12345"))
			errs[i] = err
			if err == nil {
				ids[i] = session.ID
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i], "worker %d", i)
		assert.Equal(t, ids[0], ids[i], "all workers must land on the same session")
	}

	active, err := s.ListSessions(ctx, store.SessionFilter{Status: models.SessionStatusActive})
	require.NoError(t, err)
	assert.Len(t, active, 1, "exactly one active session after the race")
}

func TestResolve_NewSessionAfterResolution(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()

	first, _, err := m.Resolve(ctx, pipelineEvent("42", "12345"))
	require.NoError(t, err)
	require.NoError(t, s.MarkStatus(ctx, first.ID, models.SessionStatusResolved, "fixed"))

	second, isNew, err := m.Resolve(ctx, pipelineEvent("42", "12345"))
	require.NoError(t, err)

	assert.True(t, isNew, "a closed session must not absorb new failures")
	assert.NotEqual(t, first.ID, second.ID)
}

func TestResolve_ReclaimsLapsedUnsweptSession(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()

	stale, _, err := m.Resolve(ctx, pipelineEvent("42", "12345"))
	require.NoError(t, err)

	// Backdate the expiry without sweeping; the lapsed session still
	// holds the identity slot in the unique index.
	past := time.Now().UTC().Add(-time.Minute)
	_, err = s.UpdateWithVersionCheck(ctx, stale.ID, stale.Version, store.SessionPatch{
		ExpiresAt: &past,
	})
	require.NoError(t, err)

	// The next delivery for the identity must not error until the sweeper
	// runs; the resolver reclaims the dead session and opens a fresh one.
	fresh, isNew, err := m.Resolve(ctx, pipelineEvent("42", "12345"))
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.NotEqual(t, stale.ID, fresh.ID)

	got, err := s.GetSession(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusExpired, got.Status)
	assert.Equal(t, "session TTL lapsed", got.StatusReason)
}

func TestResolve_FreshVerdictReplacesQualityCounts(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, _, err := m.Resolve(ctx, qualityEvent("42", "main"))
	require.NoError(t, err)

	// A redelivered scan with a fresh verdict carries its own counts,
	// including drops.
	update := qualityEvent("42", "main")
	update.Quality = models.QualityContext{GateStatus: "ERROR", IssuesTotal: 7}
	session, isNew, err := m.Resolve(ctx, update)
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, 7, session.Quality.IssuesTotal)
	assert.Equal(t, 0, session.Quality.IssuesCritical)

	// An event without a verdict leaves the recorded counts alone.
	noVerdict := qualityEvent("42", "main")
	noVerdict.Quality = models.QualityContext{}
	session, _, err = m.Resolve(ctx, noVerdict)
	require.NoError(t, err)
	assert.Equal(t, 7, session.Quality.IssuesTotal)
}

func TestResolve_TouchMergesContext(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	sparse := pipelineEvent("42", "12345")
	sparse.Pipeline.CommitSHA = ""
	sparse.ProjectName = ""
	first, _, err := m.Resolve(ctx, sparse)
	require.NoError(t, err)
	require.Empty(t, first.Pipeline.CommitSHA)

	full := pipelineEvent("42", "12345")
	full.Pipeline.JobName = "unit-tests"
	second, _, err := m.Resolve(ctx, full)
	require.NoError(t, err)

	assert.Equal(t, "abc123", second.Pipeline.CommitSHA)
	assert.Equal(t, "unit-tests", second.Pipeline.JobName)
	assert.Equal(t, "app", second.ProjectName)
}

func TestResolveOnSuccess(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()

	onMain, _, err := m.Resolve(ctx, pipelineEvent("42", "12345"))
	require.NoError(t, err)

	feature := pipelineEvent("42", "67890")
	feature.Pipeline.Branch = "feature/login"
	onFeature, _, err := m.Resolve(ctx, feature)
	require.NoError(t, err)

	n, err := m.ResolveOnSuccess(ctx, "42", "main")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetSession(ctx, onMain.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusResolved, got.Status)
	assert.Equal(t, "pipeline succeeded", got.StatusReason)

	got, err = s.GetSession(ctx, onFeature.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusActive, got.Status, "other branches stay active")
}

func TestHandleEvent_QualityJobPromotes(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	ev := pipelineEvent("42", "12345")
	ev.Kind = events.KindPipelineJobQualityFailure
	ev.Quality = models.QualityContext{GateStatus: "ERROR", IssuesTotal: 3}

	outcome, err := m.HandleEvent(ctx, ev)
	require.NoError(t, err)

	require.NotNil(t, outcome.Promotion)
	assert.Equal(t, PromotionConverted, outcome.Promotion.Outcome)
	assert.Equal(t, models.SessionTypeQuality, outcome.Session.Type)
}

// The one-active-session invariant must hold for any interleaving of
// deliveries, including redeliveries of old events and events for a small
// set of colliding identities.
func TestResolve_OneActiveSessionPerIdentity(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		dir, err := os.MkdirTemp("", "triage-rapid")
		if err != nil {
			rt.Fatal(err)
		}
		defer os.RemoveAll(dir)

		s, err := store.NewSQLiteStore(filepath.Join(dir, "test.db"))
		if err != nil {
			rt.Fatal(err)
		}
		defer s.Close()
		if err := s.Migrate(context.Background()); err != nil {
			rt.Fatal(err)
		}
		m := NewManager(s, Config{
			TTL:           time.Hour,
			RetryAttempts: 10,
			RetryBackoff:  time.Millisecond,
			StoreTimeout:  5 * time.Second,
		})
		ctx := context.Background()

		projects := []string{"42", "99"}
		pipelines := []string{"1", "2", "3"}

		n := rapid.IntRange(1, 25).Draw(rt, "deliveries")
		for i := 0; i < n; i++ {
			project := rapid.SampledFrom(projects).Draw(rt, fmt.Sprintf("project%d", i))
			pipeline := rapid.SampledFrom(pipelines).Draw(rt, fmt.Sprintf("pipeline%d", i))
			if _, _, err := m.Resolve(ctx, pipelineEvent(project, pipeline)); err != nil {
				rt.Fatal(err)
			}
		}

		active, err := s.ListSessions(ctx, store.SessionFilter{Status: models.SessionStatusActive})
		if err != nil {
			rt.Fatal(err)
		}
		seen := make(map[string]bool)
		for _, session := range active {
			key := session.ProjectID + "/" + string(session.Type) + "/" + session.IdentityKey
			if seen[key] {
				rt.Fatalf("two active sessions for identity %s", key)
			}
			seen[key] = true
		}
	})
}
