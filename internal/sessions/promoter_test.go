package sessions

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/triagekit/triage/internal/events"
	"github.com/triagekit/triage/internal/models"
	"github.com/triagekit/triage/internal/store"
)

func TestPromote_ConvertsInPlace(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()

	session, _, err := m.Resolve(ctx, pipelineEvent("42", "12345"))
	require.NoError(t, err)

	result, err := m.Promote(ctx, session, models.QualityContext{
		GateStatus: "ERROR", IssuesTotal: 3, IssuesCritical: 1,
	})
	require.NoError(t, err)

	assert.Equal(t, PromotionConverted, result.Outcome)
	assert.Equal(t, session.ID, result.Session.ID, "conversion keeps the session id")
	assert.Equal(t, models.SessionTypeQuality, result.Session.Type)
	assert.Equal(t, events.QualityIdentityKey("42", "main"), result.Session.IdentityKey)
	assert.Equal(t, 3, result.Session.Quality.IssuesTotal)

	// No second session appeared.
	active, err := s.ListSessions(ctx, store.SessionFilter{Status: models.SessionStatusActive})
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestPromote_PreservesHistory(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()

	session, _, err := m.Resolve(ctx, pipelineEvent("42", "12345"))
	require.NoError(t, err)
	require.NoError(t, s.AppendConversation(ctx, session.ID, []models.ConversationEntry{
		{Role: "system", Content: "pipeline 12345 failed", Timestamp: time.Now().UTC()},
	}))
	session, err = s.GetSession(ctx, session.ID)
	require.NoError(t, err)

	result, err := m.Promote(ctx, session, models.QualityContext{GateStatus: "ERROR"})
	require.NoError(t, err)

	require.Len(t, result.Session.ConversationHistory, 1)
	assert.Equal(t, "pipeline 12345 failed", result.Session.ConversationHistory[0].Content)
}

func TestPromote_MergesIntoExistingQualitySession(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()

	quality, _, err := m.Resolve(ctx, qualityEvent("42", "main"))
	require.NoError(t, err)
	require.NoError(t, s.AppendConversation(ctx, quality.ID, []models.ConversationEntry{
		{Role: "system", Content: "quality gate failed", Timestamp: time.Now().UTC().Add(-time.Minute)},
	}))

	pipeline, _, err := m.Resolve(ctx, pipelineEvent("42", "12345"))
	require.NoError(t, err)
	require.NoError(t, s.AppendConversation(ctx, pipeline.ID, []models.ConversationEntry{
		{Role: "system", Content: "pipeline 12345 failed", Timestamp: time.Now().UTC()},
	}))
	pipeline, err = s.GetSession(ctx, pipeline.ID)
	require.NoError(t, err)

	result, err := m.Promote(ctx, pipeline, models.QualityContext{GateStatus: "ERROR", IssuesTotal: 5})
	require.NoError(t, err)

	assert.Equal(t, PromotionMerged, result.Outcome)
	assert.Equal(t, quality.ID, result.Session.ID, "the quality session absorbs")
	assert.Equal(t, pipeline.ID, result.SupersededID)

	// Histories are combined chronologically.
	require.Len(t, result.Session.ConversationHistory, 2)
	assert.Equal(t, "quality gate failed", result.Session.ConversationHistory[0].Content)
	assert.Equal(t, "pipeline 12345 failed", result.Session.ConversationHistory[1].Content)

	// Pipeline context survives on the absorber.
	assert.Equal(t, "12345", result.Session.Pipeline.PipelineID)

	// The pipeline session is closed, not deleted.
	superseded, err := s.GetSession(ctx, pipeline.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusSuperseded, superseded.Status)
	assert.Equal(t, quality.ID, superseded.SupersededBy)

	// Exactly one active session remains for the failure.
	active, err := s.ListSessions(ctx, store.SessionFilter{Status: models.SessionStatusActive})
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestPromote_LapsedAbsorberIsReclaimed(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()

	quality, _, err := m.Resolve(ctx, qualityEvent("42", "main"))
	require.NoError(t, err)

	past := time.Now().UTC().Add(-time.Minute)
	_, err = s.UpdateWithVersionCheck(ctx, quality.ID, quality.Version, store.SessionPatch{
		ExpiresAt: &past,
	})
	require.NoError(t, err)

	pipeline, _, err := m.Resolve(ctx, pipelineEvent("42", "12345"))
	require.NoError(t, err)

	// Promotion must not merge into (and revive) the dead quality
	// session; it reclaims it and converts the pipeline session instead.
	result, err := m.Promote(ctx, pipeline, models.QualityContext{GateStatus: "ERROR"})
	require.NoError(t, err)
	assert.Equal(t, PromotionConverted, result.Outcome)
	assert.Equal(t, pipeline.ID, result.Session.ID)

	reclaimed, err := s.GetSession(ctx, quality.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusExpired, reclaimed.Status)

	active, err := s.ListSessions(ctx, store.SessionFilter{Status: models.SessionStatusActive})
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestPromote_AlreadyQualityIsNoop(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	session, _, err := m.Resolve(ctx, qualityEvent("42", "main"))
	require.NoError(t, err)

	result, err := m.Promote(ctx, session, models.QualityContext{GateStatus: "ERROR"})
	require.NoError(t, err)

	assert.Equal(t, PromotionConverted, result.Outcome)
	assert.Equal(t, session.ID, result.Session.ID)
	assert.Equal(t, session.Version, result.Session.Version, "no write for an already promoted session")
}

func TestPromote_SupersededRedeliveryPointsAtAbsorber(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()

	_, _, err := m.Resolve(ctx, qualityEvent("42", "main"))
	require.NoError(t, err)
	pipeline, _, err := m.Resolve(ctx, pipelineEvent("42", "12345"))
	require.NoError(t, err)

	first, err := m.Promote(ctx, pipeline, models.QualityContext{GateStatus: "ERROR"})
	require.NoError(t, err)
	require.Equal(t, PromotionMerged, first.Outcome)

	// Redelivering the promotion for the now-superseded session must land
	// on the absorber instead of reviving the closed session.
	stale, err := s.GetSession(ctx, pipeline.ID)
	require.NoError(t, err)
	second, err := m.Promote(ctx, stale, models.QualityContext{GateStatus: "ERROR"})
	require.NoError(t, err)

	assert.Equal(t, PromotionMerged, second.Outcome)
	assert.Equal(t, first.Session.ID, second.Session.ID)
}

func TestHandleEvent_ScenarioQualityThenPipeline(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()

	// Quality gate webhook lands first.
	qualityOutcome, err := m.HandleEvent(ctx, qualityEvent("42", "main"))
	require.NoError(t, err)
	require.True(t, qualityOutcome.IsNew)

	// The pipeline webhook for the same failure follows, flagged as a
	// quality job failure.
	ev := pipelineEvent("42", "12345")
	ev.Kind = events.KindPipelineJobQualityFailure
	ev.Quality = models.QualityContext{GateStatus: "ERROR"}
	pipelineOutcome, err := m.HandleEvent(ctx, ev)
	require.NoError(t, err)

	require.NotNil(t, pipelineOutcome.Promotion)
	assert.Equal(t, PromotionMerged, pipelineOutcome.Promotion.Outcome)
	assert.Equal(t, qualityOutcome.Session.ID, pipelineOutcome.Session.ID)

	active, err := s.ListSessions(ctx, store.SessionFilter{Status: models.SessionStatusActive})
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestHandleEvent_ScenarioPipelineThenQuality(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()

	// Pipeline quality-job failure lands first and converts in place.
	ev := pipelineEvent("42", "12345")
	ev.Kind = events.KindPipelineJobQualityFailure
	ev.Quality = models.QualityContext{GateStatus: "ERROR"}
	pipelineOutcome, err := m.HandleEvent(ctx, ev)
	require.NoError(t, err)
	require.Equal(t, PromotionConverted, pipelineOutcome.Promotion.Outcome)

	// The scanner webhook for the same failure then finds the promoted
	// session instead of creating a second one.
	qualityOutcome, err := m.HandleEvent(ctx, qualityEvent("42", "main"))
	require.NoError(t, err)

	assert.False(t, qualityOutcome.IsNew)
	assert.Equal(t, pipelineOutcome.Session.ID, qualityOutcome.Session.ID)

	active, err := s.ListSessions(ctx, store.SessionFilter{Status: models.SessionStatusActive})
	require.NoError(t, err)
	assert.Len(t, active, 1)
}
