package models

import "time"

// SessionType classifies what kind of failure a session tracks.
// Promotion is one-directional: pipeline sessions may become quality
// sessions, never the reverse.
type SessionType string

const (
	SessionTypePipeline SessionType = "pipeline"
	SessionTypeQuality  SessionType = "quality"
)

// SessionStatus represents the lifecycle state of a session.
type SessionStatus string

const (
	SessionStatusActive     SessionStatus = "active"
	SessionStatusResolved   SessionStatus = "resolved"
	SessionStatusExpired    SessionStatus = "expired"
	SessionStatusSuperseded SessionStatus = "superseded"
)

// ConversationEntry is a single message in a session's conversation history.
// The history is append-only: entries are never removed or reordered.
type ConversationEntry struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// FixRecord describes one fix applied to a session's failure.
type FixRecord struct {
	Branch      string    `json:"branch"`
	Description string    `json:"description"`
	AppliedAt   time.Time `json:"applied_at"`
}

// PipelineContext holds the pipeline-side details of a failure. Populated
// for pipeline sessions and inherited by quality sessions during promotion.
type PipelineContext struct {
	PipelineID  string `json:"pipeline_id,omitempty"`
	PipelineURL string `json:"pipeline_url,omitempty"`
	Branch      string `json:"branch,omitempty"`
	CommitSHA   string `json:"commit_sha,omitempty"`
	JobName     string `json:"job_name,omitempty"`
	FailedStage string `json:"failed_stage,omitempty"`
}

// QualityContext holds the scanner-side details of a failure.
type QualityContext struct {
	GateStatus     string `json:"gate_status,omitempty"`
	IssuesTotal    int    `json:"issues_total,omitempty"`
	IssuesCritical int    `json:"issues_critical,omitempty"`
}

// Session is the tracked unit of work for one real-world failure.
//
// At most one session with status=active may exist for a given
// (ProjectID, Type, IdentityKey) triple; the store enforces this.
type Session struct {
	ID          string        `json:"id"`
	Type        SessionType   `json:"type"`
	IdentityKey string        `json:"identity_key"`
	ProjectID   string        `json:"project_id"`
	ProjectName string        `json:"project_name,omitempty"`
	Status      SessionStatus `json:"status"`

	// StatusReason records why the session left the active state.
	StatusReason string `json:"status_reason,omitempty"`

	// SupersededBy points at the absorbing session when Status is
	// superseded; empty otherwise.
	SupersededBy string `json:"superseded_by,omitempty"`

	Pipeline PipelineContext `json:"pipeline"`
	Quality  QualityContext  `json:"quality"`

	ConversationHistory []ConversationEntry `json:"conversation_history,omitempty"`
	AppliedFixes        []FixRecord         `json:"applied_fixes,omitempty"`

	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	ExpiresAt    time.Time `json:"expires_at"`

	// Version increments on every committed mutation and is the only
	// synchronization primitive for concurrent writers.
	Version int64 `json:"version"`
}

// Expired reports whether the session's TTL has lapsed at the given instant.
func (s *Session) Expired(now time.Time) bool {
	return s.ExpiresAt.Before(now)
}
