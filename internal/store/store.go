package store

import (
	"context"
	"errors"
	"time"

	"github.com/triagekit/triage/internal/models"
)

var (
	// ErrNotFound indicates no session matched the lookup.
	ErrNotFound = errors.New("session not found")

	// ErrDuplicateActiveSession indicates an insert would violate the
	// one-active-session-per-identity constraint.
	ErrDuplicateActiveSession = errors.New("active session already exists for identity")

	// ErrVersionConflict indicates a version-checked update lost a race
	// with a concurrent writer and must be retried from a fresh read.
	ErrVersionConflict = errors.New("session version conflict")
)

// SessionFilter specifies filters for listing sessions.
type SessionFilter struct {
	ProjectID string
	Status    models.SessionStatus
	Limit     int
}

// SessionPatch describes a partial, version-checked session update. Nil
// fields are left untouched. Context fields carry final merged values: the
// caller reads the session, merges in memory, and commits under the same
// version it read, so a concurrent writer always surfaces as a conflict.
type SessionPatch struct {
	LastActivity *time.Time
	ExpiresAt    *time.Time

	ProjectName *string
	Pipeline    *models.PipelineContext
	Quality     *models.QualityContext

	// Promotion rewrites the type and identity key together.
	Type        *models.SessionType
	IdentityKey *string

	Status       *models.SessionStatus
	StatusReason *string
	SupersededBy *string

	// History replaces the stored conversation history. Callers must have
	// read the current history under the version being checked, and may
	// only ever grow it.
	History *[]models.ConversationEntry

	Fixes *[]models.FixRecord
}

// Store defines the persistence contract for sessions. All writes are
// single-statement transactions; partial updates are never observable.
type Store interface {
	// FindActive returns the Active session for the identity triple, or
	// ErrNotFound. Expiry is not filtered here: a lapsed session still
	// holds the identity slot until it is reclaimed, so the caller decides
	// whether to touch it or expire it.
	FindActive(ctx context.Context, projectID string, typ models.SessionType, identityKey string) (*models.Session, error)

	// Insert persists a new session, assigning its id and version. It
	// fails with ErrDuplicateActiveSession when an Active session already
	// holds the same (project, type, identity key).
	Insert(ctx context.Context, session *models.Session) error

	// UpdateWithVersionCheck applies the patch iff the stored version
	// still equals expectedVersion, bumping the version. Returns the
	// updated session, or ErrVersionConflict / ErrNotFound.
	UpdateWithVersionCheck(ctx context.Context, id string, expectedVersion int64, patch SessionPatch) (*models.Session, error)

	// MarkStatus transitions a session's status unconditionally, last
	// writer wins. Intended for administrative fixes; request paths go
	// through UpdateWithVersionCheck.
	MarkStatus(ctx context.Context, id string, status models.SessionStatus, reason string) error

	// AppendConversation appends entries to the session's history.
	AppendConversation(ctx context.Context, id string, entries []models.ConversationEntry) error

	GetSession(ctx context.Context, id string) (*models.Session, error)
	ListSessions(ctx context.Context, filter SessionFilter) ([]*models.Session, error)

	// FindExpired returns Active sessions whose TTL lapsed before now.
	FindExpired(ctx context.Context, now time.Time) ([]*models.Session, error)

	// FindActiveByBranch returns Active pipeline sessions for a project
	// branch, used to auto-resolve when the pipeline goes green.
	FindActiveByBranch(ctx context.Context, projectID, branch string) ([]*models.Session, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
