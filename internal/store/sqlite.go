package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/triagekit/triage/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const sessionColumns = `id, session_type, identity_key, project_id, project_name,
	status, status_reason, superseded_by,
	pipeline_id, pipeline_url, branch, commit_sha, job_name, failed_stage,
	quality_gate_status, issues_total, issues_critical,
	conversation_history, applied_fixes,
	created_at, last_activity, expires_at, version`

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one concurrent writer. Limiting to a single
	// connection serializes all DB access through Go's connection pool,
	// preventing "database is locked" errors under concurrent webhooks.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for concurrent reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	// Set busy timeout so concurrent writes wait instead of failing immediately
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// newULID generates a new ULID string.
func newULID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(entropy, 0)).String()
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()

		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}

	return nil
}

// Ping verifies the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Writes ---

func (s *SQLiteStore) Insert(ctx context.Context, session *models.Session) error {
	if session.ID == "" {
		session.ID = newULID()
	}
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	if session.LastActivity.IsZero() {
		session.LastActivity = session.CreatedAt
	}
	if session.Status == "" {
		session.Status = models.SessionStatusActive
	}
	session.Version = 1

	historyJSON, err := encodeHistory(session.ConversationHistory)
	if err != nil {
		return err
	}
	fixesJSON, err := encodeFixes(session.AppliedFixes)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, string(session.Type), session.IdentityKey, session.ProjectID, session.ProjectName,
		string(session.Status), session.StatusReason, session.SupersededBy,
		session.Pipeline.PipelineID, session.Pipeline.PipelineURL, session.Pipeline.Branch,
		session.Pipeline.CommitSHA, session.Pipeline.JobName, session.Pipeline.FailedStage,
		session.Quality.GateStatus, session.Quality.IssuesTotal, session.Quality.IssuesCritical,
		historyJSON, fixesJSON,
		session.CreatedAt, session.LastActivity, session.ExpiresAt, session.Version,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateActiveSession
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateWithVersionCheck(ctx context.Context, id string, expectedVersion int64, patch SessionPatch) (*models.Session, error) {
	sets := []string{"version = version + 1"}
	var args []any

	addSet := func(column string, value any) {
		sets = append(sets, column+" = ?")
		args = append(args, value)
	}

	if patch.LastActivity != nil {
		addSet("last_activity", patch.LastActivity.UTC())
	}
	if patch.ExpiresAt != nil {
		addSet("expires_at", patch.ExpiresAt.UTC())
	}
	if patch.ProjectName != nil {
		addSet("project_name", *patch.ProjectName)
	}
	if patch.Pipeline != nil {
		addSet("pipeline_id", patch.Pipeline.PipelineID)
		addSet("pipeline_url", patch.Pipeline.PipelineURL)
		addSet("branch", patch.Pipeline.Branch)
		addSet("commit_sha", patch.Pipeline.CommitSHA)
		addSet("job_name", patch.Pipeline.JobName)
		addSet("failed_stage", patch.Pipeline.FailedStage)
	}
	if patch.Quality != nil {
		addSet("quality_gate_status", patch.Quality.GateStatus)
		addSet("issues_total", patch.Quality.IssuesTotal)
		addSet("issues_critical", patch.Quality.IssuesCritical)
	}
	if patch.Type != nil {
		addSet("session_type", string(*patch.Type))
	}
	if patch.IdentityKey != nil {
		addSet("identity_key", *patch.IdentityKey)
	}
	if patch.Status != nil {
		addSet("status", string(*patch.Status))
	}
	if patch.StatusReason != nil {
		addSet("status_reason", *patch.StatusReason)
	}
	if patch.SupersededBy != nil {
		addSet("superseded_by", *patch.SupersededBy)
	}
	if patch.History != nil {
		historyJSON, err := encodeHistory(*patch.History)
		if err != nil {
			return nil, err
		}
		addSet("conversation_history", historyJSON)
	}
	if patch.Fixes != nil {
		fixesJSON, err := encodeFixes(*patch.Fixes)
		if err != nil {
			return nil, err
		}
		addSet("applied_fixes", fixesJSON)
	}

	query := "UPDATE sessions SET " + strings.Join(sets, ", ") + " WHERE id = ? AND version = ?"
	args = append(args, id, expectedVersion)

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		if isUniqueViolation(err) {
			// Promotion rewrote the identity into one that is already
			// held by another Active session.
			return nil, ErrDuplicateActiveSession
		}
		return nil, fmt.Errorf("update session: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		// Distinguish a stale version from a missing row.
		var exists int
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions WHERE id = ?", id).Scan(&exists); err != nil {
			return nil, fmt.Errorf("check session %s: %w", id, err)
		}
		if exists == 0 {
			return nil, ErrNotFound
		}
		return nil, ErrVersionConflict
	}

	return s.GetSession(ctx, id)
}

func (s *SQLiteStore) MarkStatus(ctx context.Context, id string, status models.SessionStatus, reason string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, status_reason = ?, last_activity = ?, version = version + 1 WHERE id = ?`,
		string(status), reason, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("mark session status: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) AppendConversation(ctx context.Context, id string, entries []models.ConversationEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var historyJSON string
	err = tx.QueryRowContext(ctx, "SELECT conversation_history FROM sessions WHERE id = ?", id).Scan(&historyJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read conversation history: %w", err)
	}

	history, err := decodeHistory(historyJSON)
	if err != nil {
		return err
	}
	history = append(history, entries...)

	updated, err := encodeHistory(history)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET conversation_history = ?, last_activity = ?, version = version + 1 WHERE id = ?`,
		updated, time.Now().UTC(), id,
	); err != nil {
		return fmt.Errorf("append conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// --- Reads ---

func (s *SQLiteStore) FindActive(ctx context.Context, projectID string, typ models.SessionType, identityKey string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		WHERE project_id = ? AND session_type = ? AND identity_key = ?
		AND status = 'active'
		ORDER BY created_at DESC LIMIT 1`,
		projectID, string(typ), identityKey,
	)
	return scanSession(row)
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

func (s *SQLiteStore) ListSessions(ctx context.Context, filter SessionFilter) ([]*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	var conditions []string
	var args []any

	if filter.ProjectID != "" {
		conditions = append(conditions, "project_id = ?")
		args = append(args, filter.ProjectID)
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	return s.querySessions(ctx, query, args...)
}

func (s *SQLiteStore) FindExpired(ctx context.Context, now time.Time) ([]*models.Session, error) {
	return s.querySessions(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		WHERE status = 'active' AND expires_at < ?
		ORDER BY expires_at`,
		now.UTC(),
	)
}

func (s *SQLiteStore) FindActiveByBranch(ctx context.Context, projectID, branch string) ([]*models.Session, error) {
	return s.querySessions(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		WHERE project_id = ? AND branch = ? AND status = 'active'
		ORDER BY created_at DESC`,
		projectID, branch,
	)
}

// querySessions is a shared helper for scanning session rows.
func (s *SQLiteStore) querySessions(ctx context.Context, query string, args ...any) ([]*models.Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*models.Session
	for rows.Next() {
		session, err := scanSessionRow(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSessionRow(scanner rowScanner) (*models.Session, error) {
	session := &models.Session{}
	var typ, status string
	var historyJSON, fixesJSON string

	err := scanner.Scan(
		&session.ID, &typ, &session.IdentityKey, &session.ProjectID, &session.ProjectName,
		&status, &session.StatusReason, &session.SupersededBy,
		&session.Pipeline.PipelineID, &session.Pipeline.PipelineURL, &session.Pipeline.Branch,
		&session.Pipeline.CommitSHA, &session.Pipeline.JobName, &session.Pipeline.FailedStage,
		&session.Quality.GateStatus, &session.Quality.IssuesTotal, &session.Quality.IssuesCritical,
		&historyJSON, &fixesJSON,
		&session.CreatedAt, &session.LastActivity, &session.ExpiresAt, &session.Version,
	)
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}

	session.Type = models.SessionType(typ)
	session.Status = models.SessionStatus(status)
	if session.ConversationHistory, err = decodeHistory(historyJSON); err != nil {
		return nil, err
	}
	if session.AppliedFixes, err = decodeFixes(fixesJSON); err != nil {
		return nil, err
	}
	return session, nil
}

func scanSession(row *sql.Row) (*models.Session, error) {
	session, err := scanSessionRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return session, nil
}

// --- JSON columns ---

func encodeHistory(history []models.ConversationEntry) (string, error) {
	if history == nil {
		return "[]", nil
	}
	data, err := json.Marshal(history)
	if err != nil {
		return "", fmt.Errorf("encode conversation history: %w", err)
	}
	return string(data), nil
}

func decodeHistory(raw string) ([]models.ConversationEntry, error) {
	if raw == "" || raw == "[]" {
		return nil, nil
	}
	var history []models.ConversationEntry
	if err := json.Unmarshal([]byte(raw), &history); err != nil {
		return nil, fmt.Errorf("decode conversation history: %w", err)
	}
	return history, nil
}

func encodeFixes(fixes []models.FixRecord) (string, error) {
	if fixes == nil {
		return "[]", nil
	}
	data, err := json.Marshal(fixes)
	if err != nil {
		return "", fmt.Errorf("encode applied fixes: %w", err)
	}
	return string(data), nil
}

func decodeFixes(raw string) ([]models.FixRecord, error) {
	if raw == "" || raw == "[]" {
		return nil, nil
	}
	var fixes []models.FixRecord
	if err := json.Unmarshal([]byte(raw), &fixes); err != nil {
		return nil, fmt.Errorf("decode applied fixes: %w", err)
	}
	return fixes, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
