package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/triagekit/triage/internal/events"
	"github.com/triagekit/triage/internal/forward"
	"github.com/triagekit/triage/internal/models"
	"github.com/triagekit/triage/internal/sessions"
	"github.com/triagekit/triage/internal/store"
)

// Config holds the webhook authentication settings.
type Config struct {
	AuthEnabled     bool
	GitLabSecret    string
	SonarQubeSecret string
}

// Server provides the webhook entry points and the session REST surface.
type Server struct {
	store      store.Store
	manager    *sessions.Manager
	classifier *events.Classifier
	forwarder  forward.Forwarder
	cfg        Config
}

// NewServer creates the HTTP server. A nil forwarder disables forwarding.
func NewServer(s store.Store, m *sessions.Manager, c *events.Classifier, f forward.Forwarder, cfg Config) *Server {
	if f == nil {
		f = forward.Nop{}
	}
	return &Server{store: s, manager: m, classifier: c, forwarder: f, cfg: cfg}
}

// Router returns an http.Handler for all routes.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /webhooks/gitlab", s.gitlabWebhook)
	mux.HandleFunc("POST /webhooks/sonarqube", s.sonarqubeWebhook)

	mux.HandleFunc("GET /api/v1/sessions", s.listSessions)
	mux.HandleFunc("GET /api/v1/sessions/{id}", s.getSession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/resolve", s.resolveSession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/messages", s.appendMessages)

	mux.HandleFunc("GET /healthz", s.healthz)

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// --- Webhooks ---

// webhookResponse is the success contract for both entry points.
type webhookResponse struct {
	Status      string `json:"status"`
	SessionID   string `json:"session_id,omitempty"`
	SessionType string `json:"session_type,omitempty"`
	IsNew       bool   `json:"is_new"`
	Promotion   string `json:"promotion,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

func (s *Server) gitlabWebhook(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r.Header.Get("X-Gitlab-Token"), s.cfg.GitLabSecret) {
		writeError(w, http.StatusUnauthorized, "invalid webhook token")
		return
	}

	var payload events.PipelinePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	// A green pipeline closes any session tracking a failure on its branch.
	if payload.ObjectKind == "pipeline" && payload.ObjectAttributes.Status == "success" {
		projectID := strconv.FormatInt(payload.Project.ID, 10)
		n, err := s.manager.ResolveOnSuccess(r.Context(), projectID, payload.ObjectAttributes.Ref)
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "store unavailable, please redeliver")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "resolved", "sessions_resolved": n})
		return
	}

	ev, err := s.classifier.ClassifyPipeline(&payload)
	if err != nil {
		s.writeClassificationError(w, err)
		return
	}
	s.handleEvent(w, r, ev)
}

func (s *Server) sonarqubeWebhook(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r.Header.Get("X-SonarQube-Webhook-Secret"), s.cfg.SonarQubeSecret) {
		writeError(w, http.StatusUnauthorized, "invalid webhook token")
		return
	}

	var payload events.QualityPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	ev, err := s.classifier.ClassifyQuality(&payload)
	if err != nil {
		s.writeClassificationError(w, err)
		return
	}
	s.handleEvent(w, r, ev)
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request, ev *events.Event) {
	outcome, err := s.manager.HandleEvent(r.Context(), ev)
	if err != nil {
		if errors.Is(err, sessions.ErrTransient) {
			slog.Warn("event handling hit transient store failure", "kind", ev.Kind, "error", err)
			writeError(w, http.StatusServiceUnavailable, "store unavailable, please redeliver")
			return
		}
		slog.Error("event handling failed", "kind", ev.Kind, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := webhookResponse{
		Status:      "tracked",
		SessionID:   outcome.Session.ID,
		SessionType: string(outcome.Session.Type),
		IsNew:       outcome.IsNew,
	}
	if outcome.Promotion != nil {
		resp.Promotion = string(outcome.Promotion.Outcome)
	}

	s.forwardAsync(outcome.Session, ev.Kind)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeClassificationError(w http.ResponseWriter, err error) {
	var ignored *events.IgnoredError
	if errors.As(err, &ignored) {
		writeJSON(w, http.StatusOK, webhookResponse{Status: "ignored", Reason: ignored.Reason})
		return
	}
	var validation *events.ValidationError
	if errors.As(err, &validation) {
		writeError(w, http.StatusBadRequest, validation.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

// forwardAsync hands the session to the analysis agent without holding the
// webhook response open; delivery failures are logged, never surfaced, so
// the sender does not redeliver an event that was already tracked.
func (s *Server) forwardAsync(session *models.Session, kind events.Kind) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := s.forwarder.Forward(ctx, session, kind); err != nil {
			slog.Warn("forward to analysis agent failed", "session_id", session.ID, "error", err)
		}
	}()
}

func (s *Server) authorized(token, secret string) bool {
	if !s.cfg.AuthEnabled {
		return true
	}
	if token == "" || secret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(secret)) == 1
}

// --- Sessions ---

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	filter := store.SessionFilter{
		ProjectID: r.URL.Query().Get("project_id"),
		Status:    models.SessionStatus(r.URL.Query().Get("status")),
		Limit:     50,
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			filter.Limit = n
		}
	}

	list, err := s.store.ListSessions(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if list == nil {
		list = []*models.Session{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	session, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) resolveSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req struct {
		Reason string `json:"reason"`
	}
	if r.Body != nil && r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "resolved externally"
	}

	session, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if session.Status != models.SessionStatusActive {
		writeError(w, http.StatusConflict, "session is "+string(session.Status)+", not active")
		return
	}

	// Version-checked so a session superseded or expired between the
	// status check and the write is never overwritten.
	status := models.SessionStatusResolved
	if _, err := s.store.UpdateWithVersionCheck(r.Context(), id, session.Version, store.SessionPatch{
		Status:       &status,
		StatusReason: &req.Reason,
	}); err != nil {
		switch {
		case errors.Is(err, store.ErrVersionConflict):
			writeError(w, http.StatusConflict, "session was modified concurrently, retry")
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "session not found")
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"session_id": id,
		"status":     string(models.SessionStatusResolved),
	})
}

func (s *Server) appendMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req struct {
		Entries []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"entries"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.Entries) == 0 {
		writeError(w, http.StatusBadRequest, "entries is required")
		return
	}

	now := time.Now().UTC()
	entries := make([]models.ConversationEntry, 0, len(req.Entries))
	for _, e := range req.Entries {
		if e.Role == "" || e.Content == "" {
			writeError(w, http.StatusBadRequest, "entry role and content are required")
			return
		}
		entries = append(entries, models.ConversationEntry{Role: e.Role, Content: e.Content, Timestamp: now})
	}

	if err := s.store.AppendConversation(r.Context(), id, entries); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"appended": len(entries)})
}

// --- Health ---

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
