// Package forward delivers accepted failure sessions to the external
// analysis agent. The agent is a collaborator behind a narrow interface:
// it receives the session reference over HTTP and does its own reasoning;
// nothing here waits on, or depends on, what it concludes.
package forward

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/triagekit/triage/internal/events"
	"github.com/triagekit/triage/internal/models"
)

// Forwarder hands a resolved session to a downstream consumer.
type Forwarder interface {
	Forward(ctx context.Context, session *models.Session, kind events.Kind) error
}

// AgentMessage is the wire format posted to the analysis agent.
type AgentMessage struct {
	EventType   string    `json:"event_type"`
	SessionID   string    `json:"session_id"`
	SessionType string    `json:"session_type"`
	ProjectID   string    `json:"project_id"`
	Timestamp   time.Time `json:"timestamp"`
}

// HTTPForwarder posts sessions to the analysis agent's event endpoint.
type HTTPForwarder struct {
	baseURL string
	client  *http.Client
}

// NewHTTPForwarder creates a forwarder for the agent at baseURL.
func NewHTTPForwarder(baseURL string, timeout time.Duration) *HTTPForwarder {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPForwarder{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (f *HTTPForwarder) Forward(ctx context.Context, session *models.Session, kind events.Kind) error {
	msg := AgentMessage{
		EventType:   string(kind),
		SessionID:   session.ID,
		SessionType: string(session.Type),
		ProjectID:   session.ProjectID,
		Timestamp:   time.Now().UTC(),
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode agent message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+"/events", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build agent request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("forward to agent: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("agent returned status %d", resp.StatusCode)
	}
	return nil
}

// Nop discards every forward. Used when no agent is configured.
type Nop struct{}

func (Nop) Forward(context.Context, *models.Session, events.Kind) error { return nil }
