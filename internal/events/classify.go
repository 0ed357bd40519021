package events

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/triagekit/triage/internal/models"
)

// Kind is the closed set of failure classifications. Every well-formed
// failure event maps to exactly one kind.
type Kind string

const (
	// KindPipelineFailure is an ordinary pipeline failure.
	KindPipelineFailure Kind = "pipeline_failure"
	// KindQualityGateFailure is a failure reported by the quality scanner.
	KindQualityGateFailure Kind = "quality_gate_failure"
	// KindPipelineJobQualityFailure is a pipeline failure whose failed job
	// is a quality-gate job; it triggers promotion of the session.
	KindPipelineJobQualityFailure Kind = "pipeline_job_quality_failure"
)

// ValidationError marks a payload that cannot be classified. It is raised
// before any store interaction, so a rejected event has no session effect.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid payload: %s %s", e.Field, e.Reason)
}

// IgnoredError marks a well-formed event that the service deliberately does
// not track (passing quality gates, non-pipeline hooks, and so on).
type IgnoredError struct {
	Reason string
}

func (e *IgnoredError) Error() string {
	return "event ignored: " + e.Reason
}

// Event is the classified form of an inbound webhook: a tagged union that
// all downstream logic switches on.
type Event struct {
	Kind        Kind
	ProjectID   string
	ProjectName string
	IdentityKey string
	Pipeline    models.PipelineContext
	Quality     models.QualityContext
}

// SessionType returns the session type an event resolves against. Pipeline
// job quality failures resolve as pipeline sessions first and are promoted
// afterwards, so only scanner events resolve directly as quality.
func (e *Event) SessionType() models.SessionType {
	if e.Kind == KindQualityGateFailure {
		return models.SessionTypeQuality
	}
	return models.SessionTypePipeline
}

// Classifier maps raw source payloads into typed events.
type Classifier struct {
	qualityJobPatterns []string
}

// DefaultQualityJobPatterns match the conventional names of quality-gate
// jobs in CI configurations.
var DefaultQualityJobPatterns = []string{"sonar", "quality"}

// NewClassifier creates a classifier with the given quality-job name
// patterns. Matching is case-insensitive substring; empty falls back to
// DefaultQualityJobPatterns.
func NewClassifier(qualityJobPatterns []string) *Classifier {
	if len(qualityJobPatterns) == 0 {
		qualityJobPatterns = DefaultQualityJobPatterns
	}
	lowered := make([]string, len(qualityJobPatterns))
	for i, p := range qualityJobPatterns {
		lowered[i] = strings.ToLower(p)
	}
	return &Classifier{qualityJobPatterns: lowered}
}

// ClassifyPipeline classifies a GitLab pipeline webhook. Non-pipeline hooks
// and non-failed pipelines return an IgnoredError; malformed payloads
// return a ValidationError.
func (c *Classifier) ClassifyPipeline(p *PipelinePayload) (*Event, error) {
	if p.ObjectKind != "pipeline" {
		return nil, &IgnoredError{Reason: "not a pipeline event"}
	}
	if p.Project.ID == 0 {
		return nil, &ValidationError{Field: "project.id", Reason: "missing"}
	}
	if p.ObjectAttributes.ID == 0 {
		return nil, &ValidationError{Field: "object_attributes.id", Reason: "missing"}
	}
	if p.ObjectAttributes.Status != "failed" {
		return nil, &IgnoredError{Reason: "pipeline status: " + p.ObjectAttributes.Status}
	}

	pipelineID := strconv.FormatInt(p.ObjectAttributes.ID, 10)
	ev := &Event{
		Kind:        KindPipelineFailure,
		ProjectID:   strconv.FormatInt(p.Project.ID, 10),
		ProjectName: p.Project.Name,
		IdentityKey: PipelineIdentityKey(pipelineID),
		Pipeline: models.PipelineContext{
			PipelineID:  pipelineID,
			PipelineURL: p.ObjectAttributes.URL,
			Branch:      p.ObjectAttributes.Ref,
			CommitSHA:   p.ObjectAttributes.SHA,
		},
	}

	failed := failedBuilds(p.Builds)
	if len(failed) > 0 {
		ev.Pipeline.JobName = failed[0].Name
		ev.Pipeline.FailedStage = failed[0].Stage
	}
	for _, b := range failed {
		if c.isQualityJob(b.Name) || c.isQualityJob(b.Stage) {
			ev.Kind = KindPipelineJobQualityFailure
			ev.Pipeline.JobName = b.Name
			ev.Pipeline.FailedStage = b.Stage
			break
		}
	}
	return ev, nil
}

// ClassifyQuality classifies a SonarQube webhook. Events from the quality
// source are always quality-gate failures; passing gates are ignored.
func (c *Classifier) ClassifyQuality(p *QualityPayload) (*Event, error) {
	if p.Project.Key == "" {
		return nil, &ValidationError{Field: "project.key", Reason: "missing"}
	}
	if p.QualityGate.Status != "ERROR" {
		return nil, &IgnoredError{Reason: "quality gate status: " + p.QualityGate.Status}
	}

	branch := p.Branch.Name
	if branch == "" {
		branch = defaultBranch
	}

	total, critical := 0, 0
	for _, cond := range p.QualityGate.Conditions {
		if cond.Status == "ERROR" {
			total++
			if strings.Contains(cond.Metric, "critical") || strings.Contains(cond.Metric, "blocker") {
				critical++
			}
		}
	}

	return &Event{
		Kind:        KindQualityGateFailure,
		ProjectID:   p.Project.Key,
		ProjectName: p.Project.Name,
		IdentityKey: QualityIdentityKey(p.Project.Key, branch),
		Pipeline: models.PipelineContext{
			Branch: branch,
		},
		Quality: models.QualityContext{
			GateStatus:     p.QualityGate.Status,
			IssuesTotal:    total,
			IssuesCritical: critical,
		},
	}, nil
}

func (c *Classifier) isQualityJob(name string) bool {
	lowered := strings.ToLower(name)
	for _, p := range c.qualityJobPatterns {
		if strings.Contains(lowered, p) {
			return true
		}
	}
	return false
}

// failedBuilds returns the failed builds ordered most recently finished
// first, matching how the failure is reported on the session.
func failedBuilds(builds []Build) []Build {
	var failed []Build
	for _, b := range builds {
		if b.Status == "failed" {
			failed = append(failed, b)
		}
	}
	sort.SliceStable(failed, func(i, j int) bool {
		return failed[i].FinishedAt > failed[j].FinishedAt
	})
	return failed
}
