package pipeline

import (
	"time"

	"github.com/ashureev/repo-ranger/internal/domain"
)

// AnalysisSummary is the client view of the current analysis.
type AnalysisSummary struct {
	Cycle       int                   `json:"cycle"`
	Status      domain.AnalysisStatus `json:"status"`
	TargetFile  string                `json:"target_file,omitempty"`
	Report      string                `json:"report,omitempty"`
	ArtifactRef string                `json:"artifact_ref,omitempty"`
}

// Result is the outcome of one PostMessage call.
type Result struct {
	SessionID     string                 `json:"session_id"`
	AgentRole     domain.Role            `json:"agent_role"`
	AgentText     string                 `json:"agent_text"`
	PipelineState domain.PipelineState   `json:"pipeline_state"`
	Analysis      AnalysisSummary        `json:"analysis"`
	ArtifactRef   string                 `json:"artifact_ref,omitempty"`
	Invocation    *domain.ToolInvocation `json:"invocation,omitempty"`
}

// SessionView is the client view of a session.
type SessionView struct {
	SessionID     string               `json:"session_id"`
	CreatedAt     time.Time            `json:"created_at"`
	LastActiveAt  time.Time            `json:"last_active_at"`
	PipelineState domain.PipelineState `json:"pipeline_state"`
	InFlight      domain.PipelineState `json:"in_flight,omitempty"`
	Turns         int                  `json:"turns"`
	Analysis      AnalysisSummary      `json:"analysis"`
	Repo          *domain.RepoSnapshot `json:"repo,omitempty"`
	Artifacts     []domain.Artifact    `json:"artifacts"`
}

// Package projects a committed session and its latest turn into a Result.
func Package(s *domain.Session, latest domain.Turn) Result {
	r := Result{
		SessionID:     s.ID,
		AgentRole:     latest.Role,
		AgentText:     latest.Content,
		PipelineState: s.Pipeline,
		Analysis:      summarize(s.Analysis),
	}
	if latest.Invocation != nil {
		inv := *latest.Invocation
		r.Invocation = &inv
		if inv.Accepted() {
			r.ArtifactRef = s.Analysis.ArtifactRef
		}
	}
	return r
}

// View projects a session for status queries.
func View(s *domain.Session) SessionView {
	v := SessionView{
		SessionID:     s.ID,
		CreatedAt:     s.CreatedAt,
		LastActiveAt:  s.LastActiveAt,
		PipelineState: s.Pipeline,
		InFlight:      s.InFlight,
		Turns:         len(s.Turns),
		Analysis:      summarize(s.Analysis),
		Repo:          s.Repo,
		Artifacts:     s.Artifacts,
	}
	if v.Artifacts == nil {
		v.Artifacts = []domain.Artifact{}
	}
	return v
}

func summarize(a domain.AnalysisState) AnalysisSummary {
	status := a.Status
	if status == "" {
		status = domain.AnalysisEmpty
	}
	return AnalysisSummary{
		Cycle:       a.Cycle,
		Status:      status,
		TargetFile:  a.TargetFile,
		Report:      a.Report,
		ArtifactRef: a.ArtifactRef,
	}
}
