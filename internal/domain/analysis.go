package domain

import (
	"time"
)

// AnalysisStatus tracks how far an analysis cycle has progressed.
type AnalysisStatus string

const (
	AnalysisEmpty      AnalysisStatus = "empty"
	AnalysisAnalyzed   AnalysisStatus = "analyzed"
	AnalysisRefactored AnalysisStatus = "refactored"
)

// AnalysisState is the Analyst's latest audit for a session. It is replaced
// as a whole, never merged.
type AnalysisState struct {
	Cycle       int            `json:"cycle"`
	TargetFile  string         `json:"target_file,omitempty"`
	Report      string         `json:"report,omitempty"`
	Status      AnalysisStatus `json:"status"`
	ArtifactRef string         `json:"artifact_ref,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// IsEmpty reports whether no analysis has been produced yet.
func (a AnalysisState) IsEmpty() bool {
	return a.Status == "" || a.Status == AnalysisEmpty
}

// Outcome is the validation result of a tool invocation.
type Outcome string

const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeRejected Outcome = "rejected"
)

// Rejection reasons recorded on ToolInvocation.Reason.
const (
	ReasonEmptyPath          = "empty_path"
	ReasonAbsolutePath       = "absolute_path"
	ReasonPathTraversal      = "path_traversal"
	ReasonOutsideSandbox     = "outside_sandbox"
	ReasonNotRegularFile     = "not_regular_file"
	ReasonContentTooLarge    = "content_too_large"
	ReasonWriteFailed        = "write_failed"
	ReasonUnknownTool        = "unknown_tool"
	ReasonMalformedArguments = "malformed_arguments"
)

// ToolInvocation records one attempted file mutation, accepted or not.
type ToolInvocation struct {
	Tool          string    `json:"tool"`
	RequestedPath string    `json:"requested_path"`
	Content       string    `json:"content"`
	Result        Outcome   `json:"result"`
	Reason        string    `json:"reason,omitempty"`
	ResolvedPath  string    `json:"-"`
	BytesWritten  int       `json:"bytes_written"`
	At            time.Time `json:"at"`
}

// Accepted reports whether the invocation wrote its content.
func (i ToolInvocation) Accepted() bool {
	return i.Result == OutcomeAccepted
}

// Outcome renders the invocation result as "accepted" or "rejected:<reason>".
func (i ToolInvocation) Outcome() string {
	if i.Accepted() {
		return string(OutcomeAccepted)
	}
	return string(OutcomeRejected) + ":" + i.Reason
}

// Tool names understood by the pipeline.
const (
	ToolWriteFile   = "write_file"
	ToolSubmitAudit = "submit_audit"
)
