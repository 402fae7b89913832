// Package agent adapts language-model backends to the Capability interface
// used by the pipeline.
package agent

import (
	"errors"

	"github.com/ashureev/repo-ranger/internal/domain"
)

var (
	// ErrEmptyReply is returned when a backend produced neither text nor a
	// tool call.
	ErrEmptyReply = errors.New("agent returned an empty reply")
	// ErrMalformedReply is returned for replies that cannot be decoded.
	ErrMalformedReply = errors.New("agent returned a malformed reply")
)

// Request is the input of a single Generate call.
type Request struct {
	Stage  domain.Role
	Model  string
	System string
	Text   string
	Tools  []ToolSpec
	// ForceTool asks the backend to answer with a tool call when it can.
	ForceTool bool
}

// Reply is either PlainText or ToolCallRequest.
type Reply interface {
	isReply()
}

// PlainText is a text-only reply.
type PlainText struct {
	Text string
}

// ToolCallRequest is a reply asking for a tool to be executed. Args are
// untrusted model output.
type ToolCallRequest struct {
	ID   string
	Name string
	Args map[string]any
	Text string
}

func (PlainText) isReply()       {}
func (ToolCallRequest) isReply() {}

// ToolParam is a string parameter of a tool.
type ToolParam struct {
	Name        string
	Description string
}

// ToolSpec describes a tool offered to the model. All parameters are
// required strings.
type ToolSpec struct {
	Name        string
	Description string
	Params      []ToolParam
}

// WriteFileTool is offered to the Developer stage.
var WriteFileTool = ToolSpec{
	Name:        domain.ToolWriteFile,
	Description: "Write the complete content of one file, relative to the project root.",
	Params: []ToolParam{
		{Name: "path", Description: "File path relative to the project root, e.g. src/app.py."},
		{Name: "content", Description: "The full new content of the file."},
	},
}

// SubmitAuditTool is offered to the Analyst stage.
var SubmitAuditTool = ToolSpec{
	Name:        domain.ToolSubmitAudit,
	Description: "Submit the audit report and the single highest-priority file to fix.",
	Params: []ToolParam{
		{Name: "target_file", Description: "Path of the file to fix, relative to the repository root."},
		{Name: "report", Description: "The audit report."},
	},
}
