package agent

import (
	"errors"
	"strings"
	"testing"

	"github.com/ashureev/repo-ranger/internal/domain"
	"google.golang.org/genai"
)

func response(parts ...*genai.Part) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{Content: &genai.Content{Role: genai.RoleModel, Parts: parts}}},
	}
}

func TestReplyFromResponseFunctionCall(t *testing.T) {
	t.Parallel()

	res := response(
		&genai.Part{Text: "Saving the fix."},
		&genai.Part{FunctionCall: &genai.FunctionCall{
			Name: domain.ToolWriteFile,
			Args: map[string]any{"path": "a.py", "content": "pass\n"},
		}},
	)
	reply, err := replyFromResponse(res)
	if err != nil {
		t.Fatalf("replyFromResponse failed: %v", err)
	}
	call, ok := reply.(ToolCallRequest)
	if !ok {
		t.Fatalf("expected ToolCallRequest, got %T", reply)
	}
	if call.Name != domain.ToolWriteFile || call.Args["path"] != "a.py" || call.Text != "Saving the fix." {
		t.Errorf("unexpected call: %+v", call)
	}
	if !strings.HasPrefix(call.ID, "call-") {
		t.Errorf("missing generated id: %q", call.ID)
	}
}

func TestReplyFromResponseText(t *testing.T) {
	t.Parallel()

	reply, err := replyFromResponse(response(
		&genai.Part{Text: "thinking", Thought: true},
		&genai.Part{Text: "Target file: "},
		&genai.Part{Text: "main.go"},
	))
	if err != nil {
		t.Fatal(err)
	}
	if got := reply.(PlainText).Text; got != "Target file: main.go" {
		t.Errorf("text = %q", got)
	}
}

func TestReplyFromResponseEmpty(t *testing.T) {
	t.Parallel()

	for _, res := range []*genai.GenerateContentResponse{nil, {}, response()} {
		if _, err := replyFromResponse(res); !errors.Is(err, ErrEmptyReply) {
			t.Errorf("expected ErrEmptyReply, got %v", err)
		}
	}
}

func TestBuildToolDeclarations(t *testing.T) {
	t.Parallel()

	tools := buildToolDeclarations([]ToolSpec{WriteFileTool, SubmitAuditTool})
	if len(tools) != 1 || len(tools[0].FunctionDeclarations) != 2 {
		t.Fatalf("unexpected tools: %+v", tools)
	}
	decl := tools[0].FunctionDeclarations[0]
	if decl.Name != domain.ToolWriteFile {
		t.Errorf("Name = %q", decl.Name)
	}
	if decl.Parameters.Type != genai.TypeObject || len(decl.Parameters.Required) != 2 {
		t.Errorf("unexpected schema: %+v", decl.Parameters)
	}
	if decl.Parameters.Properties["content"].Type != genai.TypeString {
		t.Error("content should be a string parameter")
	}
}
