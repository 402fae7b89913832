package agent

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/ashureev/repo-ranger/internal/domain"
)

var errScriptExhausted = errors.New("scripted agent has no more replies")

// Step is one canned reply of a Scripted capability.
type Step struct {
	Reply Reply
	Err   error
	// Block, when set, delays the reply until it is closed or the call's
	// context ends.
	Block <-chan struct{}
}

// Scripted is a deterministic Capability. It replays queued steps and,
// once they run out, falls back to a rule-based reply if one is set. It is
// used for tests and for running the server without model credentials.
type Scripted struct {
	name string

	mu       sync.Mutex
	steps    []Step
	requests []Request
	fallback func(Request) (Reply, error)
}

// NewScripted creates a capability that replays steps in order.
func NewScripted(name string, steps ...Step) *Scripted {
	return &Scripted{name: name, steps: steps}
}

// NewOffline creates a capability that answers every request with
// deterministic rule-based replies.
func NewOffline() *Scripted {
	return &Scripted{name: "offline", fallback: offlineReply}
}

// Name returns the capability identifier.
func (s *Scripted) Name() string { return s.name }

// Push queues more steps.
func (s *Scripted) Push(steps ...Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, steps...)
}

// Requests returns the requests received so far.
func (s *Scripted) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Generate returns the next queued step.
func (s *Scripted) Generate(ctx context.Context, req Request) (Reply, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	if len(s.steps) == 0 {
		fallback := s.fallback
		s.mu.Unlock()
		if fallback == nil {
			return nil, errScriptExhausted
		}
		return fallback(req)
	}
	step := s.steps[0]
	s.steps = s.steps[1:]
	s.mu.Unlock()

	if step.Block != nil {
		select {
		case <-step.Block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return step.Reply, step.Err
}

var (
	fileHeaderRe = regexp.MustCompile(`(?m)^--- FILE: (.+) ---$`)
	targetLineRe = regexp.MustCompile(`(?m)^Target file: (.+)$`)
)

// offlineReply audits the first ingested file and, in the developer stage,
// rewrites the target file with a review header.
func offlineReply(req Request) (Reply, error) {
	switch req.Stage {
	case domain.RoleDeveloper:
		m := targetLineRe.FindStringSubmatch(req.Text)
		if m == nil {
			return PlainText{Text: "Which file should I change? No target file is known yet."}, nil
		}
		target := strings.TrimSpace(m[1])
		content := extractFile(req.Text, target)
		return ToolCallRequest{
			ID:   "offline-write",
			Name: domain.ToolWriteFile,
			Args: map[string]any{
				"path":    target,
				"content": reviewHeader(target) + content,
			},
			Text: fmt.Sprintf("Rewrote %s.", target),
		}, nil
	default:
		target := "main.py"
		if m := fileHeaderRe.FindStringSubmatch(req.Text); m != nil {
			target = strings.TrimSpace(m[1])
		}
		report := fmt.Sprintf("Offline audit: no model is configured, so %s was selected as the first ingested file.", target)
		return ToolCallRequest{
			ID:   "offline-audit",
			Name: domain.ToolSubmitAudit,
			Args: map[string]any{"target_file": target, "report": report},
			Text: report,
		}, nil
	}
}

// extractFile returns the body of the "--- FILE: name ---" block in text.
func extractFile(text, name string) string {
	start := strings.Index(text, "--- FILE: "+name+" ---\n")
	if start < 0 {
		return ""
	}
	body := text[start+len("--- FILE: "+name+" ---\n"):]
	if end := strings.Index(body, "\n--- END FILE ---"); end >= 0 {
		body = body[:end]
	}
	return body
}

func reviewHeader(name string) string {
	prefix := "#"
	switch {
	case strings.HasSuffix(name, ".go"), strings.HasSuffix(name, ".js"), strings.HasSuffix(name, ".ts"),
		strings.HasSuffix(name, ".java"), strings.HasSuffix(name, ".rs"), strings.HasSuffix(name, ".cs"),
		strings.HasSuffix(name, ".cpp"), strings.HasSuffix(name, ".kt"), strings.HasSuffix(name, ".swift"):
		prefix = "//"
	}
	return prefix + " reviewed by repo-ranger (offline mode)\n"
}
