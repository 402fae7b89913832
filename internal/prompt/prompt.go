// Package prompt builds the effective prompt for a turn. Agents are
// stateless, so every prompt restates the current analysis together with a
// bounded window of recent turns.
package prompt

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"github.com/ashureev/repo-ranger/internal/domain"
	"gopkg.in/yaml.v3"
)

//go:embed instructions.yaml
var defaultInstructions []byte

// Default window and history budget.
const (
	DefaultWindow        = 12
	DefaultHistoryBudget = 32_000
)

// Instructions holds the fixed role instructions of each stage.
type Instructions struct {
	Analyst   string `yaml:"analyst"`
	Developer string `yaml:"developer"`
}

// LoadInstructions reads instructions from path, or returns the built-in
// defaults when path is empty. Missing roles fall back to the defaults.
func LoadInstructions(path string) (Instructions, error) {
	var def Instructions
	if err := yaml.Unmarshal(defaultInstructions, &def); err != nil {
		return Instructions{}, fmt.Errorf("parse default instructions: %w", err)
	}
	if path == "" {
		return def, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Instructions{}, fmt.Errorf("read instructions: %w", err)
	}
	var custom Instructions
	if err := yaml.Unmarshal(data, &custom); err != nil {
		return Instructions{}, fmt.Errorf("parse instructions %s: %w", path, err)
	}
	if strings.TrimSpace(custom.Analyst) == "" {
		custom.Analyst = def.Analyst
	}
	if strings.TrimSpace(custom.Developer) == "" {
		custom.Developer = def.Developer
	}
	return custom, nil
}

// For returns the instructions of the given stage.
func (i Instructions) For(stage domain.Role) string {
	if stage == domain.RoleDeveloper {
		return i.Developer
	}
	return i.Analyst
}

// Attachment is extra material placed between the analysis and the history.
type Attachment struct {
	Title string
	Body  string
}

// Prompt is the assembled input of one agent call.
type Prompt struct {
	Stage  domain.Role
	System string
	Text   string
	// Turns are the history turns included in Text, oldest first.
	Turns        []domain.Turn
	Truncated    bool
	DroppedTurns int
}

// Injector composes prompts.
type Injector struct {
	Instructions Instructions
	// Window is the maximum number of turns included. Values below 1 are
	// treated as 1 so the latest input is always present.
	Window int
	// HistoryBudget caps the characters spent on turns. The latest turn is
	// kept even when it alone exceeds the budget.
	HistoryBudget int
}

// NewInjector creates an Injector with the given limits.
func NewInjector(instr Instructions, window, budget int) *Injector {
	return &Injector{Instructions: instr, Window: window, HistoryBudget: budget}
}

// Build composes the prompt for stage from the session and the pending turn
// that has not been committed yet. Composition order is: role
// instructions, analysis (if any), attachments, recent turns. Under
// truncation older turns are dropped first; the analysis is never dropped.
func (in *Injector) Build(s *domain.Session, stage domain.Role, pending domain.Turn, attachments ...Attachment) Prompt {
	history := make([]domain.Turn, 0, len(s.Turns)+1)
	history = append(history, s.Turns...)
	history = append(history, pending)

	window := in.Window
	if window < 1 {
		window = 1
	}
	turns := history
	if len(turns) > window {
		turns = turns[len(turns)-window:]
	}

	if in.HistoryBudget > 0 {
		total := 0
		for _, t := range turns {
			total += turnSize(t)
		}
		for len(turns) > 1 && total > in.HistoryBudget {
			total -= turnSize(turns[0])
			turns = turns[1:]
		}
	}

	var b strings.Builder
	if !s.Analysis.IsEmpty() {
		writeSection(&b, "Current analysis", renderAnalysis(s))
	}
	for _, a := range attachments {
		if a.Body == "" {
			continue
		}
		writeSection(&b, a.Title, a.Body)
	}
	var conv strings.Builder
	for i, t := range turns {
		if i > 0 {
			conv.WriteString("\n")
		}
		conv.WriteString(renderTurn(t))
	}
	writeSection(&b, "Conversation", conv.String())

	dropped := len(history) - len(turns)
	return Prompt{
		Stage:        stage,
		System:       in.Instructions.For(stage),
		Text:         strings.TrimRight(b.String(), "\n"),
		Turns:        turns,
		Truncated:    dropped > 0,
		DroppedTurns: dropped,
	}
}

func writeSection(b *strings.Builder, title, body string) {
	fmt.Fprintf(b, "## %s\n%s\n\n", title, strings.TrimRight(body, "\n"))
}

func renderAnalysis(s *domain.Session) string {
	a := s.Analysis
	var b strings.Builder
	fmt.Fprintf(&b, "Status: %s (cycle %d)\n", a.Status, a.Cycle)
	if a.TargetFile != "" {
		fmt.Fprintf(&b, "Target file: %s\n", a.TargetFile)
	}
	if a.Status == domain.AnalysisRefactored {
		// Name the file that was written; it may differ from the target.
		written := a.TargetFile
		if art, ok := s.FindArtifact(a.ArtifactRef); ok {
			written = art.Path
		}
		if written != "" {
			fmt.Fprintf(&b, "Latest action: wrote %s\n", written)
		}
	}
	if a.Report != "" {
		fmt.Fprintf(&b, "Report:\n%s\n", a.Report)
	}
	return b.String()
}

func renderTurn(t domain.Turn) string {
	line := fmt.Sprintf("[%s]: %s", t.Role, t.Content)
	if t.Invocation != nil {
		line += fmt.Sprintf(" (tool %s on %q: %s)", t.Invocation.Tool, t.Invocation.RequestedPath, t.Invocation.Outcome())
	}
	return line
}

func turnSize(t domain.Turn) int {
	return len(renderTurn(t)) + 1
}
