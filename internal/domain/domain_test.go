package domain

import (
	"errors"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to PipelineState
		want     bool
	}{
		{StateInit, StateAnalyzing, true},
		{StateInit, StateRefactoring, false},
		{StateInit, StateDone, false},
		{StateAnalyzing, StateAnalyzed, true},
		{StateAnalyzing, StateError, true},
		{StateAnalyzed, StateRefactoring, true},
		{StateAnalyzed, StateDone, false},
		{StateRefactoring, StateDone, true},
		{StateRefactoring, StateAnalyzed, true},
		{StateError, StateAnalyzing, true},
		{StateError, StateRefactoring, false},
		{StateError, StateAnalyzed, false},
		{StateDone, StateAnalyzing, true},
		{StateDone, StateRefactoring, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestRefactoringOnlyFromAnalyzed(t *testing.T) {
	t.Parallel()

	for from := range transitions {
		if from == StateAnalyzed {
			continue
		}
		if CanTransition(from, StateRefactoring) {
			t.Errorf("REFACTORING must not be reachable from %s", from)
		}
	}
	for from := range transitions {
		if from == StateRefactoring {
			continue
		}
		if CanTransition(from, StateDone) {
			t.Errorf("DONE must not be reachable from %s", from)
		}
	}
}

func TestToolInvocationOutcome(t *testing.T) {
	t.Parallel()

	ok := ToolInvocation{Result: OutcomeAccepted}
	if ok.Outcome() != "accepted" {
		t.Errorf("Outcome() = %q, want accepted", ok.Outcome())
	}
	bad := ToolInvocation{Result: OutcomeRejected, Reason: ReasonPathTraversal}
	if bad.Outcome() != "rejected:path_traversal" {
		t.Errorf("Outcome() = %q", bad.Outcome())
	}
}

func TestSessionCloneIsDeep(t *testing.T) {
	t.Parallel()

	s := &Session{
		ID:    "s1",
		Turns: []Turn{{ID: "t1", Content: "a", Invocation: &ToolInvocation{RequestedPath: "x.go"}}},
		Repo:  &RepoSnapshot{Files: []string{"a.go"}},
	}
	c := s.Clone()
	c.Turns[0].Content = "changed"
	c.Turns[0].Invocation.RequestedPath = "y.go"
	c.Repo.Files[0] = "b.go"

	if s.Turns[0].Content != "a" || s.Turns[0].Invocation.RequestedPath != "x.go" {
		t.Fatal("clone shares turn data with the original")
	}
	if s.Repo.Files[0] != "a.go" {
		t.Fatal("clone shares repo files with the original")
	}
}

func TestRecentTurns(t *testing.T) {
	t.Parallel()

	s := &Session{}
	for i := 0; i < 5; i++ {
		s.Turns = append(s.Turns, Turn{Seq: i + 1, Timestamp: time.Unix(int64(i), 0)})
	}
	got := s.RecentTurns(2)
	if len(got) != 2 || got[0].Seq != 4 || got[1].Seq != 5 {
		t.Fatalf("RecentTurns(2) = %+v", got)
	}
	if len(s.RecentTurns(10)) != 5 {
		t.Fatal("RecentTurns should cap at the number of turns")
	}
}

func TestErrorsUnwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("deadline")
	err := Upstream("analyst", cause)
	var up *UpstreamError
	if !errors.As(err, &up) || !errors.Is(err, cause) {
		t.Fatalf("upstream error does not unwrap: %v", err)
	}

	var ve *ValidationError
	if !errors.As(Invalid(ReasonEmptyPath, ""), &ve) || ve.Reason != ReasonEmptyPath {
		t.Fatal("validation error does not match")
	}
}

func TestCanCommit(t *testing.T) {
	t.Parallel()

	allowed := [][2]PipelineState{
		{StateInit, StateAnalyzed},
		{StateInit, StateError},
		{StateAnalyzed, StateDone},
		{StateAnalyzed, StateAnalyzed},
		{StateAnalyzed, StateError},
		{StateDone, StateAnalyzed},
		{StateError, StateAnalyzed},
	}
	for _, p := range allowed {
		if !CanCommit(p[0], p[1]) {
			t.Errorf("CanCommit(%s, %s) = false, want true", p[0], p[1])
		}
	}
	denied := [][2]PipelineState{
		{StateInit, StateDone},
		{StateError, StateDone},
		{StateDone, StateDone + "X"},
	}
	for _, p := range denied {
		if CanCommit(p[0], p[1]) {
			t.Errorf("CanCommit(%s, %s) = true, want false", p[0], p[1])
		}
	}
}
