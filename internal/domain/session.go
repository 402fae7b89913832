package domain

import (
	"time"
)

// Role identifies the author of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAnalyst   Role = "analyst"
	RoleDeveloper Role = "developer"
)

// Turn is a single entry in a session's conversation. Turns are immutable
// once appended to a session.
type Turn struct {
	ID         string          `json:"id"`
	Seq        int             `json:"seq"`
	Role       Role            `json:"role"`
	Content    string          `json:"content"`
	Invocation *ToolInvocation `json:"invocation,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Session holds the conversational and analysis state of one client.
type Session struct {
	ID           string
	CreatedAt    time.Time
	LastActiveAt time.Time
	Turns        []Turn
	Analysis     AnalysisState
	Pipeline     PipelineState
	// InFlight is the transient state of a turn that has not committed yet.
	// It is empty when no turn is running.
	InFlight  PipelineState
	Repo      *RepoSnapshot
	Artifacts []Artifact
}

// Clone returns a deep copy of the session safe to hand out of the store.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Turns = make([]Turn, len(s.Turns))
	for i, t := range s.Turns {
		c.Turns[i] = t.clone()
	}
	c.Artifacts = append([]Artifact(nil), s.Artifacts...)
	if s.Repo != nil {
		repo := *s.Repo
		repo.Files = append([]string(nil), s.Repo.Files...)
		c.Repo = &repo
	}
	return &c
}

func (t Turn) clone() Turn {
	if t.Invocation != nil {
		inv := *t.Invocation
		t.Invocation = &inv
	}
	return t
}

// RecentTurns returns the last n turns of the session.
func (s *Session) RecentTurns(n int) []Turn {
	if n <= 0 {
		return nil
	}
	if n >= len(s.Turns) {
		return s.Turns
	}
	return s.Turns[len(s.Turns)-n:]
}

// LastTurn returns the most recent turn, if any.
func (s *Session) LastTurn() (Turn, bool) {
	if len(s.Turns) == 0 {
		return Turn{}, false
	}
	return s.Turns[len(s.Turns)-1], true
}

// FindArtifact returns the session's artifact with the given reference.
func (s *Session) FindArtifact(ref string) (Artifact, bool) {
	if ref == "" {
		return Artifact{}, false
	}
	for _, a := range s.Artifacts {
		if a.Ref == ref {
			return a, true
		}
	}
	return Artifact{}, false
}

// Artifact is a file produced by an accepted tool invocation.
type Artifact struct {
	Ref       string    `json:"ref"`
	SessionID string    `json:"session_id"`
	Path      string    `json:"path"`
	Bytes     int       `json:"bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// RepoSnapshot is the read-only code context ingested for a session.
type RepoSnapshot struct {
	Source     string    `json:"source"`
	Root       string    `json:"-"`
	Files      []string  `json:"files"`
	Bytes      int       `json:"bytes"`
	Truncated  bool      `json:"truncated"`
	Context    string    `json:"-"`
	IngestedAt time.Time `json:"ingested_at"`
}
