package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ashureev/repo-ranger/internal/domain"
	"github.com/google/uuid"
)

// Memory keeps sessions in process memory. Sessions are lost on restart.
type Memory struct {
	mu       sync.RWMutex
	sessions map[string]*entry

	artMu     sync.RWMutex
	artifacts map[string]domain.Artifact

	now func() time.Time
}

type entry struct {
	// turn is held for the whole duration of an in-flight turn.
	turn sync.Mutex

	mu      sync.Mutex
	session *domain.Session
	lastTS  time.Time
}

var _ Sessions = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		sessions:  make(map[string]*entry),
		artifacts: make(map[string]domain.Artifact),
		now:       time.Now,
	}
}

// Create allocates a new session.
func (m *Memory) Create(_ context.Context) (*domain.Session, error) {
	now := m.now()
	s := &domain.Session{
		CreatedAt:    now,
		LastActiveAt: now,
		Analysis:     domain.AnalysisState{Status: domain.AnalysisEmpty},
		Pipeline:     domain.StateInit,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		s.ID = uuid.NewString()
		if _, exists := m.sessions[s.ID]; !exists {
			break
		}
	}
	m.sessions[s.ID] = &entry{session: s, lastTS: now}
	return s.Clone(), nil
}

// Get returns a copy of the session.
func (m *Memory) Get(_ context.Context, id string) (*domain.Session, error) {
	e, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.Clone(), nil
}

// AppendTurn appends a single turn.
func (m *Memory) AppendTurn(ctx context.Context, id string, turn domain.Turn) (domain.Turn, error) {
	var n int
	s, err := m.update(ctx, id, func(s *domain.Session) error {
		s.Turns = append(s.Turns, turn)
		n = len(s.Turns)
		return nil
	})
	if err != nil {
		return domain.Turn{}, err
	}
	return s.Turns[n-1], nil
}

// SetAnalysisState replaces the analysis state.
func (m *Memory) SetAnalysisState(ctx context.Context, id string, state domain.AnalysisState) error {
	return m.Update(ctx, id, func(s *domain.Session) error {
		s.Analysis = state
		return nil
	})
}

// SetPipelineState moves the committed pipeline state.
func (m *Memory) SetPipelineState(ctx context.Context, id string, state domain.PipelineState) error {
	return m.Update(ctx, id, func(s *domain.Session) error {
		s.Pipeline = state
		return nil
	})
}

// Update applies fn to a draft copy of the session and swaps it in if the
// draft is a valid successor. Nothing is committed if fn or validation fails.
func (m *Memory) Update(ctx context.Context, id string, fn func(*domain.Session) error) error {
	_, err := m.update(ctx, id, fn)
	return err
}

func (m *Memory) update(ctx context.Context, id string, fn func(*domain.Session) error) (*domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e, err := m.lookup(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	cur := e.session
	draft := cur.Clone()
	if err := fn(draft); err != nil {
		return nil, err
	}
	if err := validateSuccessor(cur, draft); err != nil {
		return nil, err
	}

	now := m.now()
	for i := len(cur.Turns); i < len(draft.Turns); i++ {
		t := &draft.Turns[i]
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		t.Seq = i + 1
		ts := now
		if !ts.After(e.lastTS) {
			ts = e.lastTS.Add(time.Nanosecond)
		}
		t.Timestamp = ts
		e.lastTS = ts
	}
	if draft.Analysis != cur.Analysis && draft.Analysis.UpdatedAt.IsZero() {
		draft.Analysis.UpdatedAt = now
	}
	draft.InFlight = cur.InFlight
	draft.LastActiveAt = now

	newArtifacts := draft.Artifacts[len(cur.Artifacts):]
	if len(newArtifacts) > 0 {
		m.artMu.Lock()
		for i := range newArtifacts {
			a := &newArtifacts[i]
			if a.Ref == "" {
				a.Ref = uuid.NewString()
			}
			a.SessionID = id
			if a.CreatedAt.IsZero() {
				a.CreatedAt = now
			}
			m.artifacts[a.Ref] = *a
		}
		m.artMu.Unlock()
	}

	e.session = draft
	return draft.Clone(), nil
}

// Acquire takes the turn lock and exposes inFlight as the session's
// transient state until release is called.
func (m *Memory) Acquire(_ context.Context, id string, inFlight domain.PipelineState) (func(), error) {
	e, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	if !e.turn.TryLock() {
		return nil, domain.ErrConflict
	}

	e.mu.Lock()
	e.session.InFlight = inFlight
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			e.session.InFlight = ""
			e.mu.Unlock()
			e.turn.Unlock()
		})
	}, nil
}

// Artifact looks up an artifact by reference.
func (m *Memory) Artifact(_ context.Context, ref string) (domain.Artifact, error) {
	m.artMu.RLock()
	defer m.artMu.RUnlock()
	a, ok := m.artifacts[ref]
	if !ok {
		return domain.Artifact{}, domain.ErrNotFound
	}
	return a, nil
}

// Len returns the number of live sessions.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// EvictIdle removes sessions idle for longer than ttl and returns their ids.
// Sessions with a turn in flight are never evicted.
func (m *Memory) EvictIdle(ttl time.Duration) []string {
	if ttl <= 0 {
		return nil
	}
	cutoff := m.now().Add(-ttl)

	m.mu.Lock()
	defer m.mu.Unlock()

	var evicted []string
	for id, e := range m.sessions {
		if !e.turn.TryLock() {
			continue
		}
		e.mu.Lock()
		idle := e.session.LastActiveAt.Before(cutoff)
		e.mu.Unlock()
		if idle {
			delete(m.sessions, id)
			m.artMu.Lock()
			for ref, a := range m.artifacts {
				if a.SessionID == id {
					delete(m.artifacts, ref)
				}
			}
			m.artMu.Unlock()
			evicted = append(evicted, id)
		}
		e.turn.Unlock()
	}
	return evicted
}

func (m *Memory) lookup(id string) (*entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return e, nil
}

// validateSuccessor checks that next only extends cur in allowed ways.
func validateSuccessor(cur, next *domain.Session) error {
	if next.ID != cur.ID {
		return fmt.Errorf("session id is immutable")
	}
	if len(next.Turns) < len(cur.Turns) {
		return fmt.Errorf("turns are append-only: %d -> %d", len(cur.Turns), len(next.Turns))
	}
	for i := range cur.Turns {
		a, b := cur.Turns[i], next.Turns[i]
		if a.ID != b.ID || a.Seq != b.Seq || a.Role != b.Role || a.Content != b.Content || !a.Timestamp.Equal(b.Timestamp) {
			return fmt.Errorf("turn %d was modified", a.Seq)
		}
	}
	if len(next.Artifacts) < len(cur.Artifacts) {
		return fmt.Errorf("artifacts are append-only")
	}

	prev, na := cur.Analysis, next.Analysis
	if na.Cycle < prev.Cycle {
		return fmt.Errorf("analysis cycle went backwards: %d -> %d", prev.Cycle, na.Cycle)
	}
	if na.Cycle == prev.Cycle && prev.TargetFile != "" && na.TargetFile != prev.TargetFile {
		return domain.Invalid("target_file_immutable", prev.TargetFile)
	}

	if !next.Pipeline.Valid() || next.Pipeline.IsTransient() {
		return fmt.Errorf("invalid committed pipeline state %q", next.Pipeline)
	}
	if !domain.CanCommit(cur.Pipeline, next.Pipeline) {
		return fmt.Errorf("illegal pipeline transition %s -> %s", cur.Pipeline, next.Pipeline)
	}
	if next.Pipeline == domain.StateDone && cur.Pipeline != domain.StateDone && !hasAcceptedInvocation(next.Turns[len(cur.Turns):]) {
		return fmt.Errorf("DONE requires an accepted tool invocation")
	}
	return nil
}

func hasAcceptedInvocation(turns []domain.Turn) bool {
	for _, t := range turns {
		if t.Invocation != nil && t.Invocation.Accepted() {
			return true
		}
	}
	return false
}
