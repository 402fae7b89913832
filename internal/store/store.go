// Package store provides session state and audit persistence.
package store

import (
	"context"
	"time"

	"github.com/ashureev/repo-ranger/internal/domain"
)

// Sessions is the in-process session store.
type Sessions interface {
	// Create allocates a new session in state INIT.
	Create(ctx context.Context) (*domain.Session, error)

	// Get returns a copy of the session or domain.ErrNotFound.
	Get(ctx context.Context, id string) (*domain.Session, error)

	// AppendTurn appends a turn, assigning its id, sequence and timestamp.
	AppendTurn(ctx context.Context, id string, turn domain.Turn) (domain.Turn, error)

	// SetAnalysisState replaces the analysis state.
	SetAnalysisState(ctx context.Context, id string, state domain.AnalysisState) error

	// SetPipelineState moves the committed pipeline state.
	SetPipelineState(ctx context.Context, id string, state domain.PipelineState) error

	// Update applies fn to a draft copy and commits it atomically if the
	// draft keeps the session invariants.
	Update(ctx context.Context, id string, fn func(*domain.Session) error) error

	// Acquire takes the per-session turn lock. It fails with
	// domain.ErrConflict if a turn is already in flight.
	Acquire(ctx context.Context, id string, inFlight domain.PipelineState) (release func(), err error)

	// Artifact looks up an artifact by reference.
	Artifact(ctx context.Context, ref string) (domain.Artifact, error)
}

// AuditLog persists tool invocations and pipeline transitions.
type AuditLog interface {
	// RecordInvocation stores an accepted or rejected tool invocation.
	RecordInvocation(ctx context.Context, sessionID, turnID string, inv domain.ToolInvocation) error

	// RecordTransition stores a committed pipeline state change.
	RecordTransition(ctx context.Context, sessionID string, from, to domain.PipelineState, at time.Time) error

	// ListInvocations returns the invocations of a session, oldest first.
	ListInvocations(ctx context.Context, sessionID string) ([]InvocationRecord, error)

	// Ping verifies connectivity.
	Ping(ctx context.Context) error

	// Close releases the underlying database.
	Close() error
}

// InvocationRecord is a stored tool invocation.
type InvocationRecord struct {
	SessionID     string    `json:"session_id"`
	TurnID        string    `json:"turn_id"`
	Tool          string    `json:"tool"`
	RequestedPath string    `json:"requested_path"`
	Outcome       string    `json:"outcome"`
	ResolvedPath  string    `json:"-"`
	BytesWritten  int       `json:"bytes_written"`
	CreatedAt     time.Time `json:"created_at"`
}
