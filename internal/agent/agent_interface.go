package agent

import (
	"context"
)

// Capability is a stateless model endpoint: a prompt and optional tool
// schema in, text or a tool call out. Implementations must honour ctx
// cancellation and deadlines.
type Capability interface {
	// Name identifies the capability in logs and errors.
	Name() string

	// Generate produces a single reply for req.
	Generate(ctx context.Context, req Request) (Reply, error)
}

// Ensure implementations satisfy Capability.
var (
	_ Capability = (*Gemini)(nil)
	_ Capability = (*Remote)(nil)
	_ Capability = (*Scripted)(nil)
)
