package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/ashureev/repo-ranger/internal/domain"
)

// DefaultTimeout bounds a single Generate call.
const DefaultTimeout = 90 * time.Second

// Service routes requests to the capability of each stage and enforces the
// per-call timeout. Every failure is reported as a *domain.UpstreamError.
type Service struct {
	analyst   Capability
	developer Capability
	timeout   time.Duration
	logger    *slog.Logger
}

// NewService creates a Service. timeout <= 0 selects DefaultTimeout.
func NewService(analyst, developer Capability, timeout time.Duration, logger *slog.Logger) *Service {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{analyst: analyst, developer: developer, timeout: timeout, logger: logger}
}

// Generate calls the capability of req.Stage. No retries are attempted.
func (s *Service) Generate(ctx context.Context, req Request) (Reply, error) {
	c := s.analyst
	if req.Stage == domain.RoleDeveloper {
		c = s.developer
	}
	if c == nil {
		return nil, domain.Upstream(string(req.Stage), errors.New("no capability configured"))
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	reply, err := c.Generate(callCtx, req)
	elapsed := time.Since(start)
	if err != nil {
		// Caller cancellation is not an upstream failure.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) || callCtx.Err() != nil {
			err = fmt.Errorf("timed out after %s: %w", s.timeout, context.DeadlineExceeded)
		}
		s.logger.Warn("Agent call failed", "stage", req.Stage, "capability", c.Name(), "duration", elapsed, "error", err)
		return nil, domain.Upstream(c.Name(), err)
	}
	if err := validateReply(reply); err != nil {
		s.logger.Warn("Agent returned unusable reply", "stage", req.Stage, "capability", c.Name(), "error", err)
		return nil, domain.Upstream(c.Name(), err)
	}

	s.logger.Debug("Agent call completed", "stage", req.Stage, "capability", c.Name(), "duration", elapsed)
	return reply, nil
}

func validateReply(r Reply) error {
	switch v := r.(type) {
	case PlainText:
		if v.Text == "" {
			return ErrEmptyReply
		}
	case ToolCallRequest:
		if v.Name == "" {
			return fmt.Errorf("%w: tool call without a name", ErrMalformedReply)
		}
	case nil:
		return ErrEmptyReply
	default:
		return fmt.Errorf("%w: %T", ErrMalformedReply, r)
	}
	return nil
}

// Close releases capabilities that hold resources.
func (s *Service) Close() {
	closed := make(map[Capability]bool)
	for _, c := range []Capability{s.analyst, s.developer} {
		if c == nil || closed[c] {
			continue
		}
		closed[c] = true
		if closer, ok := c.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				s.logger.Warn("Failed to close capability", "capability", c.Name(), "error", err)
			}
		}
	}
}
