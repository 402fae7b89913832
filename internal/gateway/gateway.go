// Package gateway executes agent tool calls against a sandboxed directory.
// It is the only code path that writes under the sandbox root.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/repo-ranger/internal/domain"
	"github.com/ashureev/repo-ranger/internal/sandbox"
)

// DefaultMaxBytes caps the content of a single write.
const DefaultMaxBytes = 1 << 20

// Gateway validates and performs file writes requested by an agent.
type Gateway struct {
	maxBytes int
	logger   *slog.Logger

	// rename and now are replaced in tests.
	rename func(oldpath, newpath string) error
	now    func() time.Time
}

// New creates a Gateway. maxBytes <= 0 selects DefaultMaxBytes.
func New(maxBytes int, logger *slog.Logger) *Gateway {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		maxBytes: maxBytes,
		logger:   logger,
		rename:   os.Rename,
		now:      time.Now,
	}
}

// MaxBytes returns the write size limit.
func (g *Gateway) MaxBytes() int { return g.maxBytes }

// Dispatch validates a raw tool call and, for write_file, performs it.
// The returned invocation is always suitable for recording.
func (g *Gateway) Dispatch(ctx context.Context, name string, args map[string]any, root string) domain.ToolInvocation {
	if name != domain.ToolWriteFile {
		return g.reject(domain.ToolInvocation{Tool: name}, domain.ReasonUnknownTool)
	}

	path, okPath := stringArg(args, "path", "filename")
	content, okContent := stringArg(args, "content")
	if !okPath || !okContent {
		return g.reject(domain.ToolInvocation{Tool: name, RequestedPath: path, Content: content}, domain.ReasonMalformedArguments)
	}
	return g.Invoke(ctx, path, content, root)
}

// Invoke writes content to requestedPath under root. Validation happens in
// order: path syntax, sandbox containment, size, then an atomic write. The
// target is never left partially written.
func (g *Gateway) Invoke(ctx context.Context, requestedPath, content, root string) domain.ToolInvocation {
	inv := domain.ToolInvocation{
		Tool:          domain.ToolWriteFile,
		RequestedPath: requestedPath,
		Content:       content,
	}

	resolved, err := sandbox.Resolve(root, requestedPath)
	if err != nil {
		var ve *domain.ValidationError
		if errors.As(err, &ve) {
			return g.reject(inv, ve.Reason)
		}
		return g.reject(inv, domain.ReasonOutsideSandbox)
	}

	if len(content) > g.maxBytes {
		return g.reject(inv, domain.ReasonContentTooLarge)
	}

	if err := ctx.Err(); err != nil {
		return g.reject(inv, domain.ReasonWriteFailed)
	}

	if err := g.writeAtomic(resolved, []byte(content)); err != nil {
		g.logger.Warn("Tool gateway write failed", "path", requestedPath, "error", err)
		return g.reject(inv, domain.ReasonWriteFailed)
	}

	inv.Result = domain.OutcomeAccepted
	inv.ResolvedPath = resolved
	inv.BytesWritten = len(content)
	inv.At = g.now()
	g.logger.Info("Tool gateway write accepted", "path", requestedPath, "bytes", inv.BytesWritten)
	return inv
}

// Read returns the content of rel under root using the same containment
// rules as writes.
func (g *Gateway) Read(root, rel string) ([]byte, error) {
	resolved, err := sandbox.Resolve(root, rel)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rel, err)
	}
	return data, nil
}

func (g *Gateway) reject(inv domain.ToolInvocation, reason string) domain.ToolInvocation {
	inv.Result = domain.OutcomeRejected
	inv.Reason = reason
	inv.ResolvedPath = ""
	inv.BytesWritten = 0
	inv.At = g.now()
	g.logger.Info("Tool gateway rejected call", "tool", inv.Tool, "path", inv.RequestedPath, "reason", reason)
	return inv
}

// writeAtomic writes data to a temp file next to path and renames it into
// place. The temp file is removed on any failure.
func (g *Gateway) writeAtomic(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".ranger-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = tmp.Close()
			if rmErr := os.Remove(tmpName); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				g.logger.Warn("Failed to remove temp file", "path", tmpName, "error", rmErr)
			}
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err = tmp.Chmod(0o644); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err = g.rename(tmpName, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

func stringArg(args map[string]any, keys ...string) (string, bool) {
	for _, k := range keys {
		v, ok := args[k]
		if !ok {
			continue
		}
		s, ok := v.(string)
		return s, ok
	}
	return "", false
}
