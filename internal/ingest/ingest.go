// Package ingest turns a GitHub repository or a local directory into the
// read-only code context given to the Analyst.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ashureev/repo-ranger/internal/domain"
	"github.com/ashureev/repo-ranger/internal/sandbox"
)

// DefaultMaxBytes caps the size of the assembled context.
const DefaultMaxBytes = 2 * 1024 * 1024

// DefaultExtensions are the source file types included in the context.
var DefaultExtensions = []string{
	".py", ".js", ".ts", ".jsx", ".tsx", ".html", ".css", ".java", ".cpp", ".md",
	".json", ".sql", ".yaml", ".yml", ".sh", ".rb", ".go", ".rs", ".php", ".cs",
	".swift", ".kt",
}

// DefaultIgnoreDirs are never descended into.
var DefaultIgnoreDirs = []string{
	".git", "__pycache__", "node_modules", "venv", "env", ".idea", ".vscode", "dist", "build",
}

var repoSegmentRe = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// Config controls ingestion.
type Config struct {
	// WorkspaceDir receives clones, one subdirectory per session.
	WorkspaceDir string
	// LocalRoot is the only directory local sources may come from. Local
	// ingestion is disabled when empty.
	LocalRoot  string
	MaxBytes   int
	Extensions []string
	IgnoreDirs []string
}

// Ingester builds RepoSnapshots.
type Ingester struct {
	cfg    Config
	logger *slog.Logger

	// clone is replaced in tests.
	clone func(ctx context.Context, repoURL, dest string) error
}

// New creates an Ingester, applying defaults for unset limits.
func New(cfg Config, logger *slog.Logger) *Ingester {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if len(cfg.Extensions) == 0 {
		cfg.Extensions = DefaultExtensions
	}
	if len(cfg.IgnoreDirs) == 0 {
		cfg.IgnoreDirs = DefaultIgnoreDirs
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingester{cfg: cfg, logger: logger, clone: gitClone}
}

// Ingest fetches source for sessionID and returns its snapshot.
func (i *Ingester) Ingest(ctx context.Context, sessionID, source string) (*domain.RepoSnapshot, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return nil, domain.Invalid("empty_source", "")
	}

	var root string
	switch {
	case strings.HasPrefix(source, "https://github.com/"):
		repoURL, err := normalizeGitHubURL(source)
		if err != nil {
			return nil, err
		}
		root, err = i.cloneInto(ctx, sessionID, repoURL)
		if err != nil {
			return nil, err
		}
	case strings.Contains(source, "://") || strings.HasPrefix(source, "git@"):
		return nil, domain.Invalid("unsupported_source", "only https://github.com/ URLs can be cloned")
	default:
		var err error
		root, err = i.localRoot(source)
		if err != nil {
			return nil, err
		}
	}

	snap, err := Walk(root, i.cfg.MaxBytes, i.cfg.Extensions, i.cfg.IgnoreDirs)
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", source, err)
	}
	snap.Source = source
	snap.IngestedAt = time.Now()
	if len(snap.Files) == 0 {
		return nil, domain.Invalid("no_source_files", source)
	}

	i.logger.Info("Repository ingested",
		"session_id", sessionID,
		"source", source,
		"files", len(snap.Files),
		"bytes", snap.Bytes,
		"truncated", snap.Truncated)
	return snap, nil
}

// ReadFile returns the content of rel inside the snapshot root.
func ReadFile(snap *domain.RepoSnapshot, rel string) (string, error) {
	if snap == nil || snap.Root == "" {
		return "", domain.ErrNotFound
	}
	resolved, err := sandbox.Resolve(snap.Root, rel)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", domain.ErrNotFound
		}
		return "", fmt.Errorf("read %s: %w", rel, err)
	}
	return string(data), nil
}

func normalizeGitHubURL(source string) (string, error) {
	u, err := url.Parse(source)
	if err != nil || u.Host != "github.com" || u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", domain.Invalid("invalid_source", source)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) != 2 {
		return "", domain.Invalid("invalid_source", "expected https://github.com/<owner>/<repo>")
	}
	owner, repo := parts[0], strings.TrimSuffix(parts[1], ".git")
	for _, seg := range []string{owner, repo} {
		if !repoSegmentRe.MatchString(seg) || seg == "." || seg == ".." {
			return "", domain.Invalid("invalid_source", source)
		}
	}
	return "https://github.com/" + owner + "/" + repo + ".git", nil
}

func (i *Ingester) cloneInto(ctx context.Context, sessionID, repoURL string) (string, error) {
	if i.cfg.WorkspaceDir == "" {
		return "", domain.Invalid("clone_disabled", "no workspace directory configured")
	}
	if err := os.MkdirAll(i.cfg.WorkspaceDir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	workspace, err := filepath.EvalSymlinks(i.cfg.WorkspaceDir)
	if err != nil {
		return "", fmt.Errorf("evaluate workspace: %w", err)
	}
	dir, err := sandbox.Sub(workspace, sessionID)
	if err != nil {
		return "", err
	}
	dest := filepath.Join(dir, "repo")
	if err := os.RemoveAll(dest); err != nil {
		return "", fmt.Errorf("remove previous clone: %w", err)
	}
	if err := i.clone(ctx, repoURL, dest); err != nil {
		i.logger.Warn("Git clone failed", "session_id", sessionID, "url", repoURL, "error", err)
		return "", domain.Invalid("clone_failed", err.Error())
	}
	return dest, nil
}

func (i *Ingester) localRoot(source string) (string, error) {
	if i.cfg.LocalRoot == "" {
		return "", domain.Invalid("local_ingest_disabled", "set INGEST_LOCAL_ROOT to allow local sources")
	}
	allowed, err := filepath.EvalSymlinks(i.cfg.LocalRoot)
	if err != nil {
		return "", fmt.Errorf("evaluate local root: %w", err)
	}
	path := source
	if !filepath.IsAbs(path) {
		path = filepath.Join(allowed, path)
	}
	real, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", domain.Invalid("invalid_source", "path does not exist")
	}
	rel, err := filepath.Rel(allowed, real)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", domain.Invalid("invalid_source", "path is outside the allowed local root")
	}
	info, err := os.Stat(real)
	if err != nil || !info.IsDir() {
		return "", domain.Invalid("invalid_source", "path is not a directory")
	}
	return real, nil
}

func gitClone(ctx context.Context, repoURL, dest string) error {
	cmd := exec.CommandContext(ctx, "git", "clone", "--depth", "1", "--", repoURL, dest)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git clone: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Walk collects matching files under root into a single context string of
// at most maxBytes. Files are visited in lexical order; the walk stops at
// the first file that would exceed the limit.
func Walk(root string, maxBytes int, exts, ignoreDirs []string) (*domain.RepoSnapshot, error) {
	extSet := make(map[string]bool, len(exts))
	for _, e := range exts {
		extSet[strings.ToLower(e)] = true
	}
	ignore := make(map[string]bool, len(ignoreDirs))
	for _, d := range ignoreDirs {
		ignore[d] = true
	}

	snap := &domain.RepoSnapshot{Root: root}
	var b strings.Builder
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && ignore[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !extSet[strings.ToLower(filepath.Ext(path))] {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if !utf8.Valid(data) {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		block := fmt.Sprintf("--- FILE: %s ---\n%s\n--- END FILE ---\n\n", rel, data)
		if b.Len()+len(block) > maxBytes {
			snap.Truncated = true
			return filepath.SkipAll
		}
		b.WriteString(block)
		snap.Files = append(snap.Files, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	snap.Context = b.String()
	snap.Bytes = b.Len()
	return snap, nil
}
