// Package sandbox confines agent-supplied paths to a root directory.
package sandbox

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/ashureev/repo-ranger/internal/domain"
)

// CheckRoot makes sure root exists, is a directory and is writable, and
// returns its canonical absolute form. A failure here is fatal at startup.
func CheckRoot(root string) (string, error) {
	if strings.TrimSpace(root) == "" {
		return "", errors.New("sandbox root is empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve sandbox root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return "", fmt.Errorf("create sandbox root: %w", err)
	}
	canonical, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("evaluate sandbox root: %w", err)
	}
	info, err := os.Stat(canonical)
	if err != nil {
		return "", fmt.Errorf("stat sandbox root: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("sandbox root %s is not a directory", canonical)
	}

	probe, err := os.CreateTemp(canonical, ".ranger-probe-*")
	if err != nil {
		return "", fmt.Errorf("sandbox root %s is not writable: %w", canonical, err)
	}
	name := probe.Name()
	_ = probe.Close()
	if err := os.Remove(name); err != nil {
		return "", fmt.Errorf("remove sandbox probe: %w", err)
	}
	return canonical, nil
}

// Sub returns the canonical path of the child directory name under root,
// creating it if needed. name must be a single path segment.
func Sub(root, name string) (string, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", domain.Invalid(domain.ReasonOutsideSandbox, "invalid sandbox segment")
	}
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create sandbox dir: %w", err)
	}
	canonical, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return "", fmt.Errorf("evaluate sandbox dir: %w", err)
	}
	if !within(root, canonical) {
		return "", domain.Invalid(domain.ReasonOutsideSandbox, name)
	}
	return canonical, nil
}

// Resolve maps the untrusted relative path rel onto root and returns the
// absolute path that may be written. root must be canonical (see CheckRoot).
//
// Symlinks on the existing part of the path are evaluated so that a link
// pointing out of root cannot be used to escape it. Any error while deciding
// containment is reported as a rejection.
func Resolve(root, rel string) (string, error) {
	if err := checkSyntax(rel); err != nil {
		return "", err
	}

	target := filepath.Join(root, filepath.FromSlash(rel))
	if !within(root, target) {
		return "", domain.Invalid(domain.ReasonOutsideSandbox, rel)
	}

	existing, rest, err := deepestExisting(root, target)
	if err != nil {
		return "", domain.Invalid(domain.ReasonOutsideSandbox, err.Error())
	}
	real, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", domain.Invalid(domain.ReasonOutsideSandbox, err.Error())
	}
	resolved := filepath.Join(real, rest)
	if !within(root, resolved) {
		return "", domain.Invalid(domain.ReasonOutsideSandbox, rel)
	}

	if rest == "" {
		// The target itself exists: only regular files may be replaced, and
		// a symlink is never followed even when it points inside root.
		if li, err := os.Lstat(target); err != nil || li.Mode()&fs.ModeSymlink != 0 {
			return "", domain.Invalid(domain.ReasonNotRegularFile, rel)
		}
		info, err := os.Stat(resolved)
		if err != nil {
			return "", domain.Invalid(domain.ReasonOutsideSandbox, err.Error())
		}
		if !info.Mode().IsRegular() {
			return "", domain.Invalid(domain.ReasonNotRegularFile, rel)
		}
	} else if info, err := os.Stat(real); err != nil || !info.IsDir() {
		return "", domain.Invalid(domain.ReasonNotRegularFile, rel)
	}
	return resolved, nil
}

func checkSyntax(rel string) error {
	if strings.TrimSpace(rel) == "" {
		return domain.Invalid(domain.ReasonEmptyPath, "")
	}
	if filepath.IsAbs(rel) || strings.HasPrefix(rel, "/") || strings.HasPrefix(rel, `\`) || filepath.VolumeName(rel) != "" {
		return domain.Invalid(domain.ReasonAbsolutePath, rel)
	}
	for _, seg := range strings.FieldsFunc(rel, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			return domain.Invalid(domain.ReasonPathTraversal, rel)
		}
	}
	if strings.ContainsRune(rel, 0) {
		return domain.Invalid(domain.ReasonOutsideSandbox, "nul byte in path")
	}
	return nil
}

// deepestExisting walks up from target until it finds a path that exists,
// returning it and the non-existent remainder.
func deepestExisting(root, target string) (string, string, error) {
	p := target
	var rest []string
	for {
		_, err := os.Lstat(p)
		if err == nil {
			break
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", "", err
		}
		if p == root {
			return "", "", fmt.Errorf("sandbox root %s does not exist", root)
		}
		rest = append([]string{filepath.Base(p)}, rest...)
		p = filepath.Dir(p)
	}
	return p, filepath.Join(rest...), nil
}

// within reports whether p is strictly inside root.
func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	return !filepath.IsAbs(rel)
}
