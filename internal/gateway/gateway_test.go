package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ashureev/repo-ranger/internal/domain"
	"github.com/ashureev/repo-ranger/internal/sandbox"
)

func newTestGateway(t *testing.T, maxBytes int) (*Gateway, string) {
	t.Helper()
	root, err := sandbox.CheckRoot(filepath.Join(t.TempDir(), "sandbox"))
	if err != nil {
		t.Fatalf("CheckRoot failed: %v", err)
	}
	return New(maxBytes, slog.New(slog.NewTextHandler(io.Discard, nil))), root
}

func TestInvokeAcceptsAndWrites(t *testing.T) {
	t.Parallel()

	g, root := newTestGateway(t, 0)
	inv := g.Invoke(context.Background(), "src/main.py", "print('hi')\n", root)

	if !inv.Accepted() {
		t.Fatalf("expected accepted, got %s", inv.Outcome())
	}
	if inv.BytesWritten != len("print('hi')\n") {
		t.Errorf("BytesWritten = %d", inv.BytesWritten)
	}
	want := filepath.Join(root, "src", "main.py")
	if inv.ResolvedPath != want {
		t.Errorf("ResolvedPath = %q, want %q", inv.ResolvedPath, want)
	}
	data, err := os.ReadFile(want)
	if err != nil || string(data) != "print('hi')\n" {
		t.Fatalf("unexpected file content %q (err %v)", data, err)
	}
}

func TestInvokeOverwritesExistingFile(t *testing.T) {
	t.Parallel()

	g, root := newTestGateway(t, 0)
	target := filepath.Join(root, "a.txt")
	if err := os.WriteFile(target, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}
	if inv := g.Invoke(context.Background(), "a.txt", "new", root); !inv.Accepted() {
		t.Fatalf("expected accepted, got %s", inv.Outcome())
	}
	data, _ := os.ReadFile(target)
	if string(data) != "new" {
		t.Errorf("content = %q, want new", data)
	}
}

func TestInvokeRejectsEscapes(t *testing.T) {
	t.Parallel()

	g, root := newTestGateway(t, 0)
	tests := []struct {
		path string
		want string
	}{
		{"../../etc/passwd", "rejected:path_traversal"},
		{"/etc/passwd", "rejected:absolute_path"},
		{"", "rejected:empty_path"},
	}
	for _, tt := range tests {
		inv := g.Invoke(context.Background(), tt.path, "pwned", root)
		if inv.Outcome() != tt.want {
			t.Errorf("Invoke(%q) = %s, want %s", tt.path, inv.Outcome(), tt.want)
		}
		if inv.ResolvedPath != "" || inv.BytesWritten != 0 {
			t.Errorf("rejected invocation should not carry a resolved path: %+v", inv)
		}
		if inv.RequestedPath != tt.path {
			t.Errorf("requested path not recorded: %q", inv.RequestedPath)
		}
	}
}

func TestInvokeRejectsSymlinkEscape(t *testing.T) {
	t.Parallel()

	g, root := newTestGateway(t, 0)
	outside := t.TempDir()
	if err := os.Symlink(outside, filepath.Join(root, "out")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	inv := g.Invoke(context.Background(), "out/evil.sh", "rm -rf /", root)
	if inv.Outcome() != "rejected:outside_sandbox" {
		t.Fatalf("Outcome = %s, want rejected:outside_sandbox", inv.Outcome())
	}
	if _, err := os.Stat(filepath.Join(outside, "evil.sh")); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("file was written outside the sandbox")
	}
}

func TestInvokeDoesNotFollowSymlinkTarget(t *testing.T) {
	t.Parallel()

	g, root := newTestGateway(t, 0)
	real := filepath.Join(root, "real.txt")
	if err := os.WriteFile(real, []byte("original"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(real, filepath.Join(root, "link.txt")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	inv := g.Invoke(context.Background(), "link.txt", "replaced", root)
	if inv.Outcome() != "rejected:not_regular_file" {
		t.Fatalf("Outcome = %s, want rejected:not_regular_file", inv.Outcome())
	}
	data, err := os.ReadFile(real)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "original" {
		t.Fatalf("link target was modified: %q", data)
	}
	if fi, err := os.Lstat(filepath.Join(root, "link.txt")); err != nil || fi.Mode()&os.ModeSymlink == 0 {
		t.Fatal("link was replaced")
	}
}

func TestInvokeRejectsOversizedContent(t *testing.T) {
	t.Parallel()

	g, root := newTestGateway(t, 8)
	inv := g.Invoke(context.Background(), "big.txt", strings.Repeat("x", 9), root)
	if inv.Outcome() != "rejected:content_too_large" {
		t.Fatalf("Outcome = %s", inv.Outcome())
	}
	if _, err := os.Stat(filepath.Join(root, "big.txt")); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("oversized content was written")
	}
}

func TestInvokeRenameFailureLeavesTargetIntact(t *testing.T) {
	t.Parallel()

	g, root := newTestGateway(t, 0)
	g.rename = func(string, string) error { return errors.New("disk full") }

	target := filepath.Join(root, "keep.txt")
	if err := os.WriteFile(target, []byte("original"), 0o644); err != nil {
		t.Fatal(err)
	}

	inv := g.Invoke(context.Background(), "keep.txt", "replacement", root)
	if inv.Outcome() != "rejected:write_failed" {
		t.Fatalf("Outcome = %s, want rejected:write_failed", inv.Outcome())
	}
	data, err := os.ReadFile(target)
	if err != nil || string(data) != "original" {
		t.Fatalf("target changed after failed write: %q (err %v)", data, err)
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestInvokeCanceledContext(t *testing.T) {
	t.Parallel()

	g, root := newTestGateway(t, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	inv := g.Invoke(ctx, "a.txt", "x", root)
	if inv.Accepted() {
		t.Fatal("write should not happen after cancellation")
	}
}

func TestDispatch(t *testing.T) {
	t.Parallel()

	g, root := newTestGateway(t, 0)
	ctx := context.Background()

	tests := []struct {
		name string
		tool string
		args map[string]any
		want string
	}{
		{"unknown tool", "exec", map[string]any{"cmd": "ls"}, "rejected:unknown_tool"},
		{"missing content", domain.ToolWriteFile, map[string]any{"path": "a.txt"}, "rejected:malformed_arguments"},
		{"non-string path", domain.ToolWriteFile, map[string]any{"path": 3.0, "content": "x"}, "rejected:malformed_arguments"},
		{"filename alias", domain.ToolWriteFile, map[string]any{"filename": "b.txt", "content": "x"}, "accepted"},
		{"ok", domain.ToolWriteFile, map[string]any{"path": "c.txt", "content": ""}, "accepted"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := g.Dispatch(ctx, tt.tool, tt.args, root)
			if inv.Outcome() != tt.want {
				t.Errorf("Dispatch = %s, want %s", inv.Outcome(), tt.want)
			}
		})
	}
}

func TestRead(t *testing.T) {
	t.Parallel()

	g, root := newTestGateway(t, 0)
	if inv := g.Invoke(context.Background(), "x/y.txt", "data", root); !inv.Accepted() {
		t.Fatal(inv.Outcome())
	}
	data, err := g.Read(root, "x/y.txt")
	if err != nil || string(data) != "data" {
		t.Fatalf("Read = %q, %v", data, err)
	}
	if _, err := g.Read(root, "../y.txt"); err == nil {
		t.Fatal("Read should refuse traversal")
	}
}
