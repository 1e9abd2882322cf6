package resolver

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestResolve_FollowsSymlinkToAppRoot(t *testing.T) {
	configRoot := t.TempDir()
	appRoot := t.TempDir()

	if err := os.Symlink(appRoot, filepath.Join(configRoot, "foo")); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	r := New(configRoot)
	got, err := r.Resolve("foo")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want, _ := filepath.EvalSymlinks(appRoot)
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestResolve_AbsentHostReturnsEmptyNoError(t *testing.T) {
	configRoot := t.TempDir()

	r := New(configRoot)
	got, err := r.Resolve("bogus")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "" {
		t.Fatalf("expected empty root for unconfigured host, got %q", got)
	}
}

func TestResolve_BrokenSymlinkIsResolverError(t *testing.T) {
	configRoot := t.TempDir()
	if err := os.Symlink(filepath.Join(configRoot, "does-not-exist"), filepath.Join(configRoot, "foo")); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	r := New(configRoot)
	_, err := r.Resolve("foo")
	if err == nil {
		t.Fatal("expected an error for a broken symlink")
	}
	var re *ResolverError
	if !errors.As(err, &re) {
		t.Fatalf("expected a ResolverError, got %T", err)
	}
}

func TestResolve_SymlinkToAFileIsResolverError(t *testing.T) {
	configRoot := t.TempDir()
	filePath := filepath.Join(configRoot, "not-a-dir")
	if err := os.WriteFile(filePath, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.Symlink(filePath, filepath.Join(configRoot, "foo")); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	r := New(configRoot)
	_, err := r.Resolve("foo")
	if err == nil {
		t.Fatal("expected an error when the target is not a directory")
	}
}

func TestSuggestedLinkPath(t *testing.T) {
	r := New("/home/user/.pow")
	got := r.SuggestedLinkPath("foo")
	want := filepath.Join("/home/user/.pow", "foo")
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
