package publish

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"sensorsync/internal/index"

	"go.uber.org/zap/zaptest"
)

func gitRun(t *testing.T, dir string, args ...string) string {
	t.Helper()
	command := exec.Command("git", append([]string{"-C", dir}, args...)...)
	command.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=Test", "GIT_AUTHOR_EMAIL=test@test.local",
		"GIT_COMMITTER_NAME=Test", "GIT_COMMITTER_EMAIL=test@test.local",
	)
	output, err := command.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s: %v\n%s", strings.Join(args, " "), err, output)
	}
	return string(output)
}

// setupRemote creates a bare remote with one commit on main and a clone of it
func setupRemote(t *testing.T) (bare, work string) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}

	dir := t.TempDir()
	bare = filepath.Join(dir, "remote.git")
	work = filepath.Join(dir, "work")

	gitRun(t, dir, "init", "--bare", bare)
	gitRun(t, dir, "clone", bare, work)
	gitRun(t, work, "symbolic-ref", "HEAD", "refs/heads/main")
	if err := os.WriteFile(filepath.Join(work, "README"), []byte("sensor data\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	gitRun(t, work, "add", "README")
	gitRun(t, work, "commit", "-m", "initial")
	gitRun(t, work, "push", "origin", "main")
	return bare, work
}

func newGitPublisher(t *testing.T, work string) *TransactionPublisher {
	t.Helper()
	transport := NewGitTransport(GitConfig{
		RepoPath:    work,
		Remote:      "origin",
		Branch:      "main",
		AuthorName:  "sensorsync",
		AuthorEmail: "sensorsync@test.local",
	}, zaptest.NewLogger(t))

	return NewTransactionPublisher(transport, Config{
		Index:  index.NewFile(filepath.Join(work, "index.txt")),
		Folder: "data",
	}, zaptest.NewLogger(t))
}

func commitCount(t *testing.T, bare string) string {
	return strings.TrimSpace(gitRun(t, bare, "rev-list", "--count", "main"))
}

func TestGitTransport_Publish(t *testing.T) {
	bare, work := setupRemote(t)
	b, path := testBatch(t, filepath.Join(work, "data"))

	if err := newGitPublisher(t, work).Publish(context.Background(), b, path); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	tree := gitRun(t, bare, "ls-tree", "-r", "--name-only", "main")
	if !strings.Contains(tree, "data/2025_01_06_00h25.csv") || !strings.Contains(tree, "index.txt") {
		t.Errorf("remote tree = %q", tree)
	}
	if idx := gitRun(t, bare, "show", "main:index.txt"); idx != "data/2025_01_06_00h25.csv\n" {
		t.Errorf("remote index = %q", idx)
	}
	if msg := gitRun(t, bare, "log", "-1", "--format=%s", "main"); strings.TrimSpace(msg) != "Add new data file 2025_01_06_00h25.csv" {
		t.Errorf("commit message = %q", msg)
	}
	if got := commitCount(t, bare); got != "2" {
		t.Errorf("commit count = %s, want 2", got)
	}
}

func TestGitTransport_RetryAfterFailedPush(t *testing.T) {
	bare, work := setupRemote(t)
	b, path := testBatch(t, filepath.Join(work, "data"))
	publisher := newGitPublisher(t, work)

	hook := filepath.Join(work, ".git", "hooks", "pre-push")
	if err := os.WriteFile(hook, []byte("#!/bin/sh\nexit 1\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	err := publisher.Publish(context.Background(), b, path)
	var stepErr *StepError
	if !errors.As(err, &stepErr) || stepErr.Step != "push" {
		t.Fatalf("error = %v, want push failure", err)
	}
	if got := commitCount(t, bare); got != "1" {
		t.Fatalf("remote commit count after failed push = %s, want 1", got)
	}

	// Someone else pushes meanwhile; the retry must rebase onto it
	other := filepath.Join(t.TempDir(), "other")
	gitRun(t, filepath.Dir(other), "clone", "--branch", "main", bare, other)
	if err := os.WriteFile(filepath.Join(other, "NOTES"), []byte("notes\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	gitRun(t, other, "add", "NOTES")
	gitRun(t, other, "commit", "-m", "notes")
	gitRun(t, other, "push", "origin", "main")

	if err := os.Remove(hook); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := publisher.Publish(context.Background(), b, path); err != nil {
			t.Fatalf("retry #%d: %v", i, err)
		}
	}

	if got := commitCount(t, bare); got != "3" {
		t.Errorf("remote commit count = %s, want 3 (initial, notes, batch)", got)
	}
	if idx := gitRun(t, bare, "show", "main:index.txt"); idx != "data/2025_01_06_00h25.csv\n" {
		t.Errorf("remote index = %q, want a single entry", idx)
	}
	tree := gitRun(t, bare, "ls-tree", "-r", "--name-only", "main")
	if !strings.Contains(tree, "NOTES") {
		t.Errorf("remote tree lost the concurrent commit: %q", tree)
	}
}

func TestGitTransport_StageOutsideRepository(t *testing.T) {
	_, work := setupRemote(t)
	b, path := testBatch(t, t.TempDir())

	err := newGitPublisher(t, work).Publish(context.Background(), b, path)
	var stepErr *StepError
	if !errors.As(err, &stepErr) || stepErr.Step != "stage" {
		t.Fatalf("error = %v, want stage failure", err)
	}
}

func TestGitTransport_SyncConflictLeavesCleanClone(t *testing.T) {
	bare, work := setupRemote(t)

	// Unpushed local edit of README
	if err := os.WriteFile(filepath.Join(work, "README"), []byte("local\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	gitRun(t, work, "commit", "-am", "local edit")

	other := filepath.Join(t.TempDir(), "other")
	gitRun(t, filepath.Dir(other), "clone", "--branch", "main", bare, other)
	if err := os.WriteFile(filepath.Join(other, "README"), []byte("remote\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	gitRun(t, other, "commit", "-am", "remote edit")
	gitRun(t, other, "push", "origin", "main")

	b, path := testBatch(t, filepath.Join(work, "data"))
	err := newGitPublisher(t, work).Publish(context.Background(), b, path)
	var stepErr *StepError
	if !errors.As(err, &stepErr) || stepErr.Step != "sync" {
		t.Fatalf("error = %v, want sync failure", err)
	}

	for _, name := range []string{"rebase-merge", "rebase-apply"} {
		if _, err := os.Stat(filepath.Join(work, ".git", name)); !os.IsNotExist(err) {
			t.Errorf("%s left behind after failed sync", name)
		}
	}
	if got := strings.TrimSpace(gitRun(t, work, "log", "-1", "--format=%s")); got != "local edit" {
		t.Errorf("HEAD = %q, want the clone restored", got)
	}
}
