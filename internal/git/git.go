// Package git provides typed access to the git CLI for the working copy the
// agent publishes batches through. Every command targets the repository
// directory via "git -C <dir>".
package git

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// waitDelay bounds how long Run waits for the output pipes once git has been
// killed; children such as ssh can keep them open.
var waitDelay = 2 * time.Second

// Repository represents a git working tree at a specific directory
type Repository struct {
	dir string
	env []string
}

// NewRepository returns a Repository targeting dir
func NewRepository(dir string) *Repository {
	return &Repository{dir: dir}
}

// WithEnv returns a copy of the repository whose commands also see env
// (KEY=VALUE pairs), e.g. GIT_SSH_COMMAND.
func (r *Repository) WithEnv(env ...string) *Repository {
	return &Repository{dir: r.dir, env: append(append([]string(nil), r.env...), env...)}
}

// WithIdentity sets author and committer for commits and rebases. Empty
// values leave git's own configuration in charge.
func (r *Repository) WithIdentity(name, email string) *Repository {
	var env []string
	if name != "" {
		env = append(env, "GIT_AUTHOR_NAME="+name, "GIT_COMMITTER_NAME="+name)
	}
	if email != "" {
		env = append(env, "GIT_AUTHOR_EMAIL="+email, "GIT_COMMITTER_EMAIL="+email)
	}
	return r.WithEnv(env...)
}

// Dir returns the repository directory
func (r *Repository) Dir() string {
	return r.dir
}

// Run executes a git command and returns stdout. Stderr is captured and
// included in the error on failure.
func (r *Repository) Run(ctx context.Context, args ...string) (string, error) {
	fullArgs := append([]string{"-C", r.dir}, args...)
	var stdout, stderr bytes.Buffer
	command := exec.CommandContext(ctx, "git", fullArgs...)
	command.Stdout = &stdout
	command.Stderr = &stderr
	command.WaitDelay = waitDelay
	if len(r.env) > 0 {
		command.Env = append(command.Environ(), r.env...)
	}

	if err := command.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("%w (%v)", ctxErr, err)
		}
		return "", fmt.Errorf("git %s in %s: %w (stderr: %s)",
			strings.Join(args, " "), r.dir, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// PullRebase fetches branch from remote and replays local commits on top,
// stashing uncommitted changes around the rebase.
func (r *Repository) PullRebase(ctx context.Context, remote, branch string) error {
	_, err := r.Run(ctx, "pull", "--rebase", "--autostash", remote, branch)
	return err
}

// AbortRebase abandons a rebase left in progress by a failed PullRebase.
// Without a rebase in progress it does nothing.
func (r *Repository) AbortRebase(ctx context.Context) error {
	rebasing, err := r.RebaseInProgress(ctx)
	if err != nil || !rebasing {
		return err
	}
	_, err = r.Run(ctx, "rebase", "--abort")
	return err
}

// RebaseInProgress reports whether a rebase is waiting to be continued or
// aborted
func (r *Repository) RebaseInProgress(ctx context.Context) (bool, error) {
	for _, name := range []string{"rebase-merge", "rebase-apply"} {
		out, err := r.Run(ctx, "rev-parse", "--git-path", name)
		if err != nil {
			return false, err
		}
		p := strings.TrimSpace(out)
		if !filepath.IsAbs(p) {
			p = filepath.Join(r.dir, p)
		}
		if _, err := os.Stat(p); err == nil {
			return true, nil
		}
	}
	return false, nil
}

// Add stages paths (relative to the repository root)
func (r *Repository) Add(ctx context.Context, paths ...string) error {
	_, err := r.Run(ctx, append([]string{"add", "--"}, paths...)...)
	return err
}

// StagedFiles lists paths with staged changes
func (r *Repository) StagedFiles(ctx context.Context) ([]string, error) {
	out, err := r.Run(ctx, "diff", "--cached", "--name-only")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

// Commit records the staged changes
func (r *Repository) Commit(ctx context.Context, message string) error {
	_, err := r.Run(ctx, "commit", "-m", message)
	return err
}

// Push sends branch to remote
func (r *Repository) Push(ctx context.Context, remote, branch string) error {
	_, err := r.Run(ctx, "push", remote, branch)
	return err
}
