package publish

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"sensorsync/internal/git"

	"go.uber.org/zap"
)

const abortTimeout = 30 * time.Second

// GitTransport publishes through a local clone of the destination repository
type GitTransport struct {
	repo   *git.Repository
	remote string
	branch string
	logger *zap.Logger
}

// GitConfig contains git transport configuration
type GitConfig struct {
	RepoPath    string
	Remote      string
	Branch      string
	AuthorName  string
	AuthorEmail string
}

// NewGitTransport creates a transport for the clone at cfg.RepoPath
func NewGitTransport(cfg GitConfig, logger *zap.Logger) *GitTransport {
	return &GitTransport{
		repo:   git.NewRepository(cfg.RepoPath).WithIdentity(cfg.AuthorName, cfg.AuthorEmail),
		remote: cfg.Remote,
		branch: cfg.Branch,
		logger: logger,
	}
}

// Name returns "git"
func (t *GitTransport) Name() string { return "git" }

// Sync pulls with rebase. A commit left behind by a failed push is replayed
// on top of the remote and goes out with the next push. A rebase stopped by
// a conflict is aborted so the next attempt starts from a clean clone.
func (t *GitTransport) Sync(ctx context.Context) error {
	err := t.repo.PullRebase(ctx, t.remote, t.branch)
	if err == nil {
		return nil
	}

	// The step context may already be spent
	abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortTimeout)
	defer cancel()
	if abortErr := t.repo.AbortRebase(abortCtx); abortErr != nil {
		t.logger.Error("Failed to abort rebase after failed pull", zap.Error(abortErr))
	}
	return err
}

// Stage adds path, which must live inside the clone. Re-adding unchanged
// content is a no-op.
func (t *GitTransport) Stage(ctx context.Context, path string) error {
	rel, err := t.relative(path)
	if err != nil {
		return err
	}
	return t.repo.Add(ctx, rel)
}

// Commit commits staged changes. With nothing staged (the batch was already
// committed by an earlier attempt) it does nothing.
func (t *GitTransport) Commit(ctx context.Context, message string) error {
	staged, err := t.repo.StagedFiles(ctx)
	if err != nil {
		return err
	}
	if len(staged) == 0 {
		t.logger.Info("Nothing new to commit, batch already committed", zap.String("message", message))
		return nil
	}
	return t.repo.Commit(ctx, message)
}

// Push pushes the branch
func (t *GitTransport) Push(ctx context.Context) error {
	return t.repo.Push(ctx, t.remote, t.branch)
}

func (t *GitTransport) relative(path string) (string, error) {
	root, err := filepath.Abs(t.repo.Dir())
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}

	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is outside repository %s", path, root)
	}
	return filepath.ToSlash(rel), nil
}
