// Package session manages the disposable per-repository workspace: fresh
// clone, base-branch discovery and target-branch preparation.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/reposyncd/reposyncd/internal/gitexec"
	"github.com/reposyncd/reposyncd/internal/githubapi"
	"github.com/reposyncd/reposyncd/internal/repo"
)

// Session bundles an authenticated workspace clone with the detected base
// branch. Cleanup must run exactly once regardless of how the pipeline ends.
type Session struct {
	Repo       repo.Repository
	Workspace  string
	BaseBranch string
	// DetectionMethod records how the base branch was found. Logging only.
	DetectionMethod string

	git         gitexec.Client
	api         *githubapi.Client
	logger      *slog.Logger
	cleanupOnce sync.Once
}

// Manager creates sessions. One Manager serves a whole batch; each Setup call
// yields an isolated workspace.
type Manager struct {
	api     *githubapi.Client
	workDir string
	logger  *slog.Logger
}

// NewManager creates a session manager rooting workspaces under workDir.
func NewManager(api *githubapi.Client, workDir string, logger *slog.Logger) *Manager {
	return &Manager{api: api, workDir: workDir, logger: logger}
}

// Setup clears any leftover workspace, clones the repository fresh and
// detects the base branch.
func (m *Manager) Setup(ctx context.Context, r repo.Repository, git gitexec.Client) (*Session, error) {
	workspace := filepath.Join(m.workDir, r.Name+"-"+uuid.New().String())
	if err := os.RemoveAll(workspace); err != nil {
		return nil, fmt.Errorf("failed to clear workspace: %w", err)
	}

	if err := git.Clone(ctx, r.CloneURL, workspace); err != nil {
		_ = os.RemoveAll(workspace)
		return nil, err
	}

	s := &Session{
		Repo:      r,
		Workspace: workspace,
		git:       git,
		api:       m.api,
		logger:    m.logger,
	}

	if err := s.detectBaseBranch(ctx); err != nil {
		s.Cleanup()
		return nil, err
	}

	m.logger.Debug("session ready",
		"repo", r.String(),
		"base_branch", s.BaseBranch,
		"detected_via", s.DetectionMethod)
	return s, nil
}

// detectBaseBranch finds the default branch: the remote HEAD pointer when
// advertised, otherwise origin/main, otherwise origin/master, otherwise the
// literal "main".
func (s *Session) detectBaseBranch(ctx context.Context) error {
	if branch, err := s.git.SymbolicRemoteHead(ctx, s.Workspace); err == nil {
		s.BaseBranch = branch
		s.DetectionMethod = "remote HEAD"
		return nil
	}

	for _, candidate := range []string{"main", "master"} {
		exists, err := s.git.RemoteBranchExists(ctx, s.Workspace, candidate)
		if err != nil {
			return err
		}
		if exists {
			s.BaseBranch = candidate
			s.DetectionMethod = "origin/" + candidate
			return nil
		}
	}

	s.BaseBranch = "main"
	s.DetectionMethod = "fallback"
	return nil
}

// PrepareBranch readies a clean target branch. Any open pull request from a
// previous failed attempt is closed and its branch deleted first, so every
// sync starts from the base branch rather than layering onto stale history.
// Skipped entirely in direct mode.
func (s *Session) PrepareBranch(ctx context.Context, branch string, directMode bool) error {
	if directMode {
		s.logger.Debug("direct mode, staying on base branch", "base", s.BaseBranch)
		return nil
	}

	if err := gitexec.ValidateBranchName(branch); err != nil {
		return err
	}

	if s.Repo.Platform == repo.PlatformGitHub {
		if err := s.closeStalePullRequest(ctx, branch); err != nil {
			return err
		}
	}

	if err := s.git.CheckoutNewBranch(ctx, s.Workspace, branch, s.BaseBranch); err != nil {
		return err
	}
	return nil
}

func (s *Session) closeStalePullRequest(ctx context.Context, branch string) error {
	pr, err := s.api.FindOpenPullRequest(ctx, s.Repo, branch)
	if err != nil {
		return err
	}
	if pr == nil {
		return nil
	}

	s.logger.Info("closing stale pull request from previous attempt",
		"repo", s.Repo.String(), "pr", pr.Number, "branch", branch)
	if err := s.api.ClosePullRequest(ctx, s.Repo, pr, branch); err != nil {
		return err
	}

	// The remote branch is gone; prune local tracking refs so the local
	// protocol's compare-and-swap push computes a correct comparison base.
	if err := s.git.FetchPrune(ctx, s.Workspace); err != nil {
		return err
	}
	return nil
}

// FileExistsOnBase reports whether a path exists on the base branch itself,
// independent of working-tree state.
func (s *Session) FileExistsOnBase(ctx context.Context, path string) (bool, error) {
	_, exists, err := s.git.ShowFile(ctx, s.Workspace, "origin/"+s.BaseBranch, path)
	return exists, err
}

// Cleanup removes the disposable workspace. Safe to call multiple times and
// from deferred paths.
func (s *Session) Cleanup() {
	s.cleanupOnce.Do(func() {
		if err := os.RemoveAll(s.Workspace); err != nil {
			s.logger.Warn("failed to remove workspace", "path", s.Workspace, "error", err)
		}
	})
}
