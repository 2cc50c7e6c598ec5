package commitproto

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/reposyncd/reposyncd/internal/changes"
	"github.com/reposyncd/reposyncd/internal/gitexec"
)

// LocalGit commits through sequential local git operations: write the change
// set into the workspace, stage, commit once, push. This is the default
// protocol and works against any git host.
type LocalGit struct {
	git        gitexec.Client
	workspace  string
	logger     *slog.Logger
	retryDelay time.Duration
}

// NewLocalGit creates the local protocol for one workspace clone.
func NewLocalGit(git gitexec.Client, workspace string, logger *slog.Logger) *LocalGit {
	return &LocalGit{
		git:        git,
		workspace:  workspace,
		logger:     logger,
		retryDelay: 2 * time.Second,
	}
}

func (p *LocalGit) Commit(ctx context.Context, branch, message string, set []changes.FileChange, opts Options) (Result, error) {
	if err := gitexec.ValidateBranchName(branch); err != nil {
		return Result{}, err
	}

	if err := changes.Apply(p.workspace, changes.Committable(set)); err != nil {
		return Result{}, fmt.Errorf("failed to apply change set: %w", err)
	}

	if err := p.git.AddAll(ctx, p.workspace); err != nil {
		return Result{}, err
	}

	staged, err := p.git.HasStagedChanges(ctx, p.workspace)
	if err != nil {
		return Result{}, err
	}
	if !staged {
		return Result{}, ErrNoChanges
	}

	if err := p.git.Commit(ctx, p.workspace, message); err != nil {
		return Result{}, err
	}

	if err := p.push(ctx, branch, opts); err != nil {
		return Result{}, err
	}

	sha, err := p.git.RevParse(ctx, p.workspace, "HEAD")
	if err != nil {
		return Result{}, err
	}

	return Result{SHA: sha, Verified: false, Pushed: true}, nil
}

// push retries transient failures up to the configured count. Failures that
// are not transient (authorization, branch protection) propagate immediately.
func (p *LocalGit) push(ctx context.Context, branch string, opts Options) error {
	var lastErr error
	for attempt := 0; attempt <= opts.Retries; attempt++ {
		if attempt > 0 {
			p.logger.Warn("retrying push", "branch", branch, "attempt", attempt, "error", lastErr)
			select {
			case <-time.After(p.retryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = p.git.Push(ctx, p.workspace, branch, opts.Force)
		if lastErr == nil {
			return nil
		}
		if !isTransient(lastErr) {
			return lastErr
		}
	}
	return fmt.Errorf("push failed after %d retries: %w", opts.Retries, lastErr)
}

// isTransient classifies push failures worth retrying from the git output.
func isTransient(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"timeout",
		"timed out",
		"connection reset",
		"connection refused",
		"could not resolve",
		"early eof",
		"remote hung up",
		"tls handshake",
		"temporarily unavailable",
		"http 500",
		"http 502",
		"http 503",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
