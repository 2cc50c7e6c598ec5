// Package commitproto implements the two interchangeable commit protocols: a
// sequential local-git protocol and an atomic GraphQL protocol with
// optimistic concurrency control.
package commitproto

import (
	"context"
	"errors"

	"github.com/reposyncd/reposyncd/internal/changes"
)

// Options tunes a single commit attempt.
type Options struct {
	// Retries bounds retry attempts for transient failures and stale
	// optimistic locks. Zero disables retries entirely.
	Retries int
	// Token, when non-empty, is attached as an explicit bearer credential
	// on remote requests so repositories with different installation
	// tokens can share one run.
	Token string
	// Force allows the local protocol to replace remote history it has
	// observed (compare-and-swap push). When false the push must
	// fast-forward.
	Force bool
}

// Result describes a completed commit. Verified is true only when the
// platform itself applied and attested the commit.
type Result struct {
	SHA      string
	Verified bool
	Pushed   bool
}

// Protocol transactionally applies a file change set to a branch. Both
// implementations create the branch remotely when it does not exist yet.
type Protocol interface {
	Commit(ctx context.Context, branch, message string, set []changes.FileChange, opts Options) (Result, error)
}

var (
	// ErrNoChanges indicates nothing was staged; the repository is treated
	// as a successful skip, never a failure.
	ErrNoChanges = errors.New("no changes to commit")
	// ErrPayloadTooLarge indicates the base64-encoded commit payload
	// exceeded the platform limit; no request was issued.
	ErrPayloadTooLarge = errors.New("commit payload exceeds size limit")
	// ErrMissingCommitID indicates the platform accepted the commit but
	// returned no commit id.
	ErrMissingCommitID = errors.New("platform response missing commit id")
	// ErrStaleBranch indicates the remote branch kept moving faster than
	// the retry budget.
	ErrStaleBranch = errors.New("remote branch changed concurrently")
	// ErrUnsupportedPlatform indicates the atomic protocol was asked to
	// commit to a non-GitHub repository.
	ErrUnsupportedPlatform = errors.New("atomic commits are only supported on GitHub")
)
