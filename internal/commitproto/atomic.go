package commitproto

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/reposyncd/reposyncd/internal/changes"
	"github.com/reposyncd/reposyncd/internal/gitexec"
	"github.com/reposyncd/reposyncd/internal/githubapi"
	"github.com/reposyncd/reposyncd/internal/repo"
)

// maxPayloadBytes bounds the total base64-encoded commit payload accepted by
// the GraphQL endpoint.
const maxPayloadBytes = 50 << 20

const createCommitMutation = `
mutation($input: CreateCommitOnBranchInput!) {
  createCommitOnBranch(input: $input) {
    commit { oid }
  }
}`

// AtomicGraphQL commits through a single createCommitOnBranch request: the
// platform applies and signs the commit, so nothing is written to local git
// history. The remote branch tip acts as an optimistic lock token; a
// concurrent remote mutation surfaces as a stale-head error and triggers a
// fresh read and retry. GitHub-only.
type AtomicGraphQL struct {
	api       *githubapi.Client
	git       gitexec.Client
	repo      repo.Repository
	workspace string
	logger    *slog.Logger
}

// NewAtomicGraphQL creates the atomic protocol for one repository pipeline.
func NewAtomicGraphQL(api *githubapi.Client, git gitexec.Client, r repo.Repository, workspace string, logger *slog.Logger) *AtomicGraphQL {
	return &AtomicGraphQL{api: api, git: git, repo: r, workspace: workspace, logger: logger}
}

func (p *AtomicGraphQL) Commit(ctx context.Context, branch, message string, set []changes.FileChange, opts Options) (Result, error) {
	if p.repo.Platform != repo.PlatformGitHub {
		return Result{}, ErrUnsupportedPlatform
	}
	// The branch name is interpolated into git invocations and API
	// requests; validate before any I/O.
	if err := gitexec.ValidateBranchName(branch); err != nil {
		return Result{}, err
	}

	set = changes.Committable(set)
	if len(set) == 0 {
		return Result{}, ErrNoChanges
	}

	additions, deletions, encodedSize := encodeFileChanges(set)
	if encodedSize > maxPayloadBytes {
		return Result{}, fmt.Errorf("%w: %d bytes base64-encoded, limit %d", ErrPayloadTooLarge, encodedSize, maxPayloadBytes)
	}

	for _, ch := range set {
		if ch.Executable && ch.Action != changes.ActionDelete {
			p.logger.Warn("executable bit cannot be set through atomic commits", "file", ch.FileName)
		}
	}

	for attempt := 0; attempt <= opts.Retries; attempt++ {
		headOid, exists, err := p.api.RemoteBranchTip(ctx, p.repo, branch, opts.Token)
		if err != nil {
			return Result{}, err
		}
		if !exists {
			// The mutation requires a pre-existing ref; create it from
			// the local tip (the freshly prepared branch head).
			if err := p.git.PushHeadTo(ctx, p.workspace, branch); err != nil {
				return Result{}, fmt.Errorf("failed to create remote branch %s: %w", branch, err)
			}
			headOid, _, err = p.api.RemoteBranchTip(ctx, p.repo, branch, opts.Token)
			if err != nil {
				return Result{}, err
			}
		}

		oid, err := p.submit(ctx, branch, message, additions, deletions, headOid, opts.Token)
		if err == nil {
			return Result{SHA: oid, Verified: true, Pushed: true}, nil
		}

		var gqlErr *githubapi.GraphQLErrors
		if errors.As(err, &gqlErr) && gqlErr.IsStaleHead() {
			p.logger.Warn("remote branch moved concurrently, retrying with fresh tip",
				"branch", branch, "attempt", attempt, "stale_oid", headOid)
			continue
		}
		return Result{}, err
	}

	return Result{}, fmt.Errorf("%w after %d retries", ErrStaleBranch, opts.Retries)
}

func (p *AtomicGraphQL) submit(ctx context.Context, branch, message string, additions, deletions []map[string]string, headOid, token string) (string, error) {
	fileChanges := map[string]any{}
	// Empty lists are omitted from the request entirely, not sent as [].
	if len(additions) > 0 {
		fileChanges["additions"] = additions
	}
	if len(deletions) > 0 {
		fileChanges["deletions"] = deletions
	}

	headline, body, _ := strings.Cut(message, "\n\n")
	commitMessage := map[string]string{"headline": headline}
	if body != "" {
		commitMessage["body"] = body
	}

	input := map[string]any{
		"branch": map[string]string{
			"repositoryNameWithOwner": p.repo.FullName(),
			"branchName":              branch,
		},
		"message":         commitMessage,
		"fileChanges":     fileChanges,
		"expectedHeadOid": headOid,
	}

	var data struct {
		CreateCommitOnBranch struct {
			Commit *struct {
				Oid string `json:"oid"`
			} `json:"commit"`
		} `json:"createCommitOnBranch"`
	}

	err := p.api.DoGraphQL(ctx, createCommitMutation, map[string]any{"input": input}, &data, token)
	if err != nil {
		return "", err
	}

	if data.CreateCommitOnBranch.Commit == nil || data.CreateCommitOnBranch.Commit.Oid == "" {
		return "", ErrMissingCommitID
	}
	return data.CreateCommitOnBranch.Commit.Oid, nil
}

// encodeFileChanges splits a change set into GraphQL additions and deletions
// and reports the total base64-encoded payload size.
func encodeFileChanges(set []changes.FileChange) (additions, deletions []map[string]string, encodedSize int) {
	for _, ch := range set {
		if ch.Action == changes.ActionDelete {
			deletions = append(deletions, map[string]string{"path": ch.FileName})
			continue
		}
		contents := base64.StdEncoding.EncodeToString(ch.Content)
		encodedSize += len(contents)
		additions = append(additions, map[string]string{
			"path":     ch.FileName,
			"contents": contents,
		})
	}
	return additions, deletions, encodedSize
}
