package githubapi

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/go-github/v58/github"

	"github.com/reposyncd/reposyncd/internal/repo"
)

// PullRequest is the subset of pull request identity the sync pipeline needs.
type PullRequest struct {
	Number int
	URL    string
	NodeID string
}

// MergeMethod selects how a pull request is merged.
type MergeMethod string

const (
	MergeMethodMerge  MergeMethod = "merge"
	MergeMethodSquash MergeMethod = "squash"
	MergeMethodRebase MergeMethod = "rebase"
)

// graphQLEnum maps a merge method onto the GraphQL PullRequestMergeMethod enum.
func (m MergeMethod) graphQLEnum() string {
	return strings.ToUpper(string(m))
}

// FindOpenPullRequest returns the open pull request whose head is the given
// branch, or nil when none exists.
func (c *Client) FindOpenPullRequest(ctx context.Context, r repo.Repository, head string) (*PullRequest, error) {
	opts := &github.PullRequestListOptions{
		State: "open",
		Head:  r.Owner + ":" + head,
	}
	prs, _, err := c.rest.PullRequests.List(ctx, r.Owner, r.Name, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list pull requests for %s: %w", r.FullName(), err)
	}
	if len(prs) == 0 {
		return nil, nil
	}

	pr := prs[0]
	return &PullRequest{Number: pr.GetNumber(), URL: pr.GetHTMLURL(), NodeID: pr.GetNodeID()}, nil
}

// ClosePullRequest closes the pull request and deletes its head branch ref,
// so the next sync attempt starts from a clean branch.
func (c *Client) ClosePullRequest(ctx context.Context, r repo.Repository, pr *PullRequest, headBranch string) error {
	_, _, err := c.rest.PullRequests.Edit(ctx, r.Owner, r.Name, pr.Number, &github.PullRequest{
		State: github.String("closed"),
	})
	if err != nil {
		return fmt.Errorf("failed to close pull request #%d: %w", pr.Number, err)
	}

	_, err = c.rest.Git.DeleteRef(ctx, r.Owner, r.Name, "heads/"+headBranch)
	if err != nil {
		return fmt.Errorf("failed to delete branch %s: %w", headBranch, err)
	}
	return nil
}

// CreatePullRequest opens a pull request from head into base.
func (c *Client) CreatePullRequest(ctx context.Context, r repo.Repository, head, base, title, body string) (*PullRequest, error) {
	pr, _, err := c.rest.PullRequests.Create(ctx, r.Owner, r.Name, &github.NewPullRequest{
		Title: github.String(title),
		Head:  github.String(head),
		Base:  github.String(base),
		Body:  github.String(body),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create pull request for %s: %w", r.FullName(), err)
	}
	return &PullRequest{Number: pr.GetNumber(), URL: pr.GetHTMLURL(), NodeID: pr.GetNodeID()}, nil
}

// EnableAutoMerge turns on platform auto-merge for the pull request. The PR
// merges once required checks pass; nothing is forced.
func (c *Client) EnableAutoMerge(ctx context.Context, pr *PullRequest, method MergeMethod, bearer string) error {
	const mutation = `
mutation($id: ID!, $method: PullRequestMergeMethod!) {
  enablePullRequestAutoMerge(input: {pullRequestId: $id, mergeMethod: $method}) {
    clientMutationId
  }
}`

	err := c.DoGraphQL(ctx, mutation, map[string]any{
		"id":     pr.NodeID,
		"method": method.graphQLEnum(),
	}, nil, bearer)
	if err != nil {
		return fmt.Errorf("failed to enable auto-merge on #%d: %w", pr.Number, err)
	}
	return nil
}

// MergePullRequest merges the pull request immediately without waiting for
// required checks. The justification is recorded in the merge commit body.
func (c *Client) MergePullRequest(ctx context.Context, r repo.Repository, pr *PullRequest, method MergeMethod, justification string) (string, error) {
	opts := &github.PullRequestOptions{MergeMethod: string(method)}
	result, _, err := c.rest.PullRequests.Merge(ctx, r.Owner, r.Name, pr.Number, justification, opts)
	if err != nil {
		return "", fmt.Errorf("failed to merge pull request #%d: %w", pr.Number, err)
	}
	if !result.GetMerged() {
		return "", fmt.Errorf("pull request #%d was not merged: %s", pr.Number, result.GetMessage())
	}
	return result.GetSHA(), nil
}

// RemoteBranchTip returns the current tip oid of a remote branch, or
// ("", false, nil) when the branch does not exist. Looked up over GraphQL so
// a per-repository bearer token applies.
func (c *Client) RemoteBranchTip(ctx context.Context, r repo.Repository, branch, bearer string) (string, bool, error) {
	const query = `
query($owner: String!, $name: String!, $ref: String!) {
  repository(owner: $owner, name: $name) {
    ref(qualifiedName: $ref) {
      target { oid }
    }
  }
}`

	var data struct {
		Repository struct {
			Ref *struct {
				Target struct {
					Oid string `json:"oid"`
				} `json:"target"`
			} `json:"ref"`
		} `json:"repository"`
	}

	err := c.DoGraphQL(ctx, query, map[string]any{
		"owner": r.Owner,
		"name":  r.Name,
		"ref":   "refs/heads/" + branch,
	}, &data, bearer)
	if err != nil {
		return "", false, fmt.Errorf("failed to read tip of %s: %w", branch, err)
	}

	if data.Repository.Ref == nil || data.Repository.Ref.Target.Oid == "" {
		return "", false, nil
	}
	return data.Repository.Ref.Target.Oid, true, nil
}
