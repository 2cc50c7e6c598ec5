package sync

import (
	"context"
	"fmt"
	"strings"

	"github.com/reposyncd/reposyncd/internal/changes"
	"github.com/reposyncd/reposyncd/internal/githubapi"
	"github.com/reposyncd/reposyncd/internal/repo"
	"github.com/reposyncd/reposyncd/internal/session"
)

// openAndMerge opens the pull request and applies the merge policy. Direct
// mode never reaches this point.
func (w *Workflow) openAndMerge(ctx context.Context, target Target, sess *session.Session, committed []changes.FileChange, token string) (prURL, mergeResult string, err error) {
	if target.Repo.Platform != repo.PlatformGitHub {
		return "", "", fmt.Errorf("pull requests are only supported on GitHub; use direct mode for %s repositories", target.Repo.Platform)
	}

	title, _, _ := strings.Cut(w.opts.CommitMessage, "\n")
	pr, err := w.api.CreatePullRequest(ctx, target.Repo, w.opts.BranchName, sess.BaseBranch, title, prBody(committed))
	if err != nil {
		return "", "", err
	}
	w.logger.Info("pull request created", "repo", target.Repo.String(), "pr", pr.Number, "url", pr.URL)

	strategy := target.Strategy
	if strategy == "" {
		strategy = githubapi.MergeMethodMerge
	}

	switch target.MergeMode {
	case MergeModeManual, "":
		return pr.URL, "awaiting manual merge", nil

	case MergeModeAuto:
		if err := w.api.EnableAutoMerge(ctx, pr, strategy, token); err != nil {
			return pr.URL, "", err
		}
		return pr.URL, "auto-merge enabled", nil

	case MergeModeForce:
		justification := w.opts.Justification
		if justification == "" {
			justification = "merged by reposyncd, bypassing required checks"
		}
		sha, err := w.api.MergePullRequest(ctx, target.Repo, pr, strategy, justification)
		if err != nil {
			return pr.URL, "", err
		}
		return pr.URL, "merged as " + sha, nil

	default:
		return pr.URL, "", fmt.Errorf("unknown merge mode %q", target.MergeMode)
	}
}

// prBody lists the committed files so reviewers see the change set at a
// glance.
func prBody(committed []changes.FileChange) string {
	var b strings.Builder
	b.WriteString("Managed configuration sync.\n\n")
	for _, ch := range committed {
		fmt.Fprintf(&b, "- `%s` (%s)\n", ch.FileName, string(ch.Action))
	}
	return b.String()
}
