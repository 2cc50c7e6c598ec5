// Package sync orchestrates the per-repository reconciliation pipeline:
// resolve auth, open a workspace session, prepare the branch, compute the
// change set, commit through one of the two protocols and finish the
// PR/merge cycle. Failures of one repository never abort the batch.
package sync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/reposyncd/reposyncd/internal/changes"
	"github.com/reposyncd/reposyncd/internal/commitproto"
	"github.com/reposyncd/reposyncd/internal/gitexec"
	"github.com/reposyncd/reposyncd/internal/githubapi"
	"github.com/reposyncd/reposyncd/internal/manifest"
	"github.com/reposyncd/reposyncd/internal/repo"
	"github.com/reposyncd/reposyncd/internal/session"
	"github.com/reposyncd/reposyncd/internal/tokens"
)

// Options configures a workflow run. One Options value serves the whole
// batch; per-repository differences come from the Target.
type Options struct {
	BranchName    string
	CommitMessage string
	// Justification is recorded when force-merging past required checks.
	Justification string
	Retries       int
	DryRun        bool
	// AmbientToken is the fallback credential when the token provider
	// yields no repository-specific token.
	AmbientToken string
}

// Workflow runs the sync state machine for single repositories.
type Workflow struct {
	sessions *session.Manager
	api      *githubapi.Client
	tokens   tokens.Provider
	opts     Options
	logger   *slog.Logger

	// Seams for tests.
	newGitClient func(token string) gitexec.Client
	newProtocol  func(atomic bool, git gitexec.Client, sess *session.Session) commitproto.Protocol
}

// NewWorkflow wires a workflow from its collaborators.
func NewWorkflow(sessions *session.Manager, api *githubapi.Client, provider tokens.Provider, opts Options, logger *slog.Logger) *Workflow {
	w := &Workflow{
		sessions: sessions,
		api:      api,
		tokens:   provider,
		opts:     opts,
		logger:   logger,
	}
	w.newGitClient = func(token string) gitexec.Client {
		return gitexec.NewShellClient(token)
	}
	w.newProtocol = func(atomic bool, git gitexec.Client, sess *session.Session) commitproto.Protocol {
		if atomic {
			return commitproto.NewAtomicGraphQL(api, git, sess.Repo, sess.Workspace, logger)
		}
		return commitproto.NewLocalGit(git, sess.Workspace, logger)
	}
	return w
}

// Run executes one repository pass. It always returns a Result; errors are
// folded into it.
func (w *Workflow) Run(ctx context.Context, target Target) Result {
	r := target.Repo
	log := w.logger.With("repo", r.String())

	token, err := w.tokens.TokenForRepo(ctx, r)
	if errors.Is(err, tokens.ErrNoInstallation) {
		log.Info("no app installation, skipping repository")
		return skipResult(r, "no app installation for repository", nil)
	}
	if err != nil {
		return failResult(r, err)
	}

	gitToken := token
	if gitToken == "" {
		gitToken = w.opts.AmbientToken
	}
	git := w.newGitClient(gitToken)

	sess, err := w.sessions.Setup(ctx, r, git)
	if err != nil {
		return failResult(r, err)
	}
	defer sess.Cleanup()

	direct := target.MergeMode == MergeModeDirect
	if direct && target.Strategy != "" {
		log.Warn("merge strategy has no effect in direct mode", "strategy", string(target.Strategy))
	}

	if err := sess.PrepareBranch(ctx, w.opts.BranchName, direct); err != nil {
		return failResult(r, err)
	}

	set, stats, err := w.computeChangeSet(ctx, sess, target)
	if err != nil {
		return failResult(r, err)
	}

	committable := changes.Committable(set)
	if len(committable) == 0 {
		log.Info("no changes detected", "stats", stats.String())
		return skipResult(r, "no changes detected", &stats)
	}

	if w.opts.DryRun {
		for _, ch := range committable {
			log.Info("[dry-run] would commit", "action", string(ch.Action), "file", ch.FileName)
		}
		return skipResult(r, fmt.Sprintf("dry run: %s", stats.String()), &stats)
	}

	branch := w.opts.BranchName
	if direct {
		branch = sess.BaseBranch
	}

	// The atomic protocol needs a platform-verifiable, installation-scoped
	// credential; ambient tokens fall back to plain git pushes.
	atomic := r.Platform == repo.PlatformGitHub && token != ""
	proto := w.newProtocol(atomic, git, sess)

	message := buildCommitMessage(w.opts.CommitMessage, committable)
	commitResult, err := proto.Commit(ctx, branch, message, set, commitproto.Options{
		Retries: w.opts.Retries,
		Token:   token,
		Force:   !direct,
	})
	if errors.Is(err, commitproto.ErrNoChanges) {
		return skipResult(r, "no changes detected", &stats)
	}
	if err != nil {
		if direct && isBranchProtectionError(err) {
			return Result{
				Repo: r.String(),
				Message: fmt.Sprintf(
					"direct mode requires branch %q to accept direct pushes, but the push was rejected by branch protection: %v",
					sess.BaseBranch, err),
				Stats: &stats,
			}
		}
		return failResult(r, err)
	}

	log.Info("committed change set",
		"sha", commitResult.SHA,
		"verified", commitResult.Verified,
		"stats", stats.String())

	result := Result{
		Repo:      r.String(),
		Success:   true,
		CommitSHA: commitResult.SHA,
		Stats:     &stats,
	}

	if direct {
		result.Message = fmt.Sprintf("pushed directly to %s (%s)", sess.BaseBranch, stats.String())
		return result
	}

	prURL, mergeResult, err := w.openAndMerge(ctx, target, sess, committable, token)
	if err != nil {
		res := failResult(r, err)
		res.PRURL = prURL
		res.Stats = &stats
		return res
	}

	result.PRURL = prURL
	result.MergeResult = mergeResult
	result.Message = fmt.Sprintf("synced (%s)", stats.String())
	return result
}

// computeChangeSet runs change detection and manifest reconciliation for
// every configuration targeting the repository, then appends the manifest
// itself when its serialized form changed.
func (w *Workflow) computeChangeSet(ctx context.Context, sess *session.Session, target Target) ([]changes.FileChange, changes.Stats, error) {
	detector := changes.NewDetector(sess.Workspace, sess, w.logger)

	man, err := manifest.Load(sess.Workspace)
	if err != nil {
		return nil, changes.Stats{}, err
	}

	data := changes.TemplateData{
		Owner:         target.Repo.Owner,
		Repo:          target.Repo.Name,
		Platform:      string(target.Repo.Platform),
		Host:          target.Repo.Host,
		DefaultBranch: sess.BaseBranch,
	}

	var set []changes.FileChange
	var orphans []string
	declaredAnywhere := make(map[string]bool)
	for _, cfg := range target.Configs {
		if !cfg.RulesetsOnly {
			cfgSet, declared, err := detector.Detect(ctx, cfg.Files, data)
			if err != nil {
				return nil, changes.Stats{}, err
			}
			set = append(set, cfgSet...)

			var cfgOrphans []string
			man, cfgOrphans = manifest.Reconcile(man, cfg.ID, declared)
			orphans = append(orphans, cfgOrphans...)
			for path := range declared {
				declaredAnywhere[path] = true
			}
		}

		// Orphaned ruleset names feed the settings-diff engine, which is
		// outside this pipeline; only the tracking state is updated here.
		man, _ = manifest.ReconcileRulesets(man, cfg.ID, cfg.Rulesets)
	}

	// A path declared by any config in this run is never deleted, even when
	// the config that used to track it dropped it.
	kept := orphans[:0]
	for _, path := range orphans {
		if !declaredAnywhere[path] {
			kept = append(kept, path)
		}
	}
	set = append(set, detector.ConvertOrphans(kept)...)

	manifestChange, err := manifestChangeEntry(sess.Workspace, man)
	if err != nil {
		return nil, changes.Stats{}, err
	}
	if manifestChange != nil {
		set = append(set, *manifestChange)
	}

	return set, detector.Stats(), nil
}

// manifestChangeEntry returns a change-set entry for the manifest file, or
// nil when the serialized form is unchanged. Manifest bookkeeping is never
// counted in diff statistics.
func manifestChangeEntry(workspace string, man *manifest.Manifest) (*changes.FileChange, error) {
	encoded, err := manifest.Encode(man)
	if err != nil {
		return nil, err
	}

	existing, err := os.ReadFile(filepath.Join(workspace, manifest.FileName))
	switch {
	case err == nil:
		if bytes.Equal(existing, encoded) {
			return nil, nil
		}
		return &changes.FileChange{FileName: manifest.FileName, Content: encoded, Action: changes.ActionUpdate}, nil
	case os.IsNotExist(err):
		return &changes.FileChange{FileName: manifest.FileName, Content: encoded, Action: changes.ActionCreate}, nil
	default:
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
}

// buildCommitMessage appends the committed file list to the configured
// headline. Skip entries never appear.
func buildCommitMessage(headline string, committable []changes.FileChange) string {
	var b strings.Builder
	b.WriteString(headline)
	b.WriteString("\n\n")
	for _, ch := range committable {
		fmt.Fprintf(&b, "%s %s\n", string(ch.Action), ch.FileName)
	}
	return strings.TrimRight(b.String(), "\n")
}

// isBranchProtectionError recognizes a commit rejected by branch protection,
// from git-push stderr or from the GraphQL error text the atomic protocol
// surfaces.
func isBranchProtectionError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"gh006",
		"protected branch",
		"push declined",
		"changes must be made through a pull request",
		"repository rule violations",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
