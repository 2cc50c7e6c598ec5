package sync

import (
	"github.com/reposyncd/reposyncd/internal/changes"
	"github.com/reposyncd/reposyncd/internal/githubapi"
	"github.com/reposyncd/reposyncd/internal/repo"
)

// MergeMode is the per-repository merge policy.
type MergeMode string

const (
	// MergeModeManual opens a pull request and leaves it for a human.
	MergeModeManual MergeMode = "manual"
	// MergeModeAuto enables platform auto-merge; required checks still
	// gate the merge.
	MergeModeAuto MergeMode = "auto"
	// MergeModeForce merges immediately, bypassing required-check waits,
	// with an operator-supplied justification.
	MergeModeForce MergeMode = "force"
	// MergeModeDirect pushes straight to the base branch; no pull request.
	MergeModeDirect MergeMode = "direct"
)

// Target is one repository to reconcile, with its declared configuration.
type Target struct {
	Repo      repo.Repository
	Configs   []ConfigSet
	MergeMode MergeMode
	Strategy  githubapi.MergeMethod
}

// ConfigSet is the declared content of one configuration id for a target:
// an ordered list of files plus the ruleset names whose tracking this config
// owns.
type ConfigSet struct {
	ID       string
	Files    []changes.DeclaredFile
	Rulesets []string
	// RulesetsOnly updates ruleset tracking without touching file state:
	// no file detection, no file orphan computation.
	RulesetsOnly bool
}

// Result is the structured per-repository outcome returned to the caller.
// A failed repository never aborts its siblings.
type Result struct {
	Repo        string
	Success     bool
	Skipped     bool
	Message     string
	PRURL       string
	MergeResult string
	CommitSHA   string
	Stats       *changes.Stats
}

func skipResult(r repo.Repository, message string, stats *changes.Stats) Result {
	return Result{Repo: r.String(), Success: true, Skipped: true, Message: message, Stats: stats}
}

func failResult(r repo.Repository, err error) Result {
	return Result{Repo: r.String(), Success: false, Message: err.Error()}
}
