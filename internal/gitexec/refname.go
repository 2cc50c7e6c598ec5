package gitexec

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrInvalidBranchName indicates a ref name that failed validation before any
// git or network operation was attempted.
var ErrInvalidBranchName = errors.New("invalid branch name")

// Branch and ref names end up as arguments to external process invocations
// and inside API requests, so they are validated against a strict allow-list
// in one place rather than escaped per call site. Letters, digits, slash,
// underscore, dash and dot are permitted; the name must not start with a dot
// or a dash.
var branchNamePattern = regexp.MustCompile(`^[A-Za-z0-9_/][A-Za-z0-9/_.-]*$`)

// ValidateBranchName checks a branch or ref name against the allow-list.
func ValidateBranchName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidBranchName)
	}
	if !branchNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidBranchName, name)
	}
	return nil
}
