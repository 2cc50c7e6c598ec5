package gitexec

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Client provides the git operations the sync pipeline needs. Implementations
// must be safe for use by a single pipeline; each repository pipeline gets its
// own Client carrying its own credentials.
type Client interface {
	// Clone clones the repository into destDir, creating parent directories.
	Clone(ctx context.Context, url, destDir string) error
	// FetchPrune fetches origin and prunes deleted remote-tracking refs.
	FetchPrune(ctx context.Context, dir string) error
	// SymbolicRemoteHead returns the branch name origin/HEAD points at, or
	// an error when the remote did not advertise one.
	SymbolicRemoteHead(ctx context.Context, dir string) (string, error)
	// RemoteBranchExists reports whether origin/<branch> is known locally.
	RemoteBranchExists(ctx context.Context, dir, branch string) (bool, error)
	// CheckoutNewBranch creates (or resets) branch from origin/<base>.
	CheckoutNewBranch(ctx context.Context, dir, branch, base string) error
	// AddAll stages every change in the working tree.
	AddAll(ctx context.Context, dir string) error
	// HasStagedChanges reports whether anything is staged for commit.
	HasStagedChanges(ctx context.Context, dir string) (bool, error)
	// Commit records the staged changes with the given message.
	Commit(ctx context.Context, dir, message string) error
	// Push pushes HEAD to origin/<branch>. With compareAndSwap the push is
	// rejected when the remote ref moved past the locally known state
	// (force-with-lease); otherwise it is a plain fast-forward push.
	Push(ctx context.Context, dir, branch string, compareAndSwap bool) error
	// PushHeadTo pushes the current HEAD to create or update the given
	// remote branch without switching branches locally.
	PushHeadTo(ctx context.Context, dir, branch string) error
	// RevParse resolves a ref to a commit id.
	RevParse(ctx context.Context, dir, ref string) (string, error)
	// ShowFile reads a file as it exists on the given ref. The boolean is
	// false when the path does not exist on that ref.
	ShowFile(ctx context.Context, dir, ref, path string) ([]byte, bool, error)
}

// ShellClient implements Client by shelling out to the git command.
type ShellClient struct {
	token string
}

// NewShellClient creates a git client. A non-empty token is supplied to git
// via a credential helper for HTTPS remotes; it never appears in argv.
func NewShellClient(token string) *ShellClient {
	return &ShellClient{token: token}
}

func (c *ShellClient) Clone(ctx context.Context, url, destDir string) error {
	if err := os.MkdirAll(filepath.Dir(destDir), 0o755); err != nil {
		return fmt.Errorf("failed to create workspace parent directory: %w", err)
	}

	cmd := c.command(ctx, "", "clone", "--quiet", url, destDir)
	if err := runCommand(cmd); err != nil {
		return fmt.Errorf("git clone failed: %w", err)
	}
	return nil
}

func (c *ShellClient) FetchPrune(ctx context.Context, dir string) error {
	cmd := c.command(ctx, dir, "fetch", "--prune", "origin")
	if err := runCommand(cmd); err != nil {
		return fmt.Errorf("git fetch --prune failed: %w", err)
	}
	return nil
}

func (c *ShellClient) SymbolicRemoteHead(ctx context.Context, dir string) (string, error) {
	cmd := c.command(ctx, dir, "symbolic-ref", "refs/remotes/origin/HEAD")
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("origin/HEAD not set: %w", err)
	}

	ref := strings.TrimSpace(string(output))
	branch := strings.TrimPrefix(ref, "refs/remotes/origin/")
	if branch == ref || branch == "" {
		return "", fmt.Errorf("unexpected origin/HEAD target %q", ref)
	}
	return branch, nil
}

func (c *ShellClient) RemoteBranchExists(ctx context.Context, dir, branch string) (bool, error) {
	if err := ValidateBranchName(branch); err != nil {
		return false, err
	}

	cmd := c.command(ctx, dir, "rev-parse", "--verify", "--quiet", "refs/remotes/origin/"+branch)
	if err := cmd.Run(); err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			return false, nil
		}
		return false, fmt.Errorf("git rev-parse failed: %w", err)
	}
	return true, nil
}

func (c *ShellClient) CheckoutNewBranch(ctx context.Context, dir, branch, base string) error {
	if err := ValidateBranchName(branch); err != nil {
		return err
	}
	if err := ValidateBranchName(base); err != nil {
		return err
	}

	cmd := c.command(ctx, dir, "checkout", "-q", "-B", branch, "origin/"+base)
	if err := runCommand(cmd); err != nil {
		return fmt.Errorf("git checkout -B %s failed: %w", branch, err)
	}
	return nil
}

func (c *ShellClient) AddAll(ctx context.Context, dir string) error {
	cmd := c.command(ctx, dir, "add", "--all")
	if err := runCommand(cmd); err != nil {
		return fmt.Errorf("git add failed: %w", err)
	}
	return nil
}

func (c *ShellClient) HasStagedChanges(ctx context.Context, dir string) (bool, error) {
	// diff --cached --quiet exits 1 when there are staged changes.
	cmd := c.command(ctx, dir, "diff", "--cached", "--quiet")
	err := cmd.Run()
	if err == nil {
		return false, nil
	}
	if _, ok := err.(*exec.ExitError); ok {
		return true, nil
	}
	return false, fmt.Errorf("git diff --cached failed: %w", err)
}

func (c *ShellClient) Commit(ctx context.Context, dir, message string) error {
	cmd := c.command(ctx, dir,
		"-c", "user.name=reposyncd",
		"-c", "user.email=reposyncd@localhost",
		"commit", "--quiet", "-m", message)
	if err := runCommand(cmd); err != nil {
		return fmt.Errorf("git commit failed: %w", err)
	}
	return nil
}

func (c *ShellClient) Push(ctx context.Context, dir, branch string, compareAndSwap bool) error {
	if err := ValidateBranchName(branch); err != nil {
		return err
	}

	args := []string{"push", "--quiet"}
	if compareAndSwap {
		// Reject the push when the remote moved past the locally known
		// remote-tracking state instead of overwriting it blindly.
		args = append(args, "--force-with-lease")
	}
	args = append(args, "origin", "HEAD:refs/heads/"+branch)

	cmd := c.command(ctx, dir, args...)
	if err := runCommand(cmd); err != nil {
		return fmt.Errorf("git push failed: %w", err)
	}
	return nil
}

func (c *ShellClient) PushHeadTo(ctx context.Context, dir, branch string) error {
	if err := ValidateBranchName(branch); err != nil {
		return err
	}

	cmd := c.command(ctx, dir, "push", "--quiet", "origin", "HEAD:refs/heads/"+branch)
	if err := runCommand(cmd); err != nil {
		return fmt.Errorf("git push failed: %w", err)
	}
	return nil
}

func (c *ShellClient) RevParse(ctx context.Context, dir, ref string) (string, error) {
	cmd := c.command(ctx, dir, "rev-parse", ref)
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git rev-parse %s failed: %w", ref, err)
	}
	return strings.TrimSpace(string(output)), nil
}

func (c *ShellClient) ShowFile(ctx context.Context, dir, ref, path string) ([]byte, bool, error) {
	if err := ValidateBranchName(ref); err != nil {
		return nil, false, err
	}

	cmd := c.command(ctx, dir, "show", ref+":"+path)
	output, err := cmd.Output()
	if err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			// Path does not exist on that ref.
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("git show failed: %w", err)
	}
	return output, true, nil
}

// command builds a git invocation rooted at dir (when non-empty) with
// credential handling configured.
func (c *ShellClient) command(ctx context.Context, dir string, args ...string) *exec.Cmd {
	full := make([]string, 0, len(args)+4)
	if dir != "" {
		full = append(full, "-C", dir)
	}
	if c.token != "" {
		// Pass the token via environment variable and configure a git
		// credential helper that reads it. This keeps the token out of
		// argv and out of the remote URL.
		full = append(full, "-c", `credential.helper=!f() { echo "username=x-access-token"; echo "password=$REPOSYNCD_GIT_TOKEN"; }; f`)
	}
	full = append(full, args...)

	cmd := exec.CommandContext(ctx, "git", full...)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	if c.token != "" {
		cmd.Env = append(cmd.Env, "REPOSYNCD_GIT_TOKEN="+c.token)
	}
	return cmd
}

// runCommand executes a command and returns an error carrying the combined
// output on failure.
func runCommand(cmd *exec.Cmd) error {
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}
