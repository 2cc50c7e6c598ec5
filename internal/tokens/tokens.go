// Package tokens resolves per-repository credentials. GitHub App installation
// tokens are minted by an external command and cached per owner with a
// bounded lifetime; JWT construction and installation discovery live outside
// this tool.
package tokens

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/reposyncd/reposyncd/internal/repo"
)

// ErrNoInstallation indicates the app has no installation covering the
// repository. Callers must treat this as a non-error skip of the whole
// repository.
var ErrNoInstallation = errors.New("no app installation for repository")

// Provider resolves the credential for one repository. An empty token with a
// nil error means "fall back to ambient credentials".
type Provider interface {
	TokenForRepo(ctx context.Context, r repo.Repository) (string, error)
}

// Static always returns the same token (possibly empty).
type Static struct {
	Token string
}

func (s Static) TokenForRepo(context.Context, repo.Repository) (string, error) {
	return s.Token, nil
}

// Command mints installation tokens by running a configured command with the
// repository owner appended as its last argument. The command prints the
// token on stdout; printing the literal "no-installation" short-circuits the
// repository as a skip.
type Command struct {
	Argv []string
}

func (c Command) TokenForRepo(ctx context.Context, r repo.Repository) (string, error) {
	if len(c.Argv) == 0 {
		return "", nil
	}

	args := append(append([]string(nil), c.Argv[1:]...), r.Owner)
	cmd := exec.CommandContext(ctx, c.Argv[0], args...)

	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("token command failed for %s: %w", r.Owner, err)
	}

	token := strings.TrimSpace(stdout.String())
	if token == "no-installation" {
		return "", fmt.Errorf("%w: %s", ErrNoInstallation, r.Owner)
	}
	return token, nil
}

// Cached wraps a Provider with per-owner cache entries. Installation tokens
// live for an hour; entries expire a little earlier so a token never goes
// stale mid-pipeline.
type Cached struct {
	source Provider
	ttl    time.Duration
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	token   string
	expires time.Time
}

// NewCached creates a caching provider with the default 55-minute lifetime.
func NewCached(source Provider) *Cached {
	return &Cached{
		source:  source,
		ttl:     55 * time.Minute,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
}

func (c *Cached) TokenForRepo(ctx context.Context, r repo.Repository) (string, error) {
	key := r.Host + "/" + r.Owner

	c.mu.Lock()
	entry, ok := c.entries[key]
	c.mu.Unlock()
	if ok && c.now().Before(entry.expires) {
		return entry.token, nil
	}

	token, err := c.source.TokenForRepo(ctx, r)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.entries[key] = cacheEntry{token: token, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
	return token, nil
}
