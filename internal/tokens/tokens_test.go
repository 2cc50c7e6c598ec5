package tokens

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/reposyncd/reposyncd/internal/repo"
)

type countingProvider struct {
	token string
	err   error
	calls int
}

func (p *countingProvider) TokenForRepo(context.Context, repo.Repository) (string, error) {
	p.calls++
	if p.err != nil {
		return "", p.err
	}
	return p.token, nil
}

func testRepo(owner string) repo.Repository {
	return repo.Repository{Platform: repo.PlatformGitHub, Host: "github.com", Owner: owner, Name: "widgets"}
}

func TestStatic(t *testing.T) {
	token, err := Static{Token: "abc"}.TokenForRepo(context.Background(), testRepo("acme"))
	if err != nil {
		t.Fatalf("TokenForRepo returned error: %v", err)
	}
	if token != "abc" {
		t.Errorf("expected abc, got %q", token)
	}
}

func TestStaticEmptyMeansAmbientFallback(t *testing.T) {
	token, err := Static{}.TokenForRepo(context.Background(), testRepo("acme"))
	if err != nil {
		t.Fatalf("TokenForRepo returned error: %v", err)
	}
	if token != "" {
		t.Errorf("expected empty token, got %q", token)
	}
}

func TestCommandAppendsOwnerAndTrims(t *testing.T) {
	c := Command{Argv: []string{"sh", "-c", `printf "  tok-%s \n" "$1"`, "sh"}}
	token, err := c.TokenForRepo(context.Background(), testRepo("acme"))
	if err != nil {
		t.Fatalf("TokenForRepo returned error: %v", err)
	}
	if token != "tok-acme" {
		t.Errorf("expected tok-acme, got %q", token)
	}
}

func TestCommandNoInstallation(t *testing.T) {
	c := Command{Argv: []string{"sh", "-c", `echo no-installation`, "sh"}}
	_, err := c.TokenForRepo(context.Background(), testRepo("acme"))
	if !errors.Is(err, ErrNoInstallation) {
		t.Fatalf("expected ErrNoInstallation, got %v", err)
	}
}

func TestCommandFailure(t *testing.T) {
	c := Command{Argv: []string{"sh", "-c", "exit 3", "sh"}}
	if _, err := c.TokenForRepo(context.Background(), testRepo("acme")); err == nil {
		t.Fatal("expected error from failing command")
	}
}

func TestCachedReusesTokenWithinTTL(t *testing.T) {
	source := &countingProvider{token: "tok"}
	c := NewCached(source)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if _, err := c.TokenForRepo(context.Background(), testRepo("acme")); err != nil {
			t.Fatalf("TokenForRepo returned error: %v", err)
		}
	}
	if source.calls != 1 {
		t.Errorf("expected 1 mint within TTL, got %d", source.calls)
	}
}

func TestCachedMintsFreshAfterExpiry(t *testing.T) {
	source := &countingProvider{token: "tok"}
	c := NewCached(source)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	if _, err := c.TokenForRepo(context.Background(), testRepo("acme")); err != nil {
		t.Fatalf("TokenForRepo returned error: %v", err)
	}

	now = now.Add(56 * time.Minute)
	if _, err := c.TokenForRepo(context.Background(), testRepo("acme")); err != nil {
		t.Fatalf("TokenForRepo returned error: %v", err)
	}
	if source.calls != 2 {
		t.Errorf("expected re-mint after expiry, got %d calls", source.calls)
	}
}

func TestCachedScopesByOwner(t *testing.T) {
	source := &countingProvider{token: "tok"}
	c := NewCached(source)

	if _, err := c.TokenForRepo(context.Background(), testRepo("acme")); err != nil {
		t.Fatalf("TokenForRepo returned error: %v", err)
	}
	if _, err := c.TokenForRepo(context.Background(), testRepo("other")); err != nil {
		t.Fatalf("TokenForRepo returned error: %v", err)
	}
	if source.calls != 2 {
		t.Errorf("expected one mint per owner, got %d calls", source.calls)
	}
}

func TestCachedDoesNotCacheErrors(t *testing.T) {
	source := &countingProvider{err: ErrNoInstallation}
	c := NewCached(source)

	for i := 0; i < 2; i++ {
		if _, err := c.TokenForRepo(context.Background(), testRepo("acme")); !errors.Is(err, ErrNoInstallation) {
			t.Fatalf("expected ErrNoInstallation, got %v", err)
		}
	}
	if source.calls != 2 {
		t.Errorf("expected errors to bypass the cache, got %d calls", source.calls)
	}
}
