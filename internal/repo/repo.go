package repo

import (
	"fmt"
	"net/url"
	"strings"
)

// Platform identifies the hosting platform of a repository.
type Platform string

const (
	PlatformGitHub      Platform = "github"
	PlatformGitLab      Platform = "gitlab"
	PlatformAzureDevOps Platform = "azuredevops"
	PlatformOther       Platform = "other"
)

// Repository describes a sync target. It is produced by Detect and consumed
// by the session, commit and merge layers.
type Repository struct {
	Platform Platform
	Owner    string
	Name     string
	Host     string
	CloneURL string
}

// FullName returns the owner/name pair used by the GitHub API.
func (r Repository) FullName() string {
	return r.Owner + "/" + r.Name
}

func (r Repository) String() string {
	return r.Host + "/" + r.FullName()
}

// Detect parses a clone URL into a Repository, classifying the platform from
// the host name. Both HTTPS and SSH (git@host:owner/name) forms are accepted.
func Detect(cloneURL string) (Repository, error) {
	host, path, err := splitURL(cloneURL)
	if err != nil {
		return Repository{}, err
	}

	path = strings.TrimSuffix(strings.Trim(path, "/"), ".git")
	parts := strings.Split(path, "/")
	if len(parts) < 2 {
		return Repository{}, fmt.Errorf("repository URL %q has no owner/name path", cloneURL)
	}

	r := Repository{
		// Azure DevOps nests repos under project paths; the last segment is
		// always the repository name and everything before it the owner path.
		Owner:    strings.Join(parts[:len(parts)-1], "/"),
		Name:     parts[len(parts)-1],
		Host:     host,
		CloneURL: cloneURL,
	}

	switch {
	case host == "github.com" || strings.HasPrefix(host, "github."):
		r.Platform = PlatformGitHub
	case host == "gitlab.com" || strings.HasPrefix(host, "gitlab."):
		r.Platform = PlatformGitLab
	case host == "dev.azure.com" || strings.HasSuffix(host, "visualstudio.com"):
		r.Platform = PlatformAzureDevOps
	default:
		r.Platform = PlatformOther
	}

	return r, nil
}

func splitURL(cloneURL string) (host, path string, err error) {
	// SSH shorthand: git@host:owner/name.git
	if strings.HasPrefix(cloneURL, "git@") {
		rest := strings.TrimPrefix(cloneURL, "git@")
		host, path, ok := strings.Cut(rest, ":")
		if !ok {
			return "", "", fmt.Errorf("invalid SSH repository URL: %s", cloneURL)
		}
		return host, path, nil
	}

	u, err := url.Parse(cloneURL)
	if err != nil {
		return "", "", fmt.Errorf("invalid repository URL %q: %w", cloneURL, err)
	}
	if u.Host == "" {
		return "", "", fmt.Errorf("repository URL %q has no host", cloneURL)
	}
	return u.Host, u.Path, nil
}
