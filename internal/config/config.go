// Package config loads and validates the declarative sync configuration: the
// file sets to reconcile, the repositories to target and the policies to
// apply.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Merge modes accepted in configuration.
const (
	MergeManual = "manual"
	MergeAuto   = "auto"
	MergeForce  = "force"
	MergeDirect = "direct"
)

// Config is the complete reposyncd configuration.
type Config struct {
	WorkDir  string       `yaml:"work_dir"`
	Defaults Defaults     `yaml:"defaults"`
	Auth     AuthConfig   `yaml:"auth"`
	Configs  []FileConfig `yaml:"configs"`
	Repos    []RepoConfig `yaml:"repos"`
	Serve    ServeConfig  `yaml:"serve"`
}

// Defaults apply to every repository unless overridden per repo.
type Defaults struct {
	Branch        string `yaml:"branch"`
	CommitMessage string `yaml:"commit_message"`
	Merge         string `yaml:"merge"`
	Strategy      string `yaml:"strategy"`
	Justification string `yaml:"justification"`
	Retries       int    `yaml:"retries"`
	Workers       int    `yaml:"workers"`
}

// AuthConfig configures credential resolution.
type AuthConfig struct {
	// GitHubTokenEnv names the environment variable holding the ambient
	// token.
	GitHubTokenEnv string `yaml:"github_token_env"`
	// InstallationTokenCommand, when set, is run per repository owner to
	// mint an installation-scoped token (the owner is appended as the
	// last argument). Its stdout is the token; printing the literal
	// "no-installation" skips the repository.
	InstallationTokenCommand []string `yaml:"installation_token_command"`
}

// FileConfig is one configuration id: the files and ruleset names it owns.
type FileConfig struct {
	ID       string     `yaml:"id"`
	Files    []FileDecl `yaml:"files"`
	Rulesets []string   `yaml:"rulesets"`
}

// FileDecl declares one target file. Exactly one of Content and Source
// provides the content; declaring neither requests deletion of the path.
type FileDecl struct {
	Path           string  `yaml:"path"`
	Content        *string `yaml:"content"`
	Source         string  `yaml:"source"`
	DeleteOrphaned bool    `yaml:"delete_orphaned"`
	CreateOnly     bool    `yaml:"create_only"`
	Executable     bool    `yaml:"executable"`
	Template       bool    `yaml:"template"`

	// ResolvedContent is filled at load time from Content or Source. Nil
	// means deletion.
	ResolvedContent []byte `yaml:"-"`
}

// RepoConfig is one target repository with optional policy overrides.
type RepoConfig struct {
	URL      string `yaml:"url"`
	Merge    string `yaml:"merge"`
	Strategy string `yaml:"strategy"`
	// Configs restricts which configuration ids apply; empty means all.
	Configs []string `yaml:"configs"`
}

// ServeConfig configures the webhook server.
type ServeConfig struct {
	ListenAddr        string   `yaml:"listen_addr"`
	WebhookSecretFile string   `yaml:"webhook_secret_file"`
	AllowedEventTypes []string `yaml:"allowed_event_types"`
	AllowedRefs       []string `yaml:"allowed_refs"`
}

// Load reads, expands, defaults and validates the configuration file, and
// resolves file contents declared via source paths (relative to the config
// file's directory).
func Load(path string) (*Config, error) {
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.resolveSources(filepath.Dir(path)); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func (c *Config) expandEnv() {
	c.WorkDir = os.ExpandEnv(c.WorkDir)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.WebhookSecretFile = os.ExpandEnv(c.Serve.WebhookSecretFile)
	for i := range c.Repos {
		c.Repos[i].URL = os.ExpandEnv(c.Repos[i].URL)
	}
}

func (c *Config) applyDefaults() {
	if c.WorkDir == "" {
		c.WorkDir = filepath.Join(os.TempDir(), "reposyncd")
	}
	if c.Defaults.Branch == "" {
		c.Defaults.Branch = "reposyncd/config-sync"
	}
	if c.Defaults.CommitMessage == "" {
		c.Defaults.CommitMessage = "chore: sync managed configuration"
	}
	if c.Defaults.Merge == "" {
		c.Defaults.Merge = MergeManual
	}
	if c.Defaults.Strategy == "" {
		c.Defaults.Strategy = "merge"
	}
	if c.Defaults.Retries == 0 {
		c.Defaults.Retries = 3
	}
	if c.Defaults.Workers == 0 {
		c.Defaults.Workers = 4
	}
	if c.Auth.GitHubTokenEnv == "" {
		c.Auth.GitHubTokenEnv = "GITHUB_TOKEN"
	}
}

// resolveSources fills ResolvedContent for every declared file.
func (c *Config) resolveSources(baseDir string) error {
	for i := range c.Configs {
		for j := range c.Configs[i].Files {
			decl := &c.Configs[i].Files[j]
			switch {
			case decl.Content != nil && decl.Source != "":
				return fmt.Errorf("config %q file %q sets both content and source", c.Configs[i].ID, decl.Path)
			case decl.Content != nil:
				decl.ResolvedContent = []byte(*decl.Content)
			case decl.Source != "":
				data, err := os.ReadFile(filepath.Join(baseDir, os.ExpandEnv(decl.Source)))
				if err != nil {
					return fmt.Errorf("failed to read source for %q: %w", decl.Path, err)
				}
				decl.ResolvedContent = data
			default:
				// Deletion request; ResolvedContent stays nil.
			}
		}
	}
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if len(c.Repos) == 0 {
		return fmt.Errorf("at least one repository is required")
	}
	if len(c.Configs) == 0 {
		return fmt.Errorf("at least one config block is required")
	}

	ids := make(map[string]bool, len(c.Configs))
	for _, fc := range c.Configs {
		if fc.ID == "" {
			return fmt.Errorf("every config block needs an id")
		}
		if ids[fc.ID] {
			return fmt.Errorf("duplicate config id %q", fc.ID)
		}
		ids[fc.ID] = true

		for _, decl := range fc.Files {
			if err := validatePath(decl.Path); err != nil {
				return fmt.Errorf("config %q: %w", fc.ID, err)
			}
		}
	}

	for _, rc := range c.Repos {
		if rc.URL == "" {
			return fmt.Errorf("every repo entry needs a url")
		}
		if err := validateMerge(rc.Merge); err != nil {
			return fmt.Errorf("repo %s: %w", rc.URL, err)
		}
		if err := validateStrategy(rc.Strategy); err != nil {
			return fmt.Errorf("repo %s: %w", rc.URL, err)
		}
		for _, id := range rc.Configs {
			if !ids[id] {
				return fmt.Errorf("repo %s references unknown config id %q", rc.URL, id)
			}
		}
	}

	if err := validateMerge(c.Defaults.Merge); err != nil {
		return err
	}
	if err := validateStrategy(c.Defaults.Strategy); err != nil {
		return err
	}
	if c.Defaults.Retries < 0 {
		return fmt.Errorf("defaults.retries must not be negative")
	}
	if c.Defaults.Workers < 1 {
		return fmt.Errorf("defaults.workers must be at least 1")
	}

	if c.Serve.ListenAddr != "" && c.Serve.WebhookSecretFile == "" {
		return fmt.Errorf("serve.webhook_secret_file is required when serve.listen_addr is set")
	}

	return nil
}

func validatePath(path string) error {
	if path == "" {
		return fmt.Errorf("file path must not be empty")
	}
	if filepath.IsAbs(path) {
		return fmt.Errorf("file path %q must be repository-relative", path)
	}
	clean := filepath.ToSlash(filepath.Clean(path))
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("file path %q escapes the repository root", path)
	}
	return nil
}

func validateMerge(mode string) error {
	switch mode {
	case "", MergeManual, MergeAuto, MergeForce, MergeDirect:
		return nil
	default:
		return fmt.Errorf("invalid merge mode %q (must be manual, auto, force or direct)", mode)
	}
}

func validateStrategy(strategy string) error {
	switch strategy {
	case "", "merge", "squash", "rebase":
		return nil
	default:
		return fmt.Errorf("invalid merge strategy %q (must be merge, squash or rebase)", strategy)
	}
}

// MergeFor returns the effective merge mode for a repo entry.
func (c *Config) MergeFor(rc RepoConfig) string {
	if rc.Merge != "" {
		return rc.Merge
	}
	return c.Defaults.Merge
}

// StrategyFor returns the effective merge strategy for a repo entry.
func (c *Config) StrategyFor(rc RepoConfig) string {
	if rc.Strategy != "" {
		return rc.Strategy
	}
	return c.Defaults.Strategy
}

// ConfigsFor returns the config blocks applying to a repo entry, in
// declaration order.
func (c *Config) ConfigsFor(rc RepoConfig) []FileConfig {
	if len(rc.Configs) == 0 {
		return c.Configs
	}

	wanted := make(map[string]bool, len(rc.Configs))
	for _, id := range rc.Configs {
		wanted[id] = true
	}

	out := make([]FileConfig, 0, len(rc.Configs))
	for _, fc := range c.Configs {
		if wanted[fc.ID] {
			out = append(out, fc)
		}
	}
	return out
}
