package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config fixture: %v", err)
	}
	return path
}

const minimalConfig = `
configs:
  - id: ci
    files:
      - path: .github/workflows/ci.yml
        content: |
          name: ci
repos:
  - url: https://github.com/acme/widgets.git
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Defaults.Branch != "reposyncd/config-sync" {
		t.Errorf("unexpected default branch: %q", cfg.Defaults.Branch)
	}
	if cfg.Defaults.CommitMessage == "" {
		t.Error("expected default commit message")
	}
	if cfg.Defaults.Merge != MergeManual {
		t.Errorf("expected default merge manual, got %q", cfg.Defaults.Merge)
	}
	if cfg.Defaults.Strategy != "merge" {
		t.Errorf("expected default strategy merge, got %q", cfg.Defaults.Strategy)
	}
	if cfg.Defaults.Retries != 3 {
		t.Errorf("expected default retries 3, got %d", cfg.Defaults.Retries)
	}
	if cfg.Defaults.Workers != 4 {
		t.Errorf("expected default workers 4, got %d", cfg.Defaults.Workers)
	}
	if cfg.Auth.GitHubTokenEnv != "GITHUB_TOKEN" {
		t.Errorf("expected default token env, got %q", cfg.Auth.GitHubTokenEnv)
	}
	if cfg.WorkDir == "" {
		t.Error("expected a default work dir")
	}
}

func TestLoadResolvesInlineContent(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	decl := cfg.Configs[0].Files[0]
	if string(decl.ResolvedContent) != "name: ci\n" {
		t.Errorf("unexpected resolved content: %q", decl.ResolvedContent)
	}
}

func TestLoadResolvesSourceFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "ci.yml"), []byte("from source\n"), 0o644); err != nil {
		t.Fatalf("failed to write source fixture: %v", err)
	}
	path := filepath.Join(dir, "config.yaml")
	content := `
configs:
  - id: ci
    files:
      - path: .github/workflows/ci.yml
        source: ci.yml
repos:
  - url: https://github.com/acme/widgets.git
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config fixture: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if string(cfg.Configs[0].Files[0].ResolvedContent) != "from source\n" {
		t.Errorf("unexpected resolved content: %q", cfg.Configs[0].Files[0].ResolvedContent)
	}
}

func TestLoadDeletionDeclaration(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
configs:
  - id: cleanup
    files:
      - path: legacy.yml
repos:
  - url: https://github.com/acme/widgets.git
`))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Configs[0].Files[0].ResolvedContent != nil {
		t.Error("expected nil resolved content for deletion declaration")
	}
}

func TestLoadRejectsContentAndSource(t *testing.T) {
	_, err := Load(writeConfig(t, `
configs:
  - id: ci
    files:
      - path: a.yml
        content: "x"
        source: a.yml
repos:
  - url: https://github.com/acme/widgets.git
`))
	if err == nil || !strings.Contains(err.Error(), "both content and source") {
		t.Fatalf("expected content/source conflict error, got %v", err)
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantMsg string
	}{
		{
			name: "no repos",
			yaml: `
configs:
  - id: ci
    files: [{path: a.yml, content: x}]
`,
			wantMsg: "at least one repository",
		},
		{
			name: "no configs",
			yaml: `
repos:
  - url: https://github.com/acme/widgets.git
`,
			wantMsg: "at least one config block",
		},
		{
			name: "duplicate config id",
			yaml: `
configs:
  - id: ci
    files: [{path: a.yml, content: x}]
  - id: ci
    files: [{path: b.yml, content: x}]
repos:
  - url: https://github.com/acme/widgets.git
`,
			wantMsg: "duplicate config id",
		},
		{
			name: "absolute file path",
			yaml: `
configs:
  - id: ci
    files: [{path: /etc/passwd, content: x}]
repos:
  - url: https://github.com/acme/widgets.git
`,
			wantMsg: "repository-relative",
		},
		{
			name: "path escapes repository",
			yaml: `
configs:
  - id: ci
    files: [{path: ../outside.yml, content: x}]
repos:
  - url: https://github.com/acme/widgets.git
`,
			wantMsg: "escapes the repository root",
		},
		{
			name: "invalid merge mode",
			yaml: `
configs:
  - id: ci
    files: [{path: a.yml, content: x}]
repos:
  - url: https://github.com/acme/widgets.git
    merge: yolo
`,
			wantMsg: "invalid merge mode",
		},
		{
			name: "invalid strategy",
			yaml: `
configs:
  - id: ci
    files: [{path: a.yml, content: x}]
repos:
  - url: https://github.com/acme/widgets.git
    strategy: fast-forward
`,
			wantMsg: "invalid merge strategy",
		},
		{
			name: "unknown config reference",
			yaml: `
configs:
  - id: ci
    files: [{path: a.yml, content: x}]
repos:
  - url: https://github.com/acme/widgets.git
    configs: [nope]
`,
			wantMsg: "unknown config id",
		},
		{
			name: "serve without secret",
			yaml: `
configs:
  - id: ci
    files: [{path: a.yml, content: x}]
repos:
  - url: https://github.com/acme/widgets.git
serve:
  listen_addr: ":8080"
`,
			wantMsg: "webhook_secret_file is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error %q does not contain %q", err, tt.wantMsg)
			}
		})
	}
}

func TestExpandEnvInRepoURL(t *testing.T) {
	t.Setenv("TEST_REPO_OWNER", "acme")
	cfg, err := Load(writeConfig(t, `
configs:
  - id: ci
    files: [{path: a.yml, content: x}]
repos:
  - url: https://github.com/${TEST_REPO_OWNER}/widgets.git
`))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Repos[0].URL != "https://github.com/acme/widgets.git" {
		t.Errorf("env not expanded: %q", cfg.Repos[0].URL)
	}
}

func TestPolicyOverrides(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
defaults:
  merge: auto
  strategy: squash
configs:
  - id: ci
    files: [{path: a.yml, content: x}]
  - id: docs
    files: [{path: b.yml, content: x}]
repos:
  - url: https://github.com/acme/widgets.git
    merge: direct
    configs: [docs]
  - url: https://github.com/acme/gadgets.git
`))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if got := cfg.MergeFor(cfg.Repos[0]); got != MergeDirect {
		t.Errorf("expected per-repo merge override direct, got %q", got)
	}
	if got := cfg.MergeFor(cfg.Repos[1]); got != MergeAuto {
		t.Errorf("expected default merge auto, got %q", got)
	}
	if got := cfg.StrategyFor(cfg.Repos[1]); got != "squash" {
		t.Errorf("expected default strategy squash, got %q", got)
	}

	scoped := cfg.ConfigsFor(cfg.Repos[0])
	if len(scoped) != 1 || scoped[0].ID != "docs" {
		t.Errorf("expected only docs config, got %v", scoped)
	}
	all := cfg.ConfigsFor(cfg.Repos[1])
	if len(all) != 2 {
		t.Errorf("expected all configs, got %v", all)
	}
}
