// Package changes computes the per-repository file change set by comparing
// declared content against the current repository state.
package changes

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"text/template"
)

// Action classifies what happens to a declared file.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	// ActionSkip marks a create-only file that already exists on the base
	// branch. Skip entries are excluded from statistics and from commits.
	ActionSkip Action = "skip"
)

// DeclaredFile is one target file from the configuration. A nil Content
// requests deletion of the file wherever it exists.
type DeclaredFile struct {
	FileName       string
	Content        []byte
	DeleteOrphaned bool
	CreateOnly     bool
	Executable     bool
	Template       bool
}

// FileChange is one computed mutation. Content is nil only for deletions.
type FileChange struct {
	FileName   string
	Content    []byte
	Action     Action
	Executable bool
}

// Stats counts file outcomes across one repository pass. Reporting only;
// never consulted for control flow.
type Stats struct {
	New       int
	Modified  int
	Deleted   int
	Unchanged int
}

func (s Stats) String() string {
	return fmt.Sprintf("%d new, %d modified, %d deleted, %d unchanged",
		s.New, s.Modified, s.Deleted, s.Unchanged)
}

// TemplateData is the rendering context for templated file content.
type TemplateData struct {
	Owner         string
	Repo          string
	Platform      string
	Host          string
	DefaultBranch string
}

// BaseState answers existence questions against the base branch itself, not
// the working tree. Needed for create-only handling: a create-only file must
// be skipped when it exists on the base branch even if the working tree was
// already mutated.
type BaseState interface {
	FileExistsOnBase(ctx context.Context, path string) (bool, error)
}

// Detector computes file change sets for one workspace.
type Detector struct {
	workspace string
	base      BaseState
	logger    *slog.Logger
	stats     Stats
}

// NewDetector creates a detector for the given workspace clone.
func NewDetector(workspace string, base BaseState, logger *slog.Logger) *Detector {
	return &Detector{workspace: workspace, base: base, logger: logger}
}

// Stats returns the counters accumulated so far.
func (d *Detector) Stats() Stats {
	return d.stats
}

// Detect classifies every declared file. It returns the change set plus the
// declared-path map (path -> delete-orphaned flag) the manifest reconciler
// consumes. Files whose rendered content equals the existing content produce
// no entry at all.
func (d *Detector) Detect(ctx context.Context, declared []DeclaredFile, data TemplateData) ([]FileChange, map[string]bool, error) {
	set := make([]FileChange, 0, len(declared))
	declaredPaths := make(map[string]bool, len(declared))

	for _, df := range declared {
		declaredPaths[df.FileName] = df.DeleteOrphaned

		change, err := d.detectOne(ctx, df, data)
		if err != nil {
			return nil, nil, err
		}
		if change != nil {
			set = append(set, *change)
		}
	}

	return set, declaredPaths, nil
}

func (d *Detector) detectOne(ctx context.Context, df DeclaredFile, data TemplateData) (*FileChange, error) {
	existing, exists, err := d.readWorkspaceFile(df.FileName)
	if err != nil {
		return nil, err
	}

	// Explicit deletion request.
	if df.Content == nil {
		if !exists {
			return nil, nil
		}
		d.stats.Deleted++
		return &FileChange{FileName: df.FileName, Action: ActionDelete}, nil
	}

	if df.CreateOnly {
		onBase, err := d.base.FileExistsOnBase(ctx, df.FileName)
		if err != nil {
			return nil, fmt.Errorf("failed to check %s on base branch: %w", df.FileName, err)
		}
		if onBase {
			d.logger.Debug("create-only file exists on base branch, skipping", "file", df.FileName)
			return &FileChange{FileName: df.FileName, Action: ActionSkip, Executable: df.Executable}, nil
		}
	}

	content := df.Content
	if df.Template {
		content, err = render(df.FileName, content, data)
		if err != nil {
			return nil, err
		}
	}

	if exists && bytes.Equal(existing, content) {
		d.stats.Unchanged++
		return nil, nil
	}

	action := ActionCreate
	if exists {
		action = ActionUpdate
		d.stats.Modified++
	} else {
		d.stats.New++
	}

	return &FileChange{
		FileName:   df.FileName,
		Content:    content,
		Action:     action,
		Executable: df.Executable,
	}, nil
}

// ConvertOrphans turns manifest orphan paths into delete entries for every
// path that currently exists in the workspace. Orphan paths come from the
// cloned repository's own manifest, so anything absolute or escaping the
// workspace root is ignored instead of deleted.
func (d *Detector) ConvertOrphans(orphans []string) []FileChange {
	set := make([]FileChange, 0, len(orphans))
	for _, path := range orphans {
		if !repoRelative(path) {
			d.logger.Warn("ignoring orphan path outside the repository root", "path", path)
			continue
		}
		if _, exists, err := d.readWorkspaceFile(path); err != nil || !exists {
			continue
		}
		d.stats.Deleted++
		set = append(set, FileChange{FileName: path, Action: ActionDelete})
	}
	return set
}

// repoRelative reports whether a path stays inside the repository root.
func repoRelative(path string) bool {
	if path == "" || filepath.IsAbs(path) {
		return false
	}
	clean := filepath.ToSlash(filepath.Clean(path))
	return clean != ".." && !strings.HasPrefix(clean, "../")
}

func (d *Detector) readWorkspaceFile(path string) ([]byte, bool, error) {
	data, err := os.ReadFile(filepath.Join(d.workspace, path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, true, nil
}

func render(name string, content []byte, data TemplateData) ([]byte, error) {
	tmpl, err := template.New(name).Option("missingkey=error").Parse(string(content))
	if err != nil {
		return nil, fmt.Errorf("failed to parse template for %s: %w", name, err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("failed to render template for %s: %w", name, err)
	}
	return buf.Bytes(), nil
}

// Committable filters a change set down to the entries a commit protocol
// should apply: skip entries are dropped.
func Committable(set []FileChange) []FileChange {
	out := make([]FileChange, 0, len(set))
	for _, ch := range set {
		if ch.Action != ActionSkip {
			out = append(out, ch)
		}
	}
	return out
}
