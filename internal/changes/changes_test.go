package changes

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type fakeBase struct {
	files map[string]bool
	err   error
}

func (f fakeBase) FileExistsOnBase(_ context.Context, path string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.files[path], nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeWorkspaceFile(t *testing.T, workspace, path, content string) {
	t.Helper()
	target := filepath.Join(workspace, path)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		t.Fatalf("failed to create fixture dir: %v", err)
	}
	if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write fixture: %v", err)
	}
}

func TestDetectClassifiesFiles(t *testing.T) {
	workspace := t.TempDir()
	writeWorkspaceFile(t, workspace, "same.yml", "unchanged\n")
	writeWorkspaceFile(t, workspace, "old.yml", "old content\n")
	writeWorkspaceFile(t, workspace, "remove.yml", "going away\n")

	d := NewDetector(workspace, fakeBase{}, discardLogger())

	declared := []DeclaredFile{
		{FileName: "new.yml", Content: []byte("fresh\n"), DeleteOrphaned: true},
		{FileName: "same.yml", Content: []byte("unchanged\n")},
		{FileName: "old.yml", Content: []byte("new content\n")},
		{FileName: "remove.yml", Content: nil},
	}

	set, declaredPaths, err := d.Detect(context.Background(), declared, TemplateData{})
	if err != nil {
		t.Fatalf("Detect returned error: %v", err)
	}

	want := []FileChange{
		{FileName: "new.yml", Content: []byte("fresh\n"), Action: ActionCreate},
		{FileName: "old.yml", Content: []byte("new content\n"), Action: ActionUpdate},
		{FileName: "remove.yml", Action: ActionDelete},
	}
	if diff := cmp.Diff(want, set); diff != "" {
		t.Errorf("change set mismatch (-want +got):\n%s", diff)
	}

	wantPaths := map[string]bool{
		"new.yml":    true,
		"same.yml":   false,
		"old.yml":    false,
		"remove.yml": false,
	}
	if diff := cmp.Diff(wantPaths, declaredPaths); diff != "" {
		t.Errorf("declared paths mismatch (-want +got):\n%s", diff)
	}

	stats := d.Stats()
	if stats.New != 1 || stats.Modified != 1 || stats.Deleted != 1 || stats.Unchanged != 1 {
		t.Errorf("unexpected stats: %s", stats)
	}
}

func TestDetectDeleteOfMissingFileProducesNothing(t *testing.T) {
	d := NewDetector(t.TempDir(), fakeBase{}, discardLogger())

	set, _, err := d.Detect(context.Background(), []DeclaredFile{
		{FileName: "never-existed.yml"},
	}, TemplateData{})
	if err != nil {
		t.Fatalf("Detect returned error: %v", err)
	}
	if len(set) != 0 {
		t.Errorf("expected empty change set, got %v", set)
	}
	if d.Stats().Deleted != 0 {
		t.Errorf("expected no deletion counted, got %s", d.Stats())
	}
}

func TestDetectCreateOnlySkipsWhenOnBase(t *testing.T) {
	workspace := t.TempDir()
	d := NewDetector(workspace, fakeBase{files: map[string]bool{"init.yml": true}}, discardLogger())

	set, _, err := d.Detect(context.Background(), []DeclaredFile{
		{FileName: "init.yml", Content: []byte("seed\n"), CreateOnly: true},
	}, TemplateData{})
	if err != nil {
		t.Fatalf("Detect returned error: %v", err)
	}

	if len(set) != 1 || set[0].Action != ActionSkip {
		t.Fatalf("expected one skip entry, got %v", set)
	}
	if got := d.Stats(); got != (Stats{}) {
		t.Errorf("skip must not count toward stats, got %s", got)
	}
	if len(Committable(set)) != 0 {
		t.Error("skip entries must not be committable")
	}
}

func TestDetectCreateOnlyCreatesWhenAbsentFromBase(t *testing.T) {
	d := NewDetector(t.TempDir(), fakeBase{}, discardLogger())

	set, _, err := d.Detect(context.Background(), []DeclaredFile{
		{FileName: "init.yml", Content: []byte("seed\n"), CreateOnly: true},
	}, TemplateData{})
	if err != nil {
		t.Fatalf("Detect returned error: %v", err)
	}
	if len(set) != 1 || set[0].Action != ActionCreate {
		t.Fatalf("expected one create entry, got %v", set)
	}
}

func TestDetectRendersTemplates(t *testing.T) {
	d := NewDetector(t.TempDir(), fakeBase{}, discardLogger())
	data := TemplateData{Owner: "acme", Repo: "widgets", DefaultBranch: "main"}

	set, _, err := d.Detect(context.Background(), []DeclaredFile{
		{FileName: "ci.yml", Content: []byte("branch: {{ .DefaultBranch }} for {{ .Owner }}/{{ .Repo }}\n"), Template: true},
	}, data)
	if err != nil {
		t.Fatalf("Detect returned error: %v", err)
	}

	want := "branch: main for acme/widgets\n"
	if string(set[0].Content) != want {
		t.Errorf("rendered content mismatch: got %q, want %q", set[0].Content, want)
	}
}

func TestDetectTemplateErrorPropagates(t *testing.T) {
	d := NewDetector(t.TempDir(), fakeBase{}, discardLogger())

	_, _, err := d.Detect(context.Background(), []DeclaredFile{
		{FileName: "bad.yml", Content: []byte("{{ .NoSuchField }}"), Template: true},
	}, TemplateData{})
	if err == nil {
		t.Fatal("expected template error, got nil")
	}
}

func TestConvertOrphansOnlyExistingFiles(t *testing.T) {
	workspace := t.TempDir()
	writeWorkspaceFile(t, workspace, "present.yml", "x\n")

	d := NewDetector(workspace, fakeBase{}, discardLogger())
	set := d.ConvertOrphans([]string{"present.yml", "already-gone.yml"})

	want := []FileChange{{FileName: "present.yml", Action: ActionDelete}}
	if diff := cmp.Diff(want, set); diff != "" {
		t.Errorf("orphan change set mismatch (-want +got):\n%s", diff)
	}
	if d.Stats().Deleted != 1 {
		t.Errorf("expected one deletion counted, got %s", d.Stats())
	}
}

func TestConvertOrphansIgnoresPathsOutsideWorkspace(t *testing.T) {
	root := t.TempDir()
	workspace := filepath.Join(root, "clone")
	writeWorkspaceFile(t, workspace, "tracked.yml", "x\n")

	victim := filepath.Join(root, "victim.txt")
	if err := os.WriteFile(victim, []byte("keep me\n"), 0o644); err != nil {
		t.Fatalf("failed to write victim fixture: %v", err)
	}

	d := NewDetector(workspace, fakeBase{}, discardLogger())
	set := d.ConvertOrphans([]string{
		"../victim.txt",
		"nested/../../victim.txt",
		"/etc/hosts",
		"tracked.yml",
	})

	want := []FileChange{{FileName: "tracked.yml", Action: ActionDelete}}
	if diff := cmp.Diff(want, set); diff != "" {
		t.Errorf("orphan change set mismatch (-want +got):\n%s", diff)
	}

	if err := Apply(workspace, set); err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}
	if _, err := os.Stat(victim); err != nil {
		t.Errorf("file outside the workspace must survive orphan deletion: %v", err)
	}
}

func TestApply(t *testing.T) {
	workspace := t.TempDir()
	writeWorkspaceFile(t, workspace, "stale.yml", "bye\n")
	writeWorkspaceFile(t, workspace, "script.sh", "#!/bin/sh\n")

	err := Apply(workspace, []FileChange{
		{FileName: "nested/new.yml", Content: []byte("hello\n"), Action: ActionCreate},
		{FileName: "script.sh", Content: []byte("#!/bin/sh\necho hi\n"), Action: ActionUpdate, Executable: true},
		{FileName: "stale.yml", Action: ActionDelete},
		{FileName: "already-gone.yml", Action: ActionDelete},
	})
	if err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(workspace, "nested/new.yml"))
	if err != nil {
		t.Fatalf("created file missing: %v", err)
	}
	if string(data) != "hello\n" {
		t.Errorf("created file content mismatch: %q", data)
	}

	info, err := os.Stat(filepath.Join(workspace, "script.sh"))
	if err != nil {
		t.Fatalf("updated file missing: %v", err)
	}
	if info.Mode().Perm()&0o111 == 0 {
		t.Errorf("expected executable bit on script.sh, got mode %v", info.Mode())
	}

	if _, err := os.Stat(filepath.Join(workspace, "stale.yml")); !os.IsNotExist(err) {
		t.Errorf("expected stale.yml to be deleted, stat err = %v", err)
	}
}

func TestApplyRejectsSkipEntries(t *testing.T) {
	err := Apply(t.TempDir(), []FileChange{{FileName: "x.yml", Action: ActionSkip}})
	if err == nil {
		t.Fatal("expected error for skip entry, got nil")
	}
}
