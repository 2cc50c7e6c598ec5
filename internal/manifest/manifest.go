// Package manifest implements the per-repository tracking state that makes
// orphan deletion safe. The manifest is a versioned JSON file committed to
// the target repository itself; it records, per configuration id, which files
// and ruleset names this tool owns.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// FileName is the reserved manifest location at the repository root.
const FileName = ".reposyncd-manifest.json"

// CurrentVersion is the schema version written by this tool.
const CurrentVersion = 3

// Manifest maps configuration ids to the sets they own.
type Manifest struct {
	Version int                   `json:"version"`
	Configs map[string]ManagedSet `json:"configs"`
}

// ManagedSet holds the files and ruleset names owned by one configuration id.
// Both slices are kept unique and lexicographically sorted.
type ManagedSet struct {
	Files    []string `json:"files,omitempty"`
	Rulesets []string `json:"rulesets,omitempty"`
}

func (s ManagedSet) empty() bool {
	return len(s.Files) == 0 && len(s.Rulesets) == 0
}

// Load reads the manifest from the workspace root. Absence, unknown schema
// versions and malformed content all yield (nil, nil): callers always get a
// safe "no manifest" fallback rather than an error, so a corrupt manifest can
// never wedge a repository.
func Load(workspacePath string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(workspacePath, FileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return decode(data), nil
}

// decode parses manifest bytes into the canonical in-memory structure,
// upgrading version 2 transparently. Version 1 predates safe orphan tracking
// and is treated as absent.
func decode(data []byte) *Manifest {
	var envelope struct {
		Version int             `json:"version"`
		Configs json.RawMessage `json:"configs"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil
	}

	switch envelope.Version {
	case 2:
		// v2 stored a plain path array per config id.
		var configs map[string][]string
		if err := json.Unmarshal(envelope.Configs, &configs); err != nil {
			return nil
		}
		m := &Manifest{Version: CurrentVersion, Configs: make(map[string]ManagedSet, len(configs))}
		for id, files := range configs {
			m.Configs[id] = ManagedSet{Files: sortedUnique(files)}
		}
		return m

	case CurrentVersion:
		var configs map[string]ManagedSet
		if err := json.Unmarshal(envelope.Configs, &configs); err != nil {
			return nil
		}
		m := &Manifest{Version: CurrentVersion, Configs: make(map[string]ManagedSet, len(configs))}
		for id, set := range configs {
			m.Configs[id] = ManagedSet{
				Files:    sortedUnique(set.Files),
				Rulesets: sortedUnique(set.Rulesets),
			}
		}
		return m

	default:
		return nil
	}
}

// Encode renders the canonical serialized form: UTF-8 JSON, 2-space indent,
// trailing newline, sorted keys. Callers compare this against the previous
// file content to decide whether the manifest actually changed.
func Encode(m *Manifest) ([]byte, error) {
	out := &Manifest{Version: CurrentVersion, Configs: m.Configs}
	if out.Configs == nil {
		out.Configs = map[string]ManagedSet{}
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode manifest: %w", err)
	}
	return append(data, '\n'), nil
}

// Save writes the manifest to the workspace root, skipping the write when the
// serialized form is unchanged. It reports whether a write happened.
//
// The sync workflow never writes the manifest in place: it routes the Encode
// output through the commit protocols so the manifest update lands in the
// same commit as the content changes. Save serves callers that mutate a
// checkout directly.
func Save(workspacePath string, m *Manifest) (bool, error) {
	data, err := Encode(m)
	if err != nil {
		return false, err
	}

	path := filepath.Join(workspacePath, FileName)
	if existing, err := os.ReadFile(path); err == nil && string(existing) == string(data) {
		return false, nil
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return false, fmt.Errorf("failed to write manifest: %w", err)
	}
	return true, nil
}

func sortedUnique(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
