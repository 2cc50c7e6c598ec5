package changes

import (
	"fmt"
	"os"
	"path/filepath"
)

// Apply writes a change set into the workspace: creates and updates write
// the declared content (mode 0755 for executables), deletions remove the
// file. Skip entries must be filtered out by the caller.
func Apply(workspace string, set []FileChange) error {
	for _, ch := range set {
		target := filepath.Join(workspace, ch.FileName)

		switch ch.Action {
		case ActionDelete:
			if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("failed to delete %s: %w", ch.FileName, err)
			}

		case ActionCreate, ActionUpdate:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("failed to create directory for %s: %w", ch.FileName, err)
			}
			mode := os.FileMode(0o644)
			if ch.Executable {
				mode = 0o755
			}
			if err := os.WriteFile(target, ch.Content, mode); err != nil {
				return fmt.Errorf("failed to write %s: %w", ch.FileName, err)
			}
			// WriteFile does not change the mode of existing files.
			if err := os.Chmod(target, mode); err != nil {
				return fmt.Errorf("failed to set mode on %s: %w", ch.FileName, err)
			}

		default:
			return fmt.Errorf("cannot apply change with action %q for %s", ch.Action, ch.FileName)
		}
	}
	return nil
}
