package manifest

import "sort"

// Reconcile computes the new tracked file set for configID and the paths that
// became orphans. The tracked set is exactly the declared paths whose
// delete-orphaned flag is true. A path present in declared at all, with any
// flag value, is never an orphan: only paths the caller no longer declares
// can be deleted. A path still tracked by a different config id is retained.
//
// The input manifest is not mutated; a nil manifest means "no previous
// state". The returned orphan paths are sorted.
func Reconcile(m *Manifest, configID string, declared map[string]bool) (*Manifest, []string) {
	next := clone(m)

	tracked := make([]string, 0, len(declared))
	for path, deleteOrphaned := range declared {
		if deleteOrphaned {
			tracked = append(tracked, path)
		}
	}
	tracked = sortedUnique(tracked)

	var orphans []string
	prev := next.Configs[configID]
	for _, path := range prev.Files {
		if _, stillDeclared := declared[path]; !stillDeclared {
			orphans = append(orphans, path)
		}
	}

	prev.Files = tracked
	setOrDelete(next, configID, prev)

	orphans = retainTrackedElsewhere(next, configID, orphans, func(s ManagedSet) []string { return s.Files })
	sort.Strings(orphans)
	return next, orphans
}

// ReconcileRulesets is the ruleset-name analogue of Reconcile. Ruleset names
// have no per-entry flag: every declared name is tracked, and every
// previously tracked name missing from the declaration is an orphan.
func ReconcileRulesets(m *Manifest, configID string, declared []string) (*Manifest, []string) {
	next := clone(m)

	tracked := sortedUnique(declared)
	declaredSet := make(map[string]bool, len(tracked))
	for _, name := range tracked {
		declaredSet[name] = true
	}

	var orphans []string
	prev := next.Configs[configID]
	for _, name := range prev.Rulesets {
		if !declaredSet[name] {
			orphans = append(orphans, name)
		}
	}

	prev.Rulesets = tracked
	setOrDelete(next, configID, prev)

	orphans = retainTrackedElsewhere(next, configID, orphans, func(s ManagedSet) []string { return s.Rulesets })
	sort.Strings(orphans)
	return next, orphans
}

// retainTrackedElsewhere drops candidates that another config id still
// tracks: an entry owned by two configs is only deleted once it is orphaned
// under every one of them.
func retainTrackedElsewhere(m *Manifest, configID string, candidates []string, field func(ManagedSet) []string) []string {
	if len(candidates) == 0 {
		return nil
	}

	elsewhere := make(map[string]bool)
	for id, set := range m.Configs {
		if id == configID {
			continue
		}
		for _, entry := range field(set) {
			elsewhere[entry] = true
		}
	}

	out := candidates[:0]
	for _, entry := range candidates {
		if !elsewhere[entry] {
			out = append(out, entry)
		}
	}
	return out
}

func setOrDelete(m *Manifest, configID string, set ManagedSet) {
	if set.empty() {
		delete(m.Configs, configID)
		return
	}
	m.Configs[configID] = set
}

func clone(m *Manifest) *Manifest {
	next := &Manifest{Version: CurrentVersion, Configs: make(map[string]ManagedSet)}
	if m == nil {
		return next
	}
	for id, set := range m.Configs {
		next.Configs[id] = ManagedSet{
			Files:    append([]string(nil), set.Files...),
			Rulesets: append([]string(nil), set.Rulesets...),
		}
	}
	return next
}
