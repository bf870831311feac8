package models

// ChangeType classifies a single file edit within a PatchSet.
type ChangeType string

const (
	ChangeCreated  ChangeType = "created"
	ChangeModified ChangeType = "modified"
	ChangeDeleted  ChangeType = "deleted"
	ChangeRenamed  ChangeType = "renamed"
)

// FileEdit is one file-level change proposed by an adapter.
type FileEdit struct {
	Path       string     `json:"path"`
	ChangeType ChangeType `json:"change_type"`
	Diff       []byte     `json:"diff"`
}

// PatchSet is a proposed set of file changes produced by an adapter during
// the CODE phase. Invariants (spec.md §3): PreconditionSHA must match repo
// head when applied; every touched path must pass PolicyGuard's write-scope
// predicate.
type PatchSet struct {
	PhaseRunID      string     `json:"phase_run_id"`
	Edits           []FileEdit `json:"edits"`
	PreconditionSHA string     `json:"precondition_sha"`
}

// TouchedPaths returns the set of paths this patch set writes to, in order,
// deduplicated.
func (p PatchSet) TouchedPaths() []string {
	seen := make(map[string]bool, len(p.Edits))
	paths := make([]string, 0, len(p.Edits))
	for _, e := range p.Edits {
		if seen[e.Path] {
			continue
		}
		seen[e.Path] = true
		paths = append(paths, e.Path)
	}
	return paths
}
