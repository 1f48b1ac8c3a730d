package scheduler

import "github.com/loomci/loom/pkg/protocol"

// SourceStamp is an immutable description of the exact source state to build:
// optional branch, optional revision pin, optional patch, and the ordered
// changes it subsumes. A nil Revision means "tip of branch" and serializes as
// JSON null, never the string "None".
type SourceStamp struct {
	Branch   string          `json:"branch,omitempty"`
	Revision *string         `json:"revision"`
	Patch    *protocol.Patch `json:"patch,omitempty"`
	Changes  []Change        `json:"changes,omitempty"`
}

// StampFromChanges builds the stamp for a batch, preserving arrival order.
func StampFromChanges(branch string, changes []Change) SourceStamp {
	return SourceStamp{
		Branch:  branch,
		Changes: append([]Change(nil), changes...),
	}
}

// Equivalent reports whether two stamps describe the same source state.
func (s SourceStamp) Equivalent(o SourceStamp) bool {
	if s.Branch != o.Branch {
		return false
	}
	if (s.Revision == nil) != (o.Revision == nil) {
		return false
	}
	if s.Revision != nil && *s.Revision != *o.Revision {
		return false
	}
	if (s.Patch == nil) != (o.Patch == nil) {
		return false
	}
	if s.Patch != nil && (s.Patch.Level != o.Patch.Level || s.Patch.Diff != o.Patch.Diff) {
		return false
	}
	if len(s.Changes) != len(o.Changes) {
		return false
	}
	for i := range s.Changes {
		if s.Changes[i].Number != o.Changes[i].Number {
			return false
		}
	}
	return true
}

// CanMergeWith reports whether two stamps may be collapsed into one build:
// same branch, neither pinned to a revision, neither patched. The merged
// stamp concatenates the change lists.
func (s SourceStamp) CanMergeWith(o SourceStamp) bool {
	return s.Branch == o.Branch && s.Revision == nil && o.Revision == nil &&
		s.Patch == nil && o.Patch == nil
}

// MergeWith combines two mergeable stamps, keeping change order.
func (s SourceStamp) MergeWith(o SourceStamp) SourceStamp {
	merged := SourceStamp{Branch: s.Branch}
	merged.Changes = append(merged.Changes, s.Changes...)
	merged.Changes = append(merged.Changes, o.Changes...)
	return merged
}
