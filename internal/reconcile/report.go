package reconcile

import (
	"sort"

	"github.com/icebiz/modgate/internal/registry"
)

// Op names a single native grant operation.
type Op string

const (
	OpAdd    Op = "add"
	OpRemove Op = "remove"
	OpRead   Op = "read"
)

// Issue is one token operation that did not happen.
type Issue struct {
	Op    Op              `json:"op"`
	Group string          `json:"group"`
	Token *registry.Token `json:"token,omitempty"`
	Err   string          `json:"error"`
}

// Report summarises a batch of token operations. A batch never stops at the
// first failure, so a report can carry both changes and failures.
type Report struct {
	Added   int `json:"added"`
	Removed int `json:"removed"`
	// Skipped are tokens the framework does not know.
	Skipped []Issue `json:"skipped,omitempty"`
	Failed  []Issue `json:"failed,omitempty"`
}

// OK reports whether every operation in the batch succeeded or was skipped.
func (r Report) OK() bool {
	return len(r.Failed) == 0
}

// Changed reports whether any grant was added or removed.
func (r Report) Changed() bool {
	return r.Added > 0 || r.Removed > 0
}

// Merge folds o into r.
func (r *Report) Merge(o Report) {
	r.Added += o.Added
	r.Removed += o.Removed
	r.Skipped = append(r.Skipped, o.Skipped...)
	r.Failed = append(r.Failed, o.Failed...)
}

// FailedGroups lists the groups with at least one failed operation, sorted.
func (r Report) FailedGroups() []string {
	seen := make(map[string]struct{})
	for _, is := range r.Failed {
		seen[is.Group] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for g := range seen {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}
