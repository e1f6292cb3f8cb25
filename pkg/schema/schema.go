// Package schema defines the data structures exchanged by the HTTP API,
// the control socket and the SDK.
package schema

import "time"

// ModuleDiff is the change to one module's allowed groups.
type ModuleDiff struct {
	Added   []string `json:"added,omitempty"`
	Removed []string `json:"removed,omitempty"`
}

// Listing is the current group-module mapping.
type Listing struct {
	Seq     uint64              `json:"seq"`
	Modules map[string][]string `json:"modules"`
}

// UpdateRequest edits one group's membership across several modules.
// Modules absent from the map are left unchanged.
type UpdateRequest struct {
	Modules map[string]bool `json:"modules" binding:"required"`
}

// UpdateResult is returned by update_group_modules and delete_group.
type UpdateResult struct {
	Group string `json:"group"`
	// Modules is the mapping after the edit.
	Modules map[string][]string   `json:"modules"`
	Changes map[string]ModuleDiff `json:"changes"`
	Seq     uint64                `json:"seq"`
	// Persisted is false when the edit is held in memory only, either
	// because native grants could not be fully updated or the write is
	// deferred; it is retried on the next administrative call.
	Persisted bool `json:"persisted"`
	// PendingGroups are groups whose native grants still need repair.
	PendingGroups []string `json:"pending_groups,omitempty"`
}

// ReconcileResult summarises a reconciliation run.
type ReconcileResult struct {
	Added        int      `json:"added"`
	Removed      int      `json:"removed"`
	Skipped      int      `json:"skipped"`
	Failed       int      `json:"failed"`
	FailedGroups []string `json:"failed_groups,omitempty"`
}

// Status is the admin service's state.
type Status struct {
	State         string   `json:"state"`
	Seq           uint64   `json:"seq"`
	Dirty         bool     `json:"dirty"`
	ReadOnly      bool     `json:"read_only"`
	PendingGroups []string `json:"pending_groups,omitempty"`
}

// AuditEntry records one administrative mutation.
type AuditEntry struct {
	Timestamp time.Time             `json:"timestamp"`
	Actor     string                `json:"actor"`
	Action    string                `json:"action"`
	Group     string                `json:"group,omitempty"`
	Changes   map[string]ModuleDiff `json:"changes,omitempty"`
	Seq       uint64                `json:"seq"`
	Error     string                `json:"error,omitempty"`
}

// Audit actions.
const (
	ActionUpdateGroupModules = "update_group_modules"
	ActionDeleteGroup        = "delete_group"
	ActionReconcileAll       = "reconcile_all"
	ActionFlush              = "flush"
)
