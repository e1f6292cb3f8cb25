package sdk

import (
	"github.com/icebiz/modgate/internal/apperr"
	"github.com/icebiz/modgate/pkg/schema"
)

var (
	// ErrUnknownModule is returned when an edit names a module outside the registry.
	ErrUnknownModule = apperr.ErrUnknownModule
	// ErrUnknownGroup is returned when the framework has no such group.
	ErrUnknownGroup = apperr.ErrUnknownGroup
	// ErrConflict is returned when concurrent writers kept winning the document.
	ErrConflict = apperr.ErrConflict
	// ErrStaleDocument is returned while the daemon runs in safe mode.
	ErrStaleDocument = apperr.ErrStaleDocument
)

// --- Functional Interfaces (Interface Segregation) ---

// MappingReader reads the group-module mapping.
type MappingReader interface {
	ListModules() (schema.Listing, error)
	Seq() (uint64, error)
}

// MappingWriter edits the group-module mapping.
type MappingWriter interface {
	UpdateGroupModules(group string, modules map[string]bool) (schema.UpdateResult, error)
	DeleteGroup(group string) (schema.UpdateResult, error)
}

// Maintainer runs repair operations.
type Maintainer interface {
	Reconcile() (schema.ReconcileResult, error)
	Flush() error
	Status() (schema.Status, error)
}

// --- Composite Interfaces ---

// Admin is the complete control-socket surface.
type Admin interface {
	MappingReader
	MappingWriter
	Maintainer
	Close() error
}

var _ Admin = (*Client)(nil)
