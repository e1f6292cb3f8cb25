// Package grants is the contract with the host framework's native
// permission store: groups and the permission tokens attached to them.
// The core never creates or deletes groups; it only edits their grants.
package grants

import (
	"context"

	"github.com/icebiz/modgate/internal/apperr"
	"github.com/icebiz/modgate/internal/registry"
)

// ErrGroupNotFound is returned for operations on a group the framework
// does not know.
var ErrGroupNotFound = apperr.ErrUnknownGroup

// ErrTokenNotRegistered is returned when a token has no framework
// permission behind it.
var ErrTokenNotRegistered = apperr.New(apperr.KindMissingToken, "")

// Store is the native grant store.
type Store interface {
	// Groups lists every group name, sorted.
	Groups(ctx context.Context) ([]string, error)
	GroupExists(ctx context.Context, group string) (bool, error)
	// Grants returns the tokens currently attached to group.
	Grants(ctx context.Context, group string) (registry.TokenSet, error)
	// AddGrant attaches t to group. Adding a present token is a no-op.
	AddGrant(ctx context.Context, group string, t registry.Token) error
	// RemoveGrant detaches t from group. Removing an absent token is a no-op.
	RemoveGrant(ctx context.Context, group string, t registry.Token) error
	// KnownTokens is every token the framework has registered.
	KnownTokens(ctx context.Context) (registry.TokenSet, error)
}

var _ registry.TokenUniverse = Store(nil)
