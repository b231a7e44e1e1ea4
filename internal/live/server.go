// Package live is the boundary between the reconciliation core and a
// running directory server. It declares the Server operation interface the
// core consumes and a Loader that reads the server's current configuration
// into a tree.
package live

import (
	"context"
	"errors"

	"github.com/dsconverge/dsconverge/internal/schema"
	"github.com/dsconverge/dsconverge/internal/tree"
)

// ErrNotFound is returned by Server implementations when the addressed
// entity does not exist.
var ErrNotFound = errors.New("live: entity not found")

// Server is the administrative interface of a directory server host.
// Implementations must be safe for concurrent use by operations on
// different instances; the apply engine never issues two concurrent
// operations against one instance.
type Server interface {
	// CreateEntity creates the entity at path with the given fields. The
	// parent must exist.
	CreateEntity(ctx context.Context, path tree.Path, fields map[string]schema.Value) error
	// ModifyEntity replaces the listed fields and leaves every other field
	// untouched.
	ModifyEntity(ctx context.Context, path tree.Path, delta map[string]schema.Value) error
	// DeleteEntity removes the entity at path. Children must already be
	// gone.
	DeleteEntity(ctx context.Context, path tree.Path) error
	// QueryEntity returns the stored fields of the entity at path, or an
	// error matching ErrNotFound.
	QueryEntity(ctx context.Context, path tree.Path) (map[string]schema.Value, error)
	// ListChildren returns the keys of parent's children of the given kind.
	// The zero Path lists instances.
	ListChildren(ctx context.Context, parent tree.Path, kind schema.Kind) ([]string, error)
	// Quiesce stops the instance process so offline changes can be made.
	Quiesce(ctx context.Context, instance string) error
	// Resume starts the instance process again.
	Resume(ctx context.Context, instance string) error
}
