// Package tree holds the in-memory model of configuration entities: a
// four-level hierarchy of instances, backends, indexes and replication
// agreements keyed by Path. Trees are built fresh for every run, either from
// a desired-state document or from a live-state query, and discarded once
// facts have been reported.
package tree

import (
	"cmp"
	"errors"
	"fmt"
	"strings"

	"github.com/dsconverge/dsconverge/internal/schema"
)

// ErrInvalidPath is returned by ParsePath and Insert for malformed paths.
var ErrInvalidPath = errors.New("tree: invalid path")

// Path addresses one entity. Instance is always set; Backend is set for
// backends and their children; Name is the entity's own key (equal to
// Instance or Backend for those kinds). Path is comparable and usable as a
// map key.
type Path struct {
	Instance string
	Backend  string
	Kind     schema.Kind
	Name     string
}

// InstancePath returns the path of instance inst.
func InstancePath(inst string) Path {
	return Path{Instance: inst, Kind: schema.KindInstance, Name: inst}
}

// BackendPath returns the path of backend be under instance inst.
func BackendPath(inst, be string) Path {
	return Path{Instance: inst, Backend: be, Kind: schema.KindBackend, Name: be}
}

// IndexPath returns the path of the index on attr under backend be.
func IndexPath(inst, be, attr string) Path {
	return Path{Instance: inst, Backend: be, Kind: schema.KindIndex, Name: attr}
}

// AgreementPath returns the path of agreement agmt under backend be.
func AgreementPath(inst, be, agmt string) Path {
	return Path{Instance: inst, Backend: be, Kind: schema.KindAgreement, Name: agmt}
}

// ChildPath returns the path of a child of p with the given kind and name.
// It panics if kind cannot live under p.
func (p Path) ChildPath(kind schema.Kind, name string) Path {
	switch {
	case p.Kind == schema.KindInstance && kind == schema.KindBackend:
		return BackendPath(p.Instance, name)
	case p.Kind == schema.KindBackend && (kind == schema.KindIndex || kind == schema.KindAgreement):
		return Path{Instance: p.Instance, Backend: p.Backend, Kind: kind, Name: name}
	default:
		panic(fmt.Sprintf("tree: %s cannot own a %s", p.Kind, kind))
	}
}

// IsZero reports whether p is the zero Path, which stands for the root of
// the tree.
func (p Path) IsZero() bool { return p == Path{} }

// Parent returns the owning entity's path. Instances return the zero Path
// and false.
func (p Path) Parent() (Path, bool) {
	switch p.Kind {
	case schema.KindBackend:
		return InstancePath(p.Instance), true
	case schema.KindIndex, schema.KindAgreement:
		return BackendPath(p.Instance, p.Backend), true
	default:
		return Path{}, false
	}
}

// Depth is 1 for instances, 2 for backends and 3 for indexes and
// agreements. The zero Path has depth 0.
func (p Path) Depth() int {
	switch p.Kind {
	case schema.KindInstance:
		return 1
	case schema.KindBackend:
		return 2
	case schema.KindIndex, schema.KindAgreement:
		return 3
	default:
		return 0
	}
}

// IsAncestorOf reports whether p strictly contains o. The zero Path is an
// ancestor of every other path.
func (p Path) IsAncestorOf(o Path) bool {
	if p == o || o.IsZero() {
		return false
	}

	switch p.Kind {
	case 0:
		return p.IsZero()
	case schema.KindInstance:
		return o.Instance == p.Instance && o.Kind != schema.KindInstance
	case schema.KindBackend:
		return o.Instance == p.Instance && o.Backend == p.Backend && o.Depth() == 3
	default:
		return false
	}
}

func (p Path) String() string {
	switch p.Kind {
	case schema.KindInstance:
		return p.Instance
	case schema.KindBackend:
		return p.Instance + "." + p.Backend
	case schema.KindIndex, schema.KindAgreement:
		return p.Instance + "." + p.Backend + "/" + p.Kind.String() + ":" + p.Name
	default:
		return "<root>"
	}
}

// Compare orders paths depth-first: an entity sorts before its descendants,
// and siblings sort by kind then name. Sorting a set of paths with Compare
// yields a parent-before-child order.
func (p Path) Compare(o Path) int {
	return cmp.Or(
		cmp.Compare(p.Instance, o.Instance),
		cmp.Compare(p.Backend, o.Backend),
		cmp.Compare(p.Kind, o.Kind),
		cmp.Compare(p.Name, o.Name),
	)
}

// Less reports whether p sorts before o (see Compare).
func (p Path) Less(o Path) bool { return p.Compare(o) < 0 }

// ParsePath is the inverse of Path.String.
func ParsePath(s string) (Path, error) {
	head, leaf, hasLeaf := strings.Cut(s, "/")

	inst, be, hasBackend := strings.Cut(head, ".")
	if inst == "" || (hasBackend && be == "") {
		return Path{}, fmt.Errorf("%w: %q", ErrInvalidPath, s)
	}

	if !hasBackend {
		if hasLeaf {
			return Path{}, fmt.Errorf("%w: %q", ErrInvalidPath, s)
		}

		return InstancePath(inst), nil
	}

	if !hasLeaf {
		return BackendPath(inst, be), nil
	}

	kindName, name, ok := strings.Cut(leaf, ":")
	if !ok || name == "" {
		return Path{}, fmt.Errorf("%w: %q", ErrInvalidPath, s)
	}

	switch kindName {
	case schema.KindIndex.String():
		return IndexPath(inst, be, name), nil
	case schema.KindAgreement.String():
		return AgreementPath(inst, be, name), nil
	default:
		return Path{}, fmt.Errorf("%w: %q: unknown kind %q", ErrInvalidPath, s, kindName)
	}
}

// valid checks that the fields of p agree with its kind and that no key
// contains a separator used by String.
func (p Path) valid() bool {
	if !validKey(p.Instance, "./") {
		return false
	}

	switch p.Kind {
	case schema.KindInstance:
		return p.Backend == "" && p.Name == p.Instance
	case schema.KindBackend:
		return validKey(p.Backend, "./") && p.Name == p.Backend
	case schema.KindIndex, schema.KindAgreement:
		return validKey(p.Backend, "./") && validKey(p.Name, "/")
	default:
		return false
	}
}

func validKey(key, separators string) bool {
	return key != "" && !strings.ContainsAny(key, separators)
}
