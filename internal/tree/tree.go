package tree

import (
	"errors"
	"fmt"
	"iter"
	"slices"

	"github.com/dsconverge/dsconverge/internal/schema"
)

// Sentinel errors returned by Tree operations.
var (
	ErrParentMissing = errors.New("tree: parent entity missing")
	ErrDuplicateKey  = errors.New("tree: duplicate key")
	ErrNotFound      = errors.New("tree: entity not found")
)

// Mode is the root-level state of a tree. It decides what happens to
// actual entities the tree does not mention.
type Mode int

// Tree modes.
const (
	// ModeMerge leaves unlisted actual entities alone.
	ModeMerge Mode = iota
	// ModeOverwrite makes the tree authoritative: unlisted entities are
	// removed.
	ModeOverwrite
	// ModeAbsent removes every instance.
	ModeAbsent
)

func (m Mode) String() string {
	switch m {
	case ModeMerge:
		return "merge"
	case ModeOverwrite:
		return "overwrite"
	case ModeAbsent:
		return "absent"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Entity is one configuration entity. Fields holds only the values that
// were explicitly provided (desired trees) or read back (actual trees).
type Entity struct {
	Path   Path
	State  schema.State
	Fields map[string]schema.Value
}

// Clone returns a copy of e that shares no maps with it.
func (e *Entity) Clone() *Entity {
	return &Entity{Path: e.Path, State: e.State, Fields: schema.CloneFields(e.Fields)}
}

// Tree is a hierarchical container of entities. The zero value is not
// usable; create trees with New. A Tree is not safe for concurrent
// mutation.
type Tree struct {
	mode     Mode
	entities map[Path]*Entity
	children map[Path][]Path // parent -> sorted child paths; zero Path is the root
}

// New returns an empty tree in the given mode.
func New(mode Mode) *Tree {
	return &Tree{
		mode:     mode,
		entities: make(map[Path]*Entity),
		children: make(map[Path][]Path),
	}
}

// Mode returns the tree's root-level mode.
func (t *Tree) Mode() Mode { return t.mode }

// SetMode changes the tree's root-level mode.
func (t *Tree) SetMode(m Mode) { t.mode = m }

// Len returns the number of entities in the tree.
func (t *Tree) Len() int { return len(t.entities) }

// Insert adds e. The parent must already be present and the key must be
// unused among its siblings. Two backends of one instance may not share a
// suffix. A nil Fields map is replaced by an empty one.
func (t *Tree) Insert(e *Entity) error {
	p := e.Path
	if !p.valid() {
		return fmt.Errorf("%w: %+v", ErrInvalidPath, p)
	}

	parent, hasParent := p.Parent()
	if hasParent {
		if _, ok := t.entities[parent]; !ok {
			return fmt.Errorf("insert %s: %w: %s", p, ErrParentMissing, parent)
		}
	}

	if _, ok := t.entities[p]; ok {
		return fmt.Errorf("insert %s: %w", p, ErrDuplicateKey)
	}

	if p.Kind == schema.KindBackend {
		if err := t.checkSuffix(parent, e); err != nil {
			return err
		}
	}

	if e.Fields == nil {
		e.Fields = make(map[string]schema.Value)
	}

	t.entities[p] = e

	siblings := t.children[parent]
	i, _ := slices.BinarySearchFunc(siblings, p, Path.Compare)
	t.children[parent] = slices.Insert(siblings, i, p)

	return nil
}

func (t *Tree) checkSuffix(parent Path, e *Entity) error {
	suffix, ok := e.Fields["suffix"]
	if !ok {
		return nil
	}

	for _, sib := range t.children[parent] {
		other, ok := t.entities[sib].Fields["suffix"]
		if ok && other.Equal(suffix) {
			return fmt.Errorf("insert %s: %w: suffix %q already used by %s",
				e.Path, ErrDuplicateKey, suffix.Str(), sib)
		}
	}

	return nil
}

// Lookup returns the entity at p or an error matching ErrNotFound.
func (t *Tree) Lookup(p Path) (*Entity, error) {
	e, ok := t.entities[p]
	if !ok {
		return nil, fmt.Errorf("lookup %s: %w", p, ErrNotFound)
	}

	return e, nil
}

// Has reports whether an entity exists at p.
func (t *Tree) Has(p Path) bool {
	_, ok := t.entities[p]
	return ok
}

// Children returns the direct children of p in sibling order. Pass the
// zero Path to list instances.
func (t *Tree) Children(p Path) []*Entity {
	paths := t.children[p]

	out := make([]*Entity, 0, len(paths))
	for _, c := range paths {
		out = append(out, t.entities[c])
	}

	return out
}

// Walk yields every entity parent-before-child. Siblings are visited by
// kind then name so the order is deterministic. The sequence may be
// iterated any number of times; mutating the tree during iteration is not
// supported.
func (t *Tree) Walk() iter.Seq2[Path, *Entity] {
	return func(yield func(Path, *Entity) bool) {
		t.walk(Path{}, yield)
	}
}

func (t *Tree) walk(p Path, yield func(Path, *Entity) bool) bool {
	for _, c := range t.children[p] {
		if !yield(c, t.entities[c]) {
			return false
		}

		if !t.walk(c, yield) {
			return false
		}
	}

	return true
}

// Subtree yields p and its descendants parent-before-child. It yields
// nothing if p is absent.
func (t *Tree) Subtree(p Path) iter.Seq2[Path, *Entity] {
	return func(yield func(Path, *Entity) bool) {
		e, ok := t.entities[p]
		if !ok || !yield(p, e) {
			return
		}

		t.walk(p, yield)
	}
}

// Remove deletes p and its whole subtree.
func (t *Tree) Remove(p Path) error {
	if _, ok := t.entities[p]; !ok {
		return fmt.Errorf("remove %s: %w", p, ErrNotFound)
	}

	t.removeSubtree(p)

	parent, _ := p.Parent()
	siblings := t.children[parent]

	if i, found := slices.BinarySearchFunc(siblings, p, Path.Compare); found {
		t.children[parent] = slices.Delete(siblings, i, i+1)
	}

	return nil
}

func (t *Tree) removeSubtree(p Path) {
	for _, c := range t.children[p] {
		t.removeSubtree(c)
	}

	delete(t.children, p)
	delete(t.entities, p)
}

// Clone returns a deep copy of t.
func (t *Tree) Clone() *Tree {
	out := New(t.mode)

	for p, e := range t.entities {
		out.entities[p] = e.Clone()
	}

	for p, cs := range t.children {
		out.children[p] = slices.Clone(cs)
	}

	return out
}
