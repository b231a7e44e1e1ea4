// Package desired decodes desired-state documents (YAML or JSON) into a
// validated tree.
//
// Two layouts are accepted. The long form carries a root state and an
// instance collection:
//
//	state: updated
//	instances:
//	  i1:
//	    port: 38901
//	    backends:
//	      - name: userroot
//	        suffix: dc=example,dc=com
//
// The short form is the instance collection alone. Every collection may be
// written as a list of mappings with a name key or as a mapping keyed by
// name.
package desired

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dsconverge/dsconverge/internal/schema"
	"github.com/dsconverge/dsconverge/internal/tree"
)

// Format selects the document syntax.
type Format int

// Supported formats.
const (
	FormatYAML Format = iota
	FormatJSON
)

func (f Format) String() string {
	if f == FormatJSON {
		return "json"
	}

	return "yaml"
}

// ParseFormat maps a format name ("yaml", "yml", "json") to a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yaml", "yml", "":
		return FormatYAML, nil
	case "json":
		return FormatJSON, nil
	default:
		return FormatYAML, fmt.Errorf("desired: unknown format %q (want yaml or json)", s)
	}
}

// FormatForPath picks a format from a file extension. Anything that is not
// .json is read as YAML, which is a superset of JSON.
func FormatForPath(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FormatJSON
	}

	return FormatYAML
}

// Keys recognized at the top of a long-form document.
const (
	keyState        = "state"
	keyName         = "name"
	keyInstances    = "instances"
	keyAnsibleAlias = "ds389_server_instances"
)

// ErrMalformed is returned when the document structure (not a field value)
// is wrong: a collection that is neither a list nor a mapping, a list
// element without a name, and so on.
var ErrMalformed = errors.New("desired: malformed document")

// DecodeFile reads and decodes the document at path.
func DecodeFile(path string) (*tree.Tree, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("desired: %w", err)
	}
	defer f.Close()

	t, err := Decode(f, FormatForPath(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return t, nil
}

// Decode parses a document and builds the desired tree. Every schema and
// structural problem in the document is reported together.
func Decode(r io.Reader, format Format) (*tree.Tree, error) {
	doc, err := parse(r, format)
	if err != nil {
		return nil, err
	}

	mode, instances, err := splitRoot(doc)
	if err != nil {
		return nil, err
	}

	b := &builder{tree: tree.New(mode)}
	b.collection(tree.Path{}, schema.KindInstance, instances)

	if err := errors.Join(b.errs...); err != nil {
		return nil, err
	}

	return b.tree, nil
}

func parse(r io.Reader, format Format) (map[string]any, error) {
	var doc any

	switch format {
	case FormatJSON:
		dec := json.NewDecoder(r)
		dec.UseNumber()

		if err := dec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("desired: parsing json: %w", err)
		}
	default:
		if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
			if errors.Is(err, io.EOF) {
				return map[string]any{}, nil
			}

			return nil, fmt.Errorf("desired: parsing yaml: %w", err)
		}
	}

	if doc == nil {
		return map[string]any{}, nil
	}

	m, ok := asMap(doc)
	if !ok {
		return nil, fmt.Errorf("%w: top level must be a mapping, got %T", ErrMalformed, doc)
	}

	return m, nil
}

// splitRoot separates the root state from the instance collection.
func splitRoot(doc map[string]any) (tree.Mode, any, error) {
	state, hasState := doc[keyState].(string)

	coll, long := doc[keyInstances]
	if !long {
		coll, long = doc[keyAnsibleAlias]
	}

	if !long {
		if !hasState {
			return tree.ModeMerge, doc, nil
		}

		rest := make(map[string]any, len(doc))
		for k, v := range doc {
			if k != keyState {
				rest[k] = v
			}
		}

		coll = rest
	} else {
		for k := range doc {
			if k != keyState && k != keyInstances && k != keyAnsibleAlias {
				return 0, nil, fmt.Errorf("%w: unexpected top-level key %q", ErrMalformed, k)
			}
		}
	}

	mode, err := parseMode(state)
	if err != nil {
		return 0, nil, err
	}

	return mode, coll, nil
}

func parseMode(s string) (tree.Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "present":
		return tree.ModeMerge, nil
	case "updated", "overwrite":
		return tree.ModeOverwrite, nil
	case "absent":
		return tree.ModeAbsent, nil
	default:
		return 0, &schema.ViolationError{
			Field:  keyState,
			Reason: fmt.Sprintf("root state %q is not one of present, updated, overwrite, absent", s),
		}
	}
}

// builder accumulates entities and errors while walking the document.
type builder struct {
	tree *tree.Tree
	errs []error
}

func (b *builder) fail(err error) { b.errs = append(b.errs, err) }

// collection decodes the children of parent of the given kind. raw is a
// list of named mappings or a mapping keyed by name.
func (b *builder) collection(parent tree.Path, kind schema.Kind, raw any) {
	if raw == nil {
		return
	}

	if list, ok := raw.([]any); ok {
		for i, item := range list {
			m, ok := asMap(item)
			if !ok {
				b.fail(fmt.Errorf("%w: %s[%d] of %s must be a mapping", ErrMalformed, kind.Collection(), i, parent))
				continue
			}

			name, ok := m[keyName]
			if !ok || name == nil || fmt.Sprint(name) == "" {
				b.fail(fmt.Errorf("%w: %s[%d] of %s has no name", ErrMalformed, kind.Collection(), i, parent))
				continue
			}

			b.entity(parent, kind, fmt.Sprint(name), m)
		}

		return
	}

	m, ok := asMap(raw)
	if !ok {
		b.fail(fmt.Errorf("%w: %s of %s must be a list or a mapping, got %T", ErrMalformed, kind.Collection(), parent, raw))
		return
	}

	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}

	sort.Strings(names)

	for _, name := range names {
		body := m[name]
		if body == nil {
			body = map[string]any{}
		}

		fields, ok := asMap(body)
		if !ok {
			b.fail(fmt.Errorf("%w: %s %q must be a mapping, got %T", ErrMalformed, kind, name, body))
			continue
		}

		b.entity(parent, kind, name, fields)
	}
}

func (b *builder) entity(parent tree.Path, kind schema.Kind, name string, raw map[string]any) {
	var p tree.Path
	if parent.IsZero() {
		p = tree.InstancePath(name)
	} else {
		p = parent.ChildPath(kind, name)
	}

	fields := make(map[string]any, len(raw))
	children := make(map[schema.Kind]any)
	state := schema.StateUnset

	for key, val := range raw {
		canon := schema.CanonicalName(key)

		switch {
		case canon == keyName:
			if fmt.Sprint(val) != name {
				b.fail(fmt.Errorf("%w: %s %s: name %v does not match key", ErrMalformed, kind, p, val))
			}
		case canon == keyState:
			s, err := schema.ParseState(fmt.Sprint(val))
			if err != nil {
				b.fail(withEntity(err, kind, p))
				continue
			}

			state = s
		case isChildCollection(kind, canon):
			children[childKind(kind, canon)] = val
		default:
			fields[key] = val
		}
	}

	typed, err := schema.Validate(kind, fields)
	if err != nil {
		b.fail(withEntity(err, kind, p))
		typed = map[string]schema.Value{}
	}

	if err := b.tree.Insert(&tree.Entity{Path: p, State: state, Fields: typed}); err != nil {
		b.fail(err)
		return
	}

	for _, ck := range kind.ChildKinds() {
		b.collection(p, ck, children[ck])
	}
}

func isChildCollection(kind schema.Kind, key string) bool {
	return childKind(kind, key) != 0
}

func childKind(kind schema.Kind, key string) schema.Kind {
	for _, ck := range kind.ChildKinds() {
		if ck.Collection() == key {
			return ck
		}
	}

	return 0
}

// withEntity stamps the entity path on every violation inside err.
func withEntity(err error, kind schema.Kind, p tree.Path) error {
	var joined interface{ Unwrap() []error }
	if errors.As(err, &joined) {
		errs := slices.Clone(joined.Unwrap())
		for i, e := range errs {
			errs[i] = withEntity(e, kind, p)
		}

		return errors.Join(errs...)
	}

	var ve *schema.ViolationError
	if errors.As(err, &ve) {
		cp := *ve
		cp.Kind = kind
		cp.Entity = p.String()

		return &cp
	}

	return err
}

// asMap accepts the mapping types yaml.v3 and encoding/json produce.
func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[fmt.Sprint(k)] = val
		}

		return out, true
	default:
		return nil, false
	}
}
