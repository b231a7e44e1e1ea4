package dsestore

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/dsconverge/dsconverge/internal/schema"
)

// attrs is the stored form of an entry: directory attribute name to its
// values. Every attribute is multi-valued as in LDAP.
type attrs map[string][]string

const replicaRoleField = "replicarole"

var (
	attrReplicaType  = strings.ToLower(schema.AttrReplicaType)
	attrReplicaFlags = strings.ToLower(schema.AttrReplicaFlags)
	attrReplicaID    = strings.ToLower("nsDS5ReplicaId")
)

// attrName returns the attribute a field is stored under. Fields with no
// directory counterpart keep their own name.
func attrName(f schema.Field) string {
	if f.DSEAttr != "" {
		return strings.ToLower(f.DSEAttr)
	}

	return f.Name
}

// byAttr maps lower-cased attribute names back to fields, per kind.
var byAttr = func() map[schema.Kind]map[string]schema.Field {
	out := make(map[schema.Kind]map[string]schema.Field)

	for _, kind := range schema.Kinds {
		m := make(map[string]schema.Field)
		for _, f := range schema.Fields(kind) {
			m[attrName(f)] = f
		}

		out[kind] = m
	}

	return out
}()

// toAttrs converts typed fields into stored attributes. Create-only fields
// and the run state are not stored.
func toAttrs(kind schema.Kind, fields map[string]schema.Value) attrs {
	out := make(attrs, len(fields))

	for name, v := range fields {
		f, ok := schema.Lookup(kind, name)
		if !ok || f.CreateOnly || name == startedField {
			continue
		}

		if kind == schema.KindBackend && name == replicaRoleField {
			typ, flags, ok := schema.ReplicaAttrs(v.Str())
			if ok {
				out[attrReplicaType] = []string{typ}
				out[attrReplicaFlags] = []string{flags}
			}

			continue
		}

		out[attrName(f)] = encodeValue(v)
	}

	return out
}

func encodeValue(v schema.Value) []string {
	switch v.Type {
	case schema.TypeBool:
		if v.Bool() {
			return []string{"on"}
		}

		return []string{"off"}
	case schema.TypeList:
		return v.List()
	default:
		return []string{v.String()}
	}
}

// toFields converts stored attributes back into typed fields. Attributes
// that map to no known field are returned under their own name as strings
// so callers can see them.
func toFields(kind schema.Kind, a attrs) (map[string]schema.Value, error) {
	out := make(map[string]schema.Value, len(a))

	if kind == schema.KindBackend {
		role, err := replicaRole(a)
		if err != nil {
			return nil, err
		}

		if role != "" {
			out[replicaRoleField] = schema.StringValue(role)
		}
	}

	for name, vals := range a {
		if kind == schema.KindBackend && (name == attrReplicaType || name == attrReplicaFlags) {
			continue
		}

		f, ok := byAttr[kind][strings.ToLower(name)]
		if !ok {
			out[name] = schema.StringValue(strings.Join(vals, ","))
			continue
		}

		v, err := decodeValue(f, vals)
		if err != nil {
			return nil, err
		}

		out[f.Name] = v
	}

	return out, nil
}

// replicaRole decodes the role stored in a backend entry, "" when the
// entry predates role tracking.
func replicaRole(a attrs) (string, error) {
	typ, hasType := a[attrReplicaType]
	flags, hasFlags := a[attrReplicaFlags]

	if !hasType && !hasFlags {
		return "", nil
	}

	role, ok := schema.ReplicaRoleOf(strings.Join(typ, ","), strings.Join(flags, ","))
	if !ok {
		return "", fmt.Errorf("dsestore: replica type %v with flags %v matches no role", typ, flags)
	}

	return role, nil
}

func decodeValue(f schema.Field, vals []string) (schema.Value, error) {
	if f.Type == schema.TypeList {
		return schema.ListValue(vals...), nil
	}

	if len(vals) != 1 {
		return schema.Value{}, fmt.Errorf("dsestore: attribute %s has %d values, want 1", attrName(f), len(vals))
	}

	raw := vals[0]

	switch f.Type {
	case schema.TypeInt:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return schema.Value{}, fmt.Errorf("dsestore: attribute %s: %w", attrName(f), err)
		}

		return schema.IntValue(n), nil
	case schema.TypeBool:
		switch strings.ToLower(raw) {
		case "on", "true", "yes", "1":
			return schema.BoolValue(true), nil
		case "off", "false", "no", "0":
			return schema.BoolValue(false), nil
		default:
			return schema.Value{}, fmt.Errorf("dsestore: attribute %s: %q is not a boolean", attrName(f), raw)
		}
	default:
		return schema.StringValue(raw), nil
	}
}

func (a attrs) marshal() (string, error) {
	b, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("dsestore: encoding attributes: %w", err)
	}

	return string(b), nil
}

func unmarshalAttrs(s string) (attrs, error) {
	a := make(attrs)
	if err := json.Unmarshal([]byte(s), &a); err != nil {
		return nil, fmt.Errorf("dsestore: decoding attributes: %w", err)
	}

	return a, nil
}
