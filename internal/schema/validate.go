package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/dsconverge/dsconverge/internal/suggest"
)

// ErrSchemaViolation is matched by every *ViolationError.
var ErrSchemaViolation = errors.New("schema violation")

// ViolationError identifies the offending field and the reason a raw value
// was rejected.
type ViolationError struct {
	Kind       Kind
	Entity     string // entity path, filled in by callers that know it
	Field      string
	Reason     string
	Suggestion string
}

func (e *ViolationError) Error() string {
	var b strings.Builder

	b.WriteString("schema violation")

	if e.Entity != "" {
		fmt.Fprintf(&b, " in %s %s", e.Kind, e.Entity)
	} else if e.Kind != 0 {
		fmt.Fprintf(&b, " in %s", e.Kind)
	}

	if e.Field != "" {
		fmt.Fprintf(&b, ": field %q", e.Field)
	}

	fmt.Fprintf(&b, ": %s", e.Reason)

	if e.Suggestion != "" {
		fmt.Fprintf(&b, " (did you mean %q?)", e.Suggestion)
	}

	return b.String()
}

// Is makes errors.Is(err, ErrSchemaViolation) hold for every violation.
func (e *ViolationError) Is(target error) bool {
	return target == ErrSchemaViolation
}

var oidPattern = regexp.MustCompile(`^[0-9]+(\.[0-9]+)+$`)

// CanonicalName folds a document key into registry form: NFC-normalized,
// case-insensitive and with "-" equivalent to "_". A Caser is stateful, so
// each call gets its own.
func CanonicalName(key string) string {
	key = norm.NFC.String(strings.TrimSpace(key))

	return strings.ReplaceAll(cases.Fold().String(key), "-", "_")
}

// Validate converts a raw field mapping into typed values for kind. Keys
// are canonicalized first. All problems are reported together so a user can
// fix a document in one pass. Nil values are ignored: an explicit null means
// "no opinion", the same as leaving the key out.
func Validate(kind Kind, raw map[string]any) (map[string]Value, error) {
	out := make(map[string]Value, len(raw))

	var errs []error

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	for _, key := range keys {
		val := raw[key]
		name := CanonicalName(key)

		field, ok := Lookup(kind, name)
		if !ok {
			errs = append(errs, &ViolationError{
				Kind:       kind,
				Field:      key,
				Reason:     "unknown field",
				Suggestion: suggest.Closest(name, knownNames(kind)),
			})

			continue
		}

		if val == nil {
			continue
		}

		v, err := Coerce(field, val)
		if err != nil {
			errs = append(errs, &ViolationError{Kind: kind, Field: name, Reason: err.Error()})
			continue
		}

		out[name] = v
	}

	if err := joinErrors(errs); err != nil {
		return nil, err
	}

	return out, nil
}

// Coerce converts a decoded YAML/JSON scalar or sequence into a Value of
// the field's type and checks it against the allowed choices.
func Coerce(field Field, raw any) (Value, error) {
	var (
		v   Value
		err error
	)

	switch field.Type {
	case TypeString:
		var s string
		s, err = coerceString(raw)
		v = StringValue(s)
	case TypeInt:
		var n int64
		n, err = coerceInt(raw)
		v = IntValue(n)
	case TypeBool:
		var b bool
		b, err = coerceBool(raw)
		v = BoolValue(b)
	case TypeList:
		var items []string
		items, err = coerceList(raw)
		v = ListValue(items...)
	default:
		return Value{}, fmt.Errorf("unsupported field type %s", field.Type)
	}

	if err != nil {
		return Value{}, err
	}

	return applyChoices(field, v)
}

// applyChoices rewrites matching values to the canonical spelling declared
// in the registry and rejects values outside the allowed set.
func applyChoices(field Field, v Value) (Value, error) {
	if field.Name == "suffix" {
		return StringValue(NormalizeDN(v.Str())), nil
	}

	if len(field.Choices) == 0 {
		return v, nil
	}

	match := func(s string) (string, bool) {
		for _, c := range field.Choices {
			if strings.EqualFold(c, s) {
				return c, true
			}
		}

		if field.AllowOID && oidPattern.MatchString(s) {
			return s, true
		}

		return "", false
	}

	switch v.Type {
	case TypeString:
		c, ok := match(v.Str())
		if !ok {
			return Value{}, fmt.Errorf("value %q is not one of %s", v.Str(), strings.Join(field.Choices, ", "))
		}

		return StringValue(c), nil
	case TypeList:
		items := v.List()
		for i, item := range items {
			c, ok := match(item)
			if !ok {
				return Value{}, fmt.Errorf("value %q is not one of %s", item, strings.Join(field.Choices, ", "))
			}

			items[i] = c
		}

		return ListValue(items...), nil
	default:
		return v, nil
	}
}

func coerceString(raw any) (string, error) {
	switch t := raw.(type) {
	case string:
		return t, nil
	case bool:
		return strconv.FormatBool(t), nil
	case json.Number:
		return t.String(), nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	default:
		if n, ok := asInt(raw); ok {
			return strconv.FormatInt(n, 10), nil
		}

		return "", fmt.Errorf("expected string, got %T", raw)
	}
}

func coerceInt(raw any) (int64, error) {
	if n, ok := asInt(raw); ok {
		return n, nil
	}

	switch t := raw.(type) {
	case float64:
		if t != math.Trunc(t) || math.IsInf(t, 0) {
			return 0, fmt.Errorf("expected integer, got %v", t)
		}

		return int64(t), nil
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n, nil
		}

		f, err := t.Float64()
		if err != nil {
			return 0, fmt.Errorf("expected integer, got %q", t)
		}

		return coerceInt(f)
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("expected integer, got %q", t)
		}

		return n, nil
	default:
		return 0, fmt.Errorf("expected integer, got %T", raw)
	}
}

// asInt handles the integer types YAML and JSON decoders produce.
func asInt(raw any) (int64, bool) {
	switch t := raw.(type) {
	case int:
		return int64(t), true
	case int32:
		return int64(t), true
	case int64:
		return t, true
	case uint:
		return int64(t), true //nolint:gosec // config values are far below MaxInt64
	case uint32:
		return int64(t), true
	case uint64:
		return int64(t), true //nolint:gosec // config values are far below MaxInt64
	default:
		return 0, false
	}
}

func coerceBool(raw any) (bool, error) {
	switch t := raw.(type) {
	case bool:
		return t, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "on", "yes", "started":
			return true, nil
		case "false", "off", "no", "stopped":
			return false, nil
		}

		return false, fmt.Errorf("expected boolean, got %q", t)
	default:
		return false, fmt.Errorf("expected boolean, got %T", raw)
	}
}

func coerceList(raw any) ([]string, error) {
	switch t := raw.(type) {
	case string:
		return strings.FieldsFunc(t, func(r rune) bool {
			return r == ',' || unicode.IsSpace(r)
		}), nil
	case []string:
		return slices.Clone(t), nil
	case []any:
		out := make([]string, 0, len(t))

		for _, item := range t {
			s, err := coerceString(item)
			if err != nil {
				return nil, fmt.Errorf("list element: %w", err)
			}

			out = append(out, s)
		}

		return out, nil
	default:
		s, err := coerceString(raw)
		if err != nil {
			return nil, fmt.Errorf("expected list, got %T", raw)
		}

		return []string{s}, nil
	}
}

// NormalizeDN lowercases a DN and strips blanks around separators so that
// equivalent suffixes compare equal.
func NormalizeDN(dn string) string {
	rdns := strings.Split(dn, ",")
	for i, rdn := range rdns {
		attr, val, ok := strings.Cut(rdn, "=")
		if !ok {
			rdns[i] = strings.ToLower(strings.TrimSpace(rdn))
			continue
		}

		rdns[i] = strings.ToLower(strings.TrimSpace(attr)) + "=" + strings.ToLower(strings.TrimSpace(val))
	}

	return strings.Join(rdns, ",")
}

func knownNames(kind Kind) []string {
	fields := Fields(kind)

	names := make([]string, 0, len(fields))
	for _, f := range fields {
		names = append(names, f.Name)
	}

	return names
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}

	return errors.Join(errs...)
}
