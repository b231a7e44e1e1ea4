// Package facts reports the state a reconciliation run produced: the
// resulting entity tree, encoded in the same shape as a desired-state
// document, plus the run's verdict.
package facts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"

	"gopkg.in/yaml.v3"

	"github.com/dsconverge/dsconverge/internal/apply"
	"github.com/dsconverge/dsconverge/internal/desired"
	"github.com/dsconverge/dsconverge/internal/live"
	"github.com/dsconverge/dsconverge/internal/reconcile"
	"github.com/dsconverge/dsconverge/internal/schema"
	"github.com/dsconverge/dsconverge/internal/tree"
)

// Project returns a copy of actual with the end state of every applied
// action of plan folded in. Failed and skipped actions leave actual as it
// was. report must be the result of applying plan.
func Project(actual *tree.Tree, plan *reconcile.Plan, report *apply.Report) (*tree.Tree, error) {
	out := actual.Clone()

	for i := range plan.Actions {
		if i >= len(report.Results) || report.Results[i].Outcome != apply.Applied {
			continue
		}

		if err := project(out, &plan.Actions[i]); err != nil {
			return nil, err
		}
	}

	return out, nil
}

func project(t *tree.Tree, a *reconcile.Action) error {
	switch a.Kind {
	case reconcile.ActionCreate:
		fields := make(map[string]schema.Value, len(a.Fields))

		for name, v := range a.Fields {
			if f, ok := schema.Lookup(a.Path.Kind, name); ok && f.CreateOnly {
				continue
			}

			fields[name] = v
		}

		if err := t.Insert(&tree.Entity{Path: a.Path, State: schema.StatePresent, Fields: fields}); err != nil {
			return fmt.Errorf("facts: projecting %s: %w", a, err)
		}
	case reconcile.ActionUpdate:
		e, err := t.Lookup(a.Path)
		if err != nil {
			return fmt.Errorf("facts: projecting %s: %w", a, err)
		}

		if a.Path.Kind == schema.KindBackend && schema.ClearsReplicaID(a.Fields) {
			delete(e.Fields, "replicaid")
		}

		maps.Copy(e.Fields, a.Fields)
	case reconcile.ActionDelete:
		if err := t.Remove(a.Path); err != nil && !errors.Is(err, tree.ErrNotFound) {
			return fmt.Errorf("facts: projecting %s: %w", a, err)
		}
	}

	return nil
}

// Requery reads the state back from the server.
func Requery(ctx context.Context, loader *live.Loader) (*tree.Tree, error) {
	t, err := loader.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("facts: requery: %w", err)
	}

	return t, nil
}

// Node is one entity of a Document: its fields plus its child collections.
type Node map[string]any

// Document is a tree rendered in the long desired-state layout. Decoding
// it with desired.Decode yields the tree it was encoded from, less hidden
// fields.
type Document struct {
	Instances map[string]Node `json:"instances" yaml:"instances"`
}

// Encode renders t as a Document. Hidden fields are left out.
func Encode(t *tree.Tree) Document {
	doc := Document{Instances: make(map[string]Node)}

	for _, e := range t.Children(tree.Path{}) {
		doc.Instances[e.Path.Name] = encodeNode(t, e, false)
	}

	return doc
}

func encodeNode(t *tree.Tree, e *tree.Entity, named bool) Node {
	n := make(Node, len(e.Fields)+1)

	if named {
		n["name"] = e.Path.Name
	}

	for name, v := range e.Fields {
		if f, ok := schema.Lookup(e.Path.Kind, name); ok && f.Hidden {
			continue
		}

		n[name] = v.Interface()
	}

	for _, ck := range e.Path.Kind.ChildKinds() {
		var items []Node

		for _, c := range t.Children(e.Path) {
			if c.Path.Kind == ck {
				items = append(items, encodeNode(t, c, true))
			}
		}

		if len(items) > 0 {
			n[ck.Collection()] = items
		}
	}

	return n
}

// Write serializes a Document or Verdict in the given format.
func Write(w io.Writer, v any, format desired.Format) error {
	if format == desired.FormatJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")

		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("facts: encoding json: %w", err)
		}

		return nil
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)

	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("facts: encoding yaml: %w", err)
	}

	return enc.Close()
}

// IncompleteVerdict is the verdict of a run whose resulting state could
// not be derived. The report's failures are still listed.
func IncompleteVerdict(report *apply.Report, err error) Verdict {
	v := NewVerdict(report, nil)
	v.FactsError = err.Error()

	return v
}

// Failure describes one failed action in a Verdict.
type Failure struct {
	Path  string `json:"path" yaml:"path"`
	Kind  string `json:"kind" yaml:"kind"`
	Error string `json:"error" yaml:"error"`
}

// Verdict is the outcome of one run as reported to callers.
type Verdict struct {
	Changed  bool      `json:"changed" yaml:"changed"`
	Facts    Document  `json:"facts" yaml:"facts"`
	Failures []Failure `json:"failures" yaml:"failures"`
	// FactsError is set when the resulting state could not be derived.
	// Facts is then empty.
	FactsError string `json:"facts_error,omitempty" yaml:"facts_error,omitempty"`
}

// NewVerdict builds the verdict of a run. Changed is set when at least one
// action applied.
func NewVerdict(report *apply.Report, result *tree.Tree) Verdict {
	v := Verdict{
		Changed:  report.Count(apply.Applied) > 0,
		Facts:    Document{Instances: map[string]Node{}},
		Failures: []Failure{},
	}

	if result != nil {
		v.Facts = Encode(result)
	}

	for _, r := range report.Failures() {
		v.Failures = append(v.Failures, Failure{
			Path:  r.Path.String(),
			Kind:  r.Kind.String(),
			Error: r.Err.Error(),
		})
	}

	return v
}
