// Package reconcile compares a desired tree against the actual tree read
// from a server and produces the ordered action plan that converges one to
// the other. The planner is pure: it performs no I/O and never mutates its
// inputs.
package reconcile

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/dsconverge/dsconverge/internal/schema"
	"github.com/dsconverge/dsconverge/internal/tree"
)

// Planning errors. All are fatal to the run and reported before any
// mutation.
var (
	ErrOrphanEntity           = errors.New("reconcile: orphan entity")
	ErrImmutableFieldConflict = errors.New("reconcile: immutable field conflict")
)

// ActionKind is the structural change an action performs.
type ActionKind int

// Action kinds.
const (
	ActionCreate ActionKind = iota + 1
	ActionUpdate
	ActionDelete
)

func (k ActionKind) String() string {
	switch k {
	case ActionCreate:
		return "create"
	case ActionUpdate:
		return "update"
	case ActionDelete:
		return "delete"
	default:
		return fmt.Sprintf("action(%d)", int(k))
	}
}

// Action is one step of a plan.
type Action struct {
	Kind ActionKind
	Path tree.Path
	// Fields is the full field set for a Create and the delta for an
	// Update. It is nil for a Delete.
	Fields map[string]schema.Value
	// Offline actions must run while the owning instance is quiesced.
	Offline bool
	// Reason is a short human-readable explanation for logs and plan
	// output.
	Reason string
}

// FieldNames returns the action's field names in sorted order.
func (a *Action) FieldNames() []string {
	return slices.Sorted(maps.Keys(a.Fields))
}

func (a *Action) String() string {
	if a.Kind == ActionDelete {
		return fmt.Sprintf("%s %s", a.Kind, a.Path)
	}

	return fmt.Sprintf("%s %s [%s]", a.Kind, a.Path, strings.Join(a.FieldNames(), ","))
}

// Plan is the ordered action list produced by the Planner. Deps[i] holds
// the indices of the actions that must complete before Actions[i] starts.
type Plan struct {
	ID      string
	Actions []Action
	Deps    [][]int
}

// Empty reports whether the plan has no actions.
func (p *Plan) Empty() bool { return len(p.Actions) == 0 }

// Summary counts the actions of a plan per kind.
type Summary struct {
	Creates int
	Updates int
	Deletes int
}

// Total returns the number of actions.
func (s Summary) Total() int { return s.Creates + s.Updates + s.Deletes }

func (s Summary) String() string {
	return fmt.Sprintf("%d to create, %d to update, %d to delete", s.Creates, s.Updates, s.Deletes)
}

// Summary returns per-kind action counts.
func (p *Plan) Summary() Summary {
	var s Summary

	for i := range p.Actions {
		switch p.Actions[i].Kind {
		case ActionCreate:
			s.Creates++
		case ActionUpdate:
			s.Updates++
		case ActionDelete:
			s.Deletes++
		}
	}

	return s
}
