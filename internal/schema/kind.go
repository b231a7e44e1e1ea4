// Package schema holds the static description of every configuration entity
// kind managed by dsconverge: the fields each kind recognizes, their types,
// create-time defaults, allowed values, and the flags that drive planning
// (immutable, offline, create-only, hidden). The registry is built once at
// package init and never mutated afterwards.
package schema

import (
	"fmt"
	"strings"
)

// Kind identifies one level of the entity hierarchy.
type Kind int

// Entity kinds, ordered from the top of the hierarchy down. The zero value
// is deliberately invalid so an uninitialized path never aliases an instance.
const (
	KindInstance Kind = iota + 1
	KindBackend
	KindIndex
	KindAgreement
)

// Kinds lists every entity kind in hierarchy order.
var Kinds = []Kind{KindInstance, KindBackend, KindIndex, KindAgreement}

func (k Kind) String() string {
	switch k {
	case KindInstance:
		return "instance"
	case KindBackend:
		return "backend"
	case KindIndex:
		return "index"
	case KindAgreement:
		return "agmt"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Collection returns the key under which children of this kind are listed
// in a desired-state document ("backends", "indexes", "agmts").
func (k Kind) Collection() string {
	switch k {
	case KindInstance:
		return "instances"
	case KindBackend:
		return "backends"
	case KindIndex:
		return "indexes"
	case KindAgreement:
		return "agmts"
	default:
		return ""
	}
}

// ChildKinds returns the kinds that may appear directly under k.
func (k Kind) ChildKinds() []Kind {
	switch k {
	case KindInstance:
		return []Kind{KindBackend}
	case KindBackend:
		return []Kind{KindIndex, KindAgreement}
	default:
		return nil
	}
}

// State is the lifecycle state requested for an entity.
type State int

// Lifecycle states. StateUnset means the document did not mention a state;
// the planner treats it like StateUpdated.
const (
	StateUnset State = iota
	StatePresent
	StateUpdated
	StateAbsent
)

func (s State) String() string {
	switch s {
	case StatePresent:
		return "present"
	case StateUpdated:
		return "updated"
	case StateAbsent:
		return "absent"
	default:
		return ""
	}
}

// ParseState converts a document value into a State. The empty string
// yields StateUnset.
func ParseState(s string) (State, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return StateUnset, nil
	case "present":
		return StatePresent, nil
	case "updated":
		return StateUpdated, nil
	case "absent":
		return StateAbsent, nil
	default:
		return StateUnset, &ViolationError{
			Field:  "state",
			Reason: fmt.Sprintf("value %q is not one of present, updated, absent", s),
		}
	}
}
