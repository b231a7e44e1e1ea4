package reconcile

import (
	"slices"

	"github.com/dsconverge/dsconverge/internal/tree"
)

// buildDependencies computes dependency edges for a flat action list.
// Returns deps where deps[i] contains the indices that action i depends on.
// Rules: (1) a create or update waits for the create or update of its
// parent, (2) a delete waits for the deletes of its children, (3) a create
// waits for the delete of the same path when a key change recreates it,
// (4) a later update of a path waits for the earlier one.
func buildDependencies(actions []Action) [][]int {
	deps := make([][]int, len(actions))

	upsertIdx := make(map[tree.Path]int)
	prevUpsert := make(map[int]int)
	deleteIdx := make(map[tree.Path]int)
	childDeletes := make(map[tree.Path][]int)

	for i := range actions {
		a := &actions[i]

		switch a.Kind {
		case ActionCreate, ActionUpdate:
			if j, ok := upsertIdx[a.Path]; ok {
				prevUpsert[i] = j
			}

			upsertIdx[a.Path] = i
		case ActionDelete:
			deleteIdx[a.Path] = i

			if parent, ok := a.Path.Parent(); ok {
				childDeletes[parent] = append(childDeletes[parent], i)
			}
		}
	}

	for i := range actions {
		a := &actions[i]

		switch a.Kind {
		case ActionCreate, ActionUpdate:
			if parent, ok := a.Path.Parent(); ok {
				if j, ok := upsertIdx[parent]; ok {
					deps[i] = append(deps[i], j)
				}
			}

			if j, ok := deleteIdx[a.Path]; ok && a.Kind == ActionCreate {
				deps[i] = append(deps[i], j)
			}

			if j, ok := prevUpsert[i]; ok {
				deps[i] = append(deps[i], j)
			}
		case ActionDelete:
			deps[i] = append(deps[i], childDeletes[a.Path]...)
		}

		slices.Sort(deps[i])
	}

	return deps
}
