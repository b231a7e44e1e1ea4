package reconcile

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsconverge/dsconverge/internal/desired"
	"github.com/dsconverge/dsconverge/internal/schema"
	"github.com/dsconverge/dsconverge/internal/tree"
)

// testLogger returns a debug-level logger that writes to t.Log,
// so all activity appears in CI output.
func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(&testLogWriter{t: t}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

type testLogWriter struct {
	t *testing.T
}

func (w *testLogWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(p))

	return len(p), nil
}

// mustDecode builds a tree from a YAML document.
func mustDecode(t *testing.T, doc string) *tree.Tree {
	t.Helper()

	tr, err := desired.Decode(strings.NewReader(doc), desired.FormatYAML)
	require.NoError(t, err)

	return tr
}

// actualTree builds an actual-state tree from a YAML document. Actual
// trees are always in merge mode and every entity is present.
func actualTree(t *testing.T, doc string) *tree.Tree {
	t.Helper()

	tr := mustDecode(t, doc)
	tr.SetMode(tree.ModeMerge)

	for _, e := range tr.Walk() {
		e.State = schema.StatePresent
	}

	return tr
}

func plan(t *testing.T, desiredDoc, actualDoc string) *Plan {
	t.Helper()

	p, err := NewPlanner(testLogger(t)).Plan(mustDecode(t, desiredDoc), actualTree(t, actualDoc))
	require.NoError(t, err)
	assertPlanWellFormed(t, p)

	return p
}

// describe renders actions as "create i1" strings for compact assertions.
func describe(p *Plan) []string {
	out := make([]string, 0, len(p.Actions))
	for i := range p.Actions {
		out = append(out, p.Actions[i].Kind.String()+" "+p.Actions[i].Path.String())
	}

	return out
}

func indexOf(p *Plan, kind ActionKind, path tree.Path) int {
	for i := range p.Actions {
		if p.Actions[i].Kind == kind && p.Actions[i].Path == path {
			return i
		}
	}

	return -1
}

// assertPlanWellFormed checks the ordering guarantees every plan must
// satisfy: creates/updates parent-before-child, deletes child-before-parent,
// and dependency edges pointing only at earlier actions.
func assertPlanWellFormed(t *testing.T, p *Plan) {
	t.Helper()

	require.Len(t, p.Deps, len(p.Actions))
	assert.NotEmpty(t, p.ID)

	for i, deps := range p.Deps {
		for _, j := range deps {
			assert.Less(t, j, i, "action %d (%s) depends on later action %d", i, &p.Actions[i], j)
		}
	}

	for i := range p.Actions {
		a := &p.Actions[i]

		for j := range p.Actions {
			b := &p.Actions[j]

			switch {
			case a.Kind != ActionDelete && b.Kind != ActionDelete && a.Path.IsAncestorOf(b.Path):
				assert.Less(t, i, j, "%s must precede %s", a, b)
			case a.Kind == ActionDelete && b.Kind == ActionDelete && a.Path.IsAncestorOf(b.Path):
				assert.Greater(t, i, j, "%s must follow %s", a, b)
			case a.Kind == ActionDelete && b.Kind == ActionCreate && a.Path == b.Path:
				assert.Less(t, i, j, "%s must precede %s", a, b)
			}
		}
	}
}

func TestPlan_ScenarioCreateFromNothing(t *testing.T) {
	t.Parallel()

	p := plan(t, `
i1:
  state: present
  port: 38901
  backends:
    - name: userroot
      suffix: dc=example,dc=com
      state: present
`, ``)

	assert.Equal(t, []string{"create i1", "create i1.userroot"}, describe(p))
	assert.Equal(t, [][]int{nil, {0}}, p.Deps)

	i1 := p.Actions[0]
	assert.Equal(t, int64(38901), i1.Fields["port"].Int())
	assert.Equal(t, int64(636), i1.Fields["secure_port"].Int(), "defaults fill unset fields on create")
	assert.False(t, i1.Offline)

	be := p.Actions[1]
	assert.Equal(t, "dc=example,dc=com", be.Fields["suffix"].Str())
	assert.Equal(t, "none", be.Fields["replicarole"].Str())
}

func TestPlan_ScenarioAbsentInstance(t *testing.T) {
	t.Parallel()

	p := plan(t, `
i1:
  state: absent
`, `
i1:
  backends:
    - {name: userroot, suffix: "dc=example,dc=com"}
    - {name: second, suffix: "dc=second,dc=com"}
`)

	require.Len(t, p.Actions, 3)
	assert.ElementsMatch(t, []string{"delete i1.userroot", "delete i1.second"}, describe(p)[:2])
	assert.Equal(t, "delete i1", describe(p)[2])
	assert.ElementsMatch(t, []int{0, 1}, p.Deps[2])
	assert.True(t, p.Actions[2].Offline, "instance delete runs quiesced")
	assert.Equal(t, Summary{Deletes: 3}, p.Summary())
}

func TestPlan_ScenarioPartialUpdate(t *testing.T) {
	t.Parallel()

	p := plan(t, `
i1:
  port: 38901
`, `
i1:
  port: 389
  secure_port: 636
`)

	require.Equal(t, []string{"update i1"}, describe(p))
	assert.Equal(t, []string{"port"}, p.Actions[0].FieldNames())
	assert.Equal(t, int64(38901), p.Actions[0].Fields["port"].Int())
}

func TestPlan_PresentNeverModifies(t *testing.T) {
	t.Parallel()

	p := plan(t, `
i1:
  state: present
  port: 38901
`, `
i1:
  port: 389
`)

	assert.True(t, p.Empty())
}

func TestPlan_UpdatedModifies(t *testing.T) {
	t.Parallel()

	p := plan(t, `
i1:
  state: updated
  port: 38901
  backends:
    - name: userroot
      state: updated
      entry_cache_size: 1000
`, `
i1:
  port: 389
  backends:
    - {name: userroot, suffix: "dc=example,dc=com", entry_cache_size: 10}
`)

	assert.Equal(t, []string{"update i1", "update i1.userroot"}, describe(p))
	assert.Equal(t, [][]int{nil, {0}}, p.Deps)
}

func TestPlan_NoChangeIsEmpty(t *testing.T) {
	t.Parallel()

	doc := `
i1:
  port: 389
  backends:
    - name: userroot
      suffix: dc=example,dc=com
      indexes:
        - {name: cn, indextype: [eq, pres]}
`
	p := plan(t, doc, `
i1:
  port: 389
  secure_port: 636
  backends:
    - name: userroot
      suffix: DC=Example,DC=Com
      indexes:
        - {name: cn, indextype: "pres eq"}
`)

	assert.True(t, p.Empty(), "got %v", describe(p))
}

func TestPlan_PartialityNeverTouchesUnsetFields(t *testing.T) {
	t.Parallel()

	p := plan(t, `
i1:
  port: 1
  backends:
    - name: userroot
      readonly: true
`, `
i1:
  port: 389
  secure_port: 636
  ldif_dir: /var/ldif
  nsslapd_lookthroughlimit: 1
  backends:
    - {name: userroot, suffix: "dc=example,dc=com", readonly: false, entry_cache_size: 5}
`)

	require.Len(t, p.Actions, 2)
	assert.Equal(t, []string{"port"}, p.Actions[0].FieldNames())
	assert.Equal(t, []string{"readonly"}, p.Actions[1].FieldNames())
}

func TestPlan_SuffixChangeRecreates(t *testing.T) {
	t.Parallel()

	p := plan(t, `
i1:
  backends:
    - name: userroot
      suffix: dc=new,dc=com
      state: present
      indexes:
        - {name: uid, indextype: eq}
`, `
i1:
  backends:
    - name: userroot
      suffix: dc=old,dc=com
      entry_cache_size: 42
      indexes:
        - {name: cn, indextype: [eq, sub]}
        - {name: uid, indextype: pres}
`)

	for i := range p.Actions {
		if p.Actions[i].Kind == ActionUpdate {
			assert.NotContains(t, p.Actions[i].Fields, "suffix", "suffix must never be updated in place")
		}
	}

	be := tree.BackendPath("i1", "userroot")
	del := indexOf(p, ActionDelete, be)
	create := indexOf(p, ActionCreate, be)

	require.GreaterOrEqual(t, del, 0)
	require.Greater(t, create, del)
	assert.Contains(t, p.Deps[create], del)

	created := p.Actions[create]
	assert.Equal(t, "dc=new,dc=com", created.Fields["suffix"].Str())
	assert.Equal(t, int64(42), created.Fields["entry_cache_size"].Int(), "existing settings carry over")

	// Merge mode keeps the unlisted cn index; uid takes its desired type.
	cn := indexOf(p, ActionCreate, tree.IndexPath("i1", "userroot", "cn"))
	uid := indexOf(p, ActionCreate, tree.IndexPath("i1", "userroot", "uid"))
	require.Greater(t, cn, create)
	require.Greater(t, uid, create)
	assert.Equal(t, []string{"eq"}, p.Actions[uid].Fields["indextype"].List())
	assert.Equal(t, Summary{Creates: 3, Deletes: 3}, p.Summary())
}

func TestPlan_SuffixChangeOverwriteDropsUnlisted(t *testing.T) {
	t.Parallel()

	p := plan(t, `
state: updated
instances:
  i1:
    backends:
      - {name: userroot, suffix: "dc=new,dc=com"}
`, `
i1:
  backends:
    - name: userroot
      suffix: dc=old,dc=com
      indexes:
        - {name: cn, indextype: eq}
`)

	assert.Equal(t, -1, indexOf(p, ActionCreate, tree.IndexPath("i1", "userroot", "cn")))
	assert.Equal(t, Summary{Creates: 1, Deletes: 2}, p.Summary())
}

func TestPlan_ImmutableFieldConflict(t *testing.T) {
	t.Parallel()

	_, err := NewPlanner(testLogger(t)).Plan(mustDecode(t, "i1: {db_lib: mdb}\n"), actualTree(t, "i1: {db_lib: bdb}\n"))
	require.ErrorIs(t, err, ErrImmutableFieldConflict)
	assert.Contains(t, err.Error(), "db_lib")

	// Recording it for the first time is an ordinary update.
	p := plan(t, "i1: {db_lib: mdb}\n", "i1: {port: 389}\n")
	assert.Equal(t, []string{"update i1"}, describe(p))
}

func TestPlan_ReusedSuffixIsDuplicateKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		desired string
		actual  string
	}{
		{
			name:    "unlisted live backend keeps its suffix",
			desired: "i1: {backends: [{name: new, suffix: dc=x}]}\n",
			actual:  "i1: {backends: [{name: old, suffix: dc=x}]}\n",
		},
		{
			name:    "suffix compared normalized",
			desired: "i1: {backends: [{name: new, suffix: \"DC=X\"}]}\n",
			actual:  "i1: {backends: [{name: old, suffix: dc=x}]}\n",
		},
		{
			name: "recreated backend moves onto a live suffix",
			desired: `
i1:
  backends:
    - {name: a, suffix: dc=y}
`,
			actual: `
i1:
  backends:
    - {name: a, suffix: dc=x}
    - {name: b, suffix: dc=y}
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := NewPlanner(testLogger(t)).Plan(mustDecode(t, tt.desired), actualTree(t, tt.actual))
			require.ErrorIs(t, err, tree.ErrDuplicateKey)
		})
	}
}

func TestPlan_SuffixFreedByDeleteCanBeReused(t *testing.T) {
	t.Parallel()

	p := plan(t, `
i1:
  backends:
    - {name: old, state: absent}
    - {name: new, suffix: dc=x}
`, "i1: {backends: [{name: old, suffix: dc=x}]}\n")
	assert.Equal(t, []string{"delete i1.old", "create i1.new"}, describe(p))

	p = plan(t, "state: overwrite\ninstances: {i1: {backends: [{name: new, suffix: dc=x}]}}\n",
		"i1: {backends: [{name: old, suffix: dc=x}]}\n")
	assert.Equal(t, []string{"delete i1.old", "create i1.new"}, describe(p))

	// Other instances do not count.
	p = plan(t, "i2: {backends: [{name: new, suffix: dc=x}]}\n", "i1: {backends: [{name: old, suffix: dc=x}]}\n")
	assert.Equal(t, []string{"create i2", "create i2.new"}, describe(p))
}

func TestPlan_ReplicaIDMustFitRole(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		desired string
		actual  string
	}{
		{
			name:    "supplier created without id",
			desired: "i1: {backends: [{name: be, suffix: dc=x, replicarole: supplier}]}\n",
			actual:  "i1: {}\n",
		},
		{
			name:    "hub created with id",
			desired: "i1: {backends: [{name: be, suffix: dc=x, replicarole: hub, replicaid: 3}]}\n",
			actual:  "i1: {}\n",
		},
		{
			name:    "promoted without id",
			desired: "i1: {backends: [{name: be, replicarole: supplier}]}\n",
			actual:  "i1: {backends: [{name: be, suffix: dc=x, replicarole: hub}]}\n",
		},
		{
			name:    "id on a standalone backend",
			desired: "i1: {backends: [{name: be, replicaid: 2}]}\n",
			actual:  "i1: {backends: [{name: be, suffix: dc=x}]}\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := NewPlanner(testLogger(t)).Plan(mustDecode(t, tt.desired), actualTree(t, tt.actual))
			require.ErrorIs(t, err, schema.ErrSchemaViolation)
			assert.Contains(t, err.Error(), "replicaid")
		})
	}
}

func TestPlan_ReplicaRoleTransitions(t *testing.T) {
	t.Parallel()

	supplier := "i1: {backends: [{name: be, suffix: dc=x, replicarole: supplier, replicaid: 1}]}\n"
	be := tree.BackendPath("i1", "be")

	// Promotion carries the new id in one update.
	p := plan(t, "i1: {backends: [{name: be, replicarole: supplier, replicaid: 4}]}\n",
		"i1: {backends: [{name: be, suffix: dc=x, replicarole: hub}]}\n")
	require.Len(t, p.Actions, 1)
	assert.Equal(t, "promote replica hub -> supplier", p.Actions[0].Reason)
	assert.Equal(t, schema.IntValue(4), p.Actions[0].Fields["replicaid"])

	// Demotion drops the id without naming it.
	p = plan(t, "i1: {backends: [{name: be, replicarole: consumer}]}\n", supplier)
	require.Len(t, p.Actions, 1)
	assert.Equal(t, "demote replica supplier -> consumer", p.Actions[0].Reason)
	assert.Equal(t, []string{"replicarole"}, p.Actions[0].FieldNames())

	// A new id on a supplier is a demotion to hub followed by a promotion.
	p = plan(t, "i1: {backends: [{name: be, replicaid: 2, readonly: true}]}\n", supplier)
	assert.Equal(t, []string{"update i1.be", "update i1.be"}, describe(p))
	assert.Equal(t, map[string]schema.Value{"replicarole": schema.StringValue("hub")}, p.Actions[0].Fields)
	assert.Equal(t, []string{"readonly", "replicaid", "replicarole"}, p.Actions[1].FieldNames())
	assert.Equal(t, schema.StringValue("supplier"), p.Actions[1].Fields["replicarole"])
	assert.Equal(t, []int{0}, p.Deps[1])
	assert.Equal(t, be, p.Actions[1].Path)
}

func TestPlan_ReplicaIDChangeOrdersChildren(t *testing.T) {
	t.Parallel()

	p := plan(t, `
i1:
  backends:
    - name: be
      replicaid: 2
      indexes:
        - {name: cn, indextype: eq}
`, "i1: {backends: [{name: be, suffix: dc=x, replicarole: supplier, replicaid: 1}]}\n")

	require.Equal(t, []string{"update i1.be", "update i1.be", "create i1.be.cn"}, describe(p))
	assert.Equal(t, []int{1}, p.Deps[2], "children wait for the promotion")
}

func TestPlan_DeleteOrderingDeepSubtree(t *testing.T) {
	t.Parallel()

	p := plan(t, `
i1:
  backends:
    - name: userroot
      state: absent
`, `
i1:
  backends:
    - name: userroot
      suffix: dc=example,dc=com
      indexes:
        - {name: cn, indextype: eq}
        - {name: uid, indextype: eq}
      agmts:
        - {name: to-s2, replicahost: s2}
`)

	require.Len(t, p.Actions, 4)
	assert.Equal(t, "delete i1.userroot", describe(p)[3])

	for i := range 3 {
		assert.Equal(t, ActionDelete, p.Actions[i].Kind)
		assert.Equal(t, 3, p.Actions[i].Path.Depth())
	}

	assert.Equal(t, []int{0, 1, 2}, p.Deps[3])
	assert.False(t, p.Actions[3].Offline)
}

func TestPlan_ModeOverwriteRemovesUnlisted(t *testing.T) {
	t.Parallel()

	actual := `
i1:
  backends:
    - {name: userroot, suffix: "dc=example,dc=com"}
    - {name: legacy, suffix: "dc=legacy,dc=com"}
i2: {}
`

	merge := plan(t, "i1: {}\n", actual)
	assert.True(t, merge.Empty())

	overwrite := plan(t, `
state: overwrite
instances:
  i1:
    backends:
      - name: userroot
`, actual)
	assert.Equal(t, []string{"delete i2", "delete i1.legacy"}, describe(overwrite))
}

func TestPlan_ModeAbsentRemovesEverything(t *testing.T) {
	t.Parallel()

	p := plan(t, `
state: absent
instances:
  i1: {port: 1}
`, `
i1:
  backends:
    - {name: userroot, suffix: "dc=example,dc=com"}
i2: {}
`)

	assert.Equal(t, []string{"delete i2", "delete i1.userroot", "delete i1"}, describe(p))
}

func TestPlan_UpdateOfDeletedEntityDiscarded(t *testing.T) {
	t.Parallel()

	p := plan(t, `
i1:
  state: absent
  port: 1
`, `
i1: {port: 389}
`)

	assert.Equal(t, []string{"delete i1"}, describe(p))
}

func TestPlan_OrphanEntity(t *testing.T) {
	t.Parallel()

	_, err := NewPlanner(testLogger(t)).Plan(mustDecode(t, `
i1:
  state: absent
  backends:
    - {name: userroot, state: present, suffix: "dc=example,dc=com"}
`), tree.New(tree.ModeMerge))
	assert.ErrorIs(t, err, ErrOrphanEntity)

	// Without an explicit state the child is ignored along with its parent.
	p := plan(t, `
i1:
  state: absent
  backends:
    - {name: userroot, suffix: "dc=example,dc=com"}
`, ``)
	assert.True(t, p.Empty())
}

func TestPlan_MissingRequiredOnCreate(t *testing.T) {
	t.Parallel()

	_, err := NewPlanner(testLogger(t)).Plan(mustDecode(t, `
i1:
  backends:
    - name: userroot
      indexes:
        - {name: cn}
`), tree.New(tree.ModeMerge))
	require.ErrorIs(t, err, schema.ErrSchemaViolation)
	assert.Contains(t, err.Error(), "i1.userroot")
	assert.Contains(t, err.Error(), "suffix")
}

func TestPlan_RejectsMistypedFields(t *testing.T) {
	t.Parallel()

	d := tree.New(tree.ModeMerge)
	require.NoError(t, d.Insert(&tree.Entity{
		Path:   tree.InstancePath("i1"),
		Fields: map[string]schema.Value{"port": schema.StringValue("389"), "bogus": schema.IntValue(1)},
	}))

	_, err := NewPlanner(testLogger(t)).Plan(d, tree.New(tree.ModeMerge))
	require.ErrorIs(t, err, schema.ErrSchemaViolation)
	assert.Contains(t, err.Error(), "bogus")
	assert.Contains(t, err.Error(), "expected int, got string")
}

func TestPlan_CreateOnlyFieldsNeverUpdated(t *testing.T) {
	t.Parallel()

	p := plan(t, `
i1:
  self_sign_cert: false
  backends:
    - {name: userroot, sample_entries: true}
`, `
i1:
  backends:
    - {name: userroot, suffix: "dc=example,dc=com"}
`)

	assert.True(t, p.Empty(), "got %v", describe(p))
}

func TestPlan_OfflineFields(t *testing.T) {
	t.Parallel()

	p := plan(t, `
i1:
  db_dir: /srv/db
  port: 1
i2:
  port: 2
`, `
i1: {}
i2: {}
`)

	require.Len(t, p.Actions, 2)
	assert.True(t, p.Actions[0].Offline)
	assert.False(t, p.Actions[1].Offline)
}

// randomTrees produces a desired/actual pair over a small key space so the
// planner sees every combination of create, update, delete and recreate.
func randomTrees(t *testing.T, r *rand.Rand) (*tree.Tree, *tree.Tree) {
	t.Helper()

	states := []schema.State{schema.StateUnset, schema.StatePresent, schema.StateUpdated, schema.StateAbsent}
	modes := []tree.Mode{tree.ModeMerge, tree.ModeOverwrite}

	build := func(mode tree.Mode, withStates bool) *tree.Tree {
		tr := tree.New(mode)

		for _, inst := range []string{"i1", "i2"} {
			if r.IntN(4) == 0 {
				continue
			}

			state := schema.StateUnset
			if withStates {
				state = states[r.IntN(len(states))]
			}

			require.NoError(t, tr.Insert(&tree.Entity{
				Path:   tree.InstancePath(inst),
				State:  state,
				Fields: map[string]schema.Value{"port": schema.IntValue(int64(389 + r.IntN(2)))},
			}))

			for bi, be := range []string{"a", "b"} {
				if r.IntN(3) == 0 {
					continue
				}

				bp := tree.BackendPath(inst, be)
				beState := schema.StateUnset
				if withStates && state != schema.StateAbsent {
					beState = states[r.IntN(len(states))]
				}

				require.NoError(t, tr.Insert(&tree.Entity{
					Path:  bp,
					State: beState,
					Fields: map[string]schema.Value{
						"suffix": schema.StringValue(fmt.Sprintf("dc=%s%d", be, r.IntN(2)+bi*10)),
					},
				}))

				for _, idx := range []string{"cn", "uid"} {
					if r.IntN(2) == 0 {
						continue
					}

					idxState := schema.StateUnset
					if withStates && beState != schema.StateAbsent {
						idxState = states[r.IntN(len(states))]
					}

					require.NoError(t, tr.Insert(&tree.Entity{
						Path:   tree.IndexPath(inst, be, idx),
						State:  idxState,
						Fields: map[string]schema.Value{"indextype": schema.ListValue([]string{"eq", "pres"}[r.IntN(2)])},
					}))
				}
			}
		}

		return tr
	}

	return build(modes[r.IntN(len(modes))], true), build(tree.ModeMerge, false)
}

func TestPlan_OrderingHoldsForGeneratedTrees(t *testing.T) {
	t.Parallel()

	r := rand.New(rand.NewPCG(1, 2))
	planner := NewPlanner(slog.New(slog.DiscardHandler))

	for i := range 300 {
		d, a := randomTrees(t, r)

		p, err := planner.Plan(d, a)
		require.NoError(t, err, "iteration %d", i)
		assertPlanWellFormed(t, p)

		for j := range p.Actions {
			act := &p.Actions[j]
			if act.Kind != ActionUpdate {
				continue
			}

			e, err := d.Lookup(act.Path)
			require.NoError(t, err)

			for name := range act.Fields {
				assert.Contains(t, e.Fields, name, "update of %s carries unset field", act.Path)
			}
		}
	}
}
