package reconcile

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/dsconverge/dsconverge/internal/schema"
	"github.com/dsconverge/dsconverge/internal/tree"
)

// Planner is a pure decision engine that turns a desired tree and an actual
// tree into an ordered Plan. It performs no I/O.
type Planner struct {
	logger *slog.Logger
}

// NewPlanner creates a Planner with the given logger.
func NewPlanner(logger *slog.Logger) *Planner {
	return &Planner{logger: logger}
}

// Plan diffs desired against actual. Deletes come first, child before
// parent; creates and updates follow, parent before child. Every planning
// error found is returned at once, joined, and no plan is produced.
func (p *Planner) Plan(desired, actual *tree.Tree) (*Plan, error) {
	p.logger.Info("planning reconciliation",
		slog.Int("desired_entities", desired.Len()),
		slog.Int("actual_entities", actual.Len()),
		slog.String("mode", desired.Mode().String()),
	)

	if err := validateDesired(desired); err != nil {
		return nil, err
	}

	b := &planBuilder{
		desired: desired,
		actual:  actual,
		deleted: make(map[tree.Path]string),
		created: make(map[tree.Path]bool),
		handled: make(map[tree.Path]bool),
		failed:  make(map[tree.Path]bool),
		logger:  p.logger,
	}

	b.markDeletes()
	b.walkDesired()
	b.checkSuffixes()

	if err := errors.Join(b.errs...); err != nil {
		return nil, err
	}

	actions := append(b.deleteActions(), b.upserts...)

	plan := &Plan{
		ID:      uuid.New().String(),
		Actions: actions,
		Deps:    buildDependencies(actions),
	}

	for i := range plan.Actions {
		a := &plan.Actions[i]
		p.logger.Debug("planned action",
			slog.String("action", a.Kind.String()),
			slog.String("path", a.Path.String()),
			slog.Any("fields", a.FieldNames()),
			slog.Bool("offline", a.Offline),
			slog.String("reason", a.Reason),
		)
	}

	s := plan.Summary()
	p.logger.Info("plan complete",
		slog.String("plan_id", plan.ID),
		slog.Int("total_actions", s.Total()),
		slog.Int("creates", s.Creates),
		slog.Int("updates", s.Updates),
		slog.Int("deletes", s.Deletes),
	)

	return plan, nil
}

// validateDesired checks that every desired field is registered for its
// kind and carries the declared type. Trees produced by the desired
// package always pass; trees built in code might not.
func validateDesired(desired *tree.Tree) error {
	var errs []error

	for path, e := range desired.Walk() {
		for _, name := range slices.Sorted(maps.Keys(e.Fields)) {
			f, ok := schema.Lookup(path.Kind, name)

			switch {
			case !ok:
				errs = append(errs, &schema.ViolationError{
					Kind: path.Kind, Entity: path.String(), Field: name, Reason: "unknown field",
				})
			case e.Fields[name].Type != f.Type:
				errs = append(errs, &schema.ViolationError{
					Kind: path.Kind, Entity: path.String(), Field: name,
					Reason: fmt.Sprintf("expected %s, got %s", f.Type, e.Fields[name].Type),
				})
			}
		}
	}

	return errors.Join(errs...)
}

// planBuilder carries the state of one Plan call.
type planBuilder struct {
	desired *tree.Tree
	actual  *tree.Tree
	logger  *slog.Logger

	deleted map[tree.Path]string // actual paths to delete -> reason
	created map[tree.Path]bool   // paths created by this plan
	handled map[tree.Path]bool   // desired paths already planned by a recreate
	failed  map[tree.Path]bool   // desired paths that produced an error

	upserts []Action
	errs    []error
}

// markDeletes finds every actual entity that must go: all of them when the
// root state is absent, subtrees whose desired state is absent, and, in
// overwrite mode, subtrees the desired tree does not mention.
func (b *planBuilder) markDeletes() {
	if b.desired.Mode() == tree.ModeAbsent {
		for path := range b.actual.Walk() {
			b.deleted[path] = "root state absent"
		}

		return
	}

	for path := range b.actual.Walk() {
		if _, gone := b.deleted[path]; gone {
			continue
		}

		d, err := b.desired.Lookup(path)

		switch {
		case err == nil && d.State == schema.StateAbsent:
			b.deleteSubtree(path, "state absent")
		case err != nil && b.desired.Mode() == tree.ModeOverwrite:
			b.deleteSubtree(path, "not in desired state")
		}
	}
}

func (b *planBuilder) deleteSubtree(root tree.Path, reason string) {
	for path := range b.actual.Subtree(root) {
		if path == root {
			b.deleted[path] = reason
		} else if _, ok := b.deleted[path]; !ok {
			b.deleted[path] = "parent deleted"
		}
	}
}

// exists reports whether path will exist once the deletes and the creates
// planned so far have run.
func (b *planBuilder) exists(path tree.Path) bool {
	if b.created[path] {
		return true
	}

	_, gone := b.deleted[path]

	return b.actual.Has(path) && !gone
}

// walkDesired plans creates and updates parent-before-child.
func (b *planBuilder) walkDesired() {
	if b.desired.Mode() == tree.ModeAbsent {
		return
	}

	for path, d := range b.desired.Walk() {
		if d.State == schema.StateAbsent || b.handled[path] {
			continue
		}

		if parent, ok := path.Parent(); ok && !b.exists(parent) {
			b.orphan(path, d, parent)
			continue
		}

		a, err := b.actual.Lookup(path)
		if _, gone := b.deleted[path]; err != nil || gone {
			b.create(d)
			continue
		}

		b.compare(d, a)
	}
}

// orphan handles a desired entity whose parent will not exist. A child
// with no explicit state under an absent parent is dropped silently;
// anything else is an error.
func (b *planBuilder) orphan(path tree.Path, d *tree.Entity, parent tree.Path) {
	b.failed[path] = true

	if b.failed[parent] {
		return
	}

	if pe, err := b.desired.Lookup(parent); err == nil && pe.State == schema.StateAbsent && d.State == schema.StateUnset {
		b.logger.Debug("ignoring child of absent entity", slog.String("path", path.String()))
		return
	}

	b.errs = append(b.errs, fmt.Errorf("%w: %s: parent %s neither exists nor is planned for creation",
		ErrOrphanEntity, path, parent))
}

// create plans the creation of a desired entity over schema defaults.
func (b *planBuilder) create(d *tree.Entity) {
	path := d.Path
	fields := schema.WithDefaults(path.Kind, d.Fields)

	if err := checkCreate(path, fields); err != nil {
		b.failed[path] = true
		b.errs = append(b.errs, fmt.Errorf("%s: %w", path, err))

		return
	}

	b.created[path] = true
	b.upserts = append(b.upserts, Action{
		Kind:    ActionCreate,
		Path:    path,
		Fields:  fields,
		Offline: path.Kind != schema.KindInstance && anyOffline(path.Kind, fields),
		Reason:  "missing",
	})
}

// compare plans what happens to an entity present on both sides.
func (b *planBuilder) compare(d, a *tree.Entity) {
	path := d.Path

	var keyChanges, conflicts []string

	for _, name := range slices.Sorted(maps.Keys(d.Fields)) {
		f, _ := schema.Lookup(path.Kind, name)
		if !f.Immutable {
			continue
		}

		cur, ok := a.Fields[name]
		if !ok || cur.Equal(d.Fields[name]) {
			continue
		}

		change := fmt.Sprintf("%s %q -> %q", name, cur, d.Fields[name])
		if f.Key {
			keyChanges = append(keyChanges, change)
		} else {
			conflicts = append(conflicts, change)
		}
	}

	if len(conflicts) > 0 {
		b.failed[path] = true
		b.errs = append(b.errs, fmt.Errorf("%w: %s: %s cannot change in place",
			ErrImmutableFieldConflict, path, strings.Join(conflicts, ", ")))

		return
	}

	if len(keyChanges) > 0 {
		b.recreate(d, strings.Join(keyChanges, ", "))
		return
	}

	if d.State == schema.StatePresent {
		return
	}

	delta := make(map[string]schema.Value)

	for name, v := range d.Fields {
		if f, _ := schema.Lookup(path.Kind, name); f.CreateOnly {
			continue
		}

		if cur, ok := a.Fields[name]; ok && cur.Equal(v) {
			continue
		}

		delta[name] = v
	}

	if len(delta) == 0 {
		return
	}

	if path.Kind == schema.KindBackend {
		b.updateBackend(d, a, delta)
		return
	}

	b.update(path, delta, "fields differ")
}

func (b *planBuilder) update(path tree.Path, delta map[string]schema.Value, reason string) {
	b.upserts = append(b.upserts, Action{
		Kind:    ActionUpdate,
		Path:    path,
		Fields:  delta,
		Offline: anyOffline(path.Kind, delta),
		Reason:  reason,
	})
}

// updateBackend plans a backend update, checking the replica settings the
// backend ends up with. A supplier whose replicaid changes is demoted to
// hub first, then promoted again with the new ID.
func (b *planBuilder) updateBackend(d, a *tree.Entity, delta map[string]schema.Value) {
	path := d.Path

	after := schema.CloneFields(a.Fields)
	if schema.ClearsReplicaID(delta) {
		delete(after, "replicaid")
	}

	maps.Copy(after, delta)

	if err := schema.CheckReplica(after); err != nil {
		b.failed[path] = true
		b.errs = append(b.errs, fmt.Errorf("%s: %w", path, err))

		return
	}

	from, to := schema.RoleOf(a.Fields), schema.RoleOf(after)
	_, hadID := a.Fields["replicaid"]
	_, newID := delta["replicaid"]

	if from == schema.RoleSupplier && to == schema.RoleSupplier && hadID && newID {
		b.update(path, map[string]schema.Value{"replicarole": schema.StringValue(schema.RoleHub)},
			"replicaid changed: demote to hub")

		delta["replicarole"] = schema.StringValue(schema.RoleSupplier)
		b.update(path, delta, "replicaid changed: promote to supplier")

		return
	}

	reason := "fields differ"

	switch {
	case from == to:
	case schema.ReplicaRank(to) > schema.ReplicaRank(from):
		reason = fmt.Sprintf("promote replica %s -> %s", from, to)
	default:
		reason = fmt.Sprintf("demote replica %s -> %s", from, to)
	}

	b.update(path, delta, reason)
}

// checkCreate validates the full field set of an entity about to be
// created.
func checkCreate(path tree.Path, fields map[string]schema.Value) error {
	if err := schema.CheckRequired(path.Kind, fields); err != nil {
		return err
	}

	if path.Kind == schema.KindBackend {
		return schema.CheckReplica(fields)
	}

	return nil
}

// checkSuffixes reports backends of one instance that would share a suffix
// once the plan has run: surviving actual backends and planned creates
// alike. Existing backends own their suffix, so a clash is blamed on the
// backend being created.
func (b *planBuilder) checkSuffixes() {
	type owner struct {
		path    tree.Path
		suffix  string
		created bool
	}

	var owners []owner

	for path, e := range b.actual.Walk() {
		if _, gone := b.deleted[path]; path.Kind != schema.KindBackend || gone || b.created[path] {
			continue
		}

		if v, ok := e.Fields["suffix"]; ok {
			owners = append(owners, owner{path: path, suffix: v.Str()})
		}
	}

	for i := range b.upserts {
		a := &b.upserts[i]
		if a.Kind != ActionCreate || a.Path.Kind != schema.KindBackend {
			continue
		}

		if v, ok := a.Fields["suffix"]; ok {
			owners = append(owners, owner{path: a.Path, suffix: v.Str(), created: true})
		}
	}

	slices.SortStableFunc(owners, func(x, y owner) int {
		if x.created != y.created {
			if x.created {
				return 1
			}

			return -1
		}

		return x.path.Compare(y.path)
	})

	type slot struct{ instance, suffix string }

	taken := make(map[slot]tree.Path)

	for _, o := range owners {
		k := slot{o.path.Instance, schema.NormalizeDN(o.suffix)}

		if prev, ok := taken[k]; ok {
			b.errs = append(b.errs, fmt.Errorf("%w: %s: suffix %q already used by %s",
				tree.ErrDuplicateKey, o.path, o.suffix, prev))

			continue
		}

		taken[k] = o.path
	}
}

// recreate replaces an entity whose key field changed: the whole actual
// subtree is deleted, then the entity and every child that should survive
// are created again, desired values layered over the old ones.
func (b *planBuilder) recreate(d *tree.Entity, change string) {
	root := d.Path
	b.deleteSubtree(root, "key changed: "+change)

	for path, old := range b.actual.Subtree(root) {
		want, err := b.desired.Lookup(path)
		inDesired := err == nil

		if path != root {
			if inDesired && want.State == schema.StateAbsent {
				continue
			}

			if !inDesired && b.desired.Mode() == tree.ModeOverwrite {
				continue
			}
		}

		fields := carryOver(path.Kind, old.Fields)
		if inDesired {
			maps.Copy(fields, want.Fields)
		}

		fields = schema.WithDefaults(path.Kind, fields)

		if err := checkCreate(path, fields); err != nil {
			b.failed[path] = true
			b.errs = append(b.errs, fmt.Errorf("%s: %w", path, err))

			continue
		}

		reason := "recreated with parent"
		if path == root {
			reason = "key changed: " + change
		}

		b.created[path] = true
		b.handled[path] = true
		b.upserts = append(b.upserts, Action{
			Kind:    ActionCreate,
			Path:    path,
			Fields:  fields,
			Offline: anyOffline(path.Kind, fields),
			Reason:  reason,
		})
	}

}

// carryOver copies the recorded fields of an entity that is being
// recreated, leaving out fields that only make sense at first creation.
func carryOver(kind schema.Kind, fields map[string]schema.Value) map[string]schema.Value {
	out := make(map[string]schema.Value, len(fields))

	for name, v := range fields {
		if f, ok := schema.Lookup(kind, name); ok && !f.CreateOnly {
			out[name] = v
		}
	}

	return out
}

// deleteActions returns the planned deletes child-before-parent. Reversing
// a pre-order listing puts every entity after all of its descendants.
func (b *planBuilder) deleteActions() []Action {
	paths := slices.SortedFunc(maps.Keys(b.deleted), tree.Path.Compare)
	slices.Reverse(paths)

	out := make([]Action, 0, len(paths))
	for _, path := range paths {
		out = append(out, Action{
			Kind:    ActionDelete,
			Path:    path,
			Offline: path.Kind == schema.KindInstance,
			Reason:  b.deleted[path],
		})
	}

	return out
}

func anyOffline(kind schema.Kind, fields map[string]schema.Value) bool {
	for name := range fields {
		if f, ok := schema.Lookup(kind, name); ok && f.Offline {
			return true
		}
	}

	return false
}
