package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/dsconverge/dsconverge/internal/schema"
	"github.com/dsconverge/dsconverge/internal/tree"
)

// defaultConcurrency bounds how many instances are read in parallel.
const defaultConcurrency = 4

// Loader reads the actual state of a server into a tree.
type Loader struct {
	server      Server
	logger      *slog.Logger
	concurrency int
}

// NewLoader creates a Loader reading from server.
func NewLoader(server Server, logger *slog.Logger) *Loader {
	return &Loader{server: server, logger: logger, concurrency: defaultConcurrency}
}

// SetConcurrency bounds the number of instances read in parallel. Values
// below 1 are treated as 1.
func (l *Loader) SetConcurrency(n int) {
	l.concurrency = max(n, 1)
}

// Load walks instances, then backends, then indexes and agreements, and
// returns them as a merge-mode tree. Every entity is marked StatePresent.
// Instances are read concurrently; the first error cancels the rest.
func (l *Loader) Load(ctx context.Context) (*tree.Tree, error) {
	names, err := l.server.ListChildren(ctx, tree.Path{}, schema.KindInstance)
	if err != nil {
		return nil, fmt.Errorf("live: listing instances: %w", err)
	}

	slices.Sort(names)

	subtrees := make([][]*tree.Entity, len(names))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.concurrency)

	for i, name := range names {
		g.Go(func() error {
			entities, err := l.loadInstance(gctx, name)
			if err != nil {
				return err
			}

			subtrees[i] = entities

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := tree.New(tree.ModeMerge)

	for _, entities := range subtrees {
		for _, e := range entities {
			if err := out.Insert(e); err != nil {
				return nil, fmt.Errorf("live: %w", err)
			}
		}
	}

	l.logger.Debug("live: state loaded",
		slog.Int("instances", len(names)),
		slog.Int("entities", out.Len()),
	)

	return out, nil
}

// loadInstance returns the entities of one instance parent-before-child.
// An instance that disappears between listing and querying is skipped.
func (l *Loader) loadInstance(ctx context.Context, name string) ([]*tree.Entity, error) {
	root, err := l.query(ctx, tree.InstancePath(name))
	if err != nil || root == nil {
		return nil, err
	}

	out := []*tree.Entity{root}

	backends, err := l.children(ctx, root.Path, schema.KindBackend)
	if err != nil {
		return nil, err
	}

	for _, be := range backends {
		out = append(out, be)

		for _, kind := range schema.KindBackend.ChildKinds() {
			leaves, err := l.children(ctx, be.Path, kind)
			if err != nil {
				return nil, err
			}

			out = append(out, leaves...)
		}
	}

	return out, nil
}

func (l *Loader) children(ctx context.Context, parent tree.Path, kind schema.Kind) ([]*tree.Entity, error) {
	names, err := l.server.ListChildren(ctx, parent, kind)
	if err != nil {
		return nil, fmt.Errorf("live: listing %s of %s: %w", kind.Collection(), parent, err)
	}

	slices.Sort(names)

	out := make([]*tree.Entity, 0, len(names))

	for _, name := range names {
		e, err := l.query(ctx, parent.ChildPath(kind, name))
		if err != nil {
			return nil, err
		}

		if e != nil {
			out = append(out, e)
		}
	}

	return out, nil
}

// query reads one entity. It returns nil without error when the entity is
// gone.
func (l *Loader) query(ctx context.Context, p tree.Path) (*tree.Entity, error) {
	raw, err := l.server.QueryEntity(ctx, p)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			l.logger.Debug("live: entity vanished during load", slog.String("path", p.String()))
			return nil, nil
		}

		return nil, fmt.Errorf("live: querying %s: %w", p, err)
	}

	fields, dropped := schema.Normalize(p.Kind, raw)
	if len(dropped) > 0 {
		l.logger.Debug("live: ignoring unrecognized attributes",
			slog.String("path", p.String()),
			slog.Any("attributes", dropped),
		)
	}

	return &tree.Entity{Path: p, State: schema.StatePresent, Fields: fields}, nil
}
