package apply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dsconverge/dsconverge/internal/live"
	"github.com/dsconverge/dsconverge/internal/tree"
)

// withQuiesced runs fn with instance stopped. An instance that is already
// stopped is left alone. Otherwise it is quiesced first and resumed on
// every exit path, including a failing or panicking fn. The resume uses a
// context detached from ctx's cancellation so a canceled run still brings
// the instance back.
func (x *actionExecutor) withQuiesced(ctx context.Context, instance string, fn func(context.Context) error) (err error) {
	running, err := x.running(ctx, instance)
	if err != nil {
		return err
	}

	if !running {
		return fn(ctx)
	}

	if err := x.server.Quiesce(ctx, instance); err != nil {
		return fmt.Errorf("quiescing %s: %w", instance, err)
	}

	x.logger.Debug("instance quiesced", slog.String("instance", instance))

	defer func() {
		if rerr := x.server.Resume(context.WithoutCancel(ctx), instance); rerr != nil {
			err = errors.Join(err, fmt.Errorf("resuming %s: %w", instance, rerr))
			return
		}

		x.logger.Debug("instance resumed", slog.String("instance", instance))
	}()

	return fn(ctx)
}

// running reports the instance's run state as the server reports it. A
// missing instance counts as stopped; one that does not report a state
// counts as running.
func (x *actionExecutor) running(ctx context.Context, instance string) (bool, error) {
	fields, err := x.server.QueryEntity(ctx, tree.InstancePath(instance))
	if err != nil {
		if errors.Is(err, live.ErrNotFound) {
			return false, nil
		}

		return false, fmt.Errorf("reading run state of %s: %w", instance, err)
	}

	started, ok := fields[startedField]

	return !ok || started.Bool(), nil
}
