package isolation

import (
	"context"
	"errors"
	"fmt"

	"browser-bench/internal/logging"
)

// Isolator is implemented by Controller.
type Isolator interface {
	Acquire(ctx context.Context, cpus []int, pid int) (*State, error)
	Release(ctx context.Context, st *State) error
}

// WithIsolation runs fn while cpus are isolated for pid. Release runs on
// every exit path, including a cancelled ctx and a panic in fn; a panic is
// re-raised once release has finished.
func WithIsolation(ctx context.Context, iso Isolator, cpus []int, pid int, fn func(context.Context, *State) error) (err error) {
	st, err := iso.Acquire(ctx, cpus, pid)
	if err != nil {
		return err
	}

	defer func() {
		r := recover()
		if relErr := iso.Release(context.WithoutCancel(ctx), st); relErr != nil {
			err = errors.Join(err, fmt.Errorf("release isolation: %w", relErr))
		}
		if r != nil {
			logging.GetLogger().WithField("panic", r).Error("Panic while isolated, isolation released")
			panic(r)
		}
	}()

	return fn(ctx, st)
}
