package isolation

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type countingIsolator struct {
	acquireErr error
	releaseErr error
	acquired   int
	released   int
	releaseCtx context.Context
}

func (c *countingIsolator) Acquire(ctx context.Context, cpus []int, pid int) (*State, error) {
	if c.acquireErr != nil {
		return nil, c.acquireErr
	}
	c.acquired++
	return &State{CPUs: cpus, PID: pid}, nil
}

func (c *countingIsolator) Release(ctx context.Context, st *State) error {
	c.released++
	c.releaseCtx = ctx
	return c.releaseErr
}

func TestWithIsolation_ReleasesOnSuccessAndError(t *testing.T) {
	iso := &countingIsolator{}
	require.NoError(t, WithIsolation(context.Background(), iso, []int{1}, 1, func(context.Context, *State) error {
		return nil
	}))
	require.Equal(t, 1, iso.released)

	runErr := errors.New("sample failed")
	err := WithIsolation(context.Background(), iso, []int{1}, 1, func(context.Context, *State) error {
		return runErr
	})
	require.ErrorIs(t, err, runErr)
	require.Equal(t, 2, iso.released)
}

func TestWithIsolation_AcquireFailureSkipsFn(t *testing.T) {
	iso := &countingIsolator{acquireErr: errors.New("boom")}
	called := false
	err := WithIsolation(context.Background(), iso, []int{1}, 1, func(context.Context, *State) error {
		called = true
		return nil
	})
	require.Error(t, err)
	require.False(t, called)
	require.Zero(t, iso.released)
}

func TestWithIsolation_JoinsReleaseError(t *testing.T) {
	releaseErr := errors.New("boost knob read-only")
	runErr := errors.New("run failed")
	iso := &countingIsolator{releaseErr: releaseErr}

	err := WithIsolation(context.Background(), iso, []int{1}, 1, func(context.Context, *State) error {
		return runErr
	})
	require.ErrorIs(t, err, runErr)
	require.ErrorIs(t, err, releaseErr)
}

func TestWithIsolation_ReleasesOnPanicAndCancel(t *testing.T) {
	iso := &countingIsolator{}
	ctx, cancel := context.WithCancel(context.Background())

	require.PanicsWithValue(t, "engine exploded", func() {
		_ = WithIsolation(ctx, iso, []int{1}, 1, func(context.Context, *State) error {
			cancel()
			panic("engine exploded")
		})
	})
	require.Equal(t, 1, iso.released)
	require.NoError(t, iso.releaseCtx.Err(), "release must not inherit cancellation")
}
