package engine

import (
	"errors"
	"fmt"

	"browser-bench/internal/sample"
)

var (
	ErrEngineLaunchFailed      = errors.New("engine launch failed")
	ErrEngineExited            = errors.New("engine exited early")
	ErrGracefulShutdownTimeout = errors.New("graceful shutdown timed out")
	ErrProfileCleanupFailed    = errors.New("profile cleanup failed")
	ErrWaitConditionFailed     = errors.New("wait condition failed")

	// ErrArtifactMissing is shared with sample verification.
	ErrArtifactMissing = sample.ErrArtifactMissing
)

// RunState is a step of the run state machine.
type RunState string

const (
	StateLaunching          RunState = "Launching"
	StateLaunched           RunState = "Launched"
	StateSteady             RunState = "Steady"
	StateShuttingDown       RunState = "ShuttingDown"
	StateExited             RunState = "Exited"
	StateArtifactsRelocated RunState = "ArtifactsRelocated"
)

// RunError records how far a failed run got.
type RunError struct {
	Sample string
	Run    int
	State  RunState
	Err    error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("%s run %d failed in state %s: %v", e.Sample, e.Run, e.State, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }
