package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"browser-bench/internal/logging"
	"browser-bench/internal/perfcounters"
	"browser-bench/internal/sample"

	"github.com/sirupsen/logrus"
)

type RunRequest struct {
	// Sample labels the run in logs and errors.
	Sample     string
	Run        int
	ResultDir  string
	Invocation Invocation
}

type RunArtifacts struct {
	Run      int
	Dir      string
	Set      sample.ArtifactSet
	Started  time.Time
	Wall     time.Duration
	Counters perfcounters.Counts
}

// Runner executes single runs: Launched, Steady, ShuttingDown, Exited,
// ArtifactsRelocated. Shutdown is attempted whenever the engine was
// launched, including after cancellation.
type Runner struct {
	Layout          sample.Layout
	TempRoot        string
	ReadyTimeout    time.Duration
	CleanupAttempts int
	CleanupInterval time.Duration
	// CounterCPUs enables hardware counters on these CPUs for the open-time
	// window.
	CounterCPUs []int

	removeAll func(string) error
}

func (r *Runner) defaults() {
	if r.ReadyTimeout <= 0 {
		r.ReadyTimeout = 60 * time.Second
	}
	if r.CleanupAttempts <= 0 {
		r.CleanupAttempts = 10
	}
	if r.CleanupInterval <= 0 {
		r.CleanupInterval = 500 * time.Millisecond
	}
	if r.removeAll == nil {
		r.removeAll = os.RemoveAll
	}
}

func (r *Runner) RunOnce(ctx context.Context, eng Engine, req RunRequest) (*RunArtifacts, error) {
	r.defaults()

	fields := logrus.Fields{"sample": req.Sample, "run": req.Run}
	for k, v := range req.Invocation.Fields {
		fields[k] = v
	}
	logger := logging.GetRunLogger().WithFields(fields)
	fail := func(state RunState, err error) (*RunArtifacts, error) {
		return nil, &RunError{Sample: req.Sample, Run: req.Run, State: state, Err: err}
	}

	workDir, err := os.MkdirTemp(r.TempRoot, "browser-bench-run-*")
	if err != nil {
		return fail(StateLaunching, fmt.Errorf("create work dir: %w", err))
	}
	defer r.cleanup(workDir, logger)

	inv := req.Invocation
	inv.WorkDir = workDir
	inv.Fields = fields
	set := r.Layout.ArtifactNames(eng.Kind(), req.Run)
	out := &RunArtifacts{Run: req.Run, Dir: req.ResultDir, Set: set, Started: time.Now()}

	logger.WithField("url", inv.URL).Info("Launching engine")
	sess, err := eng.Start(ctx, inv)
	if err != nil {
		return fail(StateLaunching, err)
	}

	state := StateLaunched
	runErr := func() error {
		readyCtx, cancel := context.WithTimeout(ctx, r.ReadyTimeout)
		defer cancel()
		if err := sess.AwaitReady(readyCtx); err != nil {
			return err
		}

		state = StateSteady
		counters := r.openCounters(logger)
		if counters != nil {
			defer counters.Close()
		}
		logger.WithField("open_time", inv.OpenTime).Debug("Engine steady")
		if err := sess.Steady(ctx); err != nil {
			return err
		}
		if counters != nil {
			counters.Disable()
			out.Counters = counters.Read()
		}
		return nil
	}()

	shutdownState := state
	state = StateShuttingDown
	shutdownErr := sess.Shutdown(context.WithoutCancel(ctx))
	out.Wall = time.Since(out.Started)
	if runErr != nil {
		if shutdownErr != nil {
			runErr = errors.Join(runErr, shutdownErr)
		}
		return fail(shutdownState, runErr)
	}
	if shutdownErr != nil {
		return fail(state, shutdownErr)
	}

	state = StateExited
	if err := sess.Collect(req.ResultDir, set); err != nil {
		return fail(state, err)
	}
	if err := sample.VerifyRun(req.ResultDir, set); err != nil {
		return fail(state, err)
	}
	if out.Counters != nil {
		if err := out.Counters.WriteFile(filepath.Join(req.ResultDir, set.Counters), r.CounterCPUs); err != nil {
			return fail(state, fmt.Errorf("write counters: %w", err))
		}
	}

	logger.WithFields(logrus.Fields{
		"state": StateArtifactsRelocated,
		"wall":  out.Wall.Round(time.Millisecond),
		"files": set.Files(),
	}).Info("Run complete")
	return out, nil
}

func (r *Runner) openCounters(logger *logrus.Entry) *perfcounters.Set {
	if len(r.CounterCPUs) == 0 {
		return nil
	}
	set, err := perfcounters.Open(r.CounterCPUs)
	if err != nil {
		logger.WithError(err).Warn("Perf counters unavailable for this run")
		return nil
	}
	if err := set.Enable(); err != nil {
		logger.WithError(err).Warn("Perf counters unavailable for this run")
		set.Close()
		return nil
	}
	return set
}

// cleanup removes the run's work dir, retrying while the engine may still
// hold files open. Failure is logged only.
func (r *Runner) cleanup(dir string, logger *logrus.Entry) {
	var err error
	for attempt := 1; attempt <= r.CleanupAttempts; attempt++ {
		if err = r.removeAll(dir); err == nil {
			return
		}
		time.Sleep(r.CleanupInterval)
	}
	logger.WithError(fmt.Errorf("%w: %s: %w", ErrProfileCleanupFailed, dir, err)).
		WithField("attempts", r.CleanupAttempts).
		Warn("Could not remove work dir")
}
