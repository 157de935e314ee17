// Package collect drives a whole study: one isolated session per cpu-config,
// with the sample scheduler running inside it.
package collect

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"browser-bench/internal/database"
	"browser-bench/internal/engine"
	"browser-bench/internal/host"
	"browser-bench/internal/isolation"
	"browser-bench/internal/logging"
	"browser-bench/internal/perfcounters"
	"browser-bench/internal/sample"
	"browser-bench/internal/scheduler"
	"browser-bench/internal/study"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type Options struct {
	Study   *study.Study
	Content string
	Env     engine.Env

	// Isolator defaults to a Controller configured from the study.
	Isolator isolation.Isolator
	// Runner defaults to an engine.Runner over the study layout.
	Runner        *engine.Runner
	EngineOptions engine.Options
	// Recorder is added next to the spool and, when configured, InfluxDB.
	Recorder database.Recorder
	FailFast bool
	// PID is moved into the reserved group; defaults to this process.
	PID int
}

type Driver struct {
	study    *study.Study
	content  string
	env      engine.Env
	isolator isolation.Isolator
	runner   *engine.Runner
	sched    *scheduler.Scheduler
	extra    database.Recorder
	pid      int

	sessionID string
	checksum  string
}

// Summary is what one Run did, per cpu-config.
type Summary struct {
	SessionID string
	SpoolPath string
	Configs   map[string]scheduler.Progress
}

func New(opts Options) (*Driver, error) {
	if opts.Study == nil {
		return nil, errors.New("collect: study is nil")
	}
	st := opts.Study

	checksum, err := study.Checksum(st)
	if err != nil {
		return nil, fmt.Errorf("study checksum: %w", err)
	}

	iso := opts.Isolator
	if iso == nil {
		isoOpts := isolation.OptionsFromConfig(st.Isolation)
		if isoOpts.RDTClass != "" {
			isoOpts.RDT = isolation.NewRDTBackend()
		}
		if st.Isolation.CheckPerf {
			isoOpts.Probe = perfcounters.Probe
		}
		iso = isolation.NewController(isoOpts)
	}

	runner := opts.Runner
	if runner == nil {
		runner = &engine.Runner{}
	}
	runner.Layout = sample.Layout{StudyDir: st.Dir, SampleSize: st.SampleSize}

	engOpts := opts.EngineOptions
	engOpts.Env = opts.Env
	sched, err := scheduler.New(st, runner, engOpts)
	if err != nil {
		return nil, err
	}
	sched.FailFast = opts.FailFast

	pid := opts.PID
	if pid == 0 {
		pid = os.Getpid()
	}

	return &Driver{
		study:     st,
		content:   opts.Content,
		env:       opts.Env,
		isolator:  iso,
		runner:    runner,
		sched:     sched,
		extra:     opts.Recorder,
		pid:       pid,
		sessionID: uuid.NewString(),
		checksum:  checksum,
	}, nil
}

func (d *Driver) SessionID() string { return d.sessionID }

// Run collects every cpu-config in key order. A cpu-config whose isolation
// cannot be acquired is not retried; the remaining ones still run unless
// FailFast is set. The spool record is written on every exit path.
func (d *Driver) Run(ctx context.Context) (*Summary, error) {
	logger := logging.GetLogger().WithFields(logrus.Fields{
		"session_id": d.sessionID,
		"checksum":   d.checksum,
	})
	started := time.Now()
	summary := &Summary{SessionID: d.sessionID, Configs: map[string]scheduler.Progress{}}

	isoOpts := isolation.OptionsFromConfig(d.study.Isolation)
	spool := database.NewSpoolRecorder(database.SpoolDir(d.study.Dir, d.env.SpoolDir), database.SpoolArtifact{
		CreatedAt:     started,
		SessionID:     d.sessionID,
		StudyChecksum: d.checksum,
		StudyDir:      d.study.Dir,
		StudyContent:  d.content,
		StartTime:     started,
		Host:          host.Describe(isoOpts.ProcRoot, isoOpts.SysRoot),
	})
	recorders := database.MultiRecorder{spool}
	if d.extra != nil {
		recorders = append(recorders, d.extra)
	}
	if db := d.study.Data.DB; db != nil {
		influx, err := database.NewInfluxRecorder(*db)
		if err != nil {
			logger.WithError(err).Warn("InfluxDB unavailable, results go to the spool only")
		} else {
			recorders = append(recorders, influx)
		}
	}
	d.sched.Recorder = recorders
	d.sched.SessionID = d.sessionID

	logger.WithFields(logrus.Fields{
		"cpu_configs": len(d.study.CPUConfigs),
		"sites":       len(d.study.Sites),
		"engines":     len(d.study.Engines),
		"sample_size": d.study.SampleSize,
	}).Info("Starting collect session")

	var errs []error
	configs := d.study.CPUConfigList()
	if err := d.preflight(); err != nil {
		logger.WithError(err).Error("Invalid cpu config, host left untouched")
		errs = append(errs, err)
		configs = nil
	}
	for _, cfg := range configs {
		if len(errs) > 0 && d.sched.FailFast {
			break
		}
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		progress, err := d.runCPUConfig(ctx, cfg)
		summary.Configs[cfg.Key] = progress
		if err != nil {
			err = fmt.Errorf("cpu config %s: %w", cfg.Key, err)
			logger.WithField("cpu_config", cfg.Key).WithError(err).Error("CPU config failed")
			errs = append(errs, err)
		}
	}
	runErr := errors.Join(errs...)

	spool.Finish(time.Now(), errs...)
	if err := recorders.Close(); err != nil {
		logger.WithError(err).Error("Failed to close recorders")
		runErr = errors.Join(runErr, err)
	}
	summary.SpoolPath = spool.Path()

	fields := logrus.Fields{"duration": time.Since(started).Round(time.Millisecond), "spool": summary.SpoolPath}
	if runErr != nil {
		logger.WithFields(fields).WithError(runErr).Error("Collect session finished with errors")
		return summary, runErr
	}
	logger.WithFields(fields).Info("Collect session complete")
	return summary, nil
}

// checker is implemented by isolators that can validate a selection without
// touching the host.
type checker interface {
	Check(cpus []int) error
}

// preflight rejects every invalid cpu-config before the first one is
// isolated, so a bad selection never follows a session that mutated the host.
func (d *Driver) preflight() error {
	c, ok := d.isolator.(checker)
	if !ok {
		return nil
	}
	var errs []error
	for _, cfg := range d.study.CPUConfigList() {
		if err := c.Check(cfg.CPUs); err != nil {
			errs = append(errs, fmt.Errorf("cpu config %s: %w", cfg.Key, err))
		}
	}
	return errors.Join(errs...)
}

func (d *Driver) runCPUConfig(ctx context.Context, cfg study.KeyedCPUConfig) (scheduler.Progress, error) {
	logger := logging.GetLogger().WithFields(logrus.Fields{
		"cpu_config": cfg.Key,
		"cpus":       study.FormatCPUSpec(cfg.CPUs),
	})

	if d.study.PerfCounters {
		d.runner.CounterCPUs = cfg.CPUs
	} else {
		d.runner.CounterCPUs = nil
	}

	var progress scheduler.Progress
	err := isolation.WithIsolation(ctx, d.isolator, cfg.CPUs, d.pid, func(ctx context.Context, st *isolation.State) error {
		logger.WithField("isolation", st.String()).Info("Collecting cpu config")
		var err error
		progress, err = d.sched.RunCPUConfig(ctx, cfg.Key)
		return err
	})
	logger.WithFields(logrus.Fields{
		"completed": progress.Completed,
		"skipped":   progress.Skipped,
		"failed":    progress.Failed,
	}).Info("CPU config done")
	return progress, err
}
