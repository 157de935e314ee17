package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"browser-bench/internal/database"
	"browser-bench/internal/engine"
	"browser-bench/internal/logging"
	"browser-bench/internal/sample"
	"browser-bench/internal/study"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"
)

// RunExecutor runs a single engine run. *engine.Runner implements it.
type RunExecutor interface {
	RunOnce(ctx context.Context, eng engine.Engine, req engine.RunRequest) (*engine.RunArtifacts, error)
}

type Scheduler struct {
	Study  *study.Study
	Layout sample.Layout
	Runner RunExecutor
	// Recorder receives run and sample records; nil discards them.
	Recorder database.Recorder
	// FailFast stops the cpu-config at the first failed sample.
	FailFast bool
	// OpenTimeOverride is the environment's study-wide open time, zero when unset.
	OpenTimeOverride time.Duration
	SessionID        string

	engines map[string]engine.Engine
}

// New builds one engine per study entry.
func New(st *study.Study, runner RunExecutor, opts engine.Options) (*Scheduler, error) {
	engines := make(map[string]engine.Engine, len(st.Engines))
	for _, e := range st.EngineList() {
		eng, err := engine.New(e.Engine, opts)
		if err != nil {
			return nil, fmt.Errorf("engine %s: %w", e.Key, err)
		}
		engines[e.Key] = eng
	}
	return &Scheduler{
		Study:            st,
		Layout:           sample.Layout{StudyDir: st.Dir, SampleSize: st.SampleSize},
		Runner:           runner,
		Recorder:         database.NopRecorder(),
		OpenTimeOverride: opts.Env.OpenTimeOverride(),
		engines:          engines,
	}, nil
}

// Progress counts samples seen by one RunCPUConfig call.
type Progress struct {
	Completed int
	Skipped   int
	Failed    int
}

// RunCPUConfig collects every incomplete sample of the cpu-config, sites then
// engines in key order. Complete samples are skipped, partial ones are reset
// and rerun from run 1.
func (s *Scheduler) RunCPUConfig(ctx context.Context, cpuKey string) (Progress, error) {
	logger := logging.GetLogger()
	var progress Progress
	if _, ok := s.Study.CPUConfigs[cpuKey]; !ok {
		return progress, fmt.Errorf("unknown cpu config %q", cpuKey)
	}

	var errs []error
	for _, site := range s.Study.SiteList() {
		for _, eng := range s.Study.EngineList() {
			if err := ctx.Err(); err != nil {
				errs = append(errs, err)
				return progress, errors.Join(errs...)
			}

			fields := sampleLogFields(cpuKey, site.Key, eng.Key)
			dir := s.Layout.PathFor(cpuKey, site.Key, eng.Key)
			if sample.IsComplete(dir) {
				logger.WithFields(fields).Info("Sample complete, skipping")
				progress.Skipped++
				s.recordSample(logger, database.SampleRecord{
					SessionID: s.SessionID, CPUConfig: cpuKey, Site: site.Key, Engine: eng.Key,
					Runs: s.Study.SampleSize, Complete: true, Skipped: true, Finished: time.Now(),
				})
				continue
			}

			if err := s.runSample(ctx, cpuKey, site, eng, fields); err != nil {
				progress.Failed++
				logger.WithFields(fields).WithError(err).Error("Sample failed")
				errs = append(errs, err)
				if s.FailFast || ctx.Err() != nil {
					return progress, errors.Join(errs...)
				}
				continue
			}
			progress.Completed++
		}
	}
	return progress, errors.Join(errs...)
}

func (s *Scheduler) runSample(ctx context.Context, cpuKey string, site study.KeyedSite, eng study.KeyedEngine, fields logrus.Fields) error {
	logger := logging.GetLogger().WithFields(fields)
	label := sampleLabel(cpuKey, site.Key, eng.Key)
	dir := s.Layout.PathFor(cpuKey, site.Key, eng.Key)

	e, ok := s.engines[eng.Key]
	if !ok {
		return fmt.Errorf("%s: no engine built for %q", label, eng.Key)
	}
	if err := sample.Reset(dir); err != nil {
		return fmt.Errorf("%s: reset: %w", label, err)
	}

	openTime := site.OpenTimeOr(s.Study.DefaultOpenTime(s.OpenTimeOverride))
	logger.WithFields(logrus.Fields{
		"runs":      s.Study.SampleSize,
		"open_time": openTime,
	}).Info("Collecting sample")

	walls := make([]float64, 0, s.Study.SampleSize)
	record := database.SampleRecord{
		SessionID: s.SessionID, CPUConfig: cpuKey, Site: site.Key, Engine: eng.Key,
	}
	for run := 1; run <= s.Study.SampleSize; run++ {
		req := engine.RunRequest{
			Sample:    label,
			Run:       run,
			ResultDir: dir,
			Invocation: engine.Invocation{
				URL:            site.URL,
				OpenTime:       openTime,
				UserAgent:      site.UserAgent,
				ScreenSize:     site.ScreenSize,
				WaitConditions: site.WaitConditions,
				ExtraArgs:      site.ExtraArgsFor(eng.Key),
				Fields:         fields,
			},
		}
		started := time.Now()
		out, err := s.Runner.RunOnce(ctx, e, req)
		s.recordRun(logger, cpuKey, site.Key, eng.Key, run, started, out, err)
		if err != nil {
			record.Runs = run - 1
			record.Error = err.Error()
			record.Finished = time.Now()
			s.recordSample(logger, record)
			return err
		}
		walls = append(walls, out.Wall.Seconds())
	}

	if err := sample.MarkComplete(dir); err != nil {
		return fmt.Errorf("%s: %w", label, err)
	}

	mean, std := stat.MeanStdDev(walls, nil)
	record.Runs = len(walls)
	record.Complete = true
	record.Finished = time.Now()
	record.WallMeanSeconds = mean
	record.WallStdDevSeconds = std
	s.recordSample(logger, record)

	logger.WithFields(logrus.Fields{
		"wall_mean_s":   fmt.Sprintf("%.3f", mean),
		"wall_stddev_s": fmt.Sprintf("%.3f", std),
	}).Info("Sample complete")
	return nil
}

func (s *Scheduler) recordRun(logger logrus.FieldLogger, cpuKey, siteKey, engineKey string, run int, started time.Time, out *engine.RunArtifacts, err error) {
	rec := database.RunRecord{
		SessionID: s.SessionID,
		CPUConfig: cpuKey,
		Site:      siteKey,
		Engine:    engineKey,
		Run:       run,
		Started:   started,
	}
	if out != nil {
		rec.Started = out.Started
		rec.Wall = out.Wall
		rec.Counters = out.Counters
	}
	if err != nil {
		rec.Wall = time.Since(started)
		rec.Error = err.Error()
		var runErr *engine.RunError
		if errors.As(err, &runErr) {
			rec.State = string(runErr.State)
		}
	} else {
		rec.State = string(engine.StateArtifactsRelocated)
	}
	if s.Recorder == nil {
		return
	}
	if rerr := s.Recorder.RecordRun(rec); rerr != nil {
		logger.WithError(rerr).Warn("Failed to record run")
	}
}

func (s *Scheduler) recordSample(logger logrus.FieldLogger, rec database.SampleRecord) {
	if s.Recorder == nil {
		return
	}
	if err := s.Recorder.RecordSample(rec); err != nil {
		logger.WithError(err).Warn("Failed to record sample")
	}
}
