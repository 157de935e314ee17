package database

import (
	"errors"
	"time"
)

// RunRecord is one completed or failed run.
type RunRecord struct {
	SessionID string        `json:"session_id"`
	CPUConfig string        `json:"cpu_config"`
	Site      string        `json:"site"`
	Engine    string        `json:"engine"`
	Run       int           `json:"run"`
	Started   time.Time     `json:"started"`
	Wall      time.Duration `json:"wall_ns"`
	State     string        `json:"state"`
	Error     string        `json:"error,omitempty"`

	Counters map[string]uint64 `json:"counters,omitempty"`
}

// SampleRecord summarises a sample after its last run.
type SampleRecord struct {
	SessionID string    `json:"session_id"`
	CPUConfig string    `json:"cpu_config"`
	Site      string    `json:"site"`
	Engine    string    `json:"engine"`
	Runs      int       `json:"runs"`
	Complete  bool      `json:"complete"`
	Skipped   bool      `json:"skipped"`
	Finished  time.Time `json:"finished"`

	WallMeanSeconds   float64 `json:"wall_mean_s"`
	WallStdDevSeconds float64 `json:"wall_stddev_s"`

	Error string `json:"error,omitempty"`
}

// Recorder receives run and sample records as a collect session progresses.
type Recorder interface {
	RecordRun(rec RunRecord) error
	RecordSample(rec SampleRecord) error
	Close() error
}

type nopRecorder struct{}

func (nopRecorder) RecordRun(RunRecord) error       { return nil }
func (nopRecorder) RecordSample(SampleRecord) error { return nil }
func (nopRecorder) Close() error                    { return nil }

// NopRecorder discards everything.
func NopRecorder() Recorder { return nopRecorder{} }

// MultiRecorder fans out to every recorder and joins their errors.
type MultiRecorder []Recorder

func (m MultiRecorder) RecordRun(rec RunRecord) error {
	var errs []error
	for _, r := range m {
		errs = append(errs, r.RecordRun(rec))
	}
	return errors.Join(errs...)
}

func (m MultiRecorder) RecordSample(rec SampleRecord) error {
	var errs []error
	for _, r := range m {
		errs = append(errs, r.RecordSample(rec))
	}
	return errors.Join(errs...)
}

func (m MultiRecorder) Close() error {
	var errs []error
	for _, r := range m {
		errs = append(errs, r.Close())
	}
	return errors.Join(errs...)
}
