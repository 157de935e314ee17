package engine

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Env is the environment the run controller honours.
type Env struct {
	// ServoTracing is passed through to Servo-like engines.
	ServoTracing string `envconfig:"SERVO_TRACING"`
	// OpenTimeSeconds overrides the study's open time for sites that do
	// not set their own.
	OpenTimeSeconds int           `envconfig:"SERVO_PERF_BROWSER_OPEN_TIME"`
	ShutdownTimeout time.Duration `envconfig:"BROWSER_BENCH_SHUTDOWN_TIMEOUT" default:"60s"`
	SpoolDir        string        `envconfig:"BROWSER_BENCH_SPOOL_DIR"`
}

func LoadEnv() (Env, error) {
	var env Env
	if err := envconfig.Process("", &env); err != nil {
		return Env{}, err
	}
	return env, nil
}

func (e Env) OpenTimeOverride() time.Duration {
	if e.OpenTimeSeconds <= 0 {
		return 0
	}
	return time.Duration(e.OpenTimeSeconds) * time.Second
}
