// Package enginetest writes shell-script stand-ins for browser engines.
// Each fake appends its arguments to a launch log and writes its traces only
// when asked to terminate, like the real engines.
package enginetest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type Fake struct {
	Path      string
	LaunchLog string
}

// Launches returns the argument lines of every launch so far.
func (f Fake) Launches(t testing.TB) []string {
	t.Helper()
	data, err := os.ReadFile(f.LaunchLog)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		t.Fatalf("read launch log: %v", err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

func write(t testing.TB, dir, name, body string) Fake {
	t.Helper()
	f := Fake{
		Path:      filepath.Join(dir, name),
		LaunchLog: filepath.Join(dir, name+".launches"),
	}
	script := fmt.Sprintf("#!/bin/sh\necho \"$*\" >> '%s'\n%s", f.LaunchLog, body)
	if err := os.WriteFile(f.Path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake engine: %v", err)
	}
	return f
}

const idle = `while :; do sleep 0.05; done
`

// Chromium writes its --trace-startup-file on SIGINT or SIGTERM.
func Chromium(t testing.TB, dir string) Fake {
	return write(t, dir, "fake-chromium", `trace=""
for arg in "$@"; do
  case "$arg" in
    --trace-startup-file=*) trace="${arg#--trace-startup-file=}" ;;
  esac
done
trap 'echo "chromium trace" > "$trace"; exit 0' INT TERM
`+idle)
}

// Servo writes the HTML profile to --profiler-trace-path and servo.pftrace
// into its working directory on SIGTERM. The Perfetto trace records
// SERVO_TRACING.
func Servo(t testing.TB, dir string) Fake {
	return write(t, dir, "fake-servo", `html=""
for arg in "$@"; do
  case "$arg" in
    --profiler-trace-path=*) html="${arg#--profiler-trace-path=}" ;;
  esac
done
trap 'echo "<html></html>" > "$html"; echo "tracing=$SERVO_TRACING" > servo.pftrace; exit 0' TERM
`+idle)
}

// Stubborn ignores termination signals.
func Stubborn(t testing.TB, dir string) Fake {
	return write(t, dir, "fake-stubborn", `trap '' INT TERM
`+idle)
}

// Traceless exits cleanly on a signal without writing anything.
func Traceless(t testing.TB, dir string) Fake {
	return write(t, dir, "fake-traceless", `trap 'exit 0' INT TERM
`+idle)
}

// Crashing exits immediately with status 3.
func Crashing(t testing.TB, dir string) Fake {
	return write(t, dir, "fake-crashing", "exit 3\n")
}
