package engine

import (
	"context"
	"fmt"
	"path/filepath"

	"browser-bench/internal/sample"

	"golang.org/x/sys/unix"
)

const (
	servoHTMLTrace     = "trace.html"
	servoPerfettoTrace = "servo.pftrace"
)

// servoEngine drives a Servo-like engine directly. It writes an HTML
// profile to the path it is given and a Perfetto trace into its working
// directory, both on SIGTERM.
type servoEngine struct {
	baseEngine
}

func (e *servoEngine) args(inv Invocation) []string {
	args := append([]string(nil), e.cfg.Args...)
	args = append(args, "--profiler-trace-path="+filepath.Join(inv.WorkDir, servoHTMLTrace))
	if inv.UserAgent != "" {
		args = append(args, "--user-agent="+inv.UserAgent)
	}
	if w, h, ok := inv.screen(); ok {
		args = append(args, fmt.Sprintf("--window-size=%dx%d", w, h))
	}
	args = append(args, inv.ExtraArgs...)
	return append(args, inv.URL)
}

func (e *servoEngine) env() []string {
	if e.opts.Env.ServoTracing == "" {
		return nil
	}
	return []string{"SERVO_TRACING=" + e.opts.Env.ServoTracing}
}

func (e *servoEngine) Start(ctx context.Context, inv Invocation) (Session, error) {
	proc, err := startProcess(processSpec{
		Name: "servo",
		Path: e.cfg.Path,
		Args: e.args(inv),
		Dir:  inv.WorkDir,
		Env:  e.env(),
	}, inv.Fields)
	if err != nil {
		return nil, err
	}
	return &servoSession{
		processSession: processSession{proc: proc, signal: unix.SIGTERM, openTime: inv.OpenTime, opts: e.opts, fields: inv.Fields},
		hook:           e.hook(),
		workDir:        inv.WorkDir,
	}, nil
}

type servoSession struct {
	processSession
	hook    WindowHook
	workDir string
}

func (s *servoSession) AwaitReady(ctx context.Context) error {
	return awaitWindow(ctx, s.hook, s.proc, s.fields)
}

func (s *servoSession) Steady(ctx context.Context) error {
	return steadyWindow(ctx, s.proc, s.openTime)
}

func (s *servoSession) Collect(dir string, set sample.ArtifactSet) error {
	return collectDualFormat(
		filepath.Join(s.workDir, servoHTMLTrace),
		filepath.Join(s.workDir, servoPerfettoTrace),
		dir, set)
}
