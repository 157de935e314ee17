package engine

import (
	"context"
	"fmt"
	"path/filepath"

	"browser-bench/internal/sample"

	"golang.org/x/sys/unix"
)

const chromiumTrace = "chrome.pftrace"

// chromiumEngine runs a Chromium-like browser with startup tracing into a
// throwaway profile. The trace is finalised when the browser exits on
// SIGINT.
type chromiumEngine struct {
	baseEngine
}

func (e *chromiumEngine) args(inv Invocation) []string {
	args := append([]string(nil), e.cfg.Args...)
	args = append(args,
		"--user-data-dir="+filepath.Join(inv.WorkDir, "profile"),
		"--no-first-run",
		"--no-default-browser-check",
		"--ignore-certificate-errors",
		"--trace-startup",
		"--trace-startup-file="+filepath.Join(inv.WorkDir, chromiumTrace),
	)
	if inv.UserAgent != "" {
		args = append(args, "--user-agent="+inv.UserAgent)
	}
	if w, h, ok := inv.screen(); ok {
		args = append(args, fmt.Sprintf("--window-size=%d,%d", w, h))
	}
	args = append(args, inv.ExtraArgs...)
	return append(args, inv.URL)
}

func (e *chromiumEngine) Start(ctx context.Context, inv Invocation) (Session, error) {
	proc, err := startProcess(processSpec{
		Name: "chromium",
		Path: e.cfg.Path,
		Args: e.args(inv),
		Dir:  inv.WorkDir,
	}, inv.Fields)
	if err != nil {
		return nil, err
	}
	return &chromiumSession{
		processSession: processSession{proc: proc, signal: unix.SIGINT, openTime: inv.OpenTime, opts: e.opts, fields: inv.Fields},
		hook:           e.hook(),
		workDir:        inv.WorkDir,
	}, nil
}

type chromiumSession struct {
	processSession
	hook    WindowHook
	workDir string
}

func (s *chromiumSession) AwaitReady(ctx context.Context) error {
	return awaitWindow(ctx, s.hook, s.proc, s.fields)
}

func (s *chromiumSession) Steady(ctx context.Context) error {
	return steadyWindow(ctx, s.proc, s.openTime)
}

func (s *chromiumSession) Collect(dir string, set sample.ArtifactSet) error {
	return relocate(filepath.Join(s.workDir, chromiumTrace), filepath.Join(dir, set.Trace))
}
