package engine

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"browser-bench/internal/logging"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// WindowHook positions the engine window once it is visible. The command
// gets the engine pid in place of "{pid}", or as a final argument.
type WindowHook struct {
	Command  []string
	Attempts int
	Interval time.Duration
}

func (h WindowHook) args(pid int) []string {
	p := strconv.Itoa(pid)
	out := make([]string, 0, len(h.Command)+1)
	substituted := false
	for _, arg := range h.Command {
		if strings.Contains(arg, "{pid}") {
			arg = strings.ReplaceAll(arg, "{pid}", p)
			substituted = true
		}
		out = append(out, arg)
	}
	if !substituted {
		out = append(out, p)
	}
	return out
}

// run retries the hook until it exits 0. Running out of attempts is logged,
// not returned: a misplaced window does not invalidate a run.
func (h WindowHook) run(ctx context.Context, pid int, fields logrus.Fields) error {
	logger := logging.GetRunLogger().WithFields(fields)
	args := h.args(pid)
	attempts := h.Attempts
	if attempts <= 0 {
		attempts = 50
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		cmd := exec.CommandContext(ctx, args[0], args[1:]...)
		out, err := cmd.CombinedOutput()
		if err == nil {
			logger.WithField("attempts", i+1).Debug("Window hook succeeded")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out)))
		if err := sleepCtx(ctx, h.Interval); err != nil {
			return err
		}
	}
	logger.WithError(lastErr).WithField("attempts", attempts).Warn("Window hook never succeeded")
	return nil
}

// awaitWindow runs the hook while watching for the engine dying before its
// window shows up.
func awaitWindow(ctx context.Context, hook WindowHook, proc *Process, fields logrus.Fields) error {
	if len(hook.Command) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	hookDone := make(chan struct{})
	g.Go(func() error {
		defer close(hookDone)
		return hook.run(gctx, proc.PID(), fields)
	})
	g.Go(func() error {
		select {
		case <-proc.Done():
			return fmt.Errorf("%w: %s exited before its window appeared", ErrEngineExited, proc.name)
		case <-hookDone:
			return nil
		case <-gctx.Done():
			return nil
		}
	})
	return g.Wait()
}

// steadyWindow waits out the open time. The engine exiting on its own
// during the window fails the run.
func steadyWindow(ctx context.Context, proc *Process, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-proc.Done():
		return fmt.Errorf("%w: %s exited during the open-time window: %v", ErrEngineExited, proc.name, proc.Err())
	case <-ctx.Done():
		return ctx.Err()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
