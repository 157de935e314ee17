package engine

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"browser-bench/internal/logging"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Process is an engine or driver running in its own process group, so that
// signals reach every helper process it spawns.
type Process struct {
	name    string
	cmd     *exec.Cmd
	pgid    int
	done    chan struct{}
	waitErr error
	output  io.Closer
	logger  *logrus.Entry
}

type processSpec struct {
	Name string
	Path string
	Args []string
	Dir  string
	Env  []string
}

// startProcess resolves and starts spec. The process is not tied to ctx:
// stopping it is always an explicit, graceful Terminate.
func startProcess(spec processSpec, fields logrus.Fields) (*Process, error) {
	logger := logging.GetRunLogger().WithFields(fields).WithField("process", spec.Name)

	path, err := exec.LookPath(spec.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrEngineLaunchFailed, spec.Path, err)
	}

	cmd := exec.Command(path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	out := logger.WriterLevel(logrus.DebugLevel)
	cmd.Stdout = out
	cmd.Stderr = out

	logger.WithFields(logrus.Fields{"path": path, "args": spec.Args}).Debug("Starting process")
	if err := cmd.Start(); err != nil {
		_ = out.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrEngineLaunchFailed, path, err)
	}

	p := &Process{
		name:   spec.Name,
		cmd:    cmd,
		pgid:   cmd.Process.Pid,
		done:   make(chan struct{}),
		output: out,
		logger: logger.WithField("pid", cmd.Process.Pid),
	}
	go func() {
		p.waitErr = cmd.Wait()
		_ = p.output.Close()
		close(p.done)
	}()
	return p, nil
}

func (p *Process) PID() int { return p.cmd.Process.Pid }

// Done is closed once the process has been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Err is the wait result; only valid after Done.
func (p *Process) Err() error { return p.waitErr }

func (p *Process) signalGroup(sig unix.Signal) error {
	err := unix.Kill(-p.pgid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

// groupAlive reports whether any process of the group is still running.
func (p *Process) groupAlive() bool {
	return unix.Kill(-p.pgid, 0) == nil
}

// Terminate sends sig to the process group, resending it every interval,
// until the leader exits. Past timeout the group is killed and
// ErrGracefulShutdownTimeout returned. Survivors of a graceful exit are
// killed as well so they cannot run into the next run.
func (p *Process) Terminate(sig unix.Signal, interval, timeout time.Duration) error {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	attempts := 0
	send := func() {
		attempts++
		if err := p.signalGroup(sig); err != nil {
			p.logger.WithError(err).Debug("Signal failed")
		}
	}

	send()
	for {
		select {
		case <-p.done:
			p.logger.WithFields(logrus.Fields{"signal": sig.String(), "attempts": attempts}).Debug("Process exited")
			p.reapGroup()
			return nil
		case <-ticker.C:
			send()
		case <-deadline.C:
			p.logger.WithField("timeout", timeout).Warn("Process ignored termination, killing process group")
			_ = p.signalGroup(unix.SIGKILL)
			select {
			case <-p.done:
			case <-time.After(5 * time.Second):
			}
			return fmt.Errorf("%w: %s did not exit within %s", ErrGracefulShutdownTimeout, p.name, timeout)
		}
	}
}

// Kill is for launch-time failures, where there is nothing to flush.
func (p *Process) Kill() {
	_ = p.signalGroup(unix.SIGKILL)
	select {
	case <-p.done:
	case <-time.After(5 * time.Second):
	}
}

func (p *Process) reapGroup() {
	if !p.groupAlive() {
		return
	}
	p.logger.Debug("Killing leftover processes of the group")
	_ = p.signalGroup(unix.SIGKILL)
}
