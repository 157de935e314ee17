package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"browser-bench/internal/sample"
	"browser-bench/internal/study"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Invocation is one engine launch against one site.
type Invocation struct {
	URL            string
	OpenTime       time.Duration
	UserAgent      string
	ScreenSize     []int
	WaitConditions map[string]int
	ExtraArgs      []string

	// WorkDir is disposable and owned by the run.
	WorkDir string
	Fields  logrus.Fields
}

func (inv Invocation) screen() (int, int, bool) {
	if len(inv.ScreenSize) != 2 {
		return 0, 0, false
	}
	return inv.ScreenSize[0], inv.ScreenSize[1], true
}

// Engine launches one engine kind.
type Engine interface {
	Kind() study.EngineKind
	Start(ctx context.Context, inv Invocation) (Session, error)
}

// Session is a running engine between launch and artifact relocation.
type Session interface {
	PID() int
	// AwaitReady returns once the page is loading and the window placed.
	AwaitReady(ctx context.Context) error
	// Steady holds the open-time window and checks wait conditions.
	Steady(ctx context.Context) error
	// Shutdown stops the engine gracefully so it flushes its traces.
	Shutdown(ctx context.Context) error
	// Collect moves the emitted traces into dir under set's names.
	Collect(dir string, set sample.ArtifactSet) error
}

type Options struct {
	Env             Env
	ShutdownTimeout time.Duration
	PollInterval    time.Duration
	HookAttempts    int
	HookInterval    time.Duration
}

func (o Options) withDefaults() Options {
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = o.Env.ShutdownTimeout
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = 60 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 100 * time.Millisecond
	}
	if o.HookInterval <= 0 {
		o.HookInterval = 100 * time.Millisecond
	}
	return o
}

// New builds the engine for a study entry.
func New(cfg study.Engine, opts Options) (Engine, error) {
	opts = opts.withDefaults()
	base := baseEngine{cfg: cfg, opts: opts}
	switch cfg.Kind {
	case study.ServoLike:
		return &servoEngine{baseEngine: base}, nil
	case study.ChromiumLike:
		return &chromiumEngine{baseEngine: base}, nil
	case study.ServoDriverLike:
		return &servoDriverEngine{baseEngine: base}, nil
	case study.ChromeDriverLike:
		return &chromeDriverEngine{baseEngine: base}, nil
	}
	return nil, fmt.Errorf("unsupported engine kind %q", cfg.Kind)
}

type baseEngine struct {
	cfg  study.Engine
	opts Options
}

func (b baseEngine) Kind() study.EngineKind { return b.cfg.Kind }

func (b baseEngine) hook() WindowHook {
	return WindowHook{Command: b.cfg.WindowHook, Attempts: b.opts.HookAttempts, Interval: b.opts.HookInterval}
}

// processSession is the part every session shares: one supervised process
// stopped with a fixed signal.
type processSession struct {
	proc     *Process
	signal   unix.Signal
	openTime time.Duration
	opts     Options
	fields   logrus.Fields
}

func (s *processSession) PID() int { return s.proc.PID() }

func (s *processSession) Shutdown(ctx context.Context) error {
	return s.proc.Terminate(s.signal, s.opts.PollInterval, s.opts.ShutdownTimeout)
}

// relocate moves src to dst, copying when they are on different
// filesystems.
func relocate(src, dst string) error {
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("%w: %s", ErrArtifactMissing, filepath.Base(src))
	}
	err := os.Rename(src, dst)
	if err == nil || !errors.Is(err, unix.EXDEV) {
		return err
	}
	if err := copyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// collectDualFormat moves an HTML and a Perfetto trace and writes the
// manifest pairing them.
func collectDualFormat(html, perfetto, dir string, set sample.ArtifactSet) error {
	if err := relocate(html, filepath.Join(dir, set.Trace)); err != nil {
		return err
	}
	if err := relocate(perfetto, filepath.Join(dir, set.SecondTrace)); err != nil {
		return err
	}
	return sample.WriteManifest(filepath.Join(dir, set.Manifest), sample.Manifest{
		HTML:     set.Trace,
		Perfetto: set.SecondTrace,
	})
}
