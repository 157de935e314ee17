package engine

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"

	"browser-bench/internal/logging"
	"browser-bench/internal/sample"
	"browser-bench/internal/webdriver"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// freePort asks the kernel for an unused TCP port on loopback.
func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// driverSession is a WebDriver-controlled browser. The process is the
// driver for ChromeDriverLike engines and the engine itself for
// ServoDriverLike ones.
type driverSession struct {
	processSession
	client    *webdriver.Client
	sessionID string
	inv       Invocation
	caps      map[string]any
	hook      WindowHook
	// deleteOnShutdown closes the browser through WebDriver before the
	// process is signalled.
	deleteOnShutdown bool
	collect          func(dir string, set sample.ArtifactSet) error
}

func (s *driverSession) AwaitReady(ctx context.Context) error {
	logger := logging.GetRunLogger().WithFields(s.fields)

	if err := s.client.WaitReady(ctx); err != nil {
		if s.proc.Exited() {
			return fmt.Errorf("%w: driver exited: %v", ErrEngineLaunchFailed, s.proc.Err())
		}
		return err
	}
	id, err := s.client.NewSession(ctx, s.caps)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrEngineLaunchFailed, err)
	}
	s.sessionID = id

	logger.WithField("url", s.inv.URL).Debug("Navigating to site")
	if err := s.client.Navigate(ctx, id, s.inv.URL); err != nil {
		return err
	}
	return awaitWindow(ctx, s.hook, s.proc, s.fields)
}

func (s *driverSession) Steady(ctx context.Context) error {
	if err := steadyWindow(ctx, s.proc, s.openTime); err != nil {
		return err
	}
	return s.checkWaitConditions(ctx)
}

func (s *driverSession) checkWaitConditions(ctx context.Context) error {
	selectors := make([]string, 0, len(s.inv.WaitConditions))
	for sel := range s.inv.WaitConditions {
		selectors = append(selectors, sel)
	}
	sort.Strings(selectors)

	for _, sel := range selectors {
		expected := s.inv.WaitConditions[sel]
		actual, err := s.client.FindElements(ctx, s.sessionID, sel)
		if err != nil {
			return err
		}
		logging.GetRunLogger().WithFields(s.fields).WithFields(logrus.Fields{
			"selector": sel,
			"expected": expected,
			"actual":   actual,
		}).Debug("Checked wait condition")
		if actual != expected {
			return fmt.Errorf("%w: %q: expected %d, found %d", ErrWaitConditionFailed, sel, expected, actual)
		}
	}
	return nil
}

func (s *driverSession) Shutdown(ctx context.Context) error {
	if s.deleteOnShutdown && s.sessionID != "" && !s.proc.Exited() {
		deleteCtx, cancel := context.WithTimeout(ctx, s.opts.ShutdownTimeout)
		err := s.client.DeleteSession(deleteCtx, s.sessionID)
		cancel()
		if err != nil {
			logging.GetRunLogger().WithFields(s.fields).WithError(err).Warn("Failed to close WebDriver session")
		}
	}
	return s.processSession.Shutdown(ctx)
}

func (s *driverSession) Collect(dir string, set sample.ArtifactSet) error {
	return s.collect(dir, set)
}

// chromeDriverEngine runs Chromium through ChromeDriver.
type chromeDriverEngine struct {
	baseEngine
}

func (e *chromeDriverEngine) capabilities(binary, traceFile string, inv Invocation) map[string]any {
	mobileEmulation := map[string]any{}
	if inv.UserAgent != "" {
		// ChromeDriver ignores the standard top-level userAgent capability.
		mobileEmulation["userAgent"] = inv.UserAgent
	}
	if w, h, ok := inv.screen(); ok {
		mobileEmulation["deviceMetrics"] = map[string]any{"width": w, "height": h}
	}

	args := append([]string(nil), e.cfg.Args...)
	args = append(args, "--trace-startup", "--trace-startup-file="+traceFile)
	args = append(args, inv.ExtraArgs...)

	return map[string]any{
		"pageLoadStrategy":    "none",
		"acceptInsecureCerts": true,
		"goog:chromeOptions": map[string]any{
			"mobileEmulation": mobileEmulation,
			"binary":          binary,
			"args":            args,
		},
	}
}

func (e *chromeDriverEngine) Start(ctx context.Context, inv Invocation) (Session, error) {
	binary, err := exec.LookPath(e.cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrEngineLaunchFailed, e.cfg.Path, err)
	}
	if binary, err = filepath.Abs(binary); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEngineLaunchFailed, err)
	}

	port, err := freePort()
	if err != nil {
		return nil, fmt.Errorf("%w: pick driver port: %w", ErrEngineLaunchFailed, err)
	}
	traceDir := filepath.Join(inv.WorkDir, "trace")
	if err := os.MkdirAll(traceDir, 0o755); err != nil {
		return nil, err
	}

	proc, err := startProcess(processSpec{
		Name: "chromedriver",
		Path: e.cfg.Driver,
		Args: []string{"--port=" + strconv.Itoa(port)},
		Dir:  inv.WorkDir,
	}, inv.Fields)
	if err != nil {
		return nil, err
	}

	return &driverSession{
		processSession: processSession{proc: proc, signal: unix.SIGTERM, openTime: inv.OpenTime, opts: e.opts, fields: inv.Fields},
		client:         webdriver.New("http://127.0.0.1:" + strconv.Itoa(port)).SetPollInterval(e.opts.PollInterval),
		inv:            inv,
		caps:           e.capabilities(binary, filepath.Join(traceDir, chromiumTrace), inv),
		hook:           e.hook(),

		deleteOnShutdown: true,
		collect: func(dir string, set sample.ArtifactSet) error {
			return collectFirstTrace(traceDir, filepath.Join(dir, set.Trace))
		},
	}, nil
}

// collectFirstTrace takes whatever trace Chromium left in traceDir; under
// ChromeDriver it does not always rename it to the requested file name.
func collectFirstTrace(traceDir, dst string) error {
	entries, err := os.ReadDir(traceDir)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrArtifactMissing, err)
	}
	for _, e := range entries {
		if e.Type().IsRegular() {
			return relocate(filepath.Join(traceDir, e.Name()), dst)
		}
	}
	return fmt.Errorf("%w: no trace in %s", ErrArtifactMissing, traceDir)
}

// servoDriverEngine runs Servo with its built-in WebDriver server.
type servoDriverEngine struct {
	baseEngine
}

func (e *servoDriverEngine) Start(ctx context.Context, inv Invocation) (Session, error) {
	port, err := freePort()
	if err != nil {
		return nil, fmt.Errorf("%w: pick webdriver port: %w", ErrEngineLaunchFailed, err)
	}

	servo := servoEngine{baseEngine: e.baseEngine}
	args := append([]string(nil), e.cfg.Args...)
	args = append(args,
		"--webdriver="+strconv.Itoa(port),
		"--profiler-trace-path="+filepath.Join(inv.WorkDir, servoHTMLTrace),
	)
	if inv.UserAgent != "" {
		args = append(args, "--user-agent="+inv.UserAgent)
	}
	if w, h, ok := inv.screen(); ok {
		args = append(args, fmt.Sprintf("--window-size=%dx%d", w, h))
	}
	args = append(args, inv.ExtraArgs...)

	proc, err := startProcess(processSpec{
		Name: "servo",
		Path: e.cfg.Path,
		Args: args,
		Dir:  inv.WorkDir,
		Env:  servo.env(),
	}, inv.Fields)
	if err != nil {
		return nil, err
	}

	workDir := inv.WorkDir
	return &driverSession{
		processSession: processSession{proc: proc, signal: unix.SIGTERM, openTime: inv.OpenTime, opts: e.opts, fields: inv.Fields},
		client:         webdriver.New("http://127.0.0.1:" + strconv.Itoa(port)).SetPollInterval(e.opts.PollInterval),
		inv:            inv,
		caps:           map[string]any{"acceptInsecureCerts": true},
		hook:           e.hook(),
		collect: func(dir string, set sample.ArtifactSet) error {
			return collectDualFormat(
				filepath.Join(workDir, servoHTMLTrace),
				filepath.Join(workDir, servoPerfettoTrace),
				dir, set)
		},
	}, nil
}
