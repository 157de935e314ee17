package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"browser-bench/internal/engine/enginetest"
	"browser-bench/internal/sample"
	"browser-bench/internal/study"

	"github.com/stretchr/testify/require"
)

func testOptions() Options {
	return Options{
		Env:             Env{ServoTracing: "debug"},
		ShutdownTimeout: 2 * time.Second,
		PollInterval:    20 * time.Millisecond,
		HookAttempts:    3,
		HookInterval:    10 * time.Millisecond,
	}
}

func newRunner(t *testing.T, sampleSize int) *Runner {
	return &Runner{
		Layout:          sample.Layout{StudyDir: t.TempDir(), SampleSize: sampleSize},
		TempRoot:        t.TempDir(),
		ReadyTimeout:    2 * time.Second,
		CleanupAttempts: 2,
		CleanupInterval: time.Millisecond,
	}
}

func request(dir string, run int) RunRequest {
	return RunRequest{
		Sample:    "16/site.engine",
		Run:       run,
		ResultDir: dir,
		Invocation: Invocation{
			URL:        "http://example.com/",
			OpenTime:   50 * time.Millisecond,
			UserAgent:  "Mobile UA",
			ScreenSize: []int{320, 568},
			ExtraArgs:  []string{"--extra"},
		},
	}
}

func TestRunOnce_ChromiumLike(t *testing.T) {
	fake := enginetest.Chromium(t, t.TempDir())
	eng, err := New(study.Engine{Kind: study.ChromiumLike, Path: fake.Path}, testOptions())
	require.NoError(t, err)

	r := newRunner(t, 2)
	dir := t.TempDir()
	out, err := r.RunOnce(context.Background(), eng, request(dir, 1))
	require.NoError(t, err)
	require.Equal(t, "trace1.pftrace", out.Set.Trace)
	require.Greater(t, out.Wall, time.Duration(0))

	data, err := os.ReadFile(filepath.Join(dir, "trace1.pftrace"))
	require.NoError(t, err)
	require.Equal(t, "chromium trace\n", string(data))

	launches := fake.Launches(t)
	require.Len(t, launches, 1)
	require.Contains(t, launches[0], "--user-agent=Mobile UA")
	require.Contains(t, launches[0], "--window-size=320,568")
	require.True(t, strings.HasSuffix(launches[0], "--extra http://example.com/"))

	entries, err := os.ReadDir(r.TempRoot)
	require.NoError(t, err)
	require.Empty(t, entries, "work dir must be removed")
}

func TestRunOnce_ServoLikeWritesManifest(t *testing.T) {
	fake := enginetest.Servo(t, t.TempDir())
	eng, err := New(study.Engine{Kind: study.ServoLike, Path: fake.Path}, testOptions())
	require.NoError(t, err)

	r := newRunner(t, 10)
	dir := t.TempDir()
	_, err = r.RunOnce(context.Background(), eng, request(dir, 3))
	require.NoError(t, err)

	m, err := sample.ReadManifest(filepath.Join(dir, "manifest03.json"))
	require.NoError(t, err)
	require.Equal(t, sample.Manifest{HTML: "trace03.html", Perfetto: "trace03.pftrace"}, m)
	_, perfetto, err := m.Resolve(dir)
	require.NoError(t, err)

	data, err := os.ReadFile(perfetto)
	require.NoError(t, err)
	require.Equal(t, "tracing=debug\n", string(data))

	require.Contains(t, fake.Launches(t)[0], "--window-size=320x568")
}

func TestRunOnce_MissingExecutable(t *testing.T) {
	eng, err := New(study.Engine{Kind: study.ChromiumLike, Path: filepath.Join(t.TempDir(), "nope")}, testOptions())
	require.NoError(t, err)

	_, err = newRunner(t, 2).RunOnce(context.Background(), eng, request(t.TempDir(), 1))
	require.ErrorIs(t, err, ErrEngineLaunchFailed)

	var runErr *RunError
	require.True(t, errors.As(err, &runErr))
	require.Equal(t, StateLaunching, runErr.State)
	require.Equal(t, 1, runErr.Run)
}

func TestRunOnce_ShutdownTimeout(t *testing.T) {
	fake := enginetest.Stubborn(t, t.TempDir())
	opts := testOptions()
	opts.ShutdownTimeout = 200 * time.Millisecond
	eng, err := New(study.Engine{Kind: study.ServoLike, Path: fake.Path}, opts)
	require.NoError(t, err)

	start := time.Now()
	_, err = newRunner(t, 2).RunOnce(context.Background(), eng, request(t.TempDir(), 1))
	require.ErrorIs(t, err, ErrGracefulShutdownTimeout)
	require.Less(t, time.Since(start), 10*time.Second)

	var runErr *RunError
	require.True(t, errors.As(err, &runErr))
	require.Equal(t, StateShuttingDown, runErr.State)
}

func TestRunOnce_ArtifactMissing(t *testing.T) {
	fake := enginetest.Traceless(t, t.TempDir())
	eng, err := New(study.Engine{Kind: study.ChromiumLike, Path: fake.Path}, testOptions())
	require.NoError(t, err)

	dir := t.TempDir()
	_, err = newRunner(t, 2).RunOnce(context.Background(), eng, request(dir, 1))
	require.ErrorIs(t, err, ErrArtifactMissing)

	var runErr *RunError
	require.True(t, errors.As(err, &runErr))
	require.Equal(t, StateExited, runErr.State)
}

func TestRunOnce_EngineExitsEarly(t *testing.T) {
	fake := enginetest.Crashing(t, t.TempDir())
	eng, err := New(study.Engine{Kind: study.ChromiumLike, Path: fake.Path}, testOptions())
	require.NoError(t, err)

	req := request(t.TempDir(), 1)
	req.Invocation.OpenTime = 5 * time.Second
	_, err = newRunner(t, 2).RunOnce(context.Background(), eng, req)
	require.ErrorIs(t, err, ErrEngineExited)
}

func TestRunOnce_CancelStillShutsDownGracefully(t *testing.T) {
	fake := enginetest.Chromium(t, t.TempDir())
	eng, err := New(study.Engine{Kind: study.ChromiumLike, Path: fake.Path}, testOptions())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	req := request(t.TempDir(), 1)
	req.Invocation.OpenTime = time.Minute
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	r := newRunner(t, 2)
	_, err = r.RunOnce(ctx, eng, req)
	require.ErrorIs(t, err, context.Canceled)

	var runErr *RunError
	require.True(t, errors.As(err, &runErr))
	require.Equal(t, StateSteady, runErr.State)
}

func TestRunOnce_CleanupFailureIsNotFatal(t *testing.T) {
	fake := enginetest.Chromium(t, t.TempDir())
	eng, err := New(study.Engine{Kind: study.ChromiumLike, Path: fake.Path}, testOptions())
	require.NoError(t, err)

	r := newRunner(t, 2)
	attempts := 0
	r.removeAll = func(string) error {
		attempts++
		return errors.New("device or resource busy")
	}

	dir := t.TempDir()
	_, err = r.RunOnce(context.Background(), eng, request(dir, 2))
	require.NoError(t, err)
	require.Equal(t, 2, attempts)
	require.FileExists(t, filepath.Join(dir, "trace2.pftrace"))
}

func TestRunOnce_WindowHook(t *testing.T) {
	dir := t.TempDir()
	fake := enginetest.Chromium(t, dir)
	hookLog := filepath.Join(dir, "hook.log")
	hook := filepath.Join(dir, "place-window")
	require.NoError(t, os.WriteFile(hook, []byte("#!/bin/sh\necho \"$1\" >> '"+hookLog+"'\n"), 0o755))

	eng, err := New(study.Engine{Kind: study.ChromiumLike, Path: fake.Path, WindowHook: []string{hook, "{pid}"}}, testOptions())
	require.NoError(t, err)

	_, err = newRunner(t, 2).RunOnce(context.Background(), eng, request(t.TempDir(), 1))
	require.NoError(t, err)

	data, err := os.ReadFile(hookLog)
	require.NoError(t, err)
	require.NotEqual(t, "{pid}", strings.TrimSpace(string(data)))
	require.NotEmpty(t, strings.TrimSpace(string(data)))
}

func TestWindowHook_Args(t *testing.T) {
	require.Equal(t, []string{"move", "--pid=42", "0"}, WindowHook{Command: []string{"move", "--pid={pid}", "0"}}.args(42))
	require.Equal(t, []string{"move", "42"}, WindowHook{Command: []string{"move"}}.args(42))
}

func TestNew_UnknownKind(t *testing.T) {
	_, err := New(study.Engine{Kind: "Gecko", Path: "/bin/true"}, Options{})
	require.Error(t, err)
}

func TestLoadEnv(t *testing.T) {
	t.Setenv("SERVO_PERF_BROWSER_OPEN_TIME", "7")
	t.Setenv("SERVO_TRACING", "info")
	env, err := LoadEnv()
	require.NoError(t, err)
	require.Equal(t, 7*time.Second, env.OpenTimeOverride())
	require.Equal(t, "info", env.ServoTracing)
	require.Equal(t, 60*time.Second, env.ShutdownTimeout)
}
