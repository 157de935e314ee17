package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"browser-bench/internal/engine/enginetest"
	"browser-bench/internal/study"
	"browser-bench/internal/webdriver"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestChromeDriverCapabilities(t *testing.T) {
	e := &chromeDriverEngine{baseEngine: baseEngine{cfg: study.Engine{Kind: study.ChromeDriverLike, Args: []string{"--headless=new"}}}}
	caps := e.capabilities("/opt/chrome/chrome", "/tmp/run/trace/chrome.pftrace", Invocation{
		UserAgent:  "Mobile UA",
		ScreenSize: []int{320, 568},
		ExtraArgs:  []string{"--disable-gpu"},
	})

	require.Equal(t, "none", caps["pageLoadStrategy"])
	require.Equal(t, true, caps["acceptInsecureCerts"])

	opts := caps["goog:chromeOptions"].(map[string]any)
	require.Equal(t, "/opt/chrome/chrome", opts["binary"])
	require.Equal(t, []string{"--headless=new", "--trace-startup", "--trace-startup-file=/tmp/run/trace/chrome.pftrace", "--disable-gpu"}, opts["args"])

	mobile := opts["mobileEmulation"].(map[string]any)
	require.Equal(t, "Mobile UA", mobile["userAgent"])
	require.Equal(t, map[string]any{"width": 320, "height": 568}, mobile["deviceMetrics"])
}

func TestCollectFirstTrace(t *testing.T) {
	traceDir := t.TempDir()
	dst := filepath.Join(t.TempDir(), "trace1.pftrace")
	require.ErrorIs(t, collectFirstTrace(traceDir, dst), ErrArtifactMissing)

	require.NoError(t, os.WriteFile(filepath.Join(traceDir, "chrome.pftrace.tmp"), []byte("t"), 0o644))
	require.NoError(t, collectFirstTrace(traceDir, dst))
	require.FileExists(t, dst)
}

func elementsServer(t *testing.T, counts map[string]int) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		elems := make([]map[string]any, counts[body["value"]])
		for i := range elems {
			elems[i] = map[string]any{"element": i}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"value": elems})
	}))
}

func TestDriverSession_WaitConditions(t *testing.T) {
	srv := elementsServer(t, map[string]int{"li.hit": 10, "div.ad": 1})
	defer srv.Close()

	fake := enginetest.Traceless(t, t.TempDir())
	proc, err := startProcess(processSpec{Name: "driver", Path: fake.Path}, nil)
	require.NoError(t, err)
	defer func() { _ = proc.Terminate(unix.SIGTERM, 0, testOptions().ShutdownTimeout) }()

	s := &driverSession{
		processSession: processSession{proc: proc, signal: unix.SIGTERM, opts: testOptions().withDefaults()},
		client:         webdriver.New(srv.URL),
		sessionID:      "s1",
		inv:            Invocation{WaitConditions: map[string]int{"li.hit": 10}},
	}
	require.NoError(t, s.Steady(context.Background()))

	s.inv.WaitConditions = map[string]int{"li.hit": 10, "div.ad": 0}
	require.ErrorIs(t, s.Steady(context.Background()), ErrWaitConditionFailed)
}
