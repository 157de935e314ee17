package study

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

const yamlStudy = `
sample_size: 3
open_time: 8
cpu_configs:
  one-core: [14]
  two-cores: "14,16"
sites:
  example: http://example.com
  mobile:
    url: https://${BB_TEST_HOST}/
    open_time: 4
    user_agent: "Mozilla/5.0 (Mobile)"
    screen_size: [320, 568]
    wait_conditions:
      "div.result": 3
    extra_args_by_engine:
      servo: ["--pref", "dom_webgpu_enabled=false"]
engines:
  servo:
    kind: ServoLike
    path: /opt/servo/servo
  chrome:
    kind: ChromeDriverLike
    path: /opt/chrome/chrome
`

const tomlStudy = `
sample_size = 2

[cpu_configs]
"16" = [16]

[sites]
example = "http://example.com"

[sites.search]
url = "https://search.example"
browser_open_time = 6
wait_for_selectors = { "li.hit" = 10 }
extra_engine_arguments = { chromium = ["--disable-gpu"] }

[engines.servo]
type = "Servo"
path = "/opt/servo/servo"
description = "Servo nightly"

[engines.chromium]
type = "Chromium"
path = "/usr/bin/chromium"
`

func writeStudy(t *testing.T, name, content string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write study: %v", err)
	}
	return dir
}

func TestLoad_YAML(t *testing.T) {
	t.Setenv("BB_TEST_HOST", "m.example")
	dir := writeStudy(t, "study.yaml", yamlStudy)

	st, content, err := LoadWithContent(dir)
	if err != nil {
		t.Fatalf("LoadWithContent: %v", err)
	}
	if content != yamlStudy {
		t.Fatalf("expected original content to be returned unexpanded")
	}
	if st.SampleSize != 3 {
		t.Fatalf("sample_size = %d", st.SampleSize)
	}
	if got := []int(st.CPUConfigs["two-cores"]); !reflect.DeepEqual(got, []int{14, 16}) {
		t.Fatalf("two-cores = %v", got)
	}

	mobile := st.Sites["mobile"]
	if mobile.URL != "https://m.example/" {
		t.Fatalf("env var not expanded: %q", mobile.URL)
	}
	if mobile.OpenTime != 4*time.Second {
		t.Fatalf("open time = %v", mobile.OpenTime)
	}
	if w, h, ok := mobile.ScreenSizePair(); !ok || w != 320 || h != 568 {
		t.Fatalf("screen size = %d x %d (%v)", w, h, ok)
	}
	if mobile.WaitConditions["div.result"] != 3 {
		t.Fatalf("wait conditions = %v", mobile.WaitConditions)
	}
	if args := mobile.ExtraArgsFor("servo"); len(args) != 2 {
		t.Fatalf("extra args = %v", args)
	}
	if st.Sites["example"].URL != "http://example.com" {
		t.Fatalf("bare site url = %q", st.Sites["example"].URL)
	}

	if st.Engines["chrome"].Driver != "chromedriver" {
		t.Fatalf("expected default driver, got %q", st.Engines["chrome"].Driver)
	}
	if !st.Engines["servo"].Kind.DualFormat() || st.Engines["chrome"].Kind.DualFormat() {
		t.Fatalf("unexpected dual-format classification")
	}
	if st.Dir == "" || !filepath.IsAbs(st.Dir) {
		t.Fatalf("expected absolute study dir, got %q", st.Dir)
	}
}

func TestLoad_TOML(t *testing.T) {
	dir := writeStudy(t, "study.toml", tomlStudy)

	st, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if st.Engines["servo"].Kind != ServoLike || st.Engines["chromium"].Kind != ChromiumLike {
		t.Fatalf("engine kinds = %v / %v", st.Engines["servo"].Kind, st.Engines["chromium"].Kind)
	}
	search := st.Sites["search"]
	if search.OpenTime != 6*time.Second {
		t.Fatalf("browser_open_time not honoured: %v", search.OpenTime)
	}
	if search.WaitConditions["li.hit"] != 10 {
		t.Fatalf("wait_for_selectors not honoured: %v", search.WaitConditions)
	}
	if got := search.ExtraArgsFor("chromium"); !reflect.DeepEqual(got, []string{"--disable-gpu"}) {
		t.Fatalf("extra_engine_arguments not honoured: %v", got)
	}
}

func TestLoad_PrefersYAML(t *testing.T) {
	dir := writeStudy(t, "study.toml", "not = [valid")
	if err := os.WriteFile(filepath.Join(dir, "study.yaml"), []byte(yamlStudy), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(dir); err != nil {
		t.Fatalf("expected study.yaml to win, got %v", err)
	}
}

func TestParse_Rejects(t *testing.T) {
	cases := map[string]string{
		"sample size one": `
sample_size: 1
cpu_configs: {a: [1]}
sites: {s: http://x}
engines: {e: {kind: ServoLike, path: /bin/true}}
`,
		"duplicate cpu": `
sample_size: 2
cpu_configs: {a: [1, 1]}
sites: {s: http://x}
engines: {e: {kind: ServoLike, path: /bin/true}}
`,
		"dot in site key": `
sample_size: 2
cpu_configs: {a: [1]}
sites: {"s.x": http://x}
engines: {e: {kind: ServoLike, path: /bin/true}}
`,
		"unknown kind": `
sample_size: 2
cpu_configs: {a: [1]}
sites: {s: http://x}
engines: {e: {kind: Gecko, path: /bin/true}}
`,
		"missing path": `
sample_size: 2
cpu_configs: {a: [1]}
sites: {s: http://x}
engines: {e: {kind: ServoLike}}
`,
		"no sites": `
sample_size: 2
cpu_configs: {a: [1]}
engines: {e: {kind: ServoLike, path: /bin/true}}
`,
		"bad screen size": `
sample_size: 2
cpu_configs: {a: [1]}
sites: {s: {url: http://x, screen_size: [320]}}
engines: {e: {kind: ServoLike, path: /bin/true}}
`,
		"extra args for unknown engine": `
sample_size: 2
cpu_configs: {a: [1]}
sites: {s: {url: http://x, extra_args_by_engine: {other: [--x]}}}
engines: {e: {kind: ServoLike, path: /bin/true}}
`,
	}

	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(doc), FormatYAML); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestParse_SemanticErrorsAreInvalidStudy(t *testing.T) {
	_, err := Parse([]byte(`
sample_size: 2
cpu_configs: {"..": [1]}
sites: {s: http://x}
engines: {e: {kind: ServoLike, path: /bin/true}}
`), FormatYAML)
	if !errors.Is(err, ErrInvalidStudy) {
		t.Fatalf("expected ErrInvalidStudy, got %v", err)
	}
}

func TestStudy_OrderedAccessors(t *testing.T) {
	st, err := Parse([]byte(yamlStudy), FormatYAML)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	sites := st.SiteList()
	if sites[0].Key != "example" || sites[1].Key != "mobile" {
		t.Fatalf("sites not sorted: %v, %v", sites[0].Key, sites[1].Key)
	}
	engines := st.EngineList()
	if engines[0].Key != "chrome" || engines[1].Key != "servo" {
		t.Fatalf("engines not sorted: %v, %v", engines[0].Key, engines[1].Key)
	}
	if cfgs := st.CPUConfigList(); cfgs[0].Key != "one-core" {
		t.Fatalf("cpu configs not sorted: %v", cfgs[0].Key)
	}
}

func TestStudy_DefaultOpenTime(t *testing.T) {
	st := &Study{}
	if got := st.DefaultOpenTime(0); got != DefaultOpenTime {
		t.Fatalf("got %v, want %v", got, DefaultOpenTime)
	}
	st.OpenTime = 8
	if got := st.DefaultOpenTime(0); got != 8*time.Second {
		t.Fatalf("got %v", got)
	}
	if got := st.DefaultOpenTime(3 * time.Second); got != 3*time.Second {
		t.Fatalf("env override ignored: %v", got)
	}
	if got := (Site{OpenTime: time.Second}).OpenTimeOr(st.DefaultOpenTime(0)); got != time.Second {
		t.Fatalf("site open time ignored: %v", got)
	}
}
