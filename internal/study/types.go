package study

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultOpenTime is used when neither the site, the environment nor the
// study set a browser open time.
const DefaultOpenTime = 10 * time.Second

type Study struct {
	SampleSize   int    `yaml:"sample_size" validate:"required,min=2"`
	OpenTime     int    `yaml:"open_time" validate:"gte=0"`
	LogLevel     string `yaml:"log_level"`
	PerfCounters bool   `yaml:"perf_counters"`

	CPUConfigs map[string]CPUList `yaml:"cpu_configs" validate:"required,min=1"`
	Sites      map[string]Site    `yaml:"sites" validate:"required,min=1"`
	Engines    map[string]Engine  `yaml:"engines" validate:"required,min=1,dive"`

	Isolation IsolationConfig `yaml:"isolation"`
	Data      DataConfig      `yaml:"data"`

	AnalyseCommand []string `yaml:"analyse_command"`
	ReportCommand  []string `yaml:"report_command"`

	// Dir is the study directory the file was loaded from.
	Dir string `yaml:"-"`
}

type IsolationConfig struct {
	GroupName          string `yaml:"group_name"`
	DefaultGovernor    string `yaml:"default_governor"`
	SettleMS           int    `yaml:"settle_ms" validate:"gte=0"`
	ActivationTimeoutS int    `yaml:"activation_timeout_s" validate:"gte=0"`
	RDTClass           string `yaml:"rdt_class"`
	CheckPerf          bool   `yaml:"check_perf"`

	SysRoot    string `yaml:"sys_root"`
	ProcRoot   string `yaml:"proc_root"`
	CgroupRoot string `yaml:"cgroup_root"`
}

type DataConfig struct {
	DB *DatabaseConfig `yaml:"db"`
}

type DatabaseConfig struct {
	Host   string `yaml:"host" validate:"required"`
	Bucket string `yaml:"bucket" validate:"required"`
	Org    string `yaml:"org" validate:"required"`
	Token  string `yaml:"token" validate:"required"`
}

type EngineKind string

const (
	ServoLike        EngineKind = "ServoLike"
	ChromiumLike     EngineKind = "ChromiumLike"
	ServoDriverLike  EngineKind = "ServoDriverLike"
	ChromeDriverLike EngineKind = "ChromeDriverLike"
)

// ParseEngineKind accepts the canonical kind names and the short names used
// by older study files ("Servo", "Chromium", "ChromeDriver").
func ParseEngineKind(s string) (EngineKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "servolike", "servo":
		return ServoLike, nil
	case "chromiumlike", "chromium":
		return ChromiumLike, nil
	case "servodriverlike", "servodriver":
		return ServoDriverLike, nil
	case "chromedriverlike", "chromedriver":
		return ChromeDriverLike, nil
	}
	return "", fmt.Errorf("unknown engine kind %q", s)
}

// DualFormat reports whether the engine emits an HTML trace and a Perfetto
// trace per run.
func (k EngineKind) DualFormat() bool {
	return k == ServoLike || k == ServoDriverLike
}

// DriverControlled reports whether the engine is driven over WebDriver.
func (k EngineKind) DriverControlled() bool {
	return k == ServoDriverLike || k == ChromeDriverLike
}

func (k *EngineKind) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := ParseEngineKind(raw)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

type Engine struct {
	Kind EngineKind `yaml:"kind"`
	// Type is the key older study files use for Kind.
	Type        EngineKind `yaml:"type"`
	Path        string     `yaml:"path" validate:"required"`
	Description string     `yaml:"description"`
	// Driver is the WebDriver server binary for ChromeDriverLike engines.
	Driver     string   `yaml:"driver"`
	WindowHook []string `yaml:"window_hook"`
	Args       []string `yaml:"args"`
}

// CPUList is an ordered set of logical CPU ids. It decodes from a sequence
// of integers or from a cpuset string such as "14-15".
type CPUList []int

func (c *CPUList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		cpus, err := ParseCPUSpec(value.Value)
		if err != nil {
			return err
		}
		*c = cpus
		return nil
	case yaml.SequenceNode:
		var ids []int
		if err := value.Decode(&ids); err != nil {
			return err
		}
		seen := make(map[int]bool, len(ids))
		for _, id := range ids {
			if id < 0 {
				return fmt.Errorf("invalid CPU id %d", id)
			}
			if seen[id] {
				return fmt.Errorf("CPU %d listed more than once", id)
			}
			seen[id] = true
		}
		*c = ids
		return nil
	}
	return fmt.Errorf("cpu config must be a list or a cpuset string (line %d)", value.Line)
}

type Site struct {
	URL            string
	OpenTime       time.Duration
	UserAgent      string
	ScreenSize     []int
	WaitConditions map[string]int
	ExtraArgs      map[string][]string
}

type siteFields struct {
	URL                  string              `yaml:"url"`
	OpenTime             *int                `yaml:"open_time"`
	BrowserOpenTime      *int                `yaml:"browser_open_time"`
	UserAgent            string              `yaml:"user_agent"`
	ScreenSize           []int               `yaml:"screen_size"`
	WaitConditions       map[string]int      `yaml:"wait_conditions"`
	WaitForSelectors     map[string]int      `yaml:"wait_for_selectors"`
	ExtraArgsByEngine    map[string][]string `yaml:"extra_args_by_engine"`
	ExtraEngineArguments map[string][]string `yaml:"extra_engine_arguments"`
}

// UnmarshalYAML accepts either a bare URL or a table of per-site overrides.
func (s *Site) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		*s = Site{URL: value.Value}
		return nil
	}
	var f siteFields
	if err := value.Decode(&f); err != nil {
		return err
	}
	site := Site{
		URL:            f.URL,
		UserAgent:      f.UserAgent,
		ScreenSize:     f.ScreenSize,
		WaitConditions: mergeCounts(f.WaitConditions, f.WaitForSelectors),
		ExtraArgs:      mergeArgs(f.ExtraArgsByEngine, f.ExtraEngineArguments),
	}
	openTime := f.OpenTime
	if openTime == nil {
		openTime = f.BrowserOpenTime
	}
	if openTime != nil {
		if *openTime <= 0 {
			return fmt.Errorf("open_time must be greater than 0 (line %d)", value.Line)
		}
		site.OpenTime = time.Duration(*openTime) * time.Second
	}
	*s = site
	return nil
}

// OpenTimeOr returns the site's own open time, or fallback when unset.
func (s Site) OpenTimeOr(fallback time.Duration) time.Duration {
	if s.OpenTime > 0 {
		return s.OpenTime
	}
	return fallback
}

func (s Site) ScreenSizePair() (width, height int, ok bool) {
	if len(s.ScreenSize) != 2 {
		return 0, 0, false
	}
	return s.ScreenSize[0], s.ScreenSize[1], true
}

func (s Site) ExtraArgsFor(engineKey string) []string {
	return append([]string(nil), s.ExtraArgs[engineKey]...)
}

type KeyedCPUConfig struct {
	Key  string
	CPUs []int
}

type KeyedSite struct {
	Key string
	Site
}

type KeyedEngine struct {
	Key string
	Engine
}

// CPUConfigList returns cpu-configs in study order (sorted by key).
func (s *Study) CPUConfigList() []KeyedCPUConfig {
	out := make([]KeyedCPUConfig, 0, len(s.CPUConfigs))
	for _, key := range sortedKeys(s.CPUConfigs) {
		out = append(out, KeyedCPUConfig{Key: key, CPUs: append([]int(nil), s.CPUConfigs[key]...)})
	}
	return out
}

func (s *Study) SiteList() []KeyedSite {
	out := make([]KeyedSite, 0, len(s.Sites))
	for _, key := range sortedKeys(s.Sites) {
		out = append(out, KeyedSite{Key: key, Site: s.Sites[key]})
	}
	return out
}

func (s *Study) EngineList() []KeyedEngine {
	out := make([]KeyedEngine, 0, len(s.Engines))
	for _, key := range sortedKeys(s.Engines) {
		out = append(out, KeyedEngine{Key: key, Engine: s.Engines[key]})
	}
	return out
}

// DefaultOpenTime resolves the study-wide open time: the environment
// override wins over the study value, which wins over DefaultOpenTime.
func (s *Study) DefaultOpenTime(envOverride time.Duration) time.Duration {
	if envOverride > 0 {
		return envOverride
	}
	if s.OpenTime > 0 {
		return time.Duration(s.OpenTime) * time.Second
	}
	return DefaultOpenTime
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func mergeCounts(a, b map[string]int) map[string]int {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	out := make(map[string]int, len(a)+len(b))
	for k, v := range b {
		out[k] = v
	}
	for k, v := range a {
		out[k] = v
	}
	return out
}

func mergeArgs(a, b map[string][]string) map[string][]string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	out := make(map[string][]string, len(a)+len(b))
	for k, v := range b {
		out[k] = v
	}
	for k, v := range a {
		out[k] = v
	}
	return out
}
