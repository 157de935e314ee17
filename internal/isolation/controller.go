package isolation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"browser-bench/internal/host"
	"browser-bench/internal/logging"
	"browser-bench/internal/study"

	"github.com/sirupsen/logrus"
)

var ErrPartitionActivationFailed = errors.New("partition activation failed")

const (
	aslrPath     = "sys/kernel/randomize_va_space"
	paranoidPath = "sys/kernel/perf_event_paranoid"

	partitionRoot   = "root"
	partitionMember = "member"
)

type Options struct {
	SysRoot    string
	ProcRoot   string
	CgroupRoot string

	// GroupName is the reserved cgroup, directly below CgroupRoot.
	GroupName       string
	DefaultGovernor string

	SettleDelay       time.Duration
	ActivationTimeout time.Duration
	PollInterval      time.Duration

	// RDTClass, when set, is the resctrl class the session pid joins.
	RDTClass string
	RDT      RDTBackend

	// Probe, when set, is called for every isolated CPU after acquisition;
	// failures are logged.
	Probe func(cpu int) error

	FS FS
}

func DefaultOptions() Options {
	return Options{
		SysRoot:           "/sys",
		ProcRoot:          "/proc",
		CgroupRoot:        "/sys/fs/cgroup",
		GroupName:         "browser-bench",
		DefaultGovernor:   "schedutil",
		SettleDelay:       500 * time.Millisecond,
		ActivationTimeout: 5 * time.Second,
		PollInterval:      100 * time.Millisecond,
	}
}

// OptionsFromConfig overlays the study's isolation block on DefaultOptions.
func OptionsFromConfig(cfg study.IsolationConfig) Options {
	opts := DefaultOptions()
	if cfg.SysRoot != "" {
		opts.SysRoot = cfg.SysRoot
	}
	if cfg.ProcRoot != "" {
		opts.ProcRoot = cfg.ProcRoot
	}
	if cfg.CgroupRoot != "" {
		opts.CgroupRoot = cfg.CgroupRoot
	}
	if cfg.GroupName != "" {
		opts.GroupName = cfg.GroupName
	}
	if cfg.DefaultGovernor != "" {
		opts.DefaultGovernor = cfg.DefaultGovernor
	}
	if cfg.SettleMS > 0 {
		opts.SettleDelay = time.Duration(cfg.SettleMS) * time.Millisecond
	}
	if cfg.ActivationTimeoutS > 0 {
		opts.ActivationTimeout = time.Duration(cfg.ActivationTimeoutS) * time.Second
	}
	opts.RDTClass = cfg.RDTClass
	return opts
}

// State is the isolation held between Acquire and Release.
type State struct {
	CPUs            []int
	Others          []int
	Offlined        []int
	PartitionActive bool
	PID             int
	Group           string
	RDTClass        string
}

func (s *State) String() string {
	if s == nil {
		return "no isolation"
	}
	return fmt.Sprintf("cpus=%s others=%s offlined=%s partition=%v",
		study.FormatCPUSpec(s.CPUs), study.FormatCPUSpec(s.Others),
		study.FormatCPUSpec(s.Offlined), s.PartitionActive)
}

// Controller owns the host's CPU tunables and cgroup layout for a session.
// It assumes no concurrent caller.
type Controller struct {
	opts   Options
	fs     FS
	logger *logrus.Logger
}

func NewController(opts Options) *Controller {
	def := DefaultOptions()
	if opts.SysRoot == "" {
		opts.SysRoot = def.SysRoot
	}
	if opts.ProcRoot == "" {
		opts.ProcRoot = def.ProcRoot
	}
	if opts.CgroupRoot == "" {
		opts.CgroupRoot = def.CgroupRoot
	}
	if opts.GroupName == "" {
		opts.GroupName = def.GroupName
	}
	if opts.DefaultGovernor == "" {
		opts.DefaultGovernor = def.DefaultGovernor
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	if opts.ActivationTimeout <= 0 {
		opts.ActivationTimeout = def.ActivationTimeout
	}
	fs := opts.FS
	if fs == nil {
		fs = HostFS()
	}
	return &Controller{opts: opts, fs: fs, logger: logging.GetLogger()}
}

func (c *Controller) Options() Options { return c.opts }

func (c *Controller) cpuPath(parts ...string) string {
	return filepath.Join(append([]string{c.opts.SysRoot, host.CPUDir}, parts...)...)
}

func (c *Controller) cpuFile(cpu int, rel string) string {
	return c.cpuPath("cpu"+strconv.Itoa(cpu), rel)
}

func (c *Controller) groupDir() string {
	return filepath.Join(c.opts.CgroupRoot, c.opts.GroupName)
}

// Acquire reserves cpus for the session pid. The request is validated
// against the topology before any kernel state is written; a failure after
// that point releases what was set up and returns both errors.
func (c *Controller) Acquire(ctx context.Context, cpus []int, pid int) (*State, error) {
	topo, err := host.LoadTopology(c.opts.SysRoot)
	if err != nil {
		return nil, err
	}
	if err := c.prevalidate(topo, cpus); err != nil {
		return nil, err
	}

	st := &State{
		CPUs:  sortedCopy(cpus),
		PID:   pid,
		Group: c.groupDir(),
	}
	fields := logrus.Fields{"cpus": study.FormatCPUSpec(st.CPUs), "group": c.opts.GroupName}
	c.logger.WithFields(fields).Info("Acquiring CPU isolation")

	fail := func(step string, err error) (*State, error) {
		err = fmt.Errorf("%s: %w", step, err)
		c.logger.WithFields(fields).WithError(err).Error("CPU isolation failed, releasing")
		if relErr := c.Release(context.WithoutCancel(ctx), st); relErr != nil {
			err = errors.Join(err, fmt.Errorf("release after failed acquire: %w", relErr))
		}
		return nil, err
	}

	if err := c.writeProc(aslrPath, "0"); err != nil {
		return fail("disable ASLR", err)
	}
	if err := c.writeProc(paranoidPath, "-1"); err != nil {
		return fail("relax perf_event_paranoid", err)
	}

	if err := c.setBoost(false); err != nil {
		return fail("disable boost", err)
	}
	if err := c.onlineAll(); err != nil {
		return fail("online cpus", err)
	}

	// Offline CPUs may have hidden their core ids from the first read.
	if topo, err = host.LoadTopology(c.opts.SysRoot); err != nil {
		return fail("reload topology", err)
	}
	if err := c.validate(topo, cpus); err != nil {
		return fail("revalidate selection", err)
	}

	c.setGovernors(topo.CPUs(), "performance")

	for _, sib := range topo.Siblings(st.CPUs) {
		if err := c.fs.WriteFile(c.cpuFile(sib, "online"), []byte("0")); err != nil {
			return fail(fmt.Sprintf("offline sibling cpu %d", sib), err)
		}
		st.Offlined = append(st.Offlined, sib)
	}

	st.Others = topo.Complement(st.CPUs)

	if err := c.activatePartition(ctx, st); err != nil {
		return fail("activate partition", err)
	}

	if err := c.fs.WriteFile(filepath.Join(st.Group, "cgroup.procs"), []byte(strconv.Itoa(pid))); err != nil {
		return fail("move session into reserved group", err)
	}

	if c.opts.RDTClass != "" && c.opts.RDT != nil {
		if err := c.opts.RDT.AssignPID(pid, c.opts.RDTClass); err != nil {
			return fail("assign RDT class", err)
		}
		st.RDTClass = c.opts.RDTClass
	}

	if c.opts.Probe != nil {
		for _, cpu := range st.CPUs {
			if err := c.opts.Probe(cpu); err != nil {
				c.logger.WithFields(logrus.Fields{"cpu": cpu}).WithError(err).Warn("Perf counters unavailable on isolated cpu")
			}
		}
	}

	c.logger.WithFields(fields).WithField("state", st.String()).Info("CPU isolation active")
	return st, nil
}

// Check validates a selection against the current topology without writing
// anything.
func (c *Controller) Check(cpus []int) error {
	topo, err := host.LoadTopology(c.opts.SysRoot)
	if err != nil {
		return err
	}
	return c.prevalidate(topo, cpus)
}

// prevalidate runs before any write. A CPU left offline by an earlier
// session may not expose its core yet; it only has to be present here and is
// checked again once every CPU is online.
func (c *Controller) prevalidate(topo *host.Topology, cpus []int) error {
	if len(cpus) == 0 {
		return fmt.Errorf("%w: no cpus requested", host.ErrOverlappingCoreSelection)
	}
	seen := make(map[int]bool, len(cpus))
	var known []int
	for _, cpu := range cpus {
		if seen[cpu] {
			return fmt.Errorf("%w: cpu %d requested twice", host.ErrOverlappingCoreSelection, cpu)
		}
		seen[cpu] = true
		if _, err := topo.CoreOf(cpu); err == nil {
			known = append(known, cpu)
			continue
		}
		if !topo.IsPresent(cpu) {
			return fmt.Errorf("cpu %d is not present", cpu)
		}
	}
	if len(known) == len(cpus) {
		return c.validate(topo, cpus)
	}
	if len(known) == 0 {
		return nil
	}
	return topo.ValidateOnePerCore(known)
}

func (c *Controller) validate(topo *host.Topology, cpus []int) error {
	if err := topo.ValidateOnePerCore(cpus); err != nil {
		return err
	}
	if len(topo.Complement(cpus)) == 0 {
		return fmt.Errorf("%w: selection %s leaves no core for the rest of the system",
			host.ErrOverlappingCoreSelection, study.FormatCPUSpec(cpus))
	}
	return nil
}

func (c *Controller) activatePartition(ctx context.Context, st *State) error {
	if err := c.fs.WriteFile(filepath.Join(c.opts.CgroupRoot, "cgroup.subtree_control"), []byte("+cpuset")); err != nil {
		return fmt.Errorf("enable cpuset controller: %w", err)
	}
	if err := c.fs.Mkdir(st.Group); err != nil {
		return fmt.Errorf("create %s: %w", st.Group, err)
	}
	if err := c.fs.WriteFile(filepath.Join(st.Group, "cpuset.cpus"), []byte(study.FormatCPUSpec(st.CPUs))); err != nil {
		return fmt.Errorf("assign reserved cpus: %w", err)
	}

	others, err := c.otherGroups()
	if err != nil {
		return err
	}
	complement := []byte(study.FormatCPUSpec(st.Others))
	for _, dir := range others {
		if err := c.fs.WriteFile(filepath.Join(dir, "cpuset.cpus"), complement); err != nil {
			return fmt.Errorf("move %s to %s: %w", filepath.Base(dir), complement, err)
		}
	}

	if err := sleepCtx(ctx, c.opts.SettleDelay); err != nil {
		return err
	}

	partitionFile := filepath.Join(st.Group, "cpuset.cpus.partition")
	if err := c.fs.WriteFile(partitionFile, []byte(partitionRoot)); err != nil {
		return fmt.Errorf("%w: %w", ErrPartitionActivationFailed, err)
	}

	deadline := time.Now().Add(c.opts.ActivationTimeout)
	var last string
	for {
		data, err := c.fs.ReadFile(partitionFile)
		if err == nil {
			last = strings.TrimSpace(string(data))
			if last == partitionRoot {
				st.PartitionActive = true
				return nil
			}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: partition reads %q after %s", ErrPartitionActivationFailed, last, c.opts.ActivationTimeout)
		}
		if err := sleepCtx(ctx, c.opts.PollInterval); err != nil {
			return err
		}
	}
}

// otherGroups lists the top-level cgroups that carry a cpuset, except the
// reserved one.
func (c *Controller) otherGroups() ([]string, error) {
	entries, err := c.fs.ReadDir(c.opts.CgroupRoot)
	if err != nil {
		return nil, fmt.Errorf("list cgroups: %w", err)
	}
	var dirs []string
	for _, e := range entries {
		if !e.IsDir() || e.Name() == c.opts.GroupName {
			continue
		}
		dir := filepath.Join(c.opts.CgroupRoot, e.Name())
		if _, err := c.fs.ReadFile(filepath.Join(dir, "cpuset.cpus")); err != nil {
			continue
		}
		dirs = append(dirs, dir)
	}
	return dirs, nil
}

// Release puts the host back to known-good defaults regardless of what
// Acquire managed to do. Every step runs; failures are joined.
func (c *Controller) Release(ctx context.Context, st *State) error {
	var errs []error
	note := func(step string, err error) {
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", step, err))
		}
	}

	note("enable ASLR", c.writeProc(aslrPath, "2"))
	note("restrict perf_event_paranoid", c.writeProc(paranoidPath, "2"))
	note("enable boost", c.setBoost(true))
	note("online cpus", c.onlineAll())

	present, err := c.presentCPUs()
	note("read present cpus", err)
	if err == nil {
		c.setGovernors(present, c.opts.DefaultGovernor)
	}

	group := c.groupDir()
	partitionFile := filepath.Join(group, "cpuset.cpus.partition")
	if _, statErr := c.fs.ReadFile(partitionFile); statErr == nil {
		note("demote partition", c.fs.WriteFile(partitionFile, []byte(partitionMember)))
	}

	if err == nil {
		full := []byte(study.FormatCPUSpec(present))
		others, listErr := c.otherGroups()
		note("list cgroups", listErr)
		if _, statErr := c.fs.ReadFile(filepath.Join(group, "cpuset.cpus")); statErr == nil {
			others = append(others, group)
		}
		for _, dir := range others {
			note("restore "+filepath.Base(dir), c.fs.WriteFile(filepath.Join(dir, "cpuset.cpus"), full))
		}
	}

	if st != nil {
		if st.RDTClass != "" && c.opts.RDT != nil {
			note("reset RDT class", c.opts.RDT.ResetPID(st.PID))
			st.RDTClass = ""
		}
		st.PartitionActive = false
		st.Offlined = nil
	}

	err = errors.Join(errs...)
	entry := c.logger.WithField("group", c.opts.GroupName)
	if err != nil {
		entry.WithError(err).Error("CPU isolation release incomplete")
	} else {
		entry.Info("CPU isolation released")
	}
	return err
}

func (c *Controller) writeProc(rel, value string) error {
	return c.fs.WriteFile(filepath.Join(c.opts.ProcRoot, rel), []byte(value))
}

// setBoost toggles frequency boost through cpufreq/boost, or
// intel_pstate/no_turbo where the former is absent. Hosts exposing neither
// are left alone.
func (c *Controller) setBoost(enabled bool) error {
	boost, noTurbo := "0", "1"
	if enabled {
		boost, noTurbo = "1", "0"
	}
	for _, knob := range []struct{ path, value string }{
		{c.cpuPath("cpufreq", "boost"), boost},
		{c.cpuPath("intel_pstate", "no_turbo"), noTurbo},
	} {
		if _, err := c.fs.ReadFile(knob.path); err != nil {
			continue
		}
		return c.fs.WriteFile(knob.path, []byte(knob.value))
	}
	c.logger.Debug("No boost control found")
	return nil
}

func (c *Controller) presentCPUs() ([]int, error) {
	data, err := c.fs.ReadFile(c.cpuPath("present"))
	if err != nil {
		return nil, err
	}
	return host.ParseCPUList(strings.TrimSpace(string(data)))
}

// onlineAll brings every present CPU online. CPUs without an online file
// cannot be hot-unplugged and are skipped.
func (c *Controller) onlineAll() error {
	present, err := c.presentCPUs()
	if err != nil {
		return err
	}
	var errs []error
	for _, cpu := range present {
		path := c.cpuFile(cpu, "online")
		if _, err := c.fs.ReadFile(path); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			errs = append(errs, fmt.Errorf("cpu %d: %w", cpu, err))
			continue
		}
		if err := c.fs.WriteFile(path, []byte("1")); err != nil {
			errs = append(errs, fmt.Errorf("cpu %d: %w", cpu, err))
		}
	}
	return errors.Join(errs...)
}

// setGovernors is best effort: some CPUs do not expose a governor.
func (c *Controller) setGovernors(cpus []int, governor string) {
	for _, cpu := range cpus {
		path := c.cpuFile(cpu, "cpufreq/scaling_governor")
		if err := c.fs.WriteFile(path, []byte(governor)); err != nil {
			c.logger.WithFields(logrus.Fields{
				"cpu":      cpu,
				"governor": governor,
			}).WithError(err).Debug("Could not set governor")
		}
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

func sortedCopy(in []int) []int {
	out := append([]int(nil), in...)
	sort.Ints(out)
	return out
}
