// Package hosttest builds fake sysfs, procfs and cgroupfs trees for tests.
package hosttest

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

type CPU struct {
	ID      int
	Package int
	Core    int
}

// SMT2 returns a single-package machine with the given number of physical
// cores, two threads each. Thread siblings are numbered n and n+cores, as on
// most x86 hosts.
func SMT2(cores int) []CPU {
	cpus := make([]CPU, 0, cores*2)
	for thread := 0; thread < 2; thread++ {
		for core := 0; core < cores; core++ {
			cpus = append(cpus, CPU{ID: thread*cores + core, Core: core})
		}
	}
	return cpus
}

type Machine struct {
	Sys    string
	Proc   string
	Cgroup string
	CPUs   []CPU
	Groups []string
}

// NewMachine lays out a host below t.TempDir(). cpu0 has no online file, like
// on kernels where the boot CPU cannot be hot-unplugged.
func NewMachine(t testing.TB, cpus []CPU, groups ...string) *Machine {
	t.Helper()
	root := t.TempDir()
	m := &Machine{
		Sys:    filepath.Join(root, "sys"),
		Proc:   filepath.Join(root, "proc"),
		Cgroup: filepath.Join(root, "cgroup"),
		CPUs:   cpus,
		Groups: groups,
	}

	maxID := 0
	for _, c := range cpus {
		if c.ID > maxID {
			maxID = c.ID
		}
		dir := filepath.Join(m.Sys, "devices/system/cpu", "cpu"+strconv.Itoa(c.ID))
		m.write(t, filepath.Join(dir, "topology/core_id"), strconv.Itoa(c.Core))
		m.write(t, filepath.Join(dir, "topology/physical_package_id"), strconv.Itoa(c.Package))
		m.write(t, filepath.Join(dir, "cpufreq/scaling_governor"), "schedutil")
		if c.ID != 0 {
			m.write(t, filepath.Join(dir, "online"), "1")
		}
	}
	m.write(t, filepath.Join(m.Sys, "devices/system/cpu/present"), fmt.Sprintf("0-%d", maxID))
	m.write(t, filepath.Join(m.Sys, "devices/system/cpu/cpufreq/boost"), "1")
	m.write(t, filepath.Join(m.Sys, "devices/system/cpu/cpu0/cache/index3/size"), "16384K")

	m.write(t, filepath.Join(m.Proc, "sys/kernel/randomize_va_space"), "2")
	m.write(t, filepath.Join(m.Proc, "sys/kernel/perf_event_paranoid"), "2")
	m.write(t, filepath.Join(m.Proc, "version"), "Linux version 6.8.0-test (builder@host) #1 SMP")
	m.write(t, filepath.Join(m.Proc, "cpuinfo"), "vendor_id\t: GenuineIntel\nmodel name\t: Test CPU @ 3.00GHz\n")

	m.write(t, filepath.Join(m.Cgroup, "cgroup.subtree_control"), "")
	m.write(t, filepath.Join(m.Cgroup, "cgroup.procs"), "")
	for _, g := range groups {
		m.write(t, filepath.Join(m.Cgroup, g, "cpuset.cpus"), "")
		m.write(t, filepath.Join(m.Cgroup, g, "cgroup.procs"), "")
	}
	return m
}

func (m *Machine) write(t testing.TB, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func read(t testing.TB, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return strings.TrimSpace(string(data))
}

// SysFile returns the trimmed content of a file below the sysfs root.
func (m *Machine) SysFile(t testing.TB, rel string) string {
	return read(t, filepath.Join(m.Sys, rel))
}

func (m *Machine) ProcFile(t testing.TB, rel string) string {
	return read(t, filepath.Join(m.Proc, rel))
}

func (m *Machine) CgroupFile(t testing.TB, rel string) string {
	return read(t, filepath.Join(m.Cgroup, rel))
}

// Online reports the online state of cpu; CPUs without an online file are
// always online.
func (m *Machine) Online(t testing.TB, cpu int) bool {
	path := filepath.Join(m.Sys, "devices/system/cpu", "cpu"+strconv.Itoa(cpu), "online")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return true
	}
	return read(t, path) == "1"
}

func (m *Machine) Governor(t testing.TB, cpu int) string {
	return m.SysFile(t, filepath.Join("devices/system/cpu", "cpu"+strconv.Itoa(cpu), "cpufreq/scaling_governor"))
}

// Snapshot returns every file below the three roots with its content.
func (m *Machine) Snapshot(t testing.TB) map[string]string {
	t.Helper()
	out := make(map[string]string)
	for _, root := range []string{m.Sys, m.Proc, m.Cgroup} {
		err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				out[path+"/"] = ""
				return nil
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			out[path] = string(data)
			return nil
		})
		if err != nil {
			t.Fatalf("snapshot %s: %v", root, err)
		}
	}
	return out
}
