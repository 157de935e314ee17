package host

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"browser-bench/internal/logging"

	"github.com/sirupsen/logrus"
)

var (
	ErrTopologyUnavailable      = errors.New("cpu topology unavailable")
	ErrOverlappingCoreSelection = errors.New("overlapping core selection")
)

// CoreID identifies a physical core. Core ids repeat across packages.
type CoreID struct {
	Package int
	Core    int
}

func (c CoreID) String() string {
	return fmt.Sprintf("package %d core %d", c.Package, c.Core)
}

// OverlapError names the physical core that more than one requested CPU
// lives on.
type OverlapError struct {
	Core CoreID
	CPUs []int
}

func (e *OverlapError) Error() string {
	return fmt.Sprintf("cpus %v share physical core (%s)", e.CPUs, e.Core)
}

func (e *OverlapError) Unwrap() error { return ErrOverlappingCoreSelection }

// Topology maps logical CPUs onto physical cores.
type Topology struct {
	present []int
	coreOf  map[int]CoreID
	cpusOf  map[CoreID][]int
}

// CPUDir is the sysfs cpu directory relative to the sysfs root.
const CPUDir = "devices/system/cpu"

// LoadTopology reads core ids below <sysRoot>/devices/system/cpu. CPUs that
// are offline still expose their topology on most kernels; those that do not
// are kept as present with an unknown core.
func LoadTopology(sysRoot string) (*Topology, error) {
	logger := logging.GetLogger()
	base := filepath.Join(sysRoot, CPUDir)

	present, err := presentCPUs(base)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTopologyUnavailable, err)
	}

	t := &Topology{
		present: present,
		coreOf:  make(map[int]CoreID, len(present)),
		cpusOf:  make(map[CoreID][]int),
	}
	for _, cpu := range present {
		topoDir := filepath.Join(base, "cpu"+strconv.Itoa(cpu), "topology")
		coreID, errCore := readInt(filepath.Join(topoDir, "core_id"))
		pkgID, errPkg := readInt(filepath.Join(topoDir, "physical_package_id"))
		if errCore != nil || errPkg != nil {
			logger.WithFields(logrus.Fields{
				"cpu": cpu,
			}).Debug("No topology for cpu")
			continue
		}
		id := CoreID{Package: pkgID, Core: coreID}
		t.coreOf[cpu] = id
		t.cpusOf[id] = append(t.cpusOf[id], cpu)
	}
	if len(t.coreOf) == 0 {
		return nil, fmt.Errorf("%w: no cpu exposes core_id under %s", ErrTopologyUnavailable, base)
	}
	for id := range t.cpusOf {
		sort.Ints(t.cpusOf[id])
	}
	return t, nil
}

func presentCPUs(base string) ([]int, error) {
	if data, err := os.ReadFile(filepath.Join(base, "present")); err == nil {
		return ParseCPUList(strings.TrimSpace(string(data)))
	}

	entries, err := os.ReadDir(base)
	if err != nil {
		return nil, err
	}
	var cpus []int
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "cpu") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(name, "cpu"))
		if err != nil {
			continue
		}
		cpus = append(cpus, n)
	}
	if len(cpus) == 0 {
		return nil, fmt.Errorf("no cpus listed in %s", base)
	}
	sort.Ints(cpus)
	return cpus, nil
}

// ParseCPUList parses the kernel list format used by sysfs ("0-3,8").
func ParseCPUList(s string) ([]int, error) {
	var cpus []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, found := strings.Cut(part, "-")
		start, err := strconv.Atoi(lo)
		if err != nil {
			return nil, fmt.Errorf("invalid cpu list %q", s)
		}
		end := start
		if found {
			if end, err = strconv.Atoi(hi); err != nil || end < start {
				return nil, fmt.Errorf("invalid cpu list %q", s)
			}
		}
		for i := start; i <= end; i++ {
			cpus = append(cpus, i)
		}
	}
	if len(cpus) == 0 {
		return nil, fmt.Errorf("empty cpu list")
	}
	return cpus, nil
}

func readInt(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// CPUs returns every present logical CPU in ascending order.
func (t *Topology) CPUs() []int {
	return append([]int(nil), t.present...)
}

// IsPresent reports whether cpu exists, online or not.
func (t *Topology) IsPresent(cpu int) bool {
	i := sort.SearchInts(t.present, cpu)
	return i < len(t.present) && t.present[i] == cpu
}

func (t *Topology) CoreOf(cpu int) (CoreID, error) {
	id, ok := t.coreOf[cpu]
	if !ok {
		return CoreID{}, fmt.Errorf("cpu %d: no core information", cpu)
	}
	return id, nil
}

// SiblingsOf returns the logical CPUs of a physical core, ascending.
func (t *Topology) SiblingsOf(core CoreID) []int {
	return append([]int(nil), t.cpusOf[core]...)
}

// Cores returns all physical cores ordered by package, then core id.
func (t *Topology) Cores() []CoreID {
	cores := make([]CoreID, 0, len(t.cpusOf))
	for id := range t.cpusOf {
		cores = append(cores, id)
	}
	sort.Slice(cores, func(i, j int) bool {
		if cores[i].Package != cores[j].Package {
			return cores[i].Package < cores[j].Package
		}
		return cores[i].Core < cores[j].Core
	})
	return cores
}

func (t *Topology) FirstCPUOf(core CoreID) (int, bool) {
	cpus := t.cpusOf[core]
	if len(cpus) == 0 {
		return 0, false
	}
	return cpus[0], true
}

// ValidateOnePerCore checks cpus is non-empty, has no repeats, names only
// known CPUs and holds at most one logical CPU per physical core.
func (t *Topology) ValidateOnePerCore(cpus []int) error {
	if len(cpus) == 0 {
		return fmt.Errorf("%w: no cpus requested", ErrOverlappingCoreSelection)
	}
	seenCPU := make(map[int]bool, len(cpus))
	byCore := make(map[CoreID][]int, len(cpus))
	for _, cpu := range cpus {
		if seenCPU[cpu] {
			return fmt.Errorf("%w: cpu %d requested twice", ErrOverlappingCoreSelection, cpu)
		}
		seenCPU[cpu] = true

		id, err := t.CoreOf(cpu)
		if err != nil {
			return err
		}
		byCore[id] = append(byCore[id], cpu)
	}
	for _, id := range t.Cores() {
		if members := byCore[id]; len(members) > 1 {
			return &OverlapError{Core: id, CPUs: members}
		}
	}
	return nil
}

// Complement returns the lowest logical CPU of every physical core that
// holds none of cpus.
func (t *Topology) Complement(cpus []int) []int {
	used := make(map[CoreID]bool, len(cpus))
	for _, cpu := range cpus {
		if id, ok := t.coreOf[cpu]; ok {
			used[id] = true
		}
	}
	var out []int
	for _, id := range t.Cores() {
		if used[id] {
			continue
		}
		if first, ok := t.FirstCPUOf(id); ok {
			out = append(out, first)
		}
	}
	return out
}

// Siblings returns the CPUs sharing a physical core with any of cpus,
// excluding cpus themselves.
func (t *Topology) Siblings(cpus []int) []int {
	selected := make(map[int]bool, len(cpus))
	for _, cpu := range cpus {
		selected[cpu] = true
	}
	var out []int
	for _, cpu := range cpus {
		id, ok := t.coreOf[cpu]
		if !ok {
			continue
		}
		for _, sib := range t.cpusOf[id] {
			if !selected[sib] {
				out = append(out, sib)
			}
		}
	}
	sort.Ints(out)
	return out
}
