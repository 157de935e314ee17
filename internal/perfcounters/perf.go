package perfcounters

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"browser-bench/internal/logging"

	"github.com/elastic/go-perf"
	"github.com/sirupsen/logrus"
)

var hardwareCounters = []perf.HardwareCounter{
	perf.CPUCycles,
	perf.Instructions,
	perf.CacheReferences,
	perf.CacheMisses,
	perf.BranchInstructions,
	perf.BranchMisses,
}

// Counts maps counter labels to totals summed over the isolated CPUs,
// scaled for multiplexing.
type Counts map[string]uint64

// Set is a group of system-wide counters on a fixed set of CPUs. It needs a
// relaxed perf_event_paranoid.
type Set struct {
	mu     sync.Mutex
	cpus   []int
	events []*perf.Event
}

// Open opens every hardware counter on every cpu. Counters the PMU does not
// support are skipped; a set with no counters at all is an error.
func Open(cpus []int) (*Set, error) {
	logger := logging.GetLogger()
	s := &Set{cpus: append([]int(nil), cpus...)}

	for _, cpu := range cpus {
		for _, counter := range hardwareCounters {
			attr := &perf.Attr{}
			counter.Configure(attr)
			attr.CountFormat.Enabled = true
			attr.CountFormat.Running = true

			event, err := perf.Open(attr, perf.AllThreads, cpu, nil)
			if err != nil {
				logger.WithFields(logrus.Fields{
					"counter": attr.Label,
					"cpu":     cpu,
				}).WithError(err).Debug("Failed to open perf event, continuing without it")
				continue
			}
			s.events = append(s.events, event)
		}
	}

	if len(s.events) == 0 {
		return nil, fmt.Errorf("no perf counters could be opened on cpus %v", cpus)
	}
	return s, nil
}

func (s *Set) Enable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, event := range s.events {
		if err := event.Enable(); err != nil {
			return fmt.Errorf("failed to enable perf event: %w", err)
		}
	}
	return nil
}

func (s *Set) Disable() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, event := range s.events {
		_ = event.Disable()
	}
}

// Read returns totals since Enable.
func (s *Set) Read() Counts {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(Counts)
	for _, event := range s.events {
		count, err := event.ReadCount()
		if err != nil {
			continue
		}
		counts[count.Label] += Scale(count.Value, uint64(count.Enabled), uint64(count.Running))
	}
	return counts
}

func (s *Set) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, event := range s.events {
		_ = event.Close()
	}
	s.events = nil
}

// Scale corrects a multiplexed counter by the ratio of its enabled to
// running time.
func Scale(value, enabled, running uint64) uint64 {
	if running == 0 || enabled == 0 || running == enabled {
		return value
	}
	return uint64(float64(value) * float64(enabled) / float64(running))
}

// Probe checks that a counter can be opened on cpu.
func Probe(cpu int) error {
	attr := &perf.Attr{}
	perf.CPUClock.Configure(attr)
	event, err := perf.Open(attr, perf.AllThreads, cpu, nil)
	if err != nil {
		return fmt.Errorf("open cpu-clock on cpu %d: %w", cpu, err)
	}
	return event.Close()
}

type countsFile struct {
	CPUs     []int    `json:"cpus"`
	Counters []record `json:"counters"`
}

type record struct {
	Name  string `json:"name"`
	Value uint64 `json:"value"`
}

// WriteFile stores counts as JSON with counters in name order.
func (c Counts) WriteFile(path string, cpus []int) error {
	out := countsFile{CPUs: cpus}
	for name, value := range c {
		out.Counters = append(out.Counters, record{Name: name, Value: value})
	}
	sort.Slice(out.Counters, func(i, j int) bool { return out.Counters[i].Name < out.Counters[j].Name })

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
