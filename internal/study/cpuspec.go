package study

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ParseCPUSpec parses cpuset strings like "0", "0,2,4" or "0-3". Order of
// first appearance is kept; repeats are dropped.
func ParseCPUSpec(spec string) ([]int, error) {
	var cpus []int
	seen := make(map[int]bool)

	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		start, end, err := parseCPURange(part)
		if err != nil {
			return nil, err
		}
		for i := start; i <= end; i++ {
			if !seen[i] {
				cpus = append(cpus, i)
				seen[i] = true
			}
		}
	}

	if len(cpus) == 0 {
		return nil, fmt.Errorf("no CPUs specified")
	}
	return cpus, nil
}

func parseCPURange(part string) (int, int, error) {
	if !strings.Contains(part, "-") {
		cpu, err := strconv.Atoi(part)
		if err != nil || cpu < 0 {
			return 0, 0, fmt.Errorf("invalid CPU number: %s", part)
		}
		return cpu, cpu, nil
	}

	bounds := strings.Split(part, "-")
	if len(bounds) != 2 {
		return 0, 0, fmt.Errorf("invalid CPU range: %s", part)
	}
	start, err := strconv.Atoi(strings.TrimSpace(bounds[0]))
	if err != nil || start < 0 {
		return 0, 0, fmt.Errorf("invalid CPU range start: %s", bounds[0])
	}
	end, err := strconv.Atoi(strings.TrimSpace(bounds[1]))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid CPU range end: %s", bounds[1])
	}
	if start > end {
		return 0, 0, fmt.Errorf("invalid CPU range: start > end (%d > %d)", start, end)
	}
	return start, end, nil
}

// FormatCPUSpec renders cpus in the kernel's cpuset list format, collapsing
// consecutive ids into ranges ("0-3,8,10-11").
func FormatCPUSpec(cpus []int) string {
	if len(cpus) == 0 {
		return ""
	}
	sorted := append([]int(nil), cpus...)
	sort.Ints(sorted)

	var b strings.Builder
	start, prev := sorted[0], sorted[0]
	flush := func() {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		if start == prev {
			b.WriteString(strconv.Itoa(start))
		} else {
			fmt.Fprintf(&b, "%d-%d", start, prev)
		}
	}
	for _, cpu := range sorted[1:] {
		if cpu == prev {
			continue
		}
		if cpu == prev+1 {
			prev = cpu
			continue
		}
		flush()
		start, prev = cpu, cpu
	}
	flush()
	return b.String()
}
