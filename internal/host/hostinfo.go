package host

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"browser-bench/internal/logging"

	"github.com/sirupsen/logrus"
)

// HostInfo describes the machine a study was collected on.
type HostInfo struct {
	Hostname      string `json:"hostname"`
	OSInfo        string `json:"os"`
	KernelVersion string `json:"kernel_version"`
	CPUVendor     string `json:"cpu_vendor"`
	CPUModel      string `json:"cpu_model"`
	LogicalCPUs   int    `json:"logical_cpus"`
	PhysicalCores int    `json:"physical_cores"`
	Sockets       int    `json:"sockets"`
	L3CacheBytes  int64  `json:"l3_cache_bytes"`
}

// Describe gathers host information from procfs and sysfs. Missing files
// leave fields at "unknown" or zero.
func Describe(procRoot, sysRoot string) HostInfo {
	logger := logging.GetLogger()

	info := HostInfo{
		OSInfo:        runtime.GOOS + "/" + runtime.GOARCH,
		KernelVersion: "unknown",
		CPUVendor:     "unknown",
		CPUModel:      "unknown",
	}
	if hostname, err := os.Hostname(); err == nil {
		info.Hostname = hostname
	}

	if data, err := os.ReadFile(filepath.Join(procRoot, "version")); err == nil {
		if fields := strings.Fields(string(data)); len(fields) >= 3 {
			info.KernelVersion = fields[2]
		}
	}

	readCPUInfo(filepath.Join(procRoot, "cpuinfo"), &info)

	if topo, err := LoadTopology(sysRoot); err == nil {
		info.LogicalCPUs = len(topo.CPUs())
		info.PhysicalCores = len(topo.Cores())
		packages := make(map[int]bool)
		for _, c := range topo.Cores() {
			packages[c.Package] = true
		}
		info.Sockets = len(packages)
	} else {
		info.LogicalCPUs = runtime.NumCPU()
	}

	if size, err := l3CacheSize(sysRoot); err == nil {
		info.L3CacheBytes = size
	}

	logger.WithFields(logrus.Fields{
		"cpu_model":      info.CPUModel,
		"logical_cpus":   info.LogicalCPUs,
		"physical_cores": info.PhysicalCores,
		"kernel":         info.KernelVersion,
	}).Debug("Host described")

	return info
}

func readCPUInfo(path string, info *HostInfo) {
	file, err := os.Open(path)
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch {
		case key == "vendor_id" && info.CPUVendor == "unknown":
			info.CPUVendor = value
		case key == "model name" && info.CPUModel == "unknown":
			info.CPUModel = value
		}
	}
}

// l3CacheSize reads the size of cpu0's last-level cache ("8192K", "32M" or
// plain bytes).
func l3CacheSize(sysRoot string) (int64, error) {
	for _, index := range []string{"index3", "index2"} {
		data, err := os.ReadFile(filepath.Join(sysRoot, CPUDir, "cpu0", "cache", index, "size"))
		if err != nil {
			continue
		}
		sizeStr := strings.TrimSpace(string(data))
		mult := int64(1)
		switch {
		case strings.HasSuffix(sizeStr, "K"):
			mult, sizeStr = 1024, strings.TrimSuffix(sizeStr, "K")
		case strings.HasSuffix(sizeStr, "M"):
			mult, sizeStr = 1024*1024, strings.TrimSuffix(sizeStr, "M")
		}
		n, err := strconv.ParseInt(sizeStr, 10, 64)
		if err != nil {
			continue
		}
		return n * mult, nil
	}
	return 0, fmt.Errorf("could not determine L3 cache size")
}
