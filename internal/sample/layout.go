package sample

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// MarkerName is the zero-byte file whose presence means every run of a
// sample was captured.
const MarkerName = "done"

// Joiner separates the site and engine keys in a sample directory name.
const Joiner = "."

var ErrInvalidKey = errors.New("invalid key")

// ValidateKey rejects keys that cannot be used as a single path component or
// that would make "<site>.<engine>" ambiguous.
func ValidateKey(key string) error {
	switch {
	case key == "":
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	case key == "." || key == "..":
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	case strings.ContainsAny(key, `/\`):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidKey, key)
	case strings.Contains(key, Joiner):
		return fmt.Errorf("%w: %q contains %q", ErrInvalidKey, key, Joiner)
	case strings.ContainsRune(key, 0):
		return fmt.Errorf("%w: %q contains NUL", ErrInvalidKey, key)
	}
	return nil
}

// Layout maps sample coordinates onto the study directory.
type Layout struct {
	StudyDir   string
	SampleSize int
}

func (l Layout) CPUConfigDir(cpuKey string) string {
	return filepath.Join(l.StudyDir, cpuKey)
}

// PathFor returns <study>/<cpu>/<site>.<engine>.
func (l Layout) PathFor(cpuKey, siteKey, engineKey string) string {
	return filepath.Join(l.StudyDir, cpuKey, siteKey+Joiner+engineKey)
}

// Format is implemented by engine kinds; dual-format engines write an HTML
// trace and a Perfetto trace per run.
type Format interface {
	DualFormat() bool
}

type ArtifactSet struct {
	Trace       string
	SecondTrace string
	Manifest    string
	Counters    string
}

// Files lists the trace files of the set, without manifest or counters.
func (a ArtifactSet) Files() []string {
	files := []string{a.Trace}
	if a.SecondTrace != "" {
		files = append(files, a.SecondTrace)
	}
	return files
}

// RunLabel zero-pads run to the number of digits in SampleSize, so that
// artifact names sort in run order.
func (l Layout) RunLabel(run int) string {
	width := len(strconv.Itoa(l.SampleSize))
	return fmt.Sprintf("%0*d", width, run)
}

func (l Layout) ArtifactNames(format Format, run int) ArtifactSet {
	nn := l.RunLabel(run)
	set := ArtifactSet{Counters: "counters" + nn + ".json"}
	if format.DualFormat() {
		set.Trace = "trace" + nn + ".html"
		set.SecondTrace = "trace" + nn + ".pftrace"
		set.Manifest = "manifest" + nn + ".json"
		return set
	}
	set.Trace = "trace" + nn + ".pftrace"
	return set
}

func IsComplete(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, MarkerName))
	return err == nil && info.Mode().IsRegular()
}

// MarkComplete creates the marker exclusively and syncs it and its directory.
func MarkComplete(dir string) error {
	path := filepath.Join(dir, MarkerName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create marker: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync marker: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close marker: %w", err)
	}
	return syncDir(dir)
}

// Reset empties an incomplete sample directory, creating it when missing.
// A complete sample is never touched.
func Reset(dir string) error {
	if IsComplete(dir) {
		return fmt.Errorf("refusing to reset complete sample %s", dir)
	}
	entries, err := os.ReadDir(dir)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return fmt.Errorf("remove stale %s: %w", e.Name(), err)
		}
	}
	return os.MkdirAll(dir, 0o755)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
