package database

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"browser-bench/internal/host"

	"github.com/klauspost/compress/gzip"
)

const SpoolDirName = "spool"

// SpoolArtifact is the session record written once per collect.
type SpoolArtifact struct {
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`

	SessionID     string `json:"session_id"`
	StudyChecksum string `json:"study_checksum"`
	StudyDir      string `json:"study_dir"`
	StudyContent  string `json:"study_content"`

	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`

	Host    host.HostInfo  `json:"host"`
	Runs    []RunRecord    `json:"runs"`
	Samples []SampleRecord `json:"samples"`
	Errors  []string       `json:"errors,omitempty"`
}

// SpoolDir returns override if set, otherwise <studyDir>/spool.
func SpoolDir(studyDir, override string) string {
	if override != "" {
		return override
	}
	return filepath.Join(studyDir, SpoolDirName)
}

// SpoolRecorder buffers records in memory and writes them with the session
// header when closed.
type SpoolRecorder struct {
	dir string

	mu       sync.Mutex
	artifact SpoolArtifact
	path     string
	closed   bool
}

func NewSpoolRecorder(dir string, header SpoolArtifact) *SpoolRecorder {
	header.Version = 1
	return &SpoolRecorder{dir: dir, artifact: header}
}

func (s *SpoolRecorder) RecordRun(rec RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifact.Runs = append(s.artifact.Runs, rec)
	return nil
}

func (s *SpoolRecorder) RecordSample(rec SampleRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifact.Samples = append(s.artifact.Samples, rec)
	return nil
}

// Finish stamps the end time and any session errors before Close.
func (s *SpoolRecorder) Finish(end time.Time, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifact.EndTime = end
	for _, err := range errs {
		if err != nil {
			s.artifact.Errors = append(s.artifact.Errors, err.Error())
		}
	}
}

func (s *SpoolRecorder) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.artifact.CreatedAt.IsZero() {
		s.artifact.CreatedAt = time.Now()
	}
	if s.artifact.EndTime.IsZero() {
		s.artifact.EndTime = time.Now()
	}
	path, err := WriteSpoolArtifact(s.dir, &s.artifact)
	if err != nil {
		return fmt.Errorf("write spool: %w", err)
	}
	s.path = path
	return nil
}

// Path is the written file, empty until Close succeeds.
func (s *SpoolRecorder) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

// WriteSpoolArtifact writes a gzip-compressed JSON artifact to disk atomically.
// It returns the final file path.
func WriteSpoolArtifact(dir string, artifact *SpoolArtifact) (string, error) {
	if artifact == nil {
		return "", fmt.Errorf("spool artifact is nil")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	checksum := artifact.StudyChecksum
	if checksum == "" {
		checksum = "nocsum"
	}
	name := fmt.Sprintf(
		"collect_%s_%s.json.gz",
		artifact.CreatedAt.UTC().Format("20060102T150405Z"),
		checksum,
	)
	finalPath := filepath.Join(dir, name)

	tmp, err := os.CreateTemp(dir, name+".tmp.*")
	if err != nil {
		return "", err
	}
	tmpPath := tmp.Name()

	ok := false
	defer func() {
		_ = tmp.Close()
		if !ok {
			_ = os.Remove(tmpPath)
		}
	}()

	gz := gzip.NewWriter(tmp)
	enc := json.NewEncoder(gz)
	enc.SetIndent("", "  ")
	if err := enc.Encode(artifact); err != nil {
		_ = gz.Close()
		return "", err
	}
	if err := gz.Close(); err != nil {
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		return "", err
	}
	ok = true
	return finalPath, nil
}

// ReadSpoolArtifact decodes a file written by WriteSpoolArtifact.
func ReadSpoolArtifact(path string) (*SpoolArtifact, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer gz.Close()

	var artifact SpoolArtifact
	if err := json.NewDecoder(gz).Decode(&artifact); err != nil {
		return nil, fmt.Errorf("decode spool %s: %w", path, err)
	}
	return &artifact, nil
}
