package sample

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

var ErrArtifactMissing = errors.New("artifact missing")

// Manifest pairs the two traces of one dual-format run. Paths are relative
// to the manifest's directory.
type Manifest struct {
	HTML     string `json:"html"`
	Perfetto string `json:"perfetto"`
}

func WriteManifest(path string, m Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".manifest-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

func ReadManifest(path string) (Manifest, error) {
	var m Manifest
	data, err := os.ReadFile(path)
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	if m.HTML == "" || m.Perfetto == "" {
		return m, fmt.Errorf("manifest %s: both html and perfetto are required", path)
	}
	return m, nil
}

// Resolve returns absolute paths of both traces and checks they exist.
func (m Manifest) Resolve(dir string) (html, perfetto string, err error) {
	html = filepath.Join(dir, m.HTML)
	perfetto = filepath.Join(dir, m.Perfetto)
	for _, p := range []string{html, perfetto} {
		if _, statErr := os.Stat(p); statErr != nil {
			return "", "", fmt.Errorf("%w: %s", ErrArtifactMissing, p)
		}
	}
	return html, perfetto, nil
}

// VerifyRun checks that every artifact of a run is present in dir.
func VerifyRun(dir string, set ArtifactSet) error {
	for _, name := range set.Files() {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			return fmt.Errorf("%w: %s", ErrArtifactMissing, name)
		}
	}
	if set.Manifest == "" {
		return nil
	}
	m, err := ReadManifest(filepath.Join(dir, set.Manifest))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrArtifactMissing, err)
	}
	_, _, err = m.Resolve(dir)
	return err
}
