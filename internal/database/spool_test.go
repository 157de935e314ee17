package database

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSpoolRecorderWritesOnClose(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "spool")
	created := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)

	rec := NewSpoolRecorder(dir, SpoolArtifact{
		CreatedAt:     created,
		SessionID:     "abc",
		StudyChecksum: "f00ba4",
		StartTime:     created,
	})
	require.NoError(t, rec.RecordRun(RunRecord{CPUConfig: "c1", Site: "s", Engine: "e", Run: 1, Wall: 2 * time.Second}))
	require.NoError(t, rec.RecordSample(SampleRecord{CPUConfig: "c1", Site: "s", Engine: "e", Runs: 1, Complete: true}))
	rec.Finish(created.Add(time.Minute), nil, errors.New("boom"))

	_, err := os.Stat(dir)
	require.True(t, os.IsNotExist(err), "nothing is written before Close")

	require.NoError(t, rec.Close())
	require.NoError(t, rec.Close())

	path := rec.Path()
	require.Equal(t, filepath.Join(dir, "collect_20240301T123000Z_f00ba4.json.gz"), path)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp file must be renamed away")

	got, err := ReadSpoolArtifact(path)
	require.NoError(t, err)
	require.Equal(t, 1, got.Version)
	require.Equal(t, "abc", got.SessionID)
	require.Len(t, got.Runs, 1)
	require.Equal(t, 2*time.Second, got.Runs[0].Wall)
	require.Len(t, got.Samples, 1)
	require.True(t, got.Samples[0].Complete)
	require.Equal(t, []string{"boom"}, got.Errors)
	require.True(t, got.EndTime.Equal(created.Add(time.Minute)))
}

func TestWriteSpoolArtifactWithoutChecksum(t *testing.T) {
	dir := t.TempDir()
	path, err := WriteSpoolArtifact(dir, &SpoolArtifact{CreatedAt: time.Now()})
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(path, "_nocsum.json.gz"))

	_, err = WriteSpoolArtifact(dir, nil)
	require.Error(t, err)
}

func TestSpoolDir(t *testing.T) {
	require.Equal(t, filepath.Join("/s", "spool"), SpoolDir("/s", ""))
	require.Equal(t, "/elsewhere", SpoolDir("/s", "/elsewhere"))
}

type failingRecorder struct{ closes int }

func (f *failingRecorder) RecordRun(RunRecord) error       { return errors.New("run") }
func (f *failingRecorder) RecordSample(SampleRecord) error { return nil }
func (f *failingRecorder) Close() error                    { f.closes++; return nil }

func TestMultiRecorderFansOut(t *testing.T) {
	spool := NewSpoolRecorder(t.TempDir(), SpoolArtifact{})
	bad := &failingRecorder{}
	multi := MultiRecorder{NopRecorder(), spool, bad}

	err := multi.RecordRun(RunRecord{Run: 1})
	require.EqualError(t, err, "run")
	require.NoError(t, multi.RecordSample(SampleRecord{}))
	require.NoError(t, multi.Close())

	require.Equal(t, 1, bad.closes)
	got, err := ReadSpoolArtifact(spool.Path())
	require.NoError(t, err)
	require.Len(t, got.Runs, 1, "spool still receives the run")
}
