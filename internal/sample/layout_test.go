package sample

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type format bool

func (f format) DualFormat() bool { return bool(f) }

func TestValidateKey(t *testing.T) {
	for _, ok := range []string{"16", "14-15", "servo_nightly", "google"} {
		require.NoError(t, ValidateKey(ok), ok)
	}
	for _, bad := range []string{"", ".", "..", "a/b", `a\b`, "a.b", "a\x00b"} {
		require.ErrorIs(t, ValidateKey(bad), ErrInvalidKey, "%q", bad)
	}
}

func TestLayout_PathFor(t *testing.T) {
	l := Layout{StudyDir: "/data/study", SampleSize: 30}
	require.Equal(t, "/data/study/16/google.servo", l.PathFor("16", "google", "servo"))
}

func TestLayout_ArtifactNames(t *testing.T) {
	small := Layout{SampleSize: 2}
	single := small.ArtifactNames(format(false), 1)
	require.Equal(t, "trace1.pftrace", single.Trace)
	require.Empty(t, single.SecondTrace)
	require.Empty(t, single.Manifest)
	require.Equal(t, []string{"trace1.pftrace"}, single.Files())

	big := Layout{SampleSize: 100}
	dual := big.ArtifactNames(format(true), 7)
	require.Equal(t, "trace007.html", dual.Trace)
	require.Equal(t, "trace007.pftrace", dual.SecondTrace)
	require.Equal(t, "manifest007.json", dual.Manifest)
	require.Equal(t, "counters007.json", dual.Counters)

	require.Equal(t, "10", Layout{SampleSize: 10}.RunLabel(10))
	require.Equal(t, "01", Layout{SampleSize: 10}.RunLabel(1))
}

func TestMarkComplete(t *testing.T) {
	dir := t.TempDir()
	require.False(t, IsComplete(dir))

	require.NoError(t, MarkComplete(dir))
	require.True(t, IsComplete(dir))

	info, err := os.Stat(filepath.Join(dir, MarkerName))
	require.NoError(t, err)
	require.Zero(t, info.Size())

	require.Error(t, MarkComplete(dir), "marker must be created exclusively")
}

func TestReset(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "16", "google.servo")
	require.NoError(t, Reset(dir), "missing directory is created")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "trace1.pftrace"), []byte("stale"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested"), 0o755))
	require.NoError(t, Reset(dir))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)

	require.NoError(t, MarkComplete(dir))
	require.Error(t, Reset(dir))
	require.True(t, IsComplete(dir))
}
