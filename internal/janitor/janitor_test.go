package janitor

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func makeDir(t *testing.T, root, name string, age time.Duration) string {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "video.mp4"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	stamp := time.Now().Add(-age)
	if err := os.Chtimes(dir, stamp, stamp); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestSweep_RemovesAgedKeepsFresh(t *testing.T) {
	root := t.TempDir()
	aged := makeDir(t, root, "old-download", 48*time.Hour)
	fresh := makeDir(t, root, "new-download", time.Hour)

	New(root, 24*time.Hour, time.Minute).Sweep()

	if _, err := os.Stat(aged); !os.IsNotExist(err) {
		t.Errorf("aged dir still present: %v", err)
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Errorf("fresh dir removed: %v", err)
	}
}

func TestSweep_MissingDataDir(t *testing.T) {
	// Must be a no-op, not a crash.
	New(filepath.Join(t.TempDir(), "absent"), 24*time.Hour, time.Minute).Sweep()
}
