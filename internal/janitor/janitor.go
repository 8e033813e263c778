// Package janitor removes aged job output directories. Completed artifacts
// may vanish between completion and a later fetch; the serving path treats
// that as not found.
package janitor

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"time"
)

// Janitor periodically sweeps the data directory.
type Janitor struct {
	dataDir   string
	retention time.Duration
	interval  time.Duration
}

// New creates a janitor for dataDir, removing entries older than retention.
func New(dataDir string, retention, interval time.Duration) *Janitor {
	return &Janitor{dataDir: dataDir, retention: retention, interval: interval}
}

// Run sweeps once at startup and then on every tick until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	log.Printf("janitor started, sweeping %s every %s (retention %s)",
		j.dataDir, j.interval, j.retention)
	j.Sweep()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Println("janitor shutting down")
			return
		case <-ticker.C:
			j.Sweep()
		}
	}
}

// Sweep deletes direct children of the data directory whose modification
// time exceeds the retention window.
func (j *Janitor) Sweep() {
	entries, err := os.ReadDir(j.dataDir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("janitor: read %s: %v", j.dataDir, err)
		}
		return
	}

	cutoff := time.Now().Add(-j.retention)
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(j.dataDir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			log.Printf("janitor: remove %s: %v", path, err)
			continue
		}
		log.Printf("janitor: removed %s", entry.Name())
	}
}
