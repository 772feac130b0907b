package tensor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/mindalpha/MindAlpha/internal/metrics"
)

// partitionDir returns <dir>/<name>, the directory holding one tensor's
// checkpoint: a meta.json sibling plus one part-<rank> file per partition.
func partitionDir(dir, name string) string {
	return filepath.Join(dir, name)
}

func partFilePath(dir, name string, rank int) string {
	return filepath.Join(partitionDir(dir, name), fmt.Sprintf("part-%d", rank))
}

func metaFilePath(dir, name string) string {
	return filepath.Join(partitionDir(dir, name), "meta.json")
}

// withCheckpointLock serializes Save/Load against one another for a given
// tensor's checkpoint directory using an advisory file lock, so a save from
// a resumed job can never interleave with a concurrent load of the same
// partition.
func withCheckpointLock(dir, name string, fn func() error) error {
	pdir := partitionDir(dir, name)
	if err := os.MkdirAll(pdir, 0o755); err != nil {
		metrics.CheckpointIOErrors.WithLabelValues("mkdir").Inc()
		return fmt.Errorf("tensor: cannot create checkpoint directory %q: %w", pdir, err)
	}
	lockPath := filepath.Join(pdir, ".lock")
	fl := flock.New(lockPath)
	if err := fl.Lock(); err != nil {
		metrics.CheckpointIOErrors.WithLabelValues("lock").Inc()
		return fmt.Errorf("tensor: cannot lock checkpoint directory %q: %w", pdir, err)
	}
	defer fl.Unlock()
	return fn()
}

func writeMeta(dir, name string, m Meta) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		metrics.CheckpointIOErrors.WithLabelValues("meta_encode").Inc()
		return fmt.Errorf("tensor: cannot encode meta for %q: %w", name, err)
	}
	if err := os.WriteFile(metaFilePath(dir, name), data, 0o644); err != nil {
		metrics.CheckpointIOErrors.WithLabelValues("meta_write").Inc()
		return fmt.Errorf("tensor: cannot write meta for %q: %w", name, err)
	}
	return nil
}

func readMeta(dir, name string) (Meta, error) {
	var m Meta
	data, err := os.ReadFile(metaFilePath(dir, name))
	if err != nil {
		metrics.CheckpointIOErrors.WithLabelValues("meta_read").Inc()
		return m, fmt.Errorf("tensor: cannot read meta for %q: %w", name, err)
	}
	if err := json.Unmarshal(data, &m); err != nil {
		metrics.CheckpointIOErrors.WithLabelValues("meta_decode").Inc()
		return m, fmt.Errorf("tensor: cannot decode meta for %q: %w", name, err)
	}
	return m, nil
}
