package store

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/containerd/errdefs"

	"github.com/seldon-engine/aof/pkg/taskfile"
	"github.com/seldon-engine/aof/pkg/types"
)

// Task ids are time-sortable: date, time, then a random suffix.
// Example: 20260311-143022-a1b2c3
var idPattern = regexp.MustCompile(`^\d{8}-\d{6}-[0-9a-f]{6}$`)

// ValidateID rejects ids that would not survive as file names or that
// could escape the status directory.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("empty task id: %w", errdefs.ErrInvalidArgument)
	}
	if filepath.Base(id) != id || filepath.Clean(id) != id {
		return fmt.Errorf("task id %q is not a plain file name: %w", id, errdefs.ErrInvalidArgument)
	}
	return nil
}

// NewTaskID builds a fresh id for the given creation time.
func NewTaskID(now time.Time) (string, error) {
	suffix := make([]byte, 3)
	if _, err := rand.Read(suffix); err != nil {
		return "", fmt.Errorf("generate task id: %w", err)
	}
	return fmt.Sprintf("%s-%s", now.UTC().Format("20060102-150405"), hex.EncodeToString(suffix)), nil
}

// freshID generates an id that does not collide with an existing card.
func (s *Store) freshID(now time.Time) (string, error) {
	for attempt := 0; attempt < 5; attempt++ {
		id, err := NewTaskID(now)
		if err != nil {
			return "", err
		}
		if _, _, _, err := s.findCard(id); err != nil {
			if errdefs.IsNotFound(err) {
				return id, nil
			}
			return "", err
		}
	}
	return "", fmt.Errorf("could not generate unique task id: %w", errdefs.ErrUnavailable)
}

// findCard locates a card by probing each status directory. The header
// status must agree with the directory; disagreement is corruption and the
// caller must not act on the task.
func (s *Store) findCard(id string) (*types.Task, types.Status, string, error) {
	if err := ValidateID(id); err != nil {
		return nil, "", "", err
	}
	for _, status := range types.AllStatuses {
		path := s.cardPath(status, id)
		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, "", "", fmt.Errorf("stat %s: %w", path, err)
		}
		t, err := s.readCard(path, status)
		if err != nil {
			return nil, "", "", err
		}
		return t, status, path, nil
	}
	return nil, "", "", fmt.Errorf("task %s not found: %w", id, errdefs.ErrNotFound)
}

// readCard decodes a card and verifies its header against the directory it
// was found in.
func (s *Store) readCard(path string, dirStatus types.Status) (*types.Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read card %s: %w", path, err)
	}
	t, err := taskfile.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("card %s: %w", filepath.Base(path), err)
	}
	if t.Status != dirStatus {
		return nil, fmt.Errorf(
			"card %s: header says %q but file sits in %s/: %w",
			filepath.Base(path), t.Status, dirStatus, errdefs.ErrDataLoss)
	}
	return t, nil
}

// writeCard persists a task into the status directory its header names.
func (s *Store) writeCard(t *types.Task) error {
	data, err := taskfile.Encode(t)
	if err != nil {
		return err
	}
	return atomicWrite(s.cardPath(t.Status, t.ID), data)
}

// updateLocked applies mutate under the task lock and rewrites the card in
// place. updatedAt advances monotonically even against clock skew.
func (s *Store) updateLocked(id string, mutate func(*types.Task) error) (*types.Task, error) {
	var out *types.Task
	err := s.locks.WithLock(id, func() error {
		t, _, _, err := s.findCard(id)
		if err != nil {
			return err
		}
		if err := mutate(t); err != nil {
			return err
		}
		t.UpdatedAt = s.bumpUpdatedAt(t.UpdatedAt)
		if err := s.writeCard(t); err != nil {
			return err
		}
		out = t
		return nil
	})
	return out, err
}

// bumpUpdatedAt returns now, or one millisecond past the previous value if
// the clock reads at or behind it.
func (s *Store) bumpUpdatedAt(prev time.Time) time.Time {
	now := s.now().UTC()
	if !now.After(prev) {
		return prev.Add(time.Millisecond)
	}
	return now
}

// moveWorkDir renames the working directory between status directories.
// Missing source is fine: most tasks never dispatched.
func (s *Store) moveWorkDir(id string, from, to types.Status) error {
	src := s.workDirPath(from, id)
	if _, err := os.Stat(src); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat working dir: %w", err)
	}
	dst := s.workDirPath(to, id)
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("move working dir: %w", err)
	}
	return nil
}

// atomicWrite writes data via a temp file in the destination directory,
// fsyncs, renames into place, then fsyncs the directory.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	syncDir(dir)
	return nil
}

// syncDir flushes directory metadata so the rename is durable. Failures
// are ignored: some filesystems refuse directory fsync.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
