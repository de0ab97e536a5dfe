// Package filestore provides a checkpoint store that keeps one JSON document
// per thread in a directory.
package filestore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/agentloop/core"
)

const ext = ".json"

// Store persists checkpoints as <dir>/<encoded thread id>.json. Writes go to a
// temporary file in the same directory which is then renamed over the
// target, so readers observe either the old or the new checkpoint.
type Store struct {
	dir string
	mu  sync.RWMutex
}

var (
	_ core.CheckpointStore = (*Store)(nil)
	_ core.Pruner          = (*Store)(nil)
)

// New creates the directory if needed and returns a store rooted at dir.
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("filestore: empty directory")
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("filestore: create dir: %w", err)
	}

	return &Store{dir: dir}, nil
}

// Dir returns the root directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) path(threadID string) string {
	return filepath.Join(s.dir, base64.RawURLEncoding.EncodeToString([]byte(threadID))+ext)
}

// Get implements core.CheckpointStore.
func (s *Store) Get(ctx context.Context, threadID string) (core.Checkpoint, bool, error) {
	if err := ctx.Err(); err != nil {
		return core.Checkpoint{}, false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return readFile(s.path(threadID))
}

// Put implements core.CheckpointStore.
func (s *Store) Put(ctx context.Context, cp core.Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("filestore: encode %s: %w", cp.ThreadID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("filestore: temp file: %w", err)
	}

	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("filestore: write %s: %w", cp.ThreadID, err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("filestore: sync %s: %w", cp.ThreadID, err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("filestore: close %s: %w", cp.ThreadID, err)
	}

	if err := os.Rename(tmpName, s.path(cp.ThreadID)); err != nil {
		return fmt.Errorf("filestore: rename %s: %w", cp.ThreadID, err)
	}

	return nil
}

// Prune implements core.Pruner.
func (s *Store) Prune(ctx context.Context, before time.Time, keep func(string) bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("filestore: list: %w", err)
	}

	n := 0
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return n, err
		}

		if e.IsDir() || !strings.HasSuffix(e.Name(), ext) {
			continue
		}

		p := filepath.Join(s.dir, e.Name())

		cp, ok, err := readFile(p)
		if err != nil || !ok {
			continue
		}

		if cp.UpdatedAt.Before(before) && (keep == nil || !keep(cp.ThreadID)) {
			if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return n, fmt.Errorf("filestore: remove %s: %w", cp.ThreadID, err)
			}
			n++
		}
	}

	return n, nil
}

// Threads lists the ids of all stored threads.
func (s *Store) Threads() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("filestore: list: %w", err)
	}

	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ext) {
			continue
		}

		id, err := base64.RawURLEncoding.DecodeString(strings.TrimSuffix(name, ext))
		if err != nil {
			continue
		}

		ids = append(ids, string(id))
	}

	return ids, nil
}

func readFile(p string) (core.Checkpoint, bool, error) {
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return core.Checkpoint{}, false, nil
	}

	if err != nil {
		return core.Checkpoint{}, false, fmt.Errorf("filestore: read: %w", err)
	}

	var cp core.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return core.Checkpoint{}, false, fmt.Errorf("filestore: decode %s: %w", filepath.Base(p), err)
	}

	return cp, true, nil
}
