package objectstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

const fileLockRetryInterval = 10 * time.Millisecond

// LocalStore is a Store backed by a directory on the local filesystem.
// Each path becomes a file under the base directory; a sibling lock
// file (".ledgerstore.lock") guards concurrent writers the same way a
// daemon process would guard its own pid/lock file, since the Object
// Store contract promises Put never produces a partially-written blob
// even if two writers race.
type LocalStore struct {
	baseDir string
	lock    *flock.Flock
}

// NewLocalStore returns a Store rooted at baseDir, creating it if
// necessary.
func NewLocalStore(baseDir string) (*LocalStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("objectstore: create base dir: %w", err)
	}
	return &LocalStore{
		baseDir: baseDir,
		lock:    flock.New(filepath.Join(baseDir, ".ledgerstore.lock")),
	}, nil
}

func (s *LocalStore) resolve(path string) (string, error) {
	clean := filepath.Clean("/" + path)
	full := filepath.Join(s.baseDir, clean)
	if !strings.HasPrefix(full, filepath.Clean(s.baseDir)+string(filepath.Separator)) && full != filepath.Clean(s.baseDir) {
		return "", fmt.Errorf("objectstore: path %q escapes base directory", path)
	}
	return full, nil
}

func (s *LocalStore) List(ctx context.Context, prefix string) ([]string, error) {
	var paths []string
	root := s.baseDir
	err := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == ".ledgerstore.lock" {
			return nil
		}
		if strings.HasPrefix(rel, prefix) {
			paths = append(paths, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("objectstore: list %q: %w", prefix, err)
	}
	return paths, nil
}

func (s *LocalStore) Get(ctx context.Context, path string) ([]byte, error) {
	full, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(full)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("objectstore: get %q: %w", path, err)
	}
	return b, nil
}

// Put writes atomically via a temp file + rename, guarded by an
// exclusive file lock so two concurrent writers never interleave
// partial writes to the same path.
func (s *LocalStore) Put(ctx context.Context, path string, data []byte) error {
	full, err := s.resolve(path)
	if err != nil {
		return err
	}

	locked, err := s.lock.TryLockContext(ctx, fileLockRetryInterval)
	if err != nil || !locked {
		return fmt.Errorf("objectstore: acquire write lock: %w", err)
	}
	defer s.lock.Unlock()

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("objectstore: create dir for %q: %w", path, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".tmp-*")
	if err != nil {
		return fmt.Errorf("objectstore: create temp file for %q: %w", path, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("objectstore: write %q: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("objectstore: close temp file for %q: %w", path, err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("objectstore: rename into place for %q: %w", path, err)
	}
	return nil
}
