package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// LocalStore publishes outputs to the local filesystem.
type LocalStore struct {
	baseDir        string
	prefix         string
	allowOverwrite bool
}

var _ Store = (*LocalStore)(nil)

// NewLocalStore creates a new local filesystem store.
func NewLocalStore(baseDir, prefix string, allowOverwrite bool) (*LocalStore, error) {
	// Ensure base directory exists
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("create base directory %s: %w", baseDir, err)
	}

	return &LocalStore{
		baseDir:        baseDir,
		prefix:         prefix,
		allowOverwrite: allowOverwrite,
	}, nil
}

func (s *LocalStore) path(key string) (string, error) {
	k, err := cleanKey(s.prefix + key)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.baseDir, filepath.FromSlash(k)), nil
}

// stage prepares the temp path for key after the overwrite check.
func (s *LocalStore) stage(ctx context.Context, key string) (string, string, error) {
	if !s.allowOverwrite {
		exists, err := s.Exists(ctx, key)
		if err != nil {
			return "", "", err
		}
		if exists {
			return "", "", fmt.Errorf("%s: %w", s.URI(key), ErrExists)
		}
	}

	path, err := s.path(key)
	if err != nil {
		return "", "", err
	}

	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", "", fmt.Errorf("create directory %s: %w", dir, err)
	}

	return path, path + ".tmp." + uuid.New().String(), nil
}

// Put moves localPath next to its final location, copying when a rename is
// not possible.
func (s *LocalStore) Put(ctx context.Context, key, localPath string) (Staged, error) {
	_, tempPath, err := s.stage(ctx, key)
	if err != nil {
		return Staged{}, err
	}

	if err := os.Rename(localPath, tempPath); err != nil {
		// Different filesystem, fall back to a copy.
		if err := copyFile(localPath, tempPath); err != nil {
			os.Remove(tempPath)
			return Staged{}, fmt.Errorf("write temp file %s: %w", tempPath, err)
		}
	}

	info, err := os.Stat(tempPath)
	if err != nil {
		return Staged{}, fmt.Errorf("stat temp file %s: %w", tempPath, err)
	}
	return Staged{Key: key, TempKey: tempPath, Size: info.Size()}, nil
}

// PutBytes writes data next to its final location.
func (s *LocalStore) PutBytes(ctx context.Context, key string, data []byte) (Staged, error) {
	_, tempPath, err := s.stage(ctx, key)
	if err != nil {
		return Staged{}, err
	}

	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		os.Remove(tempPath)
		return Staged{}, fmt.Errorf("write temp file %s: %w", tempPath, err)
	}
	return Staged{Key: key, TempKey: tempPath, Size: int64(len(data))}, nil
}

// Finalize renames staged files to their final paths.
func (s *LocalStore) Finalize(ctx context.Context, staged []Staged) error {
	for i, st := range staged {
		path, err := s.path(st.Key)
		if err == nil {
			err = os.Rename(st.TempKey, path)
		}
		if err != nil {
			// Rollback: remove what was already published
			for j := 0; j < i; j++ {
				if p, perr := s.path(staged[j].Key); perr == nil {
					os.Remove(p)
				}
			}
			s.Abort(ctx, staged[i:])
			return fmt.Errorf("finalize %s -> %s: %w", st.TempKey, st.Key, err)
		}
	}
	return nil
}

// Abort removes staged files.
func (s *LocalStore) Abort(ctx context.Context, staged []Staged) error {
	var lastErr error
	for _, st := range staged {
		if err := os.Remove(st.TempKey); err != nil && !errors.Is(err, os.ErrNotExist) {
			lastErr = err
		}
	}
	return lastErr
}

// Exists checks if a final key is taken.
func (s *LocalStore) Exists(ctx context.Context, key string) (bool, error) {
	path, err := s.path(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// URI returns the canonical URI for the given key.
func (s *LocalStore) URI(key string) string {
	path, err := s.path(key)
	if err != nil {
		path = filepath.Join(s.baseDir, key)
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return "file://" + filepath.ToSlash(path)
}

// Dir returns the directory outputs are published under.
func (s *LocalStore) Dir() string {
	return s.baseDir
}

// Close is a no-op for local storage.
func (s *LocalStore) Close() error {
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
