package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/google/uuid"
	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	"gocloud.dev/gcerrors"
)

// BlobStore publishes outputs to a gocloud.dev bucket.
type BlobStore struct {
	bucket         *blob.Bucket
	scheme         string // "s3", "gs", "file"
	name           string // bucket name or directory
	prefix         string
	allowOverwrite bool
}

var _ Store = (*BlobStore)(nil)

// NewBlobStore wraps an open bucket. The store owns the bucket and closes it.
func NewBlobStore(bucket *blob.Bucket, scheme, name, prefix string, allowOverwrite bool) *BlobStore {
	return &BlobStore{
		bucket:         bucket,
		scheme:         scheme,
		name:           name,
		prefix:         prefix,
		allowOverwrite: allowOverwrite,
	}
}

// NewFileStore creates a bucket-backed store over a local directory. It
// follows the same temp key and copy+delete path as the cloud backends.
func NewFileStore(ctx context.Context, dir, prefix string, allowOverwrite bool) (*BlobStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create base directory %s: %w", dir, err)
	}
	bucket, err := fileblob.OpenBucket(dir, &fileblob.Options{CreateDir: true})
	if err != nil {
		return nil, fmt.Errorf("open file bucket %s: %w", dir, err)
	}
	return NewBlobStore(bucket, "file", dir, prefix, allowOverwrite), nil
}

func (s *BlobStore) key(key string) (string, error) {
	return cleanKey(s.prefix + key)
}

func (s *BlobStore) stage(ctx context.Context, key string) (string, error) {
	if !s.allowOverwrite {
		exists, err := s.Exists(ctx, key)
		if err != nil {
			return "", err
		}
		if exists {
			return "", fmt.Errorf("%s: %w", s.URI(key), ErrExists)
		}
	}
	full, err := s.key(key)
	if err != nil {
		return "", err
	}
	return full + ".tmp." + uuid.New().String(), nil
}

// Put uploads localPath to a temporary key.
func (s *BlobStore) Put(ctx context.Context, key, localPath string) (Staged, error) {
	tempKey, err := s.stage(ctx, key)
	if err != nil {
		return Staged{}, err
	}

	f, err := os.Open(localPath)
	if err != nil {
		return Staged{}, fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()

	n, err := s.write(ctx, tempKey, key, f)
	if err != nil {
		return Staged{}, err
	}
	return Staged{Key: key, TempKey: tempKey, Size: n}, nil
}

// PutBytes uploads data to a temporary key.
func (s *BlobStore) PutBytes(ctx context.Context, key string, data []byte) (Staged, error) {
	tempKey, err := s.stage(ctx, key)
	if err != nil {
		return Staged{}, err
	}
	n, err := s.write(ctx, tempKey, key, bytes.NewReader(data))
	if err != nil {
		return Staged{}, err
	}
	return Staged{Key: key, TempKey: tempKey, Size: n}, nil
}

func (s *BlobStore) write(ctx context.Context, tempKey, key string, r io.Reader) (int64, error) {
	w, err := s.bucket.NewWriter(ctx, tempKey, &blob.WriterOptions{ContentType: contentType(key)})
	if err != nil {
		return 0, fmt.Errorf("create writer for %s: %w", tempKey, err)
	}

	n, err := io.Copy(w, r)
	if err != nil {
		w.Close()
		s.bucket.Delete(ctx, tempKey)
		return 0, fmt.Errorf("write data to %s: %w", tempKey, err)
	}

	if err := w.Close(); err != nil {
		s.bucket.Delete(ctx, tempKey)
		return 0, fmt.Errorf("close writer for %s: %w", tempKey, err)
	}
	return n, nil
}

// Finalize copies staged objects to their final keys, then deletes the
// temporary ones.
func (s *BlobStore) Finalize(ctx context.Context, staged []Staged) error {
	finalKeys := make([]string, len(staged))
	for i, st := range staged {
		k, err := s.key(st.Key)
		if err != nil {
			s.Abort(ctx, staged)
			return err
		}
		finalKeys[i] = k
	}

	// Copy all temp objects to final locations
	for i, st := range staged {
		if err := s.bucket.Copy(ctx, finalKeys[i], st.TempKey, nil); err != nil {
			// Rollback: delete any copied objects
			for j := 0; j < i; j++ {
				s.bucket.Delete(ctx, finalKeys[j])
			}
			// Clean up temp objects
			s.Abort(ctx, staged)
			return fmt.Errorf("finalize %s -> %s: %w", st.TempKey, finalKeys[i], err)
		}
	}

	// Delete all temp objects after successful copy
	for _, st := range staged {
		s.bucket.Delete(ctx, st.TempKey) // ignore errors
	}
	return nil
}

// Abort removes staged objects without publishing.
func (s *BlobStore) Abort(ctx context.Context, staged []Staged) error {
	var lastErr error
	for _, st := range staged {
		if err := s.bucket.Delete(ctx, st.TempKey); err != nil && gcerrors.Code(err) != gcerrors.NotFound {
			lastErr = err
		}
	}
	return lastErr
}

// Exists checks if a final key is taken.
func (s *BlobStore) Exists(ctx context.Context, key string) (bool, error) {
	k, err := s.key(key)
	if err != nil {
		return false, err
	}
	return s.bucket.Exists(ctx, k)
}

// URI returns the canonical URI for the given key.
func (s *BlobStore) URI(key string) string {
	k, err := s.key(key)
	if err != nil {
		k = key
	}
	if s.scheme == "file" {
		return "file://" + path.Join(s.name, k)
	}
	return fmt.Sprintf("%s://%s/%s", s.scheme, s.name, k)
}

// Close closes the underlying bucket.
func (s *BlobStore) Close() error {
	return s.bucket.Close()
}

func contentType(key string) string {
	switch path.Ext(key) {
	case ".mp4":
		return "video/mp4"
	case ".json":
		return "application/json"
	}
	return "application/octet-stream"
}
