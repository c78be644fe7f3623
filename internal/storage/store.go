// Package storage publishes finished outputs and their manifests to local
// disk or an object store. Objects are written under a temporary key first
// and only moved to their final key once a whole run has succeeded.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrExists is returned by Put when the final key is already taken and the
// store does not allow overwrites.
var ErrExists = errors.New("output already exists")

// Staged is an object written under a temporary key, waiting for Finalize.
type Staged struct {
	Key     string // final key, relative to the store prefix
	TempKey string
	Size    int64
}

// Store abstracts publishing run outputs.
type Store interface {
	// Put copies a local file to a temporary key derived from key. The local
	// file may be moved rather than copied.
	Put(ctx context.Context, key, localPath string) (Staged, error)

	// PutBytes writes data to a temporary key derived from key.
	PutBytes(ctx context.Context, key string, data []byte) (Staged, error)

	// Finalize moves staged objects to their final keys. For object stores
	// this is copy+delete; for the local filesystem it's rename. If any
	// object fails to finalize, the ones already moved are removed again.
	Finalize(ctx context.Context, staged []Staged) error

	// Abort removes staged objects without publishing.
	Abort(ctx context.Context, staged []Staged) error

	// Exists checks if a final key is taken.
	Exists(ctx context.Context, key string) (bool, error)

	// URI returns the canonical URI for the given key.
	// For local: file:///path, GCS: gs://bucket/path, S3: s3://bucket/path
	URI(key string) string

	// Close releases any resources.
	Close() error
}

// Config configures the storage backend.
type Config struct {
	Backend string `yaml:"backend"` // "local" | "file" | "gcs" | "s3"

	// Local filesystem, also the root of the "file" backend
	LocalDir string `yaml:"local_dir"`

	// Bucket name for gcs and s3
	Bucket string `yaml:"bucket"`

	// S3 (also works for B2, R2, MinIO)
	Endpoint string `yaml:"endpoint"` // custom endpoint for B2/MinIO/R2
	Region   string `yaml:"region"`

	// Common
	Prefix         string `yaml:"prefix"` // "timelapses/" (path prefix within bucket or local dir)
	AllowOverwrite bool   `yaml:"allow_overwrite"`
}

// Validate checks the fields the selected backend needs.
func (c Config) Validate() error {
	switch c.Backend {
	case "", "local", "file":
		if c.LocalDir == "" {
			return fmt.Errorf("local_dir required for %s backend", backendName(c.Backend))
		}
	case "gcs", "s3":
		if c.Bucket == "" {
			return fmt.Errorf("bucket required for %s backend", c.Backend)
		}
	default:
		return fmt.Errorf("unknown storage backend: %s", c.Backend)
	}
	return nil
}

// NewStore creates a storage backend based on configuration.
func NewStore(ctx context.Context, cfg Config) (Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Backend {
	case "", "local":
		return NewLocalStore(cfg.LocalDir, cfg.Prefix, cfg.AllowOverwrite)
	case "file":
		return NewFileStore(ctx, cfg.LocalDir, cfg.Prefix, cfg.AllowOverwrite)
	case "gcs":
		return NewGCSStore(ctx, cfg.Bucket, cfg.Prefix, cfg.AllowOverwrite)
	default:
		return NewS3Store(ctx, cfg.Bucket, cfg.Prefix, cfg.Endpoint, cfg.Region, cfg.AllowOverwrite)
	}
}

func backendName(b string) string {
	if b == "" {
		return "local"
	}
	return b
}

// ManifestKey returns the key of the manifest published next to key.
func ManifestKey(key string) string {
	return key + ".manifest.json"
}

// cleanKey rejects keys that would escape the store root.
func cleanKey(key string) (string, error) {
	k := path.Clean(strings.TrimPrefix(key, "/"))
	if k == "." || k == ".." || strings.HasPrefix(k, "../") {
		return "", fmt.Errorf("invalid key %q", key)
	}
	return k, nil
}
