package storage

import (
	"context"
	"fmt"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/gcsblob" // GCS driver
)

// NewGCSStore creates a store on Google Cloud Storage using application
// default credentials.
func NewGCSStore(ctx context.Context, bucketName, prefix string, allowOverwrite bool) (*BlobStore, error) {
	bucket, err := blob.OpenBucket(ctx, "gs://"+bucketName)
	if err != nil {
		return nil, fmt.Errorf("open GCS bucket %s: %w", bucketName, err)
	}
	return NewBlobStore(bucket, "gs", bucketName, prefix, allowOverwrite), nil
}
