package archive

import (
	"context"
	"fmt"
	"os"
)

// NewBlobStore builds the pack store for a driver: "fs" (default), "s3",
// or "gcs". dir is the filesystem root, bucket the object-store bucket.
// Region, endpoint, and key prefix for the object stores come from the
// environment so operators can point a node at MinIO without new flags:
// ARCHIVE_S3_REGION (falls back to AWS_REGION, then us-east-1),
// ARCHIVE_S3_ENDPOINT, ARCHIVE_PREFIX.
func NewBlobStore(ctx context.Context, driver, dir, bucket string) (BlobStore, error) {
	switch driver {
	case "", "fs":
		return NewFSStore(dir)
	case "s3":
		region := os.Getenv("ARCHIVE_S3_REGION")
		if region == "" {
			region = os.Getenv("AWS_REGION")
		}
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Store(ctx, S3Config{
			Bucket:   bucket,
			Region:   region,
			Endpoint: os.Getenv("ARCHIVE_S3_ENDPOINT"),
			Prefix:   os.Getenv("ARCHIVE_PREFIX"),
		})
	case "gcs":
		return newGCSBlobStore(ctx, bucket, os.Getenv("ARCHIVE_PREFIX"))
	default:
		return nil, fmt.Errorf("archive: unknown driver %q", driver)
	}
}
