//go:build gcp

package archive

import "context"

func newGCSBlobStore(ctx context.Context, bucket, prefix string) (BlobStore, error) {
	return NewGCSStore(ctx, bucket, prefix)
}
