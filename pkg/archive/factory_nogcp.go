//go:build !gcp

package archive

import (
	"context"
	"fmt"
)

func newGCSBlobStore(ctx context.Context, bucket, prefix string) (BlobStore, error) {
	return nil, fmt.Errorf("archive: gcs support is not in this build (rebuild with -tags gcp)")
}
