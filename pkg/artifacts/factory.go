package artifacts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Backend names accepted by NewStoreFromEnv.
const (
	BackendFS  = "fs"
	BackendS3  = "s3"
	BackendGCS = "gcs"
)

// NewStoreFromEnv builds the artifact store selected by GAP_ARTIFACT_STORE
// (fs by default).
//
// fs:  GAP_ARTIFACT_DIR (default "data/artifacts")
// s3:  GAP_S3_BUCKET (required), GAP_S3_REGION or AWS_REGION,
//      GAP_S3_ENDPOINT (optional, MinIO), GAP_S3_PREFIX (optional)
// gcs: GAP_GCS_BUCKET (required), GAP_GCS_PREFIX (optional); needs the
//      gcp build tag
func NewStoreFromEnv(ctx context.Context) (Store, error) {
	backend := os.Getenv("GAP_ARTIFACT_STORE")
	if backend == "" {
		backend = BackendFS
	}
	switch backend {
	case BackendFS:
		dir := os.Getenv("GAP_ARTIFACT_DIR")
		if dir == "" {
			dir = filepath.Join("data", "artifacts")
		}
		return NewFileStore(dir)
	case BackendS3:
		bucket := os.Getenv("GAP_S3_BUCKET")
		if bucket == "" {
			return nil, fmt.Errorf("artifacts: GAP_S3_BUCKET is required for the s3 backend")
		}
		region := os.Getenv("GAP_S3_REGION")
		if region == "" {
			region = os.Getenv("AWS_REGION")
		}
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Store(ctx, S3Config{
			Bucket:   bucket,
			Region:   region,
			Endpoint: os.Getenv("GAP_S3_ENDPOINT"),
			Prefix:   os.Getenv("GAP_S3_PREFIX"),
		})
	case BackendGCS:
		bucket := os.Getenv("GAP_GCS_BUCKET")
		if bucket == "" {
			return nil, fmt.Errorf("artifacts: GAP_GCS_BUCKET is required for the gcs backend")
		}
		return newGCSFromEnv(ctx, bucket, os.Getenv("GAP_GCS_PREFIX"))
	default:
		return nil, fmt.Errorf("artifacts: unknown backend %q", backend)
	}
}
