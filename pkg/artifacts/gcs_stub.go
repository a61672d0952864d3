//go:build !gcp

package artifacts

import (
	"context"
	"fmt"
)

func newGCSFromEnv(context.Context, string, string) (Store, error) {
	return nil, fmt.Errorf("artifacts: gcs backend not enabled in this build (compile with -tags gcp)")
}
