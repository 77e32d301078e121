//go:build !gcp

package audit

import (
	"context"
	"fmt"
)

func newGCSSinkFromEnv(ctx context.Context) (ArchiveSink, error) {
	return nil, fmt.Errorf("audit: GCS archiving is not enabled in this build (use -tags gcp)")
}
