package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ArchiveSink ships evidence bundles off the node. Archiving is best
// effort relative to the chain itself: the chain is the source of truth
// and a sink failure never blocks a decision.
type ArchiveSink interface {
	// Archive stores the bundle and returns its location.
	Archive(ctx context.Context, bundle *EvidenceBundle) (string, error)
}

// SinkType selects an archive backend.
type SinkType string

const (
	SinkTypeFS  SinkType = "fs"
	SinkTypeS3  SinkType = "s3"
	SinkTypeGCS SinkType = "gcs"
)

// NewSinkFromEnv creates an archive sink based on environment variables.
//
// Environment variables:
//   - ARCHON_ARCHIVE_SINK: "fs" (default), "s3", or "gcs"
//   - ARCHON_ARCHIVE_DIR: base directory for the filesystem sink (default: "data")
//
// For S3:
//   - ARCHON_ARCHIVE_S3_BUCKET (required)
//   - ARCHON_ARCHIVE_S3_REGION or AWS_REGION
//   - ARCHON_ARCHIVE_S3_ENDPOINT (optional, for MinIO/LocalStack)
//   - ARCHON_ARCHIVE_S3_PREFIX (optional)
//
// For GCS:
//   - ARCHON_ARCHIVE_GCS_BUCKET (required)
//   - ARCHON_ARCHIVE_GCS_PREFIX (optional)
func NewSinkFromEnv(ctx context.Context) (ArchiveSink, error) {
	sinkType := SinkType(os.Getenv("ARCHON_ARCHIVE_SINK"))
	if sinkType == "" {
		sinkType = SinkTypeFS
	}

	switch sinkType {
	case SinkTypeFS:
		dir := os.Getenv("ARCHON_ARCHIVE_DIR")
		if dir == "" {
			dir = "data"
		}
		return NewFSSink(filepath.Join(dir, "evidence"))
	case SinkTypeS3:
		return newS3SinkFromEnv(ctx)
	case SinkTypeGCS:
		return newGCSSinkFromEnv(ctx)
	default:
		return nil, fmt.Errorf("audit: unsupported archive sink type: %s", sinkType)
	}
}

// bundleKey names a bundle by its span and digest so re-archiving the same
// segment is idempotent.
func bundleKey(prefix string, bundle *EvidenceBundle) string {
	short := bundle.BundleDigest
	if len(short) > 16 {
		short = short[:16]
	}
	return fmt.Sprintf("%s%06d-%06d-%s.json", prefix, bundle.FromSequence, bundle.ToSequence, short)
}

// FSSink writes bundles as JSON files under a local directory.
type FSSink struct {
	dir string
}

func NewFSSink(dir string) (*FSSink, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("audit: creating archive dir: %w", err)
	}
	return &FSSink{dir: dir}, nil
}

func (s *FSSink) Archive(_ context.Context, bundle *EvidenceBundle) (string, error) {
	data, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return "", fmt.Errorf("audit: encoding bundle: %w", err)
	}
	path := filepath.Join(s.dir, bundleKey("", bundle))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return "", fmt.Errorf("audit: writing bundle: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("audit: finalizing bundle: %w", err)
	}
	return path, nil
}
