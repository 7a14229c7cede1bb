// -------------------------------------------------------------------------------
// Pillar - Storage Contributor Interface
//
// Project: Yggdrasil
//
// A pillar is one independent storage contributor of the distributed storage
// tier. Every pillar speaks an S3-compatible protocol; objects are keyed
// <collection>/<objectID> and carry an MD5 checksum in user metadata so
// checksum listings do not need to download content.
// -------------------------------------------------------------------------------

package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/kb-dk/Yggdrasil-sub000/internal/config"
	"github.com/kb-dk/Yggdrasil-sub000/internal/telemetry"
)

// ChecksumMetadataKey is the user metadata key holding the object's MD5.
const ChecksumMetadataKey = "md5"

// ErrObjectNotFound is returned when a pillar does not hold the object.
var ErrObjectNotFound = errors.New("object not found")

// -------------------------------------------------------------------------
// TYPES
// -------------------------------------------------------------------------

// ObjectInfo describes one stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	Checksum     string // hex MD5, empty when the pillar has none recorded
	LastModified time.Time
}

// GetObjectResult holds the response from a GetObject call.
type GetObjectResult struct {
	Body         io.ReadCloser
	Size         int64
	Checksum     string
	ContentRange string
}

// ByteRange selects part of an object. Length 0 reads to the end.
type ByteRange struct {
	Offset int64
	Length int64
}

// Header returns the HTTP Range header value for r.
func (r ByteRange) Header() string {
	if r.Length <= 0 {
		return fmt.Sprintf("bytes=%d-", r.Offset)
	}
	return fmt.Sprintf("bytes=%d-%d", r.Offset, r.Offset+r.Length-1)
}

// Pillar defines the object operations the storage client needs from one
// storage contributor.
type Pillar interface {
	Name() string
	PutObject(ctx context.Context, key string, body io.ReadSeeker, size int64, checksum string) error
	GetObject(ctx context.Context, key string, rng *ByteRange) (*GetObjectResult, error)
	HeadObject(ctx context.Context, key string) (*ObjectInfo, error)
	ListObjects(ctx context.Context, prefix string, fn func([]ObjectInfo) error) error
	DeleteObject(ctx context.Context, key string) error
}

// NewPillar builds the transport configured for p.
func NewPillar(p config.PillarConfig) (Pillar, error) {
	switch p.Type {
	case "", "s3":
		return NewS3Pillar(p)
	case "minio":
		return NewMinioPillar(p)
	default:
		return nil, fmt.Errorf("pillar %s: unsupported type %q", p.Name, p.Type)
	}
}

// -------------------------------------------------------------------------
// KEYS
// -------------------------------------------------------------------------

// ValidateObjectID rejects ids that would not map to a single key directly
// under their collection prefix.
func ValidateObjectID(objectID string) error {
	if objectID == "" || objectID == "." || objectID == ".." ||
		strings.ContainsAny(objectID, `/\`) || path.Clean(objectID) != objectID {
		return fmt.Errorf("%w: %q", ErrInvalidObjectID, objectID)
	}
	return nil
}

// ObjectKey returns the pillar key for objectID in collection. objectID must
// pass ValidateObjectID.
func ObjectKey(collection, objectID string) string {
	return path.Join(collection, objectID)
}

// ObjectIDFromKey strips the collection prefix from a pillar key.
func ObjectIDFromKey(collection, key string) string {
	return strings.TrimPrefix(key, collection+"/")
}

// -------------------------------------------------------------------------
// METRICS HELPER
// -------------------------------------------------------------------------

// recordPillarOperation updates Prometheus metrics for a pillar operation.
func recordPillarOperation(operation, pillar string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}

	telemetry.PillarRequestsTotal.WithLabelValues(operation, pillar, status).Inc()
	telemetry.PillarDuration.WithLabelValues(operation, pillar).Observe(time.Since(start).Seconds())
}
