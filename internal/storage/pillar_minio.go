// -------------------------------------------------------------------------------
// MinioPillar - MinIO Storage Contributor
//
// Project: Yggdrasil
//
// Pillar implementation on the minio-go SDK for contributors running MinIO.
// Unlike S3 listings, MinIO listings can carry user metadata, so checksum
// listings avoid a HEAD per object.
// -------------------------------------------------------------------------------

package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.opentelemetry.io/otel/codes"

	"github.com/kb-dk/Yggdrasil-sub000/internal/config"
	"github.com/kb-dk/Yggdrasil-sub000/internal/telemetry"
)

// listPageSize batches MinIO's streamed listing into pages for ListObjects
// callbacks.
const listPageSize = 1000

// MinioPillar implements Pillar using minio-go.
type MinioPillar struct {
	client   *minio.Client
	bucket   string
	name     string
	endpoint string
}

// Compile-time check.
var _ Pillar = (*MinioPillar)(nil)

// NewMinioPillar creates a MinIO client. The endpoint may be a bare host:port
// or a URL whose scheme selects TLS.
func NewMinioPillar(cfg config.PillarConfig) (*MinioPillar, error) {
	host := cfg.Endpoint
	secure := false
	if u, err := url.Parse(cfg.Endpoint); err == nil && u.Host != "" {
		host = u.Host
		secure = u.Scheme == "https"
	}

	client, err := minio.New(host, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client for pillar %s: %w", cfg.Name, err)
	}

	return &MinioPillar{
		client:   client,
		bucket:   cfg.Bucket,
		name:     cfg.Name,
		endpoint: cfg.Endpoint,
	}, nil
}

// Name returns the configured pillar name.
func (p *MinioPillar) Name() string { return p.name }

// PutObject uploads an object with its MD5 in user metadata.
func (p *MinioPillar) PutObject(ctx context.Context, key string, body io.ReadSeeker, size int64, checksum string) error {
	const operation = "PutObject"
	start := time.Now()

	// --- Start tracing span ---
	ctx, span := telemetry.StartSpan(ctx, "Pillar "+operation,
		telemetry.PillarAttributes(operation, p.name, p.endpoint, "", key)...,
	)
	defer span.End()

	opts := minio.PutObjectOptions{ContentType: "application/warc"}
	if checksum != "" {
		opts.UserMetadata = map[string]string{ChecksumMetadataKey: checksum}
	}
	_, err := p.client.PutObject(ctx, p.bucket, key, body, size, opts)

	// --- Record metrics ---
	recordPillarOperation(operation, p.name, start, err)

	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return fmt.Errorf("put object failed: %w", err)
	}
	telemetry.PillarBytesTotal.WithLabelValues(operation, p.name).Add(float64(size))
	return nil
}

// GetObject retrieves an object, or part of it when rng is set. MinIO opens
// objects lazily, so the object is stat'ed up front to surface not-found.
func (p *MinioPillar) GetObject(ctx context.Context, key string, rng *ByteRange) (*GetObjectResult, error) {
	const operation = "GetObject"
	start := time.Now()

	// --- Start tracing span ---
	ctx, span := telemetry.StartSpan(ctx, "Pillar "+operation,
		telemetry.PillarAttributes(operation, p.name, p.endpoint, "", key)...,
	)
	defer span.End()

	opts := minio.GetObjectOptions{}
	if rng != nil {
		end := int64(0)
		if rng.Length > 0 {
			end = rng.Offset + rng.Length - 1
		}
		if err := opts.SetRange(rng.Offset, end); err != nil {
			return nil, fmt.Errorf("get object failed: %w", err)
		}
	}

	obj, err := p.client.GetObject(ctx, p.bucket, key, opts)
	var stat minio.ObjectInfo
	if err == nil {
		stat, err = obj.Stat()
		if err != nil {
			obj.Close()
		}
	}

	// --- Record metrics ---
	recordPillarOperation(operation, p.name, start, err)

	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return nil, fmt.Errorf("get object failed: %w", mapMinioError(err))
	}

	size := stat.Size
	if rng != nil {
		size -= rng.Offset
		if rng.Length > 0 && rng.Length < size {
			size = rng.Length
		}
	}
	return &GetObjectResult{
		Body:     obj,
		Size:     size,
		Checksum: metadataChecksum(stat.UserMetadata),
	}, nil
}

// HeadObject retrieves object metadata without the body.
func (p *MinioPillar) HeadObject(ctx context.Context, key string) (*ObjectInfo, error) {
	const operation = "HeadObject"
	start := time.Now()

	// --- Start tracing span ---
	ctx, span := telemetry.StartSpan(ctx, "Pillar "+operation,
		telemetry.PillarAttributes(operation, p.name, p.endpoint, "", key)...,
	)
	defer span.End()

	stat, err := p.client.StatObject(ctx, p.bucket, key, minio.StatObjectOptions{})

	// --- Record metrics ---
	recordPillarOperation(operation, p.name, start, err)

	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return nil, fmt.Errorf("head object failed: %w", mapMinioError(err))
	}
	return &ObjectInfo{
		Key:          key,
		Size:         stat.Size,
		Checksum:     metadataChecksum(stat.UserMetadata),
		LastModified: stat.LastModified,
	}, nil
}

// DeleteObject removes an object from the pillar.
func (p *MinioPillar) DeleteObject(ctx context.Context, key string) error {
	const operation = "DeleteObject"
	start := time.Now()

	// --- Start tracing span ---
	ctx, span := telemetry.StartSpan(ctx, "Pillar "+operation,
		telemetry.PillarAttributes(operation, p.name, p.endpoint, "", key)...,
	)
	defer span.End()

	err := p.client.RemoveObject(ctx, p.bucket, key, minio.RemoveObjectOptions{})

	// --- Record metrics ---
	recordPillarOperation(operation, p.name, start, err)

	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return fmt.Errorf("delete object failed: %w", err)
	}
	return nil
}

// ListObjects streams all objects under prefix in pages of listPageSize.
func (p *MinioPillar) ListObjects(ctx context.Context, prefix string, fn func([]ObjectInfo) error) error {
	const operation = "ListObjects"
	start := time.Now()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	objectCh := p.client.ListObjects(ctx, p.bucket, minio.ListObjectsOptions{
		Prefix:       prefix,
		Recursive:    true,
		WithMetadata: true,
	})

	page := make([]ObjectInfo, 0, listPageSize)
	for obj := range objectCh {
		if obj.Err != nil {
			recordPillarOperation(operation, p.name, start, obj.Err)
			return fmt.Errorf("list objects failed: %w", obj.Err)
		}
		page = append(page, ObjectInfo{
			Key:          obj.Key,
			Size:         obj.Size,
			Checksum:     metadataChecksum(obj.UserMetadata),
			LastModified: obj.LastModified,
		})
		if len(page) == listPageSize {
			if err := fn(page); err != nil {
				return err
			}
			page = make([]ObjectInfo, 0, listPageSize)
		}
	}
	recordPillarOperation(operation, p.name, start, nil)

	if len(page) > 0 {
		return fn(page)
	}
	return nil
}

// mapMinioError turns NoSuchKey responses into ErrObjectNotFound.
func mapMinioError(err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.StatusCode == 404 {
		return fmt.Errorf("%w: %v", ErrObjectNotFound, err)
	}
	return err
}
