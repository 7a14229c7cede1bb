// -------------------------------------------------------------------------------
// S3Pillar - S3-Compatible Storage Contributor
//
// Project: Yggdrasil
//
// Pillar implementation using AWS SDK v2. Connects to any S3-compatible endpoint
// (AWS, Ceph RGW, OCI, B2, MinIO) via custom endpoint configuration.
// -------------------------------------------------------------------------------

package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.opentelemetry.io/otel/codes"

	"github.com/kb-dk/Yggdrasil-sub000/internal/config"
	"github.com/kb-dk/Yggdrasil-sub000/internal/telemetry"
)

// S3Pillar implements Pillar using AWS SDK v2.
type S3Pillar struct {
	client   *s3.Client
	bucket   string
	name     string
	endpoint string
}

// Compile-time check.
var _ Pillar = (*S3Pillar)(nil)

// NewS3Pillar creates a new S3-compatible pillar client. Uses BaseEndpoint to
// direct requests to the configured provider instead of AWS.
func NewS3Pillar(cfg config.PillarConfig) (*S3Pillar, error) {
	client := s3.New(s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		BaseEndpoint: aws.String(cfg.Endpoint),
		UsePathStyle: cfg.ForcePathStyle,
	})

	return &S3Pillar{
		client:   client,
		bucket:   cfg.Bucket,
		name:     cfg.Name,
		endpoint: cfg.Endpoint,
	}, nil
}

// Name returns the configured pillar name.
func (p *S3Pillar) Name() string { return p.name }

// -------------------------------------------------------------------------
// CRUD OPERATIONS
// -------------------------------------------------------------------------

// PutObject uploads an object with its MD5 in user metadata. The body must be
// seekable for the SigV4 payload hash.
func (p *S3Pillar) PutObject(ctx context.Context, key string, body io.ReadSeeker, size int64, checksum string) error {
	const operation = "PutObject"
	start := time.Now()

	// --- Start tracing span ---
	ctx, span := telemetry.StartSpan(ctx, "Pillar "+operation,
		telemetry.PillarAttributes(operation, p.name, p.endpoint, "", key)...,
	)
	defer span.End()

	input := &s3.PutObjectInput{
		Bucket:        aws.String(p.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String("application/warc"),
	}
	if checksum != "" {
		input.Metadata = map[string]string{ChecksumMetadataKey: checksum}
	}

	_, err := p.client.PutObject(ctx, input)

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

// GetObject retrieves an object, or part of it when rng is set.
func (p *S3Pillar) GetObject(ctx context.Context, key string, rng *ByteRange) (*GetObjectResult, error) {
	const operation = "GetObject"
	start := time.Now()

	// --- Start tracing span ---
	ctx, span := telemetry.StartSpan(ctx, "Pillar "+operation,
		telemetry.PillarAttributes(operation, p.name, p.endpoint, "", key)...,
	)
	defer span.End()

	input := &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	}
	if rng != nil {
		input.Range = aws.String(rng.Header())
	}

	result, err := p.client.GetObject(ctx, input)

	// --- Record metrics ---
	recordPillarOperation(operation, p.name, start, err)

	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return nil, fmt.Errorf("get object failed: %w", mapS3Error(err))
	}

	out := &GetObjectResult{Body: result.Body}
	if result.ContentLength != nil {
		out.Size = *result.ContentLength
	}
	if result.ContentRange != nil {
		out.ContentRange = *result.ContentRange
	}
	out.Checksum = metadataChecksum(result.Metadata)
	return out, nil
}

// HeadObject retrieves object metadata without the body.
func (p *S3Pillar) HeadObject(ctx context.Context, key string) (*ObjectInfo, error) {
	const operation = "HeadObject"
	start := time.Now()

	// --- Start tracing span ---
	ctx, span := telemetry.StartSpan(ctx, "Pillar "+operation,
		telemetry.PillarAttributes(operation, p.name, p.endpoint, "", key)...,
	)
	defer span.End()

	result, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})

	// --- Record metrics ---
	recordPillarOperation(operation, p.name, start, err)

	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return nil, fmt.Errorf("head object failed: %w", mapS3Error(err))
	}

	info := &ObjectInfo{Key: key, Checksum: metadataChecksum(result.Metadata)}
	if result.ContentLength != nil {
		info.Size = *result.ContentLength
	}
	if result.LastModified != nil {
		info.LastModified = *result.LastModified
	}
	return info, nil
}

// DeleteObject removes an object from the pillar.
func (p *S3Pillar) DeleteObject(ctx context.Context, key string) error {
	const operation = "DeleteObject"
	start := time.Now()

	// --- Start tracing span ---
	ctx, span := telemetry.StartSpan(ctx, "Pillar "+operation,
		telemetry.PillarAttributes(operation, p.name, p.endpoint, "", key)...,
	)
	defer span.End()

	_, err := p.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})

	// --- Record metrics ---
	recordPillarOperation(operation, p.name, start, err)

	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return fmt.Errorf("delete object failed: %w", err)
	}
	return nil
}

// -------------------------------------------------------------------------
// LISTING
// -------------------------------------------------------------------------

// ListObjects iterates all objects with the given prefix, calling fn for each
// page of results. Checksums are not part of S3 listings and are left empty.
func (p *S3Pillar) ListObjects(ctx context.Context, prefix string, fn func([]ObjectInfo) error) error {
	const operation = "ListObjectsV2"

	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(p.bucket),
	}
	if prefix != "" {
		input.Prefix = aws.String(prefix)
	}

	paginator := s3.NewListObjectsV2Paginator(p.client, input)
	for paginator.HasMorePages() {
		start := time.Now()
		page, err := paginator.NextPage(ctx)
		recordPillarOperation(operation, p.name, start, err)

		if err != nil {
			return fmt.Errorf("list objects failed: %w", err)
		}

		objects := make([]ObjectInfo, len(page.Contents))
		for i, obj := range page.Contents {
			objects[i] = ObjectInfo{Key: aws.ToString(obj.Key), Size: aws.ToInt64(obj.Size)}
			if obj.LastModified != nil {
				objects[i].LastModified = *obj.LastModified
			}
		}

		if len(objects) > 0 {
			if err := fn(objects); err != nil {
				return err
			}
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// HELPERS
// -------------------------------------------------------------------------

// mapS3Error turns the SDK's not-found shapes into ErrObjectNotFound.
func mapS3Error(err error) error {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return fmt.Errorf("%w: %v", ErrObjectNotFound, err)
	}
	return err
}

// metadataChecksum reads the checksum from user metadata, whose key casing
// differs between providers.
func metadataChecksum(md map[string]string) string {
	for k, v := range md {
		if strings.EqualFold(k, ChecksumMetadataKey) {
			return v
		}
	}
	return ""
}
