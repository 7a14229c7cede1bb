package handler

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/otel/codes"

	"github.com/kb-dk/Yggdrasil-sub000/internal/lifecycle"
	"github.com/kb-dk/Yggdrasil-sub000/internal/model"
	"github.com/kb-dk/Yggdrasil-sub000/internal/storage"
	"github.com/kb-dk/Yggdrasil-sub000/internal/telemetry"
	"github.com/kb-dk/Yggdrasil-sub000/internal/warc"
)

// ContainerFetcher retrieves a stored container, or part of one, to a local
// file.
type ContainerFetcher interface {
	Fetch(ctx context.Context, objectID, collectionID string, rng *storage.ByteRange) (string, error)
}

// Deliverer hands an extracted record to the caller.
type Deliverer interface {
	Deliver(ctx context.Context, d model.Delivery) error
}

// ImporterOption configures an Importer.
type ImporterOption func(*Importer)

// WithImportClock overrides the clock used for token expiry checks.
func WithImportClock(now func() time.Time) ImporterOption {
	return func(i *Importer) { i.now = now }
}

// Importer handles import requests: retrieve a container, extract one record,
// verify it and deliver it.
type Importer struct {
	collections map[string]bool
	storage     ContainerFetcher
	deliverer   Deliverer
	reporter    Reporter
	dir         string
	now         func() time.Time
}

// NewImporter creates an Importer extracting payloads into dir.
func NewImporter(collections []string, s ContainerFetcher, d Deliverer, r Reporter, dir string, opts ...ImporterOption) (*Importer, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create import directory: %w", err)
	}
	known := make(map[string]bool, len(collections))
	for _, c := range collections {
		known[c] = true
	}
	i := &Importer{
		collections: known,
		storage:     s,
		deliverer:   d,
		reporter:    r,
		dir:         dir,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Handle processes req to delivery or failure. Local files are always removed.
func (i *Importer) Handle(ctx context.Context, req model.ImportRequest) error {
	// --- Start tracing span ---
	ctx, span := telemetry.StartSpan(ctx, "Import",
		telemetry.AttrRequestID.String(req.ID),
		telemetry.AttrCollection.String(req.Collection),
		telemetry.AttrContainerID.String(req.ContainerID),
		telemetry.AttrRecordID.String(req.RecordID),
	)
	defer span.End()

	st := model.NewImportState(req)
	defer func() {
		removeIfSet(st.ContainerPath)
		removeIfSet(st.PayloadPath)
	}()

	sum, err := i.validate(req)
	if err == nil {
		err = i.reporter.Report(ctx, st, lifecycle.ImportRequestReceived, "")
	}
	if err == nil {
		err = i.process(ctx, st, sum)
	}
	if err == nil {
		return nil
	}

	// --- Fault barrier ---
	f := failureFor(err, lifecycle.ImportRequestFailed)
	span.SetStatus(codes.Error, f.Detail)
	span.RecordError(err)
	slog.Warn("Import: request failed",
		"id", req.ID, "collection", req.Collection, "record", req.RecordID,
		"state", f.State, "detail", f.Detail)

	if rerr := i.reporter.Fail(ctx, st, f); rerr != nil {
		return errors.Join(f, rerr)
	}
	return f
}

func (i *Importer) validate(req model.ImportRequest) (*checksum, error) {
	if err := req.Validate(); err != nil {
		return nil, lifecycle.Fail(lifecycle.ImportRequestFailed, "", err)
	}
	if !i.collections[req.Collection] {
		return nil, lifecycle.Fail(lifecycle.ImportRequestFailed,
			fmt.Sprintf("unknown collection %q", req.Collection), nil)
	}
	sum, err := parseChecksum(req.Checksum)
	if err != nil {
		return nil, lifecycle.Fail(lifecycle.ImportRequestFailed, "", err)
	}
	return sum, nil
}

func (i *Importer) process(ctx context.Context, st *model.ImportState, sum *checksum) error {
	req := st.Request

	// --- Retrieve container ---
	if err := i.reporter.Report(ctx, st, lifecycle.ImportRetrievalInitiated, ""); err != nil {
		return err
	}
	path, err := i.storage.Fetch(ctx, req.ContainerID, req.Collection, byteRange(req))
	if err != nil {
		return lifecycle.Fail(lifecycle.ImportRetrievalFailure, "", err)
	}
	st.ContainerPath = path
	if err := i.reporter.Report(ctx, st, lifecycle.ImportRetrievalSuccess, ""); err != nil {
		return err
	}

	// --- Extract record ---
	ext, err := i.extract(st, sum)
	if err != nil {
		return err
	}
	if err := i.reporter.Report(ctx, st, lifecycle.ImportRecordExtracted, ""); err != nil {
		return err
	}

	// --- Verify checksums ---
	if ext.blockDigest != "" && !warc.DigestsEqual(ext.blockDigest, ext.computedDigest) {
		return lifecycle.Fail(lifecycle.ImportChecksumMismatch,
			fmt.Sprintf("record digest %s does not match payload %s", ext.blockDigest, ext.computedDigest), nil)
	}
	if sum != nil {
		if !bytes.Equal(ext.callerSum, sum.want) {
			return lifecycle.Fail(lifecycle.ImportChecksumMismatch,
				fmt.Sprintf("expected %s, got %s:%s", sum, sum.algorithm, hex.EncodeToString(ext.callerSum)), nil)
		}
	}
	if ext.blockDigest != "" || sum != nil {
		if err := i.reporter.Report(ctx, st, lifecycle.ImportChecksumValid, ""); err != nil {
			return err
		}
	}

	// --- Verify token ---
	if !req.TokenExpiry.IsZero() {
		if !i.now().Before(req.TokenExpiry) {
			return lifecycle.Fail(lifecycle.ImportTokenExpired,
				fmt.Sprintf("token expired at %s", req.TokenExpiry.UTC().Format(time.RFC3339)), nil)
		}
		if err := i.reporter.Report(ctx, st, lifecycle.ImportTokenValid, ""); err != nil {
			return err
		}
	}

	// --- Deliver ---
	if err := i.reporter.Report(ctx, st, lifecycle.ImportDeliveryInitiated, ""); err != nil {
		return err
	}
	d := model.Delivery{
		URL:         req.DeliveryURL,
		Path:        st.PayloadPath,
		ContentType: ext.contentType,
		Size:        ext.size,
		RequestID:   req.ID,
		RecordID:    ext.recordID,
		Token:       req.Token,
	}
	if sum != nil {
		d.Checksum = sum.String()
	}
	if err := i.deliverer.Deliver(ctx, d); err != nil {
		return lifecycle.Fail(lifecycle.ImportDeliveryFailure, "", err)
	}
	slog.Info("Import: record delivered",
		"id", req.ID, "record", ext.recordID, "size", humanize.IBytes(uint64(ext.size)))
	return i.reporter.Report(ctx, st, lifecycle.ImportDeliverySuccess, "")
}

// extraction describes a record payload copied out of its container.
type extraction struct {
	recordID       string
	contentType    string
	size           int64
	blockDigest    string
	computedDigest string
	callerSum      []byte
}

// extract copies the requested record's payload into the import directory,
// hashing it on the way.
func (i *Importer) extract(st *model.ImportState, sum *checksum) (*extraction, error) {
	req := st.Request

	f, err := os.Open(st.ContainerPath)
	if err != nil {
		return nil, lifecycle.Fail(lifecycle.ImportRecordExtractionFailure, "", err)
	}
	defer f.Close()

	r, err := warc.NewReader(f)
	if err != nil {
		return nil, lifecycle.Fail(lifecycle.ImportRecordExtractionFailure, "", err)
	}
	defer r.Close()

	rec, err := warc.FindRecord(r, req.RecordID)
	if errors.Is(err, warc.ErrRecordNotFound) {
		return nil, lifecycle.Fail(lifecycle.ImportRecordNotFound,
			fmt.Sprintf("record %s not found in container %s", req.RecordID, req.ContainerID), err)
	}
	if err != nil {
		return nil, lifecycle.Fail(lifecycle.ImportRecordExtractionFailure, "", err)
	}

	out, err := os.CreateTemp(i.dir, req.ID+"-*.payload")
	if err != nil {
		return nil, lifecycle.Fail(lifecycle.ImportRecordExtractionFailure, "", err)
	}
	st.PayloadPath = out.Name()

	digest := warc.NewDigester()
	writers := []io.Writer{out, digest}
	var callerHash hash.Hash
	if sum != nil {
		callerHash = sum.newHash()
		writers = append(writers, callerHash)
	}
	n, err := io.Copy(io.MultiWriter(writers...), rec.Body)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err == nil && n != rec.ContentLength {
		err = fmt.Errorf("record %s truncated: read %d of %d bytes", rec.ID, n, rec.ContentLength)
	}
	if err != nil {
		return nil, lifecycle.Fail(lifecycle.ImportRecordExtractionFailure, "", err)
	}

	ext := &extraction{
		recordID:       rec.ID,
		contentType:    rec.ContentType,
		size:           n,
		blockDigest:    rec.BlockDigest,
		computedDigest: digest.Digest(),
	}
	if callerHash != nil {
		ext.callerSum = callerHash.Sum(nil)
	}
	slog.Debug("Import: record extracted",
		"id", req.ID, "record", rec.ID, "type", rec.Type, "size", humanize.IBytes(uint64(n)))
	return ext, nil
}

// byteRange returns the storage range for req, or nil for the whole container.
func byteRange(req model.ImportRequest) *storage.ByteRange {
	if req.Offset == nil {
		return nil
	}
	rng := &storage.ByteRange{Offset: *req.Offset}
	if req.Length != nil {
		rng.Length = *req.Length
	}
	return rng
}
