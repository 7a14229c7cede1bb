// -------------------------------------------------------------------------------
// Packer - Per-Collection Batching
//
// Project: Yggdrasil
//
// A Packer owns at most one open container (a batch) for its collection.
// Requests are appended as WARC records; the batch is flushed once it grows
// past the size limit or outlives the age limit, whichever comes first. A
// flushed batch is uploaded to the storage tier and never reused.
// -------------------------------------------------------------------------------

package packaging

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"

	"github.com/kb-dk/Yggdrasil-sub000/internal/config"
	"github.com/kb-dk/Yggdrasil-sub000/internal/lifecycle"
	"github.com/kb-dk/Yggdrasil-sub000/internal/model"
	"github.com/kb-dk/Yggdrasil-sub000/internal/progress"
	"github.com/kb-dk/Yggdrasil-sub000/internal/telemetry"
	"github.com/kb-dk/Yggdrasil-sub000/internal/warc"
)

// DefaultContentType is used for fetched content of unknown type.
const DefaultContentType = "application/octet-stream"

// Flush triggers, used as metric labels.
const (
	triggerSize  = "size"
	triggerAge   = "age"
	triggerError = "error"
)

// Uploader moves a finished container to the storage tier.
type Uploader interface {
	Upload(ctx context.Context, localFile, collection string) error
}

// Reporter records lifecycle transitions.
type Reporter interface {
	Report(ctx context.Context, t progress.Tracked, state lifecycle.State, detail string) error
}

// Option configures a Packer or Manager.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the time source used for batch age.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// batch is one open container and the requests written into it.
type batch struct {
	writer  *warc.Writer
	created time.Time
	pending []*model.RequestState
}

// Packer batches the requests of one collection.
type Packer struct {
	collection string
	cfg        config.PackagingConfig
	uploader   Uploader
	reporter   Reporter
	now        func() time.Time

	mu    sync.Mutex
	batch *batch
}

// NewPacker creates the Packer for collection.
func NewPacker(collection string, cfg config.PackagingConfig, uploader Uploader, reporter Reporter, opts ...Option) *Packer {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &Packer{
		collection: collection,
		cfg:        cfg,
		uploader:   uploader,
		reporter:   reporter,
		now:        o.now,
	}
}

// Collection returns the collection this Packer serves.
func (p *Packer) Collection() string { return p.collection }

// -------------------------------------------------------------------------
// WRITE
// -------------------------------------------------------------------------

// WriteRecord appends st's content and metadata to the open batch, opening one
// first if needed. An already-due batch is flushed before anything is written.
// Packaging errors are returned as *lifecycle.Failure and are not retried; st
// ends up in PackageWaitingForMoreData on success.
func (p *Packer) WriteRecord(ctx context.Context, st *model.RequestState) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	// --- Start tracing span ---
	ctx, span := telemetry.StartSpan(ctx, "Packer WriteRecord",
		telemetry.AttrCollection.String(p.collection),
		telemetry.AttrRequestID.String(st.ID()),
	)
	defer span.End()

	if trigger, due := p.dueLocked(); due {
		p.flushLocked(ctx, trigger)
	}

	if p.batch == nil {
		if err := p.openLocked(); err != nil {
			f := lifecycle.Fail(firstFailState(st), "could not open container", err)
			span.SetStatus(codes.Error, err.Error())
			return f
		}
	}
	span.SetAttributes(telemetry.AttrContainerID.String(p.batch.writer.ID()))

	var err error
	if st.Request.Update {
		err = p.writeUpdateLocked(ctx, st)
	} else {
		err = p.writeRecordsLocked(ctx, st)
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		p.abandonLocked(ctx, err)
		return err
	}

	p.batch.pending = append(p.batch.pending, st)
	p.report(ctx, st, lifecycle.PackageComplete, "")
	p.report(ctx, st, lifecycle.PackageWaitingForMoreData, "")
	return nil
}

// writeRecordsLocked writes a resource record (when st has content) and a
// metadata record referring to it.
func (p *Packer) writeRecordsLocked(ctx context.Context, st *model.RequestState) error {
	w := p.batch.writer

	if st.ContentPath != "" {
		id, err := writeFile(st.ContentPath, func(r io.Reader, size int64, digest string) (string, error) {
			return w.WriteResourceRecord(r, size, contentType(st.ContentType), digest, st.Request.FileID)
		})
		if err != nil {
			return lifecycle.Fail(lifecycle.ResourcesPackageFailure, "could not package resource", err)
		}
		st.ContentRecordID = id
		st.ContentContainerID = p.objectName()
		telemetry.RecordsWrittenTotal.WithLabelValues(p.collection, string(warc.TypeResource)).Inc()
		p.report(ctx, st, lifecycle.ResourcesPackageSuccess, "")
	}

	if st.MetadataPath != "" {
		id, err := writeFile(st.MetadataPath, func(r io.Reader, size int64, digest string) (string, error) {
			return w.WriteMetadataRecord(r, size, contentType(st.MetadataContentType), st.ContentRecordID, digest, st.ID())
		})
		if err != nil {
			return lifecycle.Fail(lifecycle.MetadataPackagedFailure, "could not package metadata", err)
		}
		st.MetadataRecordID = id
		st.ContainerID = p.objectName()
		telemetry.RecordsWrittenTotal.WithLabelValues(p.collection, string(warc.TypeMetadata)).Inc()
		p.report(ctx, st, lifecycle.MetadataPackagedSuccessfully, "")
	}
	return nil
}

// writeUpdateLocked writes update records superseding earlier records of the
// same request. The original container is never reopened; the updates land in
// the open batch and point back through WARC-Concurrent-To.
func (p *Packer) writeUpdateLocked(ctx context.Context, st *model.RequestState) error {
	w := p.batch.writer

	if st.ContentPath != "" {
		id, err := writeFile(st.ContentPath, func(r io.Reader, size int64, digest string) (string, error) {
			return w.WriteUpdateRecord(r, size, contentType(st.ContentType), "", digest, st.Request.FileID)
		})
		if err != nil {
			return lifecycle.Fail(lifecycle.ResourcesPackageFailure, "could not package resource update", err)
		}
		st.ContentRecordID = id
		st.ContentContainerID = p.objectName()
		telemetry.RecordsWrittenTotal.WithLabelValues(p.collection, string(warc.TypeUpdate)).Inc()
		p.report(ctx, st, lifecycle.ResourcesPackageSuccess, "")
	}

	if st.MetadataPath != "" {
		id, err := writeFile(st.MetadataPath, func(r io.Reader, size int64, digest string) (string, error) {
			return w.WriteUpdateRecord(r, size, contentType(st.MetadataContentType), st.ContentRecordID, digest, st.ID())
		})
		if err != nil {
			return lifecycle.Fail(lifecycle.MetadataPackagedFailure, "could not package metadata update", err)
		}
		st.MetadataRecordID = id
		st.ContainerID = p.objectName()
		telemetry.RecordsWrittenTotal.WithLabelValues(p.collection, string(warc.TypeUpdate)).Inc()
		p.report(ctx, st, lifecycle.MetadataPackagedSuccessfully, "")
	}
	return nil
}

// -------------------------------------------------------------------------
// FLUSH
// -------------------------------------------------------------------------

// VerifyConditions flushes the open batch when it is due. It returns whether a
// flush happened.
func (p *Packer) VerifyConditions(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	trigger, due := p.dueLocked()
	if !due {
		return false
	}
	p.flushLocked(ctx, trigger)
	return true
}

// HasBatch reports whether a batch is open.
func (p *Packer) HasBatch() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.batch != nil
}

// dueLocked reports whether the open batch exceeded a limit, and which one.
func (p *Packer) dueLocked() (string, bool) {
	if p.batch == nil {
		return "", false
	}
	if p.batch.writer.CurrentSize() > p.cfg.MaxContainerSize {
		return triggerSize, true
	}
	if p.now().Sub(p.batch.created) > p.cfg.MaxContainerAge {
		return triggerAge, true
	}
	return "", false
}

// flushLocked detaches the batch, uploads it and reports the outcome for every
// pending request. The batch is gone afterwards whatever the outcome.
func (p *Packer) flushLocked(ctx context.Context, trigger string) {
	b := p.batch
	p.batch = nil
	telemetry.OpenBatches.WithLabelValues(p.collection).Set(0)

	// --- Start tracing span ---
	ctx, span := telemetry.StartSpan(ctx, "Packer Flush",
		telemetry.AttrCollection.String(p.collection),
		telemetry.AttrContainerID.String(b.writer.ID()),
	)
	defer span.End()

	size := b.writer.CurrentSize()
	age := p.now().Sub(b.created)
	telemetry.BatchFlushBytes.WithLabelValues(p.collection).Observe(float64(size))
	telemetry.BatchFlushAge.WithLabelValues(p.collection).Observe(age.Seconds())

	slog.Info("Packer: flushing batch",
		"collection", p.collection, "container", b.writer.ID(), "trigger", trigger,
		"size", humanize.IBytes(uint64(size)), "age", age.Round(time.Second), "requests", len(b.pending))

	err := b.writer.Close()
	for _, st := range b.pending {
		p.report(ctx, st, lifecycle.PackageUploadInitiated, "")
	}
	if err == nil {
		err = p.uploader.Upload(ctx, b.writer.Path(), p.collection)
	}

	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		telemetry.BatchesFlushedTotal.WithLabelValues(p.collection, trigger, "failure").Inc()
		slog.Error("Packer: upload failed, container kept for reconciliation",
			"collection", p.collection, "path", b.writer.Path(), "error", err)
		// The kept container holds every payload; the local copies are no
		// longer referenced once the durable records are gone.
		for _, st := range b.pending {
			st.ClearContainers()
			p.report(ctx, st, lifecycle.PackageUploadFailure, err.Error())
			removeIfSet(st.ContentPath)
			removeIfSet(st.MetadataPath)
		}
		return
	}

	telemetry.BatchesFlushedTotal.WithLabelValues(p.collection, trigger, "success").Inc()
	for _, st := range b.pending {
		p.report(ctx, st, lifecycle.PackageUploadSuccess, "")
		removeIfSet(st.ContentPath)
		removeIfSet(st.MetadataPath)
	}
	removeIfSet(b.writer.Path())
}

// openLocked starts a new batch with its warcinfo record.
func (p *Packer) openLocked() error {
	opts := []warc.Option{warc.WithClock(p.now)}
	if p.cfg.Gzip {
		opts = append(opts, warc.WithGzip(p.cfg.GzipLevel))
	}
	w, err := warc.Open(filepath.Join(p.cfg.Dir, p.collection), uuid.NewString(), opts...)
	if err != nil {
		return err
	}

	payload := warc.InfoPayload()
	if _, err := w.WriteInfoRecord(payload, warc.DigestBytes(payload)); err != nil {
		w.Close()
		os.Remove(w.Path())
		return err
	}
	telemetry.RecordsWrittenTotal.WithLabelValues(p.collection, string(warc.TypeInfo)).Inc()

	p.batch = &batch{writer: w, created: p.now()}
	telemetry.OpenBatches.WithLabelValues(p.collection).Set(1)
	slog.Debug("Packer: opened batch", "collection", p.collection, "container", w.ID())
	return nil
}

// abandonLocked discards the batch after a failed write. The container may end
// in a partial record, so it is neither uploaded nor kept; every request
// already in it fails with cause.
func (p *Packer) abandonLocked(ctx context.Context, cause error) {
	b := p.batch
	p.batch = nil
	telemetry.OpenBatches.WithLabelValues(p.collection).Set(0)
	b.writer.Close()
	removeIfSet(b.writer.Path())

	if len(b.pending) == 0 {
		return
	}
	telemetry.BatchesFlushedTotal.WithLabelValues(p.collection, triggerError, "abandoned").Inc()
	slog.Error("Packer: batch abandoned after failed write",
		"collection", p.collection, "container", b.writer.ID(), "requests", len(b.pending), "error", cause)

	detail := "batch abandoned after failed write: " + cause.Error()
	for _, st := range b.pending {
		st.ClearContainers()
		p.report(ctx, st, lifecycle.PackageUploadFailure, detail)
		removeIfSet(st.ContentPath)
		removeIfSet(st.MetadataPath)
	}
}

// -------------------------------------------------------------------------
// HELPERS
// -------------------------------------------------------------------------

// objectName is the storage object id of the open batch.
func (p *Packer) objectName() string {
	return filepath.Base(p.batch.writer.Path())
}

func (p *Packer) report(ctx context.Context, st *model.RequestState, state lifecycle.State, detail string) {
	// Rejections are logged by the reporter.
	_ = p.reporter.Report(ctx, st, state, detail)
}

// writeFile digests the file at path, then hands it to write.
func writeFile(path string, write func(r io.Reader, size int64, digest string) (string, error)) (string, error) {
	digest, size, err := warc.DigestFile(path)
	if err != nil {
		return "", err
	}
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return write(f, size, digest)
}

// firstFailState is the fail-state for a request that could not be packaged
// at all.
func firstFailState(st *model.RequestState) lifecycle.State {
	if st.ContentPath != "" {
		return lifecycle.ResourcesPackageFailure
	}
	return lifecycle.MetadataPackagedFailure
}

func contentType(ct string) string {
	if ct == "" {
		return DefaultContentType
	}
	return ct
}

func removeIfSet(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Packer: failed to remove file", "path", path, "error", err)
	}
}
