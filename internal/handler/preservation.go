// -------------------------------------------------------------------------------
// Handler - Preservation and Import Flows
//
// Project: Yggdrasil
//
// Drives one request at a time through its lifecycle. Each stage reports its
// success state; any failure is raised as a *lifecycle.Failure and caught by
// the fault barrier in Handle, which reports the fail-state exactly once.
// -------------------------------------------------------------------------------

package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel/codes"

	"github.com/kb-dk/Yggdrasil-sub000/internal/lifecycle"
	"github.com/kb-dk/Yggdrasil-sub000/internal/model"
	"github.com/kb-dk/Yggdrasil-sub000/internal/progress"
	"github.com/kb-dk/Yggdrasil-sub000/internal/telemetry"
	"github.com/kb-dk/Yggdrasil-sub000/internal/transform"
)

// -------------------------------------------------------------------------
// DEPENDENCIES
// -------------------------------------------------------------------------

// Reporter records lifecycle states.
type Reporter interface {
	Report(ctx context.Context, t progress.Tracked, state lifecycle.State, detail string) error
	Fail(ctx context.Context, t progress.Tracked, f *lifecycle.Failure) error
}

// ContentFetcher resolves a content URI to a local file.
type ContentFetcher interface {
	Fetch(ctx context.Context, requestID, uri string) (*model.Content, error)
}

// MetadataTransformer turns raw metadata into the stored metadata file.
type MetadataTransformer interface {
	Transform(ctx context.Context, id, metadataModel string, metadata []byte) (*model.Content, error)
}

// Packager adds a prepared request to its collection's open container.
type Packager interface {
	AddToContainer(ctx context.Context, collection string, st *model.RequestState) error
}

// -------------------------------------------------------------------------
// PRESERVER
// -------------------------------------------------------------------------

// Preserver handles preservation requests.
type Preserver struct {
	collections map[string]bool
	fetcher     ContentFetcher
	transformer MetadataTransformer
	packager    Packager
	reporter    Reporter
}

// NewPreserver creates a Preserver accepting the given collections.
func NewPreserver(collections []string, f ContentFetcher, t MetadataTransformer, p Packager, r Reporter) *Preserver {
	known := make(map[string]bool, len(collections))
	for _, c := range collections {
		known[c] = true
	}
	return &Preserver{
		collections: known,
		fetcher:     f,
		transformer: t,
		packager:    p,
		reporter:    r,
	}
}

// Handle processes req until it is handed to the packer or fails. The returned
// error is the failure that was reported, if any.
func (p *Preserver) Handle(ctx context.Context, req model.PreservationRequest) error {
	// --- Start tracing span ---
	ctx, span := telemetry.StartSpan(ctx, "Preservation",
		telemetry.AttrRequestID.String(req.ID),
		telemetry.AttrCollection.String(req.Collection),
	)
	defer span.End()

	st := model.NewRequestState(req)
	err := p.validate(req)
	if err == nil {
		err = p.reporter.Report(ctx, st, lifecycle.PreservationRequestReceived, "")
	}
	if err == nil {
		err = p.process(ctx, st)
	}
	if err == nil {
		return nil
	}

	// --- Fault barrier ---
	f := failureFor(err, lifecycle.PreservationRequestFailed)
	span.SetStatus(codes.Error, f.Detail)
	span.RecordError(err)
	slog.Warn("Preservation: request failed",
		"id", req.ID, "collection", req.Collection, "state", f.State, "detail", f.Detail)

	removeIfSet(st.ContentPath)
	removeIfSet(st.MetadataPath)
	if rerr := p.reporter.Fail(ctx, st, f); rerr != nil {
		return errors.Join(f, rerr)
	}
	return f
}

func (p *Preserver) validate(req model.PreservationRequest) error {
	if err := req.Validate(); err != nil {
		return lifecycle.Fail(lifecycle.PreservationRequestFailed, "", err)
	}
	if !p.collections[req.Collection] {
		return lifecycle.Fail(lifecycle.PreservationRequestFailed,
			fmt.Sprintf("unknown collection %q", req.Collection), nil)
	}
	return nil
}

func (p *Preserver) process(ctx context.Context, st *model.RequestState) error {
	req := st.Request

	// --- Resolve content ---
	if req.HasContent() {
		c, err := p.fetcher.Fetch(ctx, req.ID, req.ContentURI)
		if err != nil {
			return lifecycle.Fail(lifecycle.ResourcesDownloadFailure, "", err)
		}
		st.ContentPath = c.Path
		st.ContentType = c.ContentType
		if err := p.reporter.Report(ctx, st, lifecycle.ResourcesDownloadSuccess, ""); err != nil {
			return err
		}
	}

	// --- Transform metadata ---
	meta, err := p.transformer.Transform(ctx, req.ID, req.Model, req.Metadata)
	if err != nil {
		var vErr *transform.ValidationError
		if errors.As(err, &vErr) {
			return lifecycle.Fail(lifecycle.MetadataPackagedFailure, vErr.Detail, err)
		}
		return lifecycle.Fail(lifecycle.MetadataPackagedFailure, "", err)
	}
	st.MetadataPath = meta.Path
	st.MetadataContentType = meta.ContentType

	// --- Hand off to packer ---
	if err := p.packager.AddToContainer(ctx, req.Collection, st); err != nil {
		return failureFor(err, lifecycle.ResourcesPackageFailure)
	}
	return nil
}

// -------------------------------------------------------------------------
// HELPERS
// -------------------------------------------------------------------------

// failureFor returns the *lifecycle.Failure in err's chain, or wraps err in
// fallback.
func failureFor(err error, fallback lifecycle.State) *lifecycle.Failure {
	if f, ok := lifecycle.AsFailure(err); ok {
		return f
	}
	return lifecycle.Fail(fallback, "", err)
}

func removeIfSet(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		slog.Warn("Handler: failed to remove file", "path", path, "error", err)
	}
}
