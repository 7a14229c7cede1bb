// -------------------------------------------------------------------------------
// Client - Quorum Storage Client
//
// Project: Yggdrasil
//
// Fronts the pillars of every configured collection. Uploads fan out to all
// pillars of a collection concurrently and succeed when no more pillars fail
// than the collection tolerates. Fetches fail over through the pillars in
// configured order and stop at the first one that delivers.
// -------------------------------------------------------------------------------

package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/kb-dk/Yggdrasil-sub000/internal/config"
	"github.com/kb-dk/Yggdrasil-sub000/internal/quorum"
	"github.com/kb-dk/Yggdrasil-sub000/internal/telemetry"
)

// ChecksumEntry is one object checksum reported by a pillar.
type ChecksumEntry struct {
	ObjectID string
	Checksum string
}

// collection is the resolved pillar set of one configured collection.
type collection struct {
	id        string
	pillars   []Pillar
	tolerated int
}

func (c *collection) pillarNames() []string {
	names := make([]string, len(c.pillars))
	for i, p := range c.pillars {
		names[i] = p.Name()
	}
	return names
}

// Client runs storage operations against the pillars of a collection.
type Client struct {
	collections   map[string]*collection
	stagingDir    string
	fetchDir      string
	pillarTimeout time.Duration
}

// NewClient resolves every collection's pillar names against pillars.
func NewClient(pillars map[string]Pillar, collections []config.CollectionConfig, cfg config.StorageConfig) (*Client, error) {
	c := &Client{
		collections:   make(map[string]*collection, len(collections)),
		stagingDir:    cfg.StagingDir,
		fetchDir:      cfg.FetchDir,
		pillarTimeout: cfg.PillarTimeout,
	}
	for _, col := range collections {
		resolved := &collection{id: col.ID, tolerated: col.ToleratedFailures}
		for _, name := range col.Pillars {
			p, ok := pillars[name]
			if !ok {
				return nil, fmt.Errorf("collection %s: pillar %s not configured", col.ID, name)
			}
			resolved.pillars = append(resolved.pillars, p)
		}
		c.collections[col.ID] = resolved
	}

	for _, dir := range []string{c.stagingDir, c.fetchDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return c, nil
}

// -------------------------------------------------------------------------
// UPLOAD
// -------------------------------------------------------------------------

// Upload copies localFile to every pillar of collectionID under the file's base
// name. It returns nil when the quorum succeeded; tolerated pillar failures are
// logged only. The staged copy is always removed and localFile is never touched.
func (c *Client) Upload(ctx context.Context, localFile, collectionID string) (err error) {
	const operation = "Upload"
	start := time.Now()
	objectID := filepath.Base(localFile)

	// --- Start tracing span ---
	ctx, span := telemetry.StartSpan(ctx, "Storage "+operation,
		telemetry.AttrCollection.String(collectionID),
		telemetry.AttrObjectID.String(objectID),
	)
	defer span.End()
	defer func() {
		recordOperation(operation, start, err)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			span.RecordError(err)
		}
	}()

	col, ok := c.collections[collectionID]
	if !ok {
		return &OperationError{Op: operation, Collection: collectionID, ObjectID: objectID,
			Stage: StageValidate, Err: ErrUnknownCollection}
	}
	if verr := ValidateObjectID(objectID); verr != nil {
		return &OperationError{Op: operation, Collection: collectionID, ObjectID: objectID,
			Stage: StageValidate, Err: verr}
	}

	// --- Stage a private copy and compute its checksum ---
	staged, checksum, size, err := c.stage(localFile)
	if err != nil {
		return &OperationError{Op: operation, Collection: collectionID, ObjectID: objectID,
			Stage: StageStage, Err: err}
	}
	defer func() {
		if rmErr := os.Remove(staged); rmErr != nil && !os.IsNotExist(rmErr) {
			slog.Warn("Storage: failed to remove staged file", "path", staged, "error", rmErr)
		}
	}()

	f, err := os.Open(staged)
	if err != nil {
		return &OperationError{Op: operation, Collection: collectionID, ObjectID: objectID,
			Stage: StageStage, Err: err}
	}
	defer f.Close()

	span.SetAttributes(telemetry.AttrObjectSize.Int64(size))

	// --- Fan out to every pillar ---
	eval := quorum.New(collectionID, col.pillarNames(), col.tolerated)
	key := ObjectKey(collectionID, objectID)

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range col.pillars {
		p := p
		g.Go(func() error {
			pctx, cancel := c.withTimeout(gctx)
			defer cancel()

			body := io.NewSectionReader(f, 0, size)
			if perr := p.PutObject(pctx, key, body, size, checksum); perr != nil {
				eval.HandleEvent(p.Name(), quorum.OutcomeFailure, perr.Error())
				return nil
			}
			eval.HandleEvent(p.Name(), quorum.OutcomeSuccess, "")
			return nil
		})
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = g.Wait()
		eval.Complete()
	}()
	res := eval.Wait(ctx)
	wg.Wait()

	// --- Evaluate ---
	recordQuorum(operation, collectionID, res)
	if res.IsFailure {
		return &OperationError{Op: operation, Collection: collectionID, ObjectID: objectID,
			Stage: StageQuorum, PillarErrors: res.Failed, Err: ErrQuorumFailed}
	}
	if len(res.Failed) > 0 {
		slog.Warn("Storage: upload succeeded with pillar failures",
			"collection", collectionID, "object", objectID,
			"failed", res.FailedPillars(), "tolerated", col.tolerated)
	}

	slog.Info("Storage: uploaded container",
		"collection", collectionID, "object", objectID,
		"size", humanize.IBytes(uint64(size)), "pillars", res.Succeeded)
	return nil
}

// stage copies src into the staging directory and returns the copy's path,
// hex MD5 and size.
func (c *Client) stage(src string) (string, string, int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", "", 0, fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.CreateTemp(c.stagingDir, filepath.Base(src)+".*")
	if err != nil {
		return "", "", 0, fmt.Errorf("create staged file: %w", err)
	}

	h := md5.New()
	n, err := io.Copy(io.MultiWriter(out, h), in)
	if err == nil {
		err = out.Sync()
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(out.Name())
		return "", "", 0, fmt.Errorf("stage %s: %w", src, err)
	}
	return out.Name(), hex.EncodeToString(h.Sum(nil)), n, nil
}

// -------------------------------------------------------------------------
// FETCH
// -------------------------------------------------------------------------

// Fetch downloads objectID from the first pillar of collectionID that delivers
// it and returns the local path. With rng set only that part is downloaded and
// the checksum cannot be verified.
func (c *Client) Fetch(ctx context.Context, objectID, collectionID string, rng *ByteRange) (path string, err error) {
	const operation = "Fetch"
	start := time.Now()

	// --- Start tracing span ---
	ctx, span := telemetry.StartSpan(ctx, "Storage "+operation,
		telemetry.AttrCollection.String(collectionID),
		telemetry.AttrObjectID.String(objectID),
	)
	defer span.End()
	defer func() {
		recordOperation(operation, start, err)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			span.RecordError(err)
		}
	}()

	col, ok := c.collections[collectionID]
	if !ok {
		return "", &OperationError{Op: operation, Collection: collectionID, ObjectID: objectID,
			Stage: StageValidate, Err: ErrUnknownCollection}
	}
	if verr := ValidateObjectID(objectID); verr != nil {
		return "", &OperationError{Op: operation, Collection: collectionID, ObjectID: objectID,
			Stage: StageValidate, Err: verr}
	}

	eval := quorum.New(collectionID, col.pillarNames(), len(col.pillars)-1, quorum.WithSuccessTarget(1))
	key := ObjectKey(collectionID, objectID)
	dest := filepath.Join(c.fetchDir, fetchName(objectID, rng))

	for _, p := range col.pillars {
		if ctx.Err() != nil {
			eval.OperationFailed(ctx.Err().Error())
			break
		}
		if ferr := c.download(ctx, p, key, rng, dest); ferr != nil {
			slog.Warn("Storage: fetch from pillar failed, trying next",
				"collection", collectionID, "object", objectID, "pillar", p.Name(), "error", ferr)
			eval.HandleEvent(p.Name(), quorum.OutcomeFailure, ferr.Error())
			continue
		}
		eval.HandleEvent(p.Name(), quorum.OutcomeSuccess, "")
		span.SetAttributes(telemetry.AttrPillar.String(p.Name()))
		break
	}
	eval.Complete()

	res := eval.Result()
	recordQuorum(operation, collectionID, res)
	if res.IsFailure || len(res.Succeeded) == 0 {
		return "", &OperationError{Op: operation, Collection: collectionID, ObjectID: objectID,
			Stage: StageDownload, PillarErrors: res.Failed, Err: ErrQuorumFailed}
	}
	return dest, nil
}

// download writes key from p to dest through a temporary file so a failed
// transfer never leaves a partial file at dest.
func (c *Client) download(ctx context.Context, p Pillar, key string, rng *ByteRange, dest string) error {
	pctx, cancel := c.withTimeout(ctx)
	defer cancel()

	obj, err := p.GetObject(pctx, key, rng)
	if err != nil {
		return err
	}
	defer obj.Body.Close()

	tmp, err := os.CreateTemp(c.fetchDir, filepath.Base(dest)+".part-*")
	if err != nil {
		return fmt.Errorf("create download file: %w", err)
	}
	defer os.Remove(tmp.Name())

	h := md5.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), obj.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}
	telemetry.PillarBytesTotal.WithLabelValues("GetObject", p.Name()).Add(float64(n))

	if rng == nil && obj.Checksum != "" {
		if got := hex.EncodeToString(h.Sum(nil)); got != obj.Checksum {
			return fmt.Errorf("%w: pillar recorded %s, downloaded %s", ErrChecksumMismatch, obj.Checksum, got)
		}
	}
	return os.Rename(tmp.Name(), dest)
}

// fetchName names the local copy so ranged reads of one object do not collide.
func fetchName(objectID string, rng *ByteRange) string {
	name := filepath.Base(objectID)
	if rng != nil {
		name = fmt.Sprintf("%s.%d-%d", name, rng.Offset, rng.Length)
	}
	return name
}

// -------------------------------------------------------------------------
// LISTING
// -------------------------------------------------------------------------

// ListKnownCollections returns the configured collection ids, sorted.
func (c *Client) ListKnownCollections() []string {
	ids := make([]string, 0, len(c.collections))
	for id := range c.collections {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ListObjectIDs returns the union of object ids held by the pillars of
// collectionID, sorted. The listing fails when more pillars fail than the
// collection tolerates.
func (c *Client) ListObjectIDs(ctx context.Context, collectionID string) ([]string, error) {
	const operation = "ListObjectIDs"

	perPillar, err := c.listAll(ctx, operation, collectionID)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	for _, entries := range perPillar {
		for _, e := range entries {
			seen[e.ObjectID] = true
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// ListChecksums returns the checksums each pillar of collectionID holds for
// objectID, or for every object when objectID is empty. Pillars that failed
// within tolerance are absent from the result.
func (c *Client) ListChecksums(ctx context.Context, objectID, collectionID string) (map[string][]ChecksumEntry, error) {
	const operation = "ListChecksums"
	if objectID == "" {
		return c.listAll(ctx, operation, collectionID)
	}

	col, ok := c.collections[collectionID]
	if !ok {
		return nil, &OperationError{Op: operation, Collection: collectionID, ObjectID: objectID,
			Stage: StageValidate, Err: ErrUnknownCollection}
	}
	if err := ValidateObjectID(objectID); err != nil {
		return nil, &OperationError{Op: operation, Collection: collectionID, ObjectID: objectID,
			Stage: StageValidate, Err: err}
	}

	key := ObjectKey(collectionID, objectID)
	return c.fanOut(ctx, operation, col, objectID, func(ctx context.Context, p Pillar) ([]ChecksumEntry, error) {
		info, err := p.HeadObject(ctx, key)
		if err != nil {
			return nil, err
		}
		return []ChecksumEntry{{ObjectID: objectID, Checksum: info.Checksum}}, nil
	})
}

// ExistsInCollection reports whether objectID is present on enough pillars of
// collectionID to satisfy its quorum. An error is returned only when no pillar
// could answer at all.
func (c *Client) ExistsInCollection(ctx context.Context, objectID, collectionID string) (bool, error) {
	const operation = "ExistsInCollection"

	col, ok := c.collections[collectionID]
	if !ok {
		return false, &OperationError{Op: operation, Collection: collectionID, ObjectID: objectID,
			Stage: StageValidate, Err: ErrUnknownCollection}
	}
	if err := ValidateObjectID(objectID); err != nil {
		return false, &OperationError{Op: operation, Collection: collectionID, ObjectID: objectID,
			Stage: StageValidate, Err: err}
	}

	key := ObjectKey(collectionID, objectID)
	eval := quorum.New(collectionID, col.pillarNames(), col.tolerated)

	var mu sync.Mutex
	answered := 0
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range col.pillars {
		p := p
		g.Go(func() error {
			pctx, cancel := c.withTimeout(gctx)
			defer cancel()

			_, err := p.HeadObject(pctx, key)
			switch {
			case err == nil:
				mu.Lock()
				answered++
				mu.Unlock()
				eval.HandleEvent(p.Name(), quorum.OutcomeSuccess, "")
			case errors.Is(err, ErrObjectNotFound):
				mu.Lock()
				answered++
				mu.Unlock()
				eval.HandleEvent(p.Name(), quorum.OutcomeFailure, "absent")
			default:
				eval.HandleEvent(p.Name(), quorum.OutcomeFailure, err.Error())
			}
			return nil
		})
	}
	_ = g.Wait()
	eval.Complete()

	res := eval.Result()
	recordQuorum(operation, collectionID, res)
	if answered == 0 && len(col.pillars) > 0 {
		return false, &OperationError{Op: operation, Collection: collectionID, ObjectID: objectID,
			Stage: StageTransfer, PillarErrors: res.Failed, Err: ErrQuorumFailed}
	}
	return !res.IsFailure, nil
}

// listAll lists every object of collectionID on each pillar.
func (c *Client) listAll(ctx context.Context, operation, collectionID string) (map[string][]ChecksumEntry, error) {
	col, ok := c.collections[collectionID]
	if !ok {
		return nil, &OperationError{Op: operation, Collection: collectionID,
			Stage: StageValidate, Err: ErrUnknownCollection}
	}

	prefix := collectionID + "/"
	return c.fanOut(ctx, operation, col, "", func(ctx context.Context, p Pillar) ([]ChecksumEntry, error) {
		var entries []ChecksumEntry
		err := p.ListObjects(ctx, prefix, func(page []ObjectInfo) error {
			for _, obj := range page {
				entries = append(entries, ChecksumEntry{
					ObjectID: ObjectIDFromKey(collectionID, obj.Key),
					Checksum: obj.Checksum,
				})
			}
			return nil
		})
		return entries, err
	})
}

// fanOut runs fn on every pillar of col concurrently and collects the
// successful results under quorum.
func (c *Client) fanOut(ctx context.Context, operation string, col *collection, objectID string,
	fn func(context.Context, Pillar) ([]ChecksumEntry, error)) (result map[string][]ChecksumEntry, err error) {
	start := time.Now()
	defer func() { recordOperation(operation, start, err) }()

	eval := quorum.New(col.id, col.pillarNames(), col.tolerated)
	var mu sync.Mutex
	result = make(map[string][]ChecksumEntry, len(col.pillars))

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range col.pillars {
		p := p
		g.Go(func() error {
			pctx, cancel := c.withTimeout(gctx)
			defer cancel()

			entries, ferr := fn(pctx, p)
			if ferr != nil {
				eval.HandleEvent(p.Name(), quorum.OutcomeFailure, ferr.Error())
				return nil
			}
			mu.Lock()
			result[p.Name()] = entries
			mu.Unlock()
			eval.HandleEvent(p.Name(), quorum.OutcomeSuccess, "")
			return nil
		})
	}
	_ = g.Wait()
	eval.Complete()

	res := eval.Result()
	recordQuorum(operation, col.id, res)
	if res.IsFailure {
		return nil, &OperationError{Op: operation, Collection: col.id, ObjectID: objectID,
			Stage: StageQuorum, PillarErrors: res.Failed, Err: ErrQuorumFailed}
	}
	if len(res.Failed) > 0 {
		slog.Warn("Storage: listing succeeded with pillar failures",
			"operation", operation, "collection", col.id, "failed", res.FailedPillars())
	}
	return result, nil
}

// -------------------------------------------------------------------------
// HELPERS
// -------------------------------------------------------------------------

// withTimeout applies the configured per-pillar timeout, if any.
func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.pillarTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.pillarTimeout)
}

// recordOperation updates Prometheus metrics for a storage client operation.
func recordOperation(operation string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	telemetry.StorageRequestsTotal.WithLabelValues(operation, status).Inc()
	telemetry.StorageDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// recordQuorum updates quorum metrics, counting tolerated failures too.
func recordQuorum(operation, collectionID string, res quorum.Result) {
	result := "success"
	if res.IsFailure {
		result = "failure"
	}
	telemetry.QuorumOutcomesTotal.WithLabelValues(operation, collectionID, result).Inc()
	for pillar := range res.Failed {
		telemetry.QuorumPillarFailuresTotal.WithLabelValues(operation, collectionID, pillar).Inc()
	}
}
