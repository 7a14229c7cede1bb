// -------------------------------------------------------------------------------
// Reconcile - Leftovers of a Previous Run
//
// Project: Yggdrasil
//
// Containers still in the packaging directory and durable records that never
// reached a final state are found by Scan and ended by Resolve. Must not run
// alongside a live service.
// -------------------------------------------------------------------------------

package packaging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/kb-dk/Yggdrasil-sub000/internal/config"
	"github.com/kb-dk/Yggdrasil-sub000/internal/lifecycle"
	"github.com/kb-dk/Yggdrasil-sub000/internal/model"
	"github.com/kb-dk/Yggdrasil-sub000/internal/store"
	"github.com/kb-dk/Yggdrasil-sub000/internal/warc"
)

// Orphan is a container left behind in the packaging directory, either by a
// failed upload or by a stop before its batch was flushed.
type Orphan struct {
	Collection string
	Path       string
	Size       int64
	Records    int
	Err        error // set when the container does not read cleanly
}

// Name returns the container's object name.
func (o Orphan) Name() string { return filepath.Base(o.Path) }

// ReconcileResult is the outcome of a scan. Uploaded lists the object names of
// orphans that Resolve stored successfully.
type ReconcileResult struct {
	Orphans  []Orphan
	Dangling []*model.RequestState
	Uploaded []string
}

// Reconciler finds and ends work left over from a previous run. It must not
// run alongside a live Manager on the same directory and store.
type Reconciler struct {
	cfg      config.PackagingConfig
	store    store.Store
	uploader Uploader
	reporter Reporter
}

// NewReconciler creates a Reconciler.
func NewReconciler(cfg config.PackagingConfig, s store.Store, uploader Uploader, reporter Reporter) *Reconciler {
	return &Reconciler{cfg: cfg, store: s, uploader: uploader, reporter: reporter}
}

// Scan lists orphaned containers and durable records that never reached a
// final state. Nothing is changed.
func (r *Reconciler) Scan(ctx context.Context) (*ReconcileResult, error) {
	orphans, err := r.scanContainers()
	if err != nil {
		return nil, err
	}

	ids, err := r.store.ListIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list durable records: %w", err)
	}
	res := &ReconcileResult{Orphans: orphans}
	for _, id := range ids {
		st, err := r.store.Get(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load record %s: %w", id, err)
		}
		res.Dangling = append(res.Dangling, st)
	}
	return res, nil
}

// Resolve ends every dangling record in res. With upload set, intact orphans
// are uploaded first; records whose containers were stored end in upload
// success, all others in upload failure.
func (r *Reconciler) Resolve(ctx context.Context, res *ReconcileResult, upload bool) error {
	stored := make(map[string]bool)
	if upload {
		for _, o := range res.Orphans {
			if o.Err != nil {
				slog.Warn("Reconcile: skipping damaged container", "container", o.Name(), "error", o.Err)
				continue
			}
			if err := r.uploader.Upload(ctx, o.Path, o.Collection); err != nil {
				slog.Error("Reconcile: upload failed", "container", o.Name(), "collection", o.Collection, "error", err)
				continue
			}
			stored[o.Name()] = true
			res.Uploaded = append(res.Uploaded, o.Name())
			removeIfSet(o.Path)
			slog.Info("Reconcile: uploaded orphaned container",
				"container", o.Name(), "collection", o.Collection, "size", humanize.IBytes(uint64(o.Size)))
		}
	}

	var errs []error
	for _, st := range res.Dangling {
		if err := ctx.Err(); err != nil {
			return err
		}

		var err error
		if st.ContainerID != "" && stored[st.ContainerID] &&
			(st.ContentContainerID == "" || stored[st.ContentContainerID]) {
			err = r.reporter.Report(ctx, st, lifecycle.PackageUploadSuccess, "uploaded by reconcile")
		} else {
			st.ClearContainers()
			err = r.reporter.Report(ctx, st, lifecycle.PackageUploadFailure, "abandoned before upload")
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("record %s: %w", st.ID(), err))
			continue
		}
		removeIfSet(st.ContentPath)
		removeIfSet(st.MetadataPath)
	}
	return errors.Join(errs...)
}

// scanContainers walks <dir>/<collection>/ for container files.
func (r *Reconciler) scanContainers() ([]Orphan, error) {
	collections, err := os.ReadDir(r.cfg.Dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read packaging directory: %w", err)
	}

	var orphans []Orphan
	for _, c := range collections {
		if !c.IsDir() {
			continue
		}
		dir := filepath.Join(r.cfg.Dir, c.Name())
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", dir, err)
		}
		for _, e := range entries {
			if e.IsDir() || !isContainer(e.Name()) {
				continue
			}
			orphans = append(orphans, inspect(c.Name(), filepath.Join(dir, e.Name())))
		}
	}
	sort.Slice(orphans, func(i, j int) bool { return orphans[i].Path < orphans[j].Path })
	return orphans, nil
}

func isContainer(name string) bool {
	return strings.HasSuffix(name, warc.Extension) || strings.HasSuffix(name, warc.ExtensionGzip)
}

// inspect reads every record of the container at path.
func inspect(collection, path string) Orphan {
	o := Orphan{Collection: collection, Path: path}
	f, err := os.Open(path)
	if err != nil {
		o.Err = err
		return o
	}
	defer f.Close()
	if info, err := f.Stat(); err == nil {
		o.Size = info.Size()
	}

	rd, err := warc.NewReader(f)
	if err != nil {
		o.Err = err
		return o
	}
	defer rd.Close()
	for {
		_, err := rd.Next()
		if errors.Is(err, io.EOF) {
			return o
		}
		if err != nil {
			o.Err = err
			return o
		}
		o.Records++
	}
}
