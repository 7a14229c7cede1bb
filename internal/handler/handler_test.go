package handler

import (
	"bytes"
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/zeebo/blake3"

	"github.com/kb-dk/Yggdrasil-sub000/internal/lifecycle"
	"github.com/kb-dk/Yggdrasil-sub000/internal/model"
	"github.com/kb-dk/Yggdrasil-sub000/internal/progress"
	"github.com/kb-dk/Yggdrasil-sub000/internal/storage"
	"github.com/kb-dk/Yggdrasil-sub000/internal/store"
	"github.com/kb-dk/Yggdrasil-sub000/internal/transform"
	"github.com/kb-dk/Yggdrasil-sub000/internal/warc"
)

// -------------------------------------------------------------------------
// TEST DOUBLES
// -------------------------------------------------------------------------

type recordingNotifier struct {
	mu      sync.Mutex
	updates []progress.Update
}

func (n *recordingNotifier) Notify(_ context.Context, u progress.Update) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.updates = append(n.updates, u)
	return nil
}

func (n *recordingNotifier) states(id string) []lifecycle.State {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []lifecycle.State
	for _, u := range n.updates {
		if u.RequestID == id {
			out = append(out, u.State)
		}
	}
	return out
}

func (n *recordingNotifier) failures(id string) []progress.Update {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []progress.Update
	for _, u := range n.updates {
		if u.RequestID == id && u.Failure {
			out = append(out, u)
		}
	}
	return out
}

type fakeFetcher struct {
	dir   string
	err   error
	calls int
}

func (f *fakeFetcher) Fetch(_ context.Context, requestID, uri string) (*model.Content, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	path := filepath.Join(f.dir, requestID+".content")
	data := []byte("content of " + uri)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, err
	}
	return &model.Content{Path: path, ContentType: "application/pdf", Size: int64(len(data))}, nil
}

type fakeTransformer struct {
	dir string
	err error
}

func (f *fakeTransformer) Transform(_ context.Context, id, _ string, metadata []byte) (*model.Content, error) {
	if f.err != nil {
		return nil, f.err
	}
	path := filepath.Join(f.dir, id+".xml")
	if err := os.WriteFile(path, metadata, 0o600); err != nil {
		return nil, err
	}
	return &model.Content{Path: path, ContentType: "text/xml", Size: int64(len(metadata))}, nil
}

type fakePackager struct {
	mu      sync.Mutex
	added   []*model.RequestState
	err     error
	doPanic bool
}

func (p *fakePackager) AddToContainer(_ context.Context, _ string, st *model.RequestState) error {
	if p.doPanic {
		panic("packer exploded")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.added = append(p.added, st)
	return p.err
}

func (p *fakePackager) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.added)
}

// fakeContainers serves containers from local files, copying them the way the
// storage client downloads into its fetch directory.
type fakeContainers struct {
	dir        string
	containers map[string]string
	err        error
	calls      int
	lastRange  *storage.ByteRange
	fetched    []string
}

func (c *fakeContainers) Fetch(_ context.Context, objectID, _ string, rng *storage.ByteRange) (string, error) {
	c.calls++
	c.lastRange = rng
	if c.err != nil {
		return "", c.err
	}
	src, ok := c.containers[objectID]
	if !ok {
		return "", storage.ErrObjectNotFound
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return "", err
	}
	dst := filepath.Join(c.dir, fmt.Sprintf("%s.%d", objectID, c.calls))
	if err := os.WriteFile(dst, data, 0o600); err != nil {
		return "", err
	}
	c.fetched = append(c.fetched, dst)
	return dst, nil
}

type delivered struct {
	delivery model.Delivery
	body     []byte
}

type fakeDeliverer struct {
	deliveries []delivered
	err        error
}

func (d *fakeDeliverer) Deliver(_ context.Context, del model.Delivery) error {
	body, err := os.ReadFile(del.Path)
	if err != nil {
		return err
	}
	d.deliveries = append(d.deliveries, delivered{delivery: del, body: body})
	return d.err
}

// -------------------------------------------------------------------------
// FIXTURE
// -------------------------------------------------------------------------

type fixture struct {
	notifier    *recordingNotifier
	store       store.Store
	fetcher     *fakeFetcher
	transformer *fakeTransformer
	packager    *fakePackager
	containers  *fakeContainers
	deliverer   *fakeDeliverer
	importDir   string
	now         time.Time

	preserver *Preserver
	importer  *Importer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.OpenBadger("")
	if err != nil {
		t.Fatalf("OpenBadger: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	f := &fixture{
		notifier:    &recordingNotifier{},
		store:       s,
		fetcher:     &fakeFetcher{dir: t.TempDir()},
		transformer: &fakeTransformer{dir: t.TempDir()},
		packager:    &fakePackager{},
		containers:  &fakeContainers{dir: t.TempDir(), containers: map[string]string{}},
		deliverer:   &fakeDeliverer{},
		importDir:   filepath.Join(t.TempDir(), "import"),
		now:         time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
	}
	reporter := progress.NewReporter(f.notifier, s)
	collections := []string{"books"}
	f.preserver = NewPreserver(collections, f.fetcher, f.transformer, f.packager, reporter)
	f.importer, err = NewImporter(collections, f.containers, f.deliverer, reporter, f.importDir,
		WithImportClock(func() time.Time { return f.now }))
	if err != nil {
		t.Fatalf("NewImporter: %v", err)
	}
	return f
}

func preservationRequest(id string) model.PreservationRequest {
	return model.PreservationRequest{
		ID:         id,
		Collection: "books",
		Model:      "mods",
		Metadata:   []byte("<mods><title>Fox</title></mods>"),
		ContentURI: "https://example.org/fox.pdf",
		FileID:     "file-" + id,
	}
}

// addContainer writes a container holding one resource record with the given
// id and payload. A non-empty digest overrides the computed block digest.
func (f *fixture) addContainer(t *testing.T, name, recordID string, payload []byte, digest string) {
	t.Helper()
	w, err := warc.Open(t.TempDir(), name)
	if err != nil {
		t.Fatal(err)
	}
	if digest == "" {
		digest = warc.DigestBytes(payload)
	}
	if _, err := w.WriteInfoRecord(warc.InfoPayload(), warc.DigestBytes(warc.InfoPayload())); err != nil {
		t.Fatal(err)
	}
	if _, err := w.WriteResourceRecord(bytes.NewReader(payload), int64(len(payload)), "text/plain", digest, recordID); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	f.containers.containers[name] = w.Path()
}

func importRequest(id string) model.ImportRequest {
	return model.ImportRequest{
		ID:          id,
		Collection:  "books",
		Type:        model.ImportTypeFile,
		ContainerID: "c1.warc",
		RecordID:    "file-1",
		DeliveryURL: "https://caller.example.org/inbox",
	}
}

func dirEntries(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	return len(entries)
}

// -------------------------------------------------------------------------
// PRESERVATION
// -------------------------------------------------------------------------

func TestPreserver_HandsOffToPacker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.preserver.Handle(ctx, preservationRequest("req-1")); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	want := []lifecycle.State{lifecycle.PreservationRequestReceived, lifecycle.ResourcesDownloadSuccess}
	if diff := cmp.Diff(want, f.notifier.states("req-1")); diff != "" {
		t.Errorf("states mismatch (-want +got):\n%s", diff)
	}
	if f.packager.count() != 1 {
		t.Fatalf("packer calls = %d, want 1", f.packager.count())
	}
	st := f.packager.added[0]
	if st.ContentPath == "" || st.MetadataPath == "" {
		t.Errorf("payload paths not set: %+v", st)
	}
	if st.ContentType != "application/pdf" || st.MetadataContentType != "text/xml" {
		t.Errorf("content types not set: %q %q", st.ContentType, st.MetadataContentType)
	}

	persisted, err := f.store.Get(ctx, "req-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if persisted.State != lifecycle.ResourcesDownloadSuccess {
		t.Errorf("persisted state = %s", persisted.State)
	}
}

func TestPreserver_MetadataOnly(t *testing.T) {
	f := newFixture(t)
	req := preservationRequest("req-1")
	req.ContentURI = ""

	if err := f.preserver.Handle(context.Background(), req); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if f.fetcher.calls != 0 {
		t.Errorf("fetcher called %d times", f.fetcher.calls)
	}
	if f.packager.count() != 1 || f.packager.added[0].ContentPath != "" {
		t.Error("metadata-only request should reach the packer without content")
	}
}

func TestPreserver_SchemaError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.transformer.err = &transform.ValidationError{
		Model: "mods", Stage: "schema", Detail: "element titleInfo: not expected",
	}

	err := f.preserver.Handle(ctx, preservationRequest("req-1"))
	fail, ok := lifecycle.AsFailure(err)
	if !ok || fail.State != lifecycle.MetadataPackagedFailure {
		t.Fatalf("expected MetadataPackagedFailure, got %v", err)
	}

	failures := f.notifier.failures("req-1")
	if len(failures) != 1 {
		t.Fatalf("failure notifications = %d, want 1", len(failures))
	}
	if failures[0].State != lifecycle.MetadataPackagedFailure || failures[0].Detail != "element titleInfo: not expected" {
		t.Errorf("unexpected failure update: %+v", failures[0])
	}
	if _, err := f.store.Get(ctx, "req-1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("durable record should be deleted, Get returned %v", err)
	}
	if f.packager.count() != 0 {
		t.Error("packer must not be invoked")
	}
	if n := dirEntries(t, f.fetcher.dir); n != 0 {
		t.Errorf("downloaded content should be removed, %d files left", n)
	}
}

func TestPreserver_UnknownCollection(t *testing.T) {
	f := newFixture(t)
	req := preservationRequest("req-1")
	req.Collection = "films"

	err := f.preserver.Handle(context.Background(), req)
	fail, ok := lifecycle.AsFailure(err)
	if !ok || fail.State != lifecycle.PreservationRequestFailed {
		t.Fatalf("expected PreservationRequestFailed, got %v", err)
	}
	if diff := cmp.Diff([]lifecycle.State{lifecycle.PreservationRequestFailed}, f.notifier.states("req-1")); diff != "" {
		t.Errorf("states mismatch (-want +got):\n%s", diff)
	}
	if f.fetcher.calls != 0 {
		t.Error("fetcher must not be called for a rejected request")
	}
}

func TestPreserver_InvalidRequest(t *testing.T) {
	f := newFixture(t)
	req := preservationRequest("req-1")
	req.Metadata = nil

	err := f.preserver.Handle(context.Background(), req)
	if !errors.Is(err, model.ErrMissingMetadata) {
		t.Fatalf("expected ErrMissingMetadata in chain, got %v", err)
	}
}

func TestPreserver_PathInRequestID(t *testing.T) {
	f := newFixture(t)

	err := f.preserver.Handle(context.Background(), preservationRequest("batch/req-1"))
	fail, ok := lifecycle.AsFailure(err)
	if !ok || fail.State != lifecycle.PreservationRequestFailed {
		t.Fatalf("expected PreservationRequestFailed, got %v", err)
	}
	if !errors.Is(err, model.ErrInvalidID) {
		t.Errorf("expected ErrInvalidID in chain, got %v", err)
	}
	if f.fetcher.calls != 0 {
		t.Error("content must not be fetched for a rejected request")
	}
}

func TestPreserver_DownloadFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fetcher.err = errors.New("connection refused")

	err := f.preserver.Handle(ctx, preservationRequest("req-1"))
	fail, ok := lifecycle.AsFailure(err)
	if !ok || fail.State != lifecycle.ResourcesDownloadFailure {
		t.Fatalf("expected ResourcesDownloadFailure, got %v", err)
	}
	if fail.Detail != "connection refused" {
		t.Errorf("detail = %q", fail.Detail)
	}
	if _, err := f.store.Get(ctx, "req-1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("durable record should be deleted, Get returned %v", err)
	}
}

func TestPreserver_PackerFailure(t *testing.T) {
	f := newFixture(t)
	f.packager.err = lifecycle.Fail(lifecycle.ResourcesPackageFailure, "disk full", nil)

	err := f.preserver.Handle(context.Background(), preservationRequest("req-1"))
	fail, ok := lifecycle.AsFailure(err)
	if !ok || fail.State != lifecycle.ResourcesPackageFailure || fail.Detail != "disk full" {
		t.Fatalf("unexpected failure: %v", err)
	}
	if n := dirEntries(t, f.transformer.dir); n != 0 {
		t.Errorf("metadata file should be removed, %d files left", n)
	}
}

// -------------------------------------------------------------------------
// IMPORT
// -------------------------------------------------------------------------

func TestImporter_Delivers(t *testing.T) {
	f := newFixture(t)
	payload := []byte("hello world")
	f.addContainer(t, "c1.warc", "file-1", payload, "")

	req := importRequest("imp-1")
	req.Checksum = fmt.Sprintf("md5:%x", md5.Sum(payload))
	req.Token = "tok"
	req.TokenExpiry = f.now.Add(time.Hour)

	if err := f.importer.Handle(context.Background(), req); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	want := []lifecycle.State{
		lifecycle.ImportRequestReceived,
		lifecycle.ImportRetrievalInitiated,
		lifecycle.ImportRetrievalSuccess,
		lifecycle.ImportRecordExtracted,
		lifecycle.ImportChecksumValid,
		lifecycle.ImportTokenValid,
		lifecycle.ImportDeliveryInitiated,
		lifecycle.ImportDeliverySuccess,
	}
	if diff := cmp.Diff(want, f.notifier.states("imp-1")); diff != "" {
		t.Errorf("states mismatch (-want +got):\n%s", diff)
	}

	if len(f.deliverer.deliveries) != 1 {
		t.Fatalf("deliveries = %d, want 1", len(f.deliverer.deliveries))
	}
	d := f.deliverer.deliveries[0]
	if string(d.body) != "hello world" {
		t.Errorf("body = %q", d.body)
	}
	if d.delivery.RecordID != "urn:uuid:file-1" || d.delivery.Token != "tok" || d.delivery.Checksum != req.Checksum {
		t.Errorf("unexpected delivery: %+v", d.delivery)
	}
	if d.delivery.Size != int64(len(payload)) || d.delivery.ContentType != "text/plain" {
		t.Errorf("unexpected size/type: %+v", d.delivery)
	}

	if n := dirEntries(t, f.importDir); n != 0 {
		t.Errorf("extracted payload should be removed, %d files left", n)
	}
	if n := dirEntries(t, f.containers.dir); n != 0 {
		t.Errorf("fetched container should be removed, %d files left", n)
	}
}

func TestImporter_Blake3Checksum(t *testing.T) {
	f := newFixture(t)
	payload := []byte("blake3 payload")
	f.addContainer(t, "c1.warc", "file-1", payload, "")

	req := importRequest("imp-1")
	sum := blake3.Sum256(payload)
	req.Checksum = fmt.Sprintf("BLAKE3:%x", sum[:])

	if err := f.importer.Handle(context.Background(), req); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(f.deliverer.deliveries) != 1 {
		t.Fatalf("deliveries = %d, want 1", len(f.deliverer.deliveries))
	}
}

func TestImporter_RecordNotFound(t *testing.T) {
	f := newFixture(t)
	f.addContainer(t, "c1.warc", "file-1", []byte("hello"), "")

	req := importRequest("imp-1")
	req.RecordID = "file-2"

	err := f.importer.Handle(context.Background(), req)
	fail, ok := lifecycle.AsFailure(err)
	if !ok || fail.State != lifecycle.ImportRecordNotFound {
		t.Fatalf("expected ImportRecordNotFound, got %v", err)
	}
	if len(f.deliverer.deliveries) != 0 {
		t.Error("deliverer must not be called")
	}
	if n := dirEntries(t, f.containers.dir); n != 0 {
		t.Errorf("fetched container should be removed, %d files left", n)
	}
}

func TestImporter_ChecksumMismatch(t *testing.T) {
	f := newFixture(t)
	f.addContainer(t, "c1.warc", "file-1", []byte("hello"), "")

	req := importRequest("imp-1")
	req.Checksum = fmt.Sprintf("md5:%x", md5.Sum([]byte("something else")))

	err := f.importer.Handle(context.Background(), req)
	fail, ok := lifecycle.AsFailure(err)
	if !ok || fail.State != lifecycle.ImportChecksumMismatch {
		t.Fatalf("expected ImportChecksumMismatch, got %v", err)
	}
	if len(f.deliverer.deliveries) != 0 {
		t.Error("deliverer must not be called")
	}
}

func TestImporter_RecordDigestMismatch(t *testing.T) {
	f := newFixture(t)
	f.addContainer(t, "c1.warc", "file-1", []byte("hello"), warc.DigestBytes([]byte("tampered")))

	err := f.importer.Handle(context.Background(), importRequest("imp-1"))
	fail, ok := lifecycle.AsFailure(err)
	if !ok || fail.State != lifecycle.ImportChecksumMismatch {
		t.Fatalf("expected ImportChecksumMismatch, got %v", err)
	}
}

func TestImporter_TokenExpired(t *testing.T) {
	f := newFixture(t)
	f.addContainer(t, "c1.warc", "file-1", []byte("hello"), "")

	req := importRequest("imp-1")
	req.TokenExpiry = f.now.Add(-time.Minute)

	err := f.importer.Handle(context.Background(), req)
	fail, ok := lifecycle.AsFailure(err)
	if !ok || fail.State != lifecycle.ImportTokenExpired {
		t.Fatalf("expected ImportTokenExpired, got %v", err)
	}
	if len(f.deliverer.deliveries) != 0 {
		t.Error("deliverer must not be called")
	}
}

func TestImporter_RetrievalFailure(t *testing.T) {
	f := newFixture(t)
	f.containers.err = storage.ErrQuorumFailed

	err := f.importer.Handle(context.Background(), importRequest("imp-1"))
	fail, ok := lifecycle.AsFailure(err)
	if !ok || fail.State != lifecycle.ImportRetrievalFailure {
		t.Fatalf("expected ImportRetrievalFailure, got %v", err)
	}
	if !errors.Is(err, storage.ErrQuorumFailed) {
		t.Errorf("cause should be kept: %v", err)
	}
}

func TestImporter_InvalidChecksumSpec(t *testing.T) {
	f := newFixture(t)

	req := importRequest("imp-1")
	req.Checksum = "crc32:00000000"

	err := f.importer.Handle(context.Background(), req)
	fail, ok := lifecycle.AsFailure(err)
	if !ok || fail.State != lifecycle.ImportRequestFailed {
		t.Fatalf("expected ImportRequestFailed, got %v", err)
	}
	if f.containers.calls != 0 {
		t.Error("storage must not be called for a rejected request")
	}
}

func TestImporter_ContainerOutsideCollection(t *testing.T) {
	f := newFixture(t)

	req := importRequest("imp-1")
	req.ContainerID = "../music/c1.warc"

	err := f.importer.Handle(context.Background(), req)
	fail, ok := lifecycle.AsFailure(err)
	if !ok || fail.State != lifecycle.ImportRequestFailed {
		t.Fatalf("expected ImportRequestFailed, got %v", err)
	}
	if f.containers.calls != 0 {
		t.Error("storage must not be called for a rejected request")
	}
}

func TestImporter_PassesRange(t *testing.T) {
	f := newFixture(t)
	f.addContainer(t, "c1.warc", "file-1", []byte("hello"), "")

	req := importRequest("imp-1")
	offset := int64(0)
	req.Offset = &offset

	if err := f.importer.Handle(context.Background(), req); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if diff := cmp.Diff(&storage.ByteRange{Offset: 0}, f.containers.lastRange); diff != "" {
		t.Errorf("range mismatch (-want +got):\n%s", diff)
	}
}

func TestImporter_DeliveryFailure(t *testing.T) {
	f := newFixture(t)
	f.addContainer(t, "c1.warc", "file-1", []byte("hello"), "")
	f.deliverer.err = errors.New("403 Forbidden")

	err := f.importer.Handle(context.Background(), importRequest("imp-1"))
	fail, ok := lifecycle.AsFailure(err)
	if !ok || fail.State != lifecycle.ImportDeliveryFailure {
		t.Fatalf("expected ImportDeliveryFailure, got %v", err)
	}
}

// -------------------------------------------------------------------------
// CHECKSUM
// -------------------------------------------------------------------------

func TestParseChecksum(t *testing.T) {
	tests := []struct {
		spec    string
		wantAlg string
		wantErr bool
	}{
		{"", "", false},
		{"md5:5d41402abc4b2a76b9719d911017c592", "md5", false},
		{"SHA1:aaf4c61ddcc5e8a2dabede0f3b482cd9aea9434d", "sha1", false},
		{"sha256:zz", "", true},
		{"md5:abcd", "", true},
		{"nocolon", "", true},
		{"crc32:00000000", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			c, err := parseChecksum(tt.spec)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if !errors.Is(err, ErrBadChecksum) {
					t.Errorf("expected ErrBadChecksum, got %v", err)
				}
				return
			}
			if tt.wantAlg == "" {
				if c != nil {
					t.Errorf("expected nil checksum, got %v", c)
				}
				return
			}
			if c.algorithm != tt.wantAlg {
				t.Errorf("algorithm = %q, want %q", c.algorithm, tt.wantAlg)
			}
		})
	}
}

// -------------------------------------------------------------------------
// DISPATCH
// -------------------------------------------------------------------------

func TestConsumer_RunDispatchesUntilClosed(t *testing.T) {
	f := newFixture(t)
	f.addContainer(t, "c1.warc", "file-1", []byte("hello"), "")
	c := NewConsumer(f.preserver, f.importer)

	queue := make(chan Message, 2)
	queue <- PreservationMessage(preservationRequest("req-1"))
	queue <- ImportMessage(importRequest("imp-1"))
	close(queue)

	done := make(chan struct{})
	go func() {
		c.Run(context.Background(), queue)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after the queue was closed")
	}

	if f.packager.count() != 1 {
		t.Errorf("packer calls = %d, want 1", f.packager.count())
	}
	if len(f.deliverer.deliveries) != 1 {
		t.Errorf("deliveries = %d, want 1", len(f.deliverer.deliveries))
	}
}

func TestConsumer_UnknownKind(t *testing.T) {
	f := newFixture(t)
	c := NewConsumer(f.preserver, f.importer)

	if err := c.Dispatch(context.Background(), Message{Kind: Kind(42)}); err == nil {
		t.Fatal("expected error for unknown kind")
	}
	if err := c.Dispatch(context.Background(), Message{Kind: KindImport}); err == nil {
		t.Fatal("expected error for missing payload")
	}
}

func TestConsumer_RecoversPanic(t *testing.T) {
	f := newFixture(t)
	f.packager.doPanic = true
	c := NewConsumer(f.preserver, f.importer)

	err := c.Dispatch(context.Background(), PreservationMessage(preservationRequest("req-1")))
	if err == nil {
		t.Fatal("expected error from panicking handler")
	}
}
