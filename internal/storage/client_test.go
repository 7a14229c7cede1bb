package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/kb-dk/Yggdrasil-sub000/internal/config"
)

// newTestClient creates a Client over mock pillars forming one collection
// "books" in the given order.
func newTestClient(t *testing.T, tolerated int, pillars ...*mockPillar) *Client {
	t.Helper()
	byName := make(map[string]Pillar, len(pillars))
	names := make([]string, 0, len(pillars))
	for _, p := range pillars {
		byName[p.name] = p
		names = append(names, p.name)
	}
	dir := t.TempDir()
	c, err := NewClient(byName,
		[]config.CollectionConfig{{ID: "books", Pillars: names, ToleratedFailures: tolerated}},
		config.StorageConfig{
			StagingDir: filepath.Join(dir, "staging"),
			FetchDir:   filepath.Join(dir, "fetch"),
		})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func writeTempFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func stagingEntries(t *testing.T, c *Client) int {
	t.Helper()
	entries, err := os.ReadDir(c.stagingDir)
	if err != nil {
		t.Fatal(err)
	}
	return len(entries)
}

// -------------------------------------------------------------------------
// Upload
// -------------------------------------------------------------------------

func TestUpload_AllPillars(t *testing.T) {
	a, b, c := newMockPillar("a"), newMockPillar("b"), newMockPillar("c")
	client := newTestClient(t, 1, a, b, c)
	file := writeTempFile(t, "container-1.warc", []byte("warc data"))

	if err := client.Upload(context.Background(), file, "books"); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	for _, p := range []*mockPillar{a, b, c} {
		if !p.hasObject("books/container-1.warc") {
			t.Errorf("pillar %s missing object", p.name)
		}
	}
	if got := a.objects["books/container-1.warc"].checksum; len(got) != 32 {
		t.Errorf("checksum = %q, want hex md5", got)
	}
	if n := stagingEntries(t, client); n != 0 {
		t.Errorf("staging dir has %d entries, want 0", n)
	}
	if _, err := os.Stat(file); err != nil {
		t.Errorf("local file should be left in place: %v", err)
	}
}

func TestUpload_OneFailureTolerated(t *testing.T) {
	a, b, c := newMockPillar("a"), newMockPillar("b"), newMockPillar("c")
	b.putErr = errors.New("connection refused")
	client := newTestClient(t, 1, a, b, c)
	file := writeTempFile(t, "container-2.warc", []byte("data"))

	if err := client.Upload(context.Background(), file, "books"); err != nil {
		t.Fatalf("Upload with one tolerated failure: %v", err)
	}
	if n := stagingEntries(t, client); n != 0 {
		t.Errorf("staging dir has %d entries, want 0", n)
	}
}

func TestUpload_TwoFailuresFail(t *testing.T) {
	a, b, c := newMockPillar("a"), newMockPillar("b"), newMockPillar("c")
	a.putErr = errors.New("timeout")
	c.putErr = errors.New("access denied")
	client := newTestClient(t, 1, a, b, c)
	file := writeTempFile(t, "container-3.warc", []byte("data"))

	err := client.Upload(context.Background(), file, "books")
	if !errors.Is(err, ErrQuorumFailed) {
		t.Fatalf("expected ErrQuorumFailed, got %v", err)
	}
	var opErr *OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected *OperationError, got %T", err)
	}
	if opErr.Collection != "books" || opErr.ObjectID != "container-3.warc" || opErr.Stage != StageQuorum {
		t.Errorf("unexpected error context: %+v", opErr)
	}
	want := map[string]string{"a": "timeout", "c": "access denied"}
	if diff := cmp.Diff(want, opErr.PillarErrors); diff != "" {
		t.Errorf("pillar errors mismatch (-want +got):\n%s", diff)
	}
	if n := stagingEntries(t, client); n != 0 {
		t.Errorf("staging dir has %d entries after failure, want 0", n)
	}
}

func TestUpload_UnknownCollection(t *testing.T) {
	client := newTestClient(t, 0, newMockPillar("a"))
	file := writeTempFile(t, "x.warc", []byte("data"))

	err := client.Upload(context.Background(), file, "maps")
	if !errors.Is(err, ErrUnknownCollection) {
		t.Fatalf("expected ErrUnknownCollection, got %v", err)
	}
}

func TestUpload_MissingFile(t *testing.T) {
	a := newMockPillar("a")
	client := newTestClient(t, 0, a)

	err := client.Upload(context.Background(), filepath.Join(t.TempDir(), "gone.warc"), "books")
	var opErr *OperationError
	if !errors.As(err, &opErr) || opErr.Stage != StageStage {
		t.Fatalf("expected stage error, got %v", err)
	}
	if a.putCalls != 0 {
		t.Errorf("pillar should not be called, got %d puts", a.putCalls)
	}
}

// -------------------------------------------------------------------------
// Fetch
// -------------------------------------------------------------------------

func TestFetch_FirstPillar(t *testing.T) {
	a, b := newMockPillar("a"), newMockPillar("b")
	a.seed("books/c1.warc", []byte("container body"))
	b.seed("books/c1.warc", []byte("container body"))
	client := newTestClient(t, 1, a, b)

	path, err := client.Fetch(context.Background(), "c1.warc", "books", nil)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "container body" {
		t.Errorf("fetched %q", data)
	}
	if b.getCalls != 0 {
		t.Errorf("second pillar should not be asked, got %d gets", b.getCalls)
	}
}

func TestFetch_FailsOver(t *testing.T) {
	a, b := newMockPillar("a"), newMockPillar("b")
	a.getErr = errors.New("unreachable")
	b.seed("books/c1.warc", []byte("from b"))
	client := newTestClient(t, 0, a, b)

	path, err := client.Fetch(context.Background(), "c1.warc", "books", nil)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "from b" {
		t.Errorf("fetched %q, want %q", data, "from b")
	}
}

func TestFetch_ChecksumMismatchFailsOver(t *testing.T) {
	a, b := newMockPillar("a"), newMockPillar("b")
	a.seed("books/c1.warc", []byte("payload"))
	a.corrupt = true
	b.seed("books/c1.warc", []byte("payload"))
	client := newTestClient(t, 0, a, b)

	path, err := client.Fetch(context.Background(), "c1.warc", "books", nil)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "payload" {
		t.Errorf("fetched %q", data)
	}
}

func TestFetch_Range(t *testing.T) {
	a := newMockPillar("a")
	a.seed("books/c1.warc", []byte("0123456789"))
	client := newTestClient(t, 0, a)

	path, err := client.Fetch(context.Background(), "c1.warc", "books", &ByteRange{Offset: 2, Length: 4})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "2345" {
		t.Errorf("fetched %q, want %q", data, "2345")
	}
}

func TestFetch_AllFail(t *testing.T) {
	a, b := newMockPillar("a"), newMockPillar("b")
	client := newTestClient(t, 1, a, b)

	_, err := client.Fetch(context.Background(), "missing.warc", "books", nil)
	var opErr *OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected *OperationError, got %v", err)
	}
	if len(opErr.PillarErrors) != 2 {
		t.Errorf("expected 2 pillar errors, got %v", opErr.PillarErrors)
	}
	entries, _ := os.ReadDir(client.fetchDir)
	if len(entries) != 0 {
		t.Errorf("fetch dir should be empty after failure, has %d entries", len(entries))
	}
}

// -------------------------------------------------------------------------
// Listing
// -------------------------------------------------------------------------

func TestListKnownCollections(t *testing.T) {
	a := newMockPillar("a")
	c, err := NewClient(map[string]Pillar{"a": a}, []config.CollectionConfig{
		{ID: "zines", Pillars: []string{"a"}},
		{ID: "books", Pillars: []string{"a"}},
	}, config.StorageConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"books", "zines"}, c.ListKnownCollections()); diff != "" {
		t.Errorf("collections mismatch (-want +got):\n%s", diff)
	}
}

func TestNewClient_UnknownPillar(t *testing.T) {
	_, err := NewClient(map[string]Pillar{}, []config.CollectionConfig{
		{ID: "books", Pillars: []string{"nope"}},
	}, config.StorageConfig{})
	if err == nil {
		t.Fatal("expected error for unconfigured pillar")
	}
}

func TestListObjectIDs_Union(t *testing.T) {
	a, b := newMockPillar("a"), newMockPillar("b")
	a.seed("books/one", []byte("1"))
	b.seed("books/one", []byte("1"))
	b.seed("books/two", []byte("2"))
	b.seed("maps/three", []byte("3"))
	client := newTestClient(t, 0, a, b)

	ids, err := client.ListObjectIDs(context.Background(), "books")
	if err != nil {
		t.Fatalf("ListObjectIDs: %v", err)
	}
	if diff := cmp.Diff([]string{"one", "two"}, ids); diff != "" {
		t.Errorf("ids mismatch (-want +got):\n%s", diff)
	}
}

func TestListChecksums_SingleObject(t *testing.T) {
	a, b, c := newMockPillar("a"), newMockPillar("b"), newMockPillar("c")
	a.seed("books/one", []byte("payload"))
	b.seed("books/one", []byte("payload"))
	c.headErr = errors.New("down")
	client := newTestClient(t, 1, a, b, c)

	sums, err := client.ListChecksums(context.Background(), "one", "books")
	if err != nil {
		t.Fatalf("ListChecksums: %v", err)
	}
	want := a.objects["books/one"].checksum
	if len(sums) != 2 {
		t.Fatalf("expected 2 pillars in result, got %v", sums)
	}
	for pillar, entries := range sums {
		if len(entries) != 1 || entries[0].Checksum != want || entries[0].ObjectID != "one" {
			t.Errorf("pillar %s: unexpected entries %+v", pillar, entries)
		}
	}
}

func TestListChecksums_QuorumFailure(t *testing.T) {
	a, b := newMockPillar("a"), newMockPillar("b")
	a.listErr = errors.New("down")
	client := newTestClient(t, 0, a, b)

	_, err := client.ListChecksums(context.Background(), "", "books")
	if !errors.Is(err, ErrQuorumFailed) {
		t.Fatalf("expected ErrQuorumFailed, got %v", err)
	}
}

func TestExistsInCollection(t *testing.T) {
	tests := []struct {
		name    string
		present []bool
		want    bool
	}{
		{"all present", []bool{true, true, true}, true},
		{"one absent tolerated", []bool{true, false, true}, true},
		{"two absent", []bool{false, true, false}, false},
		{"none present", []bool{false, false, false}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pillars := []*mockPillar{newMockPillar("a"), newMockPillar("b"), newMockPillar("c")}
			for i, p := range pillars {
				if tt.present[i] {
					p.seed("books/obj", []byte("x"))
				}
			}
			client := newTestClient(t, 1, pillars...)

			got, err := client.ExistsInCollection(context.Background(), "obj", "books")
			if err != nil {
				t.Fatalf("ExistsInCollection: %v", err)
			}
			if got != tt.want {
				t.Errorf("exists = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExistsInCollection_NoPillarAnswers(t *testing.T) {
	a, b := newMockPillar("a"), newMockPillar("b")
	a.headErr = errors.New("down")
	b.headErr = errors.New("down")
	client := newTestClient(t, 1, a, b)

	if _, err := client.ExistsInCollection(context.Background(), "obj", "books"); err == nil {
		t.Fatal("expected error when no pillar answers")
	}
}

// -------------------------------------------------------------------------
// Object ids
// -------------------------------------------------------------------------

func TestValidateObjectID(t *testing.T) {
	tests := []struct {
		id string
		ok bool
	}{
		{"c1.warc", true},
		{"0b7c.warc.gz", true},
		{"", false},
		{".", false},
		{"..", false},
		{"../music/c1.warc", false},
		{"sub/c1.warc", false},
		{`..\c1.warc`, false},
	}
	for _, tt := range tests {
		err := ValidateObjectID(tt.id)
		if (err == nil) != tt.ok {
			t.Errorf("ValidateObjectID(%q) = %v, want ok=%v", tt.id, err, tt.ok)
		}
		if err != nil && !errors.Is(err, ErrInvalidObjectID) {
			t.Errorf("ValidateObjectID(%q) = %v, want ErrInvalidObjectID", tt.id, err)
		}
	}
}

func TestFetch_RejectsKeyOutsideCollection(t *testing.T) {
	a := newMockPillar("a")
	a.seed("music/c1.warc", []byte("other collection"))
	client := newTestClient(t, 0, a)

	_, err := client.Fetch(context.Background(), "../music/c1.warc", "books", nil)
	var opErr *OperationError
	if !errors.As(err, &opErr) || opErr.Stage != StageValidate || !errors.Is(err, ErrInvalidObjectID) {
		t.Fatalf("got %v, want validate-stage ErrInvalidObjectID", err)
	}
	a.mu.Lock()
	calls := a.getCalls
	a.mu.Unlock()
	if calls != 0 {
		t.Errorf("pillar was read %d times", calls)
	}
}

func TestExistsInCollection_RejectsNestedID(t *testing.T) {
	a := newMockPillar("a")
	a.seed("books/x/c1.warc", []byte("data"))
	client := newTestClient(t, 0, a)

	if _, err := client.ExistsInCollection(context.Background(), "x/c1.warc", "books"); !errors.Is(err, ErrInvalidObjectID) {
		t.Fatalf("got %v, want ErrInvalidObjectID", err)
	}
	if _, err := client.ListChecksums(context.Background(), "../c1.warc", "books"); !errors.Is(err, ErrInvalidObjectID) {
		t.Fatalf("ListChecksums: got %v, want ErrInvalidObjectID", err)
	}
}
