// -------------------------------------------------------------------------------
// WARC - Container Writer
//
// Project: Yggdrasil
//
// Appends typed records to one physical container file. Records are never
// rewritten or removed. Block digests are supplied by the caller and written
// verbatim into the header. With gzip enabled every record becomes its own gzip
// member, so the resulting .warc.gz stays seekable per record.
// -------------------------------------------------------------------------------

package warc

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
)

// Option configures a Writer.
type Option func(*Writer)

// WithGzip writes each record as a separate gzip member.
func WithGzip(level int) Option {
	return func(w *Writer) {
		w.gzip = true
		w.gzipLevel = level
	}
}

// WithClock overrides the clock used for WARC-Date.
func WithClock(now func() time.Time) Option {
	return func(w *Writer) { w.now = now }
}

// Writer appends records to a single container.
type Writer struct {
	id        string
	path      string
	gzip      bool
	gzipLevel int
	now       func() time.Time

	mu      sync.Mutex
	file    *os.File
	counter *countingWriter
	records int
	closed  bool
}

// countingWriter tracks the number of bytes that reach the file.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// Open creates a new container named after id in dir. The file must not exist
// yet.
func Open(dir, id string, opts ...Option) (*Writer, error) {
	w := &Writer{
		id:        id,
		gzipLevel: gzip.DefaultCompression,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}

	ext := Extension
	if w.gzip {
		ext = ExtensionGzip
	}
	w.path = filepath.Join(dir, id+ext)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating container directory: %w", err)
	}
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening container %s: %w", id, err)
	}
	w.file = f
	w.counter = &countingWriter{w: f}
	return w, nil
}

// ID returns the container id.
func (w *Writer) ID() string { return w.id }

// Path returns the container's file path.
func (w *Writer) Path() string { return w.path }

// CurrentSize returns the number of bytes written to the container so far.
func (w *Writer) CurrentSize() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.counter.n
}

// Records returns the number of records written so far.
func (w *Writer) Records() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.records
}

// WriteInfoRecord writes the warcinfo record.
func (w *Writer) WriteInfoRecord(payload []byte, digest string) (string, error) {
	rec := Record{
		Type:          TypeInfo,
		ContentType:   InfoContentType,
		ContentLength: int64(len(payload)),
		BlockDigest:   digest,
		Body:          bytes.NewReader(payload),
	}
	return w.write(rec, "")
}

// WriteResourceRecord appends a resource record holding length bytes from r.
// An empty explicitID yields a fresh record id.
func (w *Writer) WriteResourceRecord(r io.Reader, length int64, contentType, digest, explicitID string) (string, error) {
	rec := Record{
		Type:          TypeResource,
		ContentType:   contentType,
		ContentLength: length,
		BlockDigest:   digest,
		Body:          r,
	}
	return w.write(rec, explicitID)
}

// WriteMetadataRecord appends a metadata record. refersTo names the resource
// record it describes and may be empty.
func (w *Writer) WriteMetadataRecord(r io.Reader, length int64, contentType, refersTo, digest, explicitID string) (string, error) {
	rec := Record{
		Type:          TypeMetadata,
		ContentType:   contentType,
		ContentLength: length,
		BlockDigest:   digest,
		RefersTo:      NormalizeID(refersTo),
		Body:          r,
	}
	return w.write(rec, explicitID)
}

// WriteUpdateRecord appends an update record superseding the records named in
// concurrentTo. The update itself always gets a fresh id.
func (w *Writer) WriteUpdateRecord(r io.Reader, length int64, contentType, refersTo, digest string, concurrentTo ...string) (string, error) {
	rec := Record{
		Type:          TypeUpdate,
		ContentType:   contentType,
		ContentLength: length,
		BlockDigest:   digest,
		RefersTo:      NormalizeID(refersTo),
		Body:          r,
	}
	for _, id := range concurrentTo {
		if id = NormalizeID(id); id != "" {
			rec.ConcurrentTo = append(rec.ConcurrentTo, id)
		}
	}
	return w.write(rec, "")
}

// Close flushes and releases the file. It is safe to call more than once and
// on a container that never received a record.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return fmt.Errorf("syncing container %s: %w", w.id, err)
	}
	return w.file.Close()
}

// -------------------------------------------------------------------------
// INTERNALS
// -------------------------------------------------------------------------

// write serializes one record. A failed write may leave a truncated record
// behind; the container must not receive further records after that.
func (w *Writer) write(rec Record, explicitID string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return "", ErrClosed
	}

	if explicitID != "" {
		rec.ID = NormalizeID(explicitID)
	} else {
		rec.ID = "urn:uuid:" + uuid.NewString()
	}
	rec.Date = w.now().UTC()

	var dst io.Writer = w.counter
	var gz *gzip.Writer
	if w.gzip {
		var err error
		gz, err = gzip.NewWriterLevel(w.counter, w.gzipLevel)
		if err != nil {
			return "", fmt.Errorf("starting gzip member: %w", err)
		}
		dst = gz
	}

	bw := bufio.NewWriter(dst)
	if err := writeHeader(bw, rec); err != nil {
		return "", err
	}
	n, err := io.CopyN(bw, rec.Body, rec.ContentLength)
	if err != nil {
		if err == io.EOF {
			return "", fmt.Errorf("%w: got %d of %d bytes", ErrShortBody, n, rec.ContentLength)
		}
		return "", fmt.Errorf("writing record body: %w", err)
	}
	if _, err := bw.WriteString("\r\n\r\n"); err != nil {
		return "", err
	}
	if err := bw.Flush(); err != nil {
		return "", fmt.Errorf("flushing record: %w", err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return "", fmt.Errorf("closing gzip member: %w", err)
		}
	}

	w.records++
	return rec.ID, nil
}

func writeHeader(bw *bufio.Writer, rec Record) error {
	lines := []string{
		Version,
		HeaderType + ": " + string(rec.Type),
		HeaderRecordID + ": <" + rec.ID + ">",
		HeaderDate + ": " + rec.Date.Format(time.RFC3339),
	}
	if rec.RefersTo != "" {
		lines = append(lines, HeaderRefersTo+": <"+rec.RefersTo+">")
	}
	for _, id := range rec.ConcurrentTo {
		lines = append(lines, HeaderConcurrentTo+": <"+id+">")
	}
	if rec.BlockDigest != "" {
		lines = append(lines, HeaderBlockDigest+": "+rec.BlockDigest)
	}
	if rec.ContentType != "" {
		lines = append(lines, HeaderContentType+": "+rec.ContentType)
	}
	lines = append(lines, HeaderContentLength+": "+strconv.FormatInt(rec.ContentLength, 10))

	for _, line := range lines {
		if _, err := bw.WriteString(line + "\r\n"); err != nil {
			return fmt.Errorf("writing record header: %w", err)
		}
	}
	_, err := bw.WriteString("\r\n")
	return err
}
