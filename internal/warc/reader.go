// -------------------------------------------------------------------------------
// WARC Reader - Sequential Record Scanning
//
// Project: Yggdrasil
//
// Reads containers record by record, plain or gzip-member compressed. Bodies
// are bounded by Content-Length; FindRecord scans for a WARC-Record-ID.
// -------------------------------------------------------------------------------

package warc

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
)

// Reader scans a container sequentially. Plain and gzip containers are both
// accepted; concatenated gzip members are read as one stream.
type Reader struct {
	br      *bufio.Reader
	closer  io.Closer
	current *io.LimitedReader
}

// NewReader wraps r, detecting gzip by its magic bytes.
func NewReader(r io.Reader) (*Reader, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(2)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("reading container: %w", err)
	}
	if len(magic) == 2 && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("opening gzip container: %w", err)
		}
		return &Reader{br: bufio.NewReader(gz), closer: gz}, nil
	}
	return &Reader{br: br}, nil
}

// Close releases the decompressor, if any. The underlying reader is not closed.
func (r *Reader) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}

// Next returns the next record or io.EOF after the last one. The previous
// record's Body is drained first.
func (r *Reader) Next() (*Record, error) {
	if r.current != nil {
		if _, err := io.Copy(io.Discard, r.current); err != nil {
			return nil, fmt.Errorf("skipping record body: %w", err)
		}
		if err := r.skipTrailer(); err != nil {
			return nil, err
		}
		r.current = nil
	}

	// --- Version line, tolerating stray blank lines between records ---
	var line string
	for {
		l, err := r.readLine()
		if err != nil {
			if errors.Is(err, io.EOF) && l == "" {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if l != "" {
			line = l
			break
		}
	}
	if !strings.HasPrefix(line, "WARC/") {
		return nil, fmt.Errorf("%w: unexpected version line %q", ErrMalformed, line)
	}

	// --- Header block ---
	rec := &Record{ContentLength: -1}
	for {
		l, err := r.readLine()
		if err != nil {
			return nil, fmt.Errorf("%w: header: %v", ErrMalformed, err)
		}
		if l == "" {
			break
		}
		name, value, ok := strings.Cut(l, ":")
		if !ok {
			return nil, fmt.Errorf("%w: header line %q", ErrMalformed, l)
		}
		if err := rec.setField(strings.TrimSpace(name), strings.TrimSpace(value)); err != nil {
			return nil, err
		}
	}
	if rec.ContentLength < 0 {
		return nil, fmt.Errorf("%w: record %s has no Content-Length", ErrMalformed, rec.ID)
	}

	r.current = &io.LimitedReader{R: r.br, N: rec.ContentLength}
	rec.Body = r.current
	return rec, nil
}

// FindRecord scans r for the record with the given id. The returned record's
// Body reads from r.
func FindRecord(r *Reader, id string) (*Record, error) {
	want := NormalizeID(id)
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, want)
		}
		if err != nil {
			return nil, err
		}
		if rec.ID == want {
			return rec, nil
		}
	}
}

// -------------------------------------------------------------------------
// INTERNALS
// -------------------------------------------------------------------------

func (r *Reader) readLine() (string, error) {
	l, err := r.br.ReadString('\n')
	l = strings.TrimRight(l, "\r\n")
	if err != nil && !(errors.Is(err, io.EOF) && l != "") {
		return l, err
	}
	return l, nil
}

// skipTrailer consumes the CRLF CRLF that ends a record block.
func (r *Reader) skipTrailer() error {
	trailer := make([]byte, 4)
	n, err := io.ReadFull(r.br, trailer)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: trailer: %v", ErrMalformed, err)
	}
	if !bytes.Equal(trailer[:n], []byte("\r\n\r\n")[:n]) {
		return fmt.Errorf("%w: missing record trailer", ErrMalformed)
	}
	return nil
}

func (rec *Record) setField(name, value string) error {
	switch {
	case strings.EqualFold(name, HeaderType):
		rec.Type = RecordType(value)
	case strings.EqualFold(name, HeaderRecordID):
		rec.ID = NormalizeID(value)
	case strings.EqualFold(name, HeaderDate):
		t, err := time.Parse(time.RFC3339, value)
		if err != nil {
			return fmt.Errorf("%w: WARC-Date %q", ErrMalformed, value)
		}
		rec.Date = t
	case strings.EqualFold(name, HeaderRefersTo):
		rec.RefersTo = NormalizeID(value)
	case strings.EqualFold(name, HeaderConcurrentTo):
		rec.ConcurrentTo = append(rec.ConcurrentTo, NormalizeID(value))
	case strings.EqualFold(name, HeaderBlockDigest):
		rec.BlockDigest = value
	case strings.EqualFold(name, HeaderContentType):
		rec.ContentType = value
	case strings.EqualFold(name, HeaderContentLength):
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil || n < 0 {
			return fmt.Errorf("%w: Content-Length %q", ErrMalformed, value)
		}
		rec.ContentLength = n
	}
	return nil
}
