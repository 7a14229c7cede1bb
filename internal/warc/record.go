// -------------------------------------------------------------------------------
// WARC - Container Records
//
// Project: Yggdrasil
//
// Record model shared by the container writer and reader. A container is an
// append-only sequence of WARC/1.1 records: one warcinfo record first, then
// resource, metadata and update records in arrival order.
// -------------------------------------------------------------------------------

package warc

import (
	"errors"
	"io"
	"strings"
	"time"
)

// Version is the record version line written before every header block.
const Version = "WARC/1.1"

// Header field names.
const (
	HeaderType          = "WARC-Type"
	HeaderRecordID      = "WARC-Record-ID"
	HeaderDate          = "WARC-Date"
	HeaderRefersTo      = "WARC-Refers-To"
	HeaderConcurrentTo  = "WARC-Concurrent-To"
	HeaderBlockDigest   = "WARC-Block-Digest"
	HeaderContentType   = "Content-Type"
	HeaderContentLength = "Content-Length"
)

// Container file extensions.
const (
	Extension     = ".warc"
	ExtensionGzip = ".warc.gz"
)

// InfoContentType is the content type of the warcinfo record.
const InfoContentType = "application/warc-fields"

var (
	// ErrClosed is returned when writing to a closed container.
	ErrClosed = errors.New("warc: container is closed")

	// ErrShortBody is returned when a payload stream ends before its
	// declared length.
	ErrShortBody = errors.New("warc: payload shorter than declared length")

	// ErrRecordNotFound is returned by FindRecord when no record carries the
	// requested id.
	ErrRecordNotFound = errors.New("warc: record not found")

	// ErrMalformed is returned when a container cannot be parsed.
	ErrMalformed = errors.New("warc: malformed record")
)

// RecordType is the WARC-Type of a record.
type RecordType string

const (
	TypeInfo     RecordType = "warcinfo"
	TypeResource RecordType = "resource"
	TypeMetadata RecordType = "metadata"
	TypeUpdate   RecordType = "update"
)

// Record is one parsed or to-be-written container record. Body is only valid
// until the next call to Reader.Next.
type Record struct {
	Type          RecordType
	ID            string // urn:uuid:<id>, without angle brackets
	Date          time.Time
	ContentType   string
	ContentLength int64
	BlockDigest   string // algorithm:value, e.g. sha1:<base32>
	RefersTo      string
	ConcurrentTo  []string

	Body io.Reader
}

// NormalizeID turns a bare identifier into the urn form used in record
// headers. Angle brackets are stripped and values already in urn form are kept.
func NormalizeID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	if id == "" || strings.HasPrefix(id, "urn:") {
		return id
	}
	return "urn:uuid:" + id
}

// InfoPayload returns the fixed warcinfo payload written as the first record of
// every container.
func InfoPayload() []byte {
	return []byte("software: Yggdrasil\r\n" +
		"format: WARC File Format 1.1\r\n" +
		"conformsTo: http://iipc.github.io/warc-specifications/specifications/warc-format/warc-1.1/\r\n" +
		"description: Preservation container holding resources and their metadata\r\n" +
		"revision: 1\r\n")
}
