// -------------------------------------------------------------------------------
// Model - Requests and Their Processing State
//
// Project: Yggdrasil
//
// Immutable inbound requests and the mutable per-request state that travels
// through handler, packer and storage client. RequestState is persisted in the
// durable store while non-terminal.
// -------------------------------------------------------------------------------

package model

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kb-dk/Yggdrasil-sub000/internal/lifecycle"
)

// ImportTypeFile is the only supported import type: a whole stored record.
const ImportTypeFile = "FILE"

// Validation errors.
var (
	ErrMissingID         = errors.New("request id is required")
	ErrMissingCollection = errors.New("collection is required")
	ErrMissingMetadata   = errors.New("metadata is required")
	ErrInvalidURI        = errors.New("invalid uri")
	ErrInvalidID         = errors.New("id must not contain path separators")
)

// validateName checks an id that ends up in file names and storage keys.
func validateName(field, v string) error {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	if v == "." || v == ".." || strings.ContainsAny(v, `/\`) {
		return fmt.Errorf("%s %q: %w", field, v, ErrInvalidID)
	}
	return nil
}

// -------------------------------------------------------------------------
// PRESERVATION
// -------------------------------------------------------------------------

// PreservationRequest asks for a content object and its metadata to be
// preserved in a collection.
type PreservationRequest struct {
	ID         string `json:"id" cbor:"1,keyasint"`
	Collection string `json:"collection" cbor:"2,keyasint"`
	Model      string `json:"model" cbor:"3,keyasint"`
	Metadata   []byte `json:"metadata" cbor:"4,keyasint"`
	ContentURI string `json:"content_uri,omitempty" cbor:"5,keyasint,omitempty"`
	FileID     string `json:"file_id,omitempty" cbor:"6,keyasint,omitempty"`
	Update     bool   `json:"update,omitempty" cbor:"7,keyasint,omitempty"`
}

// Validate checks the fields that do not depend on configuration.
func (r PreservationRequest) Validate() error {
	var errs []error
	if strings.TrimSpace(r.ID) == "" {
		errs = append(errs, ErrMissingID)
	}
	if err := validateName("request id", r.ID); err != nil {
		errs = append(errs, err)
	}
	if strings.TrimSpace(r.Collection) == "" {
		errs = append(errs, ErrMissingCollection)
	}
	if len(r.Metadata) == 0 {
		errs = append(errs, ErrMissingMetadata)
	}
	if r.ContentURI != "" {
		if err := ValidateHTTPURL(r.ContentURI); err != nil {
			errs = append(errs, fmt.Errorf("content uri: %w", err))
		}
	}
	return errors.Join(errs...)
}

// HasContent reports whether the request references remote content.
func (r PreservationRequest) HasContent() bool {
	return r.ContentURI != ""
}

// RequestState is the mutable processing state of one preservation request.
type RequestState struct {
	Request PreservationRequest `cbor:"1,keyasint"`
	State   lifecycle.State     `cbor:"2,keyasint"`
	Detail  string              `cbor:"3,keyasint,omitempty"`

	ContentPath  string `cbor:"4,keyasint,omitempty"`
	MetadataPath string `cbor:"5,keyasint,omitempty"`

	ContentType         string `cbor:"11,keyasint,omitempty"`
	MetadataContentType string `cbor:"12,keyasint,omitempty"`

	// ContainerID holds the metadata record; ContentContainerID the resource
	// record. They differ only for updates of metadata alone.
	ContainerID        string `cbor:"6,keyasint,omitempty"`
	ContentContainerID string `cbor:"7,keyasint,omitempty"`
	ContentRecordID    string `cbor:"8,keyasint,omitempty"`
	MetadataRecordID   string `cbor:"9,keyasint,omitempty"`

	UpdatedAt time.Time `cbor:"10,keyasint"`
}

// NewRequestState wraps an accepted request.
func NewRequestState(req PreservationRequest) *RequestState {
	return &RequestState{
		Request:   req,
		State:     lifecycle.PreservationRequestReceived,
		UpdatedAt: time.Now().UTC(),
	}
}

// ID returns the request id.
func (s *RequestState) ID() string { return s.Request.ID }

// Collection returns the target collection.
func (s *RequestState) Collection() string { return s.Request.Collection }

// Current returns the lifecycle state.
func (s *RequestState) Current() lifecycle.State { return s.State }

// Machine returns the preservation state machine.
func (s *RequestState) Machine() *lifecycle.Machine { return lifecycle.Preservation }

// SetState records a new state and detail.
func (s *RequestState) SetState(state lifecycle.State, detail string) {
	s.State = state
	s.Detail = detail
	s.UpdatedAt = time.Now().UTC()
}

// ClearContainers drops the container references after a failed upload.
func (s *RequestState) ClearContainers() {
	s.ContainerID = ""
	s.ContentContainerID = ""
}

// -------------------------------------------------------------------------
// IMPORT
// -------------------------------------------------------------------------

// ImportRequest asks for one stored record to be delivered to a caller.
type ImportRequest struct {
	ID          string    `json:"id"`
	Collection  string    `json:"collection"`
	Type        string    `json:"type"`
	ContainerID string    `json:"container_id"`
	RecordID    string    `json:"record_id"`
	Offset      *int64    `json:"offset,omitempty"`
	Length      *int64    `json:"length,omitempty"`
	Checksum    string    `json:"checksum,omitempty"`
	Token       string    `json:"token,omitempty"`
	TokenExpiry time.Time `json:"token_expiry,omitempty"`
	DeliveryURL string    `json:"delivery_url"`
}

// Validate checks the fields that do not depend on configuration.
func (r ImportRequest) Validate() error {
	var errs []error
	if strings.TrimSpace(r.ID) == "" {
		errs = append(errs, ErrMissingID)
	}
	if err := validateName("request id", r.ID); err != nil {
		errs = append(errs, err)
	}
	if strings.TrimSpace(r.Collection) == "" {
		errs = append(errs, ErrMissingCollection)
	}
	if r.Type != ImportTypeFile {
		errs = append(errs, fmt.Errorf("unsupported import type %q", r.Type))
	}
	if strings.TrimSpace(r.ContainerID) == "" {
		errs = append(errs, errors.New("container id is required"))
	}
	if err := validateName("container id", r.ContainerID); err != nil {
		errs = append(errs, err)
	}
	if strings.TrimSpace(r.RecordID) == "" {
		errs = append(errs, errors.New("record id is required"))
	}
	if err := ValidateHTTPURL(r.DeliveryURL); err != nil {
		errs = append(errs, fmt.Errorf("delivery url: %w", err))
	}
	if r.Offset != nil && *r.Offset < 0 {
		errs = append(errs, errors.New("offset must not be negative"))
	}
	if r.Length != nil && *r.Length <= 0 {
		errs = append(errs, errors.New("length must be positive"))
	}
	if r.Length != nil && r.Offset == nil {
		errs = append(errs, errors.New("length requires an offset"))
	}
	return errors.Join(errs...)
}

// ImportState is the processing state of one import request. It is reported
// to the notifier but never persisted.
type ImportState struct {
	Request       ImportRequest
	State         lifecycle.State
	Detail        string
	ContainerPath string
	PayloadPath   string
	UpdatedAt     time.Time
}

// NewImportState wraps an accepted import request.
func NewImportState(req ImportRequest) *ImportState {
	return &ImportState{
		Request:   req,
		State:     lifecycle.ImportRequestReceived,
		UpdatedAt: time.Now().UTC(),
	}
}

// ID returns the request id.
func (s *ImportState) ID() string { return s.Request.ID }

// Collection returns the source collection.
func (s *ImportState) Collection() string { return s.Request.Collection }

// Current returns the lifecycle state.
func (s *ImportState) Current() lifecycle.State { return s.State }

// Machine returns the import state machine.
func (s *ImportState) Machine() *lifecycle.Machine { return lifecycle.Import }

// SetState records a new state and detail.
func (s *ImportState) SetState(state lifecycle.State, detail string) {
	s.State = state
	s.Detail = detail
	s.UpdatedAt = time.Now().UTC()
}

// -------------------------------------------------------------------------
// PAYLOADS
// -------------------------------------------------------------------------

// Content is a payload resolved to a local file.
type Content struct {
	Path        string
	ContentType string
	Size        int64
}

// Delivery describes an extracted record to be handed back to a caller.
type Delivery struct {
	URL         string
	Path        string
	ContentType string
	Size        int64
	RequestID   string
	RecordID    string
	Checksum    string // caller-supplied checksum that was verified, if any
	Token       string
}

// -------------------------------------------------------------------------
// HELPERS
// -------------------------------------------------------------------------

// ValidateHTTPURL accepts absolute http and https URLs with a host.
func ValidateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURI, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme %q", ErrInvalidURI, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidURI)
	}
	return nil
}
