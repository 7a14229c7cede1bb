package storage

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrUnknownCollection is returned for a collection with no configured pillars.
	ErrUnknownCollection = errors.New("unknown collection")

	// ErrQuorumFailed is returned when more pillars failed than the collection
	// tolerates.
	ErrQuorumFailed = errors.New("quorum not reached")

	// ErrChecksumMismatch is returned when downloaded content does not match the
	// checksum the pillar recorded for it.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrInvalidObjectID is returned for object ids that are not a single key
	// segment.
	ErrInvalidObjectID = errors.New("invalid object id")
)

// Stages of a storage client operation, carried by OperationError so callers
// can tell where an operation broke down.
const (
	StageValidate = "validate"
	StageStage    = "stage"
	StageTransfer = "transfer"
	StageQuorum   = "quorum"
	StageDownload = "download"
)

// OperationError describes a failed storage client operation.
type OperationError struct {
	Op           string
	Collection   string
	ObjectID     string
	Stage        string
	PillarErrors map[string]string // pillar -> failure detail
	Err          error
}

func (e *OperationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s/%s failed at %s", e.Op, e.Collection, e.ObjectID, e.Stage)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if len(e.PillarErrors) > 0 {
		names := make([]string, 0, len(e.PillarErrors))
		for name := range e.PillarErrors {
			names = append(names, name)
		}
		sort.Strings(names)
		b.WriteString(" [")
		for i, name := range names {
			if i > 0 {
				b.WriteString("; ")
			}
			fmt.Fprintf(&b, "%s: %s", name, e.PillarErrors[name])
		}
		b.WriteString("]")
	}
	return b.String()
}

func (e *OperationError) Unwrap() error { return e.Err }
