package identity

import (
	"errors"
	"fmt"
)

// ErrInvalidID is returned for negative external ids or positions.
var ErrInvalidID = errors.New("identity: ids and positions must be non-negative")

// ConflictError reports an attempt to remap an external id, or to give a position that
// is already held to a second id. Existing and Holder are -1 when absent.
type ConflictError struct {
	ID        int64 // external id being recorded
	Requested int64 // position requested for ID
	Existing  int64 // position ID already maps to
	Holder    int64 // external id already holding Requested
}

func (e *ConflictError) Error() string {
	if e.Existing >= 0 {
		return fmt.Sprintf("identity: external id %d already maps to position %d, refusing remap to %d",
			e.ID, e.Existing, e.Requested)
	}
	return fmt.Sprintf("identity: position %d already held by external id %d, refusing to assign it to %d",
		e.Requested, e.Holder, e.ID)
}

// FormatError reports a persisted identity file that fails validation.
type FormatError struct {
	Path   string
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("identity: invalid file %s: %s", e.Path, e.Reason)
}
