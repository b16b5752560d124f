package syncer

import "fmt"

// SourceUnavailableError reports a failed call to the record source.
type SourceUnavailableError struct {
	Op  string
	Err error
}

func (e *SourceUnavailableError) Error() string {
	return fmt.Sprintf("syncer: source unavailable (%s): %v", e.Op, e.Err)
}

func (e *SourceUnavailableError) Unwrap() error { return e.Err }

// EmbedError reports a record the embedder could not turn into a vector.
type EmbedError struct {
	ExternalID int64
	Err        error
}

func (e *EmbedError) Error() string {
	return fmt.Sprintf("syncer: embed record %d: %v", e.ExternalID, e.Err)
}

func (e *EmbedError) Unwrap() error { return e.Err }
