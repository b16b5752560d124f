package lifecycle

import "fmt"

// PersistenceError reports a failed write or rename of the index or identity file.
type PersistenceError struct {
	Op   string
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("lifecycle: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Reason classifies a failed ingest.
type Reason string

const (
	ReasonInvalidInput Reason = "invalid_input"
	ReasonNotTrained   Reason = "not_trained"
	ReasonConflict     Reason = "conflict"
	ReasonTraining     Reason = "training"
	ReasonPersistence  Reason = "persistence"
)

// IngestError is the only error Ingest returns. The committed index and mapping are
// unchanged when it is returned.
type IngestError struct {
	Reason Reason
	Err    error
}

func (e *IngestError) Error() string {
	return fmt.Sprintf("lifecycle: ingest failed (%s): %v", e.Reason, e.Err)
}

func (e *IngestError) Unwrap() error { return e.Err }

func ingestErr(reason Reason, err error) *IngestError {
	return &IngestError{Reason: reason, Err: err}
}
