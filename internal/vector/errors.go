package vector

import (
	"errors"
	"fmt"
)

// ErrNotTrained is returned when a vector is added to, or searched in, an untrained index.
var ErrNotTrained = errors.New("vector: index is not trained")

// InsufficientDataError reports a training sample too small to form even the
// smallest allowed clustering.
type InsufficientDataError struct {
	Have int
	Need int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("vector: insufficient training data: have %d vectors, need at least %d", e.Have, e.Need)
}

// DimensionError reports a vector whose length differs from the index dimension.
type DimensionError struct {
	Expected int
	Actual   int
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("vector: dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// ErrCorrupt is returned when a persisted index cannot be decoded.
var ErrCorrupt = errors.New("vector: corrupt index file")
