package syncer

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind is the result category of one sync pass.
type Kind int

const (
	NoChange Kind = iota
	Applied
	Failed
)

func (k Kind) String() string {
	switch k {
	case NoChange:
		return "no_change"
	case Applied:
		return "applied"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// MarshalText encodes the kind by name.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Outcome reports one sync pass. Applied is the number of records ingested; Err is set
// only for Failed, in which case nothing was committed.
type Outcome struct {
	Kind       Kind
	Applied    int
	Retrained  bool
	Generation uint64
	Err        error
	RunID      string
	Duration   time.Duration
}

func (o Outcome) String() string {
	switch o.Kind {
	case Applied:
		return fmt.Sprintf("applied(%d)", o.Applied)
	case Failed:
		return fmt.Sprintf("failed(%v)", o.Err)
	default:
		return o.Kind.String()
	}
}

type outcomeJSON struct {
	Kind       Kind   `json:"kind"`
	Applied    int    `json:"applied"`
	Retrained  bool   `json:"retrained"`
	Generation uint64 `json:"generation,omitempty"`
	Error      string `json:"error,omitempty"`
	RunID      string `json:"run_id"`
	DurationMS int64  `json:"duration_ms"`
}

// MarshalJSON renders the error as a string and the duration in milliseconds.
func (o Outcome) MarshalJSON() ([]byte, error) {
	out := outcomeJSON{
		Kind:       o.Kind,
		Applied:    o.Applied,
		Retrained:  o.Retrained,
		Generation: o.Generation,
		RunID:      o.RunID,
		DurationMS: o.Duration.Milliseconds(),
	}
	if o.Err != nil {
		out.Error = o.Err.Error()
	}
	return json.Marshal(out)
}
