package aggregate

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
)

// Payload parts of a bucket that can fail to decode.
const (
	PartTimerTree = "timer tree"
	PartHistogram = "histogram"
	PartProfile   = "profile"
)

// DecodeError is a bucket whose payload could not be decoded. It wraps the
// timertree, histogram or profile DecodeError.
type DecodeError struct {
	TransactionType string
	Bucket          time.Time
	Part            string
	Err             error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("bucket %s/%s: %s: %v",
		e.TransactionType, e.Bucket.UTC().Format(time.RFC3339), e.Part, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Report describes how many buckets made it into a merged view.
type Report struct {
	// Buckets is the number of buckets offered to the reduction.
	Buckets int
	// Contributed buckets were fully decoded and merged.
	Contributed int
	// Missing buckets carried a missing-data marker and were skipped.
	Missing int
	// Failures lists the buckets that did not decode.
	Failures []*DecodeError
}

// Partial reports whether any bucket failed to decode.
func (r *Report) Partial() bool {
	return len(r.Failures) > 0
}

func (r *Report) String() string {
	return fmt.Sprintf("%d of %d buckets contributed; %d decode failures",
		r.Contributed, r.Buckets, len(r.Failures))
}

// Err returns the decode failures as one error, or nil.
func (r *Report) Err() error {
	var result *multierror.Error
	for _, f := range r.Failures {
		result = multierror.Append(result, f)
	}
	return result.ErrorOrNil()
}

func (r *Report) fail(err *DecodeError) {
	r.Failures = append(r.Failures, err)
}

type reportJSON struct {
	Buckets     int      `json:"buckets"`
	Contributed int      `json:"contributed"`
	Missing     int      `json:"missing"`
	Summary     string   `json:"summary"`
	Failures    []string `json:"failures,omitempty"`
}

// MarshalJSON renders counts, the summary line and failure messages.
func (r *Report) MarshalJSON() ([]byte, error) {
	out := reportJSON{
		Buckets:     r.Buckets,
		Contributed: r.Contributed,
		Missing:     r.Missing,
		Summary:     r.String(),
	}
	for _, f := range r.Failures {
		out.Failures = append(out.Failures, f.Error())
	}
	return json.Marshal(out)
}
