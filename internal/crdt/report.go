package crdt

import (
	"errors"
	"fmt"

	"github.com/danielstaleiny/CRDT-sqlite/internal/message"
)

// Outcome is what Apply did with one message.
type Outcome int

const (
	// OutcomeApplied: logged, indexed and written to the projection.
	OutcomeApplied Outcome = iota + 1

	// OutcomeSuperseded: logged and indexed, but the projected cell already
	// holds a newer value.
	OutcomeSuperseded

	// OutcomeDuplicate: a message with this timestamp was already logged.
	OutcomeDuplicate

	// OutcomeFailed: refused; see Result.Err.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeSuperseded:
		return "superseded"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeFailed:
		return "failed"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Result pairs a message with its outcome.
type Result struct {
	Message message.Message
	Outcome Outcome
	Err     error
}

// BatchReport lists per-message outcomes of one Apply call, in input order.
type BatchReport struct {
	Results []Result
}

// Count returns how many messages had outcome o.
func (r *BatchReport) Count(o Outcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == o {
			n++
		}
	}
	return n
}

// Logged returns the messages that were new to the log (applied or
// superseded), in input order.
func (r *BatchReport) Logged() []message.Message {
	var out []message.Message
	for _, res := range r.Results {
		if res.Outcome == OutcomeApplied || res.Outcome == OutcomeSuperseded {
			out = append(out, res.Message)
		}
	}
	return out
}

// Changed reports whether any projected cell changed.
func (r *BatchReport) Changed() bool {
	return r.Count(OutcomeApplied) > 0
}

// Err joins the errors of all failed messages, or returns nil.
func (r *BatchReport) Err() error {
	var errs []error
	for _, res := range r.Results {
		if res.Outcome == OutcomeFailed {
			errs = append(errs, fmt.Errorf("message %s: %w", res.Message.Timestamp, res.Err))
		}
	}
	return errors.Join(errs...)
}

func (r *BatchReport) String() string {
	return fmt.Sprintf("applied=%d superseded=%d duplicate=%d failed=%d",
		r.Count(OutcomeApplied), r.Count(OutcomeSuperseded),
		r.Count(OutcomeDuplicate), r.Count(OutcomeFailed))
}
