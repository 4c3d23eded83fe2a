package ledger

import (
	"errors"
	"fmt"
	"slices"
)

// JobState tracks a CIS bulk job as observed by this process.
type JobState string

const (
	JobStateSubmitted JobState = "SUBMITTED"
	JobStateCompleted JobState = "COMPLETED"
	JobStateFailed    JobState = "FAILED"
	JobStateTimedOut  JobState = "TIMED_OUT"
)

// A timed out job is abandoned locally and never re-ingested, so TIMED_OUT is terminal.
var jobTransitions = map[JobState][]JobState{
	JobStateSubmitted: {JobStateSubmitted, JobStateCompleted, JobStateFailed, JobStateTimedOut},
	JobStateCompleted: {JobStateCompleted},
	JobStateFailed:    {JobStateFailed},
	JobStateTimedOut:  {JobStateTimedOut},
}

// TransitionError signals an illegal state transition detected in the ledger.
type TransitionError struct {
	JobID string
	From  string
	To    string
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("bulk job %s: invalid transition from %s to %s", e.JobID, e.From, e.To)
}

// UnknownStateError signals a state value outside the bulk job state machine.
type UnknownStateError struct {
	State string
}

func (e UnknownStateError) Error() string {
	return fmt.Sprintf("bulk job: unknown state %q", e.State)
}

func validateJobTransition(id string, from, to JobState) error {
	allowed, ok := jobTransitions[from]
	if !ok {
		return UnknownStateError{State: string(from)}
	}
	if _, ok := jobTransitions[to]; !ok {
		return UnknownStateError{State: string(to)}
	}
	if !slices.Contains(allowed, to) {
		return TransitionError{JobID: id, From: string(from), To: string(to)}
	}
	return nil
}

// Terminal reports whether no further transitions are possible.
func (s JobState) Terminal() bool {
	allowed, ok := jobTransitions[s]
	return ok && len(allowed) == 1
}

func IsTransitionError(err error) bool {
	var te TransitionError
	return errors.As(err, &te)
}

func IsUnknownStateError(err error) bool {
	var ue UnknownStateError
	return errors.As(err, &ue)
}
