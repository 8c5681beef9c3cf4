package pipeline

import "fmt"

// State of the bridge. Committed and Aborted end a cycle and fall back to Idle;
// Halted is final.
type State int32

const (
	Idle State = iota
	Began
	Transforming
	OffsetsBound
	Committing
	Committed
	Aborting
	Aborted
	Halted
)

var stateNames = [...]string{
	Idle:         "idle",
	Began:        "began",
	Transforming: "transforming",
	OffsetsBound: "offsets_bound",
	Committing:   "committing",
	Committed:    "committed",
	Aborting:     "aborting",
	Aborted:      "aborted",
	Halted:       "halted",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// FatalError stops the bridge for good. The transactional id is either
// fenced by another instance or its coordinator cannot end the transaction.
type FatalError struct {
	TransactionalID string
	Err             error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("bridge halted, transactional id %q must not be reused until the conflict is resolved: %v",
		e.TransactionalID, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }
