package txn

import (
	"fmt"
	"sync"
)

// State is a step of the producer transaction lifecycle.
type State int

const (
	Idle State = iota
	Began
	RecordsEnqueued
	OffsetsBound
	Committing
	Committed
	Aborting
	Aborted
)

var stateNames = [...]string{
	Idle:            "idle",
	Began:           "began",
	RecordsEnqueued: "records_enqueued",
	OffsetsBound:    "offsets_bound",
	Committing:      "committing",
	Committed:       "committed",
	Aborting:        "aborting",
	Aborted:         "aborted",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// Terminal reports whether s ends a transaction.
func (s State) Terminal() bool { return s == Idle || s == Committed || s == Aborted }

var transitions = map[State][]State{
	Idle:            {Began},
	Began:           {RecordsEnqueued, OffsetsBound, Aborting},
	RecordsEnqueued: {RecordsEnqueued, OffsetsBound, Aborting},
	OffsetsBound:    {Committing, Aborting},
	Committing:      {Committed, Aborting},
	Aborting:        {Aborting, Aborted},
}

// Transaction tracks one producer transaction. It is safe for concurrent use
// but only one goroutine is expected to drive it.
type Transaction struct {
	ID  string
	Seq uint64

	mu       sync.Mutex
	state    State
	enqueued int
}

// New returns a transaction in Began.
func New(id string, seq uint64) *Transaction {
	return &Transaction{ID: id, Seq: seq, state: Began}
}

func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Enqueued is the number of records accepted in this transaction.
func (t *Transaction) Enqueued() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enqueued
}

// Active reports whether the transaction still holds the producer.
func (t *Transaction) Active() bool { return !t.State().Terminal() }

// Transition moves to next or fails with ErrTransactionState.
func (t *Transaction) Transition(next State) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range transitions[t.state] {
		if s == next {
			if next == RecordsEnqueued {
				t.enqueued++
			}
			t.state = next
			return nil
		}
	}
	return fmt.Errorf("%w: txn %s#%d %s -> %s", ErrTransactionState, t.ID, t.Seq, t.state, next)
}

// Require fails with ErrTransactionState unless the transaction is in one of states.
func (t *Transaction) Require(states ...State) error {
	cur := t.State()
	for _, s := range states {
		if cur == s {
			return nil
		}
	}
	return fmt.Errorf("%w: txn %s#%d is %s", ErrTransactionState, t.ID, t.Seq, cur)
}
