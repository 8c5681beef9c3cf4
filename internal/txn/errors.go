package txn

import (
	"errors"
)

var (
	// ErrNoRecord signals that a receive timed out without a record.
	ErrNoRecord = errors.New("no record before timeout")

	// ErrMembershipUnavailable is returned while the consumer is not a live
	// member of its group, e.g. mid-rebalance.
	ErrMembershipUnavailable = errors.New("consumer group membership unavailable")

	// ErrTransactionInit means the broker refused to register the
	// transactional id. It needs an operator, not a retry.
	ErrTransactionInit = errors.New("transaction init failed")

	// ErrTransactionState is returned for a lifecycle call made in the wrong state.
	ErrTransactionState = errors.New("invalid transaction state")

	// ErrBufferFull is returned when the producer buffer has no room in time.
	ErrBufferFull = errors.New("producer buffer full")

	// ErrCoordinatorUnavailable covers retryable transaction coordinator failures.
	ErrCoordinatorUnavailable = errors.New("transaction coordinator unavailable")

	// ErrFencedProducer means another producer owns the transactional id.
	ErrFencedProducer = errors.New("producer fenced")

	// ErrCoordinatorUnrecoverable is raised when aborts keep failing and the
	// transactional id cannot be released.
	ErrCoordinatorUnrecoverable = errors.New("transaction coordinator unrecoverable")

	// ErrTimeout is returned when a broker call exceeds its deadline.
	ErrTimeout = errors.New("broker call timed out")
)

// IsFatal reports whether err must halt the process instead of being retried.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFencedProducer) ||
		errors.Is(err, ErrTransactionInit) ||
		errors.Is(err, ErrCoordinatorUnrecoverable)
}

// IsRetryable reports whether the cycle that produced err can be aborted and
// started again.
func IsRetryable(err error) bool {
	return err != nil && !IsFatal(err)
}
