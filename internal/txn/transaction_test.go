package txn

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransaction_HappyPath(t *testing.T) {
	tx := New("bridge-1", 1)
	require.Equal(t, Began, tx.State())

	for _, s := range []State{RecordsEnqueued, RecordsEnqueued, OffsetsBound, Committing, Committed} {
		require.NoError(t, tx.Transition(s), "-> %s", s)
	}
	assert.Equal(t, 2, tx.Enqueued())
	assert.False(t, tx.Active())
}

func TestTransaction_RejectsOutOfOrderCalls(t *testing.T) {
	tx := New("bridge-1", 1)
	err := tx.Transition(Committed)
	require.ErrorIs(t, err, ErrTransactionState)

	require.NoError(t, tx.Transition(Aborting))
	require.NoError(t, tx.Transition(Aborted))
	require.ErrorIs(t, tx.Transition(RecordsEnqueued), ErrTransactionState)
	require.ErrorIs(t, tx.Require(Began, RecordsEnqueued), ErrTransactionState)
}

func TestTransaction_OffsetsOnlyCommit(t *testing.T) {
	tx := New("bridge-1", 2)
	require.NoError(t, tx.Transition(OffsetsBound))
	require.NoError(t, tx.Transition(Committing))
	require.NoError(t, tx.Transition(Committed))
	assert.Zero(t, tx.Enqueued())
}

func TestIsFatal(t *testing.T) {
	cases := []struct {
		err   error
		fatal bool
	}{
		{fmt.Errorf("commit: %w", ErrFencedProducer), true},
		{fmt.Errorf("begin: %w", ErrTransactionInit), true},
		{ErrCoordinatorUnrecoverable, true},
		{fmt.Errorf("commit: %w", ErrCoordinatorUnavailable), false},
		{ErrTimeout, false},
		{ErrMembershipUnavailable, false},
		{errors.New("boom"), false},
	}
	for _, c := range cases {
		assert.Equal(t, c.fatal, IsFatal(c.err), c.err.Error())
		assert.Equal(t, !c.fatal, IsRetryable(c.err), c.err.Error())
	}
	assert.False(t, IsRetryable(nil))
}

func TestRecord_WithHeaderReplaces(t *testing.T) {
	r := NewRecord(nil, []byte("a"), []Header{{Name: "x", Value: []byte("1")}, {Name: "y", Value: []byte("2")}})
	r2 := r.WithHeader("x", []byte("3"))

	v, ok := r2.Header("x")
	require.True(t, ok)
	assert.Equal(t, "3", string(v))
	assert.Len(t, r2.Headers, 2)
	assert.Nil(t, r2.Key)

	v, _ = r.Header("x")
	assert.Equal(t, "1", string(v))
}
