package offsets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"txbridge/internal/txn"
)

func TestTracker_RecordStoresNextOffset(t *testing.T) {
	tr := NewTracker()
	tr.Record("src", 0, 10)
	tr.Record("src", 0, 11)
	tr.Record("src", 0, 12)
	tr.Record("src", 3, 7)

	snap := tr.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, int64(13), snap[txn.TopicPartition{Topic: "src", Partition: 0}].Offset)
	assert.Equal(t, int64(8), snap[txn.TopicPartition{Topic: "src", Partition: 3}].Offset)
}

func TestTracker_SnapshotIsACopy(t *testing.T) {
	tr := NewTracker()
	tr.Record("src", 1, 1)
	snap := tr.Snapshot()

	tr.Record("src", 1, 5)
	tr.Clear()

	assert.Equal(t, int64(2), snap[txn.TopicPartition{Topic: "src", Partition: 1}].Offset)
	assert.Zero(t, tr.Len())
	assert.Empty(t, tr.Snapshot())
}
