// Package offsets keeps the next-read offsets of the partitions consumed by the
// current transaction.
package offsets

import "txbridge/internal/txn"

// Tracker maps a partition to the next offset to commit. It is owned by a
// single transaction cycle and is not safe for concurrent use.
type Tracker struct {
	next map[txn.TopicPartition]txn.PartitionOffset
}

func NewTracker() *Tracker {
	return &Tracker{next: make(map[txn.TopicPartition]txn.PartitionOffset)}
}

// Record stores offset+1 for the partition. Consumption is sequential per
// partition so the last write is always the newest.
func (t *Tracker) Record(topic string, partition int32, offset int64) {
	tp := txn.TopicPartition{Topic: topic, Partition: partition}
	t.next[tp] = txn.PartitionOffset{Topic: topic, Partition: partition, Offset: offset + 1}
}

// Snapshot returns a copy of the tracked offsets.
func (t *Tracker) Snapshot() map[txn.TopicPartition]txn.PartitionOffset {
	out := make(map[txn.TopicPartition]txn.PartitionOffset, len(t.next))
	for k, v := range t.next {
		out[k] = v
	}
	return out
}

func (t *Tracker) Len() int { return len(t.next) }

func (t *Tracker) Clear() { clear(t.next) }
