package sink

import (
	"context"
	"fmt"

	"txbridge/internal/txn"
)

// Writer is a transactional destination. At most one transaction is active
// per Writer; every call other than Begin takes that transaction.
type Writer interface {
	Begin(ctx context.Context) (*txn.Transaction, error)
	Enqueue(ctx context.Context, tx *txn.Transaction, rec txn.Record, topic string) error
	CommitWithOffsets(ctx context.Context, tx *txn.Transaction, offsets map[txn.TopicPartition]txn.PartitionOffset, token txn.GroupToken) error
	Abort(ctx context.Context, tx *txn.Transaction) error
	Close() error
}

// Adapter is a Writer built from a driver-specific config.
type Adapter interface {
	Writer
	Configure(any) error // driver-specific config struct
	Topic() string       // destination topic the driver is bound to
}

/*──────── registry ───────*/

type factory = func() Adapter

var reg = map[string]factory{}

func Register(name string, f factory) { reg[name] = f }

func NewAdapter(name string) (Adapter, error) {
	if f, ok := reg[name]; ok {
		return f(), nil
	}
	return nil, fmt.Errorf("unknown sink %q", name)
}
