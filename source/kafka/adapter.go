package kafka

import (
	"context"
	"time"

	"txbridge/internal/txn"
)

// Adapter is a manual-commit source. Offsets are never committed by the
// adapter itself; they travel inside the producer transaction.
type Adapter interface {
	Configure(Config) error
	Start(context.Context) error
	Receive(ctx context.Context, timeout time.Duration) (txn.Message, error)
	GroupToken() (txn.GroupToken, error)
	Rewind(context.Context) error
	Close() error
}
