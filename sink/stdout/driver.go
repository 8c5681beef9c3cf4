// Package stdout is a dry-run sink: records of a transaction are printed when
// it commits and dropped when it aborts. Nothing is written to Kafka and no
// offsets are stored, so it gives no delivery guarantee.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"txbridge/internal/txn"
	"txbridge/sink"
)

/* ────────── public YAML config ────────── */
type Config struct {
	Topic        string `koanf:"topic"`         // label printed with every record
	DelayMS      int    `koanf:"delay_ms"`      // artificial per-commit delay
	PrintOffsets bool   `koanf:"print_offsets"` // print the bound offsets on commit

	Out io.Writer `koanf:"-"` // defaults to os.Stdout
}

/* ────────── driver ────────── */
type driver struct {
	cfg Config
	out io.Writer

	mu      sync.Mutex
	active  *txn.Transaction
	seq     uint64
	pending []line
	printed uint64
}

type line struct {
	topic string
	rec   txn.Record
}

func (d *driver) Configure(raw any) error {
	c, ok := raw.(Config)
	if !ok {
		return fmt.Errorf("stdout-sink: expected Config, got %T", raw)
	}
	d.cfg = c
	d.out = c.Out
	if d.out == nil {
		d.out = os.Stdout
	}
	return nil
}

func (d *driver) Topic() string { return d.cfg.Topic }

func (d *driver) Begin(context.Context) (*txn.Transaction, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active != nil && d.active.Active() {
		return nil, fmt.Errorf("stdout-sink: %w", txn.ErrTransactionState)
	}
	d.seq++
	d.active = txn.New("stdout", d.seq)
	d.pending = d.pending[:0]
	return d.active, nil
}

func (d *driver) Enqueue(_ context.Context, tx *txn.Transaction, rec txn.Record, topic string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if tx != d.active {
		return fmt.Errorf("stdout-sink: %w", txn.ErrTransactionState)
	}
	if err := tx.Transition(txn.RecordsEnqueued); err != nil {
		return err
	}
	if topic == "" {
		topic = d.cfg.Topic
	}
	d.pending = append(d.pending, line{topic: topic, rec: rec})
	return nil
}

func (d *driver) CommitWithOffsets(ctx context.Context, tx *txn.Transaction,
	offsets map[txn.TopicPartition]txn.PartitionOffset, token txn.GroupToken) error {
	if d.cfg.DelayMS > 0 {
		select {
		case <-time.After(time.Duration(d.cfg.DelayMS) * time.Millisecond):
		case <-ctx.Done():
			return fmt.Errorf("stdout-sink: %w", txn.ErrTimeout)
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if tx != d.active {
		return fmt.Errorf("stdout-sink: %w", txn.ErrTransactionState)
	}
	if err := tx.Transition(txn.OffsetsBound); err != nil {
		return err
	}
	if err := tx.Transition(txn.Committing); err != nil {
		return err
	}
	for _, l := range d.pending {
		d.printed++
		fmt.Fprintf(d.out, "[sink %06d] %s key=%q value=%q\n", d.printed, l.topic, l.rec.Key, l.rec.Payload)
	}
	if d.cfg.PrintOffsets {
		for tp, po := range offsets {
			fmt.Fprintf(d.out, "[offsets] group=%s %s[%d] next=%d\n", token.GroupID, tp.Topic, tp.Partition, po.Offset)
		}
	}
	d.pending = d.pending[:0]
	return tx.Transition(txn.Committed)
}

func (d *driver) Abort(_ context.Context, tx *txn.Transaction) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if tx != d.active {
		return fmt.Errorf("stdout-sink: %w", txn.ErrTransactionState)
	}
	if tx.State() == txn.Aborted {
		return nil
	}
	if tx.State() != txn.Aborting {
		if err := tx.Transition(txn.Aborting); err != nil {
			return err
		}
	}
	d.pending = d.pending[:0]
	return tx.Transition(txn.Aborted)
}

func (d *driver) Close() error { return nil }

/* ────────── auto-register ────────── */
func init() {
	sink.Register("stdout", func() sink.Adapter { return &driver{} })
}
