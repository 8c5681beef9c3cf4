package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/IBM/sarama"

	"txbridge/internal/logging"
	"txbridge/internal/txn"
	"txbridge/sink"
)

// txnProducer is the part of sarama.AsyncProducer the writer drives.
type txnProducer interface {
	Input() chan<- *sarama.ProducerMessage
	Successes() <-chan *sarama.ProducerMessage
	Errors() <-chan *sarama.ProducerError
	BeginTxn() error
	CommitTxn() error
	AbortTxn() error
	AddOffsetsToTxn(offsets map[string][]*sarama.PartitionOffsetMetadata, groupID string) error
	TxnStatus() sarama.ProducerTxnStatusFlag
	Close() error
}

// Writer is the transactional sarama destination. The producer session is
// registered with the coordinator on the first Begin.
type Writer struct {
	cfg      Config
	log      *slog.Logger
	dial     func() (txnProducer, error)
	inflight *Controller

	mu        sync.Mutex
	p         txnProducer
	drainDone chan struct{}
	active    *txn.Transaction
	seq       uint64
	pending   chan struct{} // closed when an abandoned broker call returns
	lastErr   error         // last per-record delivery failure of the active txn
}

func (w *Writer) Configure(raw any) error {
	cfg, ok := raw.(Config)
	if !ok {
		return fmt.Errorf("kafka sink: expected Config, got %T", raw)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("kafka sink: %w", err)
	}
	sc, err := saramaConfig(cfg)
	if err != nil {
		return fmt.Errorf("kafka sink: %w", err)
	}
	w.init(cfg, func() (txnProducer, error) {
		return sarama.NewAsyncProducer(cfg.Brokers, sc)
	})
	return nil
}

func (w *Writer) init(cfg Config, dial func() (txnProducer, error)) {
	w.cfg = cfg
	w.dial = dial
	w.inflight = NewController(cfg.MaxInFlight)
	w.log = logging.Component("kafka-sink").With("transactional_id", cfg.TransactionalID)
}

func saramaConfig(cfg Config) (*sarama.Config, error) {
	ver, err := sarama.ParseKafkaVersion(cfg.Version)
	if err != nil {
		return nil, err
	}
	sc := sarama.NewConfig()
	sc.Version = ver
	sc.ClientID = cfg.ClientID
	sc.ChannelBufferSize = cfg.ChannelBuffer
	sc.Net.MaxOpenRequests = 1
	sc.Producer.Idempotent = true
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	sc.Producer.Retry.Max = cfg.RetryMax
	sc.Producer.Retry.Backoff = cfg.RetryBackoff
	sc.Producer.Transaction.ID = cfg.TransactionalID
	sc.Producer.Transaction.Timeout = cfg.TransactionTimeout
	sc.Producer.Transaction.Retry.Max = cfg.RetryMax
	sc.Producer.Transaction.Retry.Backoff = cfg.RetryBackoff
	if cfg.TLSEn {
		sc.Net.TLS.Enable = true
	}
	if cfg.SASLUser != "" {
		sc.Net.SASL.Enable = true
		sc.Net.SASL.User, sc.Net.SASL.Password = cfg.SASLUser, cfg.SASLPass
	}
	return sc, sc.Validate()
}

func (w *Writer) Topic() string { return w.cfg.Topic }

// Begin opens the next transaction. The first call registers the
// transactional id, which fences any earlier producer holding it.
func (w *Writer) Begin(ctx context.Context) (*txn.Transaction, error) {
	w.mu.Lock()
	if w.active != nil && w.active.Active() {
		w.mu.Unlock()
		return nil, fmt.Errorf("begin: transaction %d still %s: %w",
			w.active.Seq, w.active.State(), txn.ErrTransactionState)
	}
	w.mu.Unlock()

	p, err := w.producer(ctx)
	if err != nil {
		return nil, err
	}
	if err := w.call(ctx, "begin", p.BeginTxn); err != nil {
		return nil, w.classify("begin", p, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.seq++
	w.active = txn.New(w.cfg.TransactionalID, w.seq)
	w.lastErr = nil
	return w.active, nil
}

func (w *Writer) producer(ctx context.Context) (txnProducer, error) {
	w.mu.Lock()
	p := w.p
	w.mu.Unlock()
	if p != nil {
		return p, nil
	}

	err := w.call(ctx, "init", func() error {
		w.mu.Lock()
		ready := w.p != nil
		w.mu.Unlock()
		if ready {
			// an earlier init that outlived its caller finished first
			return nil
		}
		p, err := w.dial()
		if err != nil {
			return err
		}
		w.mu.Lock()
		w.p = p
		w.drainDone = make(chan struct{})
		w.mu.Unlock()
		go w.drain(p, w.drainDone)
		w.log.Info("transactional producer initialised", "topic", w.cfg.Topic)
		return nil
	})
	if err != nil {
		var kerr sarama.KError
		switch {
		case errors.Is(err, txn.ErrTimeout):
			return nil, err
		case errors.As(err, &kerr):
			return nil, fmt.Errorf("init %s: %w: %v", w.cfg.TransactionalID, txn.ErrTransactionInit, err)
		default:
			return nil, fmt.Errorf("init %s: %w: %v", w.cfg.TransactionalID, txn.ErrCoordinatorUnavailable, err)
		}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.p, nil
}

// Enqueue hands rec to the producer. It fails with txn.ErrBufferFull when the
// in-flight limit is reached and no slot frees up before ctx is done.
func (w *Writer) Enqueue(ctx context.Context, tx *txn.Transaction, rec txn.Record, topic string) error {
	p, err := w.own(tx)
	if err != nil {
		return err
	}
	if err := tx.Require(txn.Began, txn.RecordsEnqueued); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	if topic == "" {
		topic = w.cfg.Topic
	}
	if !w.inflight.TryAcquire(1) {
		w.log.Debug("in-flight limit reached, waiting for acks", "in_flight", w.inflight.InUse())
		if err := w.inflight.Acquire(ctx); err != nil {
			return fmt.Errorf("enqueue: %w: %d records awaiting ack", txn.ErrBufferFull, w.inflight.InUse())
		}
	}
	select {
	case p.Input() <- toProducerMessage(rec, topic):
	case <-ctx.Done():
		w.inflight.Release(1)
		return fmt.Errorf("enqueue: %w: producer input blocked", txn.ErrBufferFull)
	}
	return tx.Transition(txn.RecordsEnqueued)
}

// CommitWithOffsets binds offsets to tx under the group of token and commits.
// On error tx is left open and must be aborted.
func (w *Writer) CommitWithOffsets(ctx context.Context, tx *txn.Transaction,
	offsets map[txn.TopicPartition]txn.PartitionOffset, token txn.GroupToken) error {
	p, err := w.own(tx)
	if err != nil {
		return err
	}
	if err := tx.Require(txn.Began, txn.RecordsEnqueued); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	if token.GroupID == "" {
		return fmt.Errorf("commit: %w: empty group", txn.ErrMembershipUnavailable)
	}
	if err := tx.Transition(txn.OffsetsBound); err != nil {
		return err
	}
	if len(offsets) > 0 {
		err := w.call(ctx, "add offsets", func() error {
			return p.AddOffsetsToTxn(toSaramaOffsets(offsets), token.GroupID)
		})
		if err != nil {
			return w.classify("add offsets", p, err)
		}
	}
	if err := tx.Transition(txn.Committing); err != nil {
		return err
	}
	if err := w.call(ctx, "commit", p.CommitTxn); err != nil {
		return w.classify("commit", p, err)
	}
	w.log.Debug("transaction committed", "seq", tx.Seq, "records", tx.Enqueued(), "partitions", len(offsets))
	return tx.Transition(txn.Committed)
}

// Abort discards tx. Aborting a transaction the broker already finished is a
// no-op.
func (w *Writer) Abort(ctx context.Context, tx *txn.Transaction) error {
	p, err := w.own(tx)
	if err != nil {
		return err
	}
	switch tx.State() {
	case txn.Aborted:
		return nil
	case txn.Aborting:
	default:
		if err := tx.Transition(txn.Aborting); err != nil {
			return fmt.Errorf("abort: %w", err)
		}
	}
	if err := w.awaitPending(ctx); err != nil {
		return fmt.Errorf("abort: %w", err)
	}
	status := p.TxnStatus()
	if status&sarama.ProducerTxnFlagFatalError != 0 {
		return fmt.Errorf("abort: %w: producer status %s", txn.ErrFencedProducer, status)
	}
	if status&(sarama.ProducerTxnFlagInTransaction|sarama.ProducerTxnFlagAbortableError) != 0 {
		if err := w.call(ctx, "abort", p.AbortTxn); err != nil {
			return w.classify("abort", p, err)
		}
	} else {
		w.log.Debug("no broker transaction to abort", "seq", tx.Seq, "status", status)
	}
	w.log.Debug("transaction aborted", "seq", tx.Seq)
	return tx.Transition(txn.Aborted)
}

func (w *Writer) Close() error {
	w.mu.Lock()
	p, done := w.p, w.drainDone
	w.p = nil
	w.mu.Unlock()
	w.inflight.Close()
	if p == nil {
		return nil
	}
	err := p.Close()
	<-done
	return err
}

// own returns the producer tx runs on.
func (w *Writer) own(tx *txn.Transaction) (txnProducer, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if tx == nil || tx != w.active || w.p == nil {
		return nil, fmt.Errorf("%w: transaction not owned by this writer", txn.ErrTransactionState)
	}
	return w.p, nil
}

// call runs a blocking broker call bounded by ctx. A call that outlives ctx
// keeps running and the next call waits for it first.
func (w *Writer) call(ctx context.Context, op string, fn func() error) error {
	if err := w.awaitPending(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	done := make(chan struct{})
	var err error
	go func() {
		defer close(done)
		err = fn()
	}()
	select {
	case <-done:
		return err
	case <-ctx.Done():
		w.mu.Lock()
		w.pending = done
		w.mu.Unlock()
		return fmt.Errorf("%s: %w: %v", op, txn.ErrTimeout, ctx.Err())
	}
}

func (w *Writer) awaitPending(ctx context.Context) error {
	w.mu.Lock()
	p := w.pending
	w.mu.Unlock()
	if p == nil {
		return nil
	}
	select {
	case <-p:
		w.mu.Lock()
		if w.pending == p {
			w.pending = nil
		}
		w.mu.Unlock()
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: previous broker call still running", txn.ErrTimeout)
	}
}

func (w *Writer) classify(op string, p txnProducer, err error) error {
	if errors.Is(err, txn.ErrTimeout) {
		return err
	}
	w.mu.Lock()
	cause := w.lastErr
	w.mu.Unlock()
	if cause != nil {
		err = fmt.Errorf("%v (last delivery error: %v)", err, cause)
	}
	if p.TxnStatus()&sarama.ProducerTxnFlagFatalError != 0 ||
		errors.Is(err, sarama.ErrProducerFenced) ||
		errors.Is(err, sarama.ErrInvalidProducerEpoch) {
		return fmt.Errorf("%s: %w: %v", op, txn.ErrFencedProducer, err)
	}
	return fmt.Errorf("%s: %w: %v", op, txn.ErrCoordinatorUnavailable, err)
}

// drain releases in-flight slots as the broker acknowledges records.
func (w *Writer) drain(p txnProducer, done chan struct{}) {
	defer close(done)
	succ, errs := p.Successes(), p.Errors()
	for succ != nil || errs != nil {
		select {
		case _, ok := <-succ:
			if !ok {
				succ = nil
				continue
			}
			w.inflight.Release(1)
		case pe, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			w.inflight.Release(1)
			w.log.Warn("record delivery failed", "topic", pe.Msg.Topic, "err", pe.Err)
			w.mu.Lock()
			w.lastErr = pe.Err
			w.mu.Unlock()
		}
	}
}

func toProducerMessage(rec txn.Record, topic string) *sarama.ProducerMessage {
	msg := &sarama.ProducerMessage{Topic: topic, Value: sarama.ByteEncoder(rec.Payload)}
	if rec.Key != nil {
		msg.Key = sarama.ByteEncoder(rec.Key)
	}
	if len(rec.Headers) > 0 {
		msg.Headers = make([]sarama.RecordHeader, 0, len(rec.Headers))
		for _, h := range rec.Headers {
			msg.Headers = append(msg.Headers, sarama.RecordHeader{Key: []byte(h.Name), Value: h.Value})
		}
	}
	return msg
}

func toSaramaOffsets(offsets map[txn.TopicPartition]txn.PartitionOffset) map[string][]*sarama.PartitionOffsetMetadata {
	out := make(map[string][]*sarama.PartitionOffsetMetadata, len(offsets))
	for tp, po := range offsets {
		out[tp.Topic] = append(out[tp.Topic], &sarama.PartitionOffsetMetadata{
			Partition: tp.Partition,
			Offset:    po.Offset,
		})
	}
	return out
}

func init() { sink.Register("kafka", func() sink.Adapter { return &Writer{} }) }
