package kafka

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/require"

	"txbridge/internal/txn"
)

type fakeProducer struct {
	input   chan *sarama.ProducerMessage
	succ    chan *sarama.ProducerMessage
	errs    chan *sarama.ProducerError
	flushes chan chan struct{}
	hold    bool // keep acks back so in-flight slots stay taken

	mu        sync.Mutex
	status    sarama.ProducerTxnStatusFlag
	sent      []*sarama.ProducerMessage
	committed []*sarama.ProducerMessage
	offsets   map[string][]*sarama.PartitionOffsetMetadata
	group     string
	aborts    int
	commitErr error
	errStatus sarama.ProducerTxnStatusFlag
	block     chan struct{}
}

func newFakeProducer() *fakeProducer {
	f := &fakeProducer{
		input:   make(chan *sarama.ProducerMessage),
		succ:    make(chan *sarama.ProducerMessage, 64),
		errs:    make(chan *sarama.ProducerError, 64),
		flushes: make(chan chan struct{}),
		status:  sarama.ProducerTxnFlagReady,
	}
	go f.loop()
	return f
}

func (f *fakeProducer) loop() {
	for {
		select {
		case m, ok := <-f.input:
			if !ok {
				return
			}
			f.mu.Lock()
			f.sent = append(f.sent, m)
			hold := f.hold
			f.mu.Unlock()
			if !hold {
				f.succ <- m
			}
		case ack := <-f.flushes:
			close(ack)
		}
	}
}

// flush returns once every message handed to Input has been recorded.
func (f *fakeProducer) flush() {
	ack := make(chan struct{})
	f.flushes <- ack
	<-ack
}

func (f *fakeProducer) Input() chan<- *sarama.ProducerMessage { return f.input }
func (f *fakeProducer) Successes() <-chan *sarama.ProducerMessage { return f.succ }
func (f *fakeProducer) Errors() <-chan *sarama.ProducerError { return f.errs }

func (f *fakeProducer) TxnStatus() sarama.ProducerTxnStatusFlag {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeProducer) BeginTxn() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = sarama.ProducerTxnFlagInTransaction
	return nil
}

func (f *fakeProducer) AddOffsetsToTxn(offsets map[string][]*sarama.PartitionOffsetMetadata, group string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offsets, f.group = offsets, group
	return nil
}

func (f *fakeProducer) CommitTxn() error {
	if f.block != nil {
		<-f.block
	}
	f.flush()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commitErr != nil {
		f.status |= f.errStatus
		return f.commitErr
	}
	f.committed = append(f.committed, f.sent...)
	f.sent = nil
	f.status = sarama.ProducerTxnFlagReady
	return nil
}

func (f *fakeProducer) AbortTxn() error {
	f.flush()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborts++
	f.sent = nil
	f.status = sarama.ProducerTxnFlagReady
	return nil
}

func (f *fakeProducer) Close() error {
	close(f.input)
	close(f.succ)
	close(f.errs)
	return nil
}

func newTestWriter(t *testing.T, f *fakeProducer, maxInFlight int64) *Writer {
	t.Helper()
	cfg := Config{Brokers: []string{"b:9092"}, Topic: "dst"}
	applyDefaults(&cfg)
	if maxInFlight > 0 {
		cfg.MaxInFlight = maxInFlight
	}
	w := &Writer{}
	w.init(cfg, func() (txnProducer, error) { return f, nil })
	t.Cleanup(func() { _ = w.Close() })
	return w
}

var token = txn.GroupToken{GroupID: "grp", MemberID: "m-1", GenerationID: 3, Epoch: 1}

func TestWriter_CommitsRecordsWithOffsets(t *testing.T) {
	f := newFakeProducer()
	w := newTestWriter(t, f, 0)
	ctx := context.Background()

	tx, err := w.Begin(ctx)
	require.NoError(t, err)
	require.Equal(t, "txbridge-dst", tx.ID)
	for _, v := range []string{"a", "b", "c"} {
		rec := txn.NewRecord([]byte("k"), []byte(v), []txn.Header{{Name: "h", Value: []byte("1")}})
		require.NoError(t, w.Enqueue(ctx, tx, rec, ""))
	}
	snap := map[txn.TopicPartition]txn.PartitionOffset{
		{Topic: "src", Partition: 0}: {Topic: "src", Partition: 0, Offset: 13},
	}
	require.NoError(t, w.CommitWithOffsets(ctx, tx, snap, token))

	require.Equal(t, txn.Committed, tx.State())
	require.Len(t, f.committed, 3)
	require.Equal(t, "dst", f.committed[0].Topic)
	require.Equal(t, []byte("h"), f.committed[0].Headers[0].Key)
	require.Equal(t, "grp", f.group)
	require.Len(t, f.offsets["src"], 1)
	require.Equal(t, int64(13), f.offsets["src"][0].Offset)
}

func TestWriter_SingleActiveTransaction(t *testing.T) {
	w := newTestWriter(t, newFakeProducer(), 0)
	ctx := context.Background()

	tx, err := w.Begin(ctx)
	require.NoError(t, err)
	_, err = w.Begin(ctx)
	require.ErrorIs(t, err, txn.ErrTransactionState)

	require.NoError(t, w.CommitWithOffsets(ctx, tx, nil, token))
	err = w.Enqueue(ctx, tx, txn.NewRecord(nil, []byte("late"), nil), "")
	require.ErrorIs(t, err, txn.ErrTransactionState)

	next, err := w.Begin(ctx)
	require.NoError(t, err)
	require.Equal(t, tx.Seq+1, next.Seq)
}

func TestWriter_RejectsEmptyGroup(t *testing.T) {
	w := newTestWriter(t, newFakeProducer(), 0)
	tx, err := w.Begin(context.Background())
	require.NoError(t, err)
	err = w.CommitWithOffsets(context.Background(), tx, nil, txn.GroupToken{})
	require.ErrorIs(t, err, txn.ErrMembershipUnavailable)
}

func TestWriter_AbortableCommitFailure(t *testing.T) {
	f := newFakeProducer()
	f.commitErr = sarama.ErrNotCoordinatorForConsumer
	f.errStatus = sarama.ProducerTxnFlagAbortableError
	w := newTestWriter(t, f, 0)
	ctx := context.Background()

	tx, err := w.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, w.Enqueue(ctx, tx, txn.NewRecord(nil, []byte("x"), nil), ""))
	err = w.CommitWithOffsets(ctx, tx, nil, token)
	require.ErrorIs(t, err, txn.ErrCoordinatorUnavailable)
	require.False(t, txn.IsFatal(err))

	require.NoError(t, w.Abort(ctx, tx))
	require.Equal(t, txn.Aborted, tx.State())
	require.Equal(t, 1, f.aborts)
	require.Empty(t, f.committed)
}

func TestWriter_FencedCommitIsFatal(t *testing.T) {
	f := newFakeProducer()
	f.commitErr = sarama.ErrProducerFenced
	f.errStatus = sarama.ProducerTxnFlagFatalError
	w := newTestWriter(t, f, 0)
	ctx := context.Background()

	tx, err := w.Begin(ctx)
	require.NoError(t, err)
	err = w.CommitWithOffsets(ctx, tx, nil, token)
	require.ErrorIs(t, err, txn.ErrFencedProducer)
	require.True(t, txn.IsFatal(err))

	err = w.Abort(ctx, tx)
	require.ErrorIs(t, err, txn.ErrFencedProducer)
}

func TestWriter_BufferFull(t *testing.T) {
	f := newFakeProducer()
	f.mu.Lock()
	f.hold = true
	f.mu.Unlock()
	w := newTestWriter(t, f, 1)
	ctx := context.Background()

	tx, err := w.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, w.Enqueue(ctx, tx, txn.NewRecord(nil, []byte("1"), nil), ""))

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err = w.Enqueue(short, tx, txn.NewRecord(nil, []byte("2"), nil), "")
	require.ErrorIs(t, err, txn.ErrBufferFull)
	require.Equal(t, 1, tx.Enqueued())
}

func TestWriter_CommitTimeoutThenAbortWaits(t *testing.T) {
	f := newFakeProducer()
	f.block = make(chan struct{})
	w := newTestWriter(t, f, 0)
	ctx := context.Background()

	tx, err := w.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, w.Enqueue(ctx, tx, txn.NewRecord(nil, []byte("x"), nil), ""))

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err = w.CommitWithOffsets(short, tx, nil, token)
	require.ErrorIs(t, err, txn.ErrTimeout)

	// the abandoned commit finishes and the abort has nothing left to do
	close(f.block)
	require.NoError(t, w.Abort(ctx, tx))
	require.Equal(t, txn.Aborted, tx.State())
	require.Equal(t, 0, f.aborts)
	require.Len(t, f.committed, 1)
}

func TestWriter_InitFailure(t *testing.T) {
	cfg := Config{Brokers: []string{"b:9092"}, Topic: "dst"}
	applyDefaults(&cfg)

	w := &Writer{}
	w.init(cfg, func() (txnProducer, error) { return nil, sarama.ErrTransactionalIDAuthorizationFailed })
	_, err := w.Begin(context.Background())
	require.ErrorIs(t, err, txn.ErrTransactionInit)
	require.True(t, txn.IsFatal(err))

	w.init(cfg, func() (txnProducer, error) { return nil, errors.New("dial tcp: connection refused") })
	_, err = w.Begin(context.Background())
	require.ErrorIs(t, err, txn.ErrCoordinatorUnavailable)
	require.False(t, txn.IsFatal(err))
}

func TestWriter_SlowInitIsNotRepeated(t *testing.T) {
	cfg := Config{Brokers: []string{"b:9092"}, Topic: "dst"}
	applyDefaults(&cfg)

	f := newFakeProducer()
	var dials atomic.Int32
	w := &Writer{}
	w.init(cfg, func() (txnProducer, error) {
		dials.Add(1)
		time.Sleep(50 * time.Millisecond)
		return f, nil
	})
	t.Cleanup(func() { _ = w.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := w.Begin(ctx)
	require.ErrorIs(t, err, txn.ErrTimeout)

	tx, err := w.Begin(context.Background())
	require.NoError(t, err)
	require.Equal(t, txn.Began, tx.State())
	require.Equal(t, int32(1), dials.Load(), "the transactional id must be registered once")
}

func TestWriter_EnqueueAfterClose(t *testing.T) {
	w := newTestWriter(t, newFakeProducer(), 0)
	ctx := context.Background()
	tx, err := w.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	err = w.Enqueue(ctx, tx, txn.NewRecord(nil, []byte("a"), nil), "")
	require.ErrorIs(t, err, txn.ErrTransactionState)
}
