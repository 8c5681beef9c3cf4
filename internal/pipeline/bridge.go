package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"txbridge/internal/logging"
	"txbridge/internal/offsets"
	"txbridge/internal/telemetry"
	"txbridge/internal/tracing"
	"txbridge/internal/transform"
	"txbridge/internal/txn"
	"txbridge/sink"
)

// Source is the consuming side of the bridge. Offsets are never committed by
// the source itself.
type Source interface {
	Receive(ctx context.Context, timeout time.Duration) (txn.Message, error)
	GroupToken() (txn.GroupToken, error)
	Rewind(ctx context.Context) error
}

// Transform maps one correlated source record to the records to produce.
type Transform interface {
	Apply(ctx context.Context, rec txn.Record) ([]txn.Record, error)
}

// HeaderCodec carries trace context from source to destination headers.
type HeaderCodec interface {
	Extract(ctx context.Context, rec txn.Record) context.Context
	Inject(ctx context.Context, rec txn.Record) txn.Record
}

type Timeouts struct {
	Init    time.Duration
	Enqueue time.Duration
	Commit  time.Duration
	Abort   time.Duration
}

type Config struct {
	Name            string
	TransactionalID string
	Topic           string // destination

	BatchSize   int
	BatchWindow time.Duration // measured from the first record of a transaction
	PollTimeout time.Duration

	SkipMalformed     bool
	BufferFullRetries int
	MaxAbortAttempts  int
	BackoffInitial    time.Duration
	BackoffMax        time.Duration

	Timeouts Timeouts
}

type Bridge struct {
	cfg     Config
	src     Source
	dst     sink.Writer
	chain   Transform
	codec   HeaderCodec
	tracker *offsets.Tracker
	metrics *telemetry.Metrics
	tracer  trace.Tracer
	log     *slog.Logger

	state   atomic.Int32
	onState func(State)
}

type Option func(*Bridge)

func WithHeaderCodec(c HeaderCodec) Option { return func(b *Bridge) { b.codec = c } }
func WithMetrics(m *telemetry.Metrics) Option { return func(b *Bridge) { b.metrics = m } }
func WithTracer(t trace.Tracer) Option { return func(b *Bridge) { b.tracer = t } }
func WithStateHook(fn func(State)) Option { return func(b *Bridge) { b.onState = fn } }
func WithLogger(l *slog.Logger) Option { return func(b *Bridge) { b.log = l } }
func WithTransform(t Transform) Option { return func(b *Bridge) { b.chain = t } }
func WithOffsetTracker(t *offsets.Tracker) Option { return func(b *Bridge) { b.tracker = t } }

func NewBridge(cfg Config, src Source, dst sink.Writer, opts ...Option) *Bridge {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.MaxAbortAttempts <= 0 {
		cfg.MaxAbortAttempts = 1
	}
	b := &Bridge{
		cfg:     cfg,
		src:     src,
		dst:     dst,
		chain:   transform.Chain(nil),
		tracker: offsets.NewTracker(),
		log:     logging.Component("bridge"),
	}
	for _, o := range opts {
		o(b)
	}
	b.log = b.log.With("bridge", cfg.Name, "transactional_id", cfg.TransactionalID)
	return b
}

func (b *Bridge) State() State { return State(b.state.Load()) }

func (b *Bridge) setState(s State) {
	prev := State(b.state.Swap(int32(s)))
	if prev == s {
		return
	}
	b.metrics.SetState(b.cfg.Name, prev.String(), s.String())
	if b.onState != nil {
		b.onState(s)
	}
}

// Run drives transaction cycles until ctx is done or a fatal error occurs.
// A cancelled ctx aborts the open transaction and returns nil; a fatal error
// is returned as *FatalError.
func (b *Bridge) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = b.cfg.BackoffInitial
	bo.MaxInterval = b.cfg.BackoffMax
	bo.MaxElapsedTime = 0
	bo.Reset()

	b.setState(Idle)
	b.log.Info("bridge started", "batch_size", b.cfg.BatchSize, "batch_window", b.cfg.BatchWindow)
	for {
		if ctx.Err() != nil {
			b.log.Info("bridge stopped")
			return nil
		}
		err := b.cycle(ctx)
		var fatal *FatalError
		switch {
		case err == nil:
			bo.Reset()
			continue
		case errors.As(err, &fatal):
			return fatal
		case ctx.Err() != nil:
			b.log.Info("bridge stopped", "last_err", err)
			return nil
		}

		wait := bo.NextBackOff()
		b.log.Warn("transaction cycle failed, retrying", "err", err, "backoff", wait)
		b.pause(ctx, wait)
	}
}

// pause waits d or until ctx is done.
func (b *Bridge) pause(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// cycle runs one transaction from Begin to Committed or Aborted.
func (b *Bridge) cycle(ctx context.Context) error {
	start := time.Now()

	bctx, cancel := context.WithTimeout(ctx, b.cfg.Timeouts.Init)
	tx, err := b.dst.Begin(bctx)
	cancel()
	if err != nil {
		if txn.IsFatal(err) {
			return b.halt(err)
		}
		return fmt.Errorf("begin: %w", err)
	}
	b.setState(Began)

	ctx, span := tracing.StartSpan(ctx, b.tracer, tracing.SpanTransaction, trace.WithAttributes(
		attribute.String(tracing.AttrTransactionalID, tx.ID),
		attribute.Int64(tracing.AttrTxnSeq, int64(tx.Seq)),
	))
	defer span.End()

	token, err := b.fill(ctx, tx)
	if err == nil {
		err = b.commit(ctx, tx, token)
	}
	if err != nil {
		tracing.SetSpanError(span, err)
		span.SetAttributes(attribute.String(tracing.AttrOutcome, "aborted"))
		return b.rollback(ctx, tx, err, start)
	}

	span.SetAttributes(
		attribute.String(tracing.AttrOutcome, "committed"),
		attribute.Int(tracing.AttrRecords, tx.Enqueued()),
	)
	b.metrics.TransactionDone(b.cfg.Name, "committed", time.Since(start))
	b.log.Debug("transaction committed", "seq", tx.Seq, "records", tx.Enqueued(), "offsets", b.tracker.Len())
	b.tracker.Clear()
	b.setState(Committed)
	b.setState(Idle)
	return nil
}

// fill receives and processes records until the batch is complete. Without
// tracked offsets a receive timeout keeps the transaction open.
func (b *Bridge) fill(ctx context.Context, tx *txn.Transaction) (txn.GroupToken, error) {
	var (
		token    txn.GroupToken
		deadline time.Time
		n        int
	)
	for n < b.cfg.BatchSize {
		wait := b.cfg.PollTimeout
		if !deadline.IsZero() {
			left := time.Until(deadline)
			if left <= 0 {
				break
			}
			wait = min(wait, left)
		}

		msg, err := b.src.Receive(ctx, wait)
		if errors.Is(err, txn.ErrNoRecord) {
			if b.tracker.Len() > 0 {
				break
			}
			continue
		}
		if err != nil {
			return token, fmt.Errorf("receive: %w", err)
		}

		if token.IsZero() {
			token = msg.Token
			deadline = time.Now().Add(b.cfg.BatchWindow)
		} else if msg.Token != token {
			return token, fmt.Errorf("receive %s: %w: group session changed mid-transaction",
				msg, txn.ErrMembershipUnavailable)
		}
		n++
		b.setState(Transforming)
		if err := b.process(ctx, tx, msg); err != nil {
			return token, err
		}
		b.tracker.Record(msg.Topic, msg.Partition, msg.Offset)
	}
	return token, nil
}

func (b *Bridge) process(ctx context.Context, tx *txn.Transaction, msg txn.Message) error {
	rctx := ctx
	if b.codec != nil {
		rctx = b.codec.Extract(ctx, msg.Record)
	}
	rctx, span := tracing.StartSpan(rctx, b.tracer, tracing.SpanRecord,
		trace.WithAttributes(tracing.SourceAttrs(msg.Topic, msg.Partition, msg.Offset)...))
	defer span.End()

	outs, err := b.chain.Apply(rctx, transform.Correlate(msg))
	if err != nil {
		tracing.SetSpanError(span, err)
		if errors.Is(err, transform.ErrMalformed) && b.cfg.SkipMalformed {
			b.log.Warn("skipping malformed record", "record", msg.String(), "err", err)
			b.metrics.RecordsDone(b.cfg.Name, "skipped", 1)
			return nil
		}
		return fmt.Errorf("%s: %w", msg, err)
	}
	if len(outs) == 0 {
		b.metrics.RecordsDone(b.cfg.Name, "dropped", 1)
		return nil
	}
	for _, out := range outs {
		if b.codec != nil {
			out = b.codec.Inject(rctx, out)
		}
		if err := b.enqueue(ctx, tx, out); err != nil {
			return err
		}
	}
	b.metrics.RecordsDone(b.cfg.Name, "written", len(outs))
	return nil
}

// enqueue retries a full producer buffer BufferFullRetries times before
// giving up on the cycle.
func (b *Bridge) enqueue(ctx context.Context, tx *txn.Transaction, rec txn.Record) error {
	for attempt := 0; ; attempt++ {
		ectx, cancel := context.WithTimeout(ctx, b.cfg.Timeouts.Enqueue)
		err := b.dst.Enqueue(ectx, tx, rec, b.cfg.Topic)
		cancel()
		if !errors.Is(err, txn.ErrBufferFull) {
			if err != nil {
				return fmt.Errorf("enqueue: %w", err)
			}
			return nil
		}
		b.metrics.BufferFullHit(b.cfg.Name)
		if ctx.Err() != nil || attempt >= b.cfg.BufferFullRetries {
			return fmt.Errorf("enqueue: %w", err)
		}
		b.log.Debug("producer buffer full, waiting", "attempt", attempt+1)
	}
}

func (b *Bridge) commit(ctx context.Context, tx *txn.Transaction, token txn.GroupToken) error {
	live, err := b.src.GroupToken()
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	if live != token {
		return fmt.Errorf("commit: %w: group session changed since the first record", txn.ErrMembershipUnavailable)
	}

	snap := b.tracker.Snapshot()
	b.setState(OffsetsBound)
	cctx, cancel := context.WithTimeout(ctx, b.cfg.Timeouts.Commit)
	defer cancel()
	b.setState(Committing)
	start := time.Now()
	err = b.dst.CommitWithOffsets(cctx, tx, snap, token)
	b.metrics.CommitTook(b.cfg.Name, time.Since(start))
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// rollback aborts tx and rewinds the source so the next cycle re-reads every
// record of tx. The abort runs on a detached context so it also happens on
// shutdown.
func (b *Bridge) rollback(ctx context.Context, tx *txn.Transaction, cause error, start time.Time) error {
	b.setState(Aborting)
	defer b.tracker.Clear()
	if !txn.IsRetryable(cause) {
		return b.halt(cause)
	}

	actx := context.WithoutCancel(ctx)
	var err error
	for attempt := 1; attempt <= b.cfg.MaxAbortAttempts; attempt++ {
		c, cancel := context.WithTimeout(actx, b.cfg.Timeouts.Abort)
		err = b.dst.Abort(c, tx)
		cancel()
		if !txn.IsRetryable(err) {
			break
		}
		b.log.Warn("abort failed", "seq", tx.Seq, "attempt", attempt, "err", err)
		if attempt < b.cfg.MaxAbortAttempts {
			b.pause(ctx, b.cfg.BackoffInitial)
		}
	}
	if err != nil {
		if txn.IsRetryable(err) {
			err = fmt.Errorf("%w: %d abort attempts failed: %v", txn.ErrCoordinatorUnrecoverable, b.cfg.MaxAbortAttempts, err)
		}
		return b.halt(err)
	}
	b.setState(Aborted)
	b.metrics.TransactionDone(b.cfg.Name, "aborted", time.Since(start))

	if rerr := b.src.Rewind(actx); rerr != nil {
		b.log.Warn("source rewind failed", "err", rerr)
	}
	b.log.Info("transaction aborted", "seq", tx.Seq, "cause", cause)
	b.setState(Idle)
	return cause
}

func (b *Bridge) halt(err error) error {
	b.setState(Halted)
	b.metrics.Halted(b.cfg.Name)
	if errors.Is(err, txn.ErrFencedProducer) || errors.Is(err, txn.ErrTransactionInit) {
		b.log.Error("bridge halted: another instance holds this transactional id, "+
			"stop it or change the id before restarting", "err", err)
	} else {
		b.log.Error("bridge halted", "err", err)
	}
	return &FatalError{TransactionalID: b.cfg.TransactionalID, Err: err}
}
