package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"txbridge/internal/logging"
	"txbridge/internal/txn"
)

// consumerGroup is the part of sarama.ConsumerGroup the reader drives.
type consumerGroup interface {
	Consume(ctx context.Context, topics []string, handler sarama.ConsumerGroupHandler) error
	Errors() <-chan error
	Close() error
}

type delivery struct {
	msg   *sarama.ConsumerMessage
	token txn.GroupToken
}

// Reader is the sarama consumer-group source. Records are handed over one at a
// time through an unbuffered channel so the consumer never runs far ahead of
// the open transaction.
type Reader struct {
	cfg   Config
	log   *slog.Logger
	cl    sarama.Client
	group consumerGroup

	deliveries chan delivery
	errs       chan error

	mu            sync.Mutex
	token         txn.GroupToken
	live          bool
	epoch         uint64
	cancelSession context.CancelFunc

	stop context.CancelFunc
	done chan struct{}
}

func (r *Reader) Configure(config Config) error {
	if err := config.Validate(); err != nil {
		return fmt.Errorf("kafka source: %w", err)
	}
	sc, err := saramaConfig(config)
	if err != nil {
		return err
	}
	cl, err := sarama.NewClient(config.Brokers, sc)
	if err != nil {
		return fmt.Errorf("kafka source: client: %w", err)
	}
	group, err := sarama.NewConsumerGroupFromClient(config.GroupID, cl)
	if err != nil {
		_ = cl.Close()
		return fmt.Errorf("kafka source: group %s: %w", config.GroupID, err)
	}
	r.cl = cl
	r.init(config, group)
	return nil
}

func (r *Reader) init(config Config, group consumerGroup) {
	r.cfg = config
	r.group = group
	r.log = logging.Component("kafka-source").With("group", config.GroupID)
	r.deliveries = make(chan delivery)
	r.errs = make(chan error, 16)
	r.done = make(chan struct{})
}

func saramaConfig(config Config) (*sarama.Config, error) {
	ver, err := sarama.ParseKafkaVersion(config.Version)
	if err != nil {
		return nil, err
	}
	sc := sarama.NewConfig()
	sc.Version = ver
	sc.ClientID = config.ClientID
	sc.Consumer.Return.Errors = true
	sc.Consumer.Offsets.AutoCommit.Enable = false
	sc.Consumer.IsolationLevel = sarama.ReadCommitted
	sc.Consumer.Group.Session.Timeout = config.SessionTimeout
	if config.TLSEn {
		sc.Net.TLS.Enable = true
	}
	if config.SASLUser != "" {
		sc.Net.SASL.Enable = true
		sc.Net.SASL.User, sc.Net.SASL.Password = config.SASLUser, config.SASLPass
	}
	switch config.StartFrom {
	case "newest":
		sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	default:
		sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	}
	switch config.Rebalance {
	case "roundrobin":
		sc.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	case "sticky":
		sc.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategySticky()}
	default:
		sc.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRange()}
	}
	return sc, nil
}

// Start joins the group in the background. Sessions are re-joined after
// every rebalance and every Rewind until ctx is done or Close is called.
func (r *Reader) Start(ctx context.Context) error {
	if r.group == nil {
		return errors.New("kafka source: not configured")
	}
	ctx, r.stop = context.WithCancel(ctx)
	go r.forwardErrors(ctx)
	go r.consumeLoop(ctx)
	r.log.Info("kafka source started", "topics", r.cfg.Topics)
	return nil
}

func (r *Reader) consumeLoop(ctx context.Context) {
	defer close(r.done)
	handler := &groupHandler{reader: r}
	for {
		sctx, cancel := context.WithCancel(ctx)
		r.mu.Lock()
		r.cancelSession = cancel
		r.mu.Unlock()

		err := r.group.Consume(sctx, r.cfg.Topics, handler)
		cancel()
		if ctx.Err() != nil || errors.Is(err, sarama.ErrClosedConsumerGroup) {
			return
		}
		if err != nil {
			r.log.Warn("consumer group session failed", "err", err)
			r.pushErr(err)
			select {
			case <-time.After(r.cfg.RetryBackoff):
			case <-ctx.Done():
				return
			}
		}
	}
}

func (r *Reader) forwardErrors(ctx context.Context) {
	for {
		select {
		case err, ok := <-r.group.Errors():
			if !ok {
				return
			}
			r.pushErr(err)
		case <-ctx.Done():
			return
		}
	}
}

func (r *Reader) pushErr(err error) {
	select {
	case r.errs <- err:
	default:
		r.log.Warn("source error channel full; dropping error", "err", err)
	}
}

// Receive blocks until a record of the current session arrives, the consumer
// reports an error, or timeout elapses (txn.ErrNoRecord).
func (r *Reader) Receive(ctx context.Context, timeout time.Duration) (txn.Message, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	for {
		select {
		case d := <-r.deliveries:
			if !r.current(d.token) {
				r.log.Debug("dropping record from stale session",
					"topic", d.msg.Topic, "partition", d.msg.Partition, "offset", d.msg.Offset)
				continue
			}
			return toMessage(d), nil
		case err := <-r.errs:
			return txn.Message{}, fmt.Errorf("kafka source: %w", err)
		case <-t.C:
			return txn.Message{}, txn.ErrNoRecord
		case <-ctx.Done():
			return txn.Message{}, ctx.Err()
		}
	}
}

// GroupToken returns the token of the live session.
func (r *Reader) GroupToken() (txn.GroupToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.live {
		return txn.GroupToken{}, txn.ErrMembershipUnavailable
	}
	return r.token, nil
}

// Rewind ends the current session. The group is re-joined from the committed
// offsets, so everything received since the last commit is delivered again.
func (r *Reader) Rewind(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.epoch++
	r.live = false
	if r.cancelSession != nil {
		r.cancelSession()
	}
	r.log.Debug("source rewound", "epoch", r.epoch)
	return nil
}

func (r *Reader) Close() error {
	if r.stop != nil {
		r.stop()
	}
	var errs []error
	if r.group != nil {
		errs = append(errs, r.group.Close())
	}
	if r.stop != nil {
		<-r.done
	}
	if r.cl != nil && !r.cl.Closed() {
		errs = append(errs, r.cl.Close())
	}
	return errors.Join(errs...)
}

func (r *Reader) current(tok txn.GroupToken) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.live && tok == r.token
}

func (r *Reader) beginSession(sess sarama.ConsumerGroupSession) txn.GroupToken {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.epoch++
	r.token = txn.GroupToken{
		GroupID:      r.cfg.GroupID,
		MemberID:     sess.MemberID(),
		GenerationID: sess.GenerationID(),
		Epoch:        r.epoch,
	}
	r.live = true
	r.log.Info("joined consumer group",
		"member", r.token.MemberID, "generation", r.token.GenerationID, "claims", sess.Claims())
	return r.token
}

func (r *Reader) endSession(tok txn.GroupToken) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.token == tok {
		r.live = false
	}
}

type groupHandler struct {
	reader *Reader

	mu    sync.Mutex
	token txn.GroupToken
}

func (h *groupHandler) Setup(sess sarama.ConsumerGroupSession) error {
	tok := h.reader.beginSession(sess)
	h.mu.Lock()
	h.token = tok
	h.mu.Unlock()
	return nil
}

func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	h.reader.endSession(h.sessionToken())
	return nil
}

func (h *groupHandler) sessionToken() txn.GroupToken {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.token
}

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	tok := h.sessionToken()
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			select {
			case h.reader.deliveries <- delivery{msg: msg, token: tok}:
			case <-sess.Context().Done():
				return nil
			}
		case <-sess.Context().Done():
			return nil
		}
	}
}

func toMessage(d delivery) txn.Message {
	m := d.msg
	var headers []txn.Header
	if len(m.Headers) > 0 {
		headers = make([]txn.Header, 0, len(m.Headers))
		for _, h := range m.Headers {
			if h == nil {
				continue
			}
			headers = append(headers, txn.Header{Name: string(h.Key), Value: h.Value})
		}
	}
	return txn.Message{
		Record:    txn.NewRecord(m.Key, m.Value, headers),
		Topic:     m.Topic,
		Partition: m.Partition,
		Offset:    m.Offset,
		Timestamp: m.Timestamp,
		Token:     d.token,
	}
}
