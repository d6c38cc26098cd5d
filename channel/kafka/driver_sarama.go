package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"

	"logferry/channel"
	"logferry/internal/failure"
	"logferry/internal/logging"
)

const (
	headerMessageID = "message-id"
	headerNotBefore = "not-before"
)

// Driver opens consumer-group receivers and a shared sync producer.
type Driver struct {
	cfg Config
	sc  *sarama.Config

	mu       sync.Mutex
	producer sarama.SyncProducer
}

func (d *Driver) Configure(raw any) error {
	c, ok := raw.(Config)
	if !ok {
		return fmt.Errorf("kafka-channel: expected Config, got %T", raw)
	}
	if len(c.Brokers) == 0 {
		return errors.New("kafka-channel: brokers are required")
	}
	applyDefaults(&c)
	sc, err := c.sarama()
	if err != nil {
		return err
	}
	d.cfg, d.sc = c, sc
	return nil
}

func (d *Driver) Receiver(topic string) (channel.Receiver, error) {
	group, err := d.cfg.NewConsumerGroup(d.cfg.Brokers, d.cfg.GroupID+"."+topic, d.sc)
	if err != nil {
		return nil, err
	}
	r := newReceiver(d.cfg, topic, group)
	r.start()
	return r, nil
}

func (d *Driver) Publisher(topic string) (channel.Publisher, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.producer == nil {
		p, err := d.cfg.NewProducer(d.cfg.Brokers, d.sc)
		if err != nil {
			return nil, err
		}
		d.producer = p
	}
	return &publisher{topic: topic, p: d.producer}, nil
}

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.producer == nil {
		return nil
	}
	err := d.producer.Close()
	d.producer = nil
	return err
}

/* ────────── publisher ────────── */

type publisher struct {
	topic string
	p     sarama.SyncProducer
}

func (p *publisher) Publish(_ context.Context, m channel.Message) error {
	pm := &sarama.ProducerMessage{
		Topic: p.topic,
		Value: sarama.ByteEncoder(m.Body),
		Headers: []sarama.RecordHeader{
			{Key: []byte(headerMessageID), Value: []byte(m.ID)},
		},
	}
	if m.Key != "" {
		pm.Key = sarama.StringEncoder(m.Key)
	}
	if !m.NotBefore.IsZero() {
		pm.Headers = append(pm.Headers, sarama.RecordHeader{
			Key:   []byte(headerNotBefore),
			Value: []byte(m.NotBefore.UTC().Format(time.RFC3339Nano)),
		})
	}
	if _, _, err := p.p.SendMessage(pm); err != nil {
		return failure.Transient(fmt.Errorf("publish to %s: %w", p.topic, err))
	}
	return nil
}

// Close is a no-op; the producer is shared and closed with the driver.
func (p *publisher) Close() error { return nil }

/* ────────── receiver ────────── */

type claimState struct {
	mu      sync.Mutex
	sess    sarama.ConsumerGroupSession
	tracker *Tracker[*sarama.ConsumerMessage]
	revoked bool
}

func (st *claimState) isRevoked() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.revoked
}

type handle struct {
	claim   *claimState
	msg     channel.Message
	resolve func() **sarama.ConsumerMessage
	acked   atomic.Bool
}

type receiver struct {
	cfg    Config
	topic  string
	group  sarama.ConsumerGroup
	bp     *Controller
	commit *Manager
	out    chan channel.Delivery

	// leased holds handed-out, unacked deliveries and their visibility deadline.
	mu     sync.Mutex
	leased map[*handle]time.Time
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newReceiver(cfg Config, topic string, group sarama.ConsumerGroup) *receiver {
	ctx, cancel := context.WithCancel(context.Background())
	return &receiver{
		cfg:    cfg,
		topic:  topic,
		group:  group,
		bp:     NewController(cfg.BackPressure.Capacity),
		commit: NewManager(cfg.Checkpoint.CommitInt),
		out:    make(chan channel.Delivery),
		leased: make(map[*handle]time.Time),
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func (r *receiver) start() {
	go func() {
		for err := range r.group.Errors() {
			logging.L().Warn("kafka-channel: consumer group error", "topic", r.topic, "err", err)
		}
	}()
	go func() {
		defer close(r.done)
		for {
			if err := r.group.Consume(r.ctx, []string{r.topic}, r); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				logging.L().Warn("kafka-channel: consume failed", "topic", r.topic, "err", err)
				select {
				case <-time.After(time.Second):
				case <-r.ctx.Done():
				}
			}
			if r.ctx.Err() != nil {
				return
			}
		}
	}()
}

func (r *receiver) Receive(ctx context.Context, max int) ([]channel.Delivery, error) {
	if max <= 0 {
		max = 1
	}
	if ds := r.expired(max); len(ds) > 0 {
		return ds, nil
	}
	timer := time.NewTimer(r.cfg.PollWait)
	defer timer.Stop()

	var out []channel.Delivery
	select {
	case d := <-r.out:
		out = append(out, d)
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.done:
		return nil, errors.New("kafka-channel: receiver closed")
	}
	for len(out) < max {
		select {
		case d := <-r.out:
			out = append(out, d)
		default:
			r.lease(out)
			return out, nil
		}
	}
	r.lease(out)
	return out, nil
}

func (r *receiver) lease(ds []channel.Delivery) {
	due := r.now().Add(r.cfg.VisibilityTimeout)
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range ds {
		if h, ok := d.Handle.(*handle); ok && !h.acked.Load() {
			r.leased[h] = due
		}
	}
}

// expired re-issues leased deliveries whose visibility timeout passed.
// Deliveries of a revoked claim are dropped; the partition's new owner
// reads them again from the committed offset.
func (r *receiver) expired(max int) []channel.Delivery {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []channel.Delivery
	for h, due := range r.leased {
		if len(out) == max {
			break
		}
		if now.Before(due) {
			continue
		}
		if h.claim.isRevoked() {
			delete(r.leased, h)
			r.drop(h)
			continue
		}
		r.leased[h] = now.Add(r.cfg.VisibilityTimeout)
		out = append(out, channel.Delivery{Message: h.msg, Queue: r.topic, Received: now, Handle: h})
	}
	if len(out) > 0 {
		logging.L().Debug("kafka-channel: redelivering unacked messages", "topic", r.topic, "count", len(out))
	}
	return out
}

// forget releases every lease of a claim that ended.
func (r *receiver) forget(st *claimState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for h := range r.leased {
		if h.claim == st {
			delete(r.leased, h)
			r.drop(h)
		}
	}
}

// drop gives back the backpressure token of a delivery that will not be acked.
func (r *receiver) drop(h *handle) {
	if h.acked.CompareAndSwap(false, true) {
		r.bp.Release(1)
	}
}

// Ack marks the partition up to the highest contiguous acknowledged message.
func (r *receiver) Ack(_ context.Context, d channel.Delivery) error {
	h, ok := d.Handle.(*handle)
	if !ok {
		return fmt.Errorf("kafka-channel: foreign delivery handle %T", d.Handle)
	}
	if !h.acked.CompareAndSwap(false, true) {
		return nil
	}
	defer r.bp.Release(1)
	r.mu.Lock()
	delete(r.leased, h)
	r.mu.Unlock()

	st := h.claim
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.revoked {
		// the partition moved; the new owner will see the message again
		return nil
	}
	if highest := h.resolve(); highest != nil {
		st.sess.MarkMessage(*highest, "")
		if r.commit.Due() {
			st.sess.Commit()
		}
	}
	return nil
}

func (r *receiver) Close() error {
	r.cancel()
	err := r.group.Close()
	<-r.done
	r.bp.Close()
	return err
}

/* ────────── sarama.ConsumerGroupHandler ────────── */

func (*receiver) Setup(sarama.ConsumerGroupSession) error { return nil }

func (r *receiver) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (r *receiver) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	st := &claimState{sess: sess, tracker: NewTracker[*sarama.ConsumerMessage]()}
	defer func() {
		st.mu.Lock()
		st.revoked = true
		st.mu.Unlock()
		r.forget(st)
	}()

	ctx := sess.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if !r.hold(ctx, msg) {
				return nil
			}
			if err := r.bp.Acquire(ctx); err != nil {
				return nil
			}

			st.mu.Lock()
			resolve := st.tracker.Track(msg, 1)
			st.mu.Unlock()

			m := toMessage(msg)
			d := channel.Delivery{
				Message:  m,
				Queue:    r.topic,
				Received: time.Now(),
				Handle:   &handle{claim: st, msg: m, resolve: resolve},
			}
			select {
			case r.out <- d:
			case <-ctx.Done():
				r.bp.Release(1)
				return nil
			}
		}
	}
}

// hold delays a message until its not-before time. It returns false when
// the session ends first.
func (r *receiver) hold(ctx context.Context, msg *sarama.ConsumerMessage) bool {
	nb, ok := header(msg, headerNotBefore)
	if !ok {
		return true
	}
	at, err := time.Parse(time.RFC3339Nano, nb)
	if err != nil {
		return true
	}
	wait := time.Until(at)
	if wait <= 0 {
		return true
	}
	logging.L().Debug("kafka-channel: holding delayed message",
		"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "wait", wait.String())
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func header(msg *sarama.ConsumerMessage, key string) (string, bool) {
	for _, h := range msg.Headers {
		if h != nil && string(h.Key) == key {
			return string(h.Value), true
		}
	}
	return "", false
}

func toMessage(msg *sarama.ConsumerMessage) channel.Message {
	m := channel.Message{Key: string(msg.Key), Body: msg.Value}
	if id, ok := header(msg, headerMessageID); ok && id != "" {
		m.ID = id
	} else {
		m.ID = fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset)
	}
	if nb, ok := header(msg, headerNotBefore); ok {
		m.NotBefore, _ = time.Parse(time.RFC3339Nano, nb)
	}
	return m
}

func init() {
	channel.Register("kafka", func() channel.Driver { return &Driver{} })
}
