// Package consumer pulls messages from the inbound channels, turns them into
// processing tasks and acknowledges each message once every task it carries
// reached a terminal state that was handed off.
package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"logferry/channel"
	"logferry/internal/budget"
	"logferry/internal/logging"
	"logferry/internal/pipeline"
	"logferry/internal/task"
	"logferry/internal/telemetry"
)

// Processor runs one task to a terminal state. *pipeline.Processor
// satisfies it.
type Processor interface {
	Process(ctx context.Context, t task.ProcessingTask, sig budget.Signal) (pipeline.Result, error)
}

// Source is one inbound queue and the task kind its messages produce.
type Source struct {
	Queue    string
	Kind     task.Kind
	Receiver channel.Receiver
}

type Config struct {
	Workers      int
	ReceiveBatch int
	// TimeBudget bounds the work done on one receive batch. Zero means the
	// context deadline, if any.
	TimeBudget   time.Duration
	SafetyMargin time.Duration
	AckTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.ReceiveBatch <= 0 {
		c.ReceiveBatch = 10
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 10 * time.Second
	}
	return c
}

// Summary reports what one receive batch produced.
type Summary struct {
	Received     int
	Duplicates   int
	Acked        int
	Unacked      int
	DeadLettered int
	Outcomes     map[pipeline.Outcome]int
}

func (s *Summary) merge(o Summary) {
	s.Received += o.Received
	s.Duplicates += o.Duplicates
	s.Acked += o.Acked
	s.Unacked += o.Unacked
	s.DeadLettered += o.DeadLettered
	for k, v := range o.Outcomes {
		if s.Outcomes == nil {
			s.Outcomes = map[pipeline.Outcome]int{}
		}
		s.Outcomes[k] += v
	}
}

type Option func(*Consumer)

func WithClock(c backoff.Clock) Option { return func(cs *Consumer) { cs.clock = c } }

// WithTimer supplies the timer each receive loop waits on between failed
// receives.
func WithTimer(fn func() backoff.Timer) Option { return func(cs *Consumer) { cs.timer = fn } }

func WithIDs(fn func() string) Option { return func(cs *Consumer) { cs.newID = fn } }

func WithLogger(l *slog.Logger) Option { return func(cs *Consumer) { cs.log = l } }

type Consumer struct {
	cfg        Config
	proc       Processor
	deadLetter channel.Publisher
	sources    []Source

	clock backoff.Clock
	timer func() backoff.Timer
	newID func() string
	log   *slog.Logger
}

func New(cfg Config, proc Processor, deadLetter channel.Publisher, sources []Source, opts ...Option) *Consumer {
	c := &Consumer{
		cfg:        cfg.withDefaults(),
		proc:       proc,
		deadLetter: deadLetter,
		sources:    sources,
		clock:      backoff.SystemClock,
		timer:      func() backoff.Timer { return nil },
		newID:      uuid.NewString,
	}
	for _, o := range opts {
		o(c)
	}
	if c.log == nil {
		c.log = logging.L()
	}
	return c
}

// RunOnce receives and handles a single batch from every source. It is the
// handler-mode entry point.
func (c *Consumer) RunOnce(ctx context.Context) (Summary, error) {
	var (
		mu    sync.Mutex
		total Summary
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, src := range c.sources {
		g.Go(func() error {
			ds, err := src.Receiver.Receive(gctx, c.cfg.ReceiveBatch)
			if err != nil {
				return fmt.Errorf("receive from %s: %w", src.Queue, err)
			}
			s := c.Handle(ctx, src, ds)
			mu.Lock()
			total.merge(s)
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	return total, err
}

// Run polls every source until ctx is done.
func (c *Consumer) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, src := range c.sources {
		g.Go(func() error { return c.loop(gctx, src) })
	}
	return g.Wait()
}

func (c *Consumer) loop(ctx context.Context, src Source) error {
	log := c.log.With("queue", src.Queue)
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 500 * time.Millisecond
	eb.MaxInterval = 30 * time.Second
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(eb, ctx)

	log.Info("consumer loop started", "kind", string(src.Kind))
	for ctx.Err() == nil {
		var ds []channel.Delivery
		err := backoff.RetryNotifyWithTimer(func() error {
			var err error
			ds, err = src.Receiver.Receive(ctx, c.cfg.ReceiveBatch)
			return err
		}, policy, func(err error, wait time.Duration) {
			log.Warn("receive failed", "err", err, "backoff", wait.String())
		}, c.timer())
		if err != nil {
			// retries only stop once ctx is done
			break
		}
		if len(ds) > 0 {
			c.Handle(ctx, src, ds)
		}
	}
	log.Info("consumer loop stopped")
	return nil
}

// unit is one task shared by every delivery that references its object.
type unit struct {
	task task.ProcessingTask
	ok   bool
}

// envelope tracks the units a delivery depends on.
type envelope struct {
	delivery channel.Delivery
	units    []*unit
	// primary is set when the delivery is the first with its message id.
	primary *envelope
	// rejected is set when an unparseable body could not be dead-lettered.
	rejected bool
}

// Handle processes one receive batch from src and acknowledges what may be
// acknowledged.
func (c *Consumer) Handle(ctx context.Context, src Source, ds []channel.Delivery) Summary {
	sum := Summary{Received: len(ds), Outcomes: map[pipeline.Outcome]int{}}
	telemetry.MessagesReceived.WithLabelValues(src.Queue).Add(float64(len(ds)))
	log := c.log.With("queue", src.Queue)

	byMsg := map[string]*envelope{}
	byObject := map[string]*unit{}
	var order []*unit
	envs := make([]*envelope, 0, len(ds))

	for _, d := range ds {
		env := &envelope{delivery: d}
		envs = append(envs, env)
		if first, ok := byMsg[d.ID]; ok && d.ID != "" {
			env.primary = first
			sum.Duplicates++
			telemetry.MessagesDeduplicated.WithLabelValues(src.Queue).Inc()
			continue
		}
		byMsg[d.ID] = env

		tasks, err := c.parse(src.Kind, d)
		if err != nil {
			log.Warn("unparseable message", "id", d.ID, "err", err)
			env.rejected = !c.rejectPayload(ctx, d, err)
			sum.DeadLettered++
			continue
		}
		for _, t := range tasks {
			id := t.ID()
			u, ok := byObject[id]
			if !ok {
				u = &unit{task: t}
				byObject[id] = u
				order = append(order, u)
			} else {
				sum.Duplicates++
				telemetry.MessagesDeduplicated.WithLabelValues(src.Queue).Inc()
			}
			env.units = append(env.units, u)
		}
	}

	guard := budget.FromContext(ctx, c.cfg.TimeBudget, c.cfg.SafetyMargin, c.clock)
	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(c.cfg.Workers)
	for _, u := range order {
		g.Go(func() error {
			res, err := c.proc.Process(ctx, u.task, guard)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.Error("handoff failed, message stays unacknowledged", "object", u.task.ID(), "err", err)
				return nil
			}
			u.ok = true
			sum.Outcomes[res.Outcome]++
			if res.Outcome == pipeline.DeadLettered {
				sum.DeadLettered++
			}
			return nil
		})
	}
	_ = g.Wait()

	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.AckTimeout)
	defer cancel()
	for _, env := range envs {
		if !env.ackable() {
			sum.Unacked++
			continue
		}
		if err := src.Receiver.Ack(ackCtx, env.delivery); err != nil {
			log.Warn("ack failed", "id", env.delivery.ID, "err", err)
			sum.Unacked++
			continue
		}
		sum.Acked++
		telemetry.MessagesAcked.WithLabelValues(src.Queue).Inc()
	}
	log.Debug("batch handled", "received", sum.Received, "acked", sum.Acked, "unacked", sum.Unacked)
	return sum
}

func (e *envelope) ackable() bool {
	if e.primary != nil {
		return e.primary.ackable()
	}
	if e.rejected {
		return false
	}
	for _, u := range e.units {
		if !u.ok {
			return false
		}
	}
	return true
}

// parse builds the tasks a delivery carries. Notifications may carry
// several objects or none (test events).
func (c *Consumer) parse(kind task.Kind, d channel.Delivery) ([]task.ProcessingTask, error) {
	if kind == task.KindFresh {
		events, err := task.ParseNotification(d.Body, d.ID)
		if err != nil {
			return nil, err
		}
		out := make([]task.ProcessingTask, 0, len(events))
		for _, ev := range events {
			out = append(out, task.ProcessingTask{Event: ev, Attempt: 1, Kind: task.KindFresh})
		}
		return out, nil
	}
	var m task.ResumeMessage
	if err := json.Unmarshal(d.Body, &m); err != nil {
		return nil, fmt.Errorf("decode %s message: %w", kind, err)
	}
	t, err := m.Task(kind, d.ID)
	if err != nil {
		return nil, err
	}
	return []task.ProcessingTask{t}, nil
}

// rejectPayload dead-letters a body that could not be parsed. It reports
// whether the dead letter was published.
func (c *Consumer) rejectPayload(ctx context.Context, d channel.Delivery, cause error) bool {
	msg := task.DeadLetterMessage{
		ID:            c.newID(),
		FailureReason: cause.Error(),
		AttemptHistory: []task.AttemptEntry{{
			Attempt: 1, Outcome: string(pipeline.DeadLettered), Error: cause.Error(), At: c.clock.Now().UTC(),
		}},
		Payload: string(d.Body),
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return false
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.AckTimeout)
	defer cancel()
	if err := c.deadLetter.Publish(pctx, channel.Message{ID: msg.ID, Key: d.ID, Body: body}); err != nil {
		c.log.Error("dead-letter publish failed", "id", d.ID, "err", err)
		return false
	}
	return true
}
