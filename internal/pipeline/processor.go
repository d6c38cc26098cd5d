// Package pipeline runs one ProcessingTask through
// Start → Fetching → Decoding → Shipping and hands it off to one of the
// terminal states: Completed, CheckpointedContinuation, CheckpointedReplay
// or DeadLettered.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"logferry/channel"
	"logferry/internal/batch"
	"logferry/internal/budget"
	"logferry/internal/checkpoint"
	"logferry/internal/decode"
	"logferry/internal/failure"
	"logferry/internal/logging"
	"logferry/internal/objectstore"
	"logferry/internal/task"
	"logferry/internal/telemetry"
)

type Outcome string

const (
	Completed                Outcome = "completed"
	CheckpointedContinuation Outcome = "checkpointed_continuation"
	CheckpointedReplay       Outcome = "checkpointed_replay"
	DeadLettered             Outcome = "dead_lettered"
)

// Result is the terminal state of one run.
type Result struct {
	Outcome Outcome
	Task    task.ProcessingTask
	// Err is the failure that led to a replay or dead-letter outcome.
	Err error
	// Noop marks a continuation or replay whose object has no live checkpoint.
	Noop bool
	// Shipped counts records shipped by this run.
	Shipped int64
}

type Config struct {
	Strict    bool
	LineLimit int
	Batch     batch.Config
	// MaxAttempts bounds task attempts; the replay that would exceed it
	// dead-letters instead.
	MaxAttempts int
	ReplayDelay time.Duration
	// CheckEvery is the number of records between budget polls.
	CheckEvery int
	// HandoffTimeout bounds checkpoint saves and publishes once decoding stopped.
	HandoffTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.CheckEvery <= 0 {
		c.CheckEvery = 1
	}
	if c.ReplayDelay < 0 {
		c.ReplayDelay = 0
	}
	if c.HandoffTimeout <= 0 {
		c.HandoffTimeout = 10 * time.Second
	}
	return c
}

// Publishers are the outbound channels a run can hand off to.
type Publishers struct {
	Continuation channel.Publisher
	Replay       channel.Publisher
	DeadLetter   channel.Publisher
}

type Option func(*Processor)

func WithClock(c backoff.Clock) Option { return func(p *Processor) { p.clock = c } }

// WithTimer supplies the retry timer for every batcher the processor creates.
func WithTimer(fn func() backoff.Timer) Option { return func(p *Processor) { p.timer = fn } }

func WithIDs(fn func() string) Option { return func(p *Processor) { p.newID = fn } }

func WithLogger(l *slog.Logger) Option { return func(p *Processor) { p.log = l } }

// Processor is safe for concurrent use; each Process call owns its task.
type Processor struct {
	cfg     Config
	objects objectstore.Store
	cps     checkpoint.Store
	router  *decode.Router
	sink    batch.Writer
	pub     Publishers

	clock backoff.Clock
	timer func() backoff.Timer
	newID func() string
	log   *slog.Logger
}

func New(cfg Config, objects objectstore.Store, cps checkpoint.Store, router *decode.Router, sink batch.Writer, pub Publishers, opts ...Option) *Processor {
	p := &Processor{
		cfg:     cfg.withDefaults(),
		objects: objects,
		cps:     cps,
		router:  router,
		sink:    sink,
		pub:     pub,
		clock:   backoff.SystemClock,
		newID:   uuid.NewString,
	}
	for _, o := range opts {
		o(p)
	}
	if p.log == nil {
		p.log = logging.L()
	}
	return p
}

// Process runs t to a terminal state. A non-nil error means the outcome
// could not be handed off (checkpoint or publish failed) and the inbound
// message must not be acknowledged.
func (p *Processor) Process(ctx context.Context, t task.ProcessingTask, sig budget.Signal) (Result, error) {
	if sig == nil {
		sig = budget.Never{}
	}
	telemetry.TasksInFlight.Inc()
	defer telemetry.TasksInFlight.Dec()

	res, err := p.process(ctx, t, sig)
	if err == nil {
		telemetry.TaskOutcomes.WithLabelValues(string(t.Kind), string(res.Outcome)).Inc()
	}
	return res, err
}

func (p *Processor) process(ctx context.Context, t task.ProcessingTask, sig budget.Signal) (Result, error) {
	id := t.ID()
	log := p.log.With("object", id, "kind", string(t.Kind))

	cp, found, err := p.cps.Load(ctx, id)
	telemetry.CheckpointOp("load", err)
	if err != nil {
		return Result{Task: t, Err: err}, fmt.Errorf("load checkpoint %s: %w", id, err)
	}

	switch {
	case found && cp.State == task.StateDeadLettered:
		log.Info("object already dead-lettered, re-emitting dead letter")
		return p.redeadLetter(ctx, log, cp.Task)
	case found:
		t = resumeFrom(t, cp)
	case t.Kind != task.KindFresh:
		log.Info("no live checkpoint, nothing to resume")
		return Result{Outcome: Completed, Task: t, Noop: true}, nil
	}
	if t.Attempt < 1 {
		t.Attempt = 1
	}
	log = log.With("attempt", t.Attempt)

	if t.Attempt > p.cfg.MaxAttempts {
		cause := failure.Permanent(fmt.Errorf("attempt %d exceeds max attempts %d", t.Attempt, p.cfg.MaxAttempts))
		return p.deadLetter(ctx, log, t, cause, 0)
	}
	return p.run(ctx, log, t, found, sig)
}

// resumeFrom applies the stored checkpoint, which always wins over the
// position a message remembers.
func resumeFrom(t task.ProcessingTask, cp task.Checkpoint) task.ProcessingTask {
	s := cp.Task
	s.Kind = t.Kind
	s.Event.MessageID = t.Event.MessageID
	if s.Event.EventTime.IsZero() {
		s.Event.EventTime = t.Event.EventTime
	}
	if t.Attempt > s.Attempt {
		s.Attempt = t.Attempt
	}
	return s
}

func (p *Processor) run(ctx context.Context, log *slog.Logger, t task.ProcessingTask, resumed bool, sig budget.Signal) (Result, error) {
	if sig.Low() {
		log.Info("time budget low before fetching, checkpointing", "seq", t.Sequence, "offset", t.Offset)
		return p.handoff(ctx, log, t, CheckpointedContinuation, nil, 0)
	}
	resume := decode.Position{Offset: t.Offset, Sequence: t.Sequence, Checksum: t.Checksum}
	log.Debug("fetching", "offset", t.Offset, "seq", t.Sequence)

	src, err := p.open(ctx, t.Event.Object, resume)
	if err != nil {
		return p.interrupted(ctx, log, t, nil, err)
	}
	defer func() {
		telemetry.RecordsSkipped.Add(float64(src.stream.Skipped()))
		src.close()
	}()
	t.Event.Object = src.obj

	var opts []batch.Option
	if p.timer != nil {
		opts = append(opts, batch.WithTimer(p.timer()))
	}
	opts = append(opts, batch.WithLogger(log), batch.WithObserver(observe))
	b := batch.New(p.sink, p.cfg.Batch, t.Event.Object, t.Event.EventTime, opts...)

	deco := decorator{id: t.ID(), obj: t.Event.Object, format: src.format}
	for n := 1; ; n++ {
		if err := ctx.Err(); err != nil {
			return p.interrupted(ctx, log, t, b, err)
		}
		rec, err := src.stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return p.interrupted(ctx, log, t, b, err)
		}
		deco.apply(&rec)
		if err := b.Add(ctx, rec); err != nil {
			return p.interrupted(ctx, log, t, b, err)
		}
		if n%p.cfg.CheckEvery == 0 && sig.Low() {
			if err := b.Flush(ctx); err != nil {
				return p.interrupted(ctx, log, t, b, err)
			}
			advance(&t, b)
			log.Info("time budget low, checkpointing", "seq", t.Sequence, "offset", t.Offset)
			return p.handoff(ctx, log, t, CheckpointedContinuation, nil, b.Shipped())
		}
	}
	if err := b.Flush(ctx); err != nil {
		return p.interrupted(ctx, log, t, b, err)
	}

	skipped, prior := src.stream.Skipped(), t.Skipped
	advance(&t, b)
	t.Skipped = prior + skipped
	t.Record(string(Completed), nil, p.clock.Now())

	if resumed {
		hctx, cancel := p.handoffContext(ctx)
		err := p.cps.Delete(hctx, t.ID())
		cancel()
		telemetry.CheckpointOp("delete", err)
		if err != nil {
			// A stale checkpoint only causes re-shipping on a later duplicate.
			log.Warn("delete checkpoint failed", "err", err)
		}
	}
	log.Info("object completed", "records", b.Shipped(), "skipped", skipped, "seq", t.Sequence)
	return Result{Outcome: Completed, Task: t, Shipped: b.Shipped()}, nil
}

// advance moves t to the last shipped record. Records between the previous
// position and that record were either shipped or skipped as malformed.
func advance(t *task.ProcessingTask, b *batch.Batcher) {
	last, ok := b.Last()
	if !ok {
		return
	}
	t.Skipped += last.Seq - t.Sequence - b.Shipped()
	t.Sequence, t.Offset, t.Checksum = last.Seq, last.Offset, last.Checksum
}

// interrupted routes a failure: permanent errors dead-letter, everything
// else checkpoints for replay. A run stopped by its own context (shutdown or
// handler deadline) is not a failure of the object: it continues at the same
// attempt.
func (p *Processor) interrupted(ctx context.Context, log *slog.Logger, t task.ProcessingTask, b *batch.Batcher, cause error) (Result, error) {
	var shipped int64
	if b != nil {
		advance(&t, b)
		shipped = b.Shipped()
	}
	if ctx.Err() != nil && failure.IsCanceled(cause) {
		return p.handoff(ctx, log, t, CheckpointedContinuation, cause, shipped)
	}
	if failure.IsPermanent(cause) {
		return p.deadLetter(ctx, log, t, cause, shipped)
	}
	return p.handoff(ctx, log, t, CheckpointedReplay, cause, shipped)
}

// handoff persists the checkpoint and publishes the resume message.
func (p *Processor) handoff(ctx context.Context, log *slog.Logger, t task.ProcessingTask, outcome Outcome, cause error, shipped int64) (Result, error) {
	if outcome == CheckpointedReplay && t.Attempt >= p.cfg.MaxAttempts {
		exhausted := failure.Permanent(fmt.Errorf("retries exhausted after %d attempts: %w", t.Attempt, cause))
		return p.deadLetter(ctx, log, t, exhausted, shipped)
	}
	now := p.clock.Now()
	t.Record(string(outcome), cause, now)

	next := t
	pub := p.pub.Continuation
	var notBefore time.Time
	switch outcome {
	case CheckpointedContinuation:
		next.Kind = task.KindContinuation
	case CheckpointedReplay:
		next.Kind = task.KindReplay
		next.Attempt++
		pub = p.pub.Replay
		notBefore = now.Add(p.cfg.ReplayDelay)
	}

	hctx, cancel := p.handoffContext(ctx)
	defer cancel()

	id := t.ID()
	err := p.cps.Save(hctx, id, task.Checkpoint{Task: next, State: task.StateActive, UpdatedAt: now})
	telemetry.CheckpointOp("save", err)
	if err != nil {
		return Result{Outcome: outcome, Task: next, Err: cause, Shipped: shipped}, fmt.Errorf("save checkpoint %s: %w", id, err)
	}

	msg := task.NewResumeMessage(p.newID(), &next)
	msg.NotBefore = notBefore
	body, err := json.Marshal(msg)
	if err != nil {
		return Result{Outcome: outcome, Task: next, Err: cause, Shipped: shipped}, err
	}
	if err := pub.Publish(hctx, channel.Message{ID: msg.ID, Key: id, Body: body, NotBefore: notBefore}); err != nil {
		return Result{Outcome: outcome, Task: next, Err: cause, Shipped: shipped}, fmt.Errorf("publish %s for %s: %w", next.Kind, id, err)
	}

	switch {
	case outcome == CheckpointedReplay:
		log.Warn("task interrupted, scheduled replay", "seq", next.Sequence, "offset", next.Offset, "next_attempt", next.Attempt, "err", cause)
	case cause != nil:
		log.Info("run cancelled, continuation scheduled", "seq", next.Sequence, "offset", next.Offset, "err", cause)
	default:
		log.Info("continuation scheduled", "seq", next.Sequence, "offset", next.Offset)
	}
	return Result{Outcome: outcome, Task: next, Err: cause, Shipped: shipped}, nil
}

// deadLetter retains the checkpoint in the dead_lettered state and emits
// the dead-letter record.
func (p *Processor) deadLetter(ctx context.Context, log *slog.Logger, t task.ProcessingTask, cause error, shipped int64) (Result, error) {
	now := p.clock.Now()
	t.Record(string(DeadLettered), cause, now)

	hctx, cancel := p.handoffContext(ctx)
	defer cancel()

	err := p.cps.Save(hctx, t.ID(), task.Checkpoint{Task: t, State: task.StateDeadLettered, UpdatedAt: now})
	telemetry.CheckpointOp("save", err)
	if err != nil {
		return Result{Outcome: DeadLettered, Task: t, Err: cause, Shipped: shipped}, fmt.Errorf("save checkpoint %s: %w", t.ID(), err)
	}
	if err := p.publishDeadLetter(hctx, t, cause.Error()); err != nil {
		return Result{Outcome: DeadLettered, Task: t, Err: cause, Shipped: shipped}, err
	}
	log.Error("task dead-lettered", "seq", t.Sequence, "err", cause)
	return Result{Outcome: DeadLettered, Task: t, Err: cause, Shipped: shipped}, nil
}

// redeadLetter re-emits the dead letter of an object whose earlier
// dead-letter handoff may not have completed.
func (p *Processor) redeadLetter(ctx context.Context, log *slog.Logger, t task.ProcessingTask) (Result, error) {
	reason := "dead-lettered"
	if n := len(t.History); n > 0 && t.History[n-1].Error != "" {
		reason = t.History[n-1].Error
	}
	hctx, cancel := p.handoffContext(ctx)
	defer cancel()
	if err := p.publishDeadLetter(hctx, t, reason); err != nil {
		return Result{Outcome: DeadLettered, Task: t}, err
	}
	return Result{Outcome: DeadLettered, Task: t, Err: failure.Permanent(errors.New(reason))}, nil
}

func (p *Processor) publishDeadLetter(ctx context.Context, t task.ProcessingTask, reason string) error {
	msg := task.DeadLetterMessage{
		ID:             p.newID(),
		ObjectIdentity: t.ID(),
		Object:         t.Event.Object,
		FailureReason:  reason,
		AttemptHistory: t.History,
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := p.pub.DeadLetter.Publish(ctx, channel.Message{ID: msg.ID, Key: msg.ObjectIdentity, Body: body}); err != nil {
		return fmt.Errorf("publish dead letter for %s: %w", msg.ObjectIdentity, err)
	}
	return nil
}

// handoffContext survives cancellation of ctx so a shutdown still leaves a
// checkpoint and a resume message behind.
func (p *Processor) handoffContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), p.cfg.HandoffTimeout)
}

func observe(st batch.Stats) {
	telemetry.BatchLatency.Observe(st.Elapsed.Seconds())
	result := "ok"
	switch {
	case failure.IsPermanent(st.Err):
		result = "permanent"
	case st.Err != nil:
		result = "transient"
	default:
		telemetry.RecordsShipped.Add(float64(st.Records))
	}
	telemetry.ShipmentAttempts.WithLabelValues(result).Add(float64(st.Attempts))
}
