// Package batch groups records into bounded batches and ships them with
// retry.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"logferry/internal/failure"
	"logferry/internal/task"
	"logferry/sink"
)

// Writer ships one batch. sink.Adapter satisfies it.
type Writer interface {
	Write(ctx context.Context, b sink.Batch) error
}

type Config struct {
	MaxRecords     int           `koanf:"max_batch_records"`
	MaxBytes       int           `koanf:"max_batch_bytes"`
	MaxAttempts    int           `koanf:"max_attempts"`
	InitialBackoff time.Duration `koanf:"initial_backoff"`
	MaxBackoff     time.Duration `koanf:"max_backoff"`
}

func (c Config) withDefaults() Config {
	if c.MaxRecords <= 0 {
		c.MaxRecords = 500
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 5 << 20
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 200 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
	return c
}

// Stats describes one flush.
type Stats struct {
	Records  int
	Bytes    int
	Attempts int
	Elapsed  time.Duration
	Err      error
}

type Option func(*Batcher)

// WithTimer replaces the wall-clock timer used between attempts.
func WithTimer(t backoff.Timer) Option { return func(b *Batcher) { b.timer = t } }

// WithObserver is called after every flush, successful or not.
func WithObserver(fn func(Stats)) Option { return func(b *Batcher) { b.observe = fn } }

func WithLogger(l *slog.Logger) Option { return func(b *Batcher) { b.log = l } }

// Batcher collects the records of one object. Not safe for concurrent use.
type Batcher struct {
	cfg       Config
	w         Writer
	object    task.ObjectRef
	eventTime time.Time

	pending []task.Record
	bytes   int

	last    task.Record
	shipped int64

	timer   backoff.Timer
	observe func(Stats)
	log     *slog.Logger
}

func New(w Writer, cfg Config, object task.ObjectRef, eventTime time.Time, opts ...Option) *Batcher {
	b := &Batcher{
		cfg:       cfg.withDefaults(),
		w:         w,
		object:    object,
		eventTime: eventTime,
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(b)
	}
	b.pending = make([]task.Record, 0, b.cfg.MaxRecords)
	return b
}

// Add appends rec, shipping the pending batch first when rec would push it
// past the byte bound and afterwards when the batch is full.
func (b *Batcher) Add(ctx context.Context, rec task.Record) error {
	if len(b.pending) > 0 && b.bytes+rec.Size > b.cfg.MaxBytes {
		if err := b.Flush(ctx); err != nil {
			return err
		}
	}
	b.pending = append(b.pending, rec)
	b.bytes += rec.Size
	if len(b.pending) >= b.cfg.MaxRecords || b.bytes >= b.cfg.MaxBytes {
		return b.Flush(ctx)
	}
	return nil
}

// Flush ships the pending records. The pending batch is dropped whatever
// the outcome; on failure nothing of it counts as shipped.
func (b *Batcher) Flush(ctx context.Context) error {
	if len(b.pending) == 0 {
		return nil
	}
	batch := sink.Batch{Object: b.object, EventTime: b.eventTime, Records: b.pending}
	st := Stats{Records: len(batch.Records), Bytes: b.bytes}
	start := time.Now()

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = b.cfg.InitialBackoff
	eb.MaxInterval = b.cfg.MaxBackoff
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(b.cfg.MaxAttempts-1)), ctx)

	err := backoff.RetryNotifyWithTimer(func() error {
		st.Attempts++
		err := b.w.Write(ctx, batch)
		if err != nil && failure.IsPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, next time.Duration) {
		b.log.Warn("batch shipment failed, will retry",
			"object", b.object.ID(), "records", st.Records, "attempt", st.Attempts, "err", err, "backoff", next.String())
	}, b.timer)

	st.Elapsed = time.Since(start)
	if err != nil && !failure.IsPermanent(err) {
		err = failure.Transient(fmt.Errorf("ship %d records after %d attempts: %w", st.Records, st.Attempts, err))
	}
	st.Err = err

	if err == nil {
		b.last = batch.Records[len(batch.Records)-1]
		b.shipped += int64(st.Records)
	}
	b.pending = make([]task.Record, 0, b.cfg.MaxRecords)
	b.bytes = 0

	if b.observe != nil {
		b.observe(st)
	}
	return err
}

// Last is the most recent shipped record; ok is false until a flush succeeds.
func (b *Batcher) Last() (rec task.Record, ok bool) { return b.last, b.shipped > 0 }

// Shipped counts records shipped by this batcher.
func (b *Batcher) Shipped() int64 { return b.shipped }

func (b *Batcher) Pending() int { return len(b.pending) }
