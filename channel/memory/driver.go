// Package memory is an in-process channel driver for local runs and tests.
// Queues live as long as the driver.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"logferry/channel"
)

type Config struct {
	PollWait          time.Duration `koanf:"poll_wait"`
	VisibilityTimeout time.Duration `koanf:"visibility_timeout"`
}

type entry struct {
	msg      channel.Message
	handle   uint64
	visible  time.Time
	received bool
}

type queue struct {
	name    string
	d       *Driver
	mu      sync.Mutex
	entries []*entry
	wake    chan struct{}
}

type Driver struct {
	cfg Config

	mu     sync.Mutex
	queues map[string]*queue
	next   uint64
}

func New(cfg Config) *Driver {
	d := &Driver{}
	_ = d.Configure(cfg)
	return d
}

func (d *Driver) Configure(raw any) error {
	c, ok := raw.(Config)
	if !ok {
		return fmt.Errorf("memory-channel: expected Config, got %T", raw)
	}
	if c.PollWait <= 0 {
		c.PollWait = 50 * time.Millisecond
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = 30 * time.Second
	}
	d.mu.Lock()
	d.cfg = c
	if d.queues == nil {
		d.queues = make(map[string]*queue)
	}
	d.mu.Unlock()
	return nil
}

func (d *Driver) queue(name string) *queue {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, ok := d.queues[name]
	if !ok {
		q = &queue{name: name, d: d, wake: make(chan struct{}, 1)}
		d.queues[name] = q
	}
	return q
}

func (d *Driver) handle() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.next++
	return d.next
}

func (d *Driver) Receiver(name string) (channel.Receiver, error) { return d.queue(name), nil }
func (d *Driver) Publisher(name string) (channel.Publisher, error) {
	return d.queue(name), nil
}

func (d *Driver) Close() error { return nil }

// Len counts messages not yet acknowledged.
func (d *Driver) Len(name string) int {
	q := d.queue(name)
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Peek returns copies of the queued messages, acknowledged ones excluded.
func (d *Driver) Peek(name string) []channel.Message {
	q := d.queue(name)
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]channel.Message, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, e.msg)
	}
	return out
}

func (q *queue) Publish(_ context.Context, m channel.Message) error {
	q.mu.Lock()
	q.entries = append(q.entries, &entry{msg: m, visible: m.NotBefore})
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

func (q *queue) take(max int) []channel.Delivery {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now()
	var out []channel.Delivery
	for _, e := range q.entries {
		if len(out) >= max {
			break
		}
		if e.visible.After(now) {
			continue
		}
		e.handle = q.d.handle()
		e.received = true
		e.visible = now.Add(q.d.cfg.VisibilityTimeout)
		out = append(out, channel.Delivery{Message: e.msg, Queue: q.name, Received: now, Handle: e.handle})
	}
	return out
}

func (q *queue) Receive(ctx context.Context, max int) ([]channel.Delivery, error) {
	if max <= 0 {
		max = 1
	}
	timer := time.NewTimer(q.d.cfg.PollWait)
	defer timer.Stop()
	for {
		if out := q.take(max); len(out) > 0 {
			return out, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-q.wake:
		case <-time.After(q.d.cfg.PollWait / 5):
		}
	}
}

func (q *queue) Ack(_ context.Context, d channel.Delivery) error {
	h, ok := d.Handle.(uint64)
	if !ok {
		return fmt.Errorf("memory-channel: foreign delivery handle %T", d.Handle)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.entries {
		if e.received && e.handle == h {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("memory-channel: delivery %s not in flight", d.ID)
}

func (q *queue) Close() error { return nil }

func init() {
	channel.Register("memory", func() channel.Driver { return &Driver{} })
}
