// Package channel is the message-queue contract shared by the notification,
// continuation, replay and dead-letter queues.
package channel

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// Message is what producers hand to a Publisher.
type Message struct {
	ID   string
	Key  string
	Body []byte
	// NotBefore delays delivery where the driver supports it.
	NotBefore time.Time
}

// Delivery is a received message plus the driver's receipt.
type Delivery struct {
	Message
	Queue    string
	Received time.Time
	// Handle is driver specific and passed back on Ack.
	Handle any
}

type Receiver interface {
	// Receive blocks until at least one message is available, the driver's
	// poll wait expires or ctx is done. It returns at most max deliveries.
	Receive(ctx context.Context, max int) ([]Delivery, error)
	// Ack removes the delivery from the queue. Unacked deliveries come back.
	Ack(ctx context.Context, d Delivery) error
	Close() error
}

type Publisher interface {
	Publish(ctx context.Context, m Message) error
	Close() error
}

// Driver connects to one messaging system and opens queues on it.
type Driver interface {
	Configure(any) error
	Receiver(queue string) (Receiver, error)
	Publisher(queue string) (Publisher, error)
	Close() error
}

/*──────── registry ───────*/

type Factory func() Driver

var registry = map[string]Factory{}

// Register is called from each driver's init().
func Register(name string, f Factory) { registry[name] = f }

// NewDriver returns a driver by name ("kafka", "sqs", "memory").
func NewDriver(name string) (Driver, error) {
	if f, ok := registry[name]; ok {
		return f(), nil
	}
	return nil, fmt.Errorf("channel: unsupported driver %q", name)
}

// Drivers lists the registered driver names.
func Drivers() []string {
	out := make([]string, 0, len(registry))
	for n := range registry {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
