package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"

	"logferry/internal/task"
)

// Batch is a bounded group of records from one object, shipped as a unit.
type Batch struct {
	Object    task.ObjectRef
	EventTime time.Time
	Records   []task.Record
}

// Bytes is the encoded source size of the batch.
func (b Batch) Bytes() int {
	n := 0
	for _, r := range b.Records {
		n += r.Size
	}
	return n
}

// DocumentID is stable per (object identity, seq).
func DocumentID(obj task.ObjectRef, seq int64) string {
	return fmt.Sprintf("%016x-%d", xxhash.Sum64String(obj.ID()), seq)
}

// Adapter is the common behaviour every sink exposes.
//
// Write returns nil only when every record was accepted. Errors carry a
// failure classification; unclassified errors are treated as transient.
type Adapter interface {
	Configure(any) error // driver-specific config struct
	Write(ctx context.Context, b Batch) error
	Close() error // idempotent
}

/*──────── registry ───────*/

type factory = func() Adapter

var reg = map[string]factory{}

func Register(name string, f factory) { reg[name] = f }

func NewAdapter(name string) (Adapter, error) {
	if f, ok := reg[name]; ok {
		return f(), nil
	}
	return nil, fmt.Errorf("unknown sink %q", name)
}
