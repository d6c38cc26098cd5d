// logferry/sink/stdout/driver.go
package stdout

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"logferry/sink"
)

/* ────────── public config ────────── */
type Config struct {
	DelayMS      int  `koanf:"delay_ms"`      // artificial per-batch delay
	PrintCounter bool `koanf:"print_counter"` // prepend seq#

	Out io.Writer `koanf:"-"` // defaults to os.Stdout
}

/* ────────── driver ────────── */
type driver struct {
	cfg Config

	mu  sync.Mutex // guards enc
	enc *json.Encoder
}

var seq uint64

/* ────────── sink.Adapter ────────── */
func (d *driver) Configure(raw any) error {
	c, ok := raw.(Config)
	if !ok {
		return fmt.Errorf("stdout-sink: expected Config, got %T", raw)
	}
	if c.Out == nil {
		c.Out = os.Stdout
	}
	d.cfg = c
	d.enc = json.NewEncoder(c.Out)
	return nil
}

func (d *driver) Write(ctx context.Context, b sink.Batch) error {
	if d.cfg.DelayMS > 0 {
		select {
		case <-time.After(time.Duration(d.cfg.DelayMS) * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, r := range b.Records {
		if d.cfg.PrintCounter {
			fmt.Fprintf(d.cfg.Out, "[sink %06d] %s#%d ",
				atomic.AddUint64(&seq, 1), b.Object.ID(), r.Seq)
		}
		if err := d.enc.Encode(r.Fields); err != nil {
			return fmt.Errorf("stdout-sink: record %d: %w", r.Seq, err)
		}
	}
	return nil
}

func (d *driver) Close() error { return nil }

/* ────────── auto-register ────────── */
func init() {
	sink.Register("stdout", func() sink.Adapter { return &driver{} })
}
