package budget

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Signal is polled by the pipeline between records.
type Signal interface {
	Low() bool
}

// Guard watches a wall-clock deadline and reports when the remaining time
// drops to the safety margin. A zero deadline never runs low.
type Guard struct {
	deadline time.Time
	margin   time.Duration
	clock    backoff.Clock
}

func New(deadline time.Time, margin time.Duration, clock backoff.Clock) *Guard {
	if clock == nil {
		clock = backoff.SystemClock
	}
	return &Guard{deadline: deadline, margin: margin, clock: clock}
}

// FromContext uses the context deadline when present, otherwise now+budget.
// A zero budget without a context deadline is unlimited.
func FromContext(ctx context.Context, budget, margin time.Duration, clock backoff.Clock) *Guard {
	if clock == nil {
		clock = backoff.SystemClock
	}
	deadline, ok := ctx.Deadline()
	if b := clock.Now().Add(budget); budget > 0 && (!ok || b.Before(deadline)) {
		deadline, ok = b, true
	}
	if !ok {
		deadline = time.Time{}
	}
	return New(deadline, margin, clock)
}

func (g *Guard) Deadline() time.Time { return g.deadline }

func (g *Guard) Remaining() time.Duration {
	if g.deadline.IsZero() {
		return time.Duration(1<<63 - 1)
	}
	return g.deadline.Sub(g.clock.Now())
}

func (g *Guard) Low() bool {
	if g.deadline.IsZero() {
		return false
	}
	return g.Remaining() <= g.margin
}

// After is a Signal that runs low on the poll following the first n. The
// pipeline polls once before opening an object and then every check_every
// records, so with check_every 1 After(n) forces a checkpoint after record n
// and After(0) before anything is fetched.
type After struct {
	n     int
	polls int
}

func NewAfter(n int) *After { return &After{n: n} }

func (a *After) Low() bool {
	a.polls++
	return a.polls > a.n
}

// Never is a Signal that never runs low.
type Never struct{}

func (Never) Low() bool { return false }
