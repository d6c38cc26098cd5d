package kafka

import (
	"sync/atomic"
	"time"
)

/* ───────────────────────── contiguous tracker ───────────────────────────── */

type node[T any] struct {
	pos        int64
	payload    T
	prev, next *node[T]
}

// Tracker tracks payloads in arrival order and reports the highest one
// below which everything has been resolved. Not safe for concurrent use.
type Tracker[T any] struct {
	donePos    int64
	donePay    *T
	start, end *node[T]
}

func NewTracker[T any]() *Tracker[T] { return &Tracker[T]{} }

// Track appends p. The returned func resolves it and yields the highest
// contiguous resolved payload, or nil while the first one is pending.
func (t *Tracker[T]) Track(p T, size int64) func() *T {
	n := &node[T]{payload: p, pos: size}
	if t.start == nil {
		t.start = n
	}
	if t.end != nil {
		n.prev = t.end
		n.pos += t.end.pos
		t.end.next = n
	} else {
		n.pos += t.donePos
	}
	t.end = n
	return func() *T {
		if n.prev != nil {
			// fold into the predecessor; it becomes resolvable up to n
			n.prev.pos = n.pos
			n.prev.payload = n.payload
			n.prev.next = n.next
		} else {
			tmp := n.payload
			t.donePay, t.donePos = &tmp, n.pos
			t.start = n.next
		}
		if n.next != nil {
			n.next.prev = n.prev
		} else {
			t.end = n.prev
		}
		return t.donePay
	}
}

func (t *Tracker[T]) Pending() int64 {
	if t.end == nil {
		return 0
	}
	return t.end.pos - t.donePos
}

func (t *Tracker[T]) Highest() *T { return t.donePay }

/* ───────────────────────── Manager (commit helper) ────────────────────── */

// Manager decides *when* a receiver should flush marked offsets.
type Manager struct {
	commitEveryNS int64
	lastCommitNS  int64
	now           func() time.Time
}

func NewManager(commitEvery time.Duration) *Manager {
	return &Manager{commitEveryNS: commitEvery.Nanoseconds(), now: time.Now}
}

// Due reports whether a commit should happen now and, if so, records it.
func (m *Manager) Due() bool {
	now := m.now().UnixNano()
	last := atomic.LoadInt64(&m.lastCommitNS)
	if last+m.commitEveryNS > now {
		return false
	}
	return atomic.CompareAndSwapInt64(&m.lastCommitNS, last, now)
}
