package checkpoint

import (
	"context"
	"sync"

	"logferry/internal/task"
)

// Memory keeps checkpoints in process. It only coordinates workers of a
// single process.
type Memory struct {
	mu  sync.Mutex
	cps map[string]task.Checkpoint
}

func NewMemory() *Memory { return &Memory{cps: make(map[string]task.Checkpoint)} }

func (m *Memory) Load(_ context.Context, id string) (task.Checkpoint, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.cps[id]
	if ok {
		cp.Task.History = append([]task.AttemptEntry(nil), cp.Task.History...)
	}
	return cp, ok, nil
}

func (m *Memory) Save(_ context.Context, id string, cp task.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if stored, ok := m.cps[id]; ok && !newer(stored, cp) {
		return nil
	}
	cp.Task.History = append([]task.AttemptEntry(nil), cp.Task.History...)
	m.cps[id] = cp
	return nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.cps, id)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Close() error { return nil }

// Len is used by tests and the admin health report.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cps)
}
