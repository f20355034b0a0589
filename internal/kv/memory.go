package kv

import "sync"

// Memory is a process-local backing store shared by several views. A
// change made through one view is reported synchronously to watchers of
// every other view, never to the writer's own.
type Memory struct {
	mu    sync.Mutex
	data  map[string]string
	views []*memoryView
}

// NewMemory creates an empty Memory.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]string)}
}

// View returns a new Store backed by m.
func (m *Memory) View() Store {
	v := &memoryView{mem: m}
	m.mu.Lock()
	m.views = append(m.views, v)
	m.mu.Unlock()
	return v
}

// Peek reads a key without going through a view.
func (m *Memory) Peek(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok
}

func (m *Memory) write(from *memoryView, c Change) {
	m.mu.Lock()
	if c.Removed {
		delete(m.data, c.Key)
	} else {
		m.data[c.Key] = c.Value
	}
	others := make([]*memoryView, 0, len(m.views))
	for _, v := range m.views {
		if v != from {
			others = append(others, v)
		}
	}
	m.mu.Unlock()

	for _, v := range others {
		v.watchers.notify(c)
	}
}

type memoryView struct {
	mem      *Memory
	watchers watchers
}

func (v *memoryView) Get(key string) (string, bool, error) {
	value, ok := v.mem.Peek(key)
	return value, ok, nil
}

func (v *memoryView) Set(key, value string) error {
	v.mem.write(v, Change{Key: key, Value: value})
	return nil
}

func (v *memoryView) Remove(key string) error {
	v.mem.write(v, Change{Key: key, Removed: true})
	return nil
}

func (v *memoryView) Watch(fn func(Change)) func() {
	return v.watchers.add(fn)
}
