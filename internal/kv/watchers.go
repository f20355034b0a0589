package kv

import "sync"

type watchers struct {
	mu     sync.Mutex
	nextID int
	fns    map[int]func(Change)
}

func (w *watchers) add(fn func(Change)) func() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fns == nil {
		w.fns = make(map[int]func(Change))
	}
	id := w.nextID
	w.nextID++
	w.fns[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			w.mu.Lock()
			delete(w.fns, id)
			w.mu.Unlock()
		})
	}
}

func (w *watchers) snapshot() []func(Change) {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]func(Change), 0, len(w.fns))
	for _, fn := range w.fns {
		out = append(out, fn)
	}
	return out
}

func (w *watchers) notify(c Change) {
	for _, fn := range w.snapshot() {
		fn(c)
	}
}
