package bus

import "sync"

// Hub is the native in-process broadcast primitive. Each tab opens its own
// port; a post on one port is delivered synchronously to the subscribers of
// every other open port.
type Hub struct {
	mu    sync.Mutex
	ports map[*port]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{ports: make(map[*port]struct{})}
}

// Open attaches a new port to the hub.
func (h *Hub) Open() Transport {
	p := &port{hub: h, subs: make(map[int]func(Message))}
	h.mu.Lock()
	h.ports[p] = struct{}{}
	h.mu.Unlock()
	return p
}

func (h *Hub) peers(from *port) []*port {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*port, 0, len(h.ports))
	for p := range h.ports {
		if p != from {
			out = append(out, p)
		}
	}
	return out
}

type port struct {
	hub *Hub

	mu     sync.Mutex
	closed bool
	nextID int
	subs   map[int]func(Message)
}

func (p *port) Post(msg Message) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrClosed
	}
	for _, peer := range p.hub.peers(p) {
		peer.deliver(msg)
	}
	return nil
}

func (p *port) deliver(msg Message) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	fns := make([]func(Message), 0, len(p.subs))
	for _, fn := range p.subs {
		fns = append(fns, fn)
	}
	p.mu.Unlock()

	for _, fn := range fns {
		fn(msg)
	}
}

func (p *port) Subscribe(fn func(Message)) func() {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.subs[id] = fn
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.subs, id)
		p.mu.Unlock()
	}
}

func (p *port) Close() error {
	p.mu.Lock()
	p.closed = true
	p.subs = make(map[int]func(Message))
	p.mu.Unlock()

	p.hub.mu.Lock()
	delete(p.hub.ports, p)
	p.hub.mu.Unlock()
	return nil
}
