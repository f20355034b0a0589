package bus

import (
	"log/slog"
	"sync"
)

// Bus is one tab's endpoint on a Transport.
type Bus struct {
	tabID     string
	transport Transport
	logger    *slog.Logger

	mu       sync.Mutex
	nextID   int
	handlers map[int]func(Message)
	cancel   func()
}

// New attaches a bus for tabID to the transport.
func New(tabID string, transport Transport, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		tabID:     tabID,
		transport: transport,
		logger:    logger,
		handlers:  make(map[int]func(Message)),
	}
	b.cancel = transport.Subscribe(b.dispatch)
	return b
}

// TabID returns the identity messages are stamped with.
func (b *Bus) TabID() string {
	return b.tabID
}

// Send broadcasts msg to other tabs. Failures are logged, not returned.
func (b *Bus) Send(msg Message) {
	msg.From = b.tabID
	if err := b.transport.Post(msg); err != nil {
		b.logger.Debug("bus send failed", "tab_id", b.tabID, "type", msg.Type, "error", err)
	}
}

// Handle registers fn for every message from another tab.
func (b *Bus) Handle(fn func(Message)) (cancel func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}
}

func (b *Bus) dispatch(msg Message) {
	if msg.From == b.tabID {
		return
	}
	b.mu.Lock()
	fns := make([]func(Message), 0, len(b.handlers))
	for _, fn := range b.handlers {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(msg)
	}
}

// Close detaches from the transport and closes it.
func (b *Bus) Close() error {
	b.cancel()
	return b.transport.Close()
}
