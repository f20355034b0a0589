package bus

import (
	"errors"
	"log/slog"

	"github.com/ganot/tabsync/internal/clock"
	"github.com/ganot/tabsync/internal/kv"
)

// ErrClosed is returned when posting on a closed transport.
var ErrClosed = errors.New("transport closed")

// Transport carries messages between tabs. Post never delivers to the
// transport's own subscribers.
type Transport interface {
	Post(msg Message) error
	Subscribe(fn func(Message)) (cancel func())
	Close() error
}

// Open picks the best available transport: the native hub when present,
// otherwise the shared key-value store, otherwise an isolated transport
// that delivers nothing.
func Open(hub *Hub, store kv.Store, clk clock.Clock, logger *slog.Logger) Transport {
	if logger == nil {
		logger = slog.Default()
	}
	if hub != nil {
		return hub.Open()
	}
	if store != nil {
		_, _, err := store.Get(StoragePrefix)
		if err == nil {
			return NewStorageTransport(store, clk, logger)
		}
		logger.Warn("storage transport unavailable, running isolated", "error", err)
	}
	return Isolated()
}

// Isolated returns a transport with no peers.
func Isolated() Transport {
	return isolated{}
}

type isolated struct{}

func (isolated) Post(Message) error             { return nil }
func (isolated) Subscribe(func(Message)) func() { return func() {} }
func (isolated) Close() error                   { return nil }
