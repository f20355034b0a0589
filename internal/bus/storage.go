package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/ganot/tabsync/internal/clock"
	"github.com/ganot/tabsync/internal/kv"
)

// StoragePrefix starts every key the storage transport writes. Each post
// gets its own key, StoragePrefix + "<instance>:<seq>", so concurrent
// senders never overwrite each other's envelopes.
const StoragePrefix = "tabsync:bus:"

const (
	seenTTL = time.Minute
	// postTTL is how long a posted envelope stays in the store before its
	// sender removes it.
	postTTL = 10 * time.Second
)

// StorageTransport encodes messages into the shared key-value store and
// relies on its change notifications. Every envelope carries the sender's
// instance id and a per-sender increasing sequence number, so receivers can
// drop their own writes and duplicates.
type StorageTransport struct {
	store    kv.Store
	logger   *slog.Logger
	instance string
	seq      atomic.Int64
	seen     *ttlcache.Cache[string, struct{}]
	posted   *ttlcache.Cache[string, struct{}]

	mu      sync.Mutex
	closed  bool
	nextID  int
	subs    map[int]func(Message)
	unwatch func()
}

// NewStorageTransport subscribes to store changes and returns the transport.
func NewStorageTransport(store kv.Store, clk clock.Clock, logger *slog.Logger) *StorageTransport {
	if logger == nil {
		logger = slog.Default()
	}
	t := &StorageTransport{
		store:    store,
		logger:   logger,
		instance: uuid.NewString(),
		seen: ttlcache.New[string, struct{}](
			ttlcache.WithTTL[string, struct{}](seenTTL),
			ttlcache.WithDisableTouchOnHit[string, struct{}](),
			ttlcache.WithCapacity[string, struct{}](4096),
		),
		posted: ttlcache.New[string, struct{}](
			ttlcache.WithTTL[string, struct{}](postTTL),
			ttlcache.WithDisableTouchOnHit[string, struct{}](),
		),
		subs: make(map[int]func(Message)),
	}
	t.posted.OnEviction(func(_ context.Context, _ ttlcache.EvictionReason, item *ttlcache.Item[string, struct{}]) {
		if err := t.store.Remove(item.Key()); err != nil {
			t.logger.Debug("removing expired bus envelope", "key", item.Key(), "error", err)
		}
	})
	t.seq.Store(clk.Now().UnixMilli())
	go t.seen.Start()
	go t.posted.Start()
	t.unwatch = store.Watch(t.onChange)
	return t
}

func (t *StorageTransport) Post(msg Message) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	id := t.seq.Add(1)
	envelope, err := sjson.SetBytes(nil, "id", id)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}
	if envelope, err = sjson.SetBytes(envelope, "from", t.instance); err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}
	if envelope, err = sjson.SetRawBytes(envelope, "msg", raw); err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}
	key := fmt.Sprintf("%s%s:%d", StoragePrefix, t.instance, id)
	if err := t.store.Set(key, string(envelope)); err != nil {
		return fmt.Errorf("posting message: %w", err)
	}
	t.posted.Set(key, struct{}{}, ttlcache.DefaultTTL)
	return nil
}

func (t *StorageTransport) onChange(c kv.Change) {
	if c.Removed || !strings.HasPrefix(c.Key, StoragePrefix) {
		return
	}
	from := gjson.Get(c.Value, "from").String()
	id := gjson.Get(c.Value, "id").Int()
	if from == "" || from == t.instance {
		return
	}
	key := fmt.Sprintf("%s/%d", from, id)
	if t.seen.Get(key) != nil {
		return
	}
	t.seen.Set(key, struct{}{}, ttlcache.DefaultTTL)

	var msg Message
	if err := json.Unmarshal([]byte(gjson.Get(c.Value, "msg").Raw), &msg); err != nil {
		t.logger.Debug("dropping malformed bus envelope", "error", err)
		return
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	fns := make([]func(Message), 0, len(t.subs))
	for _, fn := range t.subs {
		fns = append(fns, fn)
	}
	t.mu.Unlock()

	for _, fn := range fns {
		fn(msg)
	}
}

func (t *StorageTransport) Subscribe(fn func(Message)) func() {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.subs[id] = fn
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.subs, id)
		t.mu.Unlock()
	}
}

func (t *StorageTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.subs = make(map[int]func(Message))
	t.mu.Unlock()

	t.unwatch()
	t.seen.Stop()
	t.posted.Stop()
	for _, key := range t.posted.Keys() {
		if err := t.store.Remove(key); err != nil {
			t.logger.Debug("removing bus envelope", "key", key, "error", err)
		}
	}
	return nil
}
