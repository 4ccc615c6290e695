package broker

import (
	"context"
	"sync"

	"github.com/billm/infralink/pkg/types"
)

// Hub is a process-local broker. Clients created from the same hub see each
// other's publications; NumSub counts subscribed clients.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[*MemoryClient]struct{}
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*MemoryClient]struct{})}
}

var (
	hubsMu sync.Mutex
	hubs   = make(map[string]*Hub)
)

// LookupHub returns the named hub used by memory:// urls, creating it on first use
func LookupHub(name string) *Hub {
	hubsMu.Lock()
	defer hubsMu.Unlock()

	h, ok := hubs[name]
	if !ok {
		h = NewHub()
		hubs[name] = h
	}
	return h
}

// NewClient creates an unconnected client on the hub
func (h *Hub) NewClient() *MemoryClient {
	return &MemoryClient{
		hub:      h,
		handlers: make(map[string]Handler),
		queue:    make(chan delivery, 256),
		closeCh:  make(chan struct{}),
	}
}

func (h *Hub) subscribe(channel string, c *MemoryClient) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.subs[channel] == nil {
		h.subs[channel] = make(map[*MemoryClient]struct{})
	}
	h.subs[channel][c] = struct{}{}
}

func (h *Hub) unsubscribe(channel string, c *MemoryClient) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if set, ok := h.subs[channel]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.subs, channel)
		}
	}
}

func (h *Hub) subscribers(channel string) []*MemoryClient {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]*MemoryClient, 0, len(h.subs[channel]))
	for c := range h.subs[channel] {
		out = append(out, c)
	}
	return out
}

// NumSub returns the number of clients subscribed to channel
func (h *Hub) NumSub(channel string) int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return int64(len(h.subs[channel]))
}

type delivery struct {
	channel string
	payload []byte
}

// MemoryClient is a session on a Hub. Deliveries run on one goroutine per
// client, in publish order.
type MemoryClient struct {
	hub *Hub

	mu        sync.RWMutex
	handlers  map[string]Handler
	errorFns  []ErrorHandler
	connected bool
	closed    bool

	queue   chan delivery
	closeCh chan struct{}
	wg      sync.WaitGroup
}

// Connect starts the delivery loop
func (c *MemoryClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return types.NewError(types.ErrCodeUnavailable, "memory client is closed")
	}
	if c.connected {
		return nil
	}
	c.connected = true

	c.wg.Add(1)
	go c.deliver()
	return nil
}

func (c *MemoryClient) ready() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed || !c.connected {
		return types.ErrTransport("memory client is not connected", nil)
	}
	return nil
}

// Publish enqueues payload for every subscriber of channel
func (c *MemoryClient) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := c.ready(); err != nil {
		return err
	}

	for _, sub := range c.hub.subscribers(channel) {
		d := delivery{channel: channel, payload: append([]byte(nil), payload...)}
		if err := sub.enqueue(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

func (c *MemoryClient) enqueue(ctx context.Context, d delivery) error {
	select {
	case c.queue <- d:
		return nil
	case <-c.closeCh:
		// Subscriber went away; drop like a real broker would
		return nil
	case <-ctx.Done():
		return types.WrapError(types.ErrCodeCanceled, "publish canceled", ctx.Err())
	}
}

// Subscribe registers handler for channel
func (c *MemoryClient) Subscribe(ctx context.Context, channel string, handler Handler) error {
	if err := c.ready(); err != nil {
		return err
	}

	c.mu.Lock()
	c.handlers[channel] = handler
	c.mu.Unlock()

	c.hub.subscribe(channel, c)
	return nil
}

// Unsubscribe removes the subscription to channel
func (c *MemoryClient) Unsubscribe(ctx context.Context, channel string) error {
	if err := c.ready(); err != nil {
		return err
	}

	c.hub.unsubscribe(channel, c)

	c.mu.Lock()
	delete(c.handlers, channel)
	c.mu.Unlock()
	return nil
}

// NumSub returns the number of hub clients subscribed to channel
func (c *MemoryClient) NumSub(ctx context.Context, channel string) (int64, error) {
	if err := c.ready(); err != nil {
		return 0, err
	}
	return c.hub.NumSub(channel), nil
}

// OnError registers a transport failure callback
func (c *MemoryClient) OnError(fn ErrorHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errorFns = append(c.errorFns, fn)
}

// Fail reports err to the error callbacks as a transport failure.
// The client stays usable.
func (c *MemoryClient) Fail(err error) {
	c.mu.RLock()
	fns := make([]ErrorHandler, len(c.errorFns))
	copy(fns, c.errorFns)
	c.mu.RUnlock()

	for _, fn := range fns {
		fn(err)
	}
}

// Close removes every subscription and stops the delivery loop
func (c *MemoryClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	channels := make([]string, 0, len(c.handlers))
	for ch := range c.handlers {
		channels = append(channels, ch)
	}
	c.handlers = make(map[string]Handler)
	c.mu.Unlock()

	for _, ch := range channels {
		c.hub.unsubscribe(ch, c)
	}

	close(c.closeCh)
	c.wg.Wait()
	return nil
}

// deliver runs handlers in arrival order
func (c *MemoryClient) deliver() {
	defer c.wg.Done()

	for {
		select {
		case d := <-c.queue:
			c.mu.RLock()
			handler, ok := c.handlers[d.channel]
			c.mu.RUnlock()
			if ok {
				handler(d.channel, d.payload)
			}
		case <-c.closeCh:
			return
		}
	}
}
