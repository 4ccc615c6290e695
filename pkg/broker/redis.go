package broker

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/billm/infralink/internal/logger"
	"github.com/billm/infralink/pkg/types"
)

// RedisClient is a session against a Redis server. Lost connections are
// retried with a fixed delay; failures are reported through OnError.
type RedisClient struct {
	opts   *redis.Options
	delay  time.Duration
	logger *logger.Logger

	mu       sync.RWMutex
	client   *redis.Client
	pubsub   *redis.PubSub
	handlers map[string]Handler
	errorFns []ErrorHandler
	healthy  bool
	closed   bool

	closeCh chan struct{}
	wg      sync.WaitGroup
}

// NewRedisClient creates an unconnected client for a redis://, rediss:// or unix:// url
func NewRedisClient(rawURL string, opts Options) (*RedisClient, error) {
	ro, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, types.WrapError(types.ErrCodeInvalidArgument, "invalid redis url", err)
	}

	delay := opts.ReconnectDelay
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}
	// Equal bounds make the backoff a fixed delay
	ro.MinRetryBackoff = delay
	ro.MaxRetryBackoff = delay
	if opts.ConnectTimeout > 0 {
		ro.DialTimeout = opts.ConnectTimeout
	}

	log := opts.Logger
	if log == nil {
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}

	return &RedisClient{
		opts:     ro,
		delay:    delay,
		logger:   log.With("component", "redis_client", "addr", ro.Addr),
		handlers: make(map[string]Handler),
		closeCh:  make(chan struct{}),
	}, nil
}

// Connect dials the server and starts the health loop
func (c *RedisClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return types.NewError(types.ErrCodeUnavailable, "redis client is closed")
	}
	if c.client != nil {
		return nil
	}

	client := redis.NewClient(c.opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return types.ErrTransport("failed to connect to redis", err)
	}
	c.client = client
	c.healthy = true

	c.wg.Add(1)
	go c.healthLoop()

	c.logger.Info("Connected successfully")
	return nil
}

func (c *RedisClient) conn() (*redis.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed || c.client == nil {
		return nil, types.ErrTransport("redis client is not connected", nil)
	}
	return c.client, nil
}

// Publish sends payload to channel
func (c *RedisClient) Publish(ctx context.Context, channel string, payload []byte) error {
	client, err := c.conn()
	if err != nil {
		return err
	}
	if err := client.Publish(ctx, channel, payload).Err(); err != nil {
		return types.ErrTransport("failed to publish to "+channel, err)
	}
	return nil
}

// Subscribe subscribes to channel on the shared PubSub connection
func (c *RedisClient) Subscribe(ctx context.Context, channel string, handler Handler) error {
	client, err := c.conn()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.handlers[channel] = handler

	if c.pubsub == nil {
		ps := client.Subscribe(ctx)
		if err := ps.Subscribe(ctx, channel); err != nil {
			_ = ps.Close()
			delete(c.handlers, channel)
			return types.ErrTransport("failed to subscribe to "+channel, err)
		}
		c.pubsub = ps

		msgs := ps.Channel(redis.WithChannelSize(256))
		c.wg.Add(1)
		go c.receive(msgs)
		return nil
	}

	if err := c.pubsub.Subscribe(ctx, channel); err != nil {
		delete(c.handlers, channel)
		return types.ErrTransport("failed to subscribe to "+channel, err)
	}
	return nil
}

// Unsubscribe unsubscribes from channel
func (c *RedisClient) Unsubscribe(ctx context.Context, channel string) error {
	if _, err := c.conn(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.handlers, channel)
	if c.pubsub == nil {
		return nil
	}
	if err := c.pubsub.Unsubscribe(ctx, channel); err != nil {
		return types.ErrTransport("failed to unsubscribe from "+channel, err)
	}
	return nil
}

// NumSub runs PUBSUB NUMSUB for channel
func (c *RedisClient) NumSub(ctx context.Context, channel string) (int64, error) {
	client, err := c.conn()
	if err != nil {
		return 0, err
	}
	counts, err := client.PubSubNumSub(ctx, channel).Result()
	if err != nil {
		return 0, types.ErrTransport("failed to count subscribers of "+channel, err)
	}
	return counts[channel], nil
}

// OnError registers a transport failure callback
func (c *RedisClient) OnError(fn ErrorHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errorFns = append(c.errorFns, fn)
}

func (c *RedisClient) reportError(err error) {
	c.mu.RLock()
	fns := make([]ErrorHandler, len(c.errorFns))
	copy(fns, c.errorFns)
	c.mu.RUnlock()

	for _, fn := range fns {
		fn(err)
	}
}

// Close stops the loops and closes both connections
func (c *RedisClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ps := c.pubsub
	client := c.client
	c.mu.Unlock()

	close(c.closeCh)

	var firstErr error
	if ps != nil {
		// Closing the PubSub closes the message channel and ends receive
		if err := ps.Close(); err != nil {
			firstErr = err
		}
	}
	c.wg.Wait()

	if client != nil {
		if err := client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return types.ErrTransport("failed to close redis client", firstErr)
	}
	return nil
}

// receive dispatches PubSub messages in arrival order
func (c *RedisClient) receive(msgs <-chan *redis.Message) {
	defer c.wg.Done()

	for msg := range msgs {
		c.mu.RLock()
		handler, ok := c.handlers[msg.Channel]
		c.mu.RUnlock()
		if !ok {
			continue
		}
		handler(msg.Channel, []byte(msg.Payload))
	}
}

// healthLoop pings the server every reconnect delay and reports failures
func (c *RedisClient) healthLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.delay)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.checkHealth()
		case <-c.closeCh:
			return
		}
	}
}

func (c *RedisClient) checkHealth() {
	client, err := c.conn()
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.delay)
	defer cancel()

	pingErr := client.Ping(ctx).Err()

	c.mu.Lock()
	wasHealthy := c.healthy
	c.healthy = pingErr == nil
	c.mu.Unlock()

	switch {
	case pingErr != nil:
		if wasHealthy {
			c.logger.Warn("Connection lost, reconnecting...", "retry_delay", c.delay.String())
		}
		c.reportError(types.ErrTransport("redis ping failed", pingErr))
	case !wasHealthy:
		c.logger.Info("Reconnected")
	}
}
