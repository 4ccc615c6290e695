package broker

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/billm/infralink/internal/logger"
	"github.com/billm/infralink/pkg/types"
)

// DefaultReconnectDelay is the fixed delay between reconnect attempts
const DefaultReconnectDelay = 1400 * time.Millisecond

// Handler receives the raw payload of a message published on channel
type Handler func(channel string, payload []byte)

// ErrorHandler receives transport failures. They are reported, never returned
// synchronously from the operation that is merely waiting on the transport.
type ErrorHandler func(err error)

// Client is one session against a publish/subscribe broker
type Client interface {
	// Connect opens the session
	Connect(ctx context.Context) error
	// Publish sends payload to every current subscriber of channel
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe starts delivering messages on channel to handler,
	// replacing any previous handler for the same channel
	Subscribe(ctx context.Context, channel string, handler Handler) error
	// Unsubscribe stops delivery for channel
	Unsubscribe(ctx context.Context, channel string) error
	// NumSub returns the number of active subscribers of channel across the broker
	NumSub(ctx context.Context, channel string) (int64, error)
	// OnError registers a transport failure callback
	OnError(fn ErrorHandler)
	// Close ends the session
	Close() error
}

// Options configures broker clients
type Options struct {
	// ReconnectDelay is the fixed delay between reconnect attempts
	ReconnectDelay time.Duration
	// ConnectTimeout bounds the initial dial
	ConnectTimeout time.Duration
	// Libp2p configures p2p:// sessions
	Libp2p Libp2pOptions
	// Libp2pNode is the host shared by p2p:// clients; nil gives the client
	// a node of its own
	Libp2pNode *Libp2pNode
	// Logger is used by the client; nil creates a default logger
	Logger *logger.Logger
}

// NewClient creates an unconnected client for rawURL, chosen by scheme:
//
//	redis://, rediss://, unix://  Redis server
//	memory://<hub>                 process-local hub
//	p2p://<rendezvous>             libp2p gossipsub
func NewClient(rawURL string, opts Options) (Client, error) {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.Logger == nil {
		log, err := logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
		opts.Logger = log
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, types.WrapError(types.ErrCodeInvalidArgument, "invalid broker url", err)
	}

	switch strings.ToLower(u.Scheme) {
	case "redis", "rediss", "unix":
		return NewRedisClient(rawURL, opts)
	case "memory":
		name := u.Host
		if name == "" {
			name = strings.TrimPrefix(u.Opaque, "//")
		}
		return LookupHub(name).NewClient(), nil
	case "p2p":
		lo := opts.Libp2p
		if lo.Rendezvous == "" {
			lo.Rendezvous = u.Host
		}
		opts.Libp2p = lo
		return NewLibp2pClient(opts), nil
	default:
		return nil, types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("unsupported broker url scheme: %q", u.Scheme))
	}
}
