package broker

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	mdns "github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/billm/infralink/internal/logger"
	"github.com/billm/infralink/pkg/types"
)

// Libp2pOptions configures p2p:// sessions
type Libp2pOptions struct {
	ListenAddrs     []string `json:"listen_addrs" yaml:"listen_addrs"`
	Bootstrap       []string `json:"bootstrap" yaml:"bootstrap"`
	Rendezvous      string   `json:"rendezvous" yaml:"rendezvous"`
	EnableMDNS      bool     `json:"enable_mdns" yaml:"enable_mdns"`
	IdentityKeyFile string   `json:"identity_key_file" yaml:"identity_key_file"`
}

// Libp2pNode is one libp2p host with its gossipsub router. Clients attached
// to the same node share its peer identity, joined topics and mesh. The host
// starts with the first client's Connect and stops with the last Close.
type Libp2pNode struct {
	mu     sync.Mutex
	refs   int
	logger *logger.Logger
	host   host.Host
	ps     *pubsub.PubSub
	ctx    context.Context
	cancel context.CancelFunc
	topics map[string]*pubsub.Topic
	// local counts this node's own subscriptions per channel
	local map[string]int
}

// NewLibp2pNode creates a node that is started by its first client
func NewLibp2pNode() *Libp2pNode {
	return &Libp2pNode{}
}

// acquire takes a reference, starting the host on the first one
func (n *Libp2pNode) acquire(ctx context.Context, opts Libp2pOptions, log *logger.Logger) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.host != nil {
		n.refs++
		return nil
	}

	listenAddrs := make([]ma.Multiaddr, 0, len(opts.ListenAddrs))
	for _, s := range opts.ListenAddrs {
		if s == "" {
			continue
		}
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument, fmt.Sprintf("invalid listen multiaddr %q", s), err)
		}
		listenAddrs = append(listenAddrs, a)
	}
	if len(listenAddrs) == 0 {
		a, _ := ma.NewMultiaddr("/ip4/0.0.0.0/tcp/0")
		listenAddrs = append(listenAddrs, a)
	}

	hostOpts := []libp2p.Option{libp2p.ListenAddrs(listenAddrs...)}
	if opts.IdentityKeyFile != "" {
		key, err := loadOrCreateIdentityKey(opts.IdentityKeyFile)
		if err != nil {
			return types.WrapError(types.ErrCodeInternal, "failed to load identity key", err)
		}
		hostOpts = append(hostOpts, libp2p.Identity(key))
	}

	h, err := libp2p.New(hostOpts...)
	if err != nil {
		return types.ErrTransport("failed to create libp2p host", err)
	}

	// The node outlives the connect context
	nodeCtx, cancel := context.WithCancel(context.Background())
	ps, err := pubsub.NewGossipSub(nodeCtx, h)
	if err != nil {
		cancel()
		_ = h.Close()
		return types.ErrTransport("failed to create gossipsub", err)
	}

	n.logger = log.With("peer_id", h.ID().String())
	n.ctx = nodeCtx
	n.cancel = cancel
	n.host = h
	n.ps = ps
	n.topics = make(map[string]*pubsub.Topic)
	n.local = make(map[string]int)
	n.refs = 1

	if opts.EnableMDNS {
		service := mdns.NewMdnsService(h, opts.Rendezvous, &mdnsNotifee{node: n})
		if err := service.Start(); err != nil {
			n.logger.Warn("mDNS start failed", "error", err)
		}
	}

	for _, raw := range opts.Bootstrap {
		if raw == "" {
			continue
		}
		addr, err := ma.NewMultiaddr(raw)
		if err != nil {
			n.logger.Warn("Skipping bootstrap address", "addr", raw, "error", err)
			continue
		}
		info, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			n.logger.Warn("Skipping bootstrap address", "addr", raw, "error", err)
			continue
		}
		if err := h.Connect(ctx, *info); err != nil {
			n.logger.Warn("Bootstrap connect failed", "peer", info.ID.String(), "error", err)
			continue
		}
		n.logger.Info("Connected bootstrap peer", "peer", info.ID.String())
	}

	n.logger.Info("Libp2p node started", "addrs", len(h.Addrs()))
	return nil
}

// release drops a reference and stops the host with the last one
func (n *Libp2pNode) release() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.host == nil {
		return nil
	}
	n.refs--
	if n.refs > 0 {
		return nil
	}

	for ch, t := range n.topics {
		_ = t.Close()
		delete(n.topics, ch)
	}
	n.cancel()
	err := n.host.Close()
	n.host = nil
	n.ps = nil
	n.local = nil
	n.logger.Info("Libp2p node stopped")
	if err != nil {
		return types.ErrTransport("failed to close libp2p host", err)
	}
	return nil
}

// topic returns the joined topic for channel and the node's lifetime context
func (n *Libp2pNode) topic(channel string) (*pubsub.Topic, context.Context, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.ps == nil {
		return nil, nil, types.ErrTransport("libp2p node is not running", nil)
	}
	if t, ok := n.topics[channel]; ok {
		return t, n.ctx, nil
	}
	t, err := n.ps.Join(channel)
	if err != nil {
		return nil, nil, types.ErrTransport("failed to join topic "+channel, err)
	}
	n.topics[channel] = t
	return t, n.ctx, nil
}

func (n *Libp2pNode) addLocal(channel string, delta int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.local == nil {
		return
	}
	n.local[channel] += delta
	if n.local[channel] <= 0 {
		delete(n.local, channel)
	}
}

// numSub counts remote peers known to be subscribed to channel plus this
// node's own subscriptions
func (n *Libp2pNode) numSub(channel string) (int64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.ps == nil {
		return 0, types.ErrTransport("libp2p node is not running", nil)
	}
	return int64(len(n.ps.ListPeers(channel)) + n.local[channel]), nil
}

// PeerID returns the host's peer id, or "" while the node is stopped
func (n *Libp2pNode) PeerID() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.host == nil {
		return ""
	}
	return n.host.ID().String()
}

// Addrs returns the host's dialable addresses including the /p2p/ component
func (n *Libp2pNode) Addrs() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.host == nil {
		return nil
	}
	addrs := make([]string, 0, len(n.host.Addrs()))
	for _, a := range n.host.Addrs() {
		addrs = append(addrs, fmt.Sprintf("%s/p2p/%s", a, n.host.ID()))
	}
	return addrs
}

// Libp2pClient is one session over a Libp2pNode. Channels are gossipsub
// topics. Subscriber counts come from the topic's known peers, so duplicate
// detection only sees peers the node is already connected to.
type Libp2pClient struct {
	opts   Libp2pOptions
	logger *logger.Logger
	node   *Libp2pNode

	mu        sync.Mutex
	connected bool
	subs      map[string]*libp2pSubscription
	errorFns  []ErrorHandler
}

type libp2pSubscription struct {
	sub    *pubsub.Subscription
	cancel context.CancelFunc
}

// NewLibp2pClient creates an unconnected libp2p client on opts.Libp2pNode,
// or on a node of its own when that is nil
func NewLibp2pClient(opts Options) *Libp2pClient {
	log := opts.Logger
	if log == nil {
		log = logger.Global()
	}
	node := opts.Libp2pNode
	if node == nil {
		node = NewLibp2pNode()
	}
	return &Libp2pClient{
		opts:   opts.Libp2p,
		logger: log.With("component", "libp2p_client", "rendezvous", opts.Libp2p.Rendezvous),
		node:   node,
		subs:   make(map[string]*libp2pSubscription),
	}
}

// Node returns the node this client runs on
func (c *Libp2pClient) Node() *Libp2pNode { return c.node }

// Connect attaches to the node, starting its host if needed
func (c *Libp2pClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}
	if err := c.node.acquire(ctx, c.opts, c.logger); err != nil {
		return err
	}
	c.connected = true
	c.logger.Info("Connected successfully", "peer_id", c.node.PeerID())
	return nil
}

func (c *Libp2pClient) checkConnected() error {
	if !c.connected {
		return types.ErrTransport("libp2p client is not connected", nil)
	}
	return nil
}

// Publish publishes payload on the channel's topic
func (c *Libp2pClient) Publish(ctx context.Context, channel string, payload []byte) error {
	c.mu.Lock()
	err := c.checkConnected()
	c.mu.Unlock()
	if err != nil {
		return err
	}

	t, _, err := c.node.topic(channel)
	if err != nil {
		return err
	}
	if err := t.Publish(ctx, payload); err != nil {
		return types.ErrTransport("failed to publish to "+channel, err)
	}
	return nil
}

// Subscribe subscribes to the channel's topic
func (c *Libp2pClient) Subscribe(ctx context.Context, channel string, handler Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkConnected(); err != nil {
		return err
	}
	c.cancelLocked(channel)

	t, nodeCtx, err := c.node.topic(channel)
	if err != nil {
		return err
	}
	sub, err := t.Subscribe()
	if err != nil {
		return types.ErrTransport("failed to subscribe to "+channel, err)
	}

	subCtx, cancel := context.WithCancel(nodeCtx)
	c.subs[channel] = &libp2pSubscription{sub: sub, cancel: cancel}
	c.node.addLocal(channel, 1)

	go func() {
		for {
			msg, err := sub.Next(subCtx)
			if err != nil {
				if subCtx.Err() == nil {
					c.reportError(types.ErrTransport("subscription to "+channel+" ended", err))
				}
				return
			}
			handler(channel, append([]byte(nil), msg.Data...))
		}
	}()
	return nil
}

// cancelLocked ends this client's subscription to channel. Caller holds c.mu.
func (c *Libp2pClient) cancelLocked(channel string) {
	s, ok := c.subs[channel]
	if !ok {
		return
	}
	s.cancel()
	s.sub.Cancel()
	delete(c.subs, channel)
	c.node.addLocal(channel, -1)
}

// Unsubscribe cancels the channel's subscription
func (c *Libp2pClient) Unsubscribe(ctx context.Context, channel string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelLocked(channel)
	return nil
}

// NumSub counts the peers known to be subscribed to channel, including
// subscriptions held by any client on this node
func (c *Libp2pClient) NumSub(ctx context.Context, channel string) (int64, error) {
	c.mu.Lock()
	err := c.checkConnected()
	c.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return c.node.numSub(channel)
}

// OnError registers a transport failure callback
func (c *Libp2pClient) OnError(fn ErrorHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errorFns = append(c.errorFns, fn)
}

func (c *Libp2pClient) reportError(err error) {
	c.mu.Lock()
	fns := make([]ErrorHandler, len(c.errorFns))
	copy(fns, c.errorFns)
	c.mu.Unlock()

	for _, fn := range fns {
		fn(err)
	}
}

// PeerID returns the node's peer id, or "" before Connect
func (c *Libp2pClient) PeerID() string {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return ""
	}
	return c.node.PeerID()
}

// Close cancels this client's subscriptions and detaches from the node
func (c *Libp2pClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil
	}
	for ch := range c.subs {
		c.cancelLocked(ch)
	}
	c.connected = false
	return c.node.release()
}

type mdnsNotifee struct {
	node *Libp2pNode
}

func (n *mdnsNotifee) HandlePeerFound(info peer.AddrInfo) {
	n.node.mu.Lock()
	h, log := n.node.host, n.node.logger
	n.node.mu.Unlock()
	if h == nil {
		return
	}
	if err := h.Connect(context.Background(), info); err != nil {
		log.Debug("mDNS connect failed", "peer", info.ID.String(), "error", err)
	}
}

func loadOrCreateIdentityKey(path string) (crypto.PrivKey, error) {
	if b, err := os.ReadFile(path); err == nil && len(b) > 0 {
		key, err := crypto.UnmarshalPrivateKey(b)
		if err != nil {
			return nil, fmt.Errorf("unmarshal private key: %w", err)
		}
		return key, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir key dir: %w", err)
	}
	key, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	raw, err := crypto.MarshalPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return nil, fmt.Errorf("write private key: %w", err)
	}
	return key, nil
}
