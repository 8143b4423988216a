// Package livecache is a process-resident reactive cache and
// cross-instance synchronization runtime. Instances sharing one Redis
// endpoint form an origin: they mirror a bucketed cache in memory and in
// Redis, elect a single leader that owns the upstream websocket, and
// reconcile staleness with server-authoritative timestamps. Consumers read
// through the fetch orchestrator and subscribe to invalidations; unfocused
// instances poll the refilled cache instead of stampeding the network.
package livecache

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	uuid "github.com/satori/go.uuid"
)

// Client is one instance of the runtime. All methods are safe for
// concurrent use.
type Client struct {
	cfg   Config
	id    string
	stats *MetricSet

	bus *broadcastBus
	ps  *Store
	cm  *memCache
	sr  *subscriptionRegistry
	ie  *invalidationEngine
	co  *coordinator
	fo  *fetcher

	focused *Signal[bool]
	closed  atomic.Bool
}

// New builds a client and joins the origin: the broadcast bus starts, the
// cache hydrates from peers, and the coordinator claims leadership or
// demotes to follower within the election window.
func New(cfg Config) (*Client, error) {
	cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	id := uuid.NewV4().String()
	stats := newMetricSet(cfg.AppName)
	if cfg.EnableStats {
		stats.register()
	}

	c := &Client{
		cfg:     cfg,
		id:      id,
		stats:   stats,
		focused: NewSignal(true),
	}
	if !cfg.enabled() {
		// Master switch off: pass-through fetch only.
		c.fo = newFetcher(nil, nil, nil, nil, stats, cfg)
		return c, nil
	}

	c.bus = newBroadcastBus(cfg.Redis, cfg.WS.ChannelName, id, stats)
	c.ps = newStore(cfg.Redis, cfg.DB, stats)
	c.cm = newMemCache(cfg.MemoryCacheBytes, c.ps, c.bus, stats)
	c.sr = newSubscriptionRegistry(c.cm, c.focused, cfg)
	c.ie = newInvalidationEngine(c.cm, c.ps, c.sr, c.bus, stats, cfg)
	c.co = newCoordinator(id, cfg.Redis, c.bus, c.cm, c.ps, c.sr, c.ie, stats, cfg)
	c.fo = newFetcher(c.cm, c.ps, c.co, c.sr, stats, cfg)

	c.bus.start()
	c.cm.start()
	c.co.Connect()
	log.Debug().Msgf("livecache client %s started", id)
	return c, nil
}

// ID is the random per-instance identifier.
func (c *Client) ID() string { return c.id }

// Fetch resolves a route through the cache or the network and decodes the
// body into @p target. See FetchOptions for force and key overrides.
func (c *Client) Fetch(ctx context.Context, route RouteDef, target any, opts *FetchOptions) error {
	if c.closed.Load() {
		return ErrClosed
	}
	return c.fo.Fetch(ctx, route, target, opts)
}

// Subscribe registers @p fn for invalidations of @p key (a specific URL or
// a bucket pattern). Returns an unsubscribe handle removing exactly one
// occurrence.
func (c *Client) Subscribe(key string, fn SubscriberFunc) func() {
	if c.sr == nil {
		return func() {}
	}
	return c.sr.Subscribe(key, fn)
}

// SubscribeRoute registers the pair a live-fetch consumer needs: a specific
// subscription on the composed URL and a bucket subscription on the route
// pattern when they differ.
func (c *Client) SubscribeRoute(route RouteDef, opts *FetchOptions, fn SubscriberFunc) func() {
	if c.sr == nil {
		return func() {}
	}
	if opts == nil {
		opts = &FetchOptions{}
	}
	specificKey := buildPath(route.Path, opts.Params, opts.Query)
	if opts.CacheKey != "" {
		specificKey = opts.CacheKey
	}
	unsubSpecific := c.sr.Subscribe(specificKey, fn)
	if specificKey == route.Path {
		return unsubSpecific
	}
	unsubBucket := c.sr.Subscribe(route.Path, fn)
	return func() {
		unsubSpecific()
		unsubBucket()
	}
}

// SubscribeGlobal registers @p fn for global invalidations.
func (c *Client) SubscribeGlobal(fn SubscriberFunc) func() {
	if c.sr == nil {
		return func() {}
	}
	return c.sr.SubscribeGlobal(fn)
}

// OnCustomMessage registers a listener for a non-core upstream message
// type, fed on the leader directly and on followers via relay.
func (c *Client) OnCustomMessage(msgType string, fn func(json.RawMessage)) func() {
	if c.ie == nil {
		return func() {}
	}
	return c.ie.OnCustomMessage(msgType, fn)
}

// Send writes an opaque payload upstream: leaders use the socket, followers
// relay through the leader.
func (c *Client) Send(payload any) error {
	if c.co == nil {
		return ErrNoUpstream
	}
	return c.co.Send(payload)
}

// SendJSON marshals @p v and sends it.
func (c *Client) SendJSON(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Send(raw)
}

// Connect re-joins after a Disconnect.
func (c *Client) Connect() {
	if c.co != nil && !c.closed.Load() {
		c.co.Connect()
	}
}

// Disconnect is the user-initiated shutdown of the upstream: the socket
// closes, leadership steps down, and no reconnect fires until Connect.
func (c *Client) Disconnect() {
	if c.co != nil {
		c.co.Disconnect()
	}
}

// WaitForConnection blocks until the upstream is connected or the timeout
// passes.
func (c *Client) WaitForConnection(timeout time.Duration) bool {
	if c.co == nil {
		return false
	}
	return c.co.WaitForConnection(timeout)
}

// SetFocused tells the runtime whether this instance is foregrounded.
// Unfocused instances receive invalidations through the bounded background
// poll instead of immediately.
func (c *Client) SetFocused(focused bool) {
	c.focused.Set(focused)
}

// SetOnline applies a connectivity transition from the host environment.
func (c *Client) SetOnline(online bool) {
	if c.co != nil {
		c.co.SetOnline(online)
	}
}

// SetDebug toggles the runtime debug flag (see Debug). The leader
// propagates the toggle to followers. The logger level is not changed.
func (c *Client) SetDebug(enabled bool) {
	if c.co != nil {
		c.co.SetDebug(enabled)
	}
}

// Store exposes the persistent store, mainly for ShouldInvalidate
// predicates and diagnostics.
func (c *Client) Store() *Store { return c.ps }

// Reactive state. Binding layers subscribe and adapt to framework-native
// primitives.

func (c *Client) WSStatus() *Signal[SocketStatus] {
	if c.co == nil {
		return NewSignal(StatusDisconnected)
	}
	return c.co.wsStatus
}

func (c *Client) CacheEnabled() *Signal[bool] {
	if c.co == nil {
		return NewSignal(false)
	}
	return c.co.cacheEnabled
}

func (c *Client) IsLeaderTab() *Signal[bool] {
	if c.co == nil {
		return NewSignal(false)
	}
	return c.co.isLeader
}

func (c *Client) Focused() *Signal[bool] { return c.focused }

func (c *Client) OnlineState() *Signal[bool] {
	if c.co == nil {
		return NewSignal(true)
	}
	return c.co.online
}

// Debug is the runtime debug flag as a signal; followers adopt the
// leader's toggles. Host applications bind it to their logger's level.
func (c *Client) Debug() *Signal[bool] {
	if c.co == nil {
		return NewSignal(c.cfg.Debug)
	}
	return c.co.debug
}

func (c *Client) Refreshing() *Signal[bool] {
	if c.sr == nil {
		return NewSignal(false)
	}
	return c.sr.refreshing
}

// Close releases everything: leadership steps down with a stepdown
// broadcast, goroutines drain, and collectors unregister.
func (c *Client) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	if c.co != nil {
		c.co.Close()
	}
	if c.sr != nil {
		c.sr.close()
	}
	if c.bus != nil {
		c.bus.close()
	}
	if c.cfg.EnableStats {
		c.stats.unregister()
	}
}
