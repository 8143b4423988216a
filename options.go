package livecache

import (
	"time"

	"github.com/go-resty/resty/v2"
	redis "github.com/redis/go-redis/v9"
)

const (
	// How long a leader slot is trusted without a fresh heartbeat.
	leaderTimeout = 5000 * time.Millisecond
	// How long a connecting tab listens for a competing claim before
	// taking leadership itself.
	electionWait = 150 * time.Millisecond
	// Leader claim rebroadcast and follower staleness poll period.
	heartbeatInterval = 2 * time.Second
	// Upper bound on waiting for a peer cache-response during hydration.
	peerSyncTimeout = 200 * time.Millisecond
	// Poll granularity of WaitForConnection.
	connPollInterval = 50 * time.Millisecond

	defaultSocketWaitTimeout  = 5 * time.Second
	defaultBackgroundDelay    = 500 * time.Millisecond
	defaultBackgroundPoll     = 200 * time.Millisecond
	defaultActivityIndicator  = 1500 * time.Millisecond
	defaultStoreOpTimeout     = 2 * time.Second
	defaultChannelName        = "livecache"
	defaultNamespace          = "livecache"
	defaultTimestampStoreName = "timestamps"
	defaultCacheStoreName     = "cache"
)

// GetTimestampFunc extracts the server-authoritative timestamp (UNIX ms)
// from a successful response. Required whenever caching is enabled: without
// it latest-wins ordering is impossible.
type GetTimestampFunc func(resp *resty.Response) int64

// ShouldInvalidateFunc overrides the default "local timestamp older than
// server's" comparison during a full sync.
type ShouldInvalidateFunc func(bucket string, ts int64, db *Store) bool

// HandleMessageFunc is upstream-message middleware. It runs before the
// built-in dispatch; calling @p defaultHandler applies the built-in
// behavior. Not calling it swallows the message.
type HandleMessageFunc func(raw []byte, mctx *MessageContext, defaultHandler func())

// Config configures a Client. Zero values select documented defaults; Redis
// and GetTimestamp are required unless Enabled is false.
type Config struct {
	// AppName prefixes metric names.
	AppName string

	// Redis is the shared substrate for the persistent store, the broadcast
	// bus, and the leader slot. All instances of one "origin" must share it.
	Redis redis.UniversalClient

	// Enabled is the master switch. When false: no socket, no cache,
	// pass-through fetch. Defaults to true.
	Enabled *bool

	// AutoRefetchOnInvalidation marks subscriber events so binding layers
	// refetch immediately instead of flagging refetch-needed.
	AutoRefetchOnInvalidation bool

	// CacheWritesOffline keeps write-back active while cacheEnabled is
	// false, so the cache fills during offline mode for later reads.
	CacheWritesOffline bool

	// Debug is the initial value of the runtime debug flag (Client.Debug).
	// Runtime-toggleable via SetDebug and adopted by followers through
	// ws-debug-enabled. The package does not change any logger level from
	// it.
	Debug bool

	// EnableStats registers the Prometheus MetricSet.
	EnableStats bool

	// MemoryCacheBytes sizes the in-memory entry arena. Defaults to 32 MiB.
	MemoryCacheBytes int

	// GetTimestamp is required if caching is enabled.
	GetTimestamp GetTimestampFunc

	DB  DBConfig
	API APIConfig
	WS  WSConfig
}

// DBConfig names the persistent store's keyspace.
type DBConfig struct {
	// Namespace prefixes every Redis key the client touches.
	Namespace string
	// TimestampStoreName and CacheStoreName name the two logical stores.
	TimestampStoreName string
	CacheStoreName     string
	// OpTimeout bounds each store operation.
	OpTimeout time.Duration
}

// APIConfig configures the HTTP client.
type APIConfig struct {
	BaseURL string
	// DefaultCacheTTL applies when a route declares no TTL. Zero disables
	// caching for such routes.
	DefaultCacheTTL time.Duration
	// Client overrides the resty client built from BaseURL.
	Client *resty.Client
}

// StartupConfig governs first-connect behavior.
type StartupConfig struct {
	// EnableCacheBeforeSocket serves cached data before the first full sync
	// completes. Leave false to avoid serving stale data across a server
	// restart.
	EnableCacheBeforeSocket bool
	// WaitForSocket blocks the first fetch after boot until the socket is
	// connected or SocketWaitTimeout passes. Happens at most once per
	// client lifetime.
	WaitForSocket     bool
	SocketWaitTimeout time.Duration
}

// WSConfig configures the upstream socket, the broadcast channel, and
// background dispatch timing.
type WSConfig struct {
	// URL of the upstream socket. URLFunc takes precedence and is re-read
	// on every connect, which lets it mint fresh auth tokens.
	URL     string
	URLFunc func() string

	// ChannelName namespaces the broadcast bus.
	ChannelName string

	// RouteToCacheKey normalizes server paths to bucket keys.
	RouteToCacheKey func(path string) string

	// Background polling of unfocused subscribers.
	DefaultBackgroundDelay time.Duration
	BackgroundPollInterval time.Duration

	// ActivityIndicatorDuration is how long Refreshing stays on after an
	// invalidation round begins.
	ActivityIndicatorDuration time.Duration

	Startup StartupConfig

	ShouldInvalidate ShouldInvalidateFunc
	HandleMessage    HandleMessageFunc
}

func (c Config) enabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// cachingEnabled reports whether any cache write can ever happen under this
// configuration.
func (c Config) cachingEnabled() bool {
	return c.enabled()
}

func (c *Config) withDefaults() {
	if c.AppName == "" {
		c.AppName = "livecache"
	}
	if c.MemoryCacheBytes <= 0 {
		c.MemoryCacheBytes = 32 * 1024 * 1024
	}
	if c.DB.Namespace == "" {
		c.DB.Namespace = defaultNamespace
	}
	if c.DB.TimestampStoreName == "" {
		c.DB.TimestampStoreName = defaultTimestampStoreName
	}
	if c.DB.CacheStoreName == "" {
		c.DB.CacheStoreName = defaultCacheStoreName
	}
	if c.DB.OpTimeout <= 0 {
		c.DB.OpTimeout = defaultStoreOpTimeout
	}
	if c.WS.ChannelName == "" {
		c.WS.ChannelName = defaultChannelName
	}
	if c.WS.DefaultBackgroundDelay <= 0 {
		c.WS.DefaultBackgroundDelay = defaultBackgroundDelay
	}
	if c.WS.BackgroundPollInterval <= 0 {
		c.WS.BackgroundPollInterval = defaultBackgroundPoll
	}
	if c.WS.ActivityIndicatorDuration <= 0 {
		c.WS.ActivityIndicatorDuration = defaultActivityIndicator
	}
	if c.WS.Startup.SocketWaitTimeout <= 0 {
		c.WS.Startup.SocketWaitTimeout = defaultSocketWaitTimeout
	}
	if c.WS.RouteToCacheKey == nil {
		c.WS.RouteToCacheKey = func(path string) string { return path }
	}
}

func (c Config) validate() error {
	if c.Redis == nil && c.enabled() {
		return errMisconfigured("Redis client is required")
	}
	if c.cachingEnabled() && c.GetTimestamp == nil {
		return errMisconfigured(
			"GetTimestamp is required when caching is enabled: the cache " +
				"orders writes by the server-authoritative timestamp")
	}
	return nil
}

func (c Config) socketURL() string {
	if c.WS.URLFunc != nil {
		return c.WS.URLFunc()
	}
	return c.WS.URL
}
