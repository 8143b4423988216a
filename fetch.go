package livecache

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

// RouteDef describes a fetchable route: the path pattern is the bucket
// name, placeholders like {id} are filled from params.
type RouteDef struct {
	Path string
	// CacheTTL overrides the configured default for this route. Zero keeps
	// the default.
	CacheTTL int // seconds
	// BackgroundDelay overrides the background max wait for keys of this
	// route. Zero keeps the default.
	BackgroundDelay int // milliseconds
}

// FetchOptions are the optional knobs of a fetch.
type FetchOptions struct {
	// Params fills {name} placeholders in the route path.
	Params map[string]string
	// Query is appended to the composed URL.
	Query url.Values
	// CacheKey overrides the specific key (default: the composed URL).
	CacheKey string
	// Force bypasses the cache read but still writes back, defeating stale
	// entries on demand.
	Force bool
}

// HTTPError carries a non-2xx response through to the caller unmodified.
type HTTPError struct {
	StatusCode int
	Status     string
	Body       []byte
	URL        string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("GET %s: %s", e.URL, e.Status)
}

// fetcher is the cache-aware read path: optional wait-for-socket on boot,
// cache lookup, in-flight coalescing, network fetch, write-back with the
// server timestamp.
type fetcher struct {
	cfg   Config
	http  *resty.Client
	cm    *memCache
	ps    *Store
	co    *coordinator
	sr    *subscriptionRegistry
	stats *MetricSet

	group       singleflight.Group
	tracer      trace.Tracer
	startupDone atomic.Bool
}

func newFetcher(cm *memCache, ps *Store, co *coordinator, sr *subscriptionRegistry, stats *MetricSet, cfg Config) *fetcher {
	client := cfg.API.Client
	if client == nil {
		client = resty.New().SetBaseURL(cfg.API.BaseURL)
	}
	return &fetcher{
		cfg:    cfg,
		http:   client,
		cm:     cm,
		ps:     ps,
		co:     co,
		sr:     sr,
		stats:  stats,
		tracer: otel.Tracer("livecache"),
	}
}

// buildPath composes the concrete URL: {name} placeholders replaced from
// params, query string appended in encoded order.
func buildPath(path string, params map[string]string, query url.Values) string {
	out := path
	for name, value := range params {
		out = strings.ReplaceAll(out, "{"+name+"}", url.PathEscape(value))
	}
	if len(query) > 0 {
		out += "?" + query.Encode()
	}
	return out
}

// Fetch resolves a route through the cache or the network and decodes the
// response body into @p target.
func (f *fetcher) Fetch(ctx context.Context, route RouteDef, target any, opts *FetchOptions) error {
	if opts == nil {
		opts = &FetchOptions{}
	}
	if !f.cfg.enabled() {
		// Master switch off: no socket, no cache, pass-through GET.
		body, err := f.get(ctx, buildPath(route.Path, opts.Params, opts.Query))
		if err != nil {
			return err
		}
		return decodeBody(body, target)
	}

	bucket := route.Path
	requestURL := buildPath(route.Path, opts.Params, opts.Query)
	specificKey := requestURL
	if opts.CacheKey != "" {
		specificKey = opts.CacheKey
	}
	ttlSeconds := route.CacheTTL
	if ttlSeconds == 0 {
		ttlSeconds = int(f.cfg.API.DefaultCacheTTL.Seconds())
	}
	if route.BackgroundDelay > 0 {
		f.sr.SetRouteDelay(specificKey, msToDuration(route.BackgroundDelay))
	}

	// One-shot startup wait: at most once per client lifetime, regardless
	// of later disconnects.
	if f.cfg.WS.Startup.WaitForSocket && f.startupDone.CompareAndSwap(false, true) {
		if f.co.wsStatus.Get() != StatusConnected {
			if !f.co.WaitForConnection(f.cfg.WS.Startup.SocketWaitTimeout) {
				log.Debug().Msgf("fetch: socket not connected after startup wait, proceeding")
			}
		}
	}

	cacheEnabled := f.co.cacheEnabled.Get()
	if cacheEnabled {
		f.cm.WaitForSync(ctx)
	}

	if !opts.Force && cacheEnabled && ttlSeconds > 0 {
		if data, ok := f.cm.Get(ctx, bucket, specificKey); ok {
			return decodeBody(data, target)
		}
	}

	body, err := f.fetchShared(ctx, bucket, requestURL, specificKey, ttlSeconds)
	if err != nil {
		return err
	}
	return decodeBody(body, target)
}

// fetchShared coalesces concurrent fetches of one specific key into a
// single HTTP request; every caller shares the result.
func (f *fetcher) fetchShared(ctx context.Context, bucket, requestURL, specificKey string, ttlSeconds int) ([]byte, error) {
	result, err, shared := f.group.Do(specificKey, func() (any, error) {
		return f.fetchAndStore(ctx, bucket, requestURL, specificKey, ttlSeconds)
	})
	if shared {
		f.stats.hit(hitLabelCoalesce)
	}
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

func (f *fetcher) fetchAndStore(ctx context.Context, bucket, requestURL, specificKey string, ttlSeconds int) ([]byte, error) {
	ctx, span := f.tracer.Start(ctx, "livecache.fetch",
		trace.WithAttributes(
			attribute.String("bucket", bucket),
			attribute.String("key", specificKey),
		))
	defer span.End()

	startedAt := nowMs()
	resp, err := f.http.R().SetContext(ctx).Get(requestURL)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", requestURL, err)
	}
	if resp.IsError() {
		// HTTP failures propagate to the caller unmodified; no cache
		// mutation occurs.
		return nil, &HTTPError{
			StatusCode: resp.StatusCode(),
			Status:     resp.Status(),
			Body:       resp.Body(),
			URL:        requestURL,
		}
	}
	f.stats.hit(hitLabelNetwork)
	f.stats.recordLatency(hitLabelNetwork, startedAt)
	body := resp.Body()

	cacheEnabled := f.co.cacheEnabled.Get()
	writable := cacheEnabled || f.cfg.CacheWritesOffline
	if !writable {
		return body, nil
	}
	if f.cfg.GetTimestamp == nil {
		return nil, errMisconfigured(
			"GetTimestamp is required when caching is enabled: the cache " +
				"orders writes by the server-authoritative timestamp")
	}
	serverTs := f.cfg.GetTimestamp(resp)
	f.ps.SetTimestamp(ctx, bucket, serverTs)
	if ttlSeconds > 0 {
		ttl := secondsToDuration(ttlSeconds)
		if err := f.cm.Set(ctx, bucket, specificKey, body, ttl, serverTs); err != nil {
			// Value was retrieved; a failed write-back never fails the read.
			log.Warn().Err(err).Msgf("fetch: failed to write back %s/%s", bucket, specificKey)
		}
	}
	return body, nil
}

// get is the pass-through GET used when the client is disabled.
func (f *fetcher) get(ctx context.Context, target string) ([]byte, error) {
	resp, err := f.http.R().SetContext(ctx).Get(target)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", target, err)
	}
	if resp.IsError() {
		return nil, &HTTPError{
			StatusCode: resp.StatusCode(),
			Status:     resp.Status(),
			Body:       resp.Body(),
			URL:        target,
		}
	}
	return resp.Body(), nil
}

func msToDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func secondsToDuration(s int) time.Duration {
	return time.Duration(s) * time.Second
}

func decodeBody(body []byte, target any) error {
	if target == nil {
		return nil
	}
	switch t := target.(type) {
	case *[]byte:
		*t = append([]byte(nil), body...)
		return nil
	case *string:
		*t = string(body)
		return nil
	}
	return json.Unmarshal(body, target)
}
