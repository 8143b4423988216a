package livecache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// CacheAccessor is the narrow cache surface exposed to message middleware.
type CacheAccessor interface {
	Get(ctx context.Context, bucket, key string) ([]byte, bool)
	Set(ctx context.Context, bucket, key string, data []byte, ttl time.Duration, serverTs int64) error
	Invalidate(ctx context.Context, bucket string)
	Find(ctx context.Context, key string) bool
	Clear(ctx context.Context)
}

// MessageContext is the capability object handed to HandleMessage
// middleware: a narrow window over the internals instead of the coordinator
// itself.
type MessageContext struct {
	DB    *Store
	Cache CacheAccessor

	Broadcast          func(msgType string, data any)
	TriggerSubscribers func(key string)
	PollSubscribers    func(key string)
	RouteToCacheKey    func(path string) string
	InvalidateExcept   func(validKeys []string)
	EnableCache        func()
	Log                zerolog.Logger
}

// upstreamMsg is the JSON shape of server messages. Custom types carry
// arbitrary extra fields; only the discriminator and the invalidation
// payload are decoded here.
type upstreamMsg struct {
	Type string          `json:"type"`
	Key  string          `json:"key,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Bus payloads for upstream-derived fan-out.
type wsInvalidateMsg struct {
	Key       string `json:"key"`
	Timestamp int64  `json:"timestamp"`
}

type wsCustomMsg struct {
	Payload json.RawMessage `json:"payload"`
}

const (
	upstreamTypeInvalidate = "invalidate"
	upstreamTypeDelta      = "invalidate-delta"
)

// invalidationEngine interprets server messages on the leader and applies
// timestamp-guarded invalidations. Followers re-enter it through the bus:
// data was already reconciled by cache-invalidate, so their paths fire
// subscribers, and a purge-all also drops the memory mirror.
type invalidationEngine struct {
	cm    *memCache
	ps    *Store
	sr    *subscriptionRegistry
	bus   *broadcastBus
	stats *MetricSet

	shouldInvalidate ShouldInvalidateFunc
	handleMessage    HandleMessageFunc
	routeToCacheKey  func(string) string

	// Wired by the coordinator after construction.
	enableCache func()
	isLeader    func() bool

	customMu        sync.Mutex
	customListeners map[string][]*customListener
}

type customListener struct {
	fn func(json.RawMessage)
}

func newInvalidationEngine(cm *memCache, ps *Store, sr *subscriptionRegistry, bus *broadcastBus, stats *MetricSet, cfg Config) *invalidationEngine {
	e := &invalidationEngine{
		cm:               cm,
		ps:               ps,
		sr:               sr,
		bus:              bus,
		stats:            stats,
		shouldInvalidate: cfg.WS.ShouldInvalidate,
		handleMessage:    cfg.WS.HandleMessage,
		routeToCacheKey:  cfg.WS.RouteToCacheKey,
		customListeners:  make(map[string][]*customListener),
	}
	bus.on(msgWsInvalidate, e.onPeerInvalidate)
	bus.on(msgWsInvalidateAll, e.onPeerInvalidateAll)
	bus.on(msgWsCustom, e.onPeerCustom)
	return e
}

// OnCustomMessage registers a listener for a non-core upstream message type.
func (e *invalidationEngine) OnCustomMessage(msgType string, fn func(json.RawMessage)) func() {
	l := &customListener{fn: fn}
	e.customMu.Lock()
	e.customListeners[msgType] = append(e.customListeners[msgType], l)
	e.customMu.Unlock()
	return func() {
		e.customMu.Lock()
		defer e.customMu.Unlock()
		listeners := e.customListeners[msgType]
		for i, cur := range listeners {
			if cur == l {
				e.customListeners[msgType] = append(listeners[:i], listeners[i+1:]...)
				break
			}
		}
	}
}

// HandleUpstream is the leader's entry point for a raw server message.
func (e *invalidationEngine) HandleUpstream(raw []byte) {
	if e.handleMessage != nil {
		e.handleMessage(raw, e.messageContext(), func() { e.dispatch(raw) })
		return
	}
	e.dispatch(raw)
}

func (e *invalidationEngine) dispatch(raw []byte) {
	ctx := context.Background()
	var msg upstreamMsg
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Type == "" {
		// A bare string payload means "this key changed".
		key := string(raw)
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			key = s
		}
		e.invalidateAndNotify(ctx, e.routeToCacheKey(key), nowMs())
		return
	}
	switch msg.Type {
	case upstreamTypeInvalidate:
		if buckets, ok := decodeBucketMap(msg.Data); ok {
			e.fullSync(ctx, buckets)
			return
		}
		if msg.Key != "" {
			e.invalidateAndNotify(ctx, e.routeToCacheKey(msg.Key), nowMs())
		}
	case upstreamTypeDelta:
		buckets, _ := decodeBucketMap(msg.Data)
		e.delta(ctx, buckets)
	default:
		e.dispatchCustom(msg.Type, raw)
		e.bus.publish(msgWsCustom, wsCustomMsg{Payload: raw})
	}
}

// decodeBucketMap parses an invalidation payload. ok is false when the
// payload is not a bucket-to-timestamp object (e.g. the single-key form).
func decodeBucketMap(data json.RawMessage) (map[string]int64, bool) {
	if len(data) == 0 {
		return nil, false
	}
	var buckets map[string]int64
	if err := json.Unmarshal(data, &buckets); err != nil {
		return nil, false
	}
	if buckets == nil {
		return nil, false
	}
	return buckets, true
}

// fullSync makes the server authoritative over the bucket set: listed
// buckets advance to the server's timestamps, unlisted local buckets are
// deleted, and cache serving turns on when reconciliation is done.
func (e *invalidationEngine) fullSync(ctx context.Context, buckets map[string]int64) {
	defer e.enableCache()
	if len(buckets) == 0 {
		e.stats.invalidated(invalidationKindPurge)
		e.cm.Clear(ctx)
		e.bus.publish(msgWsInvalidateAll, nil)
		e.sr.NotifyAll()
		return
	}
	e.stats.invalidated(invalidationKindFull)
	for bucket, ts := range buckets {
		if !e.wantsInvalidate(ctx, bucket, ts) {
			continue
		}
		e.invalidateAndNotify(ctx, bucket, ts)
	}
	listed := func(bucket string) bool {
		_, ok := buckets[bucket]
		return ok
	}
	for _, bucket := range e.localBuckets(ctx) {
		if listed(bucket) {
			continue
		}
		e.dropBucket(ctx, bucket)
	}
}

// wantsInvalidate applies the configured predicate, defaulting to "local
// timestamp older than the server's, or absent".
func (e *invalidationEngine) wantsInvalidate(ctx context.Context, bucket string, ts int64) bool {
	if e.shouldInvalidate != nil {
		return e.shouldInvalidate(bucket, ts, e.ps)
	}
	local, ok := e.ps.GetTimestamp(ctx, bucket)
	return !ok || local < ts
}

// localBuckets is the union of timestamped and cached bucket names.
func (e *invalidationEngine) localBuckets(ctx context.Context) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for bucket := range e.ps.GetAllTimestamps(ctx) {
		if _, ok := seen[bucket]; !ok {
			seen[bucket] = struct{}{}
			out = append(out, bucket)
		}
	}
	for _, bucket := range e.ps.GetAllBucketKeys(ctx) {
		if _, ok := seen[bucket]; !ok {
			seen[bucket] = struct{}{}
			out = append(out, bucket)
		}
	}
	return out
}

// delta advances the listed buckets only; unlisted buckets are untouched.
func (e *invalidationEngine) delta(ctx context.Context, buckets map[string]int64) {
	e.stats.invalidated(invalidationKindDelta)
	for bucket, ts := range buckets {
		e.invalidateAndNotify(ctx, bucket, ts)
	}
}

// invalidateAndNotify drops a bucket's data, records the server timestamp,
// tells followers, and wakes subscribers focus-aware.
func (e *invalidationEngine) invalidateAndNotify(ctx context.Context, bucket string, ts int64) {
	e.stats.invalidated(invalidationKindBucket)
	e.cm.Invalidate(ctx, bucket)
	e.ps.SetTimestamp(ctx, bucket, ts)
	e.bus.publish(msgWsInvalidate, wsInvalidateMsg{Key: bucket, Timestamp: ts})
	e.sr.Notify(bucket)
}

// dropBucket removes a bucket the server no longer knows, timestamp
// included, and notifies at server-now.
func (e *invalidationEngine) dropBucket(ctx context.Context, bucket string) {
	e.stats.invalidated(invalidationKindBucket)
	e.cm.Invalidate(ctx, bucket)
	e.ps.DeleteTimestamp(ctx, bucket)
	e.bus.publish(msgWsInvalidate, wsInvalidateMsg{Key: bucket, Timestamp: nowMs()})
	e.sr.Notify(bucket)
}

// InvalidateExcept drops every known bucket not listed in @p validKeys.
func (e *invalidationEngine) InvalidateExcept(validKeys []string) {
	ctx := context.Background()
	valid := make(map[string]struct{}, len(validKeys))
	for _, k := range validKeys {
		valid[k] = struct{}{}
	}
	for _, bucket := range e.ps.GetAllBucketKeys(ctx) {
		if _, ok := valid[bucket]; ok {
			continue
		}
		e.dropBucket(ctx, bucket)
	}
}

func (e *invalidationEngine) dispatchCustom(msgType string, raw []byte) {
	e.customMu.Lock()
	listeners := append([]*customListener(nil), e.customListeners[msgType]...)
	e.customMu.Unlock()
	for _, l := range listeners {
		l.fn(raw)
	}
}

func (e *invalidationEngine) messageContext() *MessageContext {
	return &MessageContext{
		DB:                 e.ps,
		Cache:              e.cm,
		Broadcast:          e.bus.publish,
		TriggerSubscribers: e.sr.Notify,
		PollSubscribers:    e.sr.Poll,
		RouteToCacheKey:    e.routeToCacheKey,
		InvalidateExcept:   e.InvalidateExcept,
		EnableCache:        func() { e.enableCache() },
		Log:                log.Logger,
	}
}

// Follower paths. Data reconciliation already happened on the cache channel
// (the leader's cache-invalidate), so ws-invalidate only wakes subscribers
// and ws-invalidate-all additionally drops the memory mirror; the payload
// key is the bucket name by protocol contract.

func (e *invalidationEngine) onPeerInvalidate(sender string, data json.RawMessage) {
	if e.isLeader != nil && e.isLeader() {
		return
	}
	var msg wsInvalidateMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Warn().Err(err).Msgf("invalidation: bad ws-invalidate from %s", sender)
		return
	}
	e.sr.Notify(msg.Key)
}

func (e *invalidationEngine) onPeerInvalidateAll(sender string, data json.RawMessage) {
	if e.isLeader != nil && e.isLeader() {
		return
	}
	e.cm.dropMemory()
	e.sr.NotifyAll()
}

func (e *invalidationEngine) onPeerCustom(sender string, data json.RawMessage) {
	if e.isLeader != nil && e.isLeader() {
		return
	}
	var msg wsCustomMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	var inner upstreamMsg
	if err := json.Unmarshal(msg.Payload, &inner); err != nil {
		return
	}
	e.dispatchCustom(inner.Type, msg.Payload)
}
