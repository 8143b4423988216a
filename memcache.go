package livecache

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coocood/freecache"
	"github.com/rs/zerolog/log"
	uuid "github.com/satori/go.uuid"
)

const memKeyDelimiter = "\x00"

// Bus payloads for the cache channel.
type cacheSetMsg struct {
	Bucket    string `json:"bucket"`
	Key       string `json:"key"`
	Data      []byte `json:"data"`
	ExpireAt  int64  `json:"expiry"`
	Timestamp int64  `json:"timestamp"`
}

type cacheInvalidateMsg struct {
	Bucket string `json:"bucket"`
}

type cacheRequestMsg struct {
	RequestID string `json:"requestId"`
}

type bucketDump struct {
	Bucket  string                `json:"bucket"`
	Entries map[string]CacheEntry `json:"entries"`
}

type cacheResponseMsg struct {
	RequestID string       `json:"requestId"`
	Dump      []bucketDump `json:"dump"`
}

// memCache is the in-memory mirror of the Store: a two-level mapping from
// bucket to specific key to entry, held in a freecache arena with a side
// index for iteration. It peers with other instances over the bus so every
// instance converges on the same view, latest-wins per entry.
type memCache struct {
	store *freecache.Cache
	ps    *Store
	bus   *broadcastBus
	stats *MetricSet

	mu    sync.RWMutex
	index map[string]map[string]struct{}

	initialized atomic.Bool
	syncID      string
	synced      chan struct{}
	syncOnce    sync.Once
}

func newMemCache(sizeBytes int, ps *Store, bus *broadcastBus, stats *MetricSet) *memCache {
	m := &memCache{
		store:  freecache.NewCache(sizeBytes),
		ps:     ps,
		bus:    bus,
		stats:  stats,
		index:  make(map[string]map[string]struct{}),
		syncID: uuid.NewV4().String(),
		synced: make(chan struct{}),
	}
	bus.on(msgCacheSet, m.onPeerSet)
	bus.on(msgCacheInvalidate, m.onPeerInvalidate)
	bus.on(msgCacheRequest, m.onPeerRequest)
	bus.on(msgCacheResponse, m.onPeerResponse)
	return m
}

// start marks the manager initialized and asks peers for a hydration dump.
// The sync gate settles on the first matching response or after the bounded
// wait, whichever comes first.
func (m *memCache) start() {
	m.initialized.Store(true)
	m.bus.publish(msgCacheRequest, cacheRequestMsg{RequestID: m.syncID})
	go func() {
		timer := time.NewTimer(peerSyncTimeout)
		defer timer.Stop()
		select {
		case <-m.synced:
		case <-timer.C:
			m.settleSync()
		}
	}()
}

func (m *memCache) settleSync() {
	m.syncOnce.Do(func() { close(m.synced) })
}

// WaitForSync blocks until initialization and optional peer hydration
// complete. It settles within the peer sync timeout even with no peers.
func (m *memCache) WaitForSync(ctx context.Context) {
	select {
	case <-m.synced:
	case <-ctx.Done():
	}
}

func memKey(bucket, key string) []byte {
	return []byte(bucket + memKeyDelimiter + key)
}

// Set validates and stores data under bucket/key, mirrors the write to the
// persistent store, and fans it out to peers.
func (m *memCache) Set(ctx context.Context, bucket, key string, data []byte, ttl time.Duration, serverTs int64) error {
	if data == nil {
		return ErrNilData
	}
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	entry := &CacheEntry{
		Data:      data,
		ExpireAt:  nowMs() + ttl.Milliseconds(),
		Timestamp: serverTs,
	}
	m.setLocal(bucket, key, entry)
	m.ps.SetCache(ctx, bucket, key, entry)
	m.bus.publish(msgCacheSet, cacheSetMsg{
		Bucket:    bucket,
		Key:       key,
		Data:      entry.Data,
		ExpireAt:  entry.ExpireAt,
		Timestamp: entry.Timestamp,
	})
	return nil
}

// setLocal applies latest-wins in memory only. Returns whether the write
// was applied.
func (m *memCache) setLocal(bucket, key string, entry *CacheEntry) bool {
	k := memKey(bucket, key)
	if raw, err := m.store.Get(k); err == nil {
		if cur, derr := decodeEntry(raw); derr == nil && !entry.NewerThan(cur) {
			return false
		}
	}
	encoded, err := encodeEntry(entry)
	if err != nil {
		log.Err(err).Msgf("cache: failed to encode entry %s/%s", bucket, key)
		return false
	}
	// freecache expiry has second granularity; round up and keep the
	// explicit ExpireAt check authoritative on read.
	ttlSec := int((entry.ExpireAt - nowMs() + 999) / 1000)
	if ttlSec < 1 {
		ttlSec = 1
	}
	if err := m.store.Set(k, encoded, ttlSec); err != nil {
		log.Warn().Err(err).Msgf("cache: failed to set memory cache for %s/%s", bucket, key)
		return false
	}
	m.mu.Lock()
	keys, ok := m.index[bucket]
	if !ok {
		keys = make(map[string]struct{})
		m.index[bucket] = keys
	}
	keys[key] = struct{}{}
	m.mu.Unlock()
	return true
}

// Get returns the cached data for bucket/key. Expired entries are evicted
// on read. A memory miss falls back to the persistent store and rehydrates
// memory on hit.
func (m *memCache) Get(ctx context.Context, bucket, key string) ([]byte, bool) {
	if raw, err := m.store.Get(memKey(bucket, key)); err == nil {
		entry, derr := decodeEntry(raw)
		if derr == nil {
			if entry.Expired(nowMs()) {
				m.evict(bucket, key)
				return nil, false
			}
			m.stats.hit(hitLabelMemory)
			return entry.Data, true
		}
	}
	entry := m.ps.GetCache(ctx, bucket, key)
	if entry == nil {
		return nil, false
	}
	if entry.Expired(nowMs()) {
		return nil, false
	}
	m.setLocal(bucket, key, entry)
	m.stats.hit(hitLabelStore)
	return entry.Data, true
}

// Find reports whether any bucket holds a live entry for @p key. Memory is
// searched first; the slow path walks every persisted bucket. Background
// polling uses this when the bucket is not known.
func (m *memCache) Find(ctx context.Context, key string) bool {
	m.mu.RLock()
	buckets := make([]string, 0, len(m.index))
	for bucket, keys := range m.index {
		if _, ok := keys[key]; ok {
			buckets = append(buckets, bucket)
		}
	}
	m.mu.RUnlock()
	for _, bucket := range buckets {
		if _, ok := m.Get(ctx, bucket, key); ok {
			return true
		}
	}
	for _, bucket := range m.ps.GetAllBucketKeys(ctx) {
		entry := m.ps.GetCache(ctx, bucket, key)
		if entry != nil && !entry.Expired(nowMs()) {
			return true
		}
	}
	return false
}

func (m *memCache) evict(bucket, key string) {
	m.store.Del(memKey(bucket, key))
	m.mu.Lock()
	if keys, ok := m.index[bucket]; ok {
		delete(keys, key)
		if len(keys) == 0 {
			delete(m.index, bucket)
		}
	}
	m.mu.Unlock()
}

// Invalidate drops a bucket everywhere: memory, persistent store, peers.
func (m *memCache) Invalidate(ctx context.Context, bucket string) {
	m.invalidateLocal(ctx, bucket, false)
	m.bus.publish(msgCacheInvalidate, cacheInvalidateMsg{Bucket: bucket})
}

// invalidateLocal drops a bucket from memory, and from the persistent store
// unless @p memoryOnly.
func (m *memCache) invalidateLocal(ctx context.Context, bucket string, memoryOnly bool) {
	m.mu.Lock()
	keys := m.index[bucket]
	delete(m.index, bucket)
	m.mu.Unlock()
	for key := range keys {
		m.store.Del(memKey(bucket, key))
	}
	if !memoryOnly {
		m.ps.DeleteBucket(ctx, bucket)
	}
}

// Clear empties memory and the persistent cache namespace.
func (m *memCache) Clear(ctx context.Context) {
	m.dropMemory()
	m.ps.ClearCache(ctx)
}

// dropMemory empties the in-memory mirror only.
func (m *memCache) dropMemory() {
	m.mu.Lock()
	m.index = make(map[string]map[string]struct{})
	m.mu.Unlock()
	m.store.Clear()
}

// dump snapshots memory for peer hydration.
func (m *memCache) dump() []bucketDump {
	m.mu.RLock()
	snapshot := make(map[string][]string, len(m.index))
	for bucket, keys := range m.index {
		ks := make([]string, 0, len(keys))
		for key := range keys {
			ks = append(ks, key)
		}
		snapshot[bucket] = ks
	}
	m.mu.RUnlock()
	now := nowMs()
	out := make([]bucketDump, 0, len(snapshot))
	for bucket, keys := range snapshot {
		entries := make(map[string]CacheEntry, len(keys))
		for _, key := range keys {
			raw, err := m.store.Get(memKey(bucket, key))
			if err != nil {
				continue
			}
			entry, derr := decodeEntry(raw)
			if derr != nil || entry.Expired(now) {
				continue
			}
			entries[key] = *entry
		}
		if len(entries) > 0 {
			out = append(out, bucketDump{Bucket: bucket, Entries: entries})
		}
	}
	return out
}

func (m *memCache) merge(dump []bucketDump) {
	for _, bd := range dump {
		for key, entry := range bd.Entries {
			e := entry
			m.setLocal(bd.Bucket, key, &e)
		}
	}
}

func (m *memCache) onPeerSet(sender string, data json.RawMessage) {
	var msg cacheSetMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Warn().Err(err).Msgf("cache: bad cache-set from %s", sender)
		return
	}
	m.setLocal(msg.Bucket, msg.Key, &CacheEntry{
		Data:      msg.Data,
		ExpireAt:  msg.ExpireAt,
		Timestamp: msg.Timestamp,
	})
}

func (m *memCache) onPeerInvalidate(sender string, data json.RawMessage) {
	var msg cacheInvalidateMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Warn().Err(err).Msgf("cache: bad cache-invalidate from %s", sender)
		return
	}
	m.invalidateLocal(context.Background(), msg.Bucket, false)
}

func (m *memCache) onPeerRequest(sender string, data json.RawMessage) {
	var msg cacheRequestMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	if !m.initialized.Load() {
		return
	}
	dump := m.dump()
	if len(dump) == 0 {
		return
	}
	m.bus.publish(msgCacheResponse, cacheResponseMsg{RequestID: msg.RequestID, Dump: dump})
}

func (m *memCache) onPeerResponse(sender string, data json.RawMessage) {
	var msg cacheResponseMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	if msg.RequestID != m.syncID {
		return
	}
	m.merge(msg.Dump)
	m.settleSync()
}
