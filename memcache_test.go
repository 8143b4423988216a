package livecache

import (
	"context"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMemCache(t *testing.T, conn redis.UniversalClient, sender string) (*memCache, *broadcastBus) {
	t.Helper()
	cfg := Config{}
	cfg.withDefaults()
	stats := newMetricSet("test")
	bus := newBroadcastBus(conn, cfg.WS.ChannelName, sender, stats)
	ps := newStore(conn, cfg.DB, stats)
	cm := newMemCache(cfg.MemoryCacheBytes, ps, bus, stats)
	bus.start()
	t.Cleanup(bus.close)
	return cm, bus
}

func TestMemCacheSetValidation(t *testing.T) {
	_, conn := newTestRedis(t)
	cm, _ := newTestMemCache(t, conn, "a")
	ctx := context.Background()

	assert.ErrorIs(t, cm.Set(ctx, "/b", "/b?x=1", nil, time.Minute, 1), ErrNilData)
	assert.ErrorIs(t, cm.Set(ctx, "/b", "/b?x=1", []byte(`1`), 0, 1), ErrInvalidTTL)
	assert.ErrorIs(t, cm.Set(ctx, "/b", "/b?x=1", []byte(`1`), -time.Second, 1), ErrInvalidTTL)
}

func TestMemCacheLatestWins(t *testing.T) {
	_, conn := newTestRedis(t)
	cm, _ := newTestMemCache(t, conn, "a")
	ctx := context.Background()

	require.NoError(t, cm.Set(ctx, "/u/{id}", "/u/1", []byte(`"A"`), time.Minute, 100))
	require.NoError(t, cm.Set(ctx, "/u/{id}", "/u/1", []byte(`"B"`), time.Minute, 90))

	data, ok := cm.Get(ctx, "/u/{id}", "/u/1")
	require.True(t, ok)
	assert.Equal(t, []byte(`"A"`), data)
}

func TestMemCacheExpiryOnRead(t *testing.T) {
	base := time.Now()
	SetNowFunc(func() time.Time { return base })
	defer SetNowFunc(time.Now)

	_, conn := newTestRedis(t)
	cm, _ := newTestMemCache(t, conn, "a")
	ctx := context.Background()

	require.NoError(t, cm.Set(ctx, "/t", "/t?p=1", []byte(`1`), 10*time.Second, 1))
	_, ok := cm.Get(ctx, "/t", "/t?p=1")
	require.True(t, ok)

	SetNowFunc(func() time.Time { return base.Add(11 * time.Second) })
	_, ok = cm.Get(ctx, "/t", "/t?p=1")
	assert.False(t, ok, "expired entry is evicted on read")
}

func TestMemCacheStoreFallback(t *testing.T) {
	_, conn := newTestRedis(t)
	cm, _ := newTestMemCache(t, conn, "a")
	ctx := context.Background()

	require.NoError(t, cm.Set(ctx, "/p", "/p?x=1", []byte(`7`), time.Minute, 5))

	// A fresh instance with cold memory rehydrates lazily from the store.
	cm2, _ := newTestMemCache(t, conn, "b")
	data, ok := cm2.Get(ctx, "/p", "/p?x=1")
	require.True(t, ok)
	assert.Equal(t, []byte(`7`), data)
}

func TestMemCacheInvalidate(t *testing.T) {
	_, conn := newTestRedis(t)
	cm, _ := newTestMemCache(t, conn, "a")
	ctx := context.Background()

	require.NoError(t, cm.Set(ctx, "/x", "/x?a=1", []byte(`1`), time.Minute, 1))
	require.NoError(t, cm.Set(ctx, "/x", "/x?a=2", []byte(`2`), time.Minute, 1))
	cm.Invalidate(ctx, "/x")

	_, ok := cm.Get(ctx, "/x", "/x?a=1")
	assert.False(t, ok)
	assert.Nil(t, cm.ps.GetBucket(ctx, "/x"), "persistent bucket is deleted too")
}

func TestMemCacheFind(t *testing.T) {
	_, conn := newTestRedis(t)
	cm, _ := newTestMemCache(t, conn, "a")
	ctx := context.Background()

	require.NoError(t, cm.Set(ctx, "/todos", "/todos?done=1", []byte(`[]`), time.Minute, 1))
	assert.True(t, cm.Find(ctx, "/todos?done=1"))
	assert.False(t, cm.Find(ctx, "/todos?done=0"))

	// Slow path: entry only in the persistent store.
	cm2, _ := newTestMemCache(t, conn, "b")
	assert.True(t, cm2.Find(ctx, "/todos?done=1"))
}

func TestMemCacheCrossInstanceSet(t *testing.T) {
	_, conn := newTestRedis(t)
	cmA, _ := newTestMemCache(t, conn, "a")
	cmB, _ := newTestMemCache(t, conn, "b")
	ctx := context.Background()

	require.NoError(t, cmA.Set(ctx, "/s", "/s?q=1", []byte(`42`), time.Minute, 9))

	eventually(t, time.Second, func() bool {
		// Read memory directly so the store fallback cannot mask the
		// broadcast path.
		_, err := cmB.store.Get(memKey("/s", "/s?q=1"))
		return err == nil
	}, "cache-set reaches the peer's memory")
}

func TestMemCacheCrossInstanceInvalidate(t *testing.T) {
	_, conn := newTestRedis(t)
	cmA, _ := newTestMemCache(t, conn, "a")
	cmB, _ := newTestMemCache(t, conn, "b")
	ctx := context.Background()

	require.NoError(t, cmB.Set(ctx, "/i", "/i?q=1", []byte(`1`), time.Minute, 1))
	eventually(t, time.Second, func() bool {
		_, err := cmA.store.Get(memKey("/i", "/i?q=1"))
		return err == nil
	}, "entry mirrored")

	cmA.Invalidate(ctx, "/i")
	eventually(t, time.Second, func() bool {
		_, err := cmB.store.Get(memKey("/i", "/i?q=1"))
		return err != nil
	}, "cache-invalidate reaches the peer")
}

func TestMemCachePeerHydration(t *testing.T) {
	_, conn := newTestRedis(t)
	cmA, _ := newTestMemCache(t, conn, "a")
	cmA.start()
	ctx := context.Background()
	require.NoError(t, cmA.Set(ctx, "/h", "/h?q=1", []byte(`"hi"`), time.Minute, 3))

	// Wipe the persistent store so only the peer dump can hydrate B.
	cmA.ps.ClearCache(ctx)

	cmB, _ := newTestMemCache(t, conn, "b")
	cmB.start()
	cmB.WaitForSync(ctx)

	_, err := cmB.store.Get(memKey("/h", "/h?q=1"))
	assert.NoError(t, err, "peer dump hydrated memory")
}

func TestMemCacheWaitForSyncTimesOutAlone(t *testing.T) {
	_, conn := newTestRedis(t)
	cm, _ := newTestMemCache(t, conn, "a")
	cm.start()

	started := time.Now()
	cm.WaitForSync(context.Background())
	assert.Less(t, time.Since(started), time.Second, "settles within the bounded wait with no peers")
}
