package livecache

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T, cm *memCache, focused bool) *subscriptionRegistry {
	t.Helper()
	cfg := Config{}
	cfg.WS.BackgroundPollInterval = 20 * time.Millisecond
	cfg.WS.DefaultBackgroundDelay = 150 * time.Millisecond
	cfg.withDefaults()
	r := newSubscriptionRegistry(cm, NewSignal(focused), cfg)
	t.Cleanup(r.close)
	return r
}

func TestFocusedDispatchIsImmediate(t *testing.T) {
	r := newTestRegistry(t, nil, true)
	fired := make(chan time.Time, 1)
	r.Subscribe("/todos", func(SubEvent) { fired <- time.Now() })

	started := time.Now()
	r.Notify("/todos")

	select {
	case at := <-fired:
		assert.Less(t, at.Sub(started), 50*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("focused subscriber not notified")
	}
}

func TestBackgroundDispatchWaitsForMaxDelay(t *testing.T) {
	r := newTestRegistry(t, nil, false)
	fired := make(chan time.Time, 1)
	r.Subscribe("/todos", func(SubEvent) { fired <- time.Now() })

	started := time.Now()
	r.Notify("/todos")

	select {
	case at := <-fired:
		elapsed := at.Sub(started)
		assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond, "background waits")
		assert.Less(t, elapsed, time.Second, "but is bounded")
	case <-time.After(2 * time.Second):
		t.Fatal("background subscriber never fired")
	}
}

func TestBackgroundDispatchFiresOnFocusRegained(t *testing.T) {
	r := newTestRegistry(t, nil, false)
	fired := make(chan time.Time, 1)
	r.Subscribe("/todos", func(SubEvent) { fired <- time.Now() })

	// Stretch the wait so only the focus check can fire this fast.
	r.SetRouteDelay("/todos", 5*time.Second)
	started := time.Now()
	r.Notify("/todos")
	time.Sleep(30 * time.Millisecond)
	r.focused.Set(true)

	select {
	case at := <-fired:
		assert.Less(t, at.Sub(started), time.Second)
	case <-time.After(2 * time.Second):
		t.Fatal("regaining focus did not fire the subscriber")
	}
}

func TestBackgroundDispatchFiresOnCacheRefill(t *testing.T) {
	_, conn := newTestRedis(t)
	cm, _ := newTestMemCache(t, conn, "a")
	r := newTestRegistry(t, cm, false)
	fired := make(chan time.Time, 1)
	r.Subscribe("/todos?p=1", func(SubEvent) { fired <- time.Now() })

	r.SetRouteDelay("/todos?p=1", 5*time.Second)
	started := time.Now()
	r.Notify("/todos?p=1")

	// Another instance repopulates the cache; the poll detects it.
	require.NoError(t, cm.Set(context.Background(), "/todos", "/todos?p=1", []byte(`[]`), time.Minute, 1))

	select {
	case at := <-fired:
		assert.Less(t, at.Sub(started), time.Second, "refill detected before max wait")
	case <-time.After(2 * time.Second):
		t.Fatal("cache refill did not fire the subscriber")
	}
}

func TestUnsubscribeRemovesOneOccurrence(t *testing.T) {
	r := newTestRegistry(t, nil, true)
	var calls atomic.Int64
	fn := func(SubEvent) { calls.Add(1) }

	unsub1 := r.Subscribe("/k", fn)
	r.Subscribe("/k", fn)
	unsub1()

	r.Notify("/k")
	eventually(t, time.Second, func() bool { return calls.Load() == 1 }, "one subscriber left")
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, calls.Load())

	// Unsubscribing twice is harmless.
	unsub1()
	r.Notify("/k")
	eventually(t, time.Second, func() bool { return calls.Load() == 2 }, "remaining subscriber still fires")
}

func TestGlobalSubscribers(t *testing.T) {
	r := newTestRegistry(t, nil, true)
	var globals atomic.Int64
	unsub := r.SubscribeGlobal(func(SubEvent) { globals.Add(1) })

	r.FireGlobal()
	eventually(t, time.Second, func() bool { return globals.Load() == 1 }, "global fired")

	unsub()
	r.FireGlobal()
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, globals.Load())
}

func TestNotifyAllReachesEveryKey(t *testing.T) {
	r := newTestRegistry(t, nil, true)
	var perKey, globals atomic.Int64
	r.Subscribe("/a", func(SubEvent) { perKey.Add(1) })
	r.Subscribe("/b", func(SubEvent) { perKey.Add(1) })
	r.SubscribeGlobal(func(SubEvent) { globals.Add(1) })

	r.NotifyAll()
	eventually(t, time.Second, func() bool {
		return perKey.Load() == 2 && globals.Load() == 1
	}, "all subscribers reached")
}

func TestRefreshingIndicatorWindow(t *testing.T) {
	_, conn := newTestRedis(t)
	cm, _ := newTestMemCache(t, conn, "a")
	cfg := Config{}
	cfg.WS.ActivityIndicatorDuration = 80 * time.Millisecond
	cfg.withDefaults()
	r := newSubscriptionRegistry(cm, NewSignal(true), cfg)
	t.Cleanup(r.close)

	assert.False(t, r.refreshing.Get())
	r.Notify("/k")
	assert.True(t, r.refreshing.Get())
	eventually(t, time.Second, func() bool { return !r.refreshing.Get() }, "indicator turns off")
}

func TestSubscriberPanicIsContained(t *testing.T) {
	r := newTestRegistry(t, nil, true)
	var after atomic.Bool
	r.Subscribe("/k", func(SubEvent) { panic("boom") })
	r.Subscribe("/k", func(SubEvent) { after.Store(true) })

	r.Notify("/k")
	eventually(t, time.Second, func() bool { return after.Load() }, "later subscriber still runs")
}

func TestAutoRefetchFlagPropagates(t *testing.T) {
	_, conn := newTestRedis(t)
	cfg := testConfig(conn, func(cfg *Config) { cfg.AutoRefetchOnInvalidation = true })
	cfg.withDefaults()
	r := newSubscriptionRegistry(nil, NewSignal(true), cfg)
	t.Cleanup(r.close)

	events := make(chan SubEvent, 1)
	r.Subscribe("/k", func(ev SubEvent) { events <- ev })
	r.Notify("/k")

	select {
	case ev := <-events:
		assert.True(t, ev.AutoRefetch)
		assert.Equal(t, "/k", ev.Key)
	case <-time.After(time.Second):
		t.Fatal("subscriber not notified")
	}
}
