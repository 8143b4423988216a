package livecache

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newWSServer runs a websocket upstream; accepted connections arrive on the
// returned channel.
func newWSServer(t *testing.T) (string, chan *websocket.Conn) {
	t.Helper()
	conns := make(chan *websocket.Conn, 4)
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- conn
	}))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http"), conns
}

func TestSingleLeaderElection(t *testing.T) {
	_, conn := newTestRedis(t)

	a := newTestClient(t, conn)
	eventually(t, time.Second, func() bool {
		return a.co.role.Get() == RoleLeader
	}, "first instance becomes leader")

	b := newTestClient(t, conn)
	eventually(t, time.Second, func() bool {
		return b.co.role.Get() == RoleFollower
	}, "second instance becomes follower")

	assert.Equal(t, RoleLeader, a.co.role.Get())
	assert.True(t, a.IsLeaderTab().Get())
	assert.False(t, b.IsLeaderTab().Get())
}

func TestLeaderHandoffOnDisconnect(t *testing.T) {
	_, conn := newTestRedis(t)

	a := newTestClient(t, conn)
	eventually(t, time.Second, func() bool { return a.co.role.Get() == RoleLeader }, "a leads")
	b := newTestClient(t, conn)
	eventually(t, time.Second, func() bool { return b.co.role.Get() == RoleFollower }, "b follows")

	a.Disconnect()
	eventually(t, 2*time.Second, func() bool {
		return b.co.role.Get() == RoleLeader
	}, "follower takes over after stepdown")
	assert.Equal(t, RoleFollower, a.co.role.Get())
}

func TestNoReconnectAfterDisconnect(t *testing.T) {
	url, conns := newWSServer(t)
	_, conn := newTestRedis(t)

	c := newTestClient(t, conn, func(cfg *Config) { cfg.WS.URL = url })
	eventually(t, 2*time.Second, func() bool {
		return c.WSStatus().Get() == StatusConnected
	}, "leader connects upstream")
	<-conns

	c.Disconnect()
	assert.Equal(t, StatusDisconnected, c.WSStatus().Get())
	assert.False(t, c.CacheEnabled().Get())

	// No reconnect timer fires until a subsequent Connect.
	select {
	case <-conns:
		t.Fatal("unexpected reconnect after explicit disconnect")
	case <-time.After(500 * time.Millisecond):
	}

	c.Connect()
	eventually(t, 2*time.Second, func() bool {
		return c.WSStatus().Get() == StatusConnected
	}, "reconnects after Connect")
}

func TestCacheEnabledAfterFirstFullSync(t *testing.T) {
	url, conns := newWSServer(t)
	_, conn := newTestRedis(t)

	c := newTestClient(t, conn, func(cfg *Config) { cfg.WS.URL = url })
	eventually(t, 2*time.Second, func() bool {
		return c.WSStatus().Get() == StatusConnected
	}, "connected")
	assert.False(t, c.CacheEnabled().Get(), "cache stays disabled until the first sync")

	upstream := <-conns
	require.NoError(t, upstream.WriteMessage(websocket.TextMessage, []byte(`{"type":"invalidate","data":{}}`)))

	eventually(t, time.Second, func() bool {
		return c.CacheEnabled().Get()
	}, "first full sync enables the cache")
}

func TestOfflineOnlineCycle(t *testing.T) {
	url, conns := newWSServer(t)
	_, conn := newTestRedis(t)

	c := newTestClient(t, conn, func(cfg *Config) { cfg.WS.URL = url })
	eventually(t, 2*time.Second, func() bool {
		return c.WSStatus().Get() == StatusConnected
	}, "connected")
	<-conns

	globalFired := make(chan struct{}, 1)
	c.SubscribeGlobal(func(SubEvent) {
		select {
		case globalFired <- struct{}{}:
		default:
		}
	})

	c.SetOnline(false)
	assert.Equal(t, StatusOffline, c.WSStatus().Get())
	assert.False(t, c.CacheEnabled().Get())

	// No reconnect while offline.
	select {
	case <-conns:
		t.Fatal("reconnect attempted while offline")
	case <-time.After(300 * time.Millisecond):
	}

	c.SetOnline(true)
	eventually(t, 2*time.Second, func() bool {
		return c.WSStatus().Get() == StatusConnected
	}, "reconnects when back online")
	select {
	case <-globalFired:
	case <-time.After(time.Second):
		t.Fatal("global invalidation callbacks did not fire on online")
	}
	c.co.mu.Lock()
	attempts := c.co.reconnectAttempts
	c.co.mu.Unlock()
	assert.Zero(t, attempts, "attempts reset on online")
}

func TestFollowerSendRelays(t *testing.T) {
	url, conns := newWSServer(t)
	_, conn := newTestRedis(t)

	leader := newTestClient(t, conn, func(cfg *Config) { cfg.WS.URL = url })
	eventually(t, 2*time.Second, func() bool {
		return leader.WSStatus().Get() == StatusConnected
	}, "leader connected")
	upstream := <-conns

	follower := newTestClient(t, conn, func(cfg *Config) { cfg.WS.URL = url })
	eventually(t, time.Second, func() bool {
		return follower.co.role.Get() == RoleFollower
	}, "follower joined")

	require.NoError(t, follower.Send(`{"op":"ping"}`))

	upstream.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := upstream.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"op":"ping"}`, string(payload))
}

func TestFollowerAdoptsLeaderStatus(t *testing.T) {
	url, conns := newWSServer(t)
	_, conn := newTestRedis(t)

	leader := newTestClient(t, conn, func(cfg *Config) { cfg.WS.URL = url })
	eventually(t, 2*time.Second, func() bool {
		return leader.WSStatus().Get() == StatusConnected
	}, "leader connected")
	upstream := <-conns
	require.NoError(t, upstream.WriteMessage(websocket.TextMessage, []byte(`{"type":"invalidate","data":{}}`)))
	eventually(t, time.Second, func() bool { return leader.CacheEnabled().Get() }, "cache on")

	follower := newTestClient(t, conn, func(cfg *Config) { cfg.WS.URL = url })
	eventually(t, 2*time.Second, func() bool {
		return follower.WSStatus().Get() == StatusConnected && follower.CacheEnabled().Get()
	}, "follower adopts status and cacheEnabled from leader-query reply")
}

func TestReconnectBackoffSchedule(t *testing.T) {
	for _, tc := range []struct {
		attempts int
		want     time.Duration
	}{
		{0, 5 * time.Second},
		{3, 5 * time.Second},
		{4, 10 * time.Second},
		{8, 15 * time.Second},
		{12, 20 * time.Second},
		{100, 20 * time.Second},
	} {
		assert.Equal(t, tc.want, reconnectDelay(tc.attempts), "attempts=%d", tc.attempts)
	}
}
