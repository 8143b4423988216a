package livecache

import (
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-resty/resty/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, redis.UniversalClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	conn := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { conn.Close() })
	return mr, conn
}

// headerTimestamp extracts the server timestamp from the X-Server-Time
// header, falling back to the current clock.
func headerTimestamp(resp *resty.Response) int64 {
	if v := resp.Header().Get("X-Server-Time"); v != "" {
		ts, err := strconv.ParseInt(v, 10, 64)
		if err == nil {
			return ts
		}
	}
	return nowMs()
}

func testConfig(conn redis.UniversalClient, mutate ...func(*Config)) Config {
	cfg := Config{
		AppName:      "test",
		Redis:        conn,
		GetTimestamp: headerTimestamp,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	return cfg
}

func newTestClient(t *testing.T, conn redis.UniversalClient, mutate ...func(*Config)) *Client {
	t.Helper()
	c, err := New(testConfig(conn, mutate...))
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

// eventually polls @p cond until it holds or the deadline passes.
func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition never held: %s", msg)
}
