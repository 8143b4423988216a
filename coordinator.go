package livecache

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Role is an instance's place in the origin: exactly one leader owns the
// upstream socket, everyone else relays through it.
type Role int32

const (
	RoleFollower Role = iota
	RoleElecting
	RoleLeader
)

func (r Role) String() string {
	switch r {
	case RoleLeader:
		return "leader"
	case RoleElecting:
		return "electing"
	default:
		return "follower"
	}
}

// SocketStatus is the upstream connection state.
type SocketStatus string

const (
	StatusDisconnected SocketStatus = "disconnected"
	StatusConnecting   SocketStatus = "connecting"
	StatusConnected    SocketStatus = "connected"
	StatusError        SocketStatus = "error"
	StatusOffline      SocketStatus = "offline"
)

// ErrNoUpstream is returned by Send when neither a socket nor a leader to
// relay through is available.
var ErrNoUpstream = errors.New("no upstream available")

// Bus payloads for the coordination channel.
type leaderClaimMsg struct {
	TabID string `json:"tabId"`
}

type leaderStepdownMsg struct {
	OldLeaderID string `json:"oldLeaderId"`
}

type wsStatusMsg struct {
	Status SocketStatus `json:"status"`
}

type wsCacheEnabledMsg struct {
	Enabled          bool `json:"enabled"`
	ExplicitlyClosed bool `json:"explicitlyClosed"`
}

type wsDebugEnabledMsg struct {
	Enabled bool `json:"enabled"`
}

type wsUpstreamMsg struct {
	Payload json.RawMessage `json:"payload"`
}

type networkMsg struct{}

// coordinator elects the leader among an origin's instances, owns the
// upstream socket while leading, and relays traffic for followers. The
// shared leader slot lives in Redis; writes are last-writer-wins and a brief
// leader overlap is tolerated because at-most-one-socket is an eventual
// guarantee.
type coordinator struct {
	id    string
	cfg   Config
	conn  redis.UniversalClient
	bus   *broadcastBus
	cm    *memCache
	ps    *Store
	sr    *subscriptionRegistry
	ie    *invalidationEngine
	stats *MetricSet

	role         *Signal[Role]
	isLeader     *Signal[bool]
	wsStatus     *Signal[SocketStatus]
	cacheEnabled *Signal[bool]
	online       *Signal[bool]
	debug        *Signal[bool]

	explicitlyClosed atomic.Bool
	lastHeartbeat    atomic.Int64
	claimSeen        atomic.Bool
	electing         atomic.Bool
	runStarted       atomic.Bool

	leaderTabKey string
	leaderHbKey  string

	mu                sync.Mutex
	sock              *websocket.Conn
	reconnectTimer    *time.Timer
	reconnectAttempts int
	// writeMu serializes socket writes; the socket supports one writer.
	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newCoordinator(id string, conn redis.UniversalClient, bus *broadcastBus, cm *memCache, ps *Store, sr *subscriptionRegistry, ie *invalidationEngine, stats *MetricSet, cfg Config) *coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &coordinator{
		id:           id,
		cfg:          cfg,
		conn:         conn,
		bus:          bus,
		cm:           cm,
		ps:           ps,
		sr:           sr,
		ie:           ie,
		stats:        stats,
		role:         NewSignal(RoleFollower),
		isLeader:     NewSignal(false),
		wsStatus:     NewSignal(StatusDisconnected),
		cacheEnabled: NewSignal(cfg.WS.Startup.EnableCacheBeforeSocket),
		online:       NewSignal(true),
		debug:        NewSignal(cfg.Debug),
		leaderTabKey: cfg.DB.Namespace + ":ws-leader-tab",
		leaderHbKey:  cfg.DB.Namespace + ":ws-leader-heartbeat",
		ctx:          ctx,
		cancel:       cancel,
	}
	ie.enableCache = c.enableCache
	ie.isLeader = func() bool { return c.role.Get() == RoleLeader }

	bus.on(msgLeaderClaim, c.onLeaderClaim)
	bus.on(msgLeaderQuery, c.onLeaderQuery)
	bus.on(msgLeaderStepdown, c.onLeaderStepdown)
	bus.on(msgWsUpstream, c.onUpstreamRelay)
	bus.on(msgWsStatus, c.onStatusSync)
	bus.on(msgWsCacheEnabled, c.onCacheEnabledSync)
	bus.on(msgWsDebugEnabled, c.onDebugSync)
	bus.on(msgNetworkOnline, func(string, json.RawMessage) { c.applyOnline(true, false) })
	bus.on(msgNetworkOffline, func(string, json.RawMessage) { c.applyOnline(false, false) })
	return c
}

func (c *coordinator) setRole(r Role) {
	c.role.Set(r)
	c.isLeader.Set(r == RoleLeader)
}

// Connect joins the origin: claim leadership or demote to follower within
// roughly the election window.
func (c *coordinator) Connect() {
	c.explicitlyClosed.Store(false)
	if c.runStarted.CompareAndSwap(false, true) {
		c.wg.Add(1)
		go c.run()
	}

	tabID, hb, ok := c.readSlot()
	if ok && tabID != c.id && nowMs()-hb < leaderTimeout.Milliseconds() {
		c.becomeFollower(hb)
		// Ask the standing leader to rebroadcast current status.
		c.bus.publish(msgLeaderQuery, nil)
		return
	}
	c.elect()
}

// elect runs one election round. Concurrent rounds collapse into one.
func (c *coordinator) elect() {
	if c.explicitlyClosed.Load() || c.ctx.Err() != nil {
		return
	}
	if !c.electing.CompareAndSwap(false, true) {
		return
	}
	defer c.electing.Store(false)

	c.setRole(RoleElecting)
	c.claimSeen.Store(false)
	c.bus.publish(msgLeaderQuery, nil)

	select {
	case <-time.After(electionWait):
	case <-c.ctx.Done():
		return
	}

	// Double-check: a competing claim during the window, or a fresh slot
	// claimed by another tab, loses us the election.
	if c.claimSeen.Load() {
		c.becomeFollower(nowMs())
		return
	}
	tabID, hb, ok := c.readSlot()
	if ok && tabID != c.id && nowMs()-hb < leaderTimeout.Milliseconds() {
		c.becomeFollower(hb)
		return
	}
	c.becomeLeader()
}

func (c *coordinator) becomeFollower(heartbeat int64) {
	c.lastHeartbeat.Store(heartbeat)
	c.setRole(RoleFollower)
	// A follower holding a socket is a defect; release it.
	c.closeSocket()
	c.stopReconnect()
	log.Debug().Msgf("coordinator %s: following", c.id)
}

func (c *coordinator) becomeLeader() {
	c.setRole(RoleLeader)
	c.writeSlot()
	c.bus.publish(msgLeaderClaim, leaderClaimMsg{TabID: c.id})
	log.Debug().Msgf("coordinator %s: leading", c.id)
	if c.online.Get() {
		c.connectUpstream()
	}
}

// run is the heartbeat loop for both roles: the leader refreshes its claim,
// followers watch for a stale leader and re-elect.
func (c *coordinator) run() {
	defer c.wg.Done()
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		}
		if c.explicitlyClosed.Load() {
			continue
		}
		switch c.role.Get() {
		case RoleLeader:
			c.writeSlot()
			c.bus.publish(msgLeaderClaim, leaderClaimMsg{TabID: c.id})
		case RoleFollower:
			if nowMs()-c.lastHeartbeat.Load() > leaderTimeout.Milliseconds() {
				log.Debug().Msgf("coordinator %s: leader heartbeat stale, re-electing", c.id)
				c.elect()
			}
		}
	}
}

// Shared slot operations. The slot is read and written by every instance;
// last writer wins and the double-check in elect resolves races.

func (c *coordinator) readSlot() (string, int64, bool) {
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.DB.OpTimeout)
	defer cancel()
	vals, err := c.conn.MGet(ctx, c.leaderTabKey, c.leaderHbKey).Result()
	if err != nil || len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return "", 0, false
	}
	tabID, _ := vals[0].(string)
	hbStr, _ := vals[1].(string)
	hb, err := strconv.ParseInt(hbStr, 10, 64)
	if err != nil {
		return "", 0, false
	}
	return tabID, hb, tabID != ""
}

func (c *coordinator) writeSlot() {
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.DB.OpTimeout)
	defer cancel()
	_, err := c.conn.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, c.leaderTabKey, c.id, 0)
		pipe.Set(ctx, c.leaderHbKey, nowMs(), 0)
		return nil
	})
	if err != nil {
		log.Warn().Err(err).Msgf("coordinator: failed to refresh leader slot")
	}
}

func (c *coordinator) clearSlot() {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DB.OpTimeout)
	defer cancel()
	if err := c.conn.Del(ctx, c.leaderTabKey, c.leaderHbKey).Err(); err != nil {
		log.Warn().Err(err).Msgf("coordinator: failed to clear leader slot")
	}
}

// Upstream socket lifecycle, leader only.

func (c *coordinator) connectUpstream() {
	if c.explicitlyClosed.Load() || c.role.Get() != RoleLeader || !c.online.Get() {
		return
	}
	c.setStatus(StatusConnecting)
	c.wg.Add(1)
	go c.dialAndRead()
}

func (c *coordinator) dialAndRead() {
	defer c.wg.Done()
	url := c.cfg.socketURL()
	if url == "" {
		log.Warn().Msgf("coordinator: no socket url configured")
		c.setStatus(StatusDisconnected)
		return
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	sock, _, err := dialer.DialContext(c.ctx, url, nil)
	if err != nil {
		if c.ctx.Err() != nil {
			return
		}
		c.stats.errorAt(errLabelSocket)
		log.Warn().Err(err).Msgf("coordinator: upstream dial failed")
		c.handleSocketDown(StatusError)
		return
	}
	if c.role.Get() != RoleLeader || c.explicitlyClosed.Load() {
		sock.Close()
		return
	}
	c.mu.Lock()
	c.sock = sock
	c.reconnectAttempts = 0
	c.mu.Unlock()
	c.setStatus(StatusConnected)
	// Unless EnableCacheBeforeSocket is set, the cache stays disabled until
	// the first full sync completes, so a server restart cannot leave stale
	// data being served.
	if c.cfg.WS.Startup.EnableCacheBeforeSocket {
		c.enableCache()
	}

	for {
		_, data, err := sock.ReadMessage()
		if err != nil {
			c.mu.Lock()
			current := c.sock == sock
			if current {
				c.sock = nil
			}
			c.mu.Unlock()
			if !current || c.explicitlyClosed.Load() || c.ctx.Err() != nil {
				return
			}
			c.stats.errorAt(errLabelSocket)
			log.Warn().Err(err).Msgf("coordinator: upstream read failed")
			c.handleSocketDown(StatusDisconnected)
			return
		}
		c.ie.HandleUpstream(data)
	}
}

// handleSocketDown disables cache serving and schedules a reconnect when
// still eligible.
func (c *coordinator) handleSocketDown(status SocketStatus) {
	if !c.online.Get() {
		c.setStatus(StatusOffline)
		return
	}
	c.setStatus(status)
	c.disableCache()
	if c.explicitlyClosed.Load() || c.role.Get() != RoleLeader {
		return
	}
	c.scheduleReconnect()
}

// scheduleReconnect backs off progressively: 5 s for the first four tries,
// then +5 s every four attempts, capped at 20 s.
func (c *coordinator) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	delay := reconnectDelay(c.reconnectAttempts)
	c.reconnectAttempts++
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
	}
	log.Debug().Msgf("coordinator: reconnecting in %s (attempt %d)", delay, c.reconnectAttempts)
	c.reconnectTimer = time.AfterFunc(delay, c.connectUpstream)
}

// reconnectDelay grows by 5 s every four attempts, capped at 20 s.
func reconnectDelay(attempts int) time.Duration {
	delay := time.Duration(5000+(attempts/4)*5000) * time.Millisecond
	if delay > 20*time.Second {
		delay = 20 * time.Second
	}
	return delay
}

func (c *coordinator) stopReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.reconnectAttempts = 0
}

func (c *coordinator) closeSocket() {
	c.mu.Lock()
	sock := c.sock
	c.sock = nil
	c.mu.Unlock()
	if sock != nil {
		sock.Close()
	}
}

func (c *coordinator) setStatus(status SocketStatus) {
	c.wsStatus.Set(status)
	if c.role.Get() == RoleLeader {
		c.bus.publish(msgWsStatus, wsStatusMsg{Status: status})
	}
}

func (c *coordinator) enableCache() {
	if c.explicitlyClosed.Load() {
		return
	}
	c.cacheEnabled.Set(true)
	c.bus.publish(msgWsCacheEnabled, wsCacheEnabledMsg{Enabled: true})
}

func (c *coordinator) disableCache() {
	c.cacheEnabled.Set(false)
	c.bus.publish(msgWsCacheEnabled, wsCacheEnabledMsg{
		Enabled:          false,
		ExplicitlyClosed: c.explicitlyClosed.Load(),
	})
}

// Send routes a payload upstream: leaders write the socket, followers relay
// over the bus.
func (c *coordinator) Send(payload any) error {
	raw, err := encodePayload(payload)
	if err != nil {
		return err
	}
	switch c.role.Get() {
	case RoleLeader:
		c.mu.Lock()
		sock := c.sock
		c.mu.Unlock()
		if sock == nil {
			log.Warn().Msgf("coordinator: dropping send, leader has no open socket")
			return ErrNoUpstream
		}
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return sock.WriteMessage(websocket.TextMessage, raw)
	case RoleFollower:
		c.bus.publish(msgWsUpstream, wsUpstreamMsg{Payload: ensureJSON(raw)})
		return nil
	default:
		log.Warn().Msgf("coordinator: dropping send while electing")
		return ErrNoUpstream
	}
}

// encodePayload stringifies JSON if needed: strings and bytes pass through,
// everything else marshals.
func encodePayload(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case []byte:
		return p, nil
	case string:
		return []byte(p), nil
	default:
		return json.Marshal(p)
	}
}

// ensureJSON wraps non-JSON payloads as a JSON string for bus transport.
func ensureJSON(raw []byte) json.RawMessage {
	if json.Valid(raw) {
		return raw
	}
	quoted, _ := json.Marshal(string(raw))
	return quoted
}

// WaitForConnection blocks until the socket is connected, polling at a
// 50 ms granularity. Returns false on timeout.
func (c *coordinator) WaitForConnection(timeout time.Duration) bool {
	deadline := getNow().Add(timeout)
	for {
		if c.wsStatus.Get() == StatusConnected {
			return true
		}
		if getNow().After(deadline) || c.ctx.Err() != nil {
			return false
		}
		select {
		case <-time.After(connPollInterval):
		case <-c.ctx.Done():
			return false
		}
	}
}

// SetOnline applies a connectivity transition and announces it to peers.
func (c *coordinator) SetOnline(online bool) {
	c.applyOnline(online, true)
}

func (c *coordinator) applyOnline(online bool, announce bool) {
	if c.online.Get() == online {
		return
	}
	c.online.Set(online)
	if announce {
		if online {
			c.bus.publish(msgNetworkOnline, networkMsg{})
		} else {
			c.bus.publish(msgNetworkOffline, networkMsg{})
		}
	}
	if !online {
		c.setStatus(StatusOffline)
		c.disableCache()
		c.closeSocket()
		c.stopReconnect()
		return
	}
	// Back online: reset attempts, reconnect if leading, and wake every
	// consumer so they refetch whatever went stale while offline.
	c.mu.Lock()
	c.reconnectAttempts = 0
	c.mu.Unlock()
	if c.role.Get() == RoleLeader {
		c.connectUpstream()
	}
	c.sr.FireGlobal()
}

// Disconnect is a user-initiated shutdown of the upstream: no reconnect
// fires until a subsequent Connect.
func (c *coordinator) Disconnect() {
	c.explicitlyClosed.Store(true)
	c.stopReconnect()
	wasLeader := c.role.Get() == RoleLeader
	c.closeSocket()
	c.setStatus(StatusDisconnected)
	c.disableCache()
	if wasLeader {
		c.bus.publish(msgLeaderStepdown, leaderStepdownMsg{OldLeaderID: c.id})
		c.clearSlot()
	}
	c.setRole(RoleFollower)
}

func (c *coordinator) Close() {
	c.Disconnect()
	c.cancel()
	c.wg.Wait()
}

// SetDebug sets the runtime debug flag; the leader propagates it to
// followers. The logger level is left unchanged.
func (c *coordinator) SetDebug(enabled bool) {
	c.debug.Set(enabled)
	if c.role.Get() == RoleLeader {
		c.bus.publish(msgWsDebugEnabled, wsDebugEnabledMsg{Enabled: enabled})
	}
}

// Bus handlers.

func (c *coordinator) onLeaderClaim(sender string, data json.RawMessage) {
	var msg leaderClaimMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	c.lastHeartbeat.Store(nowMs())
	switch c.role.Get() {
	case RoleElecting:
		c.claimSeen.Store(true)
	case RoleLeader:
		if msg.TabID == c.id {
			return
		}
		// Concurrent claim: the shared slot arbitrates, loser steps down
		// instantly.
		tabID, _, ok := c.readSlot()
		if ok && tabID != c.id {
			log.Debug().Msgf("coordinator %s: lost leadership to %s", c.id, tabID)
			c.becomeFollower(nowMs())
		}
	}
}

func (c *coordinator) onLeaderQuery(sender string, data json.RawMessage) {
	if c.role.Get() != RoleLeader {
		return
	}
	c.bus.publish(msgLeaderClaim, leaderClaimMsg{TabID: c.id})
	c.bus.publish(msgWsStatus, wsStatusMsg{Status: c.wsStatus.Get()})
	c.bus.publish(msgWsCacheEnabled, wsCacheEnabledMsg{
		Enabled:          c.cacheEnabled.Get(),
		ExplicitlyClosed: c.explicitlyClosed.Load(),
	})
	c.bus.publish(msgWsDebugEnabled, wsDebugEnabledMsg{Enabled: c.debug.Get()})
}

func (c *coordinator) onLeaderStepdown(sender string, data json.RawMessage) {
	if c.role.Get() != RoleFollower {
		return
	}
	// Elect instantly rather than waiting out the heartbeat timeout. A
	// short jitter thins the herd; the double-check settles the rest.
	jitter := time.Duration(rand.Intn(50)) * time.Millisecond
	time.AfterFunc(jitter, c.elect)
}

func (c *coordinator) onUpstreamRelay(sender string, data json.RawMessage) {
	if c.role.Get() != RoleLeader {
		return
	}
	var msg wsUpstreamMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	raw := []byte(msg.Payload)
	var s string
	if err := json.Unmarshal(msg.Payload, &s); err == nil {
		raw = []byte(s)
	}
	if err := c.Send(raw); err != nil {
		log.Warn().Err(err).Msgf("coordinator: failed to relay follower send")
	}
}

func (c *coordinator) onStatusSync(sender string, data json.RawMessage) {
	if c.role.Get() == RoleLeader {
		return
	}
	var msg wsStatusMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	c.wsStatus.Set(msg.Status)
}

func (c *coordinator) onCacheEnabledSync(sender string, data json.RawMessage) {
	if c.role.Get() == RoleLeader {
		return
	}
	var msg wsCacheEnabledMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	c.cacheEnabled.Set(msg.Enabled)
}

func (c *coordinator) onDebugSync(sender string, data json.RawMessage) {
	if c.role.Get() == RoleLeader {
		return
	}
	var msg wsDebugEnabledMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	c.debug.Set(msg.Enabled)
}
