package livecache

import (
	"context"
	"encoding/json"
	"sync"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Cross-instance message types. One physical pub/sub channel carries both
// the cache traffic and the coordination traffic, discriminated by type.
const (
	msgCacheSet        = "cache-set"
	msgCacheInvalidate = "cache-invalidate"
	msgCacheRequest    = "cache-request"
	msgCacheResponse   = "cache-response"
	msgLeaderClaim     = "leader-claim"
	msgLeaderQuery     = "leader-query"
	msgLeaderStepdown  = "leader-stepdown"
	msgWsInvalidate    = "ws-invalidate"
	msgWsInvalidateAll = "ws-invalidate-all"
	msgWsStatus        = "ws-status"
	msgWsUpstream      = "ws-upstream"
	msgWsCustom        = "ws-custom"
	msgWsCacheEnabled  = "ws-cache-enabled"
	msgWsDebugEnabled  = "ws-debug-enabled"
	msgNetworkOnline   = "network-online"
	msgNetworkOffline  = "network-offline"
)

// busEnvelope is the wire format on the broadcast channel.
type busEnvelope struct {
	Type   string          `json:"type"`
	Sender string          `json:"sender"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type busHandler func(sender string, data json.RawMessage)

// broadcastBus is the intra-origin pub/sub peer: best-effort fan-out over a
// named Redis channel, per-sender ordering only. A bus never delivers a
// message back to its own sender.
type broadcastBus struct {
	conn    redis.UniversalClient
	channel string
	sender  string
	stats   *MetricSet

	mu       sync.RWMutex
	handlers map[string][]busHandler

	pubsub *redis.PubSub
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newBroadcastBus(conn redis.UniversalClient, channel, sender string, stats *MetricSet) *broadcastBus {
	ctx, cancel := context.WithCancel(context.Background())
	return &broadcastBus{
		conn:     conn,
		channel:  channel,
		sender:   sender,
		stats:    stats,
		handlers: make(map[string][]busHandler),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// on registers a handler for a message type. Handlers run inline on the
// receive loop's goroutine, must not block, and must tolerate out-of-order
// delivery across senders.
func (b *broadcastBus) on(msgType string, h busHandler) {
	b.mu.Lock()
	b.handlers[msgType] = append(b.handlers[msgType], h)
	b.mu.Unlock()
}

// publish fans @p data out to peers. Fire and forget: a failed publish is
// logged and dropped, peers reconcile through timestamps later.
func (b *broadcastBus) publish(msgType string, data any) {
	var raw json.RawMessage
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			log.Err(err).Msgf("bus: failed to encode %s payload", msgType)
			return
		}
		raw = encoded
	}
	payload, err := json.Marshal(busEnvelope{Type: msgType, Sender: b.sender, Data: raw})
	if err != nil {
		log.Err(err).Msgf("bus: failed to encode %s envelope", msgType)
		return
	}
	if err := b.conn.Publish(b.ctx, b.channel, payload).Err(); err != nil {
		b.stats.errorAt(errLabelBroadcast)
		log.Warn().Err(err).Msgf("bus: failed to publish %s", msgType)
	}
}

func (b *broadcastBus) start() {
	b.pubsub = b.conn.Subscribe(b.ctx, b.channel)
	b.wg.Add(1)
	go b.listen()
}

func (b *broadcastBus) listen() {
	defer b.wg.Done()
	ch := b.pubsub.Channel()
	for {
		msg, ok := <-ch
		if !ok {
			return
		}
		// Dispatch inline: per-sender ordering is the one delivery
		// guarantee peers rely on. Handlers must not block.
		var env busEnvelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			b.stats.errorAt(errLabelBroadcast)
			log.Warn().Msgf("bus: received undecodable payload %q", msg.Payload)
			continue
		}
		if env.Sender == b.sender {
			// Message from self.
			continue
		}
		b.mu.RLock()
		handlers := append([]busHandler(nil), b.handlers[env.Type]...)
		b.mu.RUnlock()
		for _, h := range handlers {
			b.dispatch(h, env)
		}
	}
}

func (b *broadcastBus) dispatch(h busHandler, env busEnvelope) {
	defer func() {
		if p := recover(); p != nil {
			b.stats.errorAt(errLabelBroadcast)
			log.Error().Interface("panic", p).Msgf("bus: handler for %s panicked", env.Type)
		}
	}()
	h(env.Sender, env.Data)
}

func (b *broadcastBus) close() {
	if b.pubsub != nil {
		if err := b.pubsub.Unsubscribe(context.Background(), b.channel); err != nil {
			log.Err(err).Msgf("bus: failed to unsubscribe")
		}
		if err := b.pubsub.Close(); err != nil {
			log.Err(err).Msgf("bus: failed to close pubsub")
		}
	}
	b.cancel()
	b.wg.Wait()
}
