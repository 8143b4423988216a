package livecache

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// SubEvent is delivered to subscribers when their key is invalidated.
// AutoRefetch tells the binding layer to refetch immediately rather than
// flag refetch-needed.
type SubEvent struct {
	Key         string
	AutoRefetch bool
}

// SubscriberFunc receives invalidation events. Callbacks must be quick or
// hand off; they run on dispatch goroutines.
type SubscriberFunc func(SubEvent)

type subscriber struct {
	fn SubscriberFunc
}

// subscriptionRegistry tracks per-key and global subscribers and dispatches
// focus-aware: a focused instance is notified immediately, an unfocused one
// polls first so it can read the refilled cache cheaply instead of
// stampeding the network alongside the focused instance.
type subscriptionRegistry struct {
	mu     sync.Mutex
	perKey map[string][]*subscriber
	global []*subscriber

	cm          *memCache
	focused     *Signal[bool]
	refreshing  *Signal[bool]
	autoRefetch bool

	pollInterval   time.Duration
	defaultMaxWait time.Duration
	activityWindow time.Duration

	activityMu    sync.Mutex
	activityTimer *time.Timer

	delayMu     sync.Mutex
	routeDelays map[string]time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newSubscriptionRegistry(cm *memCache, focused *Signal[bool], cfg Config) *subscriptionRegistry {
	ctx, cancel := context.WithCancel(context.Background())
	return &subscriptionRegistry{
		perKey:         make(map[string][]*subscriber),
		cm:             cm,
		focused:        focused,
		refreshing:     NewSignal(false),
		autoRefetch:    cfg.AutoRefetchOnInvalidation,
		pollInterval:   cfg.WS.BackgroundPollInterval,
		defaultMaxWait: cfg.WS.DefaultBackgroundDelay,
		activityWindow: cfg.WS.ActivityIndicatorDuration,
		routeDelays:    make(map[string]time.Duration),
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Subscribe registers @p fn for @p key. The returned handle removes exactly
// one occurrence, so double-subscribing and unsubscribing once leaves one.
func (r *subscriptionRegistry) Subscribe(key string, fn SubscriberFunc) func() {
	sub := &subscriber{fn: fn}
	r.mu.Lock()
	r.perKey[key] = append(r.perKey[key], sub)
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		subs := r.perKey[key]
		for i, s := range subs {
			if s == sub {
				r.perKey[key] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(r.perKey[key]) == 0 {
			delete(r.perKey, key)
		}
	}
}

// SubscribeGlobal registers @p fn for global invalidations (full purges,
// reconnects after offline).
func (r *subscriptionRegistry) SubscribeGlobal(fn SubscriberFunc) func() {
	sub := &subscriber{fn: fn}
	r.mu.Lock()
	r.global = append(r.global, sub)
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, s := range r.global {
			if s == sub {
				r.global = append(r.global[:i], r.global[i+1:]...)
				break
			}
		}
	}
}

// SetRouteDelay overrides the background max wait for one specific key.
func (r *subscriptionRegistry) SetRouteDelay(specificKey string, d time.Duration) {
	r.delayMu.Lock()
	r.routeDelays[specificKey] = d
	r.delayMu.Unlock()
}

func (r *subscriptionRegistry) maxWait(key string) time.Duration {
	r.delayMu.Lock()
	defer r.delayMu.Unlock()
	if d, ok := r.routeDelays[key]; ok {
		return d
	}
	return r.defaultMaxWait
}

// Notify dispatches subscribers of @p key, immediately when focused,
// through the bounded background poll otherwise.
func (r *subscriptionRegistry) Notify(key string) {
	r.markActivity()
	if r.focused.Get() {
		r.fire(key)
		return
	}
	r.Poll(key)
}

// Poll runs the background wait for @p key: fire as soon as focus returns
// or a peer refilled the cache, else after the bounded max wait, forcing a
// fetch.
func (r *subscriptionRegistry) Poll(key string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		deadline := getNow().Add(r.maxWait(key))
		ticker := time.NewTicker(r.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-r.ctx.Done():
				return
			case <-ticker.C:
			}
			if r.focused.Get() {
				r.fire(key)
				return
			}
			if r.cm != nil && r.cm.Find(r.ctx, key) {
				r.fire(key)
				return
			}
			if getNow().After(deadline) {
				r.fire(key)
				return
			}
		}
	}()
}

// fire invokes per-key callbacks asynchronously.
func (r *subscriptionRegistry) fire(key string) {
	r.mu.Lock()
	subs := append([]*subscriber(nil), r.perKey[key]...)
	r.mu.Unlock()
	if len(subs) == 0 {
		return
	}
	ev := SubEvent{Key: key, AutoRefetch: r.autoRefetch}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for _, s := range subs {
			r.invoke(s, ev)
		}
	}()
}

// FireGlobal invokes global-invalidation callbacks.
func (r *subscriptionRegistry) FireGlobal() {
	r.markActivity()
	r.mu.Lock()
	subs := append([]*subscriber(nil), r.global...)
	r.mu.Unlock()
	ev := SubEvent{AutoRefetch: r.autoRefetch}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for _, s := range subs {
			r.invoke(s, ev)
		}
	}()
}

// NotifyAll fires global callbacks plus every per-key subscriber.
func (r *subscriptionRegistry) NotifyAll() {
	r.FireGlobal()
	r.mu.Lock()
	keys := make([]string, 0, len(r.perKey))
	for key := range r.perKey {
		keys = append(keys, key)
	}
	r.mu.Unlock()
	for _, key := range keys {
		r.fire(key)
	}
}

func (r *subscriptionRegistry) invoke(s *subscriber, ev SubEvent) {
	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic", p).Msgf("subscriber callback panicked for %q", ev.Key)
		}
	}()
	s.fn(ev)
}

// markActivity turns the refreshing indicator on for the configured window.
func (r *subscriptionRegistry) markActivity() {
	r.refreshing.Set(true)
	r.activityMu.Lock()
	defer r.activityMu.Unlock()
	if r.activityTimer != nil {
		r.activityTimer.Stop()
	}
	r.activityTimer = time.AfterFunc(r.activityWindow, func() {
		r.refreshing.Set(false)
	})
}

func (r *subscriptionRegistry) close() {
	r.cancel()
	r.activityMu.Lock()
	if r.activityTimer != nil {
		r.activityTimer.Stop()
	}
	r.activityMu.Unlock()
	r.wg.Wait()
}
