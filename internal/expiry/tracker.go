// Package expiry provides a TTL bookkeeping helper built on ttlcache,
// used by the queue-variant pool as a proactive-eviction hook for idle
// slots. The pool still checks each slot's own expiry deadline at claim
// time; the tracker adds eviction between claims.
package expiry

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Tracker records a TTL deadline per key and invokes onExpire exactly once
// when that deadline passes without the key being re-armed first via
// Track. Re-calling Track before expiry resets the deadline; it never
// fires onExpire early.
type Tracker[K comparable] struct {
	cache *ttlcache.Cache[K, struct{}]
}

// New builds a Tracker and starts its background sweep goroutine. Call
// Stop when the owning pool shuts down.
func New[K comparable](onExpire func(K)) *Tracker[K] {
	cache := ttlcache.New[K, struct{}]()
	cache.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[K, struct{}]) {
		if reason == ttlcache.EvictionReasonExpired {
			onExpire(item.Key())
		}
	})
	go cache.Start()
	return &Tracker[K]{cache: cache}
}

// Track (re)arms the TTL countdown for key, replacing any deadline already
// set for it.
func (t *Tracker[K]) Track(key K, ttl time.Duration) {
	t.cache.Set(key, struct{}{}, ttl)
}

// Stop halts the background sweep. No further onExpire calls occur once
// Stop returns.
func (t *Tracker[K]) Stop() {
	t.cache.Stop()
}
