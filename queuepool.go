package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/posidoni/objectpool/internal/expiry"
)

// QueuePool is the channel-based object pool variant. A background
// allocator fills every slot eagerly and feeds a bounded "live queue";
// Claim is a channel receive instead of a mutex/condition wait. It
// satisfies the same Pooler contract as Pool; claimers wait on the live
// queue rather than on the reference variant's pool-wide mutex and
// condition variable.
type QueuePool[T any] struct {
	snap snapshot[T]

	slots []*Slot[T]
	ready chan *Slot[T]

	claimedCount atomic.Int64
	shutdown     atomic.Bool
	shutdownOnce sync.Once
	shutdownCh   chan struct{}
	completion   *Completion

	releaseMu   sync.Mutex
	releaseCond *sync.Cond

	sem     *semaphore.Weighted
	tracker *expiry.Tracker[int64]
}

// NewQueuePool validates cfg and constructs a queue-variant pool. Unlike
// Pool, every slot is created and an allocation kicked off for it
// immediately, in the background; the pool is usable as soon as the
// first allocation lands.
func NewQueuePool[T any](cfg Config[T]) (*QueuePool[T], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	snap := newSnapshot(cfg)

	q := &QueuePool[T]{
		snap:       snap,
		slots:      make([]*Slot[T], snap.size),
		ready:      make(chan *Slot[T], snap.size),
		shutdownCh: make(chan struct{}),
		completion: newCompletion(),
		sem:        semaphore.NewWeighted(int64(snap.allocatorConcurrency)),
	}
	q.releaseCond = sync.NewCond(&q.releaseMu)
	q.tracker = expiry.New[int64](q.handleProactiveExpiry)

	for i := range q.slots {
		s := newSlot[T](int64(i))
		q.slots[i] = s
		q.fillSlot(s)
	}

	return q, nil
}

// Claim blocks until an object is available or ctx is done.
func (q *QueuePool[T]) Claim(ctx context.Context) (*Poolable[T], error) {
	for {
		if q.shutdown.Load() {
			return nil, ErrShutDown
		}

		slot, err := q.receiveReady(ctx)
		if err != nil {
			return nil, err
		}
		q.clearQueued(slot)

		now := time.Now()

		slot.mu.Lock()
		switch {
		case slot.hasValue && !slot.expired(now):
			value := slot.value
			slot.claimed = true
			slot.mu.Unlock()

			q.claimedCount.Add(1)
			return newPoolable(slot, value, q.releaseFromPoolable), nil
		case slot.hasValue:
			stale, _ := slot.takeValueLocked()
			slot.mu.Unlock()
			q.safeDeallocate(stale)
			q.fillSlot(slot)
		case slot.poison != nil:
			perr := slot.poison
			slot.mu.Unlock()
			q.fillSlot(slot)
			if errors.Is(perr, ErrAllocatorReturnedNil) {
				return nil, perr
			}
			return nil, &AllocationError{Cause: perr}
		default:
			slot.mu.Unlock()
			q.fillSlot(slot)
		}
	}
}

// ClaimTimeout behaves like Claim but returns (nil, nil) if no object
// becomes available within timeout. timeout <= 0 still returns an
// already-queued object without suspending.
func (q *QueuePool[T]) ClaimTimeout(timeout time.Duration) (*Poolable[T], error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	poolable, err := q.Claim(ctx)
	if err != nil && errors.Is(err, ErrInterrupted) && ctx.Err() == context.DeadlineExceeded {
		return nil, nil
	}
	return poolable, err
}

// Shutdown marks the pool shut down, wakes every blocked claimer, and
// starts an asynchronous drain that deallocates each slot once it is no
// longer claimed. Idempotent.
func (q *QueuePool[T]) Shutdown() *Completion {
	q.shutdownOnce.Do(func() {
		q.shutdown.Store(true)
		close(q.shutdownCh)
		q.notifyReleaseWaiters()
		go q.drain()
	})
	return q.completion
}

// receiveReady tries a non-blocking receive first so an already-queued
// object is preferred over an already-expired ctx (mirrors Pool's
// acquireSlot ordering for ClaimTimeout(timeout<=0)).
func (q *QueuePool[T]) receiveReady(ctx context.Context) (*Slot[T], error) {
	select {
	case slot := <-q.ready:
		return slot, nil
	default:
	}

	select {
	case slot := <-q.ready:
		return slot, nil
	case <-q.shutdownCh:
		return nil, ErrShutDown
	case <-ctx.Done():
		return nil, wrapInterrupted(ctx.Err())
	}
}

// fillSlot kicks off (or no-ops if one is already running, or the slot
// already holds a value) a bounded, asynchronous allocation for slot. It
// never blocks its caller: the semaphore wait happens on the spawned
// goroutine, not here.
func (q *QueuePool[T]) fillSlot(slot *Slot[T]) {
	slot.mu.Lock()
	if slot.filling || slot.hasValue {
		slot.mu.Unlock()
		return
	}
	slot.filling = true
	slot.mu.Unlock()

	go func() {
		if err := q.sem.Acquire(context.Background(), 1); err != nil {
			slot.mu.Lock()
			slot.filling = false
			slot.mu.Unlock()
			return
		}
		defer q.sem.Release(1)

		v, err := q.snap.allocator.Allocate(context.Background(), slot)

		slot.mu.Lock()
		slot.filling = false
		slot.mu.Unlock()

		if q.shutdown.Load() {
			if err == nil && !isNilValue(v) {
				q.safeDeallocate(v)
			}
			return
		}

		if err != nil {
			slot.mu.Lock()
			slot.poison = err
			slot.mu.Unlock()
			q.enqueueReady(slot)
			return
		}
		if isNilValue(v) {
			slot.mu.Lock()
			slot.poison = ErrAllocatorReturnedNil
			slot.mu.Unlock()
			q.enqueueReady(slot)
			return
		}

		slot.mu.Lock()
		if slot.retired || slot.hasValue {
			slot.mu.Unlock()
			q.safeDeallocate(v)
			return
		}
		slot.setValueLocked(v, q.snap.ttl, time.Now())
		slot.mu.Unlock()
		q.tracker.Track(slot.id, q.snap.ttl)

		q.enqueueReady(slot)
	}()
}

// enqueueReady posts a wake-up token for slot onto the live queue, unless
// one is already outstanding. It never carries the value itself: Claim
// always re-reads the slot's current state (value, expiry, poison) under
// the slot's own lock, so a notification that has gone stale (the slot was
// proactively evicted after being queued, say) is harmless to skip or to
// act on late. Capping outstanding tokens to one per slot keeps the total
// never above len(q.slots), which is exactly q.ready's capacity, so this
// send can never block.
func (q *QueuePool[T]) enqueueReady(slot *Slot[T]) {
	slot.mu.Lock()
	if slot.queued {
		slot.mu.Unlock()
		return
	}
	slot.queued = true
	slot.mu.Unlock()

	q.ready <- slot
}

// clearQueued marks slot's outstanding wake-up token consumed, allowing a
// future fill or release to queue a new one.
func (q *QueuePool[T]) clearQueued(slot *Slot[T]) {
	slot.mu.Lock()
	slot.queued = false
	slot.mu.Unlock()
}

// handleProactiveExpiry is the tracker's OnEviction callback. It only
// acts on slots that are idle (unclaimed): a slot in active use keeps its
// value regardless of TTL, per the "object stays non-null while claimed"
// invariant, and its expiry is re-evaluated the next time it is claimed.
func (q *QueuePool[T]) handleProactiveExpiry(id int64) {
	if int(id) >= len(q.slots) {
		return
	}
	slot := q.slots[id]

	slot.mu.Lock()
	if slot.claimed {
		slot.mu.Unlock()
		return
	}
	stale, had := slot.takeValueLocked()
	slot.mu.Unlock()

	if had {
		q.safeDeallocate(stale)
		q.fillSlot(slot)
	}
}

// releaseFromPoolable is the release callback bound into every Poolable
// this pool hands out; it re-offers the slot to the live queue.
func (q *QueuePool[T]) releaseFromPoolable(slot *Slot[T]) {
	slot.mu.Lock()
	if !slot.claimed {
		slot.mu.Unlock()
		return
	}
	slot.claimed = false
	slot.mu.Unlock()

	q.claimedCount.Add(-1)
	q.notifyReleaseWaiters()

	if q.shutdown.Load() {
		return
	}
	q.enqueueReady(slot)
}

func (q *QueuePool[T]) notifyReleaseWaiters() {
	q.releaseMu.Lock()
	q.releaseCond.Broadcast()
	q.releaseMu.Unlock()
}

// waitUntilReleased blocks, uninterruptibly, until s is not claimed.
func (q *QueuePool[T]) waitUntilReleased(s *Slot[T]) {
	q.releaseMu.Lock()
	for {
		s.mu.Lock()
		claimed := s.claimed
		s.mu.Unlock()
		if !claimed {
			q.releaseMu.Unlock()
			return
		}
		q.releaseCond.Wait()
	}
}

// drain deallocates every slot once it is no longer claimed, retiring it
// against any in-flight fill that might land a value after the fact, then
// stops the tracker and completes q.completion.
func (q *QueuePool[T]) drain() {
	g := new(errgroup.Group)
	for _, s := range q.slots {
		s := s
		g.Go(func() error {
			q.waitUntilReleased(s)
			s.mu.Lock()
			value, had := s.takeValueLocked()
			s.retired = true
			s.mu.Unlock()
			if had {
				q.safeDeallocate(value)
			}
			return nil
		})
	}
	_ = g.Wait()
	q.tracker.Stop()
	q.completion.complete()
}

func (q *QueuePool[T]) safeDeallocate(v T) {
	if err := q.snap.allocator.Deallocate(v); err != nil {
		q.snap.logger.WithError(err).Warn("queuepool: deallocate failed, error swallowed")
	}
}

var _ Pooler[struct{}] = (*QueuePool[struct{}])(nil)
