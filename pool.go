// Package pool implements a generic, concurrent object pool: a bounded
// collection of reusable, expensive-to-construct values that callers claim
// for exclusive use and later release.
//
// Two variants are provided. Pool is the reference implementation: a
// fixed-size slice of lazily-created slots guarded by a mutex and
// condition variable, in the style of a classic lock/condition resource
// pool. QueuePool is a channel-based variant with a background allocator
// goroutine feeding a bounded live queue; see queuepool.go. Both satisfy
// the Pooler interface and the same concurrency contract, differing only
// in fairness and contention profile.
package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Pooler is the contract both Pool and QueuePool satisfy. It exists so the
// shared contract test suite (see pool_contract_test.go) can run every
// testable property against both variants.
type Pooler[T any] interface {
	Claim(ctx context.Context) (*Poolable[T], error)
	ClaimTimeout(timeout time.Duration) (*Poolable[T], error)
	Shutdown() *Completion
}

// Pool is the reference (lock + condition) object pool variant. It is
// unsafe to copy after first use; always share a Pool by pointer.
type Pool[T any] struct {
	snap snapshot[T]

	mu           sync.Mutex
	cond         *sync.Cond
	slots        []*Slot[T]
	claimedCount int
	shutdown     bool

	shutdownOnce sync.Once
	completion   *Completion

	// sem bounds how many Allocate calls may run concurrently, independent
	// of snap.size; see Config.AllocatorConcurrency.
	sem *semaphore.Weighted
}

// NewPool validates cfg and constructs a reference-variant pool. No slots
// are created (and no allocation performed) until the first Claim.
func NewPool[T any](cfg Config[T]) (*Pool[T], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	snap := newSnapshot(cfg)
	p := &Pool[T]{
		snap:       snap,
		slots:      make([]*Slot[T], snap.size),
		completion: newCompletion(),
		sem:        semaphore.NewWeighted(int64(snap.allocatorConcurrency)),
	}
	p.cond = sync.NewCond(&p.mu)
	return p, nil
}

// Claim blocks until an object is available or ctx is done. A cancelled or
// expired ctx surfaces as ErrInterrupted; a shut-down pool surfaces
// ErrShutDown.
func (p *Pool[T]) Claim(ctx context.Context) (*Poolable[T], error) {
	slot, err := p.acquireSlot(ctx)
	if err != nil {
		return nil, err
	}

	value, err := p.materialize(ctx, slot)
	if err != nil {
		p.releaseSlotOnFailure(slot)
		return nil, err
	}

	return newPoolable(slot, value, p.releaseFromPoolable), nil
}

// ClaimTimeout behaves like Claim but returns (nil, nil) if no object
// becomes available within timeout. timeout <= 0 means "do not wait at
// all": an already-available object is still returned, but the call never
// suspends waiting for a release or a slow allocation.
func (p *Pool[T]) ClaimTimeout(timeout time.Duration) (*Poolable[T], error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	poolable, err := p.Claim(ctx)
	if err != nil && errors.Is(err, ErrInterrupted) && ctx.Err() == context.DeadlineExceeded {
		return nil, nil
	}
	return poolable, err
}

// Shutdown marks the pool shut down and starts an asynchronous drain of
// every unclaimed slot, waiting for any currently-claimed slot to be
// released first. It is idempotent: subsequent calls return the same
// Completion.
func (p *Pool[T]) Shutdown() *Completion {
	p.shutdownOnce.Do(func() {
		p.mu.Lock()
		p.shutdown = true
		p.cond.Broadcast()
		slots := make([]*Slot[T], 0, len(p.slots))
		for _, s := range p.slots {
			if s != nil {
				slots = append(slots, s)
			}
		}
		p.mu.Unlock()

		go p.drain(slots)
	})
	return p.completion
}

// acquireSlot finds and marks claimed a free slot, blocking on the
// condition variable if none is free. Shutdown is checked first on every
// iteration so a free slot is never handed out once a drain is underway;
// ctx cancellation is only checked once no free slot exists, so an
// already-expired ctx (ClaimTimeout with timeout<=0) still returns an
// instantly-available slot rather than failing spuriously.
func (p *Pool[T]) acquireSlot(ctx context.Context) (*Slot[T], error) {
	stopWatch := p.watchCancellation(ctx)
	defer stopWatch()

	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if p.shutdown {
			return nil, ErrShutDown
		}

		if slot := p.findFreeSlotLocked(); slot != nil {
			slot.mu.Lock()
			slot.claimed = true
			slot.mu.Unlock()
			p.claimedCount++
			return slot, nil
		}

		select {
		case <-ctx.Done():
			return nil, wrapInterrupted(ctx.Err())
		default:
		}

		p.cond.Wait()
	}
}

// findFreeSlotLocked scans slots in index order, lazily creating the slot
// for the first unused index. Must be called with p.mu held.
func (p *Pool[T]) findFreeSlotLocked() *Slot[T] {
	for i := range p.slots {
		if p.slots[i] == nil {
			p.slots[i] = newSlot[T](int64(i))
			return p.slots[i]
		}
		s := p.slots[i]
		s.mu.Lock()
		claimed := s.claimed
		s.mu.Unlock()
		if !claimed {
			return s
		}
	}
	return nil
}

// watchCancellation spawns a goroutine that broadcasts the pool's
// condition variable when ctx is done, so a waiter blocked in cond.Wait()
// re-checks ctx promptly instead of only waking on the next release. The
// returned stop function must be called once the caller is done waiting.
func (p *Pool[T]) watchCancellation(ctx context.Context) func() {
	if ctx.Done() == nil {
		return func() {}
	}
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			p.mu.Lock()
			p.cond.Broadcast()
			p.mu.Unlock()
		case <-stop:
		}
	}()
	return func() { close(stop) }
}

// materialize returns slot's current value if it is present and unexpired,
// otherwise deallocates any stale value and allocates a replacement.
func (p *Pool[T]) materialize(ctx context.Context, slot *Slot[T]) (T, error) {
	now := time.Now()

	slot.mu.Lock()
	if slot.hasValue && !slot.expired(now) {
		v := slot.value
		slot.mu.Unlock()
		return v, nil
	}
	stale, hadStale := slot.takeValueLocked()
	slot.mu.Unlock()

	if hadStale {
		p.safeDeallocate(stale)
	}

	return p.allocateBounded(ctx, slot)
}

type allocResult[T any] struct {
	value T
	err   error
}

// allocateBounded runs Allocate on a helper goroutine and joins it against
// ctx. If ctx is done first, the goroutine keeps running in the
// background; its eventual result is installed on the slot by
// absorbLateAllocation so capacity is never silently lost.
func (p *Pool[T]) allocateBounded(ctx context.Context, slot *Slot[T]) (T, error) {
	var zero T

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return zero, wrapInterrupted(err)
	}

	resultCh := make(chan allocResult[T], 1)
	go func() {
		defer p.sem.Release(1)
		v, err := p.snap.allocator.Allocate(ctx, slot)
		resultCh <- allocResult[T]{value: v, err: err}
	}()

	select {
	case res := <-resultCh:
		return p.finishAllocation(slot, res)
	case <-ctx.Done():
		go p.absorbLateAllocation(slot, resultCh)
		return zero, wrapInterrupted(ctx.Err())
	}
}

func (p *Pool[T]) finishAllocation(slot *Slot[T], res allocResult[T]) (T, error) {
	var zero T
	if res.err != nil {
		slot.mu.Lock()
		slot.poison = res.err
		slot.mu.Unlock()
		return zero, &AllocationError{Cause: res.err}
	}
	if isNilValue(res.value) {
		return zero, ErrAllocatorReturnedNil
	}

	slot.mu.Lock()
	if slot.hasValue {
		// A late absorb from an earlier timed-out claim on this same slot
		// landed first; take its value instead of overwriting it, and
		// deallocate ours so it is never silently dropped.
		existing := slot.value
		slot.mu.Unlock()
		p.safeDeallocate(res.value)
		return existing, nil
	}
	if slot.retired {
		slot.mu.Unlock()
		p.safeDeallocate(res.value)
		return zero, ErrShutDown
	}
	slot.setValueLocked(res.value, p.snap.ttl, time.Now())
	slot.mu.Unlock()
	return res.value, nil
}

// absorbLateAllocation installs the result of an allocation whose claimer
// already gave up waiting. If another allocation has since landed on the
// same slot, the late result is discarded via Deallocate instead.
func (p *Pool[T]) absorbLateAllocation(slot *Slot[T], resultCh <-chan allocResult[T]) {
	res := <-resultCh
	if res.err != nil {
		p.snap.logger.WithError(res.err).Debug("pool: late allocation after timeout failed")
		return
	}
	if isNilValue(res.value) {
		return
	}

	slot.mu.Lock()
	if slot.retired || slot.hasValue {
		slot.mu.Unlock()
		p.safeDeallocate(res.value)
		return
	}
	slot.setValueLocked(res.value, p.snap.ttl, time.Now())
	slot.mu.Unlock()

	p.mu.Lock()
	p.cond.Broadcast()
	p.mu.Unlock()
}

// releaseSlotOnFailure reverts a slot to unclaimed after materialize fails,
// returning capacity as if the claim never happened.
func (p *Pool[T]) releaseSlotOnFailure(slot *Slot[T]) {
	slot.mu.Lock()
	slot.claimed = false
	slot.mu.Unlock()

	p.mu.Lock()
	p.claimedCount--
	p.cond.Broadcast()
	p.mu.Unlock()
}

// releaseFromPoolable is the release callback bound into every Poolable
// this pool hands out; it implements slot.release(self) from the spec.
func (p *Pool[T]) releaseFromPoolable(slot *Slot[T]) {
	slot.mu.Lock()
	if !slot.claimed {
		slot.mu.Unlock()
		return
	}
	slot.claimed = false
	slot.mu.Unlock()

	p.mu.Lock()
	p.claimedCount--
	p.cond.Broadcast()
	p.mu.Unlock()
}

// drain deallocates every given slot once it is no longer claimed, then
// completes p.completion. Run as its own goroutine from Shutdown.
func (p *Pool[T]) drain(slots []*Slot[T]) {
	g := new(errgroup.Group)
	for _, s := range slots {
		s := s
		g.Go(func() error {
			p.waitUntilReleased(s)
			s.mu.Lock()
			value, had := s.takeValueLocked()
			s.retired = true
			s.mu.Unlock()
			if had {
				p.safeDeallocate(value)
			}
			return nil
		})
	}
	_ = g.Wait()
	p.completion.complete()
}

// waitUntilReleased blocks, uninterruptibly, until s is not claimed. It
// shares the pool's condition variable with claim/release so it wakes
// promptly on the next release.
func (p *Pool[T]) waitUntilReleased(s *Slot[T]) {
	p.mu.Lock()
	for {
		s.mu.Lock()
		claimed := s.claimed
		s.mu.Unlock()
		if !claimed {
			p.mu.Unlock()
			return
		}
		p.cond.Wait()
	}
}

func (p *Pool[T]) safeDeallocate(v T) {
	if err := p.snap.allocator.Deallocate(v); err != nil {
		p.snap.logger.WithError(err).Warn("pool: deallocate failed, error swallowed")
	}
}

var _ Pooler[struct{}] = (*Pool[struct{}])(nil)
