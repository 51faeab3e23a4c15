package pool_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/require"

	pool "github.com/posidoni/objectpool"
)

// testResource is a pointer-typed value so allocator-returns-nil scenarios
// (ErrAllocatorReturnedNil) are reachable; pointer identity also lets
// tests distinguish "same object" from "a different object".
type testResource struct {
	n int
}

// recordingAllocator counts Allocate/Deallocate calls and can be scripted
// to fail N times before succeeding, or to hand back a nil resource.
type recordingAllocator struct {
	mu sync.Mutex

	allocated   int64
	deallocated int64
	nextID      int64

	failTimes     int
	returnNil     bool
	deallocateErr error
	onAllocate    func()
}

func (a *recordingAllocator) Allocate(ctx context.Context, slot *pool.Slot[*testResource]) (*testResource, error) {
	atomic.AddInt64(&a.allocated, 1)
	if a.onAllocate != nil {
		a.onAllocate()
	}

	a.mu.Lock()
	fail := a.failTimes > 0
	if fail {
		a.failTimes--
	}
	returnNil := a.returnNil
	a.mu.Unlock()

	if fail {
		return nil, errors.New("allocator scripted failure")
	}
	if returnNil {
		return nil, nil
	}
	id := atomic.AddInt64(&a.nextID, 1)
	return &testResource{n: int(id)}, nil
}

func (a *recordingAllocator) Deallocate(r *testResource) error {
	atomic.AddInt64(&a.deallocated, 1)
	return a.deallocateErr
}

func (a *recordingAllocator) allocCount() int64   { return atomic.LoadInt64(&a.allocated) }
func (a *recordingAllocator) deallocCount() int64 { return atomic.LoadInt64(&a.deallocated) }

// poolerVariant bundles a Pooler constructor so the contract suite below
// runs identically against Pool and QueuePool.
type poolerVariant struct {
	name string
	new  func(cfg pool.Config[*testResource]) (pool.Pooler[*testResource], error)
}

func variants() []poolerVariant {
	return []poolerVariant{
		{
			name: "reference variant",
			new: func(cfg pool.Config[*testResource]) (pool.Pooler[*testResource], error) {
				return pool.NewPool(cfg)
			},
		},
		{
			name: "queue variant",
			new: func(cfg pool.Config[*testResource]) (pool.Pooler[*testResource], error) {
				return pool.NewQueuePool(cfg)
			},
		},
	}
}

func TestPoolerContract(t *testing.T) {
	t.Parallel()

	for _, v := range variants() {
		v := v
		t.Run(v.name, func(t *testing.T) {
			t.Parallel()

			t.Run("size 1: claim, release, claim again calls the allocator exactly once", func(t *testing.T) {
				t.Parallel()
				alloc := &recordingAllocator{}
				p, err := v.new(pool.Config[*testResource]{Size: 1, TTL: 10 * time.Minute, Allocator: alloc})
				require.NoError(t, err)

				ctx := context.Background()
				o1, err := p.Claim(ctx)
				require.NoError(t, err)
				o1.Release()

				o2, err := p.Claim(ctx)
				require.NoError(t, err)
				o2.Release()

				require.EqualValues(t, 1, alloc.allocCount())
				require.EqualValues(t, 0, alloc.deallocCount())

				completion := p.Shutdown()
				require.NoError(t, completion.Await(ctx))
				require.EqualValues(t, 1, alloc.deallocCount())
			})

			t.Run("size 2, short TTL: a stale object is deallocated and replaced by a different one", func(t *testing.T) {
				t.Parallel()
				alloc := &recordingAllocator{}
				p, err := v.new(pool.Config[*testResource]{Size: 2, TTL: time.Millisecond, Allocator: alloc})
				require.NoError(t, err)

				ctx := context.Background()
				a, err := p.Claim(ctx)
				require.NoError(t, err)
				first := a.Value()

				time.Sleep(10 * time.Millisecond)
				a.Release()

				b, err := p.Claim(ctx)
				require.NoError(t, err)
				require.NotSame(t, first, b.Value())
				b.Release()

				require.Eventually(t, func() bool {
					return alloc.deallocCount() >= 1
				}, time.Second, time.Millisecond)
			})

			t.Run("allocator failure surfaces as AllocationError and the pool recovers on the next claim", func(t *testing.T) {
				t.Parallel()
				alloc := &recordingAllocator{failTimes: 1}
				p, err := v.new(pool.Config[*testResource]{Size: 1, TTL: time.Minute, Allocator: alloc})
				require.NoError(t, err)

				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()

				require.Eventually(t, func() bool {
					_, err := p.Claim(ctx)
					var allocErr *pool.AllocationError
					return errors.As(err, &allocErr)
				}, time.Second, time.Millisecond)

				o, err := p.Claim(ctx)
				require.NoError(t, err)
				require.NotNil(t, o.Value())
				o.Release()
			})

			t.Run("allocator returning nil surfaces ErrAllocatorReturnedNil without poisoning the pool", func(t *testing.T) {
				t.Parallel()
				alloc := &recordingAllocator{returnNil: true}
				p, err := v.new(pool.Config[*testResource]{Size: 1, TTL: time.Minute, Allocator: alloc})
				require.NoError(t, err)

				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()

				require.Eventually(t, func() bool {
					_, err := p.Claim(ctx)
					return errors.Is(err, pool.ErrAllocatorReturnedNil)
				}, time.Second, time.Millisecond)

				alloc.mu.Lock()
				alloc.returnNil = false
				alloc.mu.Unlock()

				require.Eventually(t, func() bool {
					o, err := p.Claim(ctx)
					if err != nil {
						return false
					}
					o.Release()
					return true
				}, time.Second, time.Millisecond)
			})

			t.Run("ClaimTimeout with no capacity available returns (nil, nil) within the deadline", func(t *testing.T) {
				t.Parallel()
				alloc := &recordingAllocator{}
				p, err := v.new(pool.Config[*testResource]{Size: 2, TTL: time.Minute, Allocator: alloc})
				require.NoError(t, err)

				ctx := context.Background()
				o1, err := p.Claim(ctx)
				require.NoError(t, err)
				o2, err := p.Claim(ctx)
				require.NoError(t, err)

				start := time.Now()
				o3, err := p.ClaimTimeout(100 * time.Millisecond)
				elapsed := time.Since(start)

				require.NoError(t, err)
				require.Nil(t, o3)
				require.Less(t, elapsed, 500*time.Millisecond)
				require.EqualValues(t, 2, alloc.allocCount())

				o1.Release()
				o2.Release()
			})

			t.Run("shutdown with one slot still claimed drains once it is released", func(t *testing.T) {
				t.Parallel()
				defer leaktest.Check(t)()

				alloc := &recordingAllocator{}
				p, err := v.new(pool.Config[*testResource]{Size: 2, TTL: time.Minute, Allocator: alloc})
				require.NoError(t, err)

				ctx := context.Background()
				held, err := p.Claim(ctx)
				require.NoError(t, err)
				idle, err := p.Claim(ctx)
				require.NoError(t, err)
				idle.Release()

				completion := p.Shutdown()

				ok, err := completion.AwaitTimeout(50 * time.Millisecond)
				require.NoError(t, err)
				require.False(t, ok)

				held.Release()

				require.NoError(t, completion.Await(context.Background()))
				require.EqualValues(t, 2, alloc.deallocCount())

				_, err = p.Claim(ctx)
				require.ErrorIs(t, err, pool.ErrShutDown)
			})

			t.Run("ctx cancellation while blocked on a full pool surfaces ErrInterrupted", func(t *testing.T) {
				t.Parallel()
				alloc := &recordingAllocator{}
				p, err := v.new(pool.Config[*testResource]{Size: 1, TTL: time.Minute, Allocator: alloc})
				require.NoError(t, err)

				held, err := p.Claim(context.Background())
				require.NoError(t, err)
				defer held.Release()

				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
				defer cancel()

				_, err = p.Claim(ctx)
				require.ErrorIs(t, err, pool.ErrInterrupted)
			})

			t.Run("double release is a silent no-op", func(t *testing.T) {
				t.Parallel()
				alloc := &recordingAllocator{}
				p, err := v.new(pool.Config[*testResource]{Size: 1, TTL: time.Minute, Allocator: alloc})
				require.NoError(t, err)

				o, err := p.Claim(context.Background())
				require.NoError(t, err)
				o.Release()
				require.NotPanics(t, func() { o.Release() })

				o2, err := p.Claim(context.Background())
				require.NoError(t, err)
				o2.Release()
			})

			t.Run("live allocations never exceed size under concurrent contention", func(t *testing.T) {
				t.Parallel()
				const size = 3
				alloc := &recordingAllocator{}
				p, err := v.new(pool.Config[*testResource]{Size: size, TTL: time.Minute, Allocator: alloc})
				require.NoError(t, err)

				var wg sync.WaitGroup
				for i := 0; i < size*10; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						ctx, cancel := context.WithTimeout(context.Background(), time.Second)
						defer cancel()
						o, err := p.Claim(ctx)
						if err != nil {
							return
						}
						time.Sleep(time.Millisecond)
						o.Release()
					}()
				}
				wg.Wait()

				require.LessOrEqual(t, alloc.allocCount(), int64(size))
			})
		})
	}
}
