package pool

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Allocator constructs and destroys the values a Pool manages. Allocate must
// be safe to call concurrently: both pool variants may run several
// allocations in parallel, bounded by an internal semaphore.
type Allocator[T any] interface {
	// Allocate builds a new value for the given slot. A non-nil error is
	// wrapped in an AllocationError and surfaced to the claimer; the slot
	// itself is left empty so a later claim retries allocation.
	Allocate(ctx context.Context, slot *Slot[T]) (T, error)

	// Deallocate destroys a previously allocated value. Any error it
	// returns is logged and swallowed: the caller of Release/Shutdown has
	// no good way to react to a destructor failing on a goroutine it does
	// not own.
	Deallocate(value T) error
}

// Config describes how a Pool or QueuePool should be constructed. It is
// validated and snapshotted exactly once, at construction time; mutating a
// Config value afterwards has no effect on pools already built from it.
type Config[T any] struct {
	// Size is the fixed ceiling on live objects. Must be >= 1.
	Size int

	// TTL is the maximum age of an allocated value before it is
	// deallocated and replaced on its next claim. Must be >= 1ns.
	TTL time.Duration

	// Allocator builds and destroys pooled values. Required.
	Allocator Allocator[T]

	// Logger receives lifecycle/diagnostic output. Defaults to a package
	// logger at Warn level when nil.
	Logger *logrus.Logger

	// AllocatorConcurrency bounds how many Allocate calls may run at once
	// across the whole pool, independent of Size. Defaults to Size when
	// <= 0 (i.e. no additional bound beyond the pool's own capacity).
	AllocatorConcurrency int
}

// Validate reports ErrInvalidConfiguration if the configuration cannot be
// used to construct a pool.
func (c Config[T]) Validate() error {
	if c.Size < 1 {
		return fmt.Errorf("%w: size must be >= 1, got %d", ErrInvalidConfiguration, c.Size)
	}
	if c.TTL < 1 {
		return fmt.Errorf("%w: ttl must be >= 1ns, got %s", ErrInvalidConfiguration, c.TTL)
	}
	if c.Allocator == nil {
		return fmt.Errorf("%w: allocator must not be nil", ErrInvalidConfiguration)
	}
	return nil
}

// snapshot is the immutable view a constructed pool actually reads from.
type snapshot[T any] struct {
	size                 int
	ttl                  time.Duration
	allocator            Allocator[T]
	logger               *logrus.Logger
	allocatorConcurrency int
}

func newSnapshot[T any](c Config[T]) snapshot[T] {
	logger := c.Logger
	if logger == nil {
		logger = defaultLogger
	}
	concurrency := c.AllocatorConcurrency
	if concurrency <= 0 {
		concurrency = c.Size
	}
	return snapshot[T]{
		size:                 c.Size,
		ttl:                  c.TTL,
		allocator:            c.Allocator,
		logger:               logger,
		allocatorConcurrency: concurrency,
	}
}
