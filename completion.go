package pool

import (
	"context"
	"sync"
	"time"
)

// Completion observes the progress of an asynchronous, result-less task —
// specifically, a pool's shutdown drain. Once Await has observed
// completion, every subsequent call (on any goroutine) returns immediately.
type Completion struct {
	done chan struct{}
	once sync.Once
}

func newCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

// complete marks the completion as finished. Safe to call more than once;
// only the first call has any effect.
func (c *Completion) complete() {
	c.once.Do(func() { close(c.done) })
}

// Await blocks until the drain finishes. If ctx is cancelled first, Await
// returns ErrInterrupted wrapping ctx.Err().
func (c *Completion) Await(ctx context.Context) error {
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return wrapInterrupted(ctx.Err())
	}
}

// AwaitTimeout blocks until the drain finishes or timeout elapses,
// reporting which happened. A non-positive timeout polls once without
// blocking.
func (c *Completion) AwaitTimeout(timeout time.Duration) (bool, error) {
	if timeout <= 0 {
		select {
		case <-c.done:
			return true, nil
		default:
			return false, nil
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-c.done:
		return true, nil
	case <-timer.C:
		return false, nil
	}
}
