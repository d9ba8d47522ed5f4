package engine

import (
	"context"
)

// slotPool bounds the number of concurrently executing units. A unit holds a
// slot while its logic runs and releases it at every suspension point:
// awaiting a child's readiness, awaiting freshness checks, and awaiting a
// batched sink's I/O. The release-then-reacquire discipline keeps a
// parent/child chain from deadlocking even with a limit of one.
type slotPool struct {
	sem chan struct{}
}

func newSlotPool(limit int) *slotPool {
	if limit < 1 {
		limit = DefaultMaxInflight
	}
	return &slotPool{sem: make(chan struct{}, limit)}
}

// acquire blocks until an execution slot is available.
func (p *slotPool) acquire(ctx context.Context) error {
	select {
	case p.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// release frees the caller's slot.
func (p *slotPool) release() {
	<-p.sem
}
