package cellar

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// descriptorPoolSize caps simultaneous file-descriptor-consuming
// operations across a cache: archive extraction, tree copies, downloads.
const descriptorPoolSize = 32

// descriptorPool queues operations above the cap; queued acquisitions
// inherit the caller's cancellation.
type descriptorPool struct {
	sem *semaphore.Weighted
}

func newDescriptorPool(n int64) *descriptorPool {
	return &descriptorPool{sem: semaphore.NewWeighted(n)}
}

func (p *descriptorPool) acquire(ctx context.Context) error {
	return p.sem.Acquire(ctx, 1)
}

func (p *descriptorPool) release() {
	p.sem.Release(1)
}
