package triton

import (
	"context"

	"loom-api/internal/metrics"
)

// Pool bounds concurrent connections to the backend across all requests.
// Slots are checked out per call and must be returned on completion or
// failure; Acquire respects ctx so a timed-out request does not keep
// waiting for a slot.
type Pool struct {
	slots chan struct{}
}

func NewPool(max int) *Pool {
	if max <= 0 {
		max = 1
	}
	p := &Pool{slots: make(chan struct{}, max)}
	for i := 0; i < max; i++ {
		p.slots <- struct{}{}
	}
	return p
}

func (p *Pool) Acquire(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.slots:
		metrics.BackendConnections.Inc()
		return nil
	}
}

func (p *Pool) Release() {
	metrics.BackendConnections.Dec()
	p.slots <- struct{}{}
}

// InUse reports how many slots are currently checked out.
func (p *Pool) InUse() int {
	return cap(p.slots) - len(p.slots)
}
