package triton

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolBoundsCheckouts(t *testing.T) {
	p := NewPool(2)

	require.NoError(t, p.Acquire(context.Background()))
	require.NoError(t, p.Acquire(context.Background()))
	assert.Equal(t, 2, p.InUse())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	p.Release()
	require.NoError(t, p.Acquire(context.Background()))

	p.Release()
	p.Release()
	assert.Equal(t, 0, p.InUse())
}

func TestPoolAcquireHonorsCancellation(t *testing.T) {
	p := NewPool(1)
	require.NoError(t, p.Acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := p.Acquire(ctx)
	require.ErrorIs(t, err, context.Canceled)

	p.Release()
}

func TestPoolNonPositiveMax(t *testing.T) {
	p := NewPool(0)
	require.NoError(t, p.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.Error(t, p.Acquire(ctx))
	p.Release()
}
