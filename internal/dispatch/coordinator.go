package dispatch

import (
	"context"
	"time"

	"loom-api/internal/metrics"
	"loom-api/internal/shared"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// InferFunc runs one batch against the backend. Implementations must return
// exactly one Result per batch item or fail the whole call.
type InferFunc func(ctx context.Context, batch Batch) ([]Result, error)

// Coordinator runs planned batches concurrently, bounded by MaxInFlight.
// The whole request is atomic: the first batch that fails after its retry
// budget cancels the in-flight siblings and fails the dispatch.
type Coordinator struct {
	MaxInFlight int
	Retries     int
	Backoff     time.Duration
	Log         *zap.SugaredLogger
}

func NewCoordinator(maxInFlight, retries int, backoff time.Duration, log *zap.SugaredLogger) *Coordinator {
	if maxInFlight <= 0 {
		maxInFlight = 1
	}
	if retries < 0 {
		retries = 0
	}
	return &Coordinator{
		MaxInFlight: maxInFlight,
		Retries:     retries,
		Backoff:     backoff,
		Log:         log,
	}
}

// Dispatch runs every batch through infer and returns the concatenated
// per-item results. Batches may complete in any order; results are collected
// per batch slot so completion order never leaks into the output. A zero
// batch plan short-circuits without touching the backend.
func (c *Coordinator) Dispatch(ctx context.Context, endpoint string, batches []Batch, infer InferFunc) ([]Result, error) {
	if len(batches) == 0 {
		return nil, nil
	}

	collected := make([][]Result, len(batches))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.MaxInFlight)
	for _, batch := range batches {
		g.Go(func() error {
			metrics.InflightBatches.Inc()
			defer metrics.InflightBatches.Dec()

			res, err := c.runBatch(gctx, endpoint, batch, infer)
			if err != nil {
				return err
			}
			collected[batch.Index] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []Result
	for _, res := range collected {
		out = append(out, res...)
	}
	return out, nil
}

// runBatch retries transient backend failures up to the retry budget.
// Protocol and inference errors propagate immediately, as does any context
// error, so a canceled request never burns retries.
func (c *Coordinator) runBatch(ctx context.Context, endpoint string, batch Batch, infer InferFunc) ([]Result, error) {
	var lastErr error
	for attempt := 0; attempt <= c.Retries; attempt++ {
		if attempt > 0 {
			metrics.BatchRetries.WithLabelValues(endpoint).Inc()
			c.Log.Warnw("Retrying batch after transient backend failure",
				"endpoint", endpoint, "batch", batch.Index, "attempt", attempt, "error", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.Backoff * time.Duration(attempt)):
			}
		}

		metrics.BatchesDispatched.WithLabelValues(endpoint).Inc()
		res, err := infer(ctx, batch)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if berr, ok := shared.AsBackendError(err); !ok || !berr.Retryable() {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}
