// Package buckets batches per-key token usage in memory and flushes it to
// the usage table on an interval, so the hot path never waits on the
// database.
package buckets

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"loom-api/internal/shared"

	"go.uber.org/zap"
)

type UsageCache struct {
	buckets      map[string]*bucket
	mu           sync.Mutex
	log          *zap.SugaredLogger
	db           *sql.DB
	attemptDelay time.Duration
}

type bucket struct {
	apiKey string
	rows   map[string]*usageRow
	timer  *time.Timer
}

type usageRow struct {
	model    string
	endpoint string
	requests uint64
	tokens   uint64
	totalMS  uint64
}

func NewUsageCache(log *zap.SugaredLogger, db *sql.DB) *UsageCache {
	return &UsageCache{
		db:           db,
		log:          log,
		buckets:      map[string]*bucket{},
		attemptDelay: shared.FlushAttemptDelay,
	}
}

// Record accumulates one finished request into the caller's bucket. The
// first record in a fresh bucket arms its flush timer.
func (c *UsageCache) Record(apiKey, model, endpoint string, tokens int, dur time.Duration) {
	if apiKey == "" {
		apiKey = "anonymous"
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.buckets[apiKey]
	if !ok {
		b = &bucket{apiKey: apiKey, rows: map[string]*usageRow{}}
		c.buckets[apiKey] = b
		b.timer = time.AfterFunc(shared.BucketFlushInterval, func() {
			retry := c.Flush(apiKey)
			for retry != 0 {
				c.log.Warn("Flush requested retry, waiting...")
				time.Sleep(retry)
				retry = c.Flush(apiKey)
			}
		})
	}

	rowKey := model + "|" + endpoint
	row, ok := b.rows[rowKey]
	if !ok {
		row = &usageRow{model: model, endpoint: endpoint}
		b.rows[rowKey] = row
	}
	row.requests++
	row.tokens += uint64(tokens)
	row.totalMS += uint64(dur.Milliseconds())
}

// Flush writes and clears the key's bucket. A non-zero return asks the
// caller to retry after that delay.
func (c *UsageCache) Flush(apiKey string) time.Duration {
	c.mu.Lock()
	b, ok := c.buckets[apiKey]
	if !ok {
		c.mu.Unlock()
		return 0
	}
	if b.timer != nil {
		b.timer.Stop()
	}
	delete(c.buckets, apiKey)
	c.mu.Unlock()

	var err error
	for attempt := range shared.MaxFlushRetries {
		if attempt > 0 {
			time.Sleep(c.attemptDelay)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = c.insertRows(ctx, b)
		cancel()
		if err == nil {
			return 0
		}
	}

	c.log.Errorw("Failed flushing usage bucket, requeueing", "api_key_suffix", suffix(apiKey), "error", err)
	c.mu.Lock()
	if existing, ok := c.buckets[apiKey]; ok {
		for k, row := range b.rows {
			if cur, ok := existing.rows[k]; ok {
				cur.requests += row.requests
				cur.tokens += row.tokens
				cur.totalMS += row.totalMS
			} else {
				existing.rows[k] = row
			}
		}
	} else {
		c.buckets[apiKey] = b
	}
	c.mu.Unlock()
	return shared.BucketRetryDelay
}

func (c *UsageCache) insertRows(ctx context.Context, b *bucket) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, row := range b.rows {
		_, err = tx.ExecContext(ctx, `
		INSERT INTO usage_log (api_key, model, endpoint, requests, tokens, total_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, NOW())
		`, b.apiKey, row.model, row.endpoint, row.requests, row.tokens, row.totalMS)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Shutdown flushes every pending bucket once, best effort.
func (c *UsageCache) Shutdown() {
	c.log.Info("Shutting down usage cache")
	c.mu.Lock()
	keys := make([]string, 0, len(c.buckets))
	for key, b := range c.buckets {
		if b.timer != nil {
			b.timer.Stop()
		}
		keys = append(keys, key)
	}
	c.mu.Unlock()

	wg := sync.WaitGroup{}
	for _, key := range keys {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Flush(key)
		}()
	}
	wg.Wait()
}

func suffix(key string) string {
	if len(key) <= 4 {
		return key
	}
	return key[len(key)-4:]
}
