package buckets

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"sync"
	"testing"
	"time"

	"loom-api/internal/shared"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// recordingDriver captures every exec so tests can assert on flushed rows.
type recordingDriver struct {
	mu      sync.Mutex
	execs   [][]driver.Value
	commits int
}

func (d *recordingDriver) Open(string) (driver.Conn, error) { return &recordingConn{d: d}, nil }

func (d *recordingDriver) reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.execs = nil
	d.commits = 0
}

type recordingConn struct{ d *recordingDriver }

func (c *recordingConn) Prepare(query string) (driver.Stmt, error) {
	return &recordingStmt{d: c.d}, nil
}
func (c *recordingConn) Close() error              { return nil }
func (c *recordingConn) Begin() (driver.Tx, error) { return recordingTx{d: c.d}, nil }

type recordingStmt struct{ d *recordingDriver }

func (s *recordingStmt) Close() error  { return nil }
func (s *recordingStmt) NumInput() int { return -1 }
func (s *recordingStmt) Exec(args []driver.Value) (driver.Result, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	row := make([]driver.Value, len(args))
	copy(row, args)
	s.d.execs = append(s.d.execs, row)
	return driver.RowsAffected(1), nil
}
func (s *recordingStmt) Query([]driver.Value) (driver.Rows, error) {
	return nil, errors.New("queries not supported")
}

type recordingTx struct{ d *recordingDriver }

func (t recordingTx) Commit() error {
	t.d.mu.Lock()
	defer t.d.mu.Unlock()
	t.d.commits++
	return nil
}
func (t recordingTx) Rollback() error { return nil }

// failingDriver refuses every connection. onOpen fires once, before the
// first failure, so a test can interleave work with a flush in progress.
type failingDriver struct {
	mu     sync.Mutex
	onOpen func()
}

func (d *failingDriver) Open(string) (driver.Conn, error) {
	d.mu.Lock()
	hook := d.onOpen
	d.onOpen = nil
	d.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil, errors.New("connection refused")
}

var (
	recDriver  = &recordingDriver{}
	failDriver = &failingDriver{}
)

func init() {
	sql.Register("usage_recording", recDriver)
	sql.Register("usage_failing", failDriver)
}

func testCache(t *testing.T, driverName string) *UsageCache {
	t.Helper()
	db, err := sql.Open(driverName, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	c := NewUsageCache(zap.NewNop().Sugar(), db)
	c.attemptDelay = 0
	return c
}

func TestRecordAccumulatesPerKeyRows(t *testing.T) {
	c := testCache(t, "usage_failing")

	c.Record("key-a", "embedder", "embeddings", 10, 20*time.Millisecond)
	c.Record("key-a", "embedder", "embeddings", 5, 30*time.Millisecond)
	c.Record("key-a", "reranker", "rerank", 7, 10*time.Millisecond)
	c.Record("", "embedder", "embeddings", 3, 5*time.Millisecond)

	c.mu.Lock()
	defer c.mu.Unlock()
	require.Len(t, c.buckets, 2)

	b := c.buckets["key-a"]
	require.NotNil(t, b)
	require.NotNil(t, b.timer)
	require.Len(t, b.rows, 2)
	row := b.rows["embedder|embeddings"]
	require.NotNil(t, row)
	assert.Equal(t, uint64(2), row.requests)
	assert.Equal(t, uint64(15), row.tokens)
	assert.Equal(t, uint64(50), row.totalMS)

	anon := c.buckets["anonymous"]
	require.NotNil(t, anon)
	assert.Equal(t, uint64(3), anon.rows["embedder|embeddings"].tokens)
}

func TestFlushWritesRowsAndClearsBucket(t *testing.T) {
	recDriver.reset()
	c := testCache(t, "usage_recording")

	c.Record("key-b", "embedder", "embeddings", 10, 20*time.Millisecond)
	c.Record("key-b", "embedder", "embeddings", 5, 30*time.Millisecond)

	require.Equal(t, time.Duration(0), c.Flush("key-b"))

	c.mu.Lock()
	assert.Empty(t, c.buckets)
	c.mu.Unlock()

	recDriver.mu.Lock()
	defer recDriver.mu.Unlock()
	require.Len(t, recDriver.execs, 1)
	assert.Equal(t, 1, recDriver.commits)
	args := recDriver.execs[0]
	require.Len(t, args, 6)
	assert.Equal(t, "key-b", args[0])
	assert.Equal(t, "embedder", args[1])
	assert.Equal(t, "embeddings", args[2])
	assert.Equal(t, int64(2), args[3])
	assert.Equal(t, int64(15), args[4])
	assert.Equal(t, int64(50), args[5])
}

func TestFlushMissingKeyIsNoop(t *testing.T) {
	c := testCache(t, "usage_recording")
	assert.Equal(t, time.Duration(0), c.Flush("never-seen"))
}

func TestFailedFlushRequeuesBucket(t *testing.T) {
	c := testCache(t, "usage_failing")

	c.Record("key-c", "embedder", "embeddings", 5, 10*time.Millisecond)

	retry := c.Flush("key-c")
	assert.Equal(t, shared.BucketRetryDelay, retry)

	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.buckets["key-c"]
	require.NotNil(t, b)
	row := b.rows["embedder|embeddings"]
	require.NotNil(t, row)
	assert.Equal(t, uint64(1), row.requests)
	assert.Equal(t, uint64(5), row.tokens)
}

func TestFailedFlushMergesIntoConcurrentBucket(t *testing.T) {
	c := testCache(t, "usage_failing")

	c.Record("key-d", "embedder", "embeddings", 5, 10*time.Millisecond)

	// A request lands after the flush detached the bucket but before the
	// flush gives up; the failed rows must merge into the fresh bucket
	// without losing either side.
	failDriver.mu.Lock()
	failDriver.onOpen = func() {
		c.Record("key-d", "embedder", "embeddings", 7, 20*time.Millisecond)
		c.Record("key-d", "reranker", "rerank", 3, 5*time.Millisecond)
	}
	failDriver.mu.Unlock()

	retry := c.Flush("key-d")
	assert.Equal(t, shared.BucketRetryDelay, retry)

	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.buckets["key-d"]
	require.NotNil(t, b)
	require.Len(t, b.rows, 2)

	merged := b.rows["embedder|embeddings"]
	require.NotNil(t, merged)
	assert.Equal(t, uint64(2), merged.requests)
	assert.Equal(t, uint64(12), merged.tokens)
	assert.Equal(t, uint64(30), merged.totalMS)

	assert.Equal(t, uint64(3), b.rows["reranker|rerank"].tokens)
}
