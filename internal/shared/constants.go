package shared

import "time"

// Backend Configuration
const (
	DefaultTritonURL      = "triton:8000"
	DefaultEmbeddingModel = "jina-embeddings-v3"
	DefaultRerankerModel  = "jina-reranker-v2"

	DefaultMaxSequenceLength         = 8192
	DefaultRerankerMaxSequenceLength = 1024
	DefaultMaxBatch                  = 8
	DefaultRerankerMaxBatch          = 8
)

// Dispatch Configuration
const (
	DefaultMaxInFlightBatches = 4
	DefaultBatchRetries       = 2
	DefaultRetryBackoff       = 250 * time.Millisecond
)

// HTTP Configuration
const (
	DefaultRequestTimeout  = 300 * time.Second
	DefaultNetworkTimeout  = 300 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
	DefaultListenAddr      = ":8000"
)

// Cache Configuration
const (
	ReadyCacheTTL = 15 * time.Second
)

// Bucket Configuration
const (
	BucketFlushInterval = 1 * time.Minute
	BucketRetryDelay    = 30 * time.Second
	MaxFlushRetries     = 3
	FlushAttemptDelay   = 5 * time.Second
)

// taskIDs maps the embedding task name from the request onto the task_id
// tensor value the backend model expects. Unknown tasks fall back to
// retrieval.query.
var taskIDs = map[string]int64{
	"retrieval.query":   0,
	"retrieval.passage": 1,
	"separation":        2,
	"classification":    3,
	"text-matching":     4,
}

const DefaultTask = "retrieval.query"

func TaskID(task string) int64 {
	if id, ok := taskIDs[task]; ok {
		return id
	}
	return taskIDs[DefaultTask]
}
