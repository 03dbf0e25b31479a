// Package inference includes the OpenAI-compatible embedding and rerank
// routes and the pipeline behind them: tokenize, plan, dispatch, assemble.
package inference

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"loom-api/internal/buckets"
	"loom-api/internal/dispatch"
	"loom-api/internal/metrics"
	"loom-api/internal/setup"
	"loom-api/internal/shared"
	"loom-api/internal/tokenizer"

	"go.uber.org/zap"
)

// Backend is the narrow slice of the Triton client the pipelines need.
// Implementations guarantee one result per batch item or a whole-call error.
type Backend interface {
	Embeddings(ctx context.Context, model string, batch dispatch.Batch, taskID int64) ([]dispatch.Result, error)
	Scores(ctx context.Context, model string, batch dispatch.Batch) ([]dispatch.Result, error)
}

type Config struct {
	Backend          Backend
	EmbedTokenizer   *tokenizer.Adapter
	RerankTokenizer  *tokenizer.Adapter
	Coordinator      *dispatch.Coordinator
	EmbeddingModel   string
	RerankerModel    string
	MaxBatch         int
	RerankerMaxBatch int
	RequestTimeout   time.Duration
	Usage            *buckets.UsageCache
	Log              *zap.SugaredLogger
}

type Manager struct {
	backend          Backend
	embedTok         *tokenizer.Adapter
	rerankTok        *tokenizer.Adapter
	coord            *dispatch.Coordinator
	embeddingModel   string
	rerankerModel    string
	maxBatch         int
	rerankerMaxBatch int
	requestTimeout   time.Duration
	usage            *buckets.UsageCache
	log              *zap.SugaredLogger
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.Backend == nil {
		return nil, errors.New("inference: backend is required")
	}
	if cfg.EmbedTokenizer == nil || cfg.RerankTokenizer == nil {
		return nil, errors.New("inference: both tokenizers are required")
	}
	if cfg.Coordinator == nil {
		return nil, errors.New("inference: coordinator is required")
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = shared.DefaultMaxBatch
	}
	if cfg.RerankerMaxBatch <= 0 {
		cfg.RerankerMaxBatch = shared.DefaultRerankerMaxBatch
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = shared.DefaultRequestTimeout
	}
	return &Manager{
		backend:          cfg.Backend,
		embedTok:         cfg.EmbedTokenizer,
		rerankTok:        cfg.RerankTokenizer,
		coord:            cfg.Coordinator,
		embeddingModel:   cfg.EmbeddingModel,
		rerankerModel:    cfg.RerankerModel,
		maxBatch:         cfg.MaxBatch,
		rerankerMaxBatch: cfg.RerankerMaxBatch,
		requestTimeout:   cfg.RequestTimeout,
		usage:            cfg.Usage,
		log:              cfg.Log,
	}, nil
}

// httpError maps pipeline failures onto the status code and caller-facing
// message. This is the single place backend classifications become HTTP.
func httpError(err error) *shared.RequestError {
	var rerr *shared.RequestError
	if errors.As(err, &rerr) {
		return rerr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return shared.ErrRequestTimeout
	}
	if errors.Is(err, context.Canceled) {
		return &shared.RequestError{StatusCode: http.StatusInternalServerError, Err: errors.New("request canceled")}
	}
	if berr, ok := shared.AsBackendError(err); ok {
		switch berr.Kind {
		case shared.BackendUnavailable:
			return &shared.RequestError{StatusCode: http.StatusServiceUnavailable, Err: errors.New("inference backend unavailable")}
		case shared.BackendProtocol:
			return &shared.RequestError{StatusCode: http.StatusBadGateway, Err: errors.New("inference backend returned an unexpected response")}
		case shared.BackendInference:
			return &shared.RequestError{StatusCode: http.StatusInternalServerError, Err: fmt.Errorf("inference failed: %v", berr.Err)}
		}
	}
	return shared.ErrInternalServerError
}

func errorType(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "BadRequest"
	case http.StatusUnauthorized:
		return "Unauthorized"
	case http.StatusServiceUnavailable:
		return "ServiceUnavailable"
	case http.StatusGatewayTimeout:
		return "Timeout"
	default:
		return "InternalError"
	}
}

func (m *Manager) writeError(c *setup.Context, model, endpoint string, err error) error {
	rerr := httpError(err)
	if rerr.StatusCode >= 500 {
		c.Log.Errorw("Inference request failed", "endpoint", endpoint, "model", model, "error", err)
	}
	m.countRequest(model, endpoint, rerr.StatusCode)
	if berr, ok := shared.AsBackendError(err); ok {
		metrics.ErrorCount.WithLabelValues(model, endpoint, string(berr.Kind)).Inc()
	} else {
		metrics.ErrorCount.WithLabelValues(model, endpoint, fmt.Sprintf("%d", rerr.StatusCode)).Inc()
	}
	return c.JSON(rerr.StatusCode, shared.OpenAIError{
		Message: rerr.Err.Error(),
		Object:  "error",
		Type:    errorType(rerr.StatusCode),
		Code:    rerr.StatusCode,
	})
}

func (m *Manager) countRequest(model, endpoint string, status int) {
	metrics.RequestCount.WithLabelValues(model, endpoint, fmt.Sprintf("%d", status)).Inc()
}

// recordUsage feeds the usage bucket and the token counters once a request
// has fully succeeded.
func (m *Manager) recordUsage(c *setup.Context, model, endpoint string, tokens int, start time.Time) {
	dur := time.Since(start)
	metrics.RequestDuration.WithLabelValues(model, endpoint).Observe(dur.Seconds())
	metrics.TotalTokens.WithLabelValues(model, endpoint).Add(float64(tokens))
	m.countRequest(model, endpoint, http.StatusOK)
	if m.usage != nil {
		m.usage.Record(c.APIKey, model, endpoint, tokens, dur)
	}
}
