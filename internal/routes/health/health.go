// Package health reports whether the inference backend and both models are
// reachable and ready.
package health

import (
	"context"
	"net/http"
	"time"

	"loom-api/internal/shared"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Prober is the readiness slice of the backend client.
type Prober interface {
	ServerLive(ctx context.Context) (bool, error)
	ModelReady(ctx context.Context, model string) (bool, error)
}

type Manager struct {
	prober         Prober
	redisClient    *redis.Client // optional, nil probes directly
	embeddingModel string
	rerankerModel  string
	log            *zap.SugaredLogger
}

func NewManager(prober Prober, redisClient *redis.Client, embeddingModel, rerankerModel string, log *zap.SugaredLogger) *Manager {
	return &Manager{
		prober:         prober,
		redisClient:    redisClient,
		embeddingModel: embeddingModel,
		rerankerModel:  rerankerModel,
		log:            log,
	}
}

// Handle serves GET /health. Status stays "ok" as long as the process is
// serving; per-model readiness carries the backend state.
func (m *Manager) Handle(cc echo.Context) error {
	ctx, cancel := context.WithTimeout(cc.Request().Context(), 5*time.Second)
	defer cancel()

	return cc.JSON(http.StatusOK, shared.HealthResponse{
		Status:           "ok",
		EmbeddingService: shared.ServiceStatus{Ready: m.modelReady(ctx, m.embeddingModel)},
		RerankingService: shared.ServiceStatus{Ready: m.modelReady(ctx, m.rerankerModel)},
	})
}

// modelReady probes server liveness plus model readiness, consulting the
// short-TTL cache first so health polling cannot hammer the backend.
func (m *Manager) modelReady(ctx context.Context, model string) bool {
	cacheKey := "loom:v1:ready:" + model

	if m.redisClient != nil {
		cached, err := m.redisClient.Get(ctx, cacheKey).Result()
		if err == nil {
			return cached == "1"
		}
	}

	live, err := m.prober.ServerLive(ctx)
	if err != nil || !live {
		m.cacheReady(cacheKey, false)
		return false
	}
	ready, err := m.prober.ModelReady(ctx, model)
	if err != nil {
		m.log.Warnw("Model readiness probe failed", "model", model, "error", err)
		ready = false
	}
	m.cacheReady(cacheKey, ready)
	return ready
}

func (m *Manager) cacheReady(key string, ready bool) {
	if m.redisClient == nil {
		return
	}
	val := "0"
	if ready {
		val = "1"
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := m.redisClient.Set(ctx, key, val, shared.ReadyCacheTTL).Err(); err != nil {
			m.log.Debugw("Failed caching readiness", "key", key, "error", err)
		}
	}()
}
