package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"loom-api/internal/buckets"
	"loom-api/internal/dispatch"
	"loom-api/internal/middleware"
	"loom-api/internal/routers"
	"loom-api/internal/routes/health"
	"loom-api/internal/routes/inference"
	"loom-api/internal/shared"
	"loom-api/internal/tokenizer"
	"loom-api/internal/triton"

	_ "github.com/go-sql-driver/mysql"
	"github.com/labstack/echo/v4"
	emw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/manifold-inc/manifold-sdk/lib/eflag"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	// Flags / ENV Variables
	listen := flag.String("listen", shared.DefaultListenAddr, "Listen address")
	tritonURL := flag.String("triton-url", shared.DefaultTritonURL, "Triton server host:port")
	embeddingModel := flag.String("embedding-model", shared.DefaultEmbeddingModel, "Embedding model name on the backend")
	rerankerModel := flag.String("reranker-model", shared.DefaultRerankerModel, "Reranker model name on the backend")
	tokenizerFile := flag.String("tokenizer-file", "", "Path to the embedding tokenizer.json")
	rerankerTokenizerFile := flag.String("reranker-tokenizer-file", "", "Path to the reranker tokenizer.json")
	maxSeqLen := flag.Int("max-sequence-length", shared.DefaultMaxSequenceLength, "Embedding max sequence length")
	rerankerMaxSeqLen := flag.Int("reranker-max-sequence-length", shared.DefaultRerankerMaxSequenceLength, "Reranker max sequence length")
	maxBatch := flag.Int("max-batch", shared.DefaultMaxBatch, "Max items per embedding backend call")
	rerankerMaxBatch := flag.Int("reranker-max-batch", shared.DefaultRerankerMaxBatch, "Max pairs per rerank backend call")
	maxInFlight := flag.Int("max-inflight-batches", shared.DefaultMaxInFlightBatches, "Max concurrent batches per request")
	maxConns := flag.Int("max-backend-connections", 16, "Max concurrent backend connections across all requests")
	requestTimeout := flag.Duration("request-timeout", shared.DefaultRequestTimeout, "Per request deadline")
	networkTimeout := flag.Duration("network-timeout", shared.DefaultNetworkTimeout, "Backend network timeout")
	batchRetries := flag.Int("batch-retries", shared.DefaultBatchRetries, "Retries per batch on transient backend failure")
	retryBackoff := flag.Duration("retry-backoff", shared.DefaultRetryBackoff, "Base backoff between batch retries")
	apiKey := flag.String("api-key", "", "API key for inference routes")
	requireAPIKey := flag.Bool("require-api-key", false, "Reject inference requests without the API key")
	metricsAPIKey := flag.String("metrics-api-key", "", "Metrics api key")
	redisAddr := flag.String("redis-addr", "", "Redis host:port for readiness caching (optional)")
	usageDSN := flag.String("usage-dsn", "", "MySQL DSN for usage accounting (optional)")
	debug := flag.Bool("debug", false, "Debug enabled")

	err := eflag.SetFlagsFromEnvironment()
	if err != nil {
		panic(err)
	}
	flag.Parse()

	var logger *zap.Logger
	if !*debug {
		logger, err = zap.NewProduction()
		if err != nil {
			panic("Failed init logger")
		}
	}
	if *debug {
		logger, err = zap.NewDevelopment()
		if err != nil {
			panic("Failed init logger")
		}
	}
	log := logger.Sugar()

	if *tokenizerFile == "" || *rerankerTokenizerFile == "" {
		panic("tokenizer-file and reranker-tokenizer-file are required")
	}

	// Tokenizers load up front, the process is useless without them.
	embedEncoder, err := tokenizer.NewHFEncoder(*tokenizerFile)
	if err != nil {
		panic(fmt.Sprintf("failed loading embedding tokenizer: %s", err))
	}
	log.Infow("Embedding tokenizer loaded", "file", *tokenizerFile)
	rerankEncoder, err := tokenizer.NewHFEncoder(*rerankerTokenizerFile)
	if err != nil {
		panic(fmt.Sprintf("failed loading reranker tokenizer: %s", err))
	}
	log.Infow("Reranker tokenizer loaded", "file", *rerankerTokenizerFile)

	// Optional redis for readiness caching
	var redisClient *redis.Client
	if *redisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     *redisAddr,
			Password: "",
			DB:       0,
		})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			panic(fmt.Sprintf("failed ping to redis db: %s", err))
		}
	}

	// Optional usage accounting database
	var usageDB *sql.DB
	var usageCache *buckets.UsageCache
	if *usageDSN != "" {
		usageDB, err = sql.Open("mysql", *usageDSN)
		if err != nil {
			panic(fmt.Sprintf("failed initializing usage db: %s", err))
		}
		if err := usageDB.Ping(); err != nil {
			panic(fmt.Sprintf("failed ping to usage db: %s", err))
		}
		usageCache = buckets.NewUsageCache(log, usageDB)
	}

	defer func() {
		if usageCache != nil {
			usageCache.Shutdown()
		}
		if redisClient != nil {
			_ = redisClient.Close()
		}
		if usageDB != nil {
			_ = usageDB.Close()
		}
	}()

	client := triton.NewClient(*tritonURL, *networkTimeout, *maxConns, log)

	manager, err := inference.NewManager(inference.Config{
		Backend:          client,
		EmbedTokenizer:   tokenizer.NewAdapter(embedEncoder, *maxSeqLen),
		RerankTokenizer:  tokenizer.NewAdapter(rerankEncoder, *rerankerMaxSeqLen),
		Coordinator:      dispatch.NewCoordinator(*maxInFlight, *batchRetries, *retryBackoff, log),
		EmbeddingModel:   *embeddingModel,
		RerankerModel:    *rerankerModel,
		MaxBatch:         *maxBatch,
		RerankerMaxBatch: *rerankerMaxBatch,
		RequestTimeout:   *requestTimeout,
		Usage:            usageCache,
		Log:              log,
	})
	if err != nil {
		panic(err)
	}

	e := echo.New()
	e.GET("/ping", func(c echo.Context) error {
		return c.String(200, "")
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()), func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key, err := shared.ExtractAPIKey(c)
			if err != nil {
				return c.String(401, "Missing or invalid API key")
			}
			if key != *metricsAPIKey {
				return c.String(401, "Unauthorized API key")
			}
			return next(c)
		}
	})

	base := e.Group("")
	base.Use(emw.CORS())
	base.Use(middleware.NewRecoverMiddleware(log))
	base.Use(middleware.NewTrackMiddleware(log))

	routers.RegisterHealthRoutes(base, health.NewManager(client, redisClient, *embeddingModel, *rerankerModel, log))
	routers.RegisterInferenceRoutes(base, manager, middleware.NewAuthMiddleware(*apiKey, *requireAPIKey, log))

	// Startup readiness is informational, the server comes up either way.
	probeCtx, probeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if live, err := client.ServerLive(probeCtx); err != nil || !live {
		log.Warnw("Inference backend is not live yet", "triton_url", *tritonURL)
	} else {
		log.Infow("Inference backend is live", "triton_url", *tritonURL)
	}
	probeCancel()

	go func() {
		if err := e.Start(*listen); err != nil && err != http.ErrServerClosed {
			e.Logger.Fatal("shutting down the server")
		}
	}()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shared.DefaultShutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		e.Logger.Fatal(err)
	}
}
