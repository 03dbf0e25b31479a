package inference

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"loom-api/internal/dispatch"
	"loom-api/internal/setup"
	"loom-api/internal/shared"

	"github.com/labstack/echo/v4"
)

const endpointEmbeddings = "embeddings"

// HandleEmbeddings serves POST /v1/embeddings.
func (m *Manager) HandleEmbeddings(cc echo.Context) error {
	c := cc.(*setup.Context)
	start := time.Now()

	var req shared.EmbeddingRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return m.writeError(c, m.embeddingModel, endpointEmbeddings, shared.ErrInvalidRequest)
	}

	model := req.Model
	if model == "" {
		model = m.embeddingModel
	}

	// An explicitly empty input array is a valid request for zero
	// embeddings and never reaches the backend.
	if len(req.Input) == 0 {
		m.countRequest(model, endpointEmbeddings, http.StatusOK)
		return c.JSON(http.StatusOK, shared.EmbeddingResponse{
			Object: "list",
			Data:   []shared.EmbeddingData{},
			Model:  model,
			Usage:  shared.EmbeddingUsage{},
		})
	}

	// A tokenizer failure is a broken vocab or encoder, not bad caller input.
	items, totalTokens, err := m.embedTok.EncodeItems(req.Input)
	if err != nil {
		c.Log.Errorw("Tokenization failed", "model", model, "error", err)
		return m.writeError(c, model, endpointEmbeddings, shared.ErrInternalServerError)
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), m.requestTimeout)
	defer cancel()

	batches := dispatch.Plan(items, m.maxBatch)
	taskID := shared.TaskID(req.Task)
	c.Log.Infow("Dispatching embedding request",
		"model", model, "task", req.Task, "items", len(items), "batches", len(batches))

	results, err := m.coord.Dispatch(ctx, endpointEmbeddings, batches, func(ctx context.Context, b dispatch.Batch) ([]dispatch.Result, error) {
		return m.backend.Embeddings(ctx, m.embeddingModel, b, taskID)
	})
	if err != nil {
		return m.writeError(c, model, endpointEmbeddings, err)
	}

	data, err := assembleEmbeddings(results, len(items))
	if err != nil {
		c.Log.Errorw("Embedding assembly invariant violated", "error", err)
		return m.writeError(c, model, endpointEmbeddings, shared.ErrInternalServerError)
	}

	m.recordUsage(c, model, endpointEmbeddings, totalTokens, start)
	return c.JSON(http.StatusOK, shared.EmbeddingResponse{
		Object: "list",
		Data:   data,
		Model:  model,
		Usage: shared.EmbeddingUsage{
			PromptTokens: totalTokens,
			TotalTokens:  totalTokens,
		},
	})
}
