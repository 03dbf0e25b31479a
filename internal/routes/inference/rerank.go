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

const endpointRerank = "rerank"

// HandleRerank serves POST /v1/rerank.
func (m *Manager) HandleRerank(cc echo.Context) error {
	c := cc.(*setup.Context)
	start := time.Now()

	var req shared.RerankRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return m.writeError(c, m.rerankerModel, endpointRerank, shared.ErrInvalidRequest)
	}

	model := req.Model
	if model == "" {
		model = m.rerankerModel
	}

	if len(req.Documents) == 0 {
		return m.writeError(c, model, endpointRerank, shared.Validation("documents cannot be empty"))
	}
	if req.TopN != nil && *req.TopN < 0 {
		return m.writeError(c, model, endpointRerank, shared.Validation("top_n must be a non-negative integer"))
	}

	documents := req.DocumentTexts()

	// top_n of zero is answered without scoring anything.
	if req.TopN != nil && *req.TopN == 0 {
		m.countRequest(model, endpointRerank, http.StatusOK)
		return c.JSON(http.StatusOK, shared.RerankResponse{
			Object:  "list",
			Results: []shared.RerankResult{},
			Model:   model,
			Usage:   shared.RerankUsage{},
		})
	}

	items, totalTokens, err := m.rerankTok.EncodePairs(req.Query, documents)
	if err != nil {
		c.Log.Errorw("Tokenization failed", "model", model, "error", err)
		return m.writeError(c, model, endpointRerank, shared.ErrInternalServerError)
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), m.requestTimeout)
	defer cancel()

	batches := dispatch.Plan(items, m.rerankerMaxBatch)
	c.Log.Infow("Dispatching rerank request",
		"model", model, "documents", len(documents), "batches", len(batches))

	results, err := m.coord.Dispatch(ctx, endpointRerank, batches, func(ctx context.Context, b dispatch.Batch) ([]dispatch.Result, error) {
		return m.backend.Scores(ctx, m.rerankerModel, b)
	})
	if err != nil {
		return m.writeError(c, model, endpointRerank, err)
	}

	ranked, err := assembleRerank(results, documents, req.TopN, req.WantsDocuments())
	if err != nil {
		c.Log.Errorw("Rerank assembly invariant violated", "error", err)
		return m.writeError(c, model, endpointRerank, shared.ErrInternalServerError)
	}

	m.recordUsage(c, model, endpointRerank, totalTokens, start)
	return c.JSON(http.StatusOK, shared.RerankResponse{
		Object:  "list",
		Results: ranked,
		Model:   model,
		Usage:   shared.RerankUsage{TotalTokens: totalTokens},
	})
}
