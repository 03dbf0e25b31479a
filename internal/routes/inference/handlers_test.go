package inference

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"loom-api/internal/dispatch"
	"loom-api/internal/setup"
	"loom-api/internal/shared"
	"loom-api/internal/tokenizer"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// wordEncoder yields one token per whitespace-separated word.
type wordEncoder struct{}

func (wordEncoder) Encode(text string) (tokenizer.Encoding, error) {
	words := strings.Fields(text)
	ids := make([]int64, len(words))
	mask := make([]int64, len(words))
	for i := range words {
		ids[i] = int64(i + 1)
		mask[i] = 1
	}
	return tokenizer.Encoding{IDs: ids, AttentionMask: mask}, nil
}

// fakeBackend answers embedding calls with the item index as a one-value
// vector and rerank calls from a fixed score table.
type fakeBackend struct {
	scores     []float32
	embedErr   error
	scoreErr   error
	block      bool
	embedCalls atomic.Int32
	scoreCalls atomic.Int32
}

func (f *fakeBackend) Embeddings(ctx context.Context, model string, batch dispatch.Batch, taskID int64) ([]dispatch.Result, error) {
	f.embedCalls.Add(1)
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.embedErr != nil {
		return nil, f.embedErr
	}
	out := make([]dispatch.Result, len(batch.Items))
	for i, item := range batch.Items {
		out[i] = dispatch.Result{Index: item.Index, Vector: []float32{float32(item.Index)}}
	}
	return out, nil
}

func (f *fakeBackend) Scores(ctx context.Context, model string, batch dispatch.Batch) ([]dispatch.Result, error) {
	f.scoreCalls.Add(1)
	if f.scoreErr != nil {
		return nil, f.scoreErr
	}
	out := make([]dispatch.Result, len(batch.Items))
	for i, item := range batch.Items {
		out[i] = dispatch.Result{Index: item.Index, Score: f.scores[item.Index]}
	}
	return out, nil
}

func testManager(t *testing.T, backend Backend, timeout time.Duration) *Manager {
	t.Helper()
	log := zap.NewNop().Sugar()
	adapter := tokenizer.NewAdapter(wordEncoder{}, 8)
	m, err := NewManager(Config{
		Backend:          backend,
		EmbedTokenizer:   adapter,
		RerankTokenizer:  adapter,
		Coordinator:      dispatch.NewCoordinator(2, 0, 0, log),
		EmbeddingModel:   "embed-default",
		RerankerModel:    "rerank-default",
		MaxBatch:         2,
		RerankerMaxBatch: 2,
		RequestTimeout:   timeout,
		Log:              log,
	})
	require.NoError(t, err)
	return m
}

func request(t *testing.T, handler echo.HandlerFunc, body string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	cc := &setup.Context{
		Context: e.NewContext(req, rec),
		Log:     zap.NewNop().Sugar(),
		Reqid:   "req_test",
	}
	require.NoError(t, handler(cc))
	return rec
}

func TestHandleEmbeddingsOrdersAcrossBatches(t *testing.T) {
	backend := &fakeBackend{}
	m := testManager(t, backend, time.Second)

	rec := request(t, m.HandleEmbeddings,
		`{"input":["one","two words","three more words","four","five"],"model":"my-embedder"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	var res shared.EmbeddingResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))

	assert.Equal(t, "list", res.Object)
	assert.Equal(t, "my-embedder", res.Model)
	require.Len(t, res.Data, 5)
	for i, d := range res.Data {
		assert.Equal(t, i, d.Index)
		assert.Equal(t, "embedding", d.Object)
		require.Len(t, d.Embedding, 1)
		assert.Equal(t, float32(i), d.Embedding[0])
	}
	// five inputs of 1+2+3+1+1 words
	assert.Equal(t, 8, res.Usage.PromptTokens)
	assert.Equal(t, 8, res.Usage.TotalTokens)
	// five items at max batch two means three backend calls
	assert.Equal(t, int32(3), backend.embedCalls.Load())
}

func TestHandleEmbeddingsSingleString(t *testing.T) {
	m := testManager(t, &fakeBackend{}, time.Second)

	rec := request(t, m.HandleEmbeddings, `{"input":"hello world"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	var res shared.EmbeddingResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.Len(t, res.Data, 1)
	assert.Equal(t, "embed-default", res.Model)
	assert.Equal(t, 2, res.Usage.TotalTokens)
}

func TestHandleEmbeddingsEmptyInputSkipsBackend(t *testing.T) {
	backend := &fakeBackend{}
	m := testManager(t, backend, time.Second)

	rec := request(t, m.HandleEmbeddings, `{"input":[]}`)

	require.Equal(t, http.StatusOK, rec.Code)
	var res shared.EmbeddingResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Empty(t, res.Data)
	assert.Equal(t, 0, res.Usage.TotalTokens)
	assert.Equal(t, int32(0), backend.embedCalls.Load())
}

func TestHandleEmbeddingsRejectsMalformedBody(t *testing.T) {
	m := testManager(t, &fakeBackend{}, time.Second)

	rec := request(t, m.HandleEmbeddings, `{"input": 42}`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var body shared.OpenAIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "error", body.Object)
	assert.Equal(t, http.StatusBadRequest, body.Code)
}

// brokenEncoder fails every encode, like a corrupt vocab would.
type brokenEncoder struct{}

func (brokenEncoder) Encode(string) (tokenizer.Encoding, error) {
	return tokenizer.Encoding{}, errors.New("merges table corrupt")
}

func brokenManager(t *testing.T) *Manager {
	t.Helper()
	log := zap.NewNop().Sugar()
	adapter := tokenizer.NewAdapter(brokenEncoder{}, 8)
	m, err := NewManager(Config{
		Backend:         &fakeBackend{},
		EmbedTokenizer:  adapter,
		RerankTokenizer: adapter,
		Coordinator:     dispatch.NewCoordinator(2, 0, 0, log),
		EmbeddingModel:  "embed-default",
		RerankerModel:   "rerank-default",
		RequestTimeout:  time.Second,
		Log:             log,
	})
	require.NoError(t, err)
	return m
}

func TestHandleEmbeddingsEncoderFailureIsInternal(t *testing.T) {
	m := brokenManager(t)

	rec := request(t, m.HandleEmbeddings, `{"input":["hello"]}`)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	var body shared.OpenAIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "InternalError", body.Type)
	assert.NotContains(t, body.Message, "corrupt")
}

func TestHandleRerankEncoderFailureIsInternal(t *testing.T) {
	m := brokenManager(t)

	rec := request(t, m.HandleRerank, `{"query":"q","documents":["a"]}`)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	var body shared.OpenAIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "InternalError", body.Type)
}

func TestHandleEmbeddingsBackendFailureIsAtomic(t *testing.T) {
	backend := &fakeBackend{
		embedErr: shared.NewBackendError(shared.BackendInference, assert.AnError),
	}
	m := testManager(t, backend, time.Second)

	rec := request(t, m.HandleEmbeddings, `{"input":["a","b","c","d","e"]}`)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	var body shared.OpenAIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "error", body.Object)
	assert.NotContains(t, rec.Body.String(), `"embedding"`)
}

func TestHandleEmbeddingsBackendUnavailable(t *testing.T) {
	backend := &fakeBackend{
		embedErr: shared.NewBackendError(shared.BackendUnavailable, assert.AnError),
	}
	m := testManager(t, backend, time.Second)

	rec := request(t, m.HandleEmbeddings, `{"input":["a"]}`)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body shared.OpenAIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ServiceUnavailable", body.Type)
}

func TestHandleEmbeddingsTimesOut(t *testing.T) {
	backend := &fakeBackend{block: true}
	m := testManager(t, backend, 30*time.Millisecond)

	rec := request(t, m.HandleEmbeddings, `{"input":["a"]}`)

	require.Equal(t, http.StatusGatewayTimeout, rec.Code)
	var body shared.OpenAIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Timeout", body.Type)
}

func TestHandleRerankRanksAndTruncates(t *testing.T) {
	backend := &fakeBackend{scores: []float32{0.9, 0.1, 0.6}}
	m := testManager(t, backend, time.Second)

	rec := request(t, m.HandleRerank,
		`{"query":"what is machine learning","documents":["ML is AI","Dogs are animals","Python is a language"],"top_n":2}`)

	require.Equal(t, http.StatusOK, rec.Code)
	var res shared.RerankResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))

	assert.Equal(t, "list", res.Object)
	assert.Equal(t, "rerank-default", res.Model)
	require.Len(t, res.Results, 2)
	assert.Equal(t, 0, res.Results[0].Index)
	assert.Equal(t, float32(0.9), res.Results[0].RelevanceScore)
	assert.Equal(t, 2, res.Results[1].Index)
	assert.Equal(t, float32(0.6), res.Results[1].RelevanceScore)
	require.NotNil(t, res.Results[0].Document)
	assert.Equal(t, "ML is AI", *res.Results[0].Document)
	assert.Greater(t, res.Usage.TotalTokens, 0)
}

func TestHandleRerankWithoutDocuments(t *testing.T) {
	backend := &fakeBackend{scores: []float32{0.2, 0.8}}
	m := testManager(t, backend, time.Second)

	rec := request(t, m.HandleRerank,
		`{"query":"q","documents":["a","b"],"return_documents":false}`)

	require.Equal(t, http.StatusOK, rec.Code)
	var res shared.RerankResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.Len(t, res.Results, 2)
	assert.Equal(t, 1, res.Results[0].Index)
	assert.Nil(t, res.Results[0].Document)
}

func TestHandleRerankEmptyDocuments(t *testing.T) {
	m := testManager(t, &fakeBackend{}, time.Second)

	rec := request(t, m.HandleRerank, `{"query":"q","documents":[]}`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var body shared.OpenAIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body.Message, "documents")
}

func TestHandleRerankNegativeTopN(t *testing.T) {
	m := testManager(t, &fakeBackend{}, time.Second)

	rec := request(t, m.HandleRerank, `{"query":"q","documents":["a"],"top_n":-1}`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleRerankTopNZeroSkipsBackend(t *testing.T) {
	backend := &fakeBackend{}
	m := testManager(t, backend, time.Second)

	rec := request(t, m.HandleRerank, `{"query":"q","documents":["a","b"],"top_n":0}`)

	require.Equal(t, http.StatusOK, rec.Code)
	var res shared.RerankResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Empty(t, res.Results)
	assert.Equal(t, int32(0), backend.scoreCalls.Load())
}

func TestHandleRerankObjectDocuments(t *testing.T) {
	backend := &fakeBackend{scores: []float32{0.5}}
	m := testManager(t, backend, time.Second)

	rec := request(t, m.HandleRerank,
		`{"query":"q","documents":[{"text":"structured doc"}]}`)

	require.Equal(t, http.StatusOK, rec.Code)
	var res shared.RerankResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.Len(t, res.Results, 1)
	require.NotNil(t, res.Results[0].Document)
	assert.JSONEq(t, `{"text":"structured doc"}`, *res.Results[0].Document)
}
