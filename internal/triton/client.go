// Package triton talks the KServe v2 HTTP protocol to a Triton Inference
// Server. A batch either yields one result per item or the call fails as a
// whole; partial output is reported as a protocol error.
package triton

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"loom-api/internal/dispatch"
	"loom-api/internal/shared"

	"go.uber.org/zap"
)

// Output tensor names baked into the deployed model graphs.
const (
	embeddingOutputName = "13049"
	scoresOutputName    = "scores"
)

type inferInput struct {
	Name     string  `json:"name"`
	Shape    []int   `json:"shape"`
	Datatype string  `json:"datatype"`
	Data     []int64 `json:"data"`
}

type inferOutput struct {
	Name string `json:"name"`
}

type inferRequest struct {
	Inputs  []inferInput  `json:"inputs"`
	Outputs []inferOutput `json:"outputs"`
}

type outputData struct {
	Name     string    `json:"name"`
	Shape    []int     `json:"shape"`
	Datatype string    `json:"datatype"`
	Data     []float32 `json:"data"`
}

type inferResponse struct {
	Outputs []outputData `json:"outputs"`
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	pool       *Pool
	log        *zap.SugaredLogger
}

// NewClient builds a client for the Triton server at addr (host:port).
// maxConns caps concurrent backend calls across all requests.
func NewClient(addr string, networkTimeout time.Duration, maxConns int, log *zap.SugaredLogger) *Client {
	base := addr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &Client{
		baseURL:    strings.TrimRight(base, "/"),
		httpClient: &http.Client{Timeout: networkTimeout},
		pool:       NewPool(maxConns),
		log:        log,
	}
}

// Embeddings runs one embedding batch. The returned results carry the
// original request index of every batch item.
func (c *Client) Embeddings(ctx context.Context, model string, batch dispatch.Batch, taskID int64) ([]dispatch.Result, error) {
	seqLen := len(batch.Items[0].InputIDs)
	req := inferRequest{
		Inputs: []inferInput{
			tensor("input_ids", len(batch.Items), seqLen, flattenIDs(batch.Items)),
			tensor("attention_mask", len(batch.Items), seqLen, flattenMasks(batch.Items)),
			{
				Name:     "task_id",
				Shape:    []int{len(batch.Items), 1},
				Datatype: "INT64",
				Data:     repeat(taskID, len(batch.Items)),
			},
		},
		Outputs: []inferOutput{{Name: embeddingOutputName}},
	}

	out, err := c.infer(ctx, model, req)
	if err != nil {
		return nil, err
	}

	if len(out.Shape) < 2 || out.Shape[0] != len(batch.Items) {
		return nil, shared.NewBackendError(shared.BackendProtocol,
			fmt.Errorf("unexpected embedding output shape %v for batch of %d", out.Shape, len(batch.Items)))
	}
	dim := out.Shape[1]
	if dim <= 0 || len(out.Data) != len(batch.Items)*dim {
		return nil, shared.NewBackendError(shared.BackendProtocol,
			fmt.Errorf("embedding output has %d values, want %d x %d", len(out.Data), len(batch.Items), dim))
	}

	results := make([]dispatch.Result, len(batch.Items))
	for i, item := range batch.Items {
		results[i] = dispatch.Result{
			Index:  item.Index,
			Vector: out.Data[i*dim : (i+1)*dim],
		}
	}
	return results, nil
}

// Scores runs one rerank batch and returns a relevance score per item.
func (c *Client) Scores(ctx context.Context, model string, batch dispatch.Batch) ([]dispatch.Result, error) {
	seqLen := len(batch.Items[0].InputIDs)
	req := inferRequest{
		Inputs: []inferInput{
			tensor("input_ids", len(batch.Items), seqLen, flattenIDs(batch.Items)),
			tensor("attention_mask", len(batch.Items), seqLen, flattenMasks(batch.Items)),
		},
		Outputs: []inferOutput{{Name: scoresOutputName}},
	}

	out, err := c.infer(ctx, model, req)
	if err != nil {
		return nil, err
	}

	if len(out.Data) != len(batch.Items) {
		return nil, shared.NewBackendError(shared.BackendProtocol,
			fmt.Errorf("scores output has %d values for batch of %d", len(out.Data), len(batch.Items)))
	}

	results := make([]dispatch.Result, len(batch.Items))
	for i, item := range batch.Items {
		results[i] = dispatch.Result{
			Index: item.Index,
			Score: out.Data[i],
		}
	}
	return results, nil
}

// ServerLive reports whether the Triton server answers its liveness probe.
func (c *Client) ServerLive(ctx context.Context) (bool, error) {
	return c.probe(ctx, c.baseURL+"/v2/health/live")
}

// ModelReady reports whether the named model is loaded and ready.
func (c *Client) ModelReady(ctx context.Context, model string) (bool, error) {
	return c.probe(ctx, fmt.Sprintf("%s/v2/models/%s/ready", c.baseURL, model))
}

func (c *Client) probe(ctx context.Context, url string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, res.Body)
	return res.StatusCode == http.StatusOK, nil
}

// infer posts one inference request and returns the first output tensor.
func (c *Client) infer(ctx context.Context, model string, reqBody inferRequest) (*outputData, error) {
	if err := c.pool.Acquire(ctx); err != nil {
		return nil, err
	}
	defer c.pool.Release()

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, shared.NewBackendError(shared.BackendProtocol, fmt.Errorf("encode request: %w", err))
	}

	url := fmt.Sprintf("%s/v2/models/%s/infer", c.baseURL, model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, shared.NewBackendError(shared.BackendProtocol, err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		// A canceled or timed-out request context is not a backend failure,
		// surface it as-is. The client's own network timeout still classifies
		// as unavailability.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, shared.NewBackendError(shared.BackendUnavailable, err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		msg := fmt.Errorf("backend returned %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
		switch res.StatusCode {
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return nil, shared.NewBackendError(shared.BackendUnavailable, msg)
		default:
			return nil, shared.NewBackendError(shared.BackendInference, msg)
		}
	}

	var parsed inferResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, shared.NewBackendError(shared.BackendProtocol, fmt.Errorf("decode response: %w", err))
	}
	if len(parsed.Outputs) == 0 {
		return nil, shared.NewBackendError(shared.BackendProtocol, errors.New("no output tensors in response"))
	}
	return &parsed.Outputs[0], nil
}

func tensor(name string, batch, seqLen int, data []int64) inferInput {
	return inferInput{
		Name:     name,
		Shape:    []int{batch, seqLen},
		Datatype: "INT64",
		Data:     data,
	}
}

func flattenIDs(items []dispatch.Item) []int64 {
	out := make([]int64, 0, len(items)*len(items[0].InputIDs))
	for _, it := range items {
		out = append(out, it.InputIDs...)
	}
	return out
}

func flattenMasks(items []dispatch.Item) []int64 {
	out := make([]int64, 0, len(items)*len(items[0].AttentionMask))
	for _, it := range items {
		out = append(out, it.AttentionMask...)
	}
	return out
}

func repeat(v int64, n int) []int64 {
	out := make([]int64, n)
	for i := range out {
		out[i] = v
	}
	return out
}
