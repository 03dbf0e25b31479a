package shared

import (
	"encoding/json"
	"errors"
)

// InputText accepts either a single string or an array of strings, matching
// the OpenAI embeddings request shape.
type InputText []string

func (t *InputText) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*t = InputText{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return errors.New("input must be a string or an array of strings")
	}
	*t = many
	return nil
}

type EmbeddingRequest struct {
	Input          InputText `json:"input"`
	Model          string    `json:"model"`
	EncodingFormat string    `json:"encoding_format"`
	Task           string    `json:"task"`
	User           string    `json:"user,omitempty"`
}

type EmbeddingData struct {
	Object    string    `json:"object"`
	Embedding []float32 `json:"embedding"`
	Index     int       `json:"index"`
}

type EmbeddingUsage struct {
	PromptTokens int `json:"prompt_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

type EmbeddingResponse struct {
	Object string          `json:"object"`
	Data   []EmbeddingData `json:"data"`
	Model  string          `json:"model"`
	Usage  EmbeddingUsage  `json:"usage"`
}

// Document accepts either a plain string or an arbitrary JSON object; object
// documents are reranked against their compact JSON serialization.
type Document string

func (d *Document) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		*d = Document(text)
		return nil
	}
	var obj json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return errors.New("documents must be strings or objects")
	}
	compact, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	*d = Document(compact)
	return nil
}

type RerankRequest struct {
	Query           string     `json:"query"`
	Documents       []Document `json:"documents"`
	Model           string     `json:"model"`
	TopN            *int       `json:"top_n,omitempty"`
	ReturnDocuments *bool      `json:"return_documents,omitempty"`
}

func (r *RerankRequest) DocumentTexts() []string {
	texts := make([]string, len(r.Documents))
	for i, d := range r.Documents {
		texts[i] = string(d)
	}
	return texts
}

// WantsDocuments reports whether the response should echo document text.
// Defaults to true when the field is omitted.
func (r *RerankRequest) WantsDocuments() bool {
	return r.ReturnDocuments == nil || *r.ReturnDocuments
}

type RerankResult struct {
	Index          int     `json:"index"`
	RelevanceScore float32 `json:"relevance_score"`
	Document       *string `json:"document,omitempty"`
}

type RerankUsage struct {
	TotalTokens int `json:"total_tokens"`
}

type RerankResponse struct {
	Object  string         `json:"object"`
	Results []RerankResult `json:"results"`
	Model   string         `json:"model"`
	Usage   RerankUsage    `json:"usage"`
}

// OpenAIError is the error body shape OpenAI-compatible clients expect.
type OpenAIError struct {
	Message string `json:"message"`
	Object  string `json:"object"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
}

type ServiceStatus struct {
	Ready bool `json:"ready"`
}

type HealthResponse struct {
	Status           string        `json:"status"`
	EmbeddingService ServiceStatus `json:"embedding_service"`
	RerankingService ServiceStatus `json:"reranking_service"`
}
