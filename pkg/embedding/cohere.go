package embedding

import (
	"context"
	"net/http"
)

// Cohere talks Cohere's /v1/embed wire format, which wants an
// input_type alongside model and texts.
type Cohere struct {
	client    *http.Client
	baseURL   string
	apiKey    string
	model     string
	inputType string
	dim       int
	maxBatch  int
}

func NewCohere(baseURL, apiKey, model, inputType string, dim, maxBatch int) *Cohere {
	return &Cohere{
		client:    &http.Client{Timeout: httpTimeout},
		baseURL:   baseURL,
		apiKey:    apiKey,
		model:     model,
		inputType: inputType,
		dim:       dim,
		maxBatch:  maxBatch,
	}
}

type cohereRequest struct {
	Model     string   `json:"model"`
	Texts     []string `json:"texts"`
	InputType string   `json:"input_type"`
}

type cohereResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

func (c *Cohere) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	headers := map[string]string{"Authorization": "Bearer " + c.apiKey}
	var resp cohereResponse
	err := postJSON(ctx, c.client, c.baseURL+"/v1/embed", headers,
		cohereRequest{Model: c.model, Texts: texts, InputType: c.inputType}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Embeddings, nil
}

func (c *Cohere) Dim() int          { return c.dim }
func (c *Cohere) MaxBatch() int     { return c.maxBatch }
func (c *Cohere) Retryable(e error) bool { return retryableHTTP(e) }
