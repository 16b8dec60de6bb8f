package embedding

import (
	"context"
	"net/http"
)

// Ollama talks a local Ollama server's /api/embed endpoint, which
// accepts a batch of prompts and returns one vector per prompt. No
// API key: Ollama is assumed to run on a trusted local network.
type Ollama struct {
	client   *http.Client
	baseURL  string
	model    string
	dim      int
	maxBatch int
}

func NewOllama(baseURL, model string, dim, maxBatch int) *Ollama {
	return &Ollama{client: &http.Client{Timeout: httpTimeout}, baseURL: baseURL, model: model, dim: dim, maxBatch: maxBatch}
}

type ollamaRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

func (o *Ollama) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	var resp ollamaResponse
	err := postJSON(ctx, o.client, o.baseURL+"/api/embed", nil, ollamaRequest{Model: o.model, Input: texts}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Embeddings, nil
}

func (o *Ollama) Dim() int          { return o.dim }
func (o *Ollama) MaxBatch() int     { return o.maxBatch }
func (o *Ollama) Retryable(e error) bool { return retryableHTTP(e) }
