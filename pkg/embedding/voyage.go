package embedding

import (
	"context"
	"net/http"
)

// Voyage talks Voyage AI's /v1/embeddings wire format.
type Voyage struct {
	client   *http.Client
	baseURL  string
	apiKey   string
	model    string
	dim      int
	maxBatch int
}

func NewVoyage(baseURL, apiKey, model string, dim, maxBatch int) *Voyage {
	return &Voyage{client: &http.Client{Timeout: httpTimeout}, baseURL: baseURL, apiKey: apiKey, model: model, dim: dim, maxBatch: maxBatch}
}

type voyageRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type voyageResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

func (v *Voyage) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	headers := map[string]string{"Authorization": "Bearer " + v.apiKey}
	var resp voyageResponse
	err := postJSON(ctx, v.client, v.baseURL+"/v1/embeddings", headers, voyageRequest{Model: v.model, Input: texts}, &resp)
	if err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index >= 0 && d.Index < len(out) {
			out[d.Index] = d.Embedding
		}
	}
	return out, nil
}

func (v *Voyage) Dim() int          { return v.dim }
func (v *Voyage) MaxBatch() int     { return v.maxBatch }
func (v *Voyage) Retryable(e error) bool { return retryableHTTP(e) }
