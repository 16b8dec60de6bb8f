package embedding

import (
	"context"
	"fmt"
	"net/http"
)

// OpenAICompat talks the OpenAI embeddings wire format
// (POST /embeddings, {"model","input"} -> {"data":[{"embedding"}]}).
// Portkey's gateway and several self-hosted servers speak the same
// shape, so Portkey is configured as an OpenAICompat pointed at
// Portkey's base URL with its own auth header name - no separate
// client type needed.
type OpenAICompat struct {
	client   *http.Client
	baseURL  string
	apiKey   string
	authHdr  string
	model    string
	dim      int
	maxBatch int
}

type OpenAICompatOption func(*OpenAICompat)

// WithAuthHeader overrides the bearer-token header name, used for
// Portkey's x-portkey-api-key scheme instead of OpenAI's Authorization.
func WithAuthHeader(name string) OpenAICompatOption {
	return func(o *OpenAICompat) { o.authHdr = name }
}

func NewOpenAICompat(baseURL, apiKey, model string, dim, maxBatch int, opts ...OpenAICompatOption) *OpenAICompat {
	o := &OpenAICompat{
		client:   &http.Client{Timeout: httpTimeout},
		baseURL:  baseURL,
		apiKey:   apiKey,
		authHdr:  "Authorization",
		model:    model,
		dim:      dim,
		maxBatch: maxBatch,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type openAIRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type openAIResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

func (o *OpenAICompat) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	headers := map[string]string{}
	if o.authHdr == "Authorization" {
		headers[o.authHdr] = "Bearer " + o.apiKey
	} else {
		headers[o.authHdr] = o.apiKey
	}

	var resp openAIResponse
	err := postJSON(ctx, o.client, o.baseURL+"/embeddings", headers, openAIRequest{Model: o.model, Input: texts}, &resp)
	if err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("%w: index %d out of range", ErrEmbeddingFailed, d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

func (o *OpenAICompat) Dim() int          { return o.dim }
func (o *OpenAICompat) MaxBatch() int     { return o.maxBatch }
func (o *OpenAICompat) Retryable(e error) bool { return retryableHTTP(e) }
