package embedding

import (
	"context"
	"net/http"
)

// SentenceTransformers talks a self-hosted text-embeddings-inference
// style server exposing a bare POST /embed that takes {"inputs":[...]}
// and returns a plain [][]float32.
type SentenceTransformers struct {
	client   *http.Client
	baseURL  string
	dim      int
	maxBatch int
}

func NewSentenceTransformers(baseURL string, dim, maxBatch int) *SentenceTransformers {
	return &SentenceTransformers{client: &http.Client{Timeout: httpTimeout}, baseURL: baseURL, dim: dim, maxBatch: maxBatch}
}

type sentenceTransformersRequest struct {
	Inputs []string `json:"inputs"`
}

func (s *SentenceTransformers) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	var resp [][]float32
	err := postJSON(ctx, s.client, s.baseURL+"/embed", nil, sentenceTransformersRequest{Inputs: texts}, &resp)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (s *SentenceTransformers) Dim() int          { return s.dim }
func (s *SentenceTransformers) MaxBatch() int     { return s.maxBatch }
func (s *SentenceTransformers) Retryable(e error) bool { return retryableHTTP(e) }
